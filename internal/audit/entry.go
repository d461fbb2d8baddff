package audit

// Stage names the lifecycle step an entry records.
const (
	StageSubmitted         = "submitted"
	StageParsed            = "parsed"
	StageRuleAllowed       = "rule-allowed"
	StageRuleBlocked       = "rule-blocked"
	StageClassified        = "classified"
	StageApprovalRequested = "approval-requested"
	StageApproved          = "approved"
	StageDenied            = "denied"
	StageExpired           = "expired"
	StageEscalated         = "escalated"
	StageExecuting         = "executing"
	StageCompleted         = "completed"
	StageFailed            = "failed"
	StageRolledBack        = "rolled-back"
	StageRuleModified      = "rule-modified"
)

// Entry is one line in the hash-chained JSONL audit log.
// All fields are scalars (no map[string]any) to guarantee deterministic
// json.Marshal field order for reproducible hashing.
type Entry struct {
	Timestamp string `json:"ts"`
	CommandID string `json:"command_id"`
	Stage     string `json:"stage"`
	Actor     string `json:"actor,omitempty"`
	Command   string `json:"command,omitempty"`
	Category  string `json:"category,omitempty"`
	Score     int    `json:"score,omitempty"`
	Reason    string `json:"reason,omitempty"`
	PrevHash  string `json:"prev_hash"`
}
