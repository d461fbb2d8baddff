// Package approval coordinates human review of risky commands. Each
// request is a small state machine with a per-request lock, so decision
// application is linearizable: exactly one transition ever leaves
// Pending, no matter how many reviewers race.
package approval

import (
	"errors"
	"time"

	"github.com/sentinelops/cmdgate/internal/risk"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusExpired   Status = "expired"
	StatusEscalated Status = "escalated"
)

// allowedTransitions is the explicit transition table. Approved, Denied
// and Expired are terminal; Escalated is Pending with a longer deadline
// and a wider reviewer pool.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusApproved:  true,
		StatusDenied:    true,
		StatusExpired:   true,
		StatusEscalated: true,
	},
	StatusEscalated: {
		StatusApproved: true,
		StatusDenied:   true,
		StatusExpired:  true,
	},
}

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// canTransition consults the transition table.
func canTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// Decision is one recorded reviewer decision.
type Decision struct {
	Reviewer string    `json:"reviewer"`
	Approve  bool      `json:"approve"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Request is one command awaiting review.
type Request struct {
	ID        string        `json:"id"`
	CommandID string        `json:"command_id"`
	Submitter string        `json:"submitter"`
	// Command is the masked command text, for reviewers.
	Command  string        `json:"command,omitempty"`
	Category risk.Category `json:"category"`
	// Required is the number of unique approving decisions needed.
	Required  int        `json:"required"`
	Decisions []Decision `json:"decisions"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	Deadline  time.Time  `json:"deadline"`
	// EscalatedOnce records that the one-shot escalation has been used.
	EscalatedOnce bool `json:"escalated_once,omitempty"`
	// Reason explains the terminal state for humans.
	Reason string `json:"reason,omitempty"`
}

// approvals counts unique approving decisions.
func (r *Request) approvals() int {
	n := 0
	for _, d := range r.Decisions {
		if d.Approve {
			n++
		}
	}
	return n
}

// hasVoted reports whether the reviewer already decided on this request.
func (r *Request) hasVoted(reviewer string) bool {
	for _, d := range r.Decisions {
		if d.Reviewer == reviewer {
			return true
		}
	}
	return false
}

// RequiredApprovers derives the approver count from the risk category.
// SAFE commands never reach the queue.
func RequiredApprovers(cat risk.Category) int {
	switch cat {
	case risk.CategorySafe:
		return 0
	case risk.CategoryCritical:
		return 2
	default:
		return 1
	}
}

// Errors returned by the coordinator. Authorization failures leave the
// request state untouched.
var (
	ErrUnknownRequest     = errors.New("approval: unknown request")
	ErrTerminalState      = errors.New("approval: request already decided")
	ErrSelfApproval       = errors.New("approval: submitter cannot decide their own request")
	ErrDuplicateDecision  = errors.New("approval: reviewer already decided on this request")
	ErrIneligibleReviewer = errors.New("approval: reviewer role not authorized for this risk category")
	ErrSafeNotQueued      = errors.New("approval: safe commands are auto-approved, not queued")
)
