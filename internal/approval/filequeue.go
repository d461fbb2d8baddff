package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinelops/cmdgate/internal/identity"
	"github.com/sentinelops/cmdgate/internal/redact"
	"github.com/sentinelops/cmdgate/internal/risk"
)

// StatusConsumed marks a one-time approval already spent on a run.
const StatusConsumed Status = "consumed"

// FileQueue is the on-disk approval queue used by one-shot CLI
// invocations, where submit, approve and the approved re-run happen in
// separate processes. Request ids are derived from submitter and
// command text, so resubmitting the same command finds its decision.
//
// One file per request, written atomically via temp file and rename.
type FileQueue struct {
	dir      string
	provider identity.Provider
	esc      *EscalationPolicy
	ttl      time.Duration
	onChange TransitionFunc
	log      *logrus.Logger
	mu       sync.Mutex
}

// NewFileQueue opens (and creates) the queue directory.
func NewFileQueue(dir string, provider identity.Provider, log *logrus.Logger) (*FileQueue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("approval: create queue directory: %w", err)
	}
	if log == nil {
		log = logrus.New()
	}
	return &FileQueue{dir: dir, provider: provider, ttl: DefaultTTL, log: log}, nil
}

// SetTTL overrides the request deadline for new requests.
func (q *FileQueue) SetTTL(d time.Duration) { q.ttl = d }

// SetEscalation enables one-shot escalation on expiry.
func (q *FileQueue) SetEscalation(p EscalationPolicy) { q.esc = &p }

// OnTransition registers an observer for transitions the queue applies
// itself, such as lazy expiry and escalation on read.
func (q *FileQueue) OnTransition(fn TransitionFunc) { q.onChange = fn }

// RequestKey derives the deterministic id for a submitter+command pair.
func RequestKey(submitter, command string) string {
	h := sha256.Sum256([]byte(submitter + "\x00" + command))
	return hex.EncodeToString(h[:])[:16]
}

// Submit looks up or creates the request for this submitter+command.
// A previously approved request is consumed and returned as Approved,
// letting the caller proceed; a fresh or still-pending one comes back
// Pending. Denials and expiries are returned as-is and then cleared,
// so a later submission starts a fresh review.
func (q *FileQueue) Submit(commandID, submitter, command string, cat risk.Category) (Request, error) {
	if cat == risk.CategorySafe {
		return Request{}, ErrSafeNotQueued
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	key := RequestKey(submitter, command)
	req, err := q.read(key)
	switch {
	case errors.Is(err, os.ErrNotExist):
		now := time.Now().UTC()
		fresh := Request{
			ID:        key,
			CommandID: commandID,
			Submitter: submitter,
			Command:   redact.Mask(command),
			Category:  cat,
			Required:  RequiredApprovers(cat),
			Status:    StatusPending,
			CreatedAt: now,
			Deadline:  now.Add(q.ttl),
		}
		if err := q.writeAtomic(fresh); err != nil {
			return Request{}, err
		}
		return fresh, nil
	case err != nil:
		return Request{}, err
	}

	q.expireLocked(req)
	switch req.Status {
	case StatusApproved:
		out := *req
		req.Status = StatusConsumed
		if err := q.writeAtomic(*req); err != nil {
			return Request{}, err
		}
		return out, nil
	case StatusDenied, StatusExpired, StatusConsumed:
		out := *req
		if out.Status == StatusConsumed {
			// spent approvals do not authorize another run.
			out.Status = StatusExpired
			out.Reason = "one-time approval already used"
		}
		if err := os.Remove(q.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Request{}, fmt.Errorf("approval: clear resolved request: %w", err)
		}
		return out, nil
	default:
		req.CommandID = commandID
		if err := q.writeAtomic(*req); err != nil {
			return Request{}, err
		}
		return *req, nil
	}
}

// Decide applies one reviewer decision with the same validation the
// in-memory coordinator enforces.
func (q *FileQueue) Decide(requestID, reviewer string, approve bool, reason string) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, err := q.read(requestID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Request{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
		}
		return Request{}, err
	}
	q.expireLocked(req)

	if _, err := applyDecision(q.provider, req, reviewer, approve, reason, q.esc, time.Now().UTC()); err != nil {
		return *req, err
	}
	if err := q.writeAtomic(*req); err != nil {
		return Request{}, err
	}
	return *req, nil
}

// Get returns the request, applying lazy expiry.
func (q *FileQueue) Get(requestID string) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, err := q.read(requestID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Request{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
		}
		return Request{}, err
	}
	q.expireLocked(req)
	return *req, nil
}

// Await satisfies the pipeline's approval interface. File-queue
// decisions land in other processes, so there is nothing to wait for
// in this one; the channel is already closed.
func (q *FileQueue) Await(requestID string) <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Pending lists all undecided requests.
func (q *FileQueue) Pending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil
	}
	var out []Request
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		req, err := q.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		q.expireLocked(req)
		if !req.Status.Terminal() && req.Status != StatusConsumed {
			out = append(out, *req)
		}
	}
	return out
}

// expireLocked applies the deadline in place, escalating once when a
// policy is configured. Changes are persisted best-effort.
func (q *FileQueue) expireLocked(req *Request) {
	if req.Status.Terminal() || req.Status == StatusConsumed {
		return
	}
	now := time.Now().UTC()
	if now.Before(req.Deadline) {
		return
	}
	from := req.Status
	if q.esc != nil && !req.EscalatedOnce && canTransition(req.Status, StatusEscalated) {
		req.Status = StatusEscalated
		req.EscalatedOnce = true
		req.Deadline = now.Add(q.esc.Extend)
	} else {
		req.Status = StatusExpired
		req.Reason = "deadline elapsed without decision"
	}
	if err := q.writeAtomic(*req); err != nil {
		q.log.WithError(err).Warn("persisting expiry failed")
	}
	if q.onChange != nil {
		q.onChange(*req, from)
	}
}

func (q *FileQueue) path(id string) string {
	return filepath.Join(q.dir, id+".json")
}

func (q *FileQueue) read(id string) (*Request, error) {
	data, err := os.ReadFile(q.path(id))
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("approval: parse request %s: %w", id, err)
	}
	return &req, nil
}

func (q *FileQueue) writeAtomic(req Request) error {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("approval: marshal request: %w", err)
	}
	tmp := q.path(req.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("approval: write request: %w", err)
	}
	return os.Rename(tmp, q.path(req.ID))
}
