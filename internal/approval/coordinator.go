package approval

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sentinelops/cmdgate/internal/identity"
	"github.com/sentinelops/cmdgate/internal/redact"
	"github.com/sentinelops/cmdgate/internal/risk"
)

// DefaultTTL is how long a request waits before the sweeper acts on it.
const DefaultTTL = 15 * time.Minute

// DefaultRetention is how long a resolved request stays queryable
// through Get before the sweeper drops it from memory.
const DefaultRetention = time.Hour

// EscalationPolicy widens a timed-out request instead of expiring it.
// The deadline is extended once; AddRoles names roles that become
// eligible reviewers for the escalated request in addition to the
// roles that could already approve the category.
type EscalationPolicy struct {
	Extend   time.Duration `yaml:"extend"`
	AddRoles []string      `yaml:"add_roles"`
}

// TransitionFunc observes every state change. The request is a copy;
// from is the prior status. Submission is reported with from == "".
type TransitionFunc func(req Request, from Status)

// Coordinator owns the pending-approval queue.
type Coordinator struct {
	mu       sync.Mutex
	requests map[string]*reqState

	provider   identity.Provider
	escalation *EscalationPolicy
	onChange   TransitionFunc
	now        func() time.Time
	ttl        time.Duration
	retention  time.Duration
	log        *logrus.Logger
}

// reqState pairs a request with its own lock and completion channel.
// The coordinator map lock is only held for lookups; all state checks
// and mutations happen under st.mu.
type reqState struct {
	mu     sync.Mutex
	req    Request
	done   chan struct{}
	doneAt time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEscalation enables one-shot escalation on deadline expiry.
func WithEscalation(p EscalationPolicy) Option {
	return func(c *Coordinator) { c.escalation = &p }
}

// WithTTL overrides the default request deadline.
func WithTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.ttl = d }
}

// WithRetention overrides how long resolved requests stay in memory.
func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) { c.retention = d }
}

// WithTransitionFunc registers the state-change observer.
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(c *Coordinator) { c.onChange = fn }
}

// OnTransition registers the state-change observer after construction,
// replacing any observer set earlier. Call it before the first Submit.
func (c *Coordinator) OnTransition(fn TransitionFunc) { c.onChange = fn }

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator builds a Coordinator backed by the given role provider.
func NewCoordinator(provider identity.Provider, log *logrus.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = logrus.New()
	}
	c := &Coordinator{
		requests:  make(map[string]*reqState),
		provider:  provider,
		now:       time.Now,
		ttl:       DefaultTTL,
		retention: DefaultRetention,
		log:       log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit queues a command for review and returns the new request.
// SAFE commands are rejected; the caller auto-approves those itself.
func (c *Coordinator) Submit(commandID, submitter, command string, cat risk.Category) (Request, error) {
	if cat == risk.CategorySafe {
		return Request{}, ErrSafeNotQueued
	}
	now := c.now()
	req := Request{
		ID:        uuid.NewString(),
		CommandID: commandID,
		Submitter: submitter,
		Command:   redact.Mask(command),
		Category:  cat,
		Required:  RequiredApprovers(cat),
		Status:    StatusPending,
		CreatedAt: now,
		Deadline:  now.Add(c.ttl),
	}
	st := &reqState{req: req, done: make(chan struct{})}

	c.mu.Lock()
	c.requests[req.ID] = st
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"request": req.ID,
		"command": commandID,
		"category": string(cat),
		"required": req.Required,
	}).Info("approval requested")
	c.notify(req, "")
	return req, nil
}

// Decide records a reviewer decision. A deny is absolute and final
// regardless of approvals already gathered. Authorization errors are
// returned before any state is touched.
func (c *Coordinator) Decide(requestID, reviewer string, approve bool, reason string) (Request, error) {
	st, err := c.lookup(requestID)
	if err != nil {
		return Request{}, err
	}

	st.mu.Lock()
	from, err := applyDecision(c.provider, &st.req, reviewer, approve, reason, c.escalation, c.now())
	if err != nil {
		defer st.mu.Unlock()
		return st.req, err
	}
	if st.req.Status == from {
		defer st.mu.Unlock()
		return st.req, nil
	}
	close(st.done)
	st.doneAt = c.now()
	req := st.req
	st.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"request":  req.ID,
		"status":   string(req.Status),
		"reviewer": reviewer,
	}).Info("approval resolved")
	c.notify(req, from)
	return req, nil
}

// checkReviewer verifies the reviewer holds a role allowed to approve
// the request's category. An escalated request additionally accepts
// the escalation policy's added roles. Shared by the in-memory
// coordinator and the file-backed queue.
func checkReviewer(provider identity.Provider, reviewer string, req *Request, esc *EscalationPolicy) error {
	roles, err := provider.RolesFor(reviewer)
	if err != nil {
		return fmt.Errorf("resolve reviewer roles: %w", err)
	}
	for _, r := range roles {
		if r.CanApprove(req.Category) {
			return nil
		}
		if req.Status == StatusEscalated && esc != nil {
			for _, name := range esc.AddRoles {
				if r.Name == name {
					return nil
				}
			}
		}
	}
	return fmt.Errorf("%w: %s cannot approve %s", ErrIneligibleReviewer, reviewer, req.Category)
}

// applyDecision validates and applies one reviewer decision to the
// request in place. It returns the prior status; callers compare it to
// req.Status to detect a transition.
func applyDecision(provider identity.Provider, req *Request, reviewer string, approve bool, reason string, esc *EscalationPolicy, now time.Time) (Status, error) {
	from := req.Status
	if req.Status.Terminal() {
		return from, fmt.Errorf("%w (%s)", ErrTerminalState, req.Status)
	}
	if reviewer == req.Submitter {
		return from, ErrSelfApproval
	}
	if req.hasVoted(reviewer) {
		return from, ErrDuplicateDecision
	}
	if err := checkReviewer(provider, reviewer, req, esc); err != nil {
		return from, err
	}
	req.Decisions = append(req.Decisions, Decision{
		Reviewer: reviewer,
		Approve:  approve,
		Reason:   reason,
		At:       now,
	})
	switch {
	case !approve:
		req.Status = StatusDenied
		req.Reason = reason
	case req.approvals() >= req.Required:
		req.Status = StatusApproved
	}
	return from, nil
}

// Get returns a copy of the request.
func (c *Coordinator) Get(requestID string) (Request, error) {
	st, err := c.lookup(requestID)
	if err != nil {
		return Request{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.req, nil
}

// Pending lists all requests still awaiting a decision.
func (c *Coordinator) Pending() []Request {
	c.mu.Lock()
	states := make([]*reqState, 0, len(c.requests))
	for _, st := range c.requests {
		states = append(states, st)
	}
	c.mu.Unlock()

	var out []Request
	for _, st := range states {
		st.mu.Lock()
		if !st.req.Status.Terminal() {
			out = append(out, st.req)
		}
		st.mu.Unlock()
	}
	return out
}

// Await returns a channel closed when the request reaches a terminal
// state. Unknown ids get an already-closed channel.
func (c *Coordinator) Await(requestID string) <-chan struct{} {
	st, err := c.lookup(requestID)
	if err != nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return st.done
}

// Sweep expires or escalates requests whose deadline has passed, and
// drops resolved requests older than the retention window so the
// queue does not grow without bound. A request escalates at most once;
// the second expiry is final.
func (c *Coordinator) Sweep() {
	now := c.now()
	var stale []string
	for _, st := range c.snapshot() {
		st.mu.Lock()
		if st.req.Status.Terminal() {
			if !st.doneAt.IsZero() && now.Sub(st.doneAt) >= c.retention {
				stale = append(stale, st.req.ID)
			}
			st.mu.Unlock()
			continue
		}
		if now.Before(st.req.Deadline) {
			st.mu.Unlock()
			continue
		}
		from := st.req.Status
		if c.escalation != nil && !st.req.EscalatedOnce && canTransition(from, StatusEscalated) {
			st.req.Status = StatusEscalated
			st.req.EscalatedOnce = true
			st.req.Deadline = now.Add(c.escalation.Extend)
			c.log.WithField("request", st.req.ID).Warn("approval escalated")
		} else {
			st.req.Status = StatusExpired
			st.req.Reason = "deadline elapsed without decision"
			close(st.done)
			st.doneAt = now
			c.log.WithField("request", st.req.ID).Warn("approval expired")
		}
		req := st.req
		st.mu.Unlock()
		c.notify(req, from)
	}
	if len(stale) > 0 {
		c.mu.Lock()
		for _, id := range stale {
			delete(c.requests, id)
		}
		c.mu.Unlock()
		c.log.WithField("count", len(stale)).Debug("resolved approvals dropped")
	}
}

// RunSweeper drives Sweep on a ticker until done is closed.
func (c *Coordinator) RunSweeper(done <-chan struct{}, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.Sweep()
		}
	}
}

func (c *Coordinator) lookup(id string) (*reqState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return st, nil
}

func (c *Coordinator) snapshot() []*reqState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*reqState, 0, len(c.requests))
	for _, st := range c.requests {
		out = append(out, st)
	}
	return out
}

func (c *Coordinator) notify(req Request, from Status) {
	if c.onChange != nil {
		c.onChange(req, from)
	}
}
