// Package pipeline wires the full command lifecycle: parse, rule
// evaluation, risk classification, approval, checkpoint, sandboxed
// execution and rollback. Each command moves through an explicit state
// machine; every transition lands in the audit log, the history store
// and the event bus.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelops/cmdgate/internal/approval"
	"github.com/sentinelops/cmdgate/internal/audit"
	"github.com/sentinelops/cmdgate/internal/checkpoint"
	"github.com/sentinelops/cmdgate/internal/event"
	"github.com/sentinelops/cmdgate/internal/history"
	"github.com/sentinelops/cmdgate/internal/identity"
	"github.com/sentinelops/cmdgate/internal/ratelimit"
	"github.com/sentinelops/cmdgate/internal/redact"
	"github.com/sentinelops/cmdgate/internal/risk"
	"github.com/sentinelops/cmdgate/internal/rules"
	"github.com/sentinelops/cmdgate/internal/sandbox"
	"github.com/sentinelops/cmdgate/internal/shellparse"
)

// State is the lifecycle state of a submitted command.
type State string

const (
	StateSubmitted        State = "submitted"
	StateBlocked          State = "blocked"
	StateAwaitingApproval State = "awaiting-approval"
	StateApproved         State = "approved"
	StateDenied           State = "denied"
	StateExpired          State = "expired"
	StateExecuting        State = "executing"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateRolledBack       State = "rolled-back"
	StateCancelled        State = "cancelled"
)

// terminal reports whether the command can move no further.
func (s State) terminal() bool {
	switch s {
	case StateBlocked, StateDenied, StateExpired, StateCompleted,
		StateFailed, StateRolledBack, StateCancelled:
		return true
	}
	return false
}

// Submission is one command offered to the gate.
type Submission struct {
	Raw       string
	Submitter string
	Dialect   shellparse.Dialect
	Dir       string
	Env       []string
	Limits    sandbox.Limits
	// CheckpointPaths lists the filesystem resources to snapshot before
	// execution. Empty means the command runs uncovered.
	CheckpointPaths []string
	// AutoRollback restores the checkpoint when execution fails.
	AutoRollback bool
}

// Ticket is the caller-visible view of a command's progress.
type Ticket struct {
	CommandID      string               `json:"command_id"`
	State          State                `json:"state"`
	Masked         string               `json:"masked"`
	RuleID         string               `json:"rule_id,omitempty"`
	Classification *risk.Classification `json:"classification,omitempty"`
	ApprovalID     string               `json:"approval_id,omitempty"`
	Result         *sandbox.Result      `json:"result,omitempty"`
	Reason         string               `json:"reason,omitempty"`
}

var (
	// ErrUnknownCommand means the command id was never submitted here.
	ErrUnknownCommand = errors.New("pipeline: unknown command")
	// ErrNotRollbackable means the command has no checkpoint to restore.
	ErrNotRollbackable = errors.New("pipeline: command has no checkpoint")
)

// Approvals is the review queue the gate parks risky commands on. The
// in-memory Coordinator serves long-running embeddings; the file-backed
// queue serves one-shot CLI processes, where Submit may come back
// already decided.
type Approvals interface {
	Submit(commandID, submitter, command string, cat risk.Category) (approval.Request, error)
	Decide(requestID, reviewer string, approve bool, reason string) (approval.Request, error)
	Get(requestID string) (approval.Request, error)
	Await(requestID string) <-chan struct{}
	Pending() []approval.Request
}

// Gate orchestrates the full pipeline.
type Gate struct {
	engine   *rules.Engine
	class    *risk.Classifier
	ident    identity.Provider
	approval Approvals
	exec     sandbox.Executor
	limiter  *ratelimit.Limiter
	cps      *checkpoint.Manager
	auditLog *audit.Log
	hist     *history.Store
	bus      *event.Bus
	log      *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	tickets map[string]*ticketState
}

type ticketState struct {
	mu     sync.Mutex
	ticket Ticket
	sub    Submission
	cancel context.CancelFunc
	doneAt time.Time
}

// Deps bundles the gate's collaborators.
type Deps struct {
	Engine     *rules.Engine
	Classifier *risk.Classifier
	Identity   identity.Provider
	Approval   Approvals
	Executor   sandbox.Executor
	// Limiter throttles submissions per submitter. Nil means unlimited.
	Limiter    *ratelimit.Limiter
	Checkpoint *checkpoint.Manager
	Audit      *audit.Log
	History    *history.Store
	Bus        *event.Bus
	Log        *logrus.Logger
}

// NewGate builds the orchestrator. Close releases its background work.
func NewGate(d Deps) *Gate {
	if d.Log == nil {
		d.Log = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	g := &Gate{
		engine:   d.Engine,
		class:    d.Classifier,
		ident:    d.Identity,
		approval: d.Approval,
		exec:     d.Executor,
		limiter:  d.Limiter,
		cps:      d.Checkpoint,
		auditLog: d.Audit,
		hist:     d.History,
		bus:      d.Bus,
		log:      d.Log,
		ctx:      gctx,
		cancel:   cancel,
		group:    group,
		tickets:  make(map[string]*ticketState),
	}
	// escalations happen on the queue's own clock (sweeper or lazy
	// expiry), never inside a Submit, so they need their own observer
	// to reach the audit trail.
	if src, ok := d.Approval.(interface{ OnTransition(approval.TransitionFunc) }); ok {
		src.OnTransition(g.observeApproval)
	}
	return g
}

// observeApproval records queue transitions that no Submit or resume
// call witnesses. Terminal decisions already land through resume, so
// only the escalation is interesting here.
func (g *Gate) observeApproval(req approval.Request, from approval.Status) {
	if req.Status != approval.StatusEscalated || from == approval.StatusEscalated {
		return
	}
	reason := fmt.Sprintf("review deadline passed; extended to %s", req.Deadline.UTC().Format(time.RFC3339))
	if err := g.hist.Append(history.Record{
		CommandID: req.CommandID, Stage: audit.StageEscalated,
		Command: req.Command, Category: string(req.Category), Detail: reason,
	}); err != nil {
		g.log.WithError(err).Error("history append failed")
	}
	if err := g.auditLog.Record(audit.Entry{
		CommandID: req.CommandID, Stage: audit.StageEscalated,
		Command: req.Command, Category: string(req.Category), Reason: reason,
	}); err != nil {
		g.log.WithError(err).Error("audit append failed")
	}
	g.bus.Publish(event.Event{Type: event.TypeEscalated, CommandID: req.CommandID, Detail: reason})
}

// Close stops background resumption and waits for in-flight work.
func (g *Gate) Close() error {
	g.cancel()
	return g.group.Wait()
}

// DefaultTicketRetention is how long a finished ticket stays queryable
// through Get after reaching a terminal state.
const DefaultTicketRetention = time.Hour

// PruneTickets drops tickets that reached a terminal state more than
// retain ago and returns how many were removed. History and audit keep
// the durable record; rollback of a pruned command goes through the
// checkpoint store.
func (g *Gate) PruneTickets(retain time.Duration) int {
	cutoff := time.Now().Add(-retain)
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, ts := range g.tickets {
		ts.mu.Lock()
		prune := ts.ticket.State.terminal() && !ts.doneAt.IsZero() && ts.doneAt.Before(cutoff)
		ts.mu.Unlock()
		if prune {
			delete(g.tickets, id)
			n++
		}
	}
	return n
}

// RunJanitor prunes finished tickets on a ticker until the gate closes.
// Long-running embedders start this once; one-shot processes need not.
func (g *Gate) RunJanitor(interval, retain time.Duration) {
	g.group.Go(func() error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-g.ctx.Done():
				return nil
			case <-t.C:
				g.PruneTickets(retain)
			}
		}
	})
}

// Submit runs parse, rule evaluation and classification synchronously.
// SAFE commands execute immediately; anything riskier parks on an
// approval request and resumes in the background once decided.
func (g *Gate) Submit(ctx context.Context, sub Submission) (*Ticket, error) {
	ts := g.newTicket(sub)
	g.transition(ts, StateSubmitted, audit.StageSubmitted, event.TypeSubmitted, sub.Submitter, "")

	pc, err := shellparse.Parse(sub.Raw, sub.Dialect)
	if err != nil {
		reason := fmt.Sprintf("parse rejected: %v", err)
		g.transition(ts, StateFailed, audit.StageFailed, event.TypeDenied, sub.Submitter, reason)
		return g.snapshot(ts), fmt.Errorf("pipeline: parse: %w", err)
	}
	g.record(ts, audit.StageParsed, "", "")

	decision := g.engine.Evaluate(pc, g.roleNames(sub.Submitter))
	switch decision.Verdict {
	case rules.Blocked:
		ts.mu.Lock()
		ts.ticket.RuleID = decision.Rule.ID
		ts.mu.Unlock()
		g.transition(ts, StateBlocked, audit.StageRuleBlocked, event.TypeRuleBlocked, sub.Submitter, decision.Reason)
		return g.snapshot(ts), nil
	case rules.Allowed:
		// an allow short-circuit still leaves an audit trace of the
		// rule that granted it.
		ts.mu.Lock()
		ts.ticket.RuleID = decision.Rule.ID
		ts.mu.Unlock()
		g.record(ts, audit.StageRuleAllowed, sub.Submitter, decision.Reason)
		g.transition(ts, StateApproved, audit.StageApproved, event.TypeApproved, "", decision.Reason)
		g.execute(ctx, ts)
		return g.snapshot(ts), nil
	}

	cl := g.class.Classify(pc, risk.ExecContext{Submitter: sub.Submitter})
	ts.mu.Lock()
	ts.ticket.Classification = &cl
	ts.mu.Unlock()
	g.recordClassified(ts, cl)

	// rate limiting applies after classification so the limit can key on
	// risk category. Rule-allowed commands bypass it; an explicit allow
	// rule is an operator grant.
	if g.limiter != nil {
		if lr := g.limiter.Allow(sub.Submitter, cl.Category); lr.Exceeded {
			g.transition(ts, StateDenied, audit.StageDenied, event.TypeDenied, "", lr.Reason)
			return g.snapshot(ts), nil
		}
	}

	if cl.AutoApprovable {
		g.transition(ts, StateApproved, audit.StageApproved, event.TypeApproved, "", "auto-approved: safe")
		g.execute(ctx, ts)
		return g.snapshot(ts), nil
	}

	req, err := g.approval.Submit(ts.ticket.CommandID, sub.Submitter, ts.ticket.Masked, cl.Category)
	if err != nil {
		g.transition(ts, StateFailed, audit.StageFailed, event.TypeDenied, sub.Submitter, err.Error())
		return g.snapshot(ts), fmt.Errorf("pipeline: request approval: %w", err)
	}
	ts.mu.Lock()
	ts.ticket.ApprovalID = req.ID
	ts.mu.Unlock()

	// a file-backed queue can hand back a request that was decided in
	// another process; resolve it without parking.
	switch req.Status {
	case approval.StatusApproved:
		g.transition(ts, StateApproved, audit.StageApproved, event.TypeApproved, lastReviewer(req), req.Reason)
		g.execute(ctx, ts)
		return g.snapshot(ts), nil
	case approval.StatusDenied:
		g.transition(ts, StateDenied, audit.StageDenied, event.TypeDenied, lastReviewer(req), req.Reason)
		return g.snapshot(ts), nil
	case approval.StatusExpired:
		g.transition(ts, StateExpired, audit.StageExpired, event.TypeExpired, "", req.Reason)
		return g.snapshot(ts), nil
	}

	g.transition(ts, StateAwaitingApproval, audit.StageApprovalRequested, event.TypeApprovalRequested, sub.Submitter,
		fmt.Sprintf("%s risk, %d approver(s) required", cl.Category, req.Required))

	g.group.Go(func() error {
		g.resume(ts, req.ID)
		return nil
	})
	return g.snapshot(ts), nil
}

// resume waits for the approval decision and carries the command to its
// end state. It runs on the gate's background group, not the
// submitter's goroutine.
func (g *Gate) resume(ts *ticketState, requestID string) {
	select {
	case <-g.ctx.Done():
		return
	case <-g.approval.Await(requestID):
	}
	ts.mu.Lock()
	parked := ts.ticket.State == StateAwaitingApproval
	ts.mu.Unlock()
	if !parked {
		// cancelled while waiting; the decision no longer applies.
		return
	}
	req, err := g.approval.Get(requestID)
	if err != nil {
		g.transition(ts, StateFailed, audit.StageFailed, event.TypeDenied, "", err.Error())
		return
	}
	actor := lastReviewer(req)
	switch req.Status {
	case approval.StatusApproved:
		g.transition(ts, StateApproved, audit.StageApproved, event.TypeApproved, actor, req.Reason)
		g.execute(g.ctx, ts)
	case approval.StatusDenied:
		g.transition(ts, StateDenied, audit.StageDenied, event.TypeDenied, actor, req.Reason)
	case approval.StatusExpired:
		g.transition(ts, StateExpired, audit.StageExpired, event.TypeExpired, "", req.Reason)
	}
}

// execute checkpoints, runs the sandbox and records the outcome. A
// checkpoint failure blocks execution outright; running uncovered is
// never the fallback.
func (g *Gate) execute(ctx context.Context, ts *ticketState) {
	ts.mu.Lock()
	sub := ts.sub
	id := ts.ticket.CommandID
	ts.mu.Unlock()

	var cp *checkpoint.Checkpoint
	if len(sub.CheckpointPaths) > 0 {
		var err error
		cp, err = g.cps.Create(id, sub.CheckpointPaths)
		if err != nil {
			g.transition(ts, StateFailed, audit.StageFailed, event.TypeDenied, "", fmt.Sprintf("checkpoint: %v", err))
			return
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	ts.mu.Lock()
	ts.cancel = cancel
	ts.mu.Unlock()
	defer cancel()

	g.transition(ts, StateExecuting, audit.StageExecuting, event.TypeExecutionStarted, "", "")

	pc, _ := shellparse.Parse(sub.Raw, sub.Dialect)
	res, err := g.exec.Execute(runCtx, sandbox.Spec{
		Argv:   execArgv(sub, pc),
		Dir:    sub.Dir,
		Env:    sub.Env,
		Limits: sub.Limits,
	})
	if err != nil {
		g.transition(ts, StateFailed, audit.StageFailed, event.TypeExecutionFinished, "", fmt.Sprintf("executor: %v", err))
		return
	}

	ts.mu.Lock()
	ts.ticket.Result = res
	cancelled := runCtx.Err() != nil && ctx.Err() == nil && res.Aborted
	ts.mu.Unlock()

	switch {
	case cancelled:
		g.transition(ts, StateCancelled, audit.StageFailed, event.TypeExecutionFinished, "", "cancelled during execution")
	case res.ExitCode == 0 && !res.TimedOut && !res.OOMKilled:
		g.transition(ts, StateCompleted, audit.StageCompleted, event.TypeExecutionFinished, "",
			fmt.Sprintf("exit 0 in %s", res.Usage.Wall))
	default:
		g.transition(ts, StateFailed, audit.StageFailed, event.TypeExecutionFinished, "", execFailureReason(res))
		if sub.AutoRollback && cp != nil {
			g.rollback(ts, cp)
		}
	}
}

// Rollback restores the command's checkpoint on demand.
func (g *Gate) Rollback(commandID string) (*checkpoint.RollbackResult, error) {
	ts, err := g.lookup(commandID)
	if err != nil {
		return nil, err
	}
	cp, err := g.cps.ByCommand(commandID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRollbackable, err)
	}
	return g.rollback(ts, cp), nil
}

func (g *Gate) rollback(ts *ticketState, cp *checkpoint.Checkpoint) *checkpoint.RollbackResult {
	res, err := g.cps.Rollback(cp)
	if err != nil {
		g.record(ts, audit.StageFailed, "", fmt.Sprintf("rollback: %v", err))
		return &checkpoint.RollbackResult{Partial: true, Failed: map[string]error{"": err}}
	}
	reason := fmt.Sprintf("%d path(s) restored", len(res.Restored))
	if res.Partial {
		reason = fmt.Sprintf("%s, %d failed", reason, len(res.Failed))
	}
	g.transition(ts, StateRolledBack, audit.StageRolledBack, event.TypeRolledBack, "", reason)
	return res
}

// Cancel aborts a command. Before execution it simply parks the ticket
// in StateCancelled; during execution it tears down the process group.
func (g *Gate) Cancel(commandID string) error {
	ts, err := g.lookup(commandID)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	state := ts.ticket.State
	cancel := ts.cancel
	ts.mu.Unlock()

	if state.terminal() {
		return nil
	}
	if state == StateExecuting && cancel != nil {
		cancel()
		return nil
	}
	g.transition(ts, StateCancelled, audit.StageFailed, event.TypeDenied, "", "cancelled before execution")
	return nil
}

// Get returns the current ticket for a command.
func (g *Gate) Get(commandID string) (*Ticket, error) {
	ts, err := g.lookup(commandID)
	if err != nil {
		return nil, err
	}
	return g.snapshot(ts), nil
}

func (g *Gate) newTicket(sub Submission) *ticketState {
	ts := &ticketState{
		ticket: Ticket{
			CommandID: uuid.NewString(),
			Masked:    redact.Mask(sub.Raw),
		},
		sub: sub,
	}
	g.mu.Lock()
	g.tickets[ts.ticket.CommandID] = ts
	g.mu.Unlock()
	return ts
}

func (g *Gate) lookup(commandID string) (*ticketState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts, ok := g.tickets[commandID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, commandID)
	}
	return ts, nil
}

func (g *Gate) snapshot(ts *ticketState) *Ticket {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := ts.ticket
	return &t
}

// transition moves the ticket and fans the change out to history,
// audit and the event bus.
func (g *Gate) transition(ts *ticketState, state State, stage string, evt event.Type, actor, reason string) {
	ts.mu.Lock()
	ts.ticket.State = state
	if reason != "" {
		ts.ticket.Reason = redact.Mask(reason)
	}
	if state.terminal() {
		ts.doneAt = time.Now()
	}
	id := ts.ticket.CommandID
	masked := ts.ticket.Masked
	cl := ts.ticket.Classification
	ts.mu.Unlock()

	fields := logrus.Fields{"command_id": id, "state": string(state)}
	if actor != "" {
		fields["actor"] = actor
	}
	g.log.WithFields(fields).Info("command transition")

	rec := history.Record{CommandID: id, Stage: stage, Actor: actor, Command: masked, Detail: reason}
	ent := audit.Entry{CommandID: id, Stage: stage, Actor: actor, Command: masked, Reason: reason}
	if cl != nil {
		rec.Category = string(cl.Category)
		rec.Score = cl.Score
		ent.Category = string(cl.Category)
		ent.Score = cl.Score
	}
	if err := g.hist.Append(rec); err != nil {
		g.log.WithError(err).Error("history append failed")
	}
	if err := g.auditLog.Record(ent); err != nil {
		g.log.WithError(err).Error("audit append failed")
	}
	g.bus.Publish(event.Event{Type: evt, CommandID: id, Actor: actor, Detail: redact.Mask(reason)})
}

// record writes a non-state-changing audit/history line.
func (g *Gate) record(ts *ticketState, stage, actor, reason string) {
	ts.mu.Lock()
	id := ts.ticket.CommandID
	masked := ts.ticket.Masked
	ts.mu.Unlock()
	if err := g.hist.Append(history.Record{CommandID: id, Stage: stage, Actor: actor, Command: masked, Detail: reason}); err != nil {
		g.log.WithError(err).Error("history append failed")
	}
	if err := g.auditLog.Record(audit.Entry{CommandID: id, Stage: stage, Actor: actor, Command: masked, Reason: reason}); err != nil {
		g.log.WithError(err).Error("audit append failed")
	}
}

func (g *Gate) recordClassified(ts *ticketState, cl risk.Classification) {
	ts.mu.Lock()
	id := ts.ticket.CommandID
	ts.mu.Unlock()
	ex := risk.Explain(cl)
	if err := g.hist.Append(history.Record{
		CommandID: id, Stage: audit.StageClassified,
		Category: string(cl.Category), Score: cl.Score, Detail: ex.Summary,
	}); err != nil {
		g.log.WithError(err).Error("history append failed")
	}
	if err := g.auditLog.Record(audit.Entry{
		CommandID: id, Stage: audit.StageClassified,
		Category: string(cl.Category), Score: cl.Score, Reason: ex.Summary,
	}); err != nil {
		g.log.WithError(err).Error("audit append failed")
	}
	g.bus.Publish(event.Event{Type: event.TypeClassified, CommandID: id, Detail: ex.Summary})
}

func (g *Gate) roleNames(submitter string) []string {
	roles, err := g.ident.RolesFor(submitter)
	if err != nil {
		g.log.WithError(err).WithField("user", submitter).Warn("role resolution failed; treating as roleless")
		return nil
	}
	return identity.RoleNames(roles)
}

// execArgv renders the submission for the sandbox. Structured commands
// run through the shell that parsed them; the gate's guarantees come
// from analysis and isolation, not from re-implementing the shell.
func execArgv(sub Submission, pc *shellparse.ParsedCommand) []string {
	if pc != nil && pc.Dialect == shellparse.DialectPowerShell {
		return []string{"pwsh", "-NoProfile", "-Command", sub.Raw}
	}
	return []string{"/bin/sh", "-c", sub.Raw}
}

func execFailureReason(res *sandbox.Result) string {
	switch {
	case res.TimedOut:
		return "killed: time limit exceeded"
	case res.OOMKilled:
		return "killed: memory limit exceeded"
	case res.Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("exit %d", res.ExitCode)
	}
}

func lastReviewer(req approval.Request) string {
	if len(req.Decisions) == 0 {
		return ""
	}
	return req.Decisions[len(req.Decisions)-1].Reviewer
}
