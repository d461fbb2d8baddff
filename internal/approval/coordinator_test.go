package approval

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinelops/cmdgate/internal/identity"
	"github.com/sentinelops/cmdgate/internal/risk"
)

func testProvider() identity.Provider {
	roles := []identity.Role{
		{Name: "operator", ApproveCategories: []risk.Category{risk.CategoryLow, risk.CategoryMedium, risk.CategoryHigh}},
		{Name: "admin", ApproveCategories: []risk.Category{risk.CategoryLow, risk.CategoryMedium, risk.CategoryHigh, risk.CategoryCritical}},
		{Name: "oncall", ApproveCategories: nil},
	}
	users := map[string][]string{
		"alice": {"admin"},
		"bob":   {"admin"},
		"carol": {"operator"},
		"dave":  {"oncall"},
	}
	return identity.NewRegistry(roles, users)
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestSubmitRejectsSafe(t *testing.T) {
	c := NewCoordinator(testProvider(), quietLog())
	if _, err := c.Submit("cmd-1", "alice", "terraform destroy", risk.CategorySafe); !errors.Is(err, ErrSafeNotQueued) {
		t.Fatalf("expected ErrSafeNotQueued, got %v", err)
	}
}

func TestSingleApproverResolvesHigh(t *testing.T) {
	c := NewCoordinator(testProvider(), quietLog())
	req, err := c.Submit("cmd-1", "dave", "systemctl restart db", risk.CategoryHigh)
	if err != nil {
		t.Fatal(err)
	}
	if req.Required != 1 {
		t.Fatalf("required = %d, want 1", req.Required)
	}
	got, err := c.Decide(req.ID, "carol", true, "reviewed")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusApproved {
		t.Fatalf("status = %s, want approved", got.Status)
	}
	select {
	case <-c.Await(req.ID):
	default:
		t.Fatal("await channel not closed after approval")
	}
}

func TestCriticalNeedsTwoApprovers(t *testing.T) {
	c := NewCoordinator(testProvider(), quietLog())
	req, _ := c.Submit("cmd-1", "dave", "systemctl restart db", risk.CategoryCritical)
	if req.Required != 2 {
		t.Fatalf("required = %d, want 2", req.Required)
	}
	got, err := c.Decide(req.ID, "alice", true, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status after first approval = %s, want pending", got.Status)
	}
	got, err = c.Decide(req.ID, "bob", true, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusApproved {
		t.Fatalf("status after second approval = %s, want approved", got.Status)
	}
}

func TestDenyIsAbsolute(t *testing.T) {
	c := NewCoordinator(testProvider(), quietLog())
	req, _ := c.Submit("cmd-1", "dave", "systemctl restart db", risk.CategoryCritical)
	if _, err := c.Decide(req.ID, "alice", true, ""); err != nil {
		t.Fatal(err)
	}
	got, err := c.Decide(req.ID, "bob", false, "too risky")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusDenied {
		t.Fatalf("status = %s, want denied", got.Status)
	}
	if got.Reason != "too risky" {
		t.Fatalf("reason = %q", got.Reason)
	}
	if _, err := c.Decide(req.ID, "carol", true, ""); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState after denial, got %v", err)
	}
}

func TestSelfApprovalRejected(t *testing.T) {
	c := NewCoordinator(testProvider(), quietLog())
	req, _ := c.Submit("cmd-1", "alice", "terraform destroy", risk.CategoryHigh)
	if _, err := c.Decide(req.ID, "alice", true, ""); !errors.Is(err, ErrSelfApproval) {
		t.Fatalf("expected ErrSelfApproval, got %v", err)
	}
	got, _ := c.Get(req.ID)
	if got.Status != StatusPending || len(got.Decisions) != 0 {
		t.Fatalf("rejected decision mutated request: %+v", got)
	}
}

func TestDuplicateDecisionRejected(t *testing.T) {
	c := NewCoordinator(testProvider(), quietLog())
	req, _ := c.Submit("cmd-1", "dave", "systemctl restart db", risk.CategoryCritical)
	if _, err := c.Decide(req.ID, "alice", true, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Decide(req.ID, "alice", true, ""); !errors.Is(err, ErrDuplicateDecision) {
		t.Fatalf("expected ErrDuplicateDecision, got %v", err)
	}
}

func TestIneligibleRoleRejected(t *testing.T) {
	c := NewCoordinator(testProvider(), quietLog())
	req, _ := c.Submit("cmd-1", "alice", "terraform destroy", risk.CategoryCritical)
	// carol holds operator, which stops at high.
	if _, err := c.Decide(req.ID, "carol", true, ""); !errors.Is(err, ErrIneligibleReviewer) {
		t.Fatalf("expected ErrIneligibleReviewer, got %v", err)
	}
	// dave has a role with no approval grants at all.
	if _, err := c.Decide(req.ID, "dave", true, ""); !errors.Is(err, ErrIneligibleReviewer) {
		t.Fatalf("expected ErrIneligibleReviewer, got %v", err)
	}
}

func TestConcurrentDecidesResolveExactlyOnce(t *testing.T) {
	c := NewCoordinator(testProvider(), quietLog())
	var transitions int
	var tmu sync.Mutex
	c.onChange = func(req Request, from Status) {
		if req.Status.Terminal() {
			tmu.Lock()
			transitions++
			tmu.Unlock()
		}
	}
	req, _ := c.Submit("cmd-1", "dave", "systemctl restart db", risk.CategoryHigh)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, reviewer := range []string{"alice", "bob", "carol"} {
		wg.Add(1)
		go func(who string) {
			defer wg.Done()
			<-start
			c.Decide(req.ID, who, true, "")
		}(reviewer)
	}
	close(start)
	wg.Wait()

	got, _ := c.Get(req.ID)
	if got.Status != StatusApproved {
		t.Fatalf("status = %s, want approved", got.Status)
	}
	tmu.Lock()
	defer tmu.Unlock()
	if transitions != 1 {
		t.Fatalf("terminal transitions = %d, want exactly 1", transitions)
	}
}

func TestSweepExpires(t *testing.T) {
	now := time.Now()
	clock := now
	c := NewCoordinator(testProvider(), quietLog(),
		WithTTL(time.Minute),
		WithClock(func() time.Time { return clock }))
	req, _ := c.Submit("cmd-1", "dave", "systemctl restart db", risk.CategoryHigh)

	clock = now.Add(30 * time.Second)
	c.Sweep()
	if got, _ := c.Get(req.ID); got.Status != StatusPending {
		t.Fatalf("status before deadline = %s, want pending", got.Status)
	}

	clock = now.Add(2 * time.Minute)
	c.Sweep()
	got, _ := c.Get(req.ID)
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	select {
	case <-c.Await(req.ID):
	default:
		t.Fatal("await channel not closed after expiry")
	}
}

func TestSweepEscalatesOnce(t *testing.T) {
	now := time.Now()
	clock := now
	c := NewCoordinator(testProvider(), quietLog(),
		WithTTL(time.Minute),
		WithClock(func() time.Time { return clock }),
		WithEscalation(EscalationPolicy{Extend: 5 * time.Minute, AddRoles: []string{"oncall"}}))
	req, _ := c.Submit("cmd-1", "alice", "terraform destroy", risk.CategoryCritical)

	clock = now.Add(2 * time.Minute)
	c.Sweep()
	got, _ := c.Get(req.ID)
	if got.Status != StatusEscalated {
		t.Fatalf("status = %s, want escalated", got.Status)
	}
	if !got.EscalatedOnce {
		t.Fatal("EscalatedOnce not set")
	}

	// dave's oncall role is only eligible after escalation.
	if _, err := c.Decide(req.ID, "dave", true, ""); err != nil {
		t.Fatalf("escalation role rejected: %v", err)
	}

	// second deadline pass expires for good.
	clock = clock.Add(10 * time.Minute)
	c.Sweep()
	got, _ = c.Get(req.ID)
	if got.Status != StatusExpired {
		t.Fatalf("status after second sweep = %s, want expired", got.Status)
	}
}

func TestSweepDropsResolvedAfterRetention(t *testing.T) {
	now := time.Now()
	clock := now
	c := NewCoordinator(testProvider(), quietLog(),
		WithRetention(time.Hour),
		WithClock(func() time.Time { return clock }))
	resolved, _ := c.Submit("cmd-1", "dave", "systemctl restart db", risk.CategoryHigh)
	open, _ := c.Submit("cmd-2", "dave", "mysqldump prod", risk.CategoryHigh)
	if _, err := c.Decide(resolved.ID, "carol", true, "reviewed"); err != nil {
		t.Fatal(err)
	}

	clock = now.Add(30 * time.Minute)
	c.Sweep()
	if _, err := c.Get(resolved.ID); err != nil {
		t.Fatalf("resolved request dropped inside retention: %v", err)
	}

	clock = now.Add(70 * time.Minute)
	c.Sweep()
	if _, err := c.Get(resolved.ID); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
	// the open request expired at the 30-minute sweep; its own retention
	// clock started there, so it is still queryable.
	got, err := c.Get(open.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}

	clock = now.Add(3 * time.Hour)
	c.Sweep()
	if _, err := c.Get(open.ID); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expired request outlived retention: %v", err)
	}
}

func TestPendingListsOpenRequests(t *testing.T) {
	c := NewCoordinator(testProvider(), quietLog())
	a, _ := c.Submit("cmd-a", "dave", "mysqldump prod", risk.CategoryHigh)
	b, _ := c.Submit("cmd-b", "dave", "git push --force", risk.CategoryMedium)
	if _, err := c.Decide(a.ID, "alice", false, "no"); err != nil {
		t.Fatal(err)
	}
	open := c.Pending()
	if len(open) != 1 || open[0].ID != b.ID {
		t.Fatalf("pending = %+v, want only %s", open, b.ID)
	}
}

func TestAwaitUnknownRequestClosed(t *testing.T) {
	c := NewCoordinator(testProvider(), quietLog())
	select {
	case <-c.Await("no-such-id"):
	case <-time.After(time.Second):
		t.Fatal("await on unknown id should return a closed channel")
	}
}
