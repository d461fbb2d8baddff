package approval

import (
	"errors"
	"testing"
	"time"

	"github.com/sentinelops/cmdgate/internal/risk"
)

func newTestQueue(t *testing.T) *FileQueue {
	t.Helper()
	q, err := NewFileQueue(t.TempDir(), testProvider(), quietLog())
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestFileQueueSubmitCreatesPending(t *testing.T) {
	q := newTestQueue(t)
	req, err := q.Submit("cmd-1", "dave", "mysqldump prod", risk.CategoryMedium)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != StatusPending || req.Required != 1 {
		t.Fatalf("request = %+v", req)
	}
	if req.ID != RequestKey("dave", "mysqldump prod") {
		t.Fatalf("id not deterministic: %s", req.ID)
	}
	// resubmission of the same command returns the same open request.
	again, err := q.Submit("cmd-2", "dave", "mysqldump prod", risk.CategoryMedium)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != req.ID || again.Status != StatusPending {
		t.Fatalf("resubmission = %+v", again)
	}
}

func TestFileQueueApproveThenResubmitConsumes(t *testing.T) {
	q := newTestQueue(t)
	req, _ := q.Submit("cmd-1", "dave", "mysqldump prod", risk.CategoryMedium)
	if _, err := q.Decide(req.ID, "carol", true, "reviewed"); err != nil {
		t.Fatal(err)
	}

	got, err := q.Submit("cmd-2", "dave", "mysqldump prod", risk.CategoryMedium)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusApproved {
		t.Fatalf("status = %s, want approved", got.Status)
	}

	// the approval was one-time; a third run does not ride on it.
	third, err := q.Submit("cmd-3", "dave", "mysqldump prod", risk.CategoryMedium)
	if err != nil {
		t.Fatal(err)
	}
	if third.Status == StatusApproved {
		t.Fatal("consumed approval authorized another run")
	}
}

func TestFileQueueDenialClears(t *testing.T) {
	q := newTestQueue(t)
	req, _ := q.Submit("cmd-1", "dave", "mysqldump prod", risk.CategoryMedium)
	if _, err := q.Decide(req.ID, "carol", false, "no"); err != nil {
		t.Fatal(err)
	}

	got, _ := q.Submit("cmd-2", "dave", "mysqldump prod", risk.CategoryMedium)
	if got.Status != StatusDenied {
		t.Fatalf("status = %s, want denied", got.Status)
	}
	// the denial cleared the slot; the next submission starts fresh.
	fresh, _ := q.Submit("cmd-3", "dave", "mysqldump prod", risk.CategoryMedium)
	if fresh.Status != StatusPending {
		t.Fatalf("status = %s, want pending", fresh.Status)
	}
}

func TestFileQueueValidationMatchesCoordinator(t *testing.T) {
	q := newTestQueue(t)
	req, _ := q.Submit("cmd-1", "alice", "terraform destroy", risk.CategoryCritical)

	if _, err := q.Decide(req.ID, "alice", true, ""); !errors.Is(err, ErrSelfApproval) {
		t.Fatalf("expected ErrSelfApproval, got %v", err)
	}
	if _, err := q.Decide(req.ID, "carol", true, ""); !errors.Is(err, ErrIneligibleReviewer) {
		t.Fatalf("expected ErrIneligibleReviewer, got %v", err)
	}
	if _, err := q.Decide(req.ID, "bob", true, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Decide(req.ID, "bob", true, ""); !errors.Is(err, ErrDuplicateDecision) {
		t.Fatalf("expected ErrDuplicateDecision, got %v", err)
	}
}

func TestFileQueueExpiry(t *testing.T) {
	q := newTestQueue(t)
	q.SetTTL(-time.Second) // already past deadline
	req, _ := q.Submit("cmd-1", "dave", "mysqldump prod", risk.CategoryMedium)

	got, err := q.Get(req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
}

func TestFileQueuePendingSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	q, _ := NewFileQueue(dir, testProvider(), quietLog())
	q.Submit("cmd-1", "dave", "mysqldump prod", risk.CategoryMedium)

	q2, _ := NewFileQueue(dir, testProvider(), quietLog())
	open := q2.Pending()
	if len(open) != 1 {
		t.Fatalf("pending = %d, want 1", len(open))
	}
}
