package history

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAssignsSequence(t *testing.T) {
	s := openTestStore(t)
	stages := []string{"submitted", "classified", "completed"}
	for _, stage := range stages {
		if err := s.Append(Record{CommandID: "c1", Stage: stage}); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := s.ByCommand("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	for i, r := range recs {
		if r.Seq != i+1 {
			t.Fatalf("seq[%d] = %d, want %d", i, r.Seq, i+1)
		}
		if r.Stage != stages[i] {
			t.Fatalf("stage[%d] = %s, want %s", i, r.Stage, stages[i])
		}
	}
}

func TestByCommandUnknown(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.ByCommand("ghost"); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
}

func TestAppendMasksCredentials(t *testing.T) {
	s := openTestStore(t)
	err := s.Append(Record{
		CommandID: "c1",
		Stage:     "submitted",
		Command:   "mysqldump -u root -pSECRET mydb",
	})
	if err != nil {
		t.Fatal(err)
	}
	recs, _ := s.ByCommand("c1")
	if strings.Contains(recs[0].Command, "SECRET") {
		t.Fatalf("secret stored in history: %q", recs[0].Command)
	}
	if !strings.Contains(recs[0].Command, "mysqldump") {
		t.Fatalf("non-secret text mangled: %q", recs[0].Command)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Append(Record{CommandID: id, Stage: "submitted"}); err != nil {
			t.Fatal(err)
		}
	}
	recs, err := s.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].CommandID != "c" || recs[1].CommandID != "b" {
		t.Fatalf("order wrong: %s, %s", recs[0].CommandID, recs[1].CommandID)
	}
}

func TestSearch(t *testing.T) {
	s := openTestStore(t)
	s.Append(Record{CommandID: "a", Stage: "submitted", Command: "git push origin main"})
	s.Append(Record{CommandID: "b", Stage: "submitted", Command: "ls -la"})
	recs, err := s.Search("git", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].CommandID != "a" {
		t.Fatalf("search result: %+v", recs)
	}
}

func TestConcurrentAppendsKeepPerCommandOrder(t *testing.T) {
	s := openTestStore(t)
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Append(Record{CommandID: "c1", Stage: "step"}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	recs, err := s.ByCommand("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != n {
		t.Fatalf("records = %d, want %d", len(recs), n)
	}
	seen := make(map[int]bool)
	for _, r := range recs {
		if seen[r.Seq] {
			t.Fatalf("duplicate seq %d", r.Seq)
		}
		seen[r.Seq] = true
	}
}
