// Package checkpoint snapshots the filesystem resources a command is
// about to touch, so a bad outcome can be rolled back. Snapshots are
// reflinked when the filesystem supports it and byte-copied otherwise.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultRetention is how long a committed checkpoint is kept before
// the sweep reclaims it.
const DefaultRetention = 24 * time.Hour

// ResourceState records one path as it was before execution. A path
// that did not exist is captured as absent; rolling back removes it.
type ResourceState struct {
	Path    string      `json:"path"`
	Existed bool        `json:"existed"`
	IsDir   bool        `json:"is_dir,omitempty"`
	Mode    fs.FileMode `json:"mode,omitempty"`
	Size    int64       `json:"size,omitempty"`
	Digest  string      `json:"digest,omitempty"`
	// Payload is the snapshot file name inside the checkpoint dir,
	// empty for absent paths and directories.
	Payload string `json:"payload,omitempty"`
}

// Checkpoint is one pre-execution snapshot.
type Checkpoint struct {
	ID        string          `json:"id"`
	CommandID string          `json:"command_id"`
	CreatedAt time.Time       `json:"created_at"`
	States    []ResourceState `json:"states"`
	Bytes     int64           `json:"bytes"`
}

// RollbackResult reports a restore. Partial is set when some paths
// could not be put back; Failed maps those paths to their errors.
type RollbackResult struct {
	Restored []string
	Failed   map[string]error
	Partial  bool
}

var (
	ErrQuotaExceeded     = errors.New("checkpoint: storage quota exhausted")
	ErrUnknownCheckpoint = errors.New("checkpoint: unknown checkpoint")
)

// Manager owns the checkpoint store under dir and enforces the byte
// quota. Quota accounting moves on create and discard only.
type Manager struct {
	dir       string
	quota     int64
	retention time.Duration
	log       *logrus.Logger

	mu        sync.Mutex
	used      int64
	byID      map[string]*Checkpoint
	byCommand map[string]string
}

// NewManager opens (and creates) the checkpoint directory. Manifests
// left by earlier processes are loaded back in, so rollback and quota
// accounting survive restarts. quota <= 0 means unlimited.
func NewManager(dir string, quota int64, log *logrus.Logger) (*Manager, error) {
	if log == nil {
		log = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	m := &Manager{
		dir:       dir,
		quota:     quota,
		retention: DefaultRetention,
		log:       log,
		byID:      make(map[string]*Checkpoint),
		byCommand: make(map[string]string),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// load rehydrates the index from on-disk manifests and charges their
// bytes against the quota. A snapshot dir without a manifest is a torn
// create and is removed.
func (m *Manager) load() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read checkpoint dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cpDir := filepath.Join(m.dir, e.Name())
		data, err := os.ReadFile(filepath.Join(cpDir, "manifest.json"))
		if errors.Is(err, fs.ErrNotExist) {
			m.log.WithField("checkpoint", e.Name()).Warn("removing snapshot without manifest")
			os.RemoveAll(cpDir)
			continue
		}
		if err != nil {
			return fmt.Errorf("read manifest %s: %w", e.Name(), err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return fmt.Errorf("parse manifest %s: %w", e.Name(), err)
		}
		m.byID[cp.ID] = &cp
		if prev, ok := m.byCommand[cp.CommandID]; !ok || cp.CreatedAt.After(m.byID[prev].CreatedAt) {
			m.byCommand[cp.CommandID] = cp.ID
		}
		m.used += cp.Bytes
	}
	return nil
}

// SetRetention overrides the retention window.
func (m *Manager) SetRetention(d time.Duration) { m.retention = d }

// Create snapshots the given paths for the command. It fails without
// side effects when the quota cannot cover the snapshot; execution
// must not proceed uncovered.
func (m *Manager) Create(commandID string, paths []string) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:        uuid.NewString(),
		CommandID: commandID,
		CreatedAt: time.Now(),
	}

	var need int64
	type capture struct {
		state ResourceState
		src   string
	}
	var captures []capture
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		info, err := os.Lstat(abs)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			captures = append(captures, capture{state: ResourceState{Path: abs}})
		case err != nil:
			return nil, fmt.Errorf("stat %s: %w", abs, err)
		case info.IsDir():
			captures = append(captures, capture{state: ResourceState{
				Path: abs, Existed: true, IsDir: true, Mode: info.Mode().Perm(),
			}})
		default:
			st := ResourceState{
				Path:    abs,
				Existed: true,
				Mode:    info.Mode().Perm(),
				Size:    info.Size(),
				Payload: fmt.Sprintf("payload-%d", len(captures)),
			}
			need += info.Size()
			captures = append(captures, capture{state: st, src: abs})
		}
	}

	if err := m.reserve(need); err != nil {
		return nil, err
	}

	cpDir := filepath.Join(m.dir, cp.ID)
	if err := os.Mkdir(cpDir, 0o700); err != nil {
		m.release(need)
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	for _, c := range captures {
		st := c.state
		if c.src != "" {
			digest, err := snapshotFile(c.src, filepath.Join(cpDir, st.Payload), st.Mode)
			if err != nil {
				os.RemoveAll(cpDir)
				m.release(need)
				return nil, fmt.Errorf("snapshot %s: %w", c.src, err)
			}
			st.Digest = digest
		}
		cp.States = append(cp.States, st)
	}
	cp.Bytes = need

	if err := m.writeManifest(cpDir, cp); err != nil {
		os.RemoveAll(cpDir)
		m.release(need)
		return nil, err
	}

	m.mu.Lock()
	m.byID[cp.ID] = cp
	m.byCommand[commandID] = cp.ID
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"checkpoint": cp.ID,
		"command":    commandID,
		"paths":      len(cp.States),
		"bytes":      cp.Bytes,
	}).Info("checkpoint created")
	return cp, nil
}

// ByCommand returns the checkpoint covering the command, if any.
func (m *Manager) ByCommand(commandID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCommand[commandID]
	if !ok {
		return nil, fmt.Errorf("%w for command %s", ErrUnknownCheckpoint, commandID)
	}
	return m.byID[id], nil
}

// Rollback restores every captured path to its pre-execution state.
// Restore is idempotent; failures are reported per path rather than
// aborting the rest.
func (m *Manager) Rollback(cp *Checkpoint) (*RollbackResult, error) {
	if cp == nil {
		return nil, ErrUnknownCheckpoint
	}
	cpDir := filepath.Join(m.dir, cp.ID)
	res := &RollbackResult{Failed: make(map[string]error)}
	for _, st := range cp.States {
		if err := m.restoreOne(cpDir, st); err != nil {
			res.Failed[st.Path] = err
			continue
		}
		res.Restored = append(res.Restored, st.Path)
	}
	res.Partial = len(res.Failed) > 0
	if res.Partial {
		m.log.WithFields(logrus.Fields{
			"checkpoint": cp.ID,
			"failed":     len(res.Failed),
		}).Error("rollback incomplete")
	}
	return res, nil
}

func (m *Manager) restoreOne(cpDir string, st ResourceState) error {
	switch {
	case !st.Existed:
		return os.RemoveAll(st.Path)
	case st.IsDir:
		if err := os.MkdirAll(st.Path, st.Mode); err != nil {
			return err
		}
		return os.Chmod(st.Path, st.Mode)
	default:
		if err := os.MkdirAll(filepath.Dir(st.Path), 0o755); err != nil {
			return err
		}
		if err := restoreFile(filepath.Join(cpDir, st.Payload), st.Path, st.Mode); err != nil {
			return err
		}
		return os.Chmod(st.Path, st.Mode)
	}
}

// Discard commits the outcome: the snapshot is deleted and its bytes
// returned to the quota.
func (m *Manager) Discard(cp *Checkpoint) error {
	if cp == nil {
		return ErrUnknownCheckpoint
	}
	m.mu.Lock()
	_, known := m.byID[cp.ID]
	delete(m.byID, cp.ID)
	if m.byCommand[cp.CommandID] == cp.ID {
		delete(m.byCommand, cp.CommandID)
	}
	m.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownCheckpoint, cp.ID)
	}
	if err := os.RemoveAll(filepath.Join(m.dir, cp.ID)); err != nil {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	m.release(cp.Bytes)
	return nil
}

// Sweep discards checkpoints older than the retention window.
func (m *Manager) Sweep() {
	cutoff := time.Now().Add(-m.retention)
	m.mu.Lock()
	var stale []*Checkpoint
	for _, cp := range m.byID {
		if cp.CreatedAt.Before(cutoff) {
			stale = append(stale, cp)
		}
	}
	m.mu.Unlock()
	for _, cp := range stale {
		if err := m.Discard(cp); err != nil {
			m.log.WithError(err).WithField("checkpoint", cp.ID).Warn("retention sweep discard failed")
		}
	}
}

// RunSweeper drives Sweep on a ticker until done is closed.
func (m *Manager) RunSweeper(done <-chan struct{}, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// Used reports the bytes currently charged against the quota.
func (m *Manager) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

func (m *Manager) reserve(n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quota > 0 && m.used+n > m.quota {
		return fmt.Errorf("%w: need %d, free %d", ErrQuotaExceeded, n, m.quota-m.used)
	}
	m.used += n
	return nil
}

func (m *Manager) release(n int64) {
	m.mu.Lock()
	m.used -= n
	if m.used < 0 {
		m.used = 0
	}
	m.mu.Unlock()
}

func (m *Manager) writeManifest(cpDir string, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp := filepath.Join(cpDir, "manifest.json.tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, filepath.Join(cpDir, "manifest.json"))
}

// snapshotFile copies src into the snapshot and returns its digest.
func snapshotFile(src, dst string, mode fs.FileMode) (string, error) {
	if err := cloneOrCopy(src, dst, mode); err != nil {
		return "", err
	}
	return fileDigest(dst)
}

// restoreFile copies a snapshot payload back over the live path.
func restoreFile(payload, dst string, mode fs.FileMode) error {
	return cloneOrCopy(payload, dst, mode)
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// byteCopy is the portable fallback when reflink is unavailable.
func byteCopy(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
