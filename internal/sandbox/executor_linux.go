//go:build linux

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// unixExecutor runs commands in their own session under rlimits, with
// an optional network namespace. The child gets SIGTERM on cancel and
// SIGKILL to the whole group after the grace window.
type unixExecutor struct {
	root  string
	grace time.Duration
	log   *logrus.Logger
}

// New returns the platform Executor. root, when non-empty, confines
// working directories to that subtree.
func New(root string, log *logrus.Logger) Executor {
	if log == nil {
		log = logrus.New()
	}
	return &unixExecutor{root: root, grace: DefaultGrace, log: log}
}

// Execute runs the spec to completion. Non-zero exits land in the
// Result; the error return is reserved for spawn and isolation faults.
func (e *unixExecutor) Execute(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Argv) == 0 {
		return nil, ErrEmptyArgv
	}
	dir, err := e.confineDir(spec.Dir)
	if err != nil {
		return nil, err
	}

	limits := spec.Limits
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = DefaultMaxOutputBytes
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if limits.WallClock > 0 {
		runCtx, cancel = context.WithTimeout(ctx, limits.WallClock)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = dir
	cmd.Env = spec.Env

	var stdout, stderr bytes.Buffer
	outW := &limitedWriter{buf: &stdout, limit: limits.MaxOutputBytes}
	errW := &limitedWriter{buf: &stderr, limit: limits.MaxOutputBytes}
	cmd.Stdout = outW
	cmd.Stderr = errW

	configureProcAttr(cmd, limits.AllowNetwork)
	e.installCancel(cmd)

	e.log.WithFields(logrus.Fields{
		"argv": spec.Argv,
		"dir":  dir,
	}).Debug("executing command")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if !limits.AllowNetwork && isNamespaceDenied(err) {
			return nil, fmt.Errorf("%w: network namespace: %v", ErrIsolation, err)
		}
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	if err := applyRlimits(cmd.Process.Pid, limits); err != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		_ = cmd.Wait()
		return nil, fmt.Errorf("%w: %v", ErrIsolation, err)
	}

	waitErr := cmd.Wait()
	wall := time.Since(start)

	res := &Result{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: outW.truncated,
		StderrTruncated: errW.truncated,
		Usage:           Usage{Wall: wall},
	}
	if ps := cmd.ProcessState; ps != nil {
		res.Usage.CPU = ps.UserTime() + ps.SystemTime()
		if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && ru != nil {
			res.Usage.MaxRSSBytes = ru.Maxrss * 1024
		}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("wait %s: %w", spec.Argv[0], waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
		e.classifyTermination(runCtx, ctx, exitErr, limits, res)
	}
	return res, nil
}

// classifyTermination fills the abnormal-exit flags from the wait
// status and the contexts that drove the run.
func (e *unixExecutor) classifyTermination(runCtx, parent context.Context, exitErr *exec.ExitError, limits Limits, res *Result) {
	switch {
	case runCtx.Err() != nil && parent.Err() == nil:
		res.TimedOut = true
	case parent.Err() != nil:
		res.Aborted = true
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return
	}
	switch ws.Signal() {
	case syscall.SIGXCPU:
		// the CPU rlimit fired; report it like a timeout.
		res.TimedOut = true
	case syscall.SIGKILL:
		if !res.TimedOut && !res.Aborted && limits.MemoryBytes > 0 {
			res.OOMKilled = true
		}
	}
}

// confineDir resolves and validates the working directory. With a
// configured root, the directory must live inside it.
func (e *unixExecutor) confineDir(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve workdir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workdir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workdir %s: not a directory", abs)
	}
	if e.root != "" {
		rel, err := filepath.Rel(e.root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s", ErrWorkDir, abs)
		}
	}
	return abs, nil
}

// installCancel arranges graceful-then-forceful termination of the
// whole process group when the run context is cancelled.
func (e *unixExecutor) installCancel(cmd *exec.Cmd) {
	grace := e.grace
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return os.ErrProcessDone
		}
		pid := cmd.Process.Pid
		// kill(-1) and kill(0) target far more than the child; refuse.
		if pid <= 1 {
			return os.ErrProcessDone
		}
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				return os.ErrProcessDone
			}
			return err
		}
		time.AfterFunc(grace, func() {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		})
		return nil
	}
	cmd.WaitDelay = grace + time.Second
}

// configureProcAttr puts the child in its own session so group kills
// reach grandchildren, and drops it into a fresh network namespace
// unless the spec allows network access. The user namespace exists to
// let an unprivileged parent create the network namespace.
func configureProcAttr(cmd *exec.Cmd, allowNetwork bool) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	if allowNetwork {
		return
	}
	cmd.SysProcAttr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET
	cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{
		{ContainerID: 0, HostID: os.Getuid(), Size: 1},
	}
	cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{
		{ContainerID: 0, HostID: os.Getgid(), Size: 1},
	}
}

// applyRlimits sets CPU and address-space ceilings on the running
// child. prlimit acts on the child pid from the parent, so nothing
// races the exec.
func applyRlimits(pid int, limits Limits) error {
	if limits.CPUTime > 0 {
		secs := uint64((limits.CPUTime + time.Second - 1) / time.Second)
		lim := unix.Rlimit{Cur: secs, Max: secs}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			return fmt.Errorf("prlimit cpu: %w", err)
		}
	}
	if limits.MemoryBytes > 0 {
		lim := unix.Rlimit{Cur: uint64(limits.MemoryBytes), Max: uint64(limits.MemoryBytes)}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			return fmt.Errorf("prlimit as: %w", err)
		}
	}
	return nil
}

// isNamespaceDenied recognizes the errnos a restricted host returns
// when user or network namespaces are unavailable.
func isNamespaceDenied(err error) bool {
	return errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EACCES)
}
