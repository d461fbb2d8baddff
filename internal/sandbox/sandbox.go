// Package sandbox executes approved commands under resource limits and
// process isolation. A non-zero exit code is data in the Result; executor
// errors mean the command could not be run or could not be isolated.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"time"
)

// DefaultMaxOutputBytes caps each captured stream.
const DefaultMaxOutputBytes = 10 << 20

// DefaultGrace is the window between SIGTERM and SIGKILL on shutdown.
const DefaultGrace = 5 * time.Second

// Limits bounds one execution. Zero values mean "no limit" except
// MaxOutputBytes, which defaults to DefaultMaxOutputBytes.
type Limits struct {
	WallClock      time.Duration `yaml:"wall_clock"`
	CPUTime        time.Duration `yaml:"cpu_time"`
	MemoryBytes    int64         `yaml:"memory_bytes"`
	MaxOutputBytes int64         `yaml:"max_output_bytes"`
	AllowNetwork   bool          `yaml:"allow_network"`
}

// Spec describes one command to execute.
type Spec struct {
	Argv   []string
	Dir    string
	Env    []string
	Limits Limits
}

// Usage reports resource consumption of a finished command.
type Usage struct {
	Wall        time.Duration `json:"wall"`
	CPU         time.Duration `json:"cpu"`
	MaxRSSBytes int64         `json:"max_rss_bytes"`
}

// Result is the outcome of a completed execution. ExitCode is only
// meaningful when none of the abnormal-termination flags are set.
type Result struct {
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	TimedOut        bool   `json:"timed_out"`
	Aborted         bool   `json:"aborted"`
	OOMKilled       bool   `json:"oom_killed"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`
	Usage           Usage  `json:"usage"`
}

// Executor runs commands. The single implementation is platform
// specific; callers hold the interface.
type Executor interface {
	Execute(ctx context.Context, spec Spec) (*Result, error)
}

var (
	// ErrEmptyArgv means the spec named no program to run.
	ErrEmptyArgv = errors.New("sandbox: empty argv")
	// ErrWorkDir means the working directory failed the confinement check.
	ErrWorkDir = errors.New("sandbox: working directory outside permitted root")
	// ErrIsolation means the platform could not apply the requested
	// isolation. It is never conflated with a command exit code.
	ErrIsolation = errors.New("sandbox: failed to apply isolation")
)

// limitedWriter wraps a bytes.Buffer and stops writing after limit
// bytes, reporting success so the child is never blocked on a full pipe.
type limitedWriter struct {
	buf       *bytes.Buffer
	limit     int64
	truncated bool
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - int64(w.buf.Len())
	if remaining <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		w.truncated = true
		if _, err := w.buf.Write(p[:remaining]); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return w.buf.Write(p)
}
