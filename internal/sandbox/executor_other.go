//go:build !linux

package sandbox

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
)

type unsupportedExecutor struct{}

// New returns an Executor that refuses to run on platforms without
// isolation support. Running unisolated would silently void the
// guarantees callers rely on.
func New(root string, log *logrus.Logger) Executor {
	_ = root
	_ = log
	return unsupportedExecutor{}
}

func (unsupportedExecutor) Execute(ctx context.Context, spec Spec) (*Result, error) {
	return nil, fmt.Errorf("%w: no isolation support on %s", ErrIsolation, runtime.GOOS)
}
