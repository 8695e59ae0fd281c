package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// stageTimeout determines the timeout of a stage's run based on precedence:
// 1. Config.Timeout (per-stage)
// 2. Env.DefaultTimeout (engine-wide default)
// 3. 0 (no timeout)
func stageTimeout(s Stage) time.Duration {
	if t := s.Config().Timeout; t > 0 {
		return t
	}
	if env := s.Env(); env != nil && env.DefaultTimeout > 0 {
		return env.DefaultTimeout
	}
	return 0
}

// runWithTimeout runs s under its timeout. next names the downstream stage of
// the transition driving the run and is only used in the timeout error.
//
// On deadline the run is abandoned: its context is cancelled and
// runWithTimeout returns *StageTimeoutError without waiting for Run to
// return. A panic inside Run is converted into an error.
func runWithTimeout(ctx context.Context, s Stage, next string) error {
	timeout := stageTimeout(s)
	if timeout == 0 {
		return safeRun(ctx, s)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- safeRun(timeoutCtx, s)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &StageTimeoutError{Stage: s.Name(), Next: next, Timeout: timeout}
		}
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &StageTimeoutError{Stage: s.Name(), Next: next, Timeout: timeout}
	}
}

func safeRun(ctx context.Context, s Stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Run(ctx)
}
