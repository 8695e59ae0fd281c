package analyze

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool runs CPU-bound batch work on a bounded set of goroutines. It is shared
// by all batches of one reduction; every task works on its own payload and
// returns a fresh result, so no locking is needed.
type Pool struct {
	workers int
}

// NewPool creates a pool of workers goroutines. Zero or less sizes it to the
// number of CPUs.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{workers: workers}
}

// Workers returns the pool size.
func (p *Pool) Workers() int {
	return p.workers
}

// Process runs fn over every payload and returns the results in payload
// order. The first error cancels the remaining tasks.
func (p *Pool) Process(ctx context.Context, payloads [][]byte, fn func([]byte) (*BatchResult, error)) ([]*BatchResult, error) {
	out := make([]*BatchResult, len(payloads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, payload := range payloads {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := fn(payload)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
