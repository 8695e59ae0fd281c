package stages

import (
	"context"
	"time"
)

// Client is the boundary to a protocol engine. Setup uses it to turn the
// request description returned by an Action or Task hook into an Action the
// Execute stage can issue.
type Client interface {
	// Source names the engine ("http", "grpc", ...). It is recorded on every
	// result.
	Source() string

	// Prepare primes one action. request is whatever the hook returned.
	Prepare(ctx context.Context, name string, request any) (Action, error)
}

// ClientFactory creates the client of an execute stage that has none.
type ClientFactory func(stage string) (Client, error)

// Action is a primed request.
type Action interface {
	Do(ctx context.Context) (Response, error)
}

// ActionFunc adapts a function into an Action.
type ActionFunc func(ctx context.Context) (Response, error)

func (f ActionFunc) Do(ctx context.Context) (Response, error) { return f(ctx) }

// Response is what an action reports besides its error.
type Response struct {
	// Timings are engine-measured phases (connect, write, read, ...). The
	// Execute stage always adds "total".
	Timings map[string]time.Duration
	Tags    map[string]string
	Value   any
}

// FuncClient is a Client whose Prepare delegates to a function. It suits
// in-process workloads and tests.
type FuncClient struct {
	Name        string
	PrepareFunc func(ctx context.Context, name string, request any) (Action, error)
}

func (c *FuncClient) Source() string { return c.Name }

func (c *FuncClient) Prepare(ctx context.Context, name string, request any) (Action, error) {
	return c.PrepareFunc(ctx, name, request)
}
