package stages

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/stagegraph/graph"
	"github.com/dshills/stagegraph/graph/analyze"
	"github.com/dshills/stagegraph/graph/hook"
	"github.com/dshills/stagegraph/graph/store"
)

// countingClient answers every action with an empty response and counts
// issued calls.
func countingClient(name string, issued *atomic.Int64) *FuncClient {
	return &FuncClient{
		Name: name,
		PrepareFunc: func(_ context.Context, _ string, _ any) (Action, error) {
			return ActionFunc(func(context.Context) (Response, error) {
				issued.Add(1)
				return Response{Tags: map[string]string{"status": "200"}}, nil
			}), nil
		},
	}
}

func request(url string) hook.Func {
	return func(context.Context, hook.Args) (any, error) {
		return url, nil
	}
}

type fakeReporter struct {
	mu           sync.Mutex
	connectFails int
	connects     int
	closed       int
	got          []analyze.Summaries
}

func (r *fakeReporter) Connect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	if r.connects <= r.connectFails {
		return errors.New("backend unavailable")
	}
	return nil
}

func (r *fakeReporter) Submit(_ context.Context, s analyze.Summaries) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, s)
	return nil
}

func (r *fakeReporter) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func TestEngine_FullRun(t *testing.T) {
	var issued atomic.Int64
	var factoryCalls atomic.Int32

	setup := NewSetup("setup", func(stage string) (Client, error) {
		factoryCalls.Add(1)
		return countingClient("func", &issued), nil
	})
	browse := NewExecute("browse", ExecuteConfig{BatchSize: 5, Batches: 4}, graph.WithDependencies("setup"))
	teardown := NewTeardown("teardown", graph.WithDependencies("browse"))
	report := NewAnalyze("report", graph.WithDependencies("teardown"))
	rep := &fakeReporter{}
	ship := NewSubmit("ship", []Reporter{rep}, graph.WithDependencies("report"))

	require.NoError(t, browse.Hooks().Register(
		hook.New("browse", "home", hook.Action, request("/")),
		hook.New("browse", "cart", hook.Action, request("/cart")),
		hook.New("browse", "cart_empty", hook.Check,
			func(context.Context, hook.Args) (any, error) { return nil, errors.New("cart is empty") },
			hook.WithNames("cart")),
	))
	require.NoError(t, teardown.Hooks().Register(
		hook.New("teardown", "close_pool", hook.Teardown,
			func(context.Context, hook.Args) (any, error) { return hook.Args{"pool_closed": true}, nil }),
	))
	require.NoError(t, report.Hooks().Register(
		hook.New("report", "failures", hook.Metric,
			func(_ context.Context, args hook.Args) (any, error) {
				n := 0
				for _, r := range args["results"].([]analyze.Result) {
					if r.Failed() {
						n++
					}
				}
				return n, nil
			},
			hook.WithMetricType(hook.MetricCount), hook.WithGroup("errors")),
		hook.New("report", "cart_failures", hook.Context,
			func(_ context.Context, args hook.Args) (any, error) {
				s := args[analyze.KeySummary].(analyze.Summary)
				return s.Stages["browse"].Actions["cart"].Failed, nil
			},
			hook.WithKey("cart_failures"), hook.WithDependsOn(analyze.HookSummary)),
	))

	engine, err := graph.New(Factories(), graph.WithStore(store.NewMemStore()))
	require.NoError(t, err)
	require.NoError(t, engine.Assemble(setup, browse, teardown, report, ship))

	res, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Failed(), "failures: %v", res.Failures)

	assert.Equal(t, int32(1), factoryCalls.Load())
	assert.Equal(t, []string{"home", "cart"}, browse.Primed())
	assert.Equal(t, int64(40), issued.Load())

	summaries := res.Summaries()
	require.Contains(t, summaries, "report")
	sum := summaries["report"]
	assert.Equal(t, 40, sum.SessionTotal)
	stage := sum.Stages["browse"]
	assert.Equal(t, 40, stage.Total)
	assert.Equal(t, 20, stage.Actions["home"].Succeeded)
	assert.Equal(t, 20, stage.Actions["cart"].Failed)
	assert.Equal(t, "func", stage.Actions["cart"].Source)
	assert.Equal(t, 20, stage.Actions["cart"].Custom["errors"]["failures"])
	assert.Greater(t, stage.ActionsPerSecond, 0.0)

	assert.Equal(t, 20, res.Context.Value("cart_failures"))
	assert.Equal(t, true, res.Context.Value("pool_closed"))

	require.Len(t, rep.got, 1)
	assert.Equal(t, 40, rep.got[0].Total())
	assert.Equal(t, 1, rep.closed)

	complete, ok := engine.Plan().Stage("complete")
	require.True(t, ok)
	assert.Equal(t, graph.StateComplete, complete.State())
}

func TestComplete_EventHooks(t *testing.T) {
	newLoad := func(issued *atomic.Int64) *Execute {
		load := NewExecute("load", ExecuteConfig{BatchSize: 2})
		load.SetClient(countingClient("func", issued))
		require.NoError(t, load.Hooks().Register(hook.New("load", "get", hook.Action, request("/"))))
		return load
	}

	t.Run("injected", func(t *testing.T) {
		var total atomic.Int64
		factories := Factories().With(graph.StageComplete, func(name string) graph.Stage {
			c := NewComplete(name)
			require.NoError(t, c.Hooks().Register(
				hook.New(name, "announce", hook.Event, func(_ context.Context, args hook.Args) (any, error) {
					total.Store(int64(args[graph.KeySummaries].(analyze.Summaries).Total()))
					return nil, nil
				}),
			))
			return c
		})

		var issued atomic.Int64
		engine, err := graph.New(factories)
		require.NoError(t, err)
		require.NoError(t, engine.Assemble(newLoad(&issued)))

		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Failed(), "failures: %v", res.Failures)
		assert.Equal(t, int64(2), total.Load())
	})

	t.Run("declared", func(t *testing.T) {
		var order []string
		done := NewComplete("done", graph.WithDependencies("load"))
		require.NoError(t, done.Hooks().Register(
			hook.New("done", "first", hook.Event,
				func(context.Context, hook.Args) (any, error) { order = append(order, "first"); return nil, nil }),
			hook.New("done", "second", hook.Event,
				func(context.Context, hook.Args) (any, error) { order = append(order, "second"); return nil, nil },
				hook.WithDependsOn("first")),
		))

		var issued atomic.Int64
		engine, err := graph.New(Factories())
		require.NoError(t, err)
		require.NoError(t, engine.Assemble(newLoad(&issued), done))

		res, err := engine.Run(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Failed(), "failures: %v", res.Failures)
		assert.Equal(t, []string{"first", "second"}, order)
		assert.Equal(t, graph.Stage(done), engine.Plan().Complete())
		assert.Equal(t, graph.StateComplete, done.State())
	})
}

func TestSetup_NoClient(t *testing.T) {
	setup := NewSetup("setup", nil)
	browse := NewExecute("browse", ExecuteConfig{}, graph.WithDependencies("setup"))
	require.NoError(t, browse.Hooks().Register(hook.New("browse", "home", hook.Action, request("/"))))

	engine, err := graph.New(Factories())
	require.NoError(t, err)
	require.NoError(t, engine.Assemble(setup, browse))

	res, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Failed())

	first := res.Failures[0]
	assert.Equal(t, "setup", first.From)
	var setupErr *HookSetupError
	require.ErrorAs(t, first.Err, &setupErr)
	assert.Equal(t, "browse", setupErr.Stage)
	assert.ErrorIs(t, first.Err, ErrNoClient)
}

func TestSetup_HookFailure(t *testing.T) {
	setup := NewSetup("setup", nil)
	boom := errors.New("database unreachable")
	require.NoError(t, setup.Hooks().Register(
		hook.New("setup", "seed", hook.Setup, func(context.Context, hook.Args) (any, error) { return nil, boom }),
	))

	err := setup.Run(context.Background())
	var setupErr *HookSetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "setup.seed", setupErr.Hook)
	assert.ErrorIs(t, err, boom)
}

func TestExecute_Run(t *testing.T) {
	var issued atomic.Int64
	exec := NewExecute("load", ExecuteConfig{BatchSize: 3, Batches: 2})
	exec.SetClient(countingClient("func", &issued))

	var before, after atomic.Int32
	require.NoError(t, exec.Hooks().Register(
		hook.New("load", "get", hook.Action, request("/items")),
		hook.New("load", "mark", hook.Before,
			func(context.Context, hook.Args) (any, error) { before.Add(1); return nil, nil },
			hook.WithNames("get")),
		hook.New("load", "observe", hook.After,
			func(_ context.Context, args hook.Args) (any, error) {
				if args["error"] == nil {
					after.Add(1)
				}
				return nil, nil
			},
			hook.WithNames("get")),
	))

	require.NoError(t, exec.Run(context.Background()))
	assert.Equal(t, int64(6), issued.Load())
	assert.Equal(t, int32(6), before.Load())
	assert.Equal(t, int32(6), after.Load())

	raw, ok := exec.Context().Value(graph.KeyResults).(analyze.RawResults)
	require.True(t, ok)
	set := raw["load"]
	require.Len(t, set.Results, 6)
	for _, r := range set.Results {
		assert.Equal(t, "get", r.Name)
		assert.Equal(t, "func", r.Source)
		assert.False(t, r.Failed())
		assert.Contains(t, r.Timings, "total")
	}
}

func TestExecute_ActionErrors(t *testing.T) {
	refused := errors.New("connection refused")
	exec := NewExecute("load", ExecuteConfig{BatchSize: 2})
	exec.SetClient(&FuncClient{
		Name: "func",
		PrepareFunc: func(context.Context, string, any) (Action, error) {
			return ActionFunc(func(context.Context) (Response, error) {
				return Response{Timings: map[string]time.Duration{"connect": time.Millisecond}}, refused
			}), nil
		},
	})
	require.NoError(t, exec.Hooks().Register(
		hook.New("load", "get", hook.Action, request("/")),
		hook.New("load", "never", hook.Check,
			func(context.Context, hook.Args) (any, error) { return nil, errors.New("must not run") },
			hook.WithNames("get")),
	))

	require.NoError(t, exec.Run(context.Background()))
	raw := exec.Context().Value(graph.KeyResults).(analyze.RawResults)
	for _, r := range raw["load"].Results {
		assert.Equal(t, refused.Error(), r.Error)
		assert.Equal(t, time.Millisecond, r.Timings["connect"])
	}
}

func TestExecute_PrimeFailures(t *testing.T) {
	t.Run("no client", func(t *testing.T) {
		exec := NewExecute("load", ExecuteConfig{})
		err := exec.Run(context.Background())
		assert.ErrorIs(t, err, ErrNoClient)
	})

	t.Run("rejected request", func(t *testing.T) {
		bad := errors.New("bad request")
		exec := NewExecute("load", ExecuteConfig{})
		exec.SetClient(&FuncClient{PrepareFunc: func(context.Context, string, any) (Action, error) { return nil, bad }})
		require.NoError(t, exec.Hooks().Register(hook.New("load", "get", hook.Action, request("/"))))

		err := exec.Prime(context.Background())
		var setupErr *HookSetupError
		require.ErrorAs(t, err, &setupErr)
		assert.Equal(t, "load.get", setupErr.Hook)
		assert.ErrorIs(t, err, bad)
	})

	t.Run("no actions", func(t *testing.T) {
		var issued atomic.Int64
		exec := NewExecute("load", ExecuteConfig{})
		exec.SetClient(countingClient("func", &issued))
		assert.Error(t, exec.Run(context.Background()))
	})
}

func TestExecute_Duration(t *testing.T) {
	var issued atomic.Int64
	exec := NewExecute("soak", ExecuteConfig{Duration: 50 * time.Millisecond, Rate: 100})
	exec.SetClient(countingClient("func", &issued))
	require.NoError(t, exec.Hooks().Register(hook.New("soak", "ping", hook.Action, request("/ping"))))

	start := time.Now()
	require.NoError(t, exec.Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Positive(t, issued.Load())
	// 100 batches per second over 50ms, with a burst of one.
	assert.LessOrEqual(t, issued.Load(), int64(10))
}

func TestAnalyze_Run(t *testing.T) {
	a := NewAnalyze("report")
	a.Context().MergeValue(graph.KeyResults, analyze.RawResults{
		"load": {
			Stage:   "load",
			Elapsed: time.Second,
			Results: []analyze.Result{
				{Name: "get", Stage: "load", Timings: map[string]time.Duration{"total": 10 * time.Millisecond}},
				{Name: "get", Stage: "load", Timings: map[string]time.Duration{"total": 30 * time.Millisecond}},
				{Name: "get", Stage: "load", Error: "timeout", Timings: map[string]time.Duration{"total": time.Second}},
			},
		},
	})

	require.NoError(t, a.Run(context.Background()))
	summaries, ok := a.Context().Value(graph.KeySummaries).(analyze.Summaries)
	require.True(t, ok)
	sum := summaries["report"]
	assert.Equal(t, 3, sum.SessionTotal)

	get := sum.Stages["load"].Actions["get"]
	assert.Equal(t, 2, get.Succeeded)
	assert.Equal(t, 1, get.Failed)
	assert.InDelta(t, 3.0, get.ActionsPerSecond, 1e-9)
	require.Len(t, get.Errors, 1)
	assert.Equal(t, "timeout", get.Errors[0].Message)
}

func TestAnalyze_NoResults(t *testing.T) {
	a := NewAnalyze("report")
	require.NoError(t, a.Run(context.Background()))

	summaries := a.Context().Value(graph.KeySummaries).(analyze.Summaries)
	assert.Equal(t, 0, summaries["report"].SessionTotal)
	assert.Empty(t, summaries["report"].Stages)
}

func TestCheckpoint_SaveAndRestore(t *testing.T) {
	blobs := store.NewMemStore()
	env := &graph.Env{Blobs: blobs}

	save := NewCheckpoint("save")
	save.Bind(env)
	save.Context().Set("cart", "3 items")
	require.NoError(t, save.Hooks().Register(
		hook.New("save", "persist_cart", hook.Save,
			func(_ context.Context, args hook.Args) (any, error) { return args["value"].(string), nil },
			hook.WithKey("cart"), hook.WithPath("cart.txt")),
	))
	require.NoError(t, save.Run(context.Background()))

	_, present := save.Context().Get("cart")
	assert.False(t, present, "saved key is cleared")
	blob, err := blobs.LoadBlob(context.Background(), "cart.txt")
	require.NoError(t, err)
	assert.Equal(t, "3 items", blob)

	restore := NewCheckpoint("restore")
	restore.Bind(env)
	var order []string
	require.NoError(t, restore.Hooks().Register(
		hook.New("restore", "load_cart", hook.Restore,
			func(_ context.Context, args hook.Args) (any, error) {
				order = append(order, "restore")
				return []byte(args["blob"].(string)), nil
			},
			hook.WithKey("cart"), hook.WithPath("cart.txt")),
		hook.New("restore", "load_missing", hook.Restore,
			func(context.Context, hook.Args) (any, error) { return nil, errors.New("must not run") },
			hook.WithKey("missing"), hook.WithPath("missing.txt")),
		hook.New("restore", "announce", hook.Event,
			func(context.Context, hook.Args) (any, error) { order = append(order, "pre"); return nil, nil },
			hook.WithMetadata(hook.Metadata{Pre: true})),
		hook.New("restore", "done", hook.Event,
			func(context.Context, hook.Args) (any, error) { order = append(order, "post"); return nil, nil }),
	))
	require.NoError(t, restore.Run(context.Background()))

	assert.Equal(t, []byte("3 items"), restore.Context().Value("cart"))
	_, present = restore.Context().Get("missing")
	assert.False(t, present)
	assert.Equal(t, []string{"pre", "restore", "post"}, order)
}

func TestCheckpoint_Errors(t *testing.T) {
	t.Run("no blob store", func(t *testing.T) {
		cp := NewCheckpoint("cp")
		require.NoError(t, cp.Hooks().Register(
			hook.New("cp", "persist", hook.Save,
				func(context.Context, hook.Args) (any, error) { return "x", nil },
				hook.WithKey("k"), hook.WithPath("k.txt")),
		))
		assert.Error(t, cp.Run(context.Background()))
	})

	t.Run("save returns wrong type", func(t *testing.T) {
		cp := NewCheckpoint("cp")
		cp.Bind(&graph.Env{Blobs: store.NewMemStore()})
		require.NoError(t, cp.Hooks().Register(
			hook.New("cp", "persist", hook.Save,
				func(context.Context, hook.Args) (any, error) { return 42, nil },
				hook.WithKey("k"), hook.WithPath("k.txt")),
		))
		var hookErr *hook.HookError
		assert.ErrorAs(t, cp.Run(context.Background()), &hookErr)
	})

	t.Run("no hooks needs no store", func(t *testing.T) {
		assert.NoError(t, NewCheckpoint("cp").Run(context.Background()))
	})
}

func TestSubmit_Retry(t *testing.T) {
	rep := &fakeReporter{connectFails: 2}
	s := NewSubmit("ship", []Reporter{rep}).WithRetry(&graph.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond})
	s.Context().MergeValue(graph.KeySummaries, analyze.Summaries{"report": {SessionTotal: 7}})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 3, rep.connects)
	require.Len(t, rep.got, 1)
	assert.Equal(t, 7, rep.got[0].Total())
	assert.Equal(t, 1, rep.closed)
}

func TestSubmit_ConnectFailure(t *testing.T) {
	rep := &fakeReporter{connectFails: 5}
	s := NewSubmit("ship", []Reporter{rep})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect")
	assert.Equal(t, 1, rep.connects)
	assert.Empty(t, rep.got)
	assert.Zero(t, rep.closed)
}

func TestTeardown_Run(t *testing.T) {
	td := NewTeardown("teardown")
	td.Context().Set("sessions", 4)

	var order []string
	var mu sync.Mutex
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}
	require.NoError(t, td.Hooks().Register(
		hook.New("teardown", "drain", hook.Event,
			func(context.Context, hook.Args) (any, error) { record("pre"); return nil, nil },
			hook.WithMetadata(hook.Metadata{Pre: true})),
		hook.New("teardown", "close", hook.Teardown,
			func(_ context.Context, args hook.Args) (any, error) {
				record("teardown")
				n := args["sessions"].(int)
				return hook.Args{"closed_sessions": n}, nil
			}),
		hook.New("teardown", "report", hook.Event,
			func(context.Context, hook.Args) (any, error) { record("post"); return nil, nil }),
	))

	require.NoError(t, td.Run(context.Background()))
	assert.Equal(t, []string{"pre", "teardown", "post"}, order)
	assert.Equal(t, 4, td.Context().Value("closed_sessions"))
	_, leaked := td.Context().Get("context")
	assert.False(t, leaked)
}

func TestWait_Run(t *testing.T) {
	w := NewWait("cooldown", 20*time.Millisecond)
	start := time.Now()
	require.NoError(t, w.Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewWait("cooldown", time.Hour).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFactories(t *testing.T) {
	f := Factories()
	tests := []struct {
		typ  graph.StageType
		want any
	}{
		{graph.StageIdle, &Idle{}},
		{graph.StageAnalyze, &Analyze{}},
		{graph.StageCheckpoint, &Checkpoint{}},
		{graph.StageComplete, &Complete{}},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			st := f[tt.typ]("x")
			assert.IsType(t, tt.want, st)
			assert.Equal(t, tt.typ, st.Type())
		})
	}
}
