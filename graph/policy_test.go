package graph_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/dshills/stagegraph/graph"
)

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  graph.RetryPolicy
		wantErr bool
	}{
		{"single attempt", graph.RetryPolicy{MaxAttempts: 1}, false},
		{"backoff bounds", graph.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second}, false},
		{"no cap", graph.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}, false},
		{"zero attempts", graph.RetryPolicy{MaxAttempts: 0}, true},
		{"cap below base", graph.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Millisecond}, true},
		{"negative base", graph.RetryPolicy{MaxAttempts: 2, BaseDelay: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, graph.ErrInvalidRetryPolicy) {
				t.Errorf("Validate() error = %v, want ErrInvalidRetryPolicy", err)
			}
		})
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := &graph.RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Rand:        rand.New(rand.NewSource(1)),
	}
	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{0, 10 * time.Millisecond, 20 * time.Millisecond},
		{1, 20 * time.Millisecond, 30 * time.Millisecond},
		{2, 40 * time.Millisecond, 50 * time.Millisecond},
		{3, 50 * time.Millisecond, 60 * time.Millisecond},
		{40, 50 * time.Millisecond, 60 * time.Millisecond},
	}
	for _, tt := range tests {
		got := p.Backoff(tt.attempt)
		if got < tt.min || got >= tt.max {
			t.Errorf("Backoff(%d) = %v, want in [%v, %v)", tt.attempt, got, tt.min, tt.max)
		}
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	transient := errors.New("503 service unavailable")
	fatal := errors.New("401 unauthorized")

	tests := []struct {
		name      string
		failures  []error
		attempts  int
		wantCalls int
		wantErr   error
	}{
		{"succeeds first time", nil, 3, 1, nil},
		{"succeeds after retries", []error{transient, transient}, 3, 3, nil},
		{"exhausts attempts", []error{transient, transient, transient, transient}, 3, 3, transient},
		{"stops on fatal error", []error{fatal}, 5, 1, fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &graph.RetryPolicy{
				MaxAttempts: tt.attempts,
				BaseDelay:   time.Millisecond,
				MaxDelay:    2 * time.Millisecond,
				Retryable:   func(err error) bool { return errors.Is(err, transient) },
			}
			calls := 0
			err := p.Do(context.Background(), func(context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Do() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicy_DoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &graph.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}
	boom := errors.New("boom")

	err := p.Do(ctx, func(context.Context) error {
		cancel()
		return boom
	})
	if !errors.Is(err, boom) || !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want boom and context.Canceled", err)
	}

	var nilPolicy *graph.RetryPolicy
	if err := nilPolicy.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("nil policy Do() error = %v", err)
	}
}
