package client

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/stagegraph/graph/stages"
)

func TestMockClient_Responses(t *testing.T) {
	mock := &MockClient{
		Responses: []stages.Response{
			{Tags: map[string]string{"n": "1"}},
			{Tags: map[string]string{"n": "2"}},
		},
	}
	if mock.Source() != "mock" {
		t.Errorf("Source() = %q, want mock", mock.Source())
	}

	action, err := mock.Prepare(context.Background(), "ping", "request")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"1", "2", "2"}
	for i, w := range want {
		resp, err := action.Do(context.Background())
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		if resp.Tags["n"] != w {
			t.Errorf("call %d: n = %q, want %q", i, resp.Tags["n"], w)
		}
	}
	if mock.Issued() != 3 {
		t.Errorf("Issued() = %d, want 3", mock.Issued())
	}
	if len(mock.Prepared) != 1 || mock.Prepared[0].Request != "request" {
		t.Errorf("Prepared = %+v", mock.Prepared)
	}

	mock.Reset()
	if mock.Issued() != 0 || mock.Prepared != nil {
		t.Error("Reset() must clear the history")
	}
}

func TestMockClient_Errors(t *testing.T) {
	boom := errors.New("boom")
	mock := &MockClient{Name: "grpc", Err: boom}
	action, err := mock.Prepare(context.Background(), "call", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := action.Do(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Do() error = %v, want boom", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := action.Do(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}

	mock.PrepareErr = boom
	if _, err := mock.Prepare(context.Background(), "call", nil); !errors.Is(err, boom) {
		t.Errorf("Prepare() error = %v, want boom", err)
	}
}
