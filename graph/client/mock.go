package client

import (
	"context"
	"sync"

	"github.com/dshills/stagegraph/graph/stages"
)

// MockClient is a scripted stages.Client for tests.
//
// Prepare records the request of every primed action. Each issued action
// returns the next entry of Responses, repeating the last one once they are
// consumed, or Err when set.
//
// Example usage:
//
//	mock := &client.MockClient{
//	    Name:      "mock",
//	    Responses: []stages.Response{{Tags: map[string]string{"status": "200"}}},
//	}
//	exec.SetClient(mock)
type MockClient struct {
	Name      string
	Responses []stages.Response

	// Err, if set, is returned by every issued action.
	Err error

	// PrepareErr, if set, is returned by Prepare.
	PrepareErr error

	// Prepared records Prepare invocations in call order.
	Prepared []MockPrepare

	mu        sync.Mutex
	issued    int
	callIndex int
}

// MockPrepare records a single Prepare invocation.
type MockPrepare struct {
	Action  string
	Request any
}

// Source implements stages.Client.
func (m *MockClient) Source() string {
	if m.Name == "" {
		return "mock"
	}
	return m.Name
}

// Prepare implements stages.Client.
func (m *MockClient) Prepare(_ context.Context, name string, request any) (stages.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Prepared = append(m.Prepared, MockPrepare{Action: name, Request: request})
	if m.PrepareErr != nil {
		return nil, m.PrepareErr
	}
	return stages.ActionFunc(m.do), nil
}

func (m *MockClient) do(ctx context.Context) (stages.Response, error) {
	if ctx.Err() != nil {
		return stages.Response{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.issued++
	if m.Err != nil {
		return stages.Response{}, m.Err
	}
	if len(m.Responses) == 0 {
		return stages.Response{}, nil
	}
	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Issued returns the number of actions issued so far.
func (m *MockClient) Issued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issued
}

// Reset clears the recorded history and rewinds the responses.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prepared = nil
	m.issued = 0
	m.callIndex = 0
}
