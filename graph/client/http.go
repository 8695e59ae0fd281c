// Package client provides stages.Client implementations: an HTTP client that
// measures request phases with net/http/httptrace, and a scripted mock for
// tests.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dshills/stagegraph/graph/stages"
)

// ErrInvalidRequest is returned by Prepare when a hook's request cannot be
// turned into an HTTP request.
var ErrInvalidRequest = errors.New("invalid http request")

// Request describes an HTTP action. Action and Task hooks return a Request,
// a *Request or a map with the keys method, url, headers and body.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// StatusError reports a response with a status code of 400 or above.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// HTTPClient issues HTTP requests.
//
// Each issued action reports these timings besides the total: "dns",
// "connect", "tls" (when a new connection is established), "first_byte" and
// "read". The response status is tagged as "status".
//
// Example usage:
//
//	exec := stages.NewExecute("browse", stages.ExecuteConfig{BatchSize: 50})
//	exec.Hooks().Register(hook.New("browse", "home", hook.Action,
//	    func(context.Context, hook.Args) (any, error) {
//	        return client.Request{Method: "GET", URL: "https://shop.test/"}, nil
//	    }))
//	exec.SetClient(client.NewHTTPClient(nil))
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient wraps c. A nil c uses a client with a pooled transport.
// Timeouts are handled through the action context.
func NewHTTPClient(c *http.Client) *HTTPClient {
	if c == nil {
		c = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPClient{client: c}
}

// Source implements stages.Client.
func (h *HTTPClient) Source() string {
	return "http"
}

// Prepare validates request and returns the action issuing it.
func (h *HTTPClient) Prepare(_ context.Context, name string, request any) (stages.Action, error) {
	req, err := toRequest(request)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", name, err)
	}
	return stages.ActionFunc(func(ctx context.Context) (stages.Response, error) {
		return h.do(ctx, req)
	}), nil
}

func toRequest(request any) (Request, error) {
	var req Request
	switch r := request.(type) {
	case Request:
		req = r
	case *Request:
		if r == nil {
			return req, fmt.Errorf("%w: nil request", ErrInvalidRequest)
		}
		req = *r
	case map[string]any:
		req.URL, _ = r["url"].(string)
		req.Method, _ = r["method"].(string)
		switch b := r["body"].(type) {
		case string:
			req.Body = []byte(b)
		case []byte:
			req.Body = b
		}
		switch hs := r["headers"].(type) {
		case map[string]string:
			req.Headers = hs
		case map[string]any:
			req.Headers = make(map[string]string, len(hs))
			for k, v := range hs {
				if s, ok := v.(string); ok {
					req.Headers[k] = s
				}
			}
		}
	default:
		return req, fmt.Errorf("%w: unsupported request type %T", ErrInvalidRequest, request)
	}

	if req.URL == "" {
		return req, fmt.Errorf("%w: url required", ErrInvalidRequest)
	}
	req.Method = strings.ToUpper(req.Method)
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions:
	default:
		return req, fmt.Errorf("%w: unsupported method %s", ErrInvalidRequest, req.Method)
	}
	return req, nil
}

// phases collects httptrace timestamps of one request. Dial callbacks may
// fire from several goroutines when racing address families.
type phases struct {
	mu                   sync.Mutex
	start                time.Time
	dnsStart, dnsDone    time.Time
	connStart, connDone  time.Time
	tlsStart, tlsDone    time.Time
	firstByte, readStart time.Time
}

func (p *phases) mark(t *time.Time) {
	p.mu.Lock()
	if t.IsZero() {
		*t = time.Now()
	}
	p.mu.Unlock()
}

func (p *phases) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart:             func(httptrace.DNSStartInfo) { p.mark(&p.dnsStart) },
		DNSDone:              func(httptrace.DNSDoneInfo) { p.mark(&p.dnsDone) },
		ConnectStart:         func(string, string) { p.mark(&p.connStart) },
		ConnectDone:          func(string, string, error) { p.mark(&p.connDone) },
		TLSHandshakeStart:    func() { p.mark(&p.tlsStart) },
		TLSHandshakeDone:     func(tls.ConnectionState, error) { p.mark(&p.tlsDone) },
		GotFirstResponseByte: func() { p.mark(&p.firstByte) },
	}
}

func (p *phases) timings(end time.Time) map[string]time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]time.Duration, 5)
	span := func(key string, from, to time.Time) {
		if !from.IsZero() && !to.IsZero() {
			out[key] = to.Sub(from)
		}
	}
	span("dns", p.dnsStart, p.dnsDone)
	span("connect", p.connStart, p.connDone)
	span("tls", p.tlsStart, p.tlsDone)
	span("first_byte", p.start, p.firstByte)
	span("read", p.readStart, end)
	return out
}

func (h *HTTPClient) do(ctx context.Context, r Request) (stages.Response, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	var ph phases
	ctx = httptrace.WithClientTrace(ctx, ph.trace())
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return stages.Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	ph.mark(&ph.start)
	resp, err := h.client.Do(req)
	if err != nil {
		return stages.Response{Timings: ph.timings(time.Now())}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	ph.mark(&ph.readStart)
	payload, err := io.ReadAll(resp.Body)
	out := stages.Response{
		Timings: ph.timings(time.Now()),
		Tags:    map[string]string{"status": strconv.Itoa(resp.StatusCode), "method": r.Method},
		Value:   payload,
	}
	if err != nil {
		return out, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return out, &StatusError{Code: resp.StatusCode}
	}
	return out, nil
}
