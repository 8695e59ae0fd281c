package analyze

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"
)

// Batch is the unit of work sent to the worker pool: one slice of one
// execute stage's results plus routing metadata.
type Batch struct {
	Graph       string         `msgpack:"graph"`
	Source      string         `msgpack:"source"`
	Stage       string         `msgpack:"stage"`
	Index       int            `msgpack:"index"`
	Context     map[string]any `msgpack:"context"`
	MetricHooks []string       `msgpack:"metric_hooks"`
	Results     []Result       `msgpack:"results"`
}

// BatchResult is what a worker returns for one batch.
type BatchResult struct {
	Stage string `msgpack:"stage"`
	Index int    `msgpack:"index"`

	// Events is the encoded map of action name to *EventsGroup.
	Events []byte `msgpack:"events"`

	// Context holds the partial context updates produced by the batch. It
	// never repeats the input context.
	Context map[string]any `msgpack:"context"`
}

// Groups decodes the event groups carried by the result.
func (r *BatchResult) Groups() (map[string]*EventsGroup, error) {
	var groups map[string]*EventsGroup
	if err := unpack(r.Events, &groups); err != nil {
		return nil, fmt.Errorf("decode events of %s batch %d: %w", r.Stage, r.Index, err)
	}
	return groups, nil
}

// EncodeBatch serializes b with msgpack and compresses it with snappy.
func EncodeBatch(b *Batch) ([]byte, error) {
	return pack(b)
}

// DecodeBatch reverses EncodeBatch.
func DecodeBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := unpack(data, &b); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return &b, nil
}

// ProcessBatch is the worker body: it decodes a batch, groups its results by
// action and returns the encoded groups with the values the batch produced.
// The shipped context is input only and is not echoed back.
func ProcessBatch(data []byte) (*BatchResult, error) {
	b, err := DecodeBatch(data)
	if err != nil {
		return nil, err
	}
	events, err := pack(Group(b.Results))
	if err != nil {
		return nil, fmt.Errorf("encode events of %s batch %d: %w", b.Stage, b.Index, err)
	}
	ctx := map[string]any{"processed": len(b.Results)}
	return &BatchResult{Stage: b.Stage, Index: b.Index, Events: events, Context: ctx}, nil
}

func pack(v any) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func unpack(data []byte, v any) error {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(raw, v)
}
