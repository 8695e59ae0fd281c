package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/stagegraph/graph"
	"github.com/dshills/stagegraph/graph/emit"
	"github.com/dshills/stagegraph/graph/hook"
	"github.com/dshills/stagegraph/graph/store"
)

// Checkpoint persists and restores context keys as opaque text blobs.
//
// Order of a run: pre Event hooks, Restore hooks, Save hooks (the saved key
// is cleared afterwards), post Event hooks, then Context hooks.
//
// A Save hook receives the key's value under "value" and returns the blob
// (a string or []byte). A Restore hook receives the stored blob under "blob"
// and returns the value to put back under its key; a missing blob skips it.
type Checkpoint struct {
	*graph.Base
}

// NewCheckpoint creates a Checkpoint stage.
func NewCheckpoint(name string, opts ...graph.BaseOption) *Checkpoint {
	accepted := []hook.Type{hook.Event, hook.Context, hook.Save, hook.Restore}
	return &Checkpoint{Base: graph.NewBase(name, graph.StageCheckpoint, accepted, opts...)}
}

func (s *Checkpoint) blobs() (store.BlobStore, error) {
	env := s.Env()
	if env == nil || env.Blobs == nil {
		return nil, fmt.Errorf("checkpoint stage %s has no blob store", s.Name())
	}
	return env.Blobs, nil
}

func (s *Checkpoint) Run(ctx context.Context) error {
	if err := runEvents(ctx, s.Base, pre); err != nil {
		return err
	}

	restores := s.Hooks().ByType(hook.Restore)
	saves := s.Hooks().ByType(hook.Save)
	if len(restores)+len(saves) > 0 {
		blobs, err := s.blobs()
		if err != nil {
			return err
		}
		if err := s.restore(ctx, blobs, restores); err != nil {
			return err
		}
		if err := s.save(ctx, blobs, saves); err != nil {
			return err
		}
	}

	if err := runEvents(ctx, s.Base, func(h *hook.Hook) bool { return h.Type == hook.Event && post(h) }); err != nil {
		return err
	}
	return runEvents(ctx, s.Base, func(h *hook.Hook) bool { return h.Type == hook.Context })
}

func (s *Checkpoint) restore(ctx context.Context, blobs store.BlobStore, hooks []*hook.Hook) error {
	c := s.Context()
	for _, h := range hooks {
		blob, err := blobs.LoadBlob(ctx, h.Path)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return &hook.HookError{Hook: h.Name, Type: h.Type, Err: err}
		}
		v, err := h.Call(ctx, hook.Args{"key": h.Key, "path": h.Path, "blob": blob})
		if err != nil {
			return &hook.HookError{Hook: h.Name, Type: h.Type, Err: err}
		}
		c.Set(h.Key, v)
		s.Emit(emit.MsgCheckpointRestored, map[string]interface{}{"key": h.Key, "path": h.Path})
	}
	return nil
}

func (s *Checkpoint) save(ctx context.Context, blobs store.BlobStore, hooks []*hook.Hook) error {
	c := s.Context()
	for _, h := range hooks {
		out, err := h.Call(ctx, hook.Args{"key": h.Key, "path": h.Path, "value": c.Value(h.Key)})
		if err != nil {
			return &hook.HookError{Hook: h.Name, Type: h.Type, Err: err}
		}
		var blob string
		switch v := out.(type) {
		case string:
			blob = v
		case []byte:
			blob = string(v)
		default:
			return &hook.HookError{Hook: h.Name, Type: h.Type, Err: fmt.Errorf("save hook returned %T, want string or []byte", out)}
		}
		if err := blobs.SaveBlob(ctx, h.Path, blob); err != nil {
			return &hook.HookError{Hook: h.Name, Type: h.Type, Err: err}
		}
		c.Delete(h.Key)
		s.Emit(emit.MsgCheckpointSaved, map[string]interface{}{"key": h.Key, "path": h.Path, "bytes": len(blob)})
	}
	return nil
}
