// Package registry keeps at most one live subscription per (collection, id)
// pair and forwards whole-node writes for the same pairs.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/stream"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

type Option func(r *Registry)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithStreamOptions sets options applied to every subscription before the
// per-call ones.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(r *Registry) {
		r.streamOpts = append(r.streamOpts, opts...)
	}
}

type entry struct {
	collection string
	id         string
}

// newEntry rejects a collection or id that is not exactly one path segment,
// since an empty or nested one would address a different node.
func newEntry(collection, id string) (entry, error) {
	if err := treestore.Segment(collection); err != nil {
		return entry{}, fmt.Errorf("collection: %w", err)
	}
	if err := treestore.Segment(id); err != nil {
		return entry{}, fmt.Errorf("id: %w", err)
	}
	return entry{collection: collection, id: id}, nil
}

func (e entry) path() string {
	return treestore.Join(e.collection, e.id)
}

type Registry struct {
	client     treestore.Client
	logger     zerolog.Logger
	streamOpts []stream.Option

	// subMu serializes Subscribe so cancel-then-open is atomic per registry.
	subMu   sync.Mutex
	mu      sync.Mutex
	entries map[entry]*stream.Stream
	closed  bool
}

func New(client treestore.Client, opts ...Option) *Registry {
	r := &Registry{
		client:  client,
		logger:  zerolog.Nop(),
		entries: map[entry]*stream.Stream{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Subscribe watches collection/id. A previous subscription for the same pair
// is cancelled before the new watch is opened, so the pair never has two
// listeners at once.
func (r *Registry) Subscribe(ctx context.Context, collection, id string, opts ...stream.Option) (*stream.Stream, error) {
	e, err := newEntry(collection, id)
	if err != nil {
		return nil, err
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, constants.ErrClosed
	}
	prev := r.entries[e]
	delete(r.entries, e)
	r.mu.Unlock()
	if prev != nil {
		prev.Cancel()
		r.logger.Debug().Str("path", e.path()).Msg("replacing subscription")
	}

	// s is only read and written under r.mu.
	var s *stream.Stream
	release := func(err error) {
		r.mu.Lock()
		if cur, ok := r.entries[e]; ok && cur == s {
			delete(r.entries, e)
			r.logger.Debug().Err(err).Str("path", e.path()).Msg("subscription ended")
		}
		r.mu.Unlock()
	}

	all := append(append([]stream.Option{}, r.streamOpts...), opts...)
	all = append(all, stream.OnClose(release))
	opened, err := stream.Open(ctx, r.client, e.path(), all...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		opened.Cancel()
		return nil, constants.ErrClosed
	}
	s = opened
	if s.Active() {
		r.entries[e] = s
	}
	return s, nil
}

// Unsubscribe cancels the subscription for collection/id, if any.
func (r *Registry) Unsubscribe(collection, id string) {
	e, err := newEntry(collection, id)
	if err != nil {
		return
	}
	r.mu.Lock()
	s := r.entries[e]
	delete(r.entries, e)
	r.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

// Publish overwrites collection/id with value.
func (r *Registry) Publish(ctx context.Context, collection, id string, value any) error {
	e, err := newEntry(collection, id)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, e.path(), value)
}

// Append adds value as a new child of collection/id and returns its key.
func (r *Registry) Append(ctx context.Context, collection, id string, value any) (string, error) {
	e, err := newEntry(collection, id)
	if err != nil {
		return "", err
	}
	return r.client.Push(ctx, e.path(), value)
}

// Active is the number of live subscriptions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close cancels every subscription. Later Subscribe calls fail with
// constants.ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	all := make([]*stream.Stream, 0, len(r.entries))
	for e, s := range r.entries {
		all = append(all, s)
		delete(r.entries, e)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.Cancel()
	}
}
