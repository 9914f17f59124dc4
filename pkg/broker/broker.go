// Package broker correlates search requests written to the tree store with the
// responses an external executor writes back.
//
// A request is appended under search/request; the store-generated key of that
// child is the correlation key, and the executor answers under
// search/response/<key>. The broker never deletes either node.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/payload"
	"github.com/nodeart/dalbridge/pkg/stream"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

// Store is the part of a tree store client the broker uses.
type Store interface {
	Push(ctx context.Context, prefix string, value any) (string, error)
	treestore.Watcher
}

type Query struct {
	Index  string
	Type   string
	Filter any
}

// Shape selects which part of the response node is observed.
type Shape string

const (
	Full  Shape = ""
	Hits  Shape = "hits"
	Total Shape = "total"
)

func (s Shape) path(key string) string {
	return treestore.Join(constants.SearchResponsePath, key, string(s))
}

type Option func(b *Broker)

func WithLogger(l zerolog.Logger) Option {
	return func(b *Broker) {
		b.logger = l
	}
}

// WithTimeout bounds how long Await waits for the first response.
// Zero waits until the caller's context ends.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		b.timeout = d
	}
}

type Broker struct {
	store   Store
	logger  zerolog.Logger
	timeout time.Duration
}

func New(store Store, opts ...Option) *Broker {
	b := &Broker{store: store, logger: zerolog.Nop()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Exchange is one dispatched query and the stream of its responses.
type Exchange struct {
	Key string
	*stream.Stream
}

// Reply is the first response to a query.
type Reply struct {
	Key      string
	Snapshot treestore.Snapshot
}

// Dispatch writes the request and opens a watch on its response node.
// Every snapshot of that node is forwarded unchanged, absent ones included.
// If the request cannot be written no watch is opened and the error wraps
// constants.ErrDispatchFailed.
func (b *Broker) Dispatch(ctx context.Context, q Query, shape Shape, opts ...stream.Option) (*Exchange, error) {
	req, err := payload.NewSearchRequest(q.Index, q.Type, q.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", constants.ErrDispatchFailed, err)
	}

	key, err := b.store.Push(ctx, constants.SearchRequestPath, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", constants.ErrDispatchFailed, err)
	}

	s, err := stream.Open(ctx, b.store, shape.path(key), opts...)
	if err != nil {
		return nil, err
	}
	b.logger.Debug().
		Str("key", key).
		Str("index", q.Index).
		Str("type", q.Type).
		Str("shape", string(shape)).
		Msg("query dispatched")
	return &Exchange{Key: key, Stream: s}, nil
}

// Await dispatches q and returns the first present response, cancelling the
// watch afterwards. When a broker timeout is set and elapses first the error
// is constants.ErrTimeout.
func (b *Broker) Await(ctx context.Context, q Query, shape Shape) (*Reply, error) {
	ex, err := b.Dispatch(ctx, q, shape)
	if err != nil {
		return nil, err
	}

	wait := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeoutCause(ctx, b.timeout, constants.ErrTimeout)
		defer cancel()
	}

	snap, err := stream.First(wait, ex.Stream, stream.Present)
	if err != nil {
		if ctx.Err() == nil && errors.Is(context.Cause(wait), constants.ErrTimeout) {
			b.logger.Warn().Str("key", ex.Key).Dur("timeout", b.timeout).Msg("no response")
			return nil, fmt.Errorf("%w: search/response/%s after %s", constants.ErrTimeout, ex.Key, b.timeout)
		}
		return nil, err
	}
	return &Reply{Key: ex.Key, Snapshot: snap}, nil
}

// Search awaits the whole response node and decodes it.
func (b *Broker) Search(ctx context.Context, q Query) (*payload.SearchResponse, error) {
	r, err := b.Await(ctx, q, Full)
	if err != nil {
		return nil, err
	}
	return payload.DecodeSearchResponse(r.Snapshot)
}
