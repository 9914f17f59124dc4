// Package telemetry relays user-journey events into the tree store without
// ever blocking or failing the caller.
//
// Record only enqueues. A single worker drains the queue in order and appends
// each event under session-flows/<device>/<session>/<kind>. A full queue drops
// the event; a failed write is logged. Both are counted in Stats.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

type Kind string

const (
	KindVisitedRoute Kind = "visitedRoutes"
	KindUserClick    Kind = "userClicks"
)

// Session identifies one browsing session of one device. The bridge does not
// interpret either id.
type Session struct {
	DeviceID  string
	SessionID string
}

// path fails unless both ids are single path segments.
func (s Session) path(kind Kind) (string, error) {
	return treestore.JoinSegments(constants.SessionFlowsPath, s.DeviceID, s.SessionID, string(kind))
}

const (
	DefaultQueueSize    = 256
	DefaultWriteTimeout = 10 * time.Second
)

type Option func(r *Relay)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Relay) {
		r.logger = l
	}
}

func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.size = n
		}
	}
}

// WithWriteTimeout bounds each store write made by the worker.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Relay) {
		r.writeTimeout = d
	}
}

type Stats struct {
	Written uint64
	Dropped uint64
	Failed  uint64
}

type event struct {
	path  string
	value any
	// flush, when set, marks a barrier: it is closed once every earlier
	// event has been handled.
	flush chan struct{}
}

type Relay struct {
	client       treestore.Client
	logger       zerolog.Logger
	size         int
	writeTimeout time.Duration

	// mu guards closed and sends on queue.
	mu     sync.RWMutex
	closed bool
	queue  chan event
	done   chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func New(client treestore.Client, opts ...Option) *Relay {
	r := &Relay{
		client:       client,
		logger:       zerolog.Nop(),
		size:         DefaultQueueSize,
		writeTimeout: DefaultWriteTimeout,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.queue = make(chan event, r.size)
	go r.run()
	return r
}

// Record queues value for kind in session. It never blocks and never reports
// an error; events recorded after Close or for an unusable session are dropped.
func (r *Relay) Record(kind Kind, s Session, value any) {
	path, err := s.path(kind)
	if err != nil {
		n := r.dropped.Add(1)
		r.logger.Warn().Err(err).Str("kind", string(kind)).Uint64("dropped", n).Msg("telemetry event dropped")
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- event{path: path, value: value}:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn().Str("kind", string(kind)).Uint64("dropped", n).Msg("telemetry queue full")
	}
}

// VisitedRoute and Click are shorthands for the two known kinds.
func (r *Relay) VisitedRoute(s Session, value any) {
	r.Record(KindVisitedRoute, s, value)
}

func (r *Relay) Click(s Session, value any) {
	r.Record(KindUserClick, s, value)
}

// Restore overwrites a whole saved session, replacing any events already
// stored for it. Unlike Record it writes synchronously.
func (r *Relay) Restore(ctx context.Context, deviceID, sessionID string, flows any) error {
	path, err := treestore.JoinSegments(constants.SessionFlowsPath, deviceID, sessionID)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, path, flows)
}

// Flush waits until every event recorded before the call has been handled.
func (r *Relay) Flush(ctx context.Context) error {
	barrier := make(chan struct{})

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return constants.ErrClosed
	}
	select {
	case r.queue <- event{flush: barrier}:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the queued ones to be written or
// for ctx to end.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) Stats() Stats {
	return Stats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
	}
}

func (r *Relay) run() {
	defer close(r.done)
	for ev := range r.queue {
		if ev.flush != nil {
			close(ev.flush)
			continue
		}
		r.write(ev)
	}
}

func (r *Relay) write(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	key, err := r.client.Push(ctx, ev.path, ev.value)
	if err != nil {
		r.failed.Add(1)
		r.logger.Error().Err(err).Str("path", ev.path).Msg("telemetry write failed")
		return
	}
	r.written.Add(1)
	r.logger.Trace().Str("path", ev.path).Str("key", key).Msg("telemetry written")
}
