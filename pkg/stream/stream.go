// Package stream turns the callback-based watch primitive of a tree store into a
// cancellable sequence of snapshots.
//
// A Stream owns exactly one store listener. Cancel releases it; until then the
// sequence is unbounded, because a live node may change forever. Logically
// one-shot exchanges must cancel after their first value (see [First]).
//
// Two delivery modes are available. EveryUpdate queues every snapshot in
// arrival order. LatestOnly keeps a single slot that newer snapshots overwrite,
// so a slow consumer always reads the freshest value and the overwritten ones
// are counted as dropped.
package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

type Mode int

const (
	EveryUpdate Mode = iota
	LatestOnly
)

func (m Mode) String() string {
	switch m {
	case EveryUpdate:
		return "every"
	case LatestOnly:
		return "latest"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "every" and "latest"; the empty string means EveryUpdate.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "every":
		return EveryUpdate, nil
	case "latest":
		return LatestOnly, nil
	}
	return EveryUpdate, fmt.Errorf("stream: unknown mode %q", s)
}

type Option func(o *options)

type options struct {
	mode    Mode
	keep    func(treestore.Snapshot) bool
	onClose []func(error)
}

func WithMode(m Mode) Option {
	return func(o *options) {
		o.mode = m
	}
}

// WithFilter drops snapshots for which keep returns false before they are
// queued. Dropped snapshots are not counted.
func WithFilter(keep func(treestore.Snapshot) bool) Option {
	return func(o *options) {
		o.keep = keep
	}
}

// OnClose registers fn to run once when the stream terminates, with the
// terminal error (constants.ErrStreamClosed after Cancel).
func OnClose(fn func(err error)) Option {
	return func(o *options) {
		o.onClose = append(o.onClose, fn)
	}
}

type Stats struct {
	Delivered uint64
	Dropped   uint64
}

type Stream struct {
	path string
	mode Mode
	keep func(treestore.Snapshot) bool

	handle treestore.Handle

	mu      sync.Mutex
	queue   []treestore.Snapshot
	last    treestore.Snapshot
	hasLast bool
	err     error
	stats   Stats
	onClose []func(error)

	// signal wakes a waiting Next; done closes on termination.
	signal chan struct{}
	done   chan struct{}
}

// Open watches path on w and returns the stream of its snapshots.
// Failures to open the watch are returned directly.
func Open(ctx context.Context, w treestore.Watcher, path string, opts ...Option) (*Stream, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Stream{
		path:    path,
		mode:    o.mode,
		keep:    o.keep,
		onClose: o.onClose,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	h, err := w.Watch(ctx, path, s.deliver)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.handle = h
	cancelled := s.err != nil
	s.mu.Unlock()
	if cancelled {
		// Terminated by the store before Watch returned.
		h.Cancel()
	}
	return s, nil
}

func (s *Stream) deliver(ev treestore.Event) {
	if ev.Err != nil {
		s.terminate(ev.Err)
		return
	}
	if s.keep != nil && !s.keep(ev.Snapshot) {
		return
	}

	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	switch s.mode {
	case LatestOnly:
		if len(s.queue) > 0 {
			s.stats.Dropped++
			s.queue[0] = ev.Snapshot
		} else {
			s.queue = append(s.queue, ev.Snapshot)
		}
	default:
		s.queue = append(s.queue, ev.Snapshot)
	}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks until a snapshot is available, the stream terminates or ctx is
// done. Snapshots queued before termination are still returned; after that the
// terminal error is returned on every call.
func (s *Stream) Next(ctx context.Context) (treestore.Snapshot, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			snap := s.queue[0]
			s.queue = s.queue[1:]
			s.last, s.hasLast = snap, true
			s.stats.Delivered++
			s.mu.Unlock()
			return snap, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return treestore.Snapshot{}, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return treestore.Snapshot{}, ctx.Err()
		case <-s.signal:
		case <-s.done:
		}
	}
}

// Cancel releases the store listener and discards anything still queued.
// It is safe to call more than once and from any goroutine.
func (s *Stream) Cancel() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
	s.terminate(constants.ErrStreamClosed)
}

func (s *Stream) terminate(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	h := s.handle
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	if h != nil {
		h.Cancel()
	}
	close(s.done)
	for _, fn := range hooks {
		fn(err)
	}
}

func (s *Stream) Path() string {
	return s.path
}

func (s *Stream) Mode() Mode {
	return s.mode
}

// Done is closed once the stream has terminated.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err is the terminal error, or nil while the stream is live.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Active reports whether the stream still holds its store listener.
func (s *Stream) Active() bool {
	return s.Err() == nil
}

// Last is the most recent snapshot returned by Next.
func (s *Stream) Last() (treestore.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

func (s *Stream) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
