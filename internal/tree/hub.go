package tree

import (
	"sync"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

// Hub tracks the open watches of one backend connection.
//
// Each watch owns a FIFO of pending events and one goroutine that calls the
// listener, so listeners never run under a backend lock and events for a single
// watch are delivered in the order they were enqueued.
type Hub struct {
	mu      sync.Mutex
	watches map[uint64]*Watch
	nextID  uint64
	closed  bool
}

// Watch is one registered listener. It implements treestore.Handle.
type Watch struct {
	id   uint64
	path string
	fn   treestore.Listener
	hub  *Hub

	mu     sync.Mutex
	queue  []treestore.Event
	last   treestore.Snapshot
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{watches: make(map[uint64]*Watch)}
}

// Add registers fn on path. initial is delivered only when the node has data.
func (h *Hub) Add(path string, fn treestore.Listener, initial treestore.Snapshot) (*Watch, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, constants.ErrStoreUnavailable
	}

	h.nextID++
	w := &Watch{
		id:     h.nextID,
		path:   path,
		fn:     fn,
		hub:    h,
		last:   initial,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if initial.Exists {
		w.push(treestore.Event{Snapshot: initial})
	}
	h.watches[w.id] = w
	go w.run()

	return w, nil
}

// Notify re-reads every watch related to changed and enqueues the result when
// it differs from what that watch last saw. read runs under the hub lock, so
// it must not block on the network.
func (h *Hub) Notify(changed string, read func(path string) (treestore.Snapshot, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, w := range h.watches {
		if !treestore.Related(w.path, changed) {
			continue
		}
		snap, err := read(w.path)
		if err != nil {
			continue
		}
		w.Offer(snap)
	}
}

// Terminate ends every open watch with err and refuses new ones until Reopen.
func (h *Hub) Terminate(err error) {
	h.mu.Lock()
	watches := h.watches
	h.watches = make(map[uint64]*Watch)
	h.closed = true
	h.mu.Unlock()

	for _, w := range watches {
		w.push(treestore.Event{Err: err})
	}
}

func (h *Hub) Reopen() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = false
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watches)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watches, id)
}

func (w *Watch) Path() string {
	return w.path
}

// Offer enqueues snap unless it equals the last snapshot this watch saw.
func (w *Watch) Offer(snap treestore.Snapshot) {
	w.mu.Lock()
	if snap.Equal(w.last) {
		w.mu.Unlock()
		return
	}
	w.last = snap
	w.mu.Unlock()
	w.push(treestore.Event{Snapshot: snap})
}

func (w *Watch) push(ev treestore.Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *Watch) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.signal:
		}

		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			ev := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()

			select {
			case <-w.done:
				return
			default:
			}

			w.fn(ev)
			if ev.Err != nil {
				w.stop()
				return
			}
		}
	}
}

func (w *Watch) stop() {
	w.once.Do(func() {
		close(w.done)
	})
}

// Cancel detaches the listener. Events still queued are discarded.
func (w *Watch) Cancel() {
	w.stop()
	w.hub.remove(w.id)
}

// End delivers err as the final event of this watch and detaches it.
func (w *Watch) End(err error) {
	w.hub.remove(w.id)
	w.push(treestore.Event{Err: err})
}
