// Package storetest checks that a treestore.Client backend honours the watch,
// ordering and key generation contract the bridge relies on.
package storetest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

// Factory returns a fresh, empty client. Cleanup is the factory's job.
type Factory func(t *testing.T) treestore.Client

const wait = 2 * time.Second

// Recorder collects the events a listener receives.
type Recorder struct {
	mu     sync.Mutex
	events []treestore.Event
}

func (r *Recorder) Listen(ev treestore.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []treestore.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]treestore.Event(nil), r.events...)
}

func (r *Recorder) WaitFor(t *testing.T, n int) []treestore.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.Events()) >= n }, wait, 5*time.Millisecond,
		"expected %d events", n)
	return r.Events()
}

func Run(t *testing.T, newClient Factory) {
	t.Run("SetGet", func(t *testing.T) { testSetGet(t, newClient(t)) })
	t.Run("PushKeysAreDistinctAndOrdered", func(t *testing.T) { testPush(t, newClient(t)) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, newClient(t)) })
	t.Run("WatchInitialOnlyWhenPresent", func(t *testing.T) { testWatchInitial(t, newClient(t)) })
	t.Run("WatchOrder", func(t *testing.T) { testWatchOrder(t, newClient(t)) })
	t.Run("WatchSubtreeChanges", func(t *testing.T) { testWatchSubtree(t, newClient(t)) })
	t.Run("WatchCancel", func(t *testing.T) { testWatchCancel(t, newClient(t)) })
	t.Run("CloseEndsWatches", func(t *testing.T) { testClose(t, newClient(t)) })
	t.Run("InvalidPath", func(t *testing.T) { testInvalidPath(t, newClient(t)) })
}

func testSetGet(t *testing.T, c treestore.Client) {
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "basket/user-7", map[string]any{"items": []string{"a", "b"}}))

	snap, err := c.Get(ctx, "basket/user-7")
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.Equal(t, "user-7", snap.Key)
	assert.JSONEq(t, `{"items":["a","b"]}`, string(snap.Value))

	require.NoError(t, c.Set(ctx, "basket/user-7", map[string]any{"items": []string{"c"}}))
	snap, err = c.Get(ctx, "basket/user-7")
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["c"]}`, string(snap.Value))

	snap, err = c.Get(ctx, "basket/user-7/items/0")
	require.NoError(t, err)
	assert.Equal(t, `"c"`, string(snap.Value))

	snap, err = c.Get(ctx, "basket/nobody")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func testPush(t *testing.T, c treestore.Client) {
	ctx := context.Background()
	var keys []string
	for i := 0; i < 20; i++ {
		k, err := c.Push(ctx, "comparison/u1", map[string]int{"n": i})
		require.NoError(t, err)
		keys = append(keys, k)
	}
	seen := map[string]bool{}
	for i, k := range keys {
		assert.False(t, seen[k], "duplicate key %s", k)
		seen[k] = true
		if i > 0 {
			assert.Less(t, keys[i-1], k)
		}
	}

	snap, err := c.Get(ctx, treestore.Join("comparison/u1", keys[3]))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, string(snap.Value))
}

func testRemove(t *testing.T, c treestore.Client) {
	ctx := context.Background()
	k, err := c.Push(ctx, "comparison/u1", map[string]string{"sku": "x"})
	require.NoError(t, err)
	require.NoError(t, c.Remove(ctx, treestore.Join("comparison/u1", k)))

	snap, err := c.Get(ctx, "comparison/u1")
	require.NoError(t, err)
	assert.False(t, snap.Exists)

	require.NoError(t, c.Remove(ctx, "comparison/none"))
}

func testWatchInitial(t *testing.T, c treestore.Client) {
	ctx := context.Background()
	absent := &Recorder{}
	h1, err := c.Watch(ctx, "orders/o1", absent.Listen)
	require.NoError(t, err)
	defer h1.Cancel()

	require.NoError(t, c.Set(ctx, "orders/o2", map[string]int{"total": 5}))
	present := &Recorder{}
	h2, err := c.Watch(ctx, "orders/o2", present.Listen)
	require.NoError(t, err)
	defer h2.Cancel()

	events := present.WaitFor(t, 1)
	assert.JSONEq(t, `{"total":5}`, string(events[0].Snapshot.Value))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, absent.Events())
}

func testWatchOrder(t *testing.T, c treestore.Client) {
	ctx := context.Background()
	rec := &Recorder{}
	h, err := c.Watch(ctx, "token-response/p1", rec.Listen)
	require.NoError(t, err)
	defer h.Cancel()

	const n = 30
	for i := 0; i < n; i++ {
		require.NoError(t, c.Set(ctx, "token-response/p1", map[string]int{"seq": i}))
	}

	events := rec.WaitFor(t, n)
	require.Len(t, events, n)
	for i, ev := range events {
		require.NoError(t, ev.Err)
		assert.JSONEq(t, `{"seq":`+strconv.Itoa(i)+`}`, string(ev.Snapshot.Value))
	}
}

func testWatchSubtree(t *testing.T, c treestore.Client) {
	ctx := context.Background()
	rec := &Recorder{}
	h, err := c.Watch(ctx, "search/response/k1", rec.Listen)
	require.NoError(t, err)
	defer h.Cancel()

	require.NoError(t, c.Set(ctx, "search/response/k1/total", 1))
	require.NoError(t, c.Set(ctx, "search/response/k2/total", 9))
	require.NoError(t, c.Set(ctx, "search/response/k1/hits", []map[string]string{{"_id": "42"}}))

	events := rec.WaitFor(t, 2)
	time.Sleep(50 * time.Millisecond)
	events = rec.Events()
	require.Len(t, events, 2)
	assert.JSONEq(t, `{"total":1}`, string(events[0].Snapshot.Value))
	assert.JSONEq(t, `{"total":1,"hits":[{"_id":"42"}]}`, string(events[1].Snapshot.Value))

	require.NoError(t, c.Remove(ctx, "search/response"))
	events = rec.WaitFor(t, 3)
	assert.False(t, events[2].Snapshot.Exists)
}

func testWatchCancel(t *testing.T, c treestore.Client) {
	ctx := context.Background()
	rec := &Recorder{}
	h, err := c.Watch(ctx, "basket/u9", rec.Listen)
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "basket/u9", 1))
	rec.WaitFor(t, 1)

	h.Cancel()
	h.Cancel()
	require.NoError(t, c.Set(ctx, "basket/u9", 2))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.Events(), 1)
}

func testClose(t *testing.T, c treestore.Client) {
	ctx := context.Background()
	rec := &Recorder{}
	_, err := c.Watch(ctx, "basket/u1", rec.Listen)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	events := rec.WaitFor(t, 1)
	assert.True(t, errors.Is(events[len(events)-1].Err, constants.ErrConnectionLost))

	_, err = c.Push(ctx, "orders", 1)
	require.Error(t, err)
}

func testInvalidPath(t *testing.T, c treestore.Client) {
	ctx := context.Background()
	_, err := c.Push(ctx, "search/re.quest", 1)
	assert.ErrorIs(t, err, constants.ErrInvalidPath)
	assert.ErrorIs(t, c.Set(ctx, "a//b", 1), constants.ErrInvalidPath)
	_, err = c.Watch(ctx, "a/$b", func(treestore.Event) {})
	assert.ErrorIs(t, err, constants.ErrInvalidPath)
}
