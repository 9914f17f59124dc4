package telemetry_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/payload"
	"github.com/nodeart/dalbridge/pkg/telemetry"
	"github.com/nodeart/dalbridge/pkg/treestore/memstore"
)

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var session = telemetry.Session{DeviceID: "dev1", SessionID: "s1"}

func TestRecordAppendsInOrder(t *testing.T) {
	ctx := timeout(t)
	store := memstore.New()
	defer store.Close()
	r := telemetry.New(store)

	r.VisitedRoute(session, payload.RouteVisit{Path: "/home", At: 1})
	r.VisitedRoute(session, payload.RouteVisit{Path: "/cart", At: 2})
	r.Click(session, payload.Click{Path: "/cart", Target: "checkout", At: 3})
	require.NoError(t, r.Flush(ctx))
	require.NoError(t, r.Close(ctx))

	var routes map[string]payload.RouteVisit
	snap, err := store.Get(ctx, "session-flows/dev1/s1/visitedRoutes")
	require.NoError(t, err)
	require.NoError(t, snap.Decode(&routes))
	require.Len(t, routes, 2)

	var paths []string
	for _, k := range sortedKeys(routes) {
		paths = append(paths, routes[k].Path)
	}
	assert.Equal(t, []string{"/home", "/cart"}, paths)

	snap, err = store.Get(ctx, "session-flows/dev1/s1/userClicks")
	require.NoError(t, err)
	assert.Contains(t, string(snap.Value), `"checkout"`)
	assert.Equal(t, telemetry.Stats{Written: 3}, r.Stats())
}

func TestRecordNeverFailsWhenStoreDown(t *testing.T) {
	ctx := timeout(t)
	store := memstore.New()
	defer store.Close()
	r := telemetry.New(store)
	store.Drop()

	assert.NotPanics(t, func() {
		r.Record(telemetry.KindUserClick, session, "click")
	})
	require.NoError(t, r.Flush(ctx))
	assert.Equal(t, uint64(1), r.Stats().Failed)
	require.NoError(t, r.Close(ctx))
}

type gatedStore struct {
	*memstore.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Push(ctx context.Context, prefix string, value any) (string, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Store.Push(ctx, prefix, value)
}

func TestFullQueueDrops(t *testing.T) {
	ctx := timeout(t)
	g := &gatedStore{Store: memstore.New(), entered: make(chan struct{}, 8), release: make(chan struct{})}
	defer g.Close()
	r := telemetry.New(g, telemetry.WithQueueSize(1))

	r.Record(telemetry.KindVisitedRoute, session, "a")
	<-g.entered
	r.Record(telemetry.KindVisitedRoute, session, "b")
	r.Record(telemetry.KindVisitedRoute, session, "c")
	assert.Equal(t, uint64(1), r.Stats().Dropped)

	close(g.release)
	require.NoError(t, r.Close(ctx))
	assert.Equal(t, telemetry.Stats{Written: 2, Dropped: 1}, r.Stats())
}

func TestRecordAfterClose(t *testing.T) {
	ctx := timeout(t)
	store := memstore.New()
	defer store.Close()
	r := telemetry.New(store)
	require.NoError(t, r.Close(ctx))
	require.NoError(t, r.Close(ctx))

	r.Record(telemetry.KindUserClick, session, "late")
	assert.Equal(t, uint64(1), r.Stats().Dropped)
	assert.ErrorIs(t, r.Flush(ctx), constants.ErrClosed)
}

func TestRestoreReplacesSession(t *testing.T) {
	ctx := timeout(t)
	store := memstore.New()
	defer store.Close()
	r := telemetry.New(store)
	defer r.Close(ctx)

	r.Click(session, "stale")
	require.NoError(t, r.Flush(ctx))

	saved := map[string]any{"visitedRoutes": map[string]string{"k1": "/home"}}
	require.NoError(t, r.Restore(ctx, "dev1", "s1", saved))

	snap, err := store.Get(ctx, "session-flows/dev1/s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"visitedRoutes":{"k1":"/home"}}`, string(snap.Value))
}

func TestUnusableSessionIsDropped(t *testing.T) {
	ctx := timeout(t)
	store := memstore.New()
	defer store.Close()
	r := telemetry.New(store)
	defer r.Close(ctx)

	r.Click(session, "kept")
	r.Click(telemetry.Session{DeviceID: "dev1"}, "no session")
	r.Click(telemetry.Session{DeviceID: "dev1/s1", SessionID: "userClicks"}, "nested")
	require.NoError(t, r.Flush(ctx))
	assert.Equal(t, telemetry.Stats{Written: 1, Dropped: 2}, r.Stats())

	snap, err := store.Get(ctx, "session-flows/dev1")
	require.NoError(t, err)
	assert.NotContains(t, string(snap.Value), "no session")
	assert.NotContains(t, string(snap.Value), "nested")

	assert.ErrorIs(t, r.Restore(ctx, "", "s1", map[string]string{}), constants.ErrInvalidPath)
	assert.ErrorIs(t, r.Restore(ctx, "dev1", "", map[string]string{}), constants.ErrInvalidPath)
	snap, err = store.Get(ctx, "session-flows/dev1/s1/userClicks")
	require.NoError(t, err)
	assert.True(t, snap.Exists)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
