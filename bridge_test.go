package dalbridge_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeart/dalbridge"
	"github.com/nodeart/dalbridge/internal/treeserver"
	"github.com/nodeart/dalbridge/pkg/broker"
	"github.com/nodeart/dalbridge/pkg/config"
	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/payload"
	"github.com/nodeart/dalbridge/pkg/telemetry"
	"github.com/nodeart/dalbridge/pkg/treestore"
	"github.com/nodeart/dalbridge/pkg/treestore/memstore"
)

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// answer plays the executor for one dispatched request.
func answer(t *testing.T, ctx context.Context, c treestore.Client, key string, resp any) {
	t.Helper()
	req, err := c.Get(ctx, "search/request/"+key)
	require.NoError(t, err)
	require.True(t, req.Exists)
	require.NoError(t, c.Set(ctx, "search/response/"+key, resp))
}

func TestOpenMemory(t *testing.T) {
	ctx := timeout(t)
	b, err := dalbridge.Open(ctx, config.Default())
	require.NoError(t, err)
	defer b.Close(ctx)

	ex, err := b.Dispatch(ctx, broker.Query{
		Index:  "products",
		Type:   "product",
		Filter: map[string]any{"match": map[string]string{"id": "42"}},
	}, broker.Full)
	require.NoError(t, err)
	defer ex.Cancel()

	resp := map[string]any{
		"hits":  []any{map[string]any{"_id": "42", "_source": map[string]string{"name": "Widget"}}},
		"total": 1,
	}
	answer(t, ctx, b.Client, ex.Key, resp)
	snap, err := ex.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hits":[{"_id":"42","_source":{"name":"Widget"}}],"total":1}`, string(snap.Value))
}

func TestOpenWebsocket(t *testing.T) {
	ctx := timeout(t)
	store := memstore.New()
	defer store.Close()
	server := treeserver.New(store)
	ts := httptest.NewServer(server)
	defer ts.Close()

	cfg := config.Default()
	cfg.StoreURL = "ws" + strings.TrimPrefix(ts.URL, "http")
	cfg.StreamMode = "latest"
	b, err := dalbridge.Open(ctx, cfg)
	require.NoError(t, err)

	s, err := b.Subscribe(ctx, constants.BasketPath, "user-7")
	require.NoError(t, err)
	basket := payload.Basket{Items: []payload.BasketItem{{ProductID: "p1", Quantity: 3}}}
	require.NoError(t, b.Publish(ctx, constants.BasketPath, "user-7", basket))
	snap, err := s.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[{"productId":"p1","quantity":3}]}`, string(snap.Value))

	session := telemetry.Session{DeviceID: "dev1", SessionID: "s1"}
	b.Record(telemetry.KindVisitedRoute, session, payload.RouteVisit{Path: "/basket", At: 1})
	require.NoError(t, b.Telemetry.Flush(ctx))
	flows, err := store.Get(ctx, "session-flows/dev1/s1/visitedRoutes")
	require.NoError(t, err)
	assert.Contains(t, string(flows.Value), `"/basket"`)

	require.NoError(t, b.Close(ctx))
	assert.False(t, s.Active())
	require.Eventually(t, func() bool { return server.Sessions() == 0 }, time.Second, 10*time.Millisecond)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.StoreURL = "ftp://nowhere"
	_, err := dalbridge.Open(timeout(t), cfg)
	assert.ErrorIs(t, err, config.ErrUnknownScheme)

	_, err = dalbridge.Connect(timeout(t), "ftp://nowhere", "", zerolog.Nop())
	assert.Error(t, err)
}

func TestOpenUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.StoreURL = "ws://127.0.0.1:1"
	_, err := dalbridge.Open(timeout(t), cfg)
	assert.ErrorIs(t, err, constants.ErrStoreUnavailable)
}

func TestNewLeavesClientOpen(t *testing.T) {
	ctx := timeout(t)
	store := memstore.New()
	defer store.Close()

	b := dalbridge.New(store, dalbridge.WithResponseTimeout(20*time.Millisecond))
	_, err := b.Search(ctx, broker.Query{Index: "products", Type: "product"})
	assert.ErrorIs(t, err, constants.ErrTimeout)

	_, err = b.Subscribe(ctx, constants.OrdersPath, "o1")
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))

	assert.Equal(t, 0, store.Watches())
	_, err = store.Push(ctx, constants.OrdersPath, "still open")
	assert.NoError(t, err)
}
