package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/payload"
	"github.com/nodeart/dalbridge/pkg/registry"
	"github.com/nodeart/dalbridge/pkg/stream"
	"github.com/nodeart/dalbridge/pkg/treestore/memstore"
)

func setup(t *testing.T) (context.Context, *memstore.Store, *registry.Registry) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	store := memstore.New()
	r := registry.New(store)
	t.Cleanup(func() {
		r.Close()
		store.Close()
	})
	return ctx, store, r
}

func TestBasketRoundTrip(t *testing.T) {
	ctx, _, r := setup(t)

	s, err := r.Subscribe(ctx, constants.BasketPath, "user-7")
	require.NoError(t, err)
	assert.Equal(t, "basket/user-7", s.Path())
	assert.Equal(t, 1, r.Active())

	first := payload.Basket{Items: []payload.BasketItem{{ProductID: "p1", Quantity: 2}}}
	require.NoError(t, r.Publish(ctx, constants.BasketPath, "user-7", first))
	got, _, err := stream.NextAs[payload.Basket](ctx, s)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	second := payload.Basket{Items: []payload.BasketItem{{ProductID: "p1", Quantity: 2}, {ProductID: "p9", Quantity: 1}}}
	require.NoError(t, r.Publish(ctx, constants.BasketPath, "user-7", second))
	got, _, err = stream.NextAs[payload.Basket](ctx, s)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx, store, r := setup(t)

	s, err := r.Subscribe(ctx, constants.BasketPath, "user-7")
	require.NoError(t, err)
	r.Unsubscribe(constants.BasketPath, "user-7")
	assert.Equal(t, 0, r.Active())
	assert.Equal(t, 0, store.Watches())

	require.NoError(t, r.Publish(ctx, constants.BasketPath, "user-7", payload.Basket{}))
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, constants.ErrStreamClosed)

	r.Unsubscribe(constants.BasketPath, "user-7")
	r.Unsubscribe(constants.BasketPath, "nobody")
}

func TestResubscribeReplacesWatch(t *testing.T) {
	ctx, store, r := setup(t)

	old, err := r.Subscribe(ctx, constants.BasketPath, "user-7")
	require.NoError(t, err)
	cur, err := r.Subscribe(ctx, constants.BasketPath, "user-7", stream.WithMode(stream.LatestOnly))
	require.NoError(t, err)

	assert.False(t, old.Active())
	assert.ErrorIs(t, old.Err(), constants.ErrStreamClosed)
	assert.Equal(t, 1, r.Active())
	assert.Equal(t, 1, store.Watches())

	require.NoError(t, r.Publish(ctx, constants.BasketPath, "user-7", map[string]int{"v": 1}))
	snap, err := cur.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(snap.Value))
}

func TestOwnCancelDropsEntry(t *testing.T) {
	ctx, _, r := setup(t)

	s, err := r.Subscribe(ctx, constants.OrdersPath, "o1")
	require.NoError(t, err)
	s.Cancel()
	assert.Equal(t, 0, r.Active())
}

func TestConnectionLossDropsEntries(t *testing.T) {
	ctx, store, r := setup(t)

	a, err := r.Subscribe(ctx, constants.BasketPath, "a")
	require.NoError(t, err)
	_, err = r.Subscribe(ctx, constants.BasketPath, "b")
	require.NoError(t, err)

	store.Drop()
	_, err = a.Next(ctx)
	require.ErrorIs(t, err, constants.ErrConnectionLost)
	require.Eventually(t, func() bool { return r.Active() == 0 }, time.Second, 5*time.Millisecond)

	_, err = r.Subscribe(ctx, constants.BasketPath, "a")
	assert.ErrorIs(t, err, constants.ErrStoreUnavailable)
	assert.Equal(t, 0, r.Active())
}

func TestAppend(t *testing.T) {
	ctx, store, r := setup(t)

	k1, err := r.Append(ctx, constants.BasketHistoryPath, "user-7", payload.BasketHistoryEntry{Action: "add", ProductID: "p1", At: 1})
	require.NoError(t, err)
	k2, err := r.Append(ctx, constants.BasketHistoryPath, "user-7", payload.BasketHistoryEntry{Action: "remove", ProductID: "p1", At: 2})
	require.NoError(t, err)
	assert.Less(t, k1, k2)

	snap, err := store.Get(ctx, "basket-history/user-7/"+k2)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"remove","productId":"p1","at":2}`, string(snap.Value))
}

func TestClose(t *testing.T) {
	ctx, store, r := setup(t)

	s, err := r.Subscribe(ctx, constants.ComparisonPath, "user-7")
	require.NoError(t, err)
	r.Close()

	assert.False(t, s.Active())
	assert.Equal(t, 0, store.Watches())
	_, err = r.Subscribe(ctx, constants.ComparisonPath, "user-7")
	assert.ErrorIs(t, err, constants.ErrClosed)
}

func TestIdentityMustBeOneSegment(t *testing.T) {
	ctx, store, r := setup(t)

	kept := payload.Basket{Items: []payload.BasketItem{{ProductID: "p1", Quantity: 1}}}
	require.NoError(t, r.Publish(ctx, constants.BasketPath, "user-7", kept))

	for _, id := range []string{"", "user-7/items", "/user-7"} {
		assert.ErrorIs(t, r.Publish(ctx, constants.BasketPath, id, payload.Basket{}), constants.ErrInvalidPath, id)
		_, err := r.Append(ctx, constants.BasketPath, id, payload.Basket{})
		assert.ErrorIs(t, err, constants.ErrInvalidPath, id)
		_, err = r.Subscribe(ctx, constants.BasketPath, id)
		assert.ErrorIs(t, err, constants.ErrInvalidPath, id)
		r.Unsubscribe(constants.BasketPath, id)
	}
	_, err := r.Subscribe(ctx, "", "user-7")
	assert.ErrorIs(t, err, constants.ErrInvalidPath)
	assert.ErrorIs(t, r.Publish(ctx, "", "user-7", payload.Basket{}), constants.ErrInvalidPath)

	assert.Equal(t, 0, r.Active())
	assert.Equal(t, 0, store.Watches())
	snap, err := store.Get(ctx, "basket/user-7")
	require.NoError(t, err)
	var got payload.Basket
	require.NoError(t, snap.Decode(&got))
	assert.Equal(t, kept, got)
}
