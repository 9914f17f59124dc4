package storefront_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeart/dalbridge/pkg/broker"
	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/payload"
	"github.com/nodeart/dalbridge/pkg/registry"
	"github.com/nodeart/dalbridge/pkg/storefront"
	"github.com/nodeart/dalbridge/pkg/stream"
	"github.com/nodeart/dalbridge/pkg/treestore/memstore"
)

type fakeAuth struct {
	users    map[string]string
	signedIn string
	resets   []string
}

func (f *fakeAuth) Register(_ context.Context, email, password string) (storefront.AuthUser, error) {
	if _, ok := f.users[email]; ok {
		return storefront.AuthUser{}, errors.New("email taken")
	}
	f.users[email] = password
	return storefront.AuthUser{UID: "uid-" + email, Email: email}, nil
}

func (f *fakeAuth) SignIn(_ context.Context, email, password string) (storefront.AuthUser, error) {
	if f.users[email] != password {
		return storefront.AuthUser{}, errors.New("bad credentials")
	}
	f.signedIn = email
	return storefront.AuthUser{UID: "uid-" + email, Email: email}, nil
}

func (f *fakeAuth) SignOut(context.Context) error {
	f.signedIn = ""
	return nil
}

func (f *fakeAuth) ResetPassword(_ context.Context, email string) error {
	f.resets = append(f.resets, email)
	return nil
}

type fixture struct {
	ctx   context.Context
	store *memstore.Store
	shop  *storefront.Storefront
	auth  *fakeAuth
}

func setup(t *testing.T, opts ...storefront.Option) fixture {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	store := memstore.New()
	reg := registry.New(store)
	auth := &fakeAuth{users: map[string]string{}}
	t.Cleanup(func() {
		reg.Close()
		store.Close()
	})
	opts = append([]storefront.Option{storefront.WithAuth(auth)}, opts...)
	return fixture{
		ctx:   ctx,
		store: store,
		shop:  storefront.New(store, broker.New(store), reg, opts...),
		auth:  auth,
	}
}

func TestBasketAndHistory(t *testing.T) {
	f := setup(t)

	s, err := f.shop.Basket(f.ctx, "user-7")
	require.NoError(t, err)
	want := payload.Basket{Items: []payload.BasketItem{{ProductID: "p1", Quantity: 1, Price: 9.5}}}
	require.NoError(t, f.shop.SetBasket(f.ctx, "user-7", want))
	got, _, err := stream.NextAs[payload.Basket](f.ctx, s)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	h, err := f.shop.BasketHistory(f.ctx, "user-7")
	require.NoError(t, err)
	_, err = f.shop.RecordBasketChange(f.ctx, "user-7", payload.BasketHistoryEntry{Action: "add", ProductID: "p1", Quantity: 1, At: 5})
	require.NoError(t, err)
	entries, _, err := stream.NextAs[map[string]payload.BasketHistoryEntry](f.ctx, h)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	f.shop.CloseBasket("user-7")
	assert.False(t, s.Active())
	assert.False(t, h.Active())
	assert.Equal(t, 0, f.store.Watches())
}

func TestOrderStreamsOnlyPresent(t *testing.T) {
	f := setup(t)

	id, err := f.shop.SaveOrder(f.ctx, payload.Order{Total: 12, Status: "new"})
	require.NoError(t, err)

	s, err := f.shop.Order(f.ctx, id)
	require.NoError(t, err)
	defer s.Cancel()
	order, _, err := stream.NextAs[payload.Order](f.ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "new", order.Status)

	require.NoError(t, f.store.Remove(f.ctx, "orders/"+id))
	require.NoError(t, f.store.Set(f.ctx, "orders/"+id, payload.Order{Total: 12, Status: "paid"}))
	order, _, err = stream.NextAs[payload.Order](f.ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "paid", order.Status)
}

func TestPaymentRoundTrip(t *testing.T) {
	f := setup(t)

	key, err := f.shop.RequestPayment(f.ctx, map[string]any{"amount": 12, "currency": "EUR"}, "card")
	require.NoError(t, err)

	req, err := f.store.Get(f.ctx, "token-requests/"+key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"amount":12,"currency":"EUR"},"payMethod":"card"}`, string(req.Value))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = f.store.Set(context.Background(), "token-response/"+key, payload.PaymentResponse{Status: "ok", Token: "tok"})
	}()
	res, err := f.shop.AwaitPayment(f.ctx, key)
	require.NoError(t, err)
	assert.Equal(t, &payload.PaymentResponse{Status: "ok", Token: "tok"}, res)
	assert.Equal(t, 0, f.store.Watches())
}

func TestPaymentRejectsUnencodableData(t *testing.T) {
	f := setup(t)
	_, err := f.shop.RequestPayment(f.ctx, make(chan int), "card")
	assert.ErrorIs(t, err, constants.ErrMalformedPayload)
	_, err = f.shop.RequestPayment(f.ctx, map[string]int{"amount": 1}, "")
	assert.ErrorIs(t, err, constants.ErrMalformedPayload)
}

func TestPaymentResponsesReplacePreviousStream(t *testing.T) {
	f := setup(t)

	first, err := f.shop.PaymentResponses(f.ctx, "pay-1")
	require.NoError(t, err)
	second, err := f.shop.PaymentResponses(f.ctx, "pay-1")
	require.NoError(t, err)
	defer second.Cancel()

	assert.False(t, first.Active())
	assert.True(t, second.Active())
	assert.Equal(t, 1, f.store.Watches())

	require.NoError(t, f.store.Set(f.ctx, "token-response/pay-1", payload.PaymentResponse{Status: "ok"}))
	res, _, err := stream.NextAs[payload.PaymentResponse](f.ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
}

func TestMalformedWritesNeverReachStore(t *testing.T) {
	f := setup(t)

	err := f.shop.SetBasket(f.ctx, "user-7", payload.Basket{Items: []payload.BasketItem{{ProductID: "p1"}}})
	assert.ErrorIs(t, err, constants.ErrMalformedPayload)
	_, err = f.shop.RecordBasketChange(f.ctx, "user-7", payload.BasketHistoryEntry{})
	assert.ErrorIs(t, err, constants.ErrMalformedPayload)
	_, err = f.shop.SaveOrder(f.ctx, payload.Order{Total: -1})
	assert.ErrorIs(t, err, constants.ErrMalformedPayload)
	_, err = f.shop.AddProduct(f.ctx, payload.Product{})
	assert.ErrorIs(t, err, constants.ErrMalformedPayload)
	_, err = f.shop.AddToComparison(f.ctx, "user-7", payload.ComparisonEntry{})
	assert.ErrorIs(t, err, constants.ErrMalformedPayload)
	_, err = f.shop.AddCategory(f.ctx, payload.Category{})
	assert.ErrorIs(t, err, constants.ErrMalformedPayload)

	cat, err := f.shop.AddCategory(f.ctx, payload.Category{Name: "Hats"})
	require.NoError(t, err)
	_, err = f.shop.AddAttribute(f.ctx, payload.Attribute{}, cat)
	assert.ErrorIs(t, err, constants.ErrMalformedPayload)

	for _, path := range []string{"basket", "basket-history", "orders", "product", "comparison", "attributes"} {
		snap, err := f.store.Get(f.ctx, path)
		require.NoError(t, err)
		assert.False(t, snap.Exists, path)
	}
}

func TestIdsMustBeOneSegment(t *testing.T) {
	f := setup(t)

	k, err := f.shop.AddToComparison(f.ctx, "user-7", payload.ComparisonEntry{ProductID: "p1"})
	require.NoError(t, err)
	cat, err := f.shop.AddCategory(f.ctx, payload.Category{Name: "Hats"})
	require.NoError(t, err)

	for _, id := range []string{"", "user-7/" + k} {
		assert.ErrorIs(t, f.shop.SetBasket(f.ctx, id, payload.Basket{}), constants.ErrInvalidPath, id)
		_, err = f.shop.Basket(f.ctx, id)
		assert.ErrorIs(t, err, constants.ErrInvalidPath, id)
		_, err = f.shop.Order(f.ctx, id)
		assert.ErrorIs(t, err, constants.ErrInvalidPath, id)
		_, err = f.shop.PaymentResponses(f.ctx, id)
		assert.ErrorIs(t, err, constants.ErrInvalidPath, id)
		_, err = f.shop.Comparison(f.ctx, id)
		assert.ErrorIs(t, err, constants.ErrInvalidPath, id)
		_, err = f.shop.Category(f.ctx, id)
		assert.ErrorIs(t, err, constants.ErrInvalidPath, id)
		_, err = f.shop.AddTag(f.ctx, payload.Tag{Name: "x"}, id)
		assert.ErrorIs(t, err, constants.ErrInvalidPath, id)
	}
	assert.ErrorIs(t, f.shop.RemoveFromComparison(f.ctx, "user-7", ""), constants.ErrInvalidPath)
	assert.ErrorIs(t, f.shop.RemoveFromComparison(f.ctx, "", "user-7"), constants.ErrInvalidPath)

	snap, err := f.shop.Comparison(f.ctx, "user-7")
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	snap, err = f.store.Get(f.ctx, "tags")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	_, err = f.shop.Category(f.ctx, cat)
	require.NoError(t, err)
}

func TestComparison(t *testing.T) {
	f := setup(t)

	k1, err := f.shop.AddToComparison(f.ctx, "user-7", payload.ComparisonEntry{ProductID: "p1", Product: payload.Product{Name: "Widget"}})
	require.NoError(t, err)
	_, err = f.shop.AddToComparison(f.ctx, "user-7", payload.ComparisonEntry{ProductID: "p2", Product: payload.Product{Name: "Gadget"}})
	require.NoError(t, err)
	require.NoError(t, f.shop.RemoveFromComparison(f.ctx, "user-7", k1))

	snap, err := f.shop.Comparison(f.ctx, "user-7")
	require.NoError(t, err)
	var entries map[string]payload.ComparisonEntry
	require.NoError(t, snap.Decode(&entries))
	require.Len(t, entries, 1)
	for _, e := range entries {
		assert.Equal(t, "p2", e.ProductID)
	}
}

func seedCategory(t *testing.T, f fixture, refs payload.RefList) string {
	t.Helper()
	id, err := f.shop.AddCategory(f.ctx, payload.Category{Name: "Shoes", Attrs: refs, Tags: refs})
	require.NoError(t, err)
	return id
}

func TestAddAttributeStripsSeed(t *testing.T) {
	f := setup(t)
	cat := seedCategory(t, f, payload.RefList{"1234", "1234"})

	a1, err := f.shop.AddAttribute(f.ctx, payload.Attribute{Name: "size"}, cat)
	require.NoError(t, err)
	a2, err := f.shop.AddAttribute(f.ctx, payload.Attribute{Name: "color"}, cat)
	require.NoError(t, err)
	tag, err := f.shop.AddTag(f.ctx, payload.Tag{Name: "summer"}, cat)
	require.NoError(t, err)

	c, err := f.shop.Category(f.ctx, cat)
	require.NoError(t, err)
	assert.Equal(t, payload.RefList{a1, a2}, c.Attrs)
	assert.Equal(t, payload.RefList{tag}, c.Tags)

	snap, err := f.store.Get(f.ctx, "attributes/"+a1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"size"}`, string(snap.Value))
}

func TestAddAttributeCreatesMissingList(t *testing.T) {
	f := setup(t)
	cat, err := f.shop.AddCategory(f.ctx, payload.Category{Name: "Hats"})
	require.NoError(t, err)

	a, err := f.shop.AddAttribute(f.ctx, payload.Attribute{Name: "size"}, cat)
	require.NoError(t, err)
	c, err := f.shop.Category(f.ctx, cat)
	require.NoError(t, err)
	assert.Equal(t, payload.RefList{a}, c.Attrs)
}

func TestLegacySeed(t *testing.T) {
	f := setup(t, storefront.WithLegacySeed(true))
	cat := seedCategory(t, f, payload.RefList{"1234", "1234"})

	a1, err := f.shop.AddAttribute(f.ctx, payload.Attribute{Name: "size"}, cat)
	require.NoError(t, err)
	a2, err := f.shop.AddAttribute(f.ctx, payload.Attribute{Name: "color"}, cat)
	require.NoError(t, err)

	c, err := f.shop.Category(f.ctx, cat)
	require.NoError(t, err)
	assert.Equal(t, payload.RefList{"1234", a1, a2}, c.Attrs)

	bare, err := f.shop.AddCategory(f.ctx, payload.Category{Name: "Hats"})
	require.NoError(t, err)
	_, err = f.shop.AddTag(f.ctx, payload.Tag{Name: "x"}, bare)
	require.NoError(t, err)
	c, err = f.shop.Category(f.ctx, bare)
	require.NoError(t, err)
	assert.Empty(t, c.Tags)
}

func TestCatalogWrites(t *testing.T) {
	f := setup(t)

	p, err := f.shop.AddProduct(f.ctx, payload.Product{Name: "Widget", Price: 3})
	require.NoError(t, err)
	g, err := f.shop.AddGeneralCategory(f.ctx, payload.Category{Name: "Clothes"})
	require.NoError(t, err)

	snap, err := f.store.Get(f.ctx, "product/"+p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Widget","price":3}`, string(snap.Value))
	snap, err = f.store.Get(f.ctx, "general-category/"+g)
	require.NoError(t, err)
	assert.True(t, snap.Exists)
}

func TestRegisterUserDropsPassword(t *testing.T) {
	f := setup(t)

	id, err := f.shop.RegisterUser(f.ctx, storefront.Registration{
		Email:    "a@b.c",
		Password: "secret",
		Fields:   map[string]string{"name": "Ann"},
	})
	require.NoError(t, err)

	snap, err := f.store.Get(f.ctx, "user/"+id)
	require.NoError(t, err)
	assert.NotContains(t, string(snap.Value), "secret")
	assert.JSONEq(t, `{"email":"a@b.c","firebaseUId":"uid-a@b.c","name":"Ann"}`, string(snap.Value))
	var profile payload.UserProfile
	require.NoError(t, snap.Decode(&profile))
	assert.Equal(t, "uid-a@b.c", profile.FirebaseUID)
	assert.Equal(t, "Ann", profile.Fields["name"])

	_, err = f.shop.RegisterUser(f.ctx, storefront.Registration{Email: "a@b.c", Password: "x"})
	assert.Error(t, err)

	u, err := f.shop.SignIn(f.ctx, "a@b.c", "secret")
	require.NoError(t, err)
	assert.Equal(t, "uid-a@b.c", u.UID)
	require.NoError(t, f.shop.SignOut(f.ctx))
	require.NoError(t, f.shop.ResetPassword(f.ctx, "a@b.c"))
	assert.Equal(t, []string{"a@b.c"}, f.auth.resets)
}

func TestAuthRequired(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	shop := storefront.New(store, broker.New(store), registry.New(store))

	_, err := shop.RegisterUser(context.Background(), storefront.Registration{Email: "a@b.c"})
	assert.ErrorIs(t, err, storefront.ErrNoAuth)
	_, err = shop.SignIn(context.Background(), "a@b.c", "x")
	assert.ErrorIs(t, err, storefront.ErrNoAuth)
}

func TestUserDataSearchesByUID(t *testing.T) {
	f := setup(t)

	ex, err := f.shop.UserData(f.ctx, "uid-1")
	require.NoError(t, err)
	defer ex.Cancel()

	req, err := f.store.Get(f.ctx, "search/request/"+ex.Key)
	require.NoError(t, err)
	var sr payload.SearchRequest
	require.NoError(t, req.Decode(&sr))
	assert.Equal(t, storefront.DefaultIndex, sr.Index)
	assert.Equal(t, "user", sr.Type)
	assert.JSONEq(t, `{"query":{"match":{"firebaseUId":"uid-1"}}}`, sr.Query)

	hits := json.RawMessage(`[{"_id":"u1","_source":{"email":"a@b.c"}}]`)
	require.NoError(t, f.store.Set(f.ctx, "search/response/"+ex.Key, map[string]any{"hits": hits, "total": 1}))
	snap, err := ex.Next(f.ctx)
	require.NoError(t, err)
	got, err := payload.DecodeHits(snap)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].ID)
}
