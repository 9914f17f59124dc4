// Package storefront implements the shop-facing data operations on top of the
// bridge: baskets, orders, payments, product comparison, catalog maintenance
// and user accounts.
//
// Everything here is a thin layer over the tree store path conventions shared
// with the rest of the shop. Live reads go through the registry, searches
// through the broker.
package storefront

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nodeart/dalbridge/pkg/broker"
	"github.com/nodeart/dalbridge/pkg/registry"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

// DefaultIndex is the search index user profiles are looked up in.
const DefaultIndex = "firebase"

type Option func(s *Storefront)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Storefront) {
		s.logger = l
	}
}

func WithAuth(a AuthProvider) Option {
	return func(s *Storefront) {
		s.auth = a
	}
}

func WithIndex(index string) Option {
	return func(s *Storefront) {
		s.index = index
	}
}

// WithLegacySeed keeps the "1234" placeholder in category attrs/tags lists
// the way older tooling wrote them.
func WithLegacySeed(on bool) Option {
	return func(s *Storefront) {
		s.legacySeed = on
	}
}

type Storefront struct {
	client   treestore.Client
	broker   *broker.Broker
	registry *registry.Registry
	auth     AuthProvider
	logger   zerolog.Logger

	index      string
	legacySeed bool

	// refMu serializes read-modify-write of category reference lists.
	refMu sync.Mutex
}

func New(client treestore.Client, b *broker.Broker, r *registry.Registry, opts ...Option) *Storefront {
	s := &Storefront{
		client:   client,
		broker:   b,
		registry: r,
		logger:   zerolog.Nop(),
		index:    DefaultIndex,
	}
	for _, o := range opts {
		o(s)
	}
	if s.legacySeed {
		s.logger.Warn().Msg("legacy category seed enabled")
	}
	return s
}

// record is a payload that can check itself before it is written.
type record interface {
	Validate() error
}

func (s *Storefront) push(ctx context.Context, prefix string, v record) (string, error) {
	if err := v.Validate(); err != nil {
		return "", err
	}
	return s.client.Push(ctx, prefix, v)
}
