package dalbridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeart/dalbridge/pkg/broker"
	"github.com/nodeart/dalbridge/pkg/config"
	"github.com/nodeart/dalbridge/pkg/logger"
	"github.com/nodeart/dalbridge/pkg/payload"
	"github.com/nodeart/dalbridge/pkg/registry"
	"github.com/nodeart/dalbridge/pkg/retention"
	"github.com/nodeart/dalbridge/pkg/storefront"
	"github.com/nodeart/dalbridge/pkg/stream"
	"github.com/nodeart/dalbridge/pkg/telemetry"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

type options struct {
	logger          zerolog.Logger
	responseTimeout time.Duration
	mode            stream.Mode
	telemetryQueue  int
	retentionTTL    time.Duration
	retentionEvery  time.Duration
	auth            storefront.AuthProvider
	index           string
	legacySeed      bool
	ownsClient      bool
}

type Option func(o *options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithResponseTimeout bounds how long Search waits for the executor.
func WithResponseTimeout(d time.Duration) Option {
	return func(o *options) {
		o.responseTimeout = d
	}
}

// WithStreamMode sets the default delivery mode of subscriptions.
func WithStreamMode(m stream.Mode) Option {
	return func(o *options) {
		o.mode = m
	}
}

func WithTelemetryQueue(n int) Option {
	return func(o *options) {
		o.telemetryQueue = n
	}
}

// WithRetention prunes correlation records older than ttl every interval.
func WithRetention(ttl, interval time.Duration) Option {
	return func(o *options) {
		o.retentionTTL = ttl
		o.retentionEvery = interval
	}
}

func WithAuth(a storefront.AuthProvider) Option {
	return func(o *options) {
		o.auth = a
	}
}

func WithSearchIndex(index string) Option {
	return func(o *options) {
		o.index = index
	}
}

func WithLegacySeed(on bool) Option {
	return func(o *options) {
		o.legacySeed = on
	}
}

// Bridge wires every service around one tree store connection.
type Bridge struct {
	Client     treestore.Client
	Broker     *broker.Broker
	Registry   *registry.Registry
	Telemetry  *telemetry.Relay
	Storefront *storefront.Storefront
	Pruner     *retention.Pruner

	logger     zerolog.Logger
	ownsClient bool

	stopPrune context.CancelFunc
	pruneDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New builds a bridge around client. Close does not close client.
func New(client treestore.Client, opts ...Option) *Bridge {
	o := options{logger: zerolog.Nop(), telemetryQueue: telemetry.DefaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bridge{
		Client:     client,
		logger:     o.logger,
		ownsClient: o.ownsClient,
		pruneDone:  make(chan struct{}),
	}
	b.Broker = broker.New(client,
		broker.WithLogger(logger.Component(o.logger, "broker")),
		broker.WithTimeout(o.responseTimeout),
	)
	b.Registry = registry.New(client,
		registry.WithLogger(logger.Component(o.logger, "registry")),
		registry.WithStreamOptions(stream.WithMode(o.mode)),
	)
	b.Telemetry = telemetry.New(client,
		telemetry.WithLogger(logger.Component(o.logger, "telemetry")),
		telemetry.WithQueueSize(o.telemetryQueue),
	)
	sfOpts := []storefront.Option{
		storefront.WithLogger(logger.Component(o.logger, "storefront")),
		storefront.WithLegacySeed(o.legacySeed),
	}
	if o.auth != nil {
		sfOpts = append(sfOpts, storefront.WithAuth(o.auth))
	}
	if o.index != "" {
		sfOpts = append(sfOpts, storefront.WithIndex(o.index))
	}
	b.Storefront = storefront.New(client, b.Broker, b.Registry, sfOpts...)
	b.Pruner = retention.New(client,
		retention.WithLogger(logger.Component(o.logger, "retention")),
		retention.WithTTL(o.retentionTTL),
		retention.WithInterval(o.retentionEvery),
	)

	ctx, cancel := context.WithCancel(context.Background())
	b.stopPrune = cancel
	go func() {
		defer close(b.pruneDone)
		_ = b.Pruner.Run(ctx)
	}()
	return b
}

// Open connects to the store named by cfg and builds a bridge that owns the
// connection. opts are applied after the ones derived from cfg.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}

	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	client, err := Connect(ctx, cfg.StoreURL, cfg.Namespace, o.logger)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithResponseTimeout(cfg.ResponseTimeout),
		WithStreamMode(mode),
		WithTelemetryQueue(cfg.TelemetryQueue),
		WithRetention(cfg.RetentionTTL, cfg.RetentionInterval),
		WithSearchIndex(cfg.SearchIndex),
		WithLegacySeed(cfg.LegacySeed),
		func(o *options) { o.ownsClient = true },
	}
	b := New(client, append(base, opts...)...)
	b.logger.Info().Str("store", cfg.StoreURL).Str("mode", mode.String()).Msg("bridge opened")
	return b, nil
}

// Dispatch sends a search query and streams its responses.
func (b *Bridge) Dispatch(ctx context.Context, q broker.Query, shape broker.Shape, opts ...stream.Option) (*broker.Exchange, error) {
	return b.Broker.Dispatch(ctx, q, shape, opts...)
}

// Search sends a search query and waits for the whole response.
func (b *Bridge) Search(ctx context.Context, q broker.Query) (*payload.SearchResponse, error) {
	return b.Broker.Search(ctx, q)
}

func (b *Bridge) Subscribe(ctx context.Context, collection, id string, opts ...stream.Option) (*stream.Stream, error) {
	return b.Registry.Subscribe(ctx, collection, id, opts...)
}

func (b *Bridge) Unsubscribe(collection, id string) {
	b.Registry.Unsubscribe(collection, id)
}

func (b *Bridge) Publish(ctx context.Context, collection, id string, value any) error {
	return b.Registry.Publish(ctx, collection, id, value)
}

// Record relays a telemetry event. It never blocks and never fails.
func (b *Bridge) Record(kind telemetry.Kind, s telemetry.Session, value any) {
	b.Telemetry.Record(kind, s, value)
}

// Close cancels every subscription, flushes telemetry until ctx ends and, when
// the bridge was opened from a config, closes the store connection.
func (b *Bridge) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.stopPrune()
		<-b.pruneDone
		b.Registry.Close()

		var errs []error
		if err := b.Telemetry.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if b.ownsClient {
			if err := b.Client.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		b.closeErr = errors.Join(errs...)
		b.logger.Info().Msg("bridge closed")
	})
	return b.closeErr
}
