package dalbridge

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/logger"
	"github.com/nodeart/dalbridge/pkg/treestore"
	"github.com/nodeart/dalbridge/pkg/treestore/memstore"
	"github.com/nodeart/dalbridge/pkg/treestore/redisstore"
	"github.com/nodeart/dalbridge/pkg/treestore/wsstore"
)

// Connect opens a tree store client for rawURL. namespace is used by backends
// that share one server between several trees.
func Connect(ctx context.Context, rawURL, namespace string, l zerolog.Logger) (treestore.Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrStoreUnavailable, err)
	}

	l = logger.Component(l, "treestore")
	switch u.Scheme {
	case constants.MemoryScheme:
		return memstore.New(memstore.WithLogger(l)), nil
	case constants.WebsocketScheme, constants.WebsocketSecureScheme:
		return wsstore.Dial(ctx, rawURL, wsstore.WithLogger(l))
	case constants.RedisScheme, constants.RedisSecureScheme:
		opts := []redisstore.Option{redisstore.WithLogger(l)}
		if namespace != "" {
			opts = append(opts, redisstore.WithNamespace(namespace))
		}
		return redisstore.Open(ctx, rawURL, opts...)
	default:
		return nil, fmt.Errorf("invalid connection URL scheme: %s", u.Scheme)
	}
}
