package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nodeart/dalbridge/internal/treeserver"
	"github.com/nodeart/dalbridge/pkg/config"
	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/logger"
	"github.com/nodeart/dalbridge/pkg/retention"
	"github.com/nodeart/dalbridge/pkg/treestore"
	"github.com/nodeart/dalbridge/pkg/treestore/memstore"
	"github.com/nodeart/dalbridge/pkg/treestore/redisstore"
)

const shutdownTimeout = 5 * time.Second

type serveOptions struct {
	listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose a tree store over websockets",
		Long: `Serve the configured tree store at ws://<listen>/rpc.

The store URL must be mem:// or redis(s)://. With redis several servers can
share one tree. Retention runs here when a TTL is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.listen, "listen", "l", "", "listen address, overrides the config")

	return cmd
}

func backingStore(ctx context.Context, cfg *config.Config, l zerolog.Logger) (treestore.Client, error) {
	u, err := url.Parse(cfg.StoreURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case constants.MemoryScheme:
		return memstore.New(memstore.WithLogger(l)), nil
	case constants.RedisScheme, constants.RedisSecureScheme:
		return redisstore.Open(ctx, cfg.StoreURL, redisstore.WithLogger(l), redisstore.WithNamespace(cfg.Namespace))
	}
	return nil, fmt.Errorf("cannot serve a %s:// store", u.Scheme)
}

func runServe(cmd *cobra.Command, rootOpts *RootOptions, opts *serveOptions) error {
	cfg, err := rootOpts.load()
	if err != nil {
		return err
	}
	if opts.listen != "" {
		cfg.ListenAddr = opts.listen
	}
	logs, err := rootOpts.logger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logs.Close()
	log := logs.Logger

	ctx := cmd.Context()
	store, err := backingStore(ctx, cfg, logger.Component(log, "treestore"))
	if err != nil {
		return err
	}
	defer store.Close()

	pruner := retention.New(store,
		retention.WithLogger(logger.Component(log, "retention")),
		retention.WithTTL(cfg.RetentionTTL),
		retention.WithInterval(cfg.RetentionInterval),
	)
	go func() { _ = pruner.Run(ctx) }()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           treeserver.New(store, treeserver.WithLogger(logger.Component(log, "treeserver"))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", ln.Addr())
	log.Info().Str("addr", ln.Addr().String()).Str("store", cfg.StoreURL).Msg("serving")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Msg("stopped")
	return nil
}
