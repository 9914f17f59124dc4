package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodeart/dalbridge"
	"github.com/nodeart/dalbridge/pkg/logger"
	"github.com/nodeart/dalbridge/pkg/retention"
)

type pruneOptions struct {
	ttl time.Duration
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &pruneOptions{}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove correlation records older than the retention TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd, rootOpts, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 0, "retention TTL, overrides the config")

	return cmd
}

func runPrune(cmd *cobra.Command, rootOpts *RootOptions, opts *pruneOptions) error {
	cfg, err := rootOpts.load()
	if err != nil {
		return err
	}
	if opts.ttl > 0 {
		cfg.RetentionTTL = opts.ttl
	}
	if cfg.RetentionTTL <= 0 {
		return fmt.Errorf("retention ttl is not set")
	}
	logs, err := rootOpts.logger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logs.Close()

	ctx := cmd.Context()
	client, err := dalbridge.Connect(ctx, cfg.StoreURL, cfg.Namespace, logs.Logger)
	if err != nil {
		return err
	}
	defer client.Close()

	p := retention.New(client,
		retention.WithLogger(logger.Component(logs.Logger, "retention")),
		retention.WithTTL(cfg.RetentionTTL),
	)
	r, err := p.Sweep(ctx, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed=%d kept=%d foreign=%d\n", r.Removed, r.Kept, r.Foreign)
	return nil
}
