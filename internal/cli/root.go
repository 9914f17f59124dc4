package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/nodeart/dalbridge/pkg/config"
	"github.com/nodeart/dalbridge/pkg/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	EnvFile    string
	LogLevel   string
	Pretty     bool
}

// NewRootCommand creates the root command for the dalbridge CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dalbridge",
		Short: "Data-access bridge over a realtime tree store",
		Long: `dalbridge serves a tree store over websockets, sends search queries through
the request/response bus and prunes stale correlation records.

Settings come from --config, --env-file and DALBRIDGE_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", ".env file loaded before the environment")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level, overrides the config")
	cmd.PersistentFlags().BoolVar(&opts.Pretty, "pretty", false, "human readable logs")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))

	return cmd
}

func (o *RootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigFile, o.EnvFile)
	if err != nil {
		return nil, err
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.Pretty {
		cfg.LogPretty = true
	}
	return cfg, nil
}

// logger builds the command logger. Logs go to stderr unless the config names
// a file, so stdout stays parseable.
func (o *RootOptions) logger(cfg *config.Config, stderr io.Writer) (*logger.LogData, error) {
	b := logger.New().Level(cfg.LogLevel).Pretty(cfg.LogPretty)
	if cfg.LogPath != "" {
		b = b.FromPath(cfg.LogPath)
	} else {
		b = b.FromBuffer(stderr)
	}
	return b.Make()
}
