package cli

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/nodeart/dalbridge"
	"github.com/nodeart/dalbridge/pkg/broker"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

type queryOptions struct {
	index  string
	typ    string
	filter string
	shape  string
	watch  bool
}

// ValidShapes are the accepted --shape values.
var ValidShapes = map[string]broker.Shape{
	"full":  broker.Full,
	"hits":  broker.Hits,
	"total": broker.Total,
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &queryOptions{}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Send a search query through the request/response bus",
		Long: `Append a search request and print the executor's response as one JSON
line per snapshot. Without --watch the first present response is printed and
the command exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, rootOpts, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.index, "index", "i", "", "search index")
	cmd.Flags().StringVarP(&opts.typ, "type", "t", "", "document type")
	cmd.Flags().StringVarP(&opts.filter, "filter", "f", "{}", "query filter as JSON")
	cmd.Flags().StringVar(&opts.shape, "shape", "full", "response part: full, hits or total")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "keep printing every response update")
	_ = cmd.MarkFlagRequired("index")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

type queryOutput struct {
	Key    string          `json:"key"`
	Exists bool            `json:"exists"`
	Value  json.RawMessage `json:"value,omitempty"`
}

func printSnapshot(w io.Writer, key string, snap treestore.Snapshot) error {
	line, err := json.Marshal(queryOutput{Key: key, Exists: snap.Exists, Value: snap.Value})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(line))
	return err
}

func runQuery(cmd *cobra.Command, rootOpts *RootOptions, opts *queryOptions) error {
	shape, ok := ValidShapes[opts.shape]
	if !ok {
		return fmt.Errorf("invalid shape %q: must be full, hits or total", opts.shape)
	}
	if !json.Valid([]byte(opts.filter)) {
		return fmt.Errorf("invalid filter: not JSON")
	}

	cfg, err := rootOpts.load()
	if err != nil {
		return err
	}
	logs, err := rootOpts.logger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logs.Close()

	ctx := cmd.Context()
	b, err := dalbridge.Open(ctx, cfg, dalbridge.WithLogger(logs.Logger))
	if err != nil {
		return err
	}
	defer b.Close(ctx)

	q := broker.Query{Index: opts.index, Type: opts.typ, Filter: json.RawMessage(opts.filter)}
	if !opts.watch {
		r, err := b.Broker.Await(ctx, q, shape)
		if err != nil {
			return err
		}
		return printSnapshot(cmd.OutOrStdout(), r.Key, r.Snapshot)
	}

	ex, err := b.Dispatch(ctx, q, shape)
	if err != nil {
		return err
	}
	defer ex.Cancel()
	for {
		snap, err := ex.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := printSnapshot(cmd.OutOrStdout(), ex.Key, snap); err != nil {
			return err
		}
	}
}
