package storefront

import (
	"context"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/payload"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

// AddToComparison appends entry to the comparison list id and returns the
// entry key used by RemoveFromComparison.
func (s *Storefront) AddToComparison(ctx context.Context, id string, entry payload.ComparisonEntry) (string, error) {
	if err := entry.Validate(); err != nil {
		return "", err
	}
	return s.registry.Append(ctx, constants.ComparisonPath, id, entry)
}

func (s *Storefront) RemoveFromComparison(ctx context.Context, id, entryKey string) error {
	path, err := treestore.JoinSegments(constants.ComparisonPath, id, entryKey)
	if err != nil {
		return err
	}
	return s.client.Remove(ctx, path)
}

// Comparison reads the comparison list id once.
func (s *Storefront) Comparison(ctx context.Context, id string) (treestore.Snapshot, error) {
	path, err := treestore.JoinSegments(constants.ComparisonPath, id)
	if err != nil {
		return treestore.Snapshot{}, err
	}
	return s.client.Get(ctx, path)
}
