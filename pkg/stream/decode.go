package stream

import (
	"context"
	"fmt"

	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

// Decode unmarshals snap into T. Failures wrap constants.ErrMalformedPayload.
func Decode[T any](snap treestore.Snapshot) (T, error) {
	var v T
	if err := snap.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", constants.ErrMalformedPayload, snap.Path, err)
	}
	return v, nil
}

// NextAs reads the next snapshot and decodes it. A malformed snapshot is
// reported with constants.ErrMalformedPayload and the stream stays open, so the
// caller may keep reading.
func NextAs[T any](ctx context.Context, s *Stream) (T, treestore.Snapshot, error) {
	snap, err := s.Next(ctx)
	if err != nil {
		var zero T
		return zero, snap, err
	}
	v, err := Decode[T](snap)
	return v, snap, err
}

// First waits for the first snapshot accepted by keep, then cancels s.
// A nil keep accepts any snapshot.
func First(ctx context.Context, s *Stream, keep func(treestore.Snapshot) bool) (treestore.Snapshot, error) {
	defer s.Cancel()
	for {
		snap, err := s.Next(ctx)
		if err != nil {
			return treestore.Snapshot{}, err
		}
		if keep == nil || keep(snap) {
			return snap, nil
		}
	}
}

// Present accepts snapshots of nodes that hold data.
func Present(snap treestore.Snapshot) bool {
	return snap.Exists
}
