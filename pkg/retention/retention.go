// Package retention removes stale correlation records.
//
// Neither the broker nor the executor deletes search/request or
// search/response children, so without a Pruner they accumulate forever. A
// record's age comes from the timestamp encoded in its key; keys that carry
// no timestamp are never removed.
package retention

import (
	"context"
	"errors"
	"time"

	"github.com/buger/jsonparser"
	"github.com/rs/zerolog"

	"github.com/nodeart/dalbridge/internal/keygen"
	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

// Store is the part of a tree store client the pruner uses.
type Store interface {
	Get(ctx context.Context, path string) (treestore.Snapshot, error)
	Remove(ctx context.Context, path string) error
}

const DefaultInterval = time.Minute

type Option func(p *Pruner)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Pruner) {
		p.logger = l
	}
}

// WithTTL sets the age past which records are removed. Zero disables pruning.
func WithTTL(d time.Duration) Option {
	return func(p *Pruner) {
		p.ttl = d
	}
}

func WithInterval(d time.Duration) Option {
	return func(p *Pruner) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithClock replaces time.Now for Run.
func WithClock(now func() time.Time) Option {
	return func(p *Pruner) {
		p.now = now
	}
}

type Pruner struct {
	store    Store
	logger   zerolog.Logger
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	prefixes []string
}

func New(store Store, opts ...Option) *Pruner {
	p := &Pruner{
		store:    store,
		logger:   zerolog.Nop(),
		interval: DefaultInterval,
		now:      time.Now,
		prefixes: []string{constants.SearchRequestPath, constants.SearchResponsePath},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pruner) Enabled() bool {
	return p.ttl > 0
}

type Report struct {
	Removed int
	Kept    int
	// Foreign counts children whose key has no timestamp.
	Foreign int
}

func (r *Report) add(o Report) {
	r.Removed += o.Removed
	r.Kept += o.Kept
	r.Foreign += o.Foreign
}

// Sweep removes every correlation record older than the TTL at now.
// It stops at the first store error and reports what it did so far.
func (p *Pruner) Sweep(ctx context.Context, now time.Time) (Report, error) {
	var total Report
	if !p.Enabled() {
		return total, nil
	}
	cutoff := now.Add(-p.ttl)
	for _, prefix := range p.prefixes {
		r, err := p.sweep(ctx, prefix, cutoff)
		total.add(r)
		if err != nil {
			return total, err
		}
	}
	p.logger.Debug().
		Int("removed", total.Removed).
		Int("kept", total.Kept).
		Int("foreign", total.Foreign).
		Msg("retention sweep")
	return total, nil
}

func (p *Pruner) sweep(ctx context.Context, prefix string, cutoff time.Time) (Report, error) {
	var r Report
	snap, err := p.store.Get(ctx, prefix)
	if err != nil || !snap.Exists {
		return r, err
	}

	var stale []string
	err = jsonparser.ObjectEach(snap.Value, func(key, _ []byte, _ jsonparser.ValueType, _ int) error {
		t, ok := keygen.Time(string(key))
		switch {
		case !ok:
			r.Foreign++
		case t.Before(cutoff):
			stale = append(stale, string(key))
		default:
			r.Kept++
		}
		return nil
	})
	if err != nil {
		// Not an object: children keyed 0..n-1, none of them generated keys.
		n := 0
		_, _ = jsonparser.ArrayEach(snap.Value, func([]byte, jsonparser.ValueType, int, error) { n++ })
		r.Foreign += n
		return r, nil
	}

	for _, key := range stale {
		if err := p.store.Remove(ctx, treestore.Join(prefix, key)); err != nil {
			return r, err
		}
		r.Removed++
	}
	return r, nil
}

// Run sweeps every interval until ctx ends. It returns nil right away when
// pruning is disabled.
func (p *Pruner) Run(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := p.Sweep(ctx, p.now()); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				p.logger.Warn().Err(err).Msg("retention sweep failed")
			}
		}
	}
}
