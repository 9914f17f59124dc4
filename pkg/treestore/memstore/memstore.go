// Package memstore is an in-process tree store.
//
// It implements [treestore.Client] with the same watch semantics as the remote
// backends and is what the tree store server exposes over websockets. Drop and
// Restore simulate the loss and return of the store connection.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nodeart/dalbridge/internal/keygen"
	"github.com/nodeart/dalbridge/internal/tree"
	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

type Option func(s *Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

func WithKeys(g *keygen.Generator) Option {
	return func(s *Store) {
		s.keys = g
	}
}

type Store struct {
	mu     sync.Mutex
	leaves tree.Leaves
	hub    *tree.Hub
	keys   *keygen.Generator
	logger zerolog.Logger

	offline bool
	closed  bool
}

var _ treestore.Client = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{
		leaves: tree.Leaves{},
		hub:    tree.NewHub(),
		keys:   keygen.New(),
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) available() error {
	if s.closed {
		return constants.ErrClosed
	}
	if s.offline {
		return constants.ErrStoreUnavailable
	}
	return nil
}

func (s *Store) Push(ctx context.Context, prefix string, value any) (string, error) {
	prefix, err := treestore.Clean(prefix)
	if err != nil {
		return "", err
	}
	data, err := tree.Encode(value)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.available(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := s.keys.Next()
	if err := s.setLocked(treestore.Join(prefix, key), data); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	path, err := treestore.Clean(path)
	if err != nil {
		return err
	}
	data, err := tree.Encode(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.available(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.setLocked(path, data)
}

func (s *Store) setLocked(path string, data []byte) error {
	leaves, err := tree.Flatten(path, data)
	if err != nil {
		return err
	}
	s.leaves.Set(path, leaves)
	s.hub.Notify(path, s.leaves.Read)
	s.logger.Debug().Str("path", path).Int("leaves", len(leaves)).Msg("set")
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (treestore.Snapshot, error) {
	path, err := treestore.Clean(path)
	if err != nil {
		return treestore.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.available(); err != nil {
		return treestore.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return treestore.Snapshot{}, err
	}
	return s.leaves.Read(path)
}

func (s *Store) Remove(ctx context.Context, path string) error {
	path, err := treestore.Clean(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.available(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.leaves.Remove(path)
	s.hub.Notify(path, s.leaves.Read)
	s.logger.Debug().Str("path", path).Msg("remove")
	return nil
}

func (s *Store) Watch(ctx context.Context, path string, fn treestore.Listener) (treestore.Handle, error) {
	path, err := treestore.Clean(path)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("memstore: nil listener for %q", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.available(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	initial, err := s.leaves.Read(path)
	if err != nil {
		return nil, err
	}
	w, err := s.hub.Add(path, fn, initial)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Watches is the number of listeners currently registered.
func (s *Store) Watches() int {
	return s.hub.Len()
}

// Drop simulates a lost connection: every watch ends with
// constants.ErrConnectionLost and calls fail until Restore. Data is kept.
func (s *Store) Drop() {
	s.mu.Lock()
	s.offline = true
	s.mu.Unlock()
	s.hub.Terminate(constants.ErrConnectionLost)
	s.logger.Warn().Msg("connection dropped")
}

func (s *Store) Restore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = false
	s.hub.Reopen()
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.hub.Terminate(constants.ErrConnectionLost)
	return nil
}
