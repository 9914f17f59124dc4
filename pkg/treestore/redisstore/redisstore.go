// Package redisstore shares a tree through Redis.
//
// The tree of one namespace lives in a single hash whose fields are leaf paths
// and whose values are JSON scalars. Every write is one Lua script: it drops
// the replaced subtree, stores the new leaves, bumps the namespace version and
// publishes the change with that version. Each Store keeps one subscription
// and applies the published changes to a mirror per watch, so watchers see
// every write in version order. A missed version or a failed health check ends
// every watch with constants.ErrConnectionLost.
package redisstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nodeart/dalbridge/internal/keygen"
	"github.com/nodeart/dalbridge/internal/tree"
	"github.com/nodeart/dalbridge/pkg/constants"
	"github.com/nodeart/dalbridge/pkg/treestore"
)

const (
	DefaultNamespace      = "dalbridge"
	DefaultHealthInterval = 5 * time.Second
)

// Path segments cannot hold glob metacharacters, so the HSCAN patterns below
// are literal.
var (
	replaceScript = redis.NewScript(`
local hash = KEYS[1]
local path = ARGV[1]
local stale = {}
if path == "" then
  stale = redis.call("HKEYS", hash)
else
  if redis.call("HEXISTS", hash, path) == 1 then
    stale[#stale + 1] = path
  end
  local cursor = "0"
  repeat
    local page = redis.call("HSCAN", hash, cursor, "MATCH", path .. "/*", "COUNT", 256)
    cursor = page[1]
    local kv = page[2]
    for i = 1, #kv, 2 do
      stale[#stale + 1] = kv[i]
    end
  until cursor == "0"
end
local n = tonumber(ARGV[4])
for i = 5, 4 + n do
  stale[#stale + 1] = ARGV[i]
end
for i = 1, #stale, 512 do
  redis.call("HDEL", hash, unpack(stale, i, math.min(i + 511, #stale)))
end
for i = 5 + n, #ARGV, 512 do
  redis.call("HSET", hash, unpack(ARGV, i, math.min(i + 511, #ARGV)))
end
local version = redis.call("INCR", KEYS[2])
redis.call("PUBLISH", ARGV[2], version .. "\n" .. ARGV[3])
return version
`)

	readScript = redis.NewScript(`
local hash = KEYS[1]
local path = ARGV[1]
local out = {redis.call("GET", KEYS[2]) or "0"}
if path == "" then
  local all = redis.call("HGETALL", hash)
  for i = 1, #all do
    out[#out + 1] = all[i]
  end
  return out
end
local v = redis.call("HGET", hash, path)
if v then
  out[#out + 1] = path
  out[#out + 1] = v
end
local cursor = "0"
repeat
  local page = redis.call("HSCAN", hash, cursor, "MATCH", path .. "/*", "COUNT", 256)
  cursor = page[1]
  local kv = page[2]
  for i = 1, #kv do
    out[#out + 1] = kv[i]
  end
until cursor == "0"
return out
`)
)

type Option func(s *Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

func WithNamespace(ns string) Option {
	return func(s *Store) {
		s.namespace = ns
	}
}

// WithHealthInterval sets how often the connection is pinged. A failed ping
// ends every watch.
func WithHealthInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.health = d
		}
	}
}

// change is the message published for every write.
type change struct {
	Path   string      `json:"path"`
	Leaves tree.Leaves `json:"leaves"`
}

// mirror holds the leaves of one watched subtree as of version.
type mirror struct {
	version uint64
	leaves  tree.Leaves
}

type Store struct {
	client    *redis.Client
	pubsub    *redis.PubSub
	namespace string
	health    time.Duration
	keys      *keygen.Generator
	hub       *tree.Hub
	logger    zerolog.Logger

	mu      sync.Mutex
	mirrors map[*tree.Watch]*mirror

	// seen is the last version applied; only listen touches it after New.
	seen uint64

	done      chan struct{}
	endOnce   sync.Once
	endErr    error
	closeOnce sync.Once
}

var _ treestore.Client = (*Store)(nil)

// Open parses a redis:// URL, checks the connection and subscribes to changes.
func Open(ctx context.Context, rawURL string, opts ...Option) (*Store, error) {
	redisOpts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	return New(ctx, redis.NewClient(redisOpts), opts...)
}

// New takes ownership of client; Close closes it.
func New(ctx context.Context, client *redis.Client, opts ...Option) (*Store, error) {
	s := &Store{
		client:    client,
		namespace: DefaultNamespace,
		health:    DefaultHealthInterval,
		keys:      keygen.New(),
		hub:       tree.NewHub(),
		logger:    zerolog.Nop(),
		mirrors:   make(map[*tree.Watch]*mirror),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", constants.ErrStoreUnavailable, err)
	}

	s.pubsub = client.Subscribe(ctx, s.channel())
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", constants.ErrStoreUnavailable, err)
	}

	// Changes published before this read are already part of the tree.
	seen, err := client.Get(ctx, s.versionKey()).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		_ = s.pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("%w: version: %v", constants.ErrStoreUnavailable, err)
	}
	s.seen = seen

	go s.listen(s.pubsub.Channel(redis.WithChannelHealthCheckInterval(s.health)))
	go s.monitor()

	return s, nil
}

func (s *Store) hashKey() string    { return s.namespace + ":tree" }
func (s *Store) versionKey() string { return s.namespace + ":version" }
func (s *Store) channel() string    { return s.namespace + ":changes" }

func unavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", constants.ErrStoreUnavailable, err)
}

// ended returns why the store stopped serving, or nil while it is live.
func (s *Store) ended() error {
	select {
	case <-s.done:
		return s.endErr
	default:
		return nil
	}
}

// end stops the store once: later calls fail with cause and every open watch
// ends with constants.ErrConnectionLost.
func (s *Store) end(cause error) {
	s.endOnce.Do(func() {
		s.endErr = cause
		close(s.done)

		s.mu.Lock()
		s.mirrors = make(map[*tree.Watch]*mirror)
		s.mu.Unlock()

		lost := cause
		if !errors.Is(lost, constants.ErrConnectionLost) {
			lost = fmt.Errorf("%w: %v", constants.ErrConnectionLost, cause)
		}
		s.hub.Terminate(lost)
	})
}

func (s *Store) Push(ctx context.Context, prefix string, value any) (string, error) {
	prefix, err := treestore.Clean(prefix)
	if err != nil {
		return "", err
	}
	key := s.keys.Next()
	if err := s.Set(ctx, treestore.Join(prefix, key), value); err != nil {
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
	leaves, err := tree.Flatten(path, data)
	if err != nil {
		return err
	}
	return s.replace(ctx, path, leaves)
}

func (s *Store) Remove(ctx context.Context, path string) error {
	path, err := treestore.Clean(path)
	if err != nil {
		return err
	}
	return s.replace(ctx, path, tree.Leaves{})
}

// replace drops the subtree at path and any ancestor scalar, writes leaves and
// announces the change in one server-side step.
func (s *Store) replace(ctx context.Context, path string, leaves tree.Leaves) error {
	if err := s.ended(); err != nil {
		return err
	}

	msg, err := json.Marshal(change{Path: path, Leaves: leaves})
	if err != nil {
		return err
	}
	ancestors := tree.Ancestors(path)
	args := make([]any, 0, 4+len(ancestors)+2*len(leaves))
	args = append(args, path, s.channel(), msg, len(ancestors))
	for _, a := range ancestors {
		args = append(args, a)
	}
	for p, v := range leaves {
		args = append(args, p, string(v))
	}

	version, err := replaceScript.Run(ctx, s.client, []string{s.hashKey(), s.versionKey()}, args...).Int64()
	if err != nil {
		return unavailable(err)
	}
	s.logger.Debug().Str("path", path).Int("leaves", len(leaves)).Int64("version", version).Msg("replace")
	return nil
}

// scan reads the leaves at and below path together with the version they
// reflect.
func (s *Store) scan(ctx context.Context, path string) (uint64, tree.Leaves, error) {
	res, err := readScript.Run(ctx, s.client, []string{s.hashKey(), s.versionKey()}, path).StringSlice()
	if err != nil {
		return 0, nil, unavailable(err)
	}
	if len(res) == 0 {
		return 0, nil, fmt.Errorf("%w: empty read reply", constants.ErrStoreUnavailable)
	}
	version, err := strconv.ParseUint(res[0], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: version %q", constants.ErrStoreUnavailable, res[0])
	}
	out := tree.Leaves{}
	for i := 1; i+1 < len(res); i += 2 {
		out[res[i]] = []byte(res[i+1])
	}
	return version, out, nil
}

func (s *Store) Get(ctx context.Context, path string) (treestore.Snapshot, error) {
	path, err := treestore.Clean(path)
	if err != nil {
		return treestore.Snapshot{}, err
	}
	if err := s.ended(); err != nil {
		return treestore.Snapshot{}, err
	}
	_, leaves, err := s.scan(ctx, path)
	if err != nil {
		return treestore.Snapshot{}, err
	}
	return leaves.Read(path)
}

// handle detaches the watch mirror together with the hub listener.
type handle struct {
	*tree.Watch
	s *Store
}

func (h handle) Cancel() {
	h.s.mu.Lock()
	delete(h.s.mirrors, h.Watch)
	h.s.mu.Unlock()
	h.Watch.Cancel()
}

func (s *Store) Watch(ctx context.Context, path string, fn treestore.Listener) (treestore.Handle, error) {
	path, err := treestore.Clean(path)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("redisstore: nil listener for %q", path)
	}
	if err := s.ended(); err != nil {
		return nil, err
	}

	// listen waits while the mirror is seeded, so no change falls between the
	// read and the registration.
	s.mu.Lock()
	defer s.mu.Unlock()

	version, leaves, err := s.scan(ctx, path)
	if err != nil {
		return nil, err
	}
	initial, err := leaves.Read(path)
	if err != nil {
		return nil, err
	}
	w, err := s.hub.Add(path, fn, initial)
	if err != nil {
		return nil, err
	}
	s.mirrors[w] = &mirror{version: version, leaves: leaves}
	return handle{Watch: w, s: s}, nil
}

func (s *Store) listen(ch <-chan *redis.Message) {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				s.end(constants.ErrConnectionLost)
				return
			}
			if err := s.apply(msg.Payload); err != nil {
				s.logger.Error().Err(err).Msg("change stream broken")
				s.end(err)
				return
			}
		}
	}
}

// apply routes one published change to the mirrors it affects.
func (s *Store) apply(payload string) error {
	head, body, ok := bytes.Cut([]byte(payload), []byte("\n"))
	if !ok {
		return fmt.Errorf("%w: malformed change %q", constants.ErrConnectionLost, payload)
	}
	version, err := strconv.ParseUint(string(head), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed change version %q", constants.ErrConnectionLost, head)
	}
	switch {
	case version <= s.seen:
		return nil
	case version != s.seen+1:
		return fmt.Errorf("%w: missed changes %d..%d", constants.ErrConnectionLost, s.seen+1, version-1)
	}
	s.seen = version

	var c change
	if err := json.Unmarshal(body, &c); err != nil {
		return fmt.Errorf("%w: malformed change %d: %v", constants.ErrConnectionLost, version, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for w, m := range s.mirrors {
		if version <= m.version || !treestore.Related(w.Path(), c.Path) {
			continue
		}
		m.version = version
		m.leaves.Set(c.Path, c.Leaves.Subtree(w.Path()))
		snap, err := m.leaves.Read(w.Path())
		if err != nil {
			s.logger.Warn().Err(err).Str("path", w.Path()).Msg("mirror unreadable")
			continue
		}
		w.Offer(snap)
	}
	return nil
}

// monitor pings the server until the store ends. go-redis reconnects the
// subscription silently, so a dead server is only noticed here.
func (s *Store) monitor() {
	ticker := time.NewTicker(s.health)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.health)
		err := s.client.Ping(ctx).Err()
		cancel()
		if err != nil {
			s.logger.Error().Err(err).Msg("health check failed")
			s.end(fmt.Errorf("%w: %v", constants.ErrConnectionLost, err))
			return
		}
	}
}

// Watches is the number of listeners currently registered.
func (s *Store) Watches() int {
	return s.hub.Len()
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.end(constants.ErrClosed)
		err = errors.Join(s.pubsub.Close(), s.client.Close())
	})
	return err
}
