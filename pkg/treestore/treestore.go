// Package treestore defines the primitives the bridge needs from a realtime
// tree-structured document store.
//
// A tree store addresses JSON values by slash separated paths. Any subtree can be
// written wholesale, read once, removed, or watched. A watch delivers the node's
// current value when it already has data and again after every change to the
// node's subtree, until the returned [Handle] is cancelled.
//
// Three backends live under this package:
//
//   - memstore keeps the tree in process and is the reference implementation.
//   - wsstore talks to a remote tree over a websocket.
//   - redisstore shares the tree through Redis.
package treestore

import (
	"context"

	"github.com/buger/jsonparser"
	"github.com/goccy/go-json"
)

// Client is the connection-level store handle. It is constructed once and
// shared by every component of the bridge; Close tears down every open watch.
type Client interface {
	// Push appends value as a new child of prefix and returns the
	// store-generated key of that child.
	Push(ctx context.Context, prefix string, value any) (string, error)
	// Set overwrites the whole node at path.
	Set(ctx context.Context, path string, value any) error
	Get(ctx context.Context, path string) (Snapshot, error)
	Remove(ctx context.Context, path string) error
	Watcher
	Close() error
}

// Watcher is the subset of Client needed to open watches.
type Watcher interface {
	// Watch registers fn for path. fn is never called concurrently for one
	// watch, and events arrive in store write order. An Event carrying a
	// non-nil Err is the last one delivered.
	Watch(ctx context.Context, path string, fn Listener) (Handle, error)
}

type Listener func(Event)

// Handle owns one connection-level listener. Cancel is idempotent.
type Handle interface {
	Cancel()
}

type Event struct {
	Snapshot Snapshot
	Err      error
}

// Snapshot is the full value of a node at delivery time.
type Snapshot struct {
	Path   string          `json:"path"`
	Key    string          `json:"key"`
	Exists bool            `json:"exists"`
	Value  json.RawMessage `json:"value,omitempty"`
}

func NewSnapshot(path string, value []byte) Snapshot {
	s := Snapshot{Path: path, Key: LastSegment(path)}
	if len(value) > 0 && string(value) != "null" {
		s.Exists = true
		s.Value = json.RawMessage(value)
	}
	return s
}

// Decode unmarshals the snapshot value into v.
// Absent snapshots leave v untouched.
func (s Snapshot) Decode(v any) error {
	if !s.Exists {
		return nil
	}
	return json.Unmarshal(s.Value, v)
}

// Child returns the snapshot of a descendant, extracted from this value
// without decoding the whole tree.
func (s Snapshot) Child(rel string) Snapshot {
	segs := Segments(rel)
	path := Join(append([]string{s.Path}, segs...)...)
	if !s.Exists {
		return NewSnapshot(path, nil)
	}
	value, dataType, end, err := jsonparser.Get(s.Value, segs...)
	if err != nil || dataType == jsonparser.NotExist || dataType == jsonparser.Null {
		return NewSnapshot(path, nil)
	}
	if dataType == jsonparser.String {
		// jsonparser strips the quotes of string values; end is past the closing one.
		value = s.Value[end-len(value)-2 : end]
	}
	return NewSnapshot(path, value)
}

// Equal reports whether two snapshots carry the same value for the same path.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Path == o.Path && s.Exists == o.Exists && string(s.Value) == string(o.Value)
}
