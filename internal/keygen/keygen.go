// Package keygen produces the keys a tree store assigns to appended children.
//
// Keys are ULIDs: 26 characters, lexicographically ordered by creation time and
// strictly increasing within one generator, so children appended by a single
// writer sort in submission order.
package keygen

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

func New() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// WithClock is used by tests that need deterministic key timestamps.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

// Time returns the creation time encoded in key.
// ok is false when key was not produced by a Generator.
func Time(key string) (t time.Time, ok bool) {
	id, err := ulid.ParseStrict(key)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(id.Time()), true
}
