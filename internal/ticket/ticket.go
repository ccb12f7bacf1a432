// Package ticket issues the unique identifiers attached to every alarm
// submission. Application ids (the "Message(n)" number) may be reused once a
// request fires or is replaced, so each submission also gets a ULID ticket:
// time-sortable, unique within the process, and safe to use as a bbolt key.
package ticket

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator hands out monotonically increasing ULID tickets.
// It is safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewGenerator returns a Generator backed by crypto/rand with monotone
// entropy, so tickets issued within the same millisecond still sort in issue
// order.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// Next returns a fresh ticket.
func (g *Generator) Next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(g.now()), g.entropy)
	if err != nil {
		return "", fmt.Errorf("ticket: generate: %w", err)
	}
	return id.String(), nil
}

// MustNext is like Next but panics on error. Entropy exhaustion is not a
// recoverable condition for the scheduler.
func (g *Generator) MustNext() string {
	t, err := g.Next()
	if err != nil {
		panic(err)
	}
	return t
}

// Time returns the issue time encoded in a ticket.
func Time(t string) (time.Time, error) {
	id, err := ulid.ParseStrict(t)
	if err != nil {
		return time.Time{}, fmt.Errorf("ticket: parse %q: %w", t, err)
	}
	return ulid.Time(id.Time()), nil
}

// Valid reports whether t is a well-formed ticket.
func Valid(t string) bool {
	_, err := ulid.ParseStrict(t)
	return err == nil
}
