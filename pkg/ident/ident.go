// Package ident generates entity identifiers.
//
// Production code uses time-sortable UUIDv7 strings so that ids of
// records created later sort later, which keeps listings stable without
// a separate ordering column. Tests inject a Sequence to get
// predictable ids.
package ident

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator produces unique identifiers.
type Generator interface {
	New() string
}

// UUIDv7 generates hyphenated UUIDv7 strings. Safe for concurrent use.
type UUIDv7 struct{}

// New returns a fresh UUIDv7. Panics only if the system entropy source fails.
func (UUIDv7) New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Sequence returns prefix-1, prefix-2, ... Safe for concurrent use.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequence creates a Sequence generator with the given prefix.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// New returns the next id in the sequence.
func (s *Sequence) New() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%d", s.prefix, s.n)
}

// Or returns g, or UUIDv7 if g is nil.
func Or(g Generator) Generator {
	if g == nil {
		return UUIDv7{}
	}
	return g
}
