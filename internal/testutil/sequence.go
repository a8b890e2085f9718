package testutil

import (
	"fmt"
	"sync"
)

// Sequence is a thread-safe counter for deterministic identifiers in tests.
//
// The first call to Next returns 1.
type Sequence struct {
	mu  sync.Mutex
	seq int64
}

// Next increments and returns the next value.
func (s *Sequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Current returns the current value without incrementing.
func (s *Sequence) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// SequentialRefs generates "<prefix>-1", "<prefix>-2", ... for use where
// production code generates UUIDv7 references.
//
// Thread-safety: SequentialRefs is safe for concurrent use.
type SequentialRefs struct {
	prefix string
	seq    Sequence
}

// NewSequentialRefs creates a generator. An empty prefix becomes "ref".
func NewSequentialRefs(prefix string) *SequentialRefs {
	if prefix == "" {
		prefix = "ref"
	}
	return &SequentialRefs{prefix: prefix}
}

// Generate returns the next reference.
func (g *SequentialRefs) Generate() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.seq.Next())
}
