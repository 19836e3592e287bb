package ident

import (
	"io"
	"sync"

	"github.com/google/uuid"
)

// UIDGenerator produces protocol instance and dialog UIDs.
// Implemented by RandomUIDs (production) and FixedUIDs (tests).
type UIDGenerator interface {
	NewUID() uuid.UUID
}

// RandomUIDs generates version 4 UIDs from Reader, or from crypto/rand when
// Reader is nil.
//
// Panics if the reader fails, which crypto/rand never does in practice.
type RandomUIDs struct {
	Reader io.Reader
}

// NewUID returns a fresh random UID.
func (g RandomUIDs) NewUID() uuid.UUID {
	if g.Reader == nil {
		return uuid.New()
	}
	return uuid.Must(uuid.NewRandomFromReader(g.Reader))
}

// FixedUIDs returns predetermined UIDs in order.
//
// Thread-safety: FixedUIDs is safe for concurrent use via internal mutex.
type FixedUIDs struct {
	mu   sync.Mutex
	uids []uuid.UUID
	idx  int
}

// NewFixedUIDs creates a generator that returns uids in order.
func NewFixedUIDs(uids ...uuid.UUID) *FixedUIDs {
	return &FixedUIDs{uids: uids}
}

// NewUID returns the next predetermined UID.
//
// Panics once all UIDs have been consumed, to catch a test that creates more
// instances or dialogs than it declared.
func (g *FixedUIDs) NewUID() uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.uids) {
		panic("FixedUIDs: all uids exhausted")
	}
	u := g.uids[g.idx]
	g.idx++
	return u
}
