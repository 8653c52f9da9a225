// Package state holds the per-instance exposure snapshot book and the
// ledger replay fold that reconstructs it.
package state

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/vselivanov/stratex/internal/domain"
)

// Book is the authoritative snapshot holder for one strategy instance.
// Reads are safe from any goroutine; commits are serialized by the
// instance's tick loop, which owns the decision-execute-commit sequence.
type Book struct {
	mu      sync.RWMutex
	current *domain.Snapshot
}

// NewBook starts the book at the given snapshot.
func NewBook(initial *domain.Snapshot) (*Book, error) {
	if initial == nil {
		return nil, errors.New("initial snapshot is required")
	}
	return &Book{current: initial}, nil
}

// Current returns the snapshot for this tick. The returned snapshot is
// immutable; holding it across commits is safe.
func (b *Book) Current() *domain.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Commit installs the next snapshot. The version must advance, which catches
// commits built from a stale base.
func (b *Book) Commit(next *domain.Snapshot) error {
	if next == nil {
		return errors.New("nil snapshot")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if next.Version <= b.current.Version {
		return errors.Errorf("stale commit: version %d does not advance %d", next.Version, b.current.Version)
	}
	b.current = next
	return nil
}
