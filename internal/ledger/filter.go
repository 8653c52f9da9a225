package ledger

import (
	"time"

	"github.com/vselivanov/stratex/internal/domain"
)

// Filter selects events for Read. Zero values mean "no constraint"; reads
// are restartable by advancing FromSequence past the last returned event.
type Filter struct {
	FromSequence uint64
	ToSequence   uint64
	Instance     string
	Venue        domain.Venue
	Kinds        []domain.EventKind
	Statuses     []domain.EventStatus
	Since        time.Time
	Until        time.Time
	// Limit caps the page size; zero returns everything that matches.
	Limit int
}

func (f Filter) matches(ev domain.Event) bool {
	if f.FromSequence > 0 && ev.Sequence < f.FromSequence {
		return false
	}
	if f.ToSequence > 0 && ev.Sequence > f.ToSequence {
		return false
	}
	if f.Instance != "" && ev.Instance != f.Instance {
		return false
	}
	if f.Venue != "" && ev.Venue != f.Venue {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, ev.Status) {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func containsKind(kinds []domain.EventKind, k domain.EventKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func containsStatus(statuses []domain.EventStatus, s domain.EventStatus) bool {
	for _, status := range statuses {
		if status == s {
			return true
		}
	}
	return false
}
