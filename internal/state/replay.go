package state

import (
	"github.com/pkg/errors"

	"github.com/vselivanov/stratex/internal/domain"
)

// Replay folds event deltas in sequence order into a snapshot, starting from
// empty. Only successfully applied events contribute: completed backtest
// events and confirmed live events. Initial capital enters the ledger as a
// genesis balance_change event, so a full replay needs no out-of-band state.
func Replay(events []domain.Event) (*domain.Snapshot, error) {
	snap := domain.NewSnapshot(nil)

	var lastSeq uint64
	for i := range events {
		ev := &events[i]
		if ev.Sequence <= lastSeq {
			return nil, errors.Errorf("events out of order: %d after %d", ev.Sequence, lastSeq)
		}
		lastSeq = ev.Sequence

		if !applied(ev) {
			continue
		}
		snap = snap.Apply(ev.Delta)
	}
	return snap, nil
}

// applied reports whether the event's delta took effect on the book.
func applied(ev *domain.Event) bool {
	if ev.Delta == nil {
		return false
	}
	return ev.Status == domain.StatusCompleted || ev.Status == domain.StatusConfirmed
}
