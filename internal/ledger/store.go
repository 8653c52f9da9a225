// Package ledger is the append-only audit log: a single-writer actor that
// assigns globally ordered sequence numbers to events, persists them in a
// write-ahead log with a hash chain, and serves reads, live tails and
// live-mode status transitions.
package ledger

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"

	"github.com/vselivanov/stratex/internal/domain"
)

const (
	defaultDir       = "./wal/ledger"
	segmentThreshold = 10000
	maxSegments      = 1000

	eventKeyPrefix  = "evt_"
	updateKeyPrefix = "upd_"
)

type recordKind string

const (
	recordEvent  recordKind = "event"
	recordUpdate recordKind = "update"
)

// updateRecord is the persisted form of a live status transition. The WAL
// stays append-only: updates are new records folded into the read model at
// replay, never in-place edits.
type updateRecord struct {
	Sequence uint64               `json:"seq"`
	Status   domain.EventStatus   `json:"status"`
	At       time.Time            `json:"at"`
	Price    decimal.Decimal      `json:"price,omitempty"`
	Amount   decimal.Decimal      `json:"amount,omitempty"`
	Fee      decimal.Decimal      `json:"fee,omitempty"`
	VenueRef string               `json:"venue_ref,omitempty"`
	Reason   string               `json:"reason,omitempty"`
	Delta    *domain.BalanceDelta `json:"delta,omitempty"`
}

// walRecord is one durable ledger entry. Checksum chains every record to its
// predecessor regardless of kind, so the full WAL is tamper-evident.
type walRecord struct {
	Kind     recordKind    `json:"kind"`
	Event    *domain.Event `json:"event,omitempty"`
	Update   *updateRecord `json:"update,omitempty"`
	Checksum string        `json:"checksum"`
}

// store is the durable backend the actor writes through. Split out so tests
// can inject write failures.
type store interface {
	Append(rec walRecord) error
	Replay(fn func(walRecord) error) error
	Close() error
}

// walStore persists ledger records in a gowal write-ahead log.
type walStore struct {
	wal *gowal.Wal
}

// newWALStore opens the ledger WAL under dir.
func newWALStore(dir string) (*walStore, error) {
	if dir == "" {
		dir = defaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "ledger_",
		SegmentThreshold: segmentThreshold,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init ledger WAL")
	}

	return &walStore{wal: wal}, nil
}

// Append durably writes one record. Only the actor goroutine calls this.
func (s *walStore) Append(rec walRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal ledger record")
	}

	var key string
	switch rec.Kind {
	case recordEvent:
		key = fmt.Sprintf("%s%d", eventKeyPrefix, rec.Event.Sequence)
	case recordUpdate:
		key = fmt.Sprintf("%s%d", updateKeyPrefix, rec.Update.Sequence)
	default:
		return errors.Errorf("unknown record kind %q", rec.Kind)
	}

	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, key, payload); err != nil {
		return errors.Wrap(err, "write ledger record")
	}
	return nil
}

// Replay walks all persisted records in write order.
func (s *walStore) Replay(fn func(walRecord) error) error {
	for msg := range s.wal.Iterator() {
		var rec walRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			return errors.Wrapf(err, "decode ledger record %s", msg.Key)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying WAL.
func (s *walStore) Close() error {
	return s.wal.Close()
}
