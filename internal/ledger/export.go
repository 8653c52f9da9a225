package ledger

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/vselivanov/stratex/internal/domain"
)

// ExportHeader is the flat audit table layout shared by the HTTP export and
// the CLI. Nested delta and snapshot payloads are JSON-export only.
var ExportHeader = []string{
	"seq", "ts", "kind", "instance", "venue", "asset",
	"amount", "price", "fee", "status", "parent_seq",
	"venue_ref", "reason", "checksum",
}

// ExportRow flattens one event into the ExportHeader columns.
func ExportRow(ev *domain.Event) []string {
	parent := ""
	if ev.ParentSequence != nil {
		parent = strconv.FormatUint(*ev.ParentSequence, 10)
	}
	return []string{
		strconv.FormatUint(ev.Sequence, 10),
		ev.Timestamp.Format(time.RFC3339Nano),
		string(ev.Kind),
		ev.Instance,
		string(ev.Venue),
		string(ev.Asset),
		ev.Amount.String(),
		ev.Price.String(),
		ev.Fee.String(),
		string(ev.Status),
		parent,
		ev.VenueRef,
		ev.Reason,
		ev.Checksum,
	}
}

// WriteCSV renders events as the flat audit table.
func WriteCSV(w io.Writer, events []domain.Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return err
	}
	for i := range events {
		if err := cw.Write(ExportRow(&events[i])); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON renders events as a JSON array. Empty pages encode as [] rather
// than null, consumers fold the export without a nil check.
func WriteJSON(w io.Writer, events []domain.Event) error {
	if events == nil {
		events = []domain.Event{}
	}
	return json.NewEncoder(w).Encode(events)
}
