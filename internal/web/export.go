package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
	"github.com/vselivanov/stratex/internal/ledger"
)

// handleEvents serves a filtered page of the ledger. Query parameters map
// onto the ledger filter; pagination restarts by passing the last seen
// sequence plus one as from_seq.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r, s.cfg.ExportLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "json", "csv":
	default:
		http.Error(w, "unsupported format "+format, http.StatusBadRequest)
		return
	}

	events, err := s.journal.Read(r.Context(), filter)
	if err != nil {
		s.log.Warn("ledger read failed", zap.Error(err))
		http.Error(w, "ledger read failed", http.StatusInternalServerError)
		return
	}
	exportedEvents.Add(float64(len(events)))

	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="events.csv"`)
		if err := ledger.WriteCSV(w, events); err != nil {
			s.log.Warn("csv export failed", zap.Error(err))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := ledger.WriteJSON(w, events); err != nil {
		s.log.Warn("export encode failed", zap.Error(err))
	}
}

// filterFromQuery maps export query parameters onto a ledger filter. The
// page size is clamped to maxLimit so one request cannot drag the whole
// journal through the encoder.
func filterFromQuery(r *http.Request, maxLimit int) (ledger.Filter, error) {
	q := r.URL.Query()
	var f ledger.Filter

	var err error
	if f.FromSequence, err = queryUint(q.Get("from_seq")); err != nil {
		return f, errBadParam("from_seq", err)
	}
	if f.ToSequence, err = queryUint(q.Get("to_seq")); err != nil {
		return f, errBadParam("to_seq", err)
	}
	f.Instance = q.Get("instance")
	f.Venue = domain.Venue(q.Get("venue"))
	for _, k := range queryList(q.Get("kind")) {
		f.Kinds = append(f.Kinds, domain.EventKind(k))
	}
	for _, st := range queryList(q.Get("status")) {
		f.Statuses = append(f.Statuses, domain.EventStatus(st))
	}
	if f.Since, err = queryTime(q.Get("since")); err != nil {
		return f, errBadParam("since", err)
	}
	if f.Until, err = queryTime(q.Get("until")); err != nil {
		return f, errBadParam("until", err)
	}

	f.Limit = maxLimit
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return f, errBadParam("limit", errNotPositive)
		}
		if limit < maxLimit {
			f.Limit = limit
		}
	}
	return f, nil
}

var errNotPositive = errParam("must be a positive integer")

type errParam string

func (e errParam) Error() string { return string(e) }

func errBadParam(name string, err error) error {
	return errParam("invalid " + name + ": " + err.Error())
}

func queryUint(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func queryTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func queryList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
