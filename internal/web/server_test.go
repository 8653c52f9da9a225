package web

import (
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
	"github.com/vselivanov/stratex/internal/ledger"
	"github.com/vselivanov/stratex/internal/state"
)

type stubJournal struct {
	events  []domain.Event
	readErr error
	filter  ledger.Filter

	tail    chan domain.Event
	tailGot chan uint64
}

func (s *stubJournal) Read(_ context.Context, f ledger.Filter) ([]domain.Event, error) {
	s.filter = f
	return s.events, s.readErr
}

func (s *stubJournal) Tail(_ context.Context, fromSeq uint64) (<-chan domain.Event, func(), error) {
	if s.tailGot != nil {
		s.tailGot <- fromSeq
	}
	return s.tail, func() {}, nil
}

type stubInstance struct {
	name   string
	frozen bool
	reason string
	book   *state.Book
}

func (s *stubInstance) Instance() string       { return s.name }
func (s *stubInstance) Frozen() (bool, string) { return s.frozen, s.reason }
func (s *stubInstance) Book() *state.Book      { return s.book }

func seededInstance(t *testing.T, name string) *stubInstance {
	t.Helper()
	book, err := state.NewBook(domain.NewSnapshot(map[domain.BalanceKey]decimal.Decimal{
		{Venue: domain.VenueBinance, Asset: "USDT"}: decimal.NewFromInt(1000),
	}))
	require.NoError(t, err)
	return &stubInstance{name: name, book: book}
}

func testServer(t *testing.T, journal Journal, instances ...InstanceView) *Server {
	t.Helper()
	s, err := NewServer(Config{Addr: "127.0.0.1:0"}, journal, instances, zap.NewNop())
	require.NoError(t, err)
	return s
}

func get(s *Server, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{}, &stubJournal{}, nil, zap.NewNop())
	require.ErrorContains(t, err, "listen address")

	_, err = NewServer(Config{Addr: ":8080"}, nil, nil, zap.NewNop())
	require.ErrorContains(t, err, "journal")
}

func TestHealthEndpoint(t *testing.T) {
	rec := get(testServer(t, &stubJournal{}), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReadiness(t *testing.T) {
	t.Run("all instances seeded", func(t *testing.T) {
		s := testServer(t, &stubJournal{}, seededInstance(t, "main"), seededInstance(t, "aux"))
		require.Equal(t, http.StatusOK, get(s, "/readyz").Code)
	})

	t.Run("unseeded instance blocks readiness", func(t *testing.T) {
		s := testServer(t, &stubJournal{}, seededInstance(t, "main"), &stubInstance{name: "idle"})
		rec := get(s, "/readyz")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "idle")
	})

	t.Run("no instances is ready", func(t *testing.T) {
		require.Equal(t, http.StatusOK, get(testServer(t, &stubJournal{}), "/readyz").Code)
	})
}

func TestSnapshotEndpoint(t *testing.T) {
	inst := seededInstance(t, "main")
	inst.frozen = true
	inst.reason = "ltv breach"
	s := testServer(t, &stubJournal{}, inst)

	rec := get(s, "/snapshot/main")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp snapshotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "main", resp.Instance)
	assert.True(t, resp.Frozen)
	assert.Equal(t, "ltv breach", resp.FrozenReason)
	require.NotNil(t, resp.Snapshot)
	assert.True(t, resp.Snapshot.Balance(domain.VenueBinance, "USDT").Equal(decimal.NewFromInt(1000)))

	require.Equal(t, http.StatusNotFound, get(s, "/snapshot/ghost").Code)
}

func exportFixture() []domain.Event {
	parent := uint64(3)
	return []domain.Event{
		{
			Sequence:  4,
			Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			Kind:      domain.EventBundle,
			Instance:  "main",
			Status:    domain.StatusCompleted,
			Checksum:  "aa11",
		},
		{
			Sequence:       5,
			Timestamp:      time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC),
			Kind:           domain.EventTrade,
			Instance:       "main",
			Venue:          domain.VenueBinance,
			Asset:          "ETH",
			Amount:         decimal.RequireFromString("1.5"),
			Price:          decimal.RequireFromString("3200"),
			Fee:            decimal.RequireFromString("0.002"),
			Status:         domain.StatusConfirmed,
			ParentSequence: &parent,
			VenueRef:       "ETHUSDT/12",
			Checksum:       "bb22",
		},
	}
}

func TestEventsExportJSON(t *testing.T) {
	journal := &stubJournal{events: exportFixture()}
	rec := get(testServer(t, journal), "/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []domain.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[0].Sequence)
	assert.Equal(t, domain.EventTrade, got[1].Kind)
	assert.True(t, got[1].Amount.Equal(decimal.RequireFromString("1.5")))
	require.NotNil(t, got[1].ParentSequence)
	assert.Equal(t, uint64(3), *got[1].ParentSequence)
}

func TestEventsExportEmptyPage(t *testing.T) {
	rec := get(testServer(t, &stubJournal{}), "/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestEventsFilterMapping(t *testing.T) {
	journal := &stubJournal{}
	target := "/events?from_seq=7&to_seq=90&instance=main&venue=binance" +
		"&kind=trade,loan_op&status=completed,failed" +
		"&since=2026-03-01T00:00:00Z&until=2026-03-02T00:00:00Z&limit=5"
	require.Equal(t, http.StatusOK, get(testServer(t, journal), target).Code)

	f := journal.filter
	assert.Equal(t, uint64(7), f.FromSequence)
	assert.Equal(t, uint64(90), f.ToSequence)
	assert.Equal(t, "main", f.Instance)
	assert.Equal(t, domain.VenueBinance, f.Venue)
	assert.Equal(t, []domain.EventKind{domain.EventTrade, domain.EventLoanOp}, f.Kinds)
	assert.Equal(t, []domain.EventStatus{domain.StatusCompleted, domain.StatusFailed}, f.Statuses)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), f.Since)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), f.Until)
	assert.Equal(t, 5, f.Limit)
}

func TestEventsLimitClamped(t *testing.T) {
	journal := &stubJournal{}
	require.Equal(t, http.StatusOK, get(testServer(t, journal), "/events?limit=9999999").Code)
	assert.Equal(t, defaultExportLimit, journal.filter.Limit)

	// Absent limit still pages.
	require.Equal(t, http.StatusOK, get(testServer(t, journal), "/events").Code)
	assert.Equal(t, defaultExportLimit, journal.filter.Limit)
}

func TestEventsBadQuery(t *testing.T) {
	s := testServer(t, &stubJournal{})
	for _, target := range []string{
		"/events?from_seq=x",
		"/events?to_seq=-1",
		"/events?since=yesterday",
		"/events?until=soon",
		"/events?limit=0",
		"/events?limit=-4",
		"/events?format=xml",
	} {
		assert.Equal(t, http.StatusBadRequest, get(s, target).Code, target)
	}
}

func TestEventsReadFailure(t *testing.T) {
	journal := &stubJournal{readErr: assert.AnError}
	require.Equal(t, http.StatusInternalServerError, get(testServer(t, journal), "/events").Code)
}

func TestEventsExportCSV(t *testing.T) {
	journal := &stubJournal{events: exportFixture()}
	rec := get(testServer(t, journal), "/events?format=csv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, ledger.ExportHeader, rows[0])

	wrapper, detail := rows[1], rows[2]
	assert.Equal(t, "4", wrapper[0])
	assert.Equal(t, "bundle", wrapper[2])
	assert.Equal(t, "", wrapper[10])

	assert.Equal(t, "5", detail[0])
	assert.Equal(t, "trade", detail[2])
	assert.Equal(t, "1.5", detail[6])
	assert.Equal(t, "3200", detail[7])
	assert.Equal(t, "3", detail[10])
	assert.Equal(t, "ETHUSDT/12", detail[11])
}

func TestStreamTail(t *testing.T) {
	journal := &stubJournal{
		tail:    make(chan domain.Event, 4),
		tailGot: make(chan uint64, 1),
	}
	srv := httptest.NewServer(testServer(t, journal).router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/stream?from_seq=5&instance=main"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case from := <-journal.tailGot:
		assert.Equal(t, uint64(5), from)
	case <-time.After(5 * time.Second):
		t.Fatal("tail was never subscribed")
	}

	// The first event belongs to another instance and must be skipped.
	journal.tail <- domain.Event{Sequence: 6, Instance: "other", Kind: domain.EventTrade}
	journal.tail <- domain.Event{Sequence: 7, Instance: "main", Kind: domain.EventTrade, Status: domain.StatusConfirmed}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got domain.Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, uint64(7), got.Sequence)
	assert.Equal(t, "main", got.Instance)

	// Closing the tail ends the stream with a going-away close frame.
	close(journal.tail)
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}

func TestStreamBadFromSeq(t *testing.T) {
	rec := get(testServer(t, &stubJournal{}), "/events/stream?from_seq=x")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
