package marketdata

import (
	"context"
	"encoding/csv"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
)

// HistoryConfig parameterizes the backtest provider.
type HistoryConfig struct {
	// MaxAge bounds how old an observation may be relative to the tick it
	// is served for; zero disables staleness checks.
	MaxAge time.Duration
	// Venues the run trades on; settlement assets are seeded at par on each
	// even when no series is keyed to the venue.
	Venues []domain.Venue
	// SettlementAssets are priced at par on every view, default [USDT].
	SettlementAssets []domain.Asset
}

type fundingPoint struct {
	Rate decimal.Decimal
	At   time.Time
}

type candleKey struct {
	Venue      domain.Venue
	Instrument domain.Asset
	Interval   string
}

// History serves recorded series for backtests. Views are assembled from the
// latest observation at or before the requested tick, never after it.
// Assemble the series first, then read; mutation during a run is not
// supported.
type History struct {
	cfg     HistoryConfig
	prices  map[domain.BalanceKey][]domain.PricePoint
	funding map[domain.BalanceKey][]fundingPoint
	candles map[candleKey][]domain.Candle
	log     *zap.Logger
}

// NewHistory constructs an empty history provider.
func NewHistory(cfg HistoryConfig, log *zap.Logger) *History {
	if len(cfg.SettlementAssets) == 0 {
		cfg.SettlementAssets = []domain.Asset{"USDT"}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &History{
		cfg:     cfg,
		prices:  make(map[domain.BalanceKey][]domain.PricePoint),
		funding: make(map[domain.BalanceKey][]fundingPoint),
		candles: make(map[candleKey][]domain.Candle),
		log:     log,
	}
}

// AddPrice records one observation, keeping the series ordered.
func (h *History) AddPrice(venue domain.Venue, asset domain.Asset, price decimal.Decimal, at time.Time) {
	key := domain.BalanceKey{Venue: venue, Asset: asset}
	h.prices[key] = append(h.prices[key], domain.PricePoint{Price: price, At: at})
	sort.Slice(h.prices[key], func(i, j int) bool { return h.prices[key][i].At.Before(h.prices[key][j].At) })
}

// AddFunding records one funding-rate observation for a perp instrument.
func (h *History) AddFunding(venue domain.Venue, instrument domain.Asset, rate decimal.Decimal, at time.Time) {
	key := domain.BalanceKey{Venue: venue, Asset: instrument}
	h.funding[key] = append(h.funding[key], fundingPoint{Rate: rate, At: at})
	sort.Slice(h.funding[key], func(i, j int) bool { return h.funding[key][i].At.Before(h.funding[key][j].At) })
}

// AddCandles records a candle series for signal enrichment.
func (h *History) AddCandles(venue domain.Venue, instrument domain.Asset, interval string, candles []domain.Candle) {
	key := candleKey{Venue: venue, Instrument: instrument, Interval: interval}
	h.candles[key] = append(h.candles[key], candles...)
	sort.Slice(h.candles[key], func(i, j int) bool { return h.candles[key][i].CloseTime.Before(h.candles[key][j].CloseTime) })
}

// LoadCSV ingests a price series file with rows
// timestamp,venue,asset,price[,funding]. Timestamps are RFC3339 or unix
// seconds; a header row is skipped; a trailing funding field records the
// instrument's funding rate at the same time.
func (h *History) LoadCSV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open history %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return errors.Wrapf(err, "read history %s", path)
	}

	loaded := 0
	for i, row := range rows {
		if len(row) < 4 {
			return errors.Errorf("%s:%d: want timestamp,venue,asset,price[,funding], got %d fields", path, i+1, len(row))
		}
		at, err := parseTimestamp(row[0])
		if err != nil {
			if i == 0 {
				continue // header
			}
			return errors.Wrapf(err, "%s:%d: timestamp", path, i+1)
		}
		price, err := decimal.NewFromString(row[3])
		if err != nil {
			return errors.Wrapf(err, "%s:%d: price", path, i+1)
		}
		venue, asset := domain.Venue(row[1]), domain.Asset(row[2])
		h.AddPrice(venue, asset, price, at)
		if len(row) > 4 && row[4] != "" {
			rate, err := decimal.NewFromString(row[4])
			if err != nil {
				return errors.Wrapf(err, "%s:%d: funding", path, i+1)
			}
			h.AddFunding(venue, asset, rate, at)
		}
		loaded++
	}
	if loaded == 0 {
		return errors.Errorf("%s: no data rows", path)
	}
	h.log.Info("history loaded",
		zap.String("path", path),
		zap.Int("rows", loaded),
		zap.Int("series", len(h.prices)))
	return nil
}

// LoadCandlesCSV ingests a candle series file with rows
// open_time,venue,instrument,interval,open,high,low,close,volume,close_time.
// Timestamps follow the same forms LoadCSV accepts; a header row is skipped.
func (h *History) LoadCandlesCSV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open candles %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return errors.Wrapf(err, "read candles %s", path)
	}

	loaded := 0
	for i, row := range rows {
		if len(row) < 10 {
			return errors.Errorf("%s:%d: want open_time,venue,instrument,interval,open,high,low,close,volume,close_time, got %d fields", path, i+1, len(row))
		}
		openAt, err := parseTimestamp(row[0])
		if err != nil {
			if i == 0 {
				continue // header
			}
			return errors.Wrapf(err, "%s:%d: open time", path, i+1)
		}
		closeAt, err := parseTimestamp(row[9])
		if err != nil {
			return errors.Wrapf(err, "%s:%d: close time", path, i+1)
		}
		open, err := decimal.NewFromString(row[4])
		if err != nil {
			return errors.Wrapf(err, "%s:%d: open", path, i+1)
		}
		high, err := decimal.NewFromString(row[5])
		if err != nil {
			return errors.Wrapf(err, "%s:%d: high", path, i+1)
		}
		low, err := decimal.NewFromString(row[6])
		if err != nil {
			return errors.Wrapf(err, "%s:%d: low", path, i+1)
		}
		cls, err := decimal.NewFromString(row[7])
		if err != nil {
			return errors.Wrapf(err, "%s:%d: close", path, i+1)
		}
		volume, err := decimal.NewFromString(row[8])
		if err != nil {
			return errors.Wrapf(err, "%s:%d: volume", path, i+1)
		}
		h.AddCandles(domain.Venue(row[1]), domain.Asset(row[2]), row[3], []domain.Candle{{
			OpenTime:  openAt,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cls,
			Volume:    volume,
			CloseTime: closeAt,
		}})
		loaded++
	}
	if loaded == 0 {
		return errors.Errorf("%s: no data rows", path)
	}
	h.log.Info("candles loaded",
		zap.String("path", path),
		zap.Int("rows", loaded),
		zap.Int("series", len(h.candles)))
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339, s); err == nil {
		return at, nil
	}
	unix, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, errors.Errorf("%q is neither RFC3339 nor unix seconds", s)
	}
	return time.Unix(unix, 0).UTC(), nil
}

// Timestamps returns the distinct observation times across all price series
// in ascending order; the backtest runner drives its ticks from this.
func (h *History) Timestamps() []time.Time {
	seen := make(map[int64]time.Time)
	for _, series := range h.prices {
		for _, p := range series {
			seen[p.At.UnixNano()] = p.At
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, at := range seen {
		out = append(out, at)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// View assembles the market view for the tick from the latest observation at
// or before it. Series with nothing observed yet stay missing.
func (h *History) View(_ context.Context, at time.Time) (*domain.MarketView, error) {
	if len(h.prices) == 0 {
		return nil, errors.New("history is empty, load a series first")
	}
	view := domain.NewMarketView(at, h.cfg.MaxAge)
	for key, series := range h.prices {
		if p, ok := latestPriceAt(series, at); ok {
			view.SetPrice(key.Venue, key.Asset, p.Price, p.At)
		}
	}
	for key, series := range h.funding {
		if f, ok := latestFundingAt(series, at); ok {
			view.SetFunding(key.Venue, key.Asset, f.Rate)
		}
	}
	seedSettlements(view, h.cfg.Venues, h.cfg.SettlementAssets)
	return view, nil
}

// Candles returns up to limit candles closed at or before the tick, so a
// backtest signal never sees ahead of its own clock.
func (h *History) Candles(_ context.Context, venue domain.Venue, instrument domain.Asset, interval string, at time.Time, limit int) ([]domain.Candle, error) {
	series, ok := h.candles[candleKey{Venue: venue, Instrument: instrument, Interval: interval}]
	if !ok {
		return nil, errors.Wrapf(domain.ErrMissing, "candles %s %s %s", venue, instrument, interval)
	}
	end := sort.Search(len(series), func(i int) bool { return series[i].CloseTime.After(at) })
	if end == 0 {
		return nil, errors.Wrapf(domain.ErrMissing, "no candles closed by %s", at.Format(time.RFC3339))
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	out := make([]domain.Candle, end-start)
	copy(out, series[start:end])
	return out, nil
}

func latestPriceAt(series []domain.PricePoint, at time.Time) (domain.PricePoint, bool) {
	idx := sort.Search(len(series), func(i int) bool { return series[i].At.After(at) })
	if idx == 0 {
		return domain.PricePoint{}, false
	}
	return series[idx-1], true
}

func latestFundingAt(series []fundingPoint, at time.Time) (fundingPoint, bool) {
	idx := sort.Search(len(series), func(i int) bool { return series[i].At.After(at) })
	if idx == 0 {
		return fundingPoint{}, false
	}
	return series[idx-1], true
}
