package marketdata

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vselivanov/stratex/internal/domain"
)

func writeHistoryFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestHistory_LoadCSVAndView(t *testing.T) {
	ctx := context.Background()
	h := NewHistory(HistoryConfig{}, nil)
	path := writeHistoryFile(t, `timestamp,venue,asset,price,funding
2024-05-01T00:00:00Z,binance,ETH,3000,
2024-05-01T01:00:00Z,binance,ETH,3050,
2024-05-01T01:00:00Z,bybit,ETH-PERP,3049.5,0.0001
2024-05-01T02:00:00Z,binance,ETH,3100,
`)
	require.NoError(t, h.LoadCSV(path))

	stamps := h.Timestamps()
	require.Len(t, stamps, 3)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), stamps[0])
	assert.Equal(t, time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC), stamps[2])

	// mid-series tick sees the latest observation at or before it
	view, err := h.View(ctx, time.Date(2024, 5, 1, 1, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	price, err := view.Price(domain.VenueBinance, "ETH")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(3050)))
	perp, err := view.Price(domain.VenueBybit, "ETH-PERP")
	require.NoError(t, err)
	assert.True(t, perp.Equal(decimal.RequireFromString("3049.5")))
	rate, err := view.FundingRate(domain.VenueBybit, "ETH-PERP")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.0001")))

	// settlement seeded at par wherever a series venue exists, plus wallet
	for _, venue := range []domain.Venue{domain.VenueBinance, domain.VenueBybit, domain.VenueWallet} {
		par, err := view.Price(venue, "USDT")
		require.NoError(t, err)
		assert.True(t, par.Equal(decimal.NewFromInt(1)))
	}

	// before the perp series starts, that key is missing
	early, err := h.View(ctx, time.Date(2024, 5, 1, 0, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = early.Price(domain.VenueBybit, "ETH-PERP")
	assert.True(t, errors.Is(err, domain.ErrMissing))
}

func TestHistory_StaleObservationRejected(t *testing.T) {
	ctx := context.Background()
	h := NewHistory(HistoryConfig{MaxAge: time.Hour}, nil)
	h.AddPrice(domain.VenueBinance, "ETH", decimal.NewFromInt(3000), time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC))

	// 90 minutes after the last observation, the price is served but stale
	view, err := h.View(ctx, time.Date(2024, 5, 1, 3, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = view.Price(domain.VenueBinance, "ETH")
	assert.True(t, errors.Is(err, domain.ErrStale))
}

func TestHistory_UnixTimestamps(t *testing.T) {
	h := NewHistory(HistoryConfig{}, nil)
	// 1714557600 = 2024-05-01T10:00:00Z
	path := writeHistoryFile(t, "1714557600,binance,ETH,3000\n")
	require.NoError(t, h.LoadCSV(path))

	stamps := h.Timestamps()
	require.Len(t, stamps, 1)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), stamps[0])
}

func TestHistory_LoadCSVRejectsMalformedRows(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "too few fields", content: "2024-05-01T00:00:00Z,binance,ETH\n", wantErr: "fields"},
		{name: "bad price", content: "2024-05-01T00:00:00Z,binance,ETH,not-a-number\n", wantErr: "price"},
		{name: "bad timestamp past header", content: "timestamp,venue,asset,price\nyesterday,binance,ETH,3000\n", wantErr: "timestamp"},
		{name: "bad funding", content: "2024-05-01T00:00:00Z,bybit,ETH-PERP,3000,high\n", wantErr: "funding"},
		{name: "header only", content: "timestamp,venue,asset,price\n", wantErr: "no data rows"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHistory(HistoryConfig{}, nil)
			err := h.LoadCSV(writeHistoryFile(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHistory_LoadCandlesCSV(t *testing.T) {
	ctx := context.Background()
	h := NewHistory(HistoryConfig{}, nil)
	path := writeHistoryFile(t, `open_time,venue,instrument,interval,open,high,low,close,volume,close_time
2024-05-01T00:00:00Z,binance,ETH,1h,3000,3060,2990,3050,120.5,2024-05-01T01:00:00Z
2024-05-01T01:00:00Z,binance,ETH,1h,3050,3110,3040,3100,98.2,2024-05-01T02:00:00Z
`)
	require.NoError(t, h.LoadCandlesCSV(path))

	got, err := h.Candles(ctx, domain.VenueBinance, "ETH", "1h", time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Open.Equal(decimal.NewFromInt(3000)))
	assert.True(t, got[1].Close.Equal(decimal.NewFromInt(3100)))
	assert.Equal(t, time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC), got[1].CloseTime)
}

func TestHistory_LoadCandlesCSVRejectsMalformedRows(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "too few fields", content: "2024-05-01T00:00:00Z,binance,ETH,1h,3000\n", wantErr: "fields"},
		{name: "bad close time", content: "2024-05-01T00:00:00Z,binance,ETH,1h,3000,3060,2990,3050,120,soon\n", wantErr: "close time"},
		{name: "bad high", content: "2024-05-01T00:00:00Z,binance,ETH,1h,3000,tall,2990,3050,120,2024-05-01T01:00:00Z\n", wantErr: "high"},
		{name: "header only", content: "open_time,venue,instrument,interval,open,high,low,close,volume,close_time\n", wantErr: "no data rows"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHistory(HistoryConfig{}, nil)
			err := h.LoadCandlesCSV(writeHistoryFile(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHistory_EmptyViewFails(t *testing.T) {
	h := NewHistory(HistoryConfig{}, nil)
	_, err := h.View(context.Background(), time.Now())
	require.Error(t, err)
}

func TestHistory_CandlesRespectTheClock(t *testing.T) {
	ctx := context.Background()
	h := NewHistory(HistoryConfig{}, nil)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]domain.Candle, 5)
	for i := range candles {
		candles[i] = domain.Candle{
			OpenTime:  base.Add(time.Duration(i) * time.Hour),
			Close:     decimal.NewFromInt(int64(3000 + i)),
			CloseTime: base.Add(time.Duration(i+1) * time.Hour),
		}
	}
	h.AddCandles(domain.VenueBinance, "ETH", "1h", candles)

	// at 03:00 only the candles closed by then are visible, newest last
	got, err := h.Candles(ctx, domain.VenueBinance, "ETH", "1h", base.Add(3*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Close.Equal(decimal.NewFromInt(3001)))
	assert.True(t, got[1].Close.Equal(decimal.NewFromInt(3002)))

	_, err = h.Candles(ctx, domain.VenueBinance, "ETH", "1h", base.Add(30*time.Minute), 2)
	assert.True(t, errors.Is(err, domain.ErrMissing))

	_, err = h.Candles(ctx, domain.VenueBybit, "ETH", "1h", base.Add(3*time.Hour), 2)
	assert.True(t, errors.Is(err, domain.ErrMissing))
}

func TestHistory_ExplicitSettlementSeriesWins(t *testing.T) {
	ctx := context.Background()
	h := NewHistory(HistoryConfig{Venues: []domain.Venue{domain.VenueAave}}, nil)
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	h.AddPrice(domain.VenueAave, "USDT", decimal.RequireFromString("0.999"), at)
	h.AddPrice(domain.VenueAave, "wstETH", decimal.NewFromInt(4000), at)

	view, err := h.View(ctx, at)
	require.NoError(t, err)
	depeg, err := view.Price(domain.VenueAave, "USDT")
	require.NoError(t, err)
	assert.True(t, depeg.Equal(decimal.RequireFromString("0.999")))
	par, err := view.Price(domain.VenueWallet, "USDT")
	require.NoError(t, err)
	assert.True(t, par.Equal(decimal.NewFromInt(1)))
}
