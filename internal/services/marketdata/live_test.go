package marketdata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vselivanov/stratex/internal/domain"
)

type stubSource struct {
	mu           sync.Mutex
	price        decimal.Decimal
	funding      decimal.Decimal
	err          error
	priceCalls   int
	fundingCalls int
}

func (s *stubSource) Price(context.Context, domain.Asset) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priceCalls++
	return s.price, s.err
}

func (s *stubSource) FundingRate(context.Context, domain.Asset) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fundingCalls++
	return s.funding, s.err
}

func (s *stubSource) calls() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priceCalls, s.fundingCalls
}

func TestLive_ViewResolvesWatchedKeys(t *testing.T) {
	ctx := context.Background()
	binance := &stubSource{price: decimal.NewFromInt(3000)}
	bybit := &stubSource{price: decimal.RequireFromString("3000.5"), funding: decimal.RequireFromString("0.0001")}
	p, err := NewLive(
		map[domain.Venue]PriceSource{domain.VenueBinance: binance, domain.VenueBybit: bybit},
		LiveConfig{
			Watch: []domain.BalanceKey{
				{Venue: domain.VenueBinance, Asset: "ETH"},
				{Venue: domain.VenueBybit, Asset: "ETH-PERP"},
			},
			WatchFunding: []domain.BalanceKey{{Venue: domain.VenueBybit, Asset: "ETH-PERP"}},
		},
		nil,
	)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	view, err := p.View(ctx, time.Now().UTC())
	require.NoError(t, err)

	price, err := view.Price(domain.VenueBinance, "ETH")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(3000)))
	mark, err := view.Price(domain.VenueBybit, "ETH-PERP")
	require.NoError(t, err)
	assert.True(t, mark.Equal(decimal.RequireFromString("3000.5")))
	rate, err := view.FundingRate(domain.VenueBybit, "ETH-PERP")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.0001")))

	// settlement seeded on every source venue and the wallet
	for _, venue := range []domain.Venue{domain.VenueBinance, domain.VenueBybit, domain.VenueWallet} {
		par, err := view.Price(venue, "USDT")
		require.NoError(t, err)
		assert.True(t, par.Equal(decimal.NewFromInt(1)))
	}
}

func TestLive_CachesBetweenTicks(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{price: decimal.NewFromInt(3000)}
	p, err := NewLive(
		map[domain.Venue]PriceSource{domain.VenueBinance: source},
		LiveConfig{
			Watch: []domain.BalanceKey{{Venue: domain.VenueBinance, Asset: "ETH"}},
			TTL:   time.Minute,
		},
		nil,
	)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	_, err = p.View(ctx, time.Now().UTC())
	require.NoError(t, err)
	p.cache.Wait()

	_, err = p.View(ctx, time.Now().UTC())
	require.NoError(t, err)

	priceCalls, _ := source.calls()
	assert.Equal(t, 1, priceCalls, "second tick should hit the cache")
}

func TestLive_FailedLookupLeavesKeyMissing(t *testing.T) {
	ctx := context.Background()
	p, err := NewLive(
		map[domain.Venue]PriceSource{domain.VenueBinance: &stubSource{err: errors.New("venue down")}},
		LiveConfig{Watch: []domain.BalanceKey{{Venue: domain.VenueBinance, Asset: "ETH"}}},
		nil,
	)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	// the view is still produced; the failed key fails closed at lookup
	view, err := p.View(ctx, time.Now().UTC())
	require.NoError(t, err)
	_, err = view.Price(domain.VenueBinance, "ETH")
	assert.True(t, errors.Is(err, domain.ErrMissing))
}

func TestNewLive_Validation(t *testing.T) {
	watch := []domain.BalanceKey{{Venue: domain.VenueBinance, Asset: "ETH"}}
	sources := map[domain.Venue]PriceSource{domain.VenueBinance: &stubSource{}}

	_, err := NewLive(nil, LiveConfig{Watch: watch}, nil)
	require.Error(t, err)

	_, err = NewLive(sources, LiveConfig{}, nil)
	require.Error(t, err)

	_, err = NewLive(sources, LiveConfig{
		Watch: []domain.BalanceKey{{Venue: domain.VenueHyperliquid, Asset: "ETH"}},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no price source")

	p, err := NewLive(sources, LiveConfig{Watch: watch}, nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	assert.Equal(t, 5*time.Second, p.cfg.TTL)
	assert.Equal(t, time.Minute, p.cfg.MaxAge)
	assert.Equal(t, []domain.Asset{"USDT"}, p.cfg.SettlementAssets)
}
