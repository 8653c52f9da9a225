package marketdata

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
)

// PriceSource is the per-venue market read surface the live provider polls.
// Implementations wrap exchange ticker and protocol oracle lookups.
type PriceSource interface {
	Price(ctx context.Context, asset domain.Asset) (decimal.Decimal, error)
	FundingRate(ctx context.Context, instrument domain.Asset) (decimal.Decimal, error)
}

// LiveConfig parameterizes the live provider.
type LiveConfig struct {
	// Watch lists the price keys resolved on every tick.
	Watch []domain.BalanceKey
	// WatchFunding lists the perp instruments whose funding is resolved.
	WatchFunding []domain.BalanceKey
	// TTL caches venue responses between ticks, default 5s.
	TTL time.Duration
	// MaxAge is the staleness bound stamped on views, default 1m. A cached
	// observation keeps its original time, so outliving MaxAge surfaces as
	// ErrStale at lookup rather than as a silently old price.
	MaxAge           time.Duration
	SettlementAssets []domain.Asset
}

// Live assembles views from venue lookups with a short-TTL cache in front,
// so several instances ticking together share one venue round-trip per key.
type Live struct {
	cfg     LiveConfig
	sources map[domain.Venue]PriceSource
	venues  []domain.Venue
	cache   *ristretto.Cache
	log     *zap.Logger
}

// NewLive wires the live provider over per-venue sources. Every watched key
// must have a source for its venue.
func NewLive(sources map[domain.Venue]PriceSource, cfg LiveConfig, log *zap.Logger) (*Live, error) {
	if len(sources) == 0 {
		return nil, errors.New("at least one price source is required")
	}
	if len(cfg.Watch) == 0 {
		return nil, errors.New("watch list is empty")
	}
	for _, key := range append(append([]domain.BalanceKey{}, cfg.Watch...), cfg.WatchFunding...) {
		if _, ok := sources[key.Venue]; !ok {
			return nil, errors.Errorf("no price source for watched venue %s", key.Venue)
		}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Minute
	}
	if len(cfg.SettlementAssets) == 0 {
		cfg.SettlementAssets = []domain.Asset{"USDT"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "market data cache")
	}
	venues := make([]domain.Venue, 0, len(sources))
	for v := range sources {
		venues = append(venues, v)
	}
	return &Live{cfg: cfg, sources: sources, venues: venues, cache: cache, log: log}, nil
}

// Close releases the cache.
func (p *Live) Close() { p.cache.Close() }

// View resolves every watched key through the cache. Failed lookups are
// logged and left missing; the decision path fails closed on them.
func (p *Live) View(ctx context.Context, at time.Time) (*domain.MarketView, error) {
	view := domain.NewMarketView(at, p.cfg.MaxAge)
	for _, key := range p.cfg.Watch {
		point, err := p.price(ctx, key)
		if err != nil {
			lookupFailures.WithLabelValues(string(key.Venue)).Inc()
			p.log.Warn("price lookup failed", zap.String("key", key.String()), zap.Error(err))
			continue
		}
		view.SetPrice(key.Venue, key.Asset, point.Price, point.At)
	}
	for _, key := range p.cfg.WatchFunding {
		rate, err := p.fundingRate(ctx, key)
		if err != nil {
			lookupFailures.WithLabelValues(string(key.Venue)).Inc()
			p.log.Warn("funding lookup failed", zap.String("key", key.String()), zap.Error(err))
			continue
		}
		view.SetFunding(key.Venue, key.Asset, rate)
	}
	seedSettlements(view, p.venues, p.cfg.SettlementAssets)
	return view, nil
}

func (p *Live) price(ctx context.Context, key domain.BalanceKey) (domain.PricePoint, error) {
	cacheKey := "p:" + key.String()
	if v, ok := p.cache.Get(cacheKey); ok {
		cacheHits.Inc()
		return v.(domain.PricePoint), nil
	}
	cacheMisses.Inc()

	lookupsTotal.WithLabelValues(string(key.Venue)).Inc()
	price, err := p.sources[key.Venue].Price(ctx, key.Asset)
	if err != nil {
		return domain.PricePoint{}, err
	}
	point := domain.PricePoint{Price: price, At: time.Now().UTC()}
	p.cache.SetWithTTL(cacheKey, point, 1, p.cfg.TTL)
	return point, nil
}

func (p *Live) fundingRate(ctx context.Context, key domain.BalanceKey) (decimal.Decimal, error) {
	cacheKey := "f:" + key.String()
	if v, ok := p.cache.Get(cacheKey); ok {
		cacheHits.Inc()
		return v.(decimal.Decimal), nil
	}
	cacheMisses.Inc()

	lookupsTotal.WithLabelValues(string(key.Venue)).Inc()
	rate, err := p.sources[key.Venue].FundingRate(ctx, key.Asset)
	if err != nil {
		return decimal.Zero, err
	}
	p.cache.SetWithTTL(cacheKey, rate, 1, p.cfg.TTL)
	return rate, nil
}
