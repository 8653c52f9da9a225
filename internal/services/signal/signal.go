// Package signal computes the technical indicator series that signal-driven
// strategy modes read off the market view's timeframe.
package signal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
)

// CandleSource serves candle history up to a tick. Backtests read recorded
// series; live sources fetch venue klines.
type CandleSource interface {
	Candles(ctx context.Context, venue domain.Venue, instrument domain.Asset, interval string, at time.Time, limit int) ([]domain.Candle, error)
}

// Config parameterizes the enrichment service.
type Config struct {
	Venue      domain.Venue
	Instrument domain.Asset
	// Interval is the candle interval requested from the source, default 1h.
	Interval string
	// Lookback is how many candles feed the indicators, default 200. The
	// longest indicator needs 50 closes to produce its first value.
	Lookback int
}

// Service fetches candles per tick and attaches the computed timeframe to
// the market view.
type Service struct {
	source CandleSource
	cfg    Config
	log    *zap.Logger
}

// NewService wires the enrichment service.
func NewService(source CandleSource, cfg Config, log *zap.Logger) (*Service, error) {
	if source == nil {
		return nil, errors.New("candle source is required")
	}
	if cfg.Venue == "" || cfg.Instrument == "" {
		return nil, errors.New("venue and instrument are required")
	}
	if cfg.Interval == "" {
		cfg.Interval = "1h"
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 200
	}
	if cfg.Lookback < minCandles {
		return nil, errors.Errorf("lookback %d is below the indicator warmup of %d candles", cfg.Lookback, minCandles)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{source: source, cfg: cfg, log: log}, nil
}

// Enrich computes indicators over the candles visible at the view's tick and
// attaches them as the view's timeframe.
func (s *Service) Enrich(ctx context.Context, view *domain.MarketView) error {
	candles, err := s.source.Candles(ctx, s.cfg.Venue, s.cfg.Instrument, s.cfg.Interval, view.At, s.cfg.Lookback)
	if err != nil {
		return errors.Wrapf(err, "candles %s %s", s.cfg.Venue, s.cfg.Instrument)
	}
	indicators, err := Compute(candles)
	if err != nil {
		return err
	}
	view.Timeframe = domain.NewTimeframe(s.cfg.Interval, candles, indicators)
	s.log.Debug("view enriched",
		zap.String("instrument", string(s.cfg.Instrument)),
		zap.Int("candles", len(candles)),
		zap.Int("indicators", len(indicators)))
	return nil
}
