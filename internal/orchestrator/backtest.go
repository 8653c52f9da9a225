package orchestrator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
)

// Clock yields the evaluation timestamps of a recorded series, in order.
// marketdata.History satisfies it.
type Clock interface {
	Timestamps() []time.Time
}

// Result summarizes one instance's backtest run.
type Result struct {
	Instance    string
	Ticks       int
	TickErrors  int
	FinalEquity decimal.Decimal
}

// Backtest replays a recorded series through one or more engines. All
// engines evaluate each timestamp in a fixed order, so the ledger's event
// interleaving is deterministic run to run.
type Backtest struct {
	clock   Clock
	engines []*Engine
	log     *zap.Logger
}

// NewBacktest wires a backtest over the clock's timestamps.
func NewBacktest(clock Clock, engines []*Engine, log *zap.Logger) (*Backtest, error) {
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if len(engines) == 0 {
		return nil, errors.New("at least one engine is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Backtest{clock: clock, engines: engines, log: log}, nil
}

// Run seeds every engine and drives all timestamps through them. Tick errors
// are counted and logged but do not stop the run; context cancellation does.
func (b *Backtest) Run(ctx context.Context) ([]Result, error) {
	timestamps := b.clock.Timestamps()
	if len(timestamps) == 0 {
		return nil, errors.New("the series has no timestamps")
	}

	results := make([]Result, len(b.engines))
	for i, eng := range b.engines {
		if err := eng.Seed(ctx); err != nil {
			return nil, errors.Wrapf(err, "seed %s", eng.Instance())
		}
		results[i].Instance = eng.Instance()
	}

	b.log.Info("backtest started",
		zap.Int("instances", len(b.engines)),
		zap.Int("ticks", len(timestamps)),
		zap.Time("from", timestamps[0]),
		zap.Time("until", timestamps[len(timestamps)-1]))

	for _, ts := range timestamps {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		for i, eng := range b.engines {
			results[i].Ticks++
			if err := eng.Tick(ctx, ts, domain.TriggerSchedule); err != nil {
				results[i].TickErrors++
				eng.logTickErr(err)
			}
		}
	}

	last := timestamps[len(timestamps)-1]
	for i, eng := range b.engines {
		equity, err := eng.Valuation(ctx, last)
		if err != nil {
			b.log.Warn("final valuation failed",
				zap.String("instance", eng.Instance()),
				zap.Error(err))
			continue
		}
		results[i].FinalEquity = equity
		b.log.Info("backtest finished",
			zap.String("instance", eng.Instance()),
			zap.Int("ticks", results[i].Ticks),
			zap.Int("tick_errors", results[i].TickErrors),
			zap.String("final_equity", equity.StringFixed(2)))
	}
	return results, nil
}
