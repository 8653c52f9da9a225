package orchestrator

import (
	"context"
	"sync"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RunnerConfig sizes the shared instance pool.
type RunnerConfig struct {
	// PoolName labels the goroutine pool. Defaults to "stratex.instances".
	PoolName string
	// PoolCap bounds concurrently running instances. Defaults to the number
	// of engines, so every instance gets its own worker.
	PoolCap int32
}

// Runner drives independent strategy instances in parallel on a named
// goroutine pool. Engines share nothing but the ledger, so no coordination
// beyond the pool is needed.
type Runner struct {
	engines []*Engine
	pool    gopool.Pool
	log     *zap.Logger
}

// NewRunner wires a runner over the engines.
func NewRunner(cfg RunnerConfig, engines []*Engine, log *zap.Logger) (*Runner, error) {
	if len(engines) == 0 {
		return nil, errors.New("at least one engine is required")
	}
	seen := make(map[string]bool, len(engines))
	for _, eng := range engines {
		if seen[eng.Instance()] {
			return nil, errors.Errorf("duplicate instance name %s", eng.Instance())
		}
		seen[eng.Instance()] = true
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PoolName == "" {
		cfg.PoolName = "stratex.instances"
	}
	if cfg.PoolCap <= 0 {
		cfg.PoolCap = int32(len(engines))
	}

	pool := gopool.NewPool(cfg.PoolName, cfg.PoolCap, gopool.NewConfig())
	pool.SetPanicHandler(func(_ context.Context, r interface{}) {
		log.Error("strategy instance panicked", zap.Any("panic", r))
	})

	return &Runner{engines: engines, pool: pool, log: log}, nil
}

// Run launches every engine's loop on the pool and blocks until all of them
// return. Context cancellation is the clean shutdown path; the first real
// engine error is returned after all loops have stopped.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("starting strategy instances",
		zap.Int("instances", len(r.engines)),
		zap.String("pool", r.pool.Name()))

	var wg sync.WaitGroup
	errs := make([]error, len(r.engines))
	for i, eng := range r.engines {
		wg.Add(1)
		r.pool.CtxGo(ctx, func() {
			defer wg.Done()
			err := eng.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				errs[i] = err
				r.log.Error("strategy instance stopped",
					zap.String("instance", eng.Instance()),
					zap.Error(err))
			}
		})
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	r.log.Info("all strategy instances stopped")
	return nil
}
