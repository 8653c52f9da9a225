package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vselivanov/stratex/config"
	"github.com/vselivanov/stratex/internal/ledger"
	"github.com/vselivanov/stratex/internal/orchestrator"
	"github.com/vselivanov/stratex/internal/services/executor"
	"github.com/vselivanov/stratex/internal/web"
)

var paper bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured strategy instances",
	Long: `Runs every instance in the deployment file on its own tick loop
against the shared audit ledger, and serves the monitoring API.

With --paper, fills are simulated from the live market view instead of
being routed to venues. The ledger records them the same way, so a paper
run produces a fully auditable trail.`,
	RunE: runInstances,
}

func init() {
	runCmd.Flags().BoolVar(&paper, "paper", false, "simulate fills instead of routing orders to venues")
	rootCmd.AddCommand(runCmd)
}

func runInstances(cmd *cobra.Command, _ []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
	}()

	app, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	set, err := buildClients(app, !paper, log)
	if err != nil {
		return err
	}
	market, err := buildMarket(app, set, log)
	if err != nil {
		return err
	}
	defer market.Close()

	journal, err := ledger.New(app.LedgerDir, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := journal.Close(); cerr != nil {
			log.Warn("ledger close", zap.Error(cerr))
		}
	}()

	registry := executor.NewRegistry()

	var liveFiller executor.Filler
	if !paper {
		liveFiller, err = executor.NewLiveFiller(set.execution, app.Executor, log)
		if err != nil {
			return err
		}
	}

	engines := make([]*orchestrator.Engine, 0, len(app.Instances))
	views := make([]web.InstanceView, 0, len(app.Instances))
	for _, inst := range app.Instances {
		filler := liveFiller
		if paper {
			filler, err = executor.NewSimulatedFiller(executor.SimulatedConfig{
				SettlementAsset: inst.SettlementAsset,
				Wallet:          inst.Wallet,
				SlippageBps:     app.Simulation.SlippageBps,
				FeeBps:          app.Simulation.FeeBps,
			}, log)
			if err != nil {
				return errors.Wrapf(err, "instance %s: simulated filler", inst.Name)
			}
		}
		eng, err := buildEngine(inst, set, market, registry, journal, filler, log)
		if err != nil {
			return err
		}
		engines = append(engines, eng)
		views = append(views, eng)
	}

	runner, err := orchestrator.NewRunner(orchestrator.RunnerConfig{}, engines, log)
	if err != nil {
		return err
	}
	srv, err := web.NewServer(web.Config{Addr: app.Web.Listen}, journal, views, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("stratex starting",
		zap.Int("instances", len(engines)),
		zap.Bool("paper", paper),
		zap.String("listen", app.Web.Listen),
		zap.String("ledger_dir", app.LedgerDir))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return srv.Start(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("stratex stopped")
	return nil
}
