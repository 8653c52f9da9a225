package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/config"
	"github.com/vselivanov/stratex/internal/domain"
	"github.com/vselivanov/stratex/internal/ledger"
	"github.com/vselivanov/stratex/internal/orchestrator"
	"github.com/vselivanov/stratex/internal/services/executor"
	"github.com/vselivanov/stratex/internal/services/marketdata"
	signalsvc "github.com/vselivanov/stratex/internal/services/signal"
)

var (
	historyPaths      []string
	candlePaths       []string
	backtestLedgerDir string
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay recorded market data through the configured instances",
	Long: `Drives every instance through the recorded series tick by tick with
simulated fills. No venue credentials are needed; the run writes its own
audit ledger, so results can be exported and verified like a live run.

Price rows are timestamp,venue,asset,price[,funding]. Candle rows for
signal-driven instances are
open_time,venue,instrument,interval,open,high,low,close,volume,close_time.`,
	RunE: runBacktest,
}

func init() {
	backtestCmd.Flags().StringSliceVar(&historyPaths, "history", nil, "price history CSV, repeatable")
	backtestCmd.Flags().StringSliceVar(&candlePaths, "candles", nil, "candle history CSV for signal enrichment, repeatable")
	backtestCmd.Flags().StringVar(&backtestLedgerDir, "ledger", "backtest-data", "directory for the backtest's audit ledger")
	_ = backtestCmd.MarkFlagRequired("history")
	rootCmd.AddCommand(backtestCmd)
}

func runBacktest(cmd *cobra.Command, _ []string) error {
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

	venues := make([]domain.Venue, 0)
	for v := range referencedVenues(app) {
		venues = append(venues, v)
	}
	_, _, settlements := watchSet(app)

	hist := marketdata.NewHistory(marketdata.HistoryConfig{
		MaxAge:           app.MarketData.MaxAge,
		Venues:           venues,
		SettlementAssets: settlements,
	}, log)
	for _, path := range historyPaths {
		if err := hist.LoadCSV(path); err != nil {
			return err
		}
	}
	for _, path := range candlePaths {
		if err := hist.LoadCandlesCSV(path); err != nil {
			return err
		}
	}

	journal, err := ledger.New(backtestLedgerDir, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := journal.Close(); cerr != nil {
			log.Warn("ledger close", zap.Error(cerr))
		}
	}()

	registry := executor.NewRegistry()
	set := &clientSet{candles: make(map[domain.Venue]signalsvc.CandleSource)}
	for _, inst := range app.Instances {
		if inst.Signal != nil {
			set.candles[inst.Signal.Venue] = hist
		}
	}

	engines := make([]*orchestrator.Engine, 0, len(app.Instances))
	for _, inst := range app.Instances {
		filler, err := executor.NewSimulatedFiller(executor.SimulatedConfig{
			SettlementAsset: inst.SettlementAsset,
			Wallet:          inst.Wallet,
			SlippageBps:     app.Simulation.SlippageBps,
			FeeBps:          app.Simulation.FeeBps,
		}, log)
		if err != nil {
			return err
		}
		eng, err := buildEngine(inst, set, hist, registry, journal, filler, log)
		if err != nil {
			return err
		}
		engines = append(engines, eng)
	}

	bt, err := orchestrator.NewBacktest(hist, engines, log)
	if err != nil {
		return err
	}
	results, err := bt.Run(cmd.Context())
	if err != nil {
		return err
	}
	for _, res := range results {
		log.Info("backtest result",
			zap.String("instance", res.Instance),
			zap.Int("ticks", res.Ticks),
			zap.Int("tick_errors", res.TickErrors),
			zap.String("final_equity", res.FinalEquity.StringFixed(2)))
	}
	return nil
}
