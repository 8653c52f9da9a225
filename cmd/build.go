package cmd

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/config"
	"github.com/vselivanov/stratex/internal/clients"
	"github.com/vselivanov/stratex/internal/domain"
	"github.com/vselivanov/stratex/internal/ledger"
	"github.com/vselivanov/stratex/internal/orchestrator"
	"github.com/vselivanov/stratex/internal/services/executor"
	"github.com/vselivanov/stratex/internal/services/marketdata"
	"github.com/vselivanov/stratex/internal/services/risk"
	signalsvc "github.com/vselivanov/stratex/internal/services/signal"
	"github.com/vselivanov/stratex/internal/services/strategy"
)

// clientSet is the venue wiring one run shares across all instances.
type clientSet struct {
	execution map[domain.Venue]executor.VenueClient
	sources   map[domain.Venue]marketdata.PriceSource
	candles   map[domain.Venue]signalsvc.CandleSource
	protocol  risk.ProtocolSource
}

// referencedVenues collects every venue the configuration routes
// instructions to or prices from. The wallet is passive and excluded.
func referencedVenues(app *config.App) map[domain.Venue]bool {
	out := make(map[domain.Venue]bool)
	add := func(v domain.Venue) {
		if v != "" && v != domain.VenueWallet {
			out[v] = true
		}
	}
	for _, inst := range app.Instances {
		for key := range inst.InitialBalances {
			add(key.Venue)
		}
		for _, v := range inst.DustVenues {
			add(v)
		}
		if inst.Signal != nil {
			add(inst.Signal.Venue)
		}
		switch {
		case inst.Momentum != nil:
			add(inst.Momentum.Venue)
		case inst.Basis != nil:
			add(inst.Basis.SpotVenue)
			add(inst.Basis.PerpVenue)
		case inst.Lending != nil:
			add(inst.Lending.Venue)
		case inst.LevStake != nil:
			add(inst.LevStake.Venue)
		}
	}
	return out
}

// buildClients constructs one client per referenced venue. Live runs need
// credentials for every exchange they execute on; paper runs construct
// keyless clients where the venue allows it and only read prices through
// them. The chain client is read-only without its key either way.
func buildClients(app *config.App, live bool, log *zap.Logger) (*clientSet, error) {
	needed := referencedVenues(app)
	set := &clientSet{
		execution: make(map[domain.Venue]executor.VenueClient),
		sources:   make(map[domain.Venue]marketdata.PriceSource),
		candles:   make(map[domain.Venue]signalsvc.CandleSource),
	}

	var chain *clients.Chain
	if app.Chain != nil {
		cfg := *app.Chain
		cfg.PrivateKey = os.Getenv("CHAIN_PRIVATE_KEY")
		if live && cfg.PrivateKey == "" {
			return nil, errors.New("CHAIN_PRIVATE_KEY environment variable is not set")
		}
		c, err := clients.NewChain(cfg, log)
		if err != nil {
			return nil, errors.Wrap(err, "chain client")
		}
		chain = c
		set.protocol = c
		for _, v := range c.Venues() {
			set.execution[v] = c
			set.sources[v] = c
			delete(needed, v)
		}
	}

	for venue := range needed {
		switch venue {
		case domain.VenueBinance:
			key, secret := os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_API_SECRET")
			if live && (key == "" || secret == "") {
				return nil, errors.New("BINANCE_API_KEY and BINANCE_API_SECRET environment variables are not set")
			}
			c := clients.NewBinance(key, secret, log)
			set.execution[venue] = c
			set.sources[venue] = c
			set.candles[venue] = c
		case domain.VenueBybit:
			key, secret := os.Getenv("BYBIT_API_KEY"), os.Getenv("BYBIT_API_SECRET")
			if live && (key == "" || secret == "") {
				return nil, errors.New("BYBIT_API_KEY and BYBIT_API_SECRET environment variables are not set")
			}
			c := clients.NewBybit(key, secret, log)
			set.execution[venue] = c
			set.sources[venue] = c
		case domain.VenueHyperliquid:
			// the SDK signs info requests too, so the key is needed even
			// for paper runs that only read mids
			key, err := requireEnv("HYPERLIQUID_PRIVATE_KEY")
			if err != nil {
				return nil, err
			}
			c, err := clients.NewHyperliquid(key, app.Hyperliquid.BaseURL, log)
			if err != nil {
				return nil, errors.Wrap(err, "hyperliquid client")
			}
			set.execution[venue] = c
			set.sources[venue] = c
			set.candles[venue] = c
		default:
			return nil, errors.Errorf("no client serves venue %s, configure a chain section or use a known exchange", venue)
		}
	}

	// Wallet balances get valued through a real source: chain oracles take
	// precedence since staked collateral is what typically parks there.
	for _, v := range []domain.Venue{"", domain.VenueBinance, domain.VenueBybit, domain.VenueHyperliquid} {
		if v == "" {
			if chain != nil {
				set.sources[domain.VenueWallet] = chain
				break
			}
			continue
		}
		if src, ok := set.sources[v]; ok {
			set.sources[domain.VenueWallet] = src
			break
		}
	}

	return set, nil
}

// watchSet derives the market data watch lists from the instance configs:
// each mode's traded keys, plus any non-settlement balance an instance
// starts with. Settlement assets price at par and need no venue lookup.
func watchSet(app *config.App) (watch, funding []domain.BalanceKey, settlements []domain.Asset) {
	seenW := make(map[domain.BalanceKey]bool)
	seenF := make(map[domain.BalanceKey]bool)
	seenS := make(map[domain.Asset]bool)
	addW := func(venue domain.Venue, asset domain.Asset) {
		if venue == "" || asset == "" {
			return
		}
		key := domain.BalanceKey{Venue: venue, Asset: asset}
		if !seenW[key] {
			seenW[key] = true
			watch = append(watch, key)
		}
	}
	addF := func(venue domain.Venue, instrument domain.Asset) {
		key := domain.BalanceKey{Venue: venue, Asset: instrument}
		if !seenF[key] {
			seenF[key] = true
			funding = append(funding, key)
		}
	}

	for _, inst := range app.Instances {
		if !seenS[inst.SettlementAsset] {
			seenS[inst.SettlementAsset] = true
			settlements = append(settlements, inst.SettlementAsset)
		}
		for key := range inst.InitialBalances {
			if key.Asset != inst.SettlementAsset {
				addW(key.Venue, key.Asset)
			}
		}
		switch {
		case inst.Momentum != nil:
			addW(inst.Momentum.Venue, inst.Momentum.Instrument)
			addF(inst.Momentum.Venue, inst.Momentum.Instrument)
		case inst.Basis != nil:
			addW(inst.Basis.SpotVenue, inst.Basis.BaseAsset)
			addW(inst.Basis.PerpVenue, inst.Basis.Instrument)
			addF(inst.Basis.PerpVenue, inst.Basis.Instrument)
		case inst.Lending != nil:
			if inst.Lending.Asset != inst.SettlementAsset {
				addW(inst.Lending.Venue, inst.Lending.Asset)
				addW(domain.VenueWallet, inst.Lending.Asset)
			}
		case inst.LevStake != nil:
			addW(inst.LevStake.Venue, inst.LevStake.Asset)
			addW(domain.VenueWallet, inst.LevStake.Asset)
		}
	}
	return watch, funding, settlements
}

// buildMarket assembles the shared live view provider over the client set.
// One provider serves every instance, so venues are hit once per tick burst
// no matter how many instances watch the same key.
func buildMarket(app *config.App, set *clientSet, log *zap.Logger) (*marketdata.Live, error) {
	watch, funding, settlements := watchSet(app)
	return marketdata.NewLive(set.sources, marketdata.LiveConfig{
		Watch:            watch,
		WatchFunding:     funding,
		TTL:              app.MarketData.TTL,
		MaxAge:           app.MarketData.MaxAge,
		SettlementAssets: settlements,
	}, log)
}

// buildEngine assembles one orchestrated instance: the mode's decision
// engine, its planner and risk assessor over the shared position registry,
// and an execution manager writing through the shared ledger.
func buildEngine(
	inst config.Instance,
	set *clientSet,
	market orchestrator.MarketSource,
	registry *executor.Registry,
	journal *ledger.Ledger,
	filler executor.Filler,
	log *zap.Logger,
) (*orchestrator.Engine, error) {
	var (
		mode strategy.Mode
		rcfg = risk.Config{
			Instance:        inst.Name,
			SettlementAsset: inst.SettlementAsset,
		}
	)
	switch inst.Mode {
	case config.ModeMomentum:
		m, err := strategy.NewMomentum(*inst.Momentum)
		if err != nil {
			return nil, errors.Wrapf(err, "instance %s", inst.Name)
		}
		mode = m
		rcfg.PerpVenue = inst.Momentum.Venue
		rcfg.PerpInstrument = inst.Momentum.Instrument
	case config.ModeBasis:
		b, err := strategy.NewBasis(*inst.Basis)
		if err != nil {
			return nil, errors.Wrapf(err, "instance %s", inst.Name)
		}
		mode = b
		rcfg.SpotVenue = inst.Basis.SpotVenue
		rcfg.BaseAsset = inst.Basis.BaseAsset
		rcfg.PerpVenue = inst.Basis.PerpVenue
		rcfg.PerpInstrument = inst.Basis.Instrument
	case config.ModeLending:
		l, err := strategy.NewLending(*inst.Lending)
		if err != nil {
			return nil, errors.Wrapf(err, "instance %s", inst.Name)
		}
		mode = l
		rcfg.LendingVenue = inst.Lending.Venue
		rcfg.BaseAsset = inst.Lending.Asset
	case config.ModeLevStake:
		l, err := strategy.NewLevStake(*inst.LevStake, registry)
		if err != nil {
			return nil, errors.Wrapf(err, "instance %s", inst.Name)
		}
		mode = l
		rcfg.LendingVenue = inst.LevStake.Venue
		rcfg.BaseAsset = inst.LevStake.Asset
	default:
		return nil, errors.Errorf("instance %s: unknown mode %s", inst.Name, inst.Mode)
	}

	planner, err := strategy.NewPlanner(strategy.PlannerConfig{
		Instance:        inst.Name,
		SettlementAsset: inst.SettlementAsset,
		Wallet:          inst.Wallet,
		DustNotional:    inst.DustThreshold,
	}, registry)
	if err != nil {
		return nil, errors.Wrapf(err, "instance %s: planner", inst.Name)
	}
	decider, err := strategy.NewEngine(mode, planner, log)
	if err != nil {
		return nil, errors.Wrapf(err, "instance %s: decision engine", inst.Name)
	}

	assessor := risk.NewAssessor(rcfg, registry, set.protocol, log)

	var enricher orchestrator.Enricher
	if inst.Signal != nil {
		source, ok := set.candles[inst.Signal.Venue]
		if !ok {
			return nil, errors.Errorf("instance %s: no candle source for venue %s", inst.Name, inst.Signal.Venue)
		}
		svc, err := signalsvc.NewService(source, *inst.Signal, log)
		if err != nil {
			return nil, errors.Wrapf(err, "instance %s: signal service", inst.Name)
		}
		enricher = svc
	}

	ecfg := executor.Config{}
	if inst.Execution != nil {
		ecfg = *inst.Execution
	}
	ecfg.Instance = inst.Name
	ecfg.SettlementAsset = inst.SettlementAsset
	ecfg.Wallet = inst.Wallet
	manager, err := executor.NewManager(ecfg, journal, filler, registry, log)
	if err != nil {
		return nil, errors.Wrapf(err, "instance %s: executor", inst.Name)
	}

	return orchestrator.NewEngine(orchestrator.Config{
		Instance:        inst.Name,
		SettlementAsset: inst.SettlementAsset,
		TickInterval:    inst.TickInterval,
		InitialBalances: inst.InitialBalances,
		DustInterval:    inst.DustInterval,
		DustThreshold:   inst.DustThreshold,
		DustVenues:      inst.DustVenues,
	}, market, enricher, assessor, decider, manager, journal, log)
}
