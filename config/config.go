// Package config loads the engine deployment file: global wiring (ledger
// directory, web listener, venue endpoints, chain contracts) and the list of
// strategy instances. Decimal parameters travel through YAML as strings and
// are parsed here. Secrets never appear in YAML; the command layer reads
// them from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vselivanov/stratex/internal/clients"
	"github.com/vselivanov/stratex/internal/domain"
	"github.com/vselivanov/stratex/internal/services/executor"
	"github.com/vselivanov/stratex/internal/services/signal"
	"github.com/vselivanov/stratex/internal/services/strategy"
)

// Strategy mode names accepted in the instance list.
const (
	ModeMomentum = "momentum"
	ModeBasis    = "basis"
	ModeLending  = "lending"
	ModeLevStake = "levstake"
)

const (
	defaultLedgerDir = "data"
	defaultListen    = ":8080"
)

// App is the parsed deployment configuration.
type App struct {
	LedgerDir   string
	Web         Web
	Hyperliquid Hyperliquid
	// Chain is nil when no chain section is configured; lending and staking
	// venues are then unavailable.
	Chain      *clients.ChainConfig
	Executor   executor.LiveConfig
	MarketData MarketData
	Simulation Simulation
	Instances  []Instance
}

// Web holds the monitoring listener settings.
type Web struct {
	Listen string
}

// Hyperliquid holds the non-secret hyperliquid settings.
type Hyperliquid struct {
	BaseURL string
}

// MarketData holds the view cache settings shared by all instances.
type MarketData struct {
	TTL    time.Duration
	MaxAge time.Duration
}

// Simulation holds the paper-trading fill model parameters.
type Simulation struct {
	SlippageBps decimal.Decimal
	FeeBps      decimal.Decimal
}

// Instance is one strategy instance. Exactly one mode section is set,
// matching Mode.
type Instance struct {
	Name            string
	Mode            string
	SettlementAsset domain.Asset
	Wallet          domain.Venue
	TickInterval    time.Duration
	DustInterval    time.Duration
	DustThreshold   decimal.Decimal
	DustVenues      []domain.Venue
	InitialBalances map[domain.BalanceKey]decimal.Decimal
	Signal          *signal.Config
	Momentum        *strategy.MomentumConfig
	Basis           *strategy.BasisConfig
	Lending         *strategy.LendingConfig
	LevStake        *strategy.LevStakeConfig
	// Execution carries the instance's leverage gates and fill-loop tuning.
	// Identity fields are filled by the command layer, not here.
	Execution *executor.Config
}

type appYAML struct {
	LedgerDir   string          `yaml:"ledger_dir"`
	Web         webYAML         `yaml:"web"`
	Hyperliquid hyperliquidYAML `yaml:"hyperliquid"`
	Chain       *chainYAML      `yaml:"chain"`
	Executor    executorYAML    `yaml:"executor"`
	MarketData  marketDataYAML  `yaml:"marketdata"`
	Simulation  simulationYAML  `yaml:"simulation"`
	Instances   []instanceYAML  `yaml:"instances"`
}

type webYAML struct {
	Listen string `yaml:"listen"`
}

type hyperliquidYAML struct {
	BaseURL string `yaml:"base_url"`
}

type chainYAML struct {
	RPC          string               `yaml:"rpc"`
	Pool         string               `yaml:"pool"`
	Oracle       string               `yaml:"oracle"`
	Adapter      string               `yaml:"adapter"`
	Staking      string               `yaml:"staking"`
	StakingVenue string               `yaml:"staking_venue"`
	PoolVenue    string               `yaml:"pool_venue"`
	GasLimit     uint64               `yaml:"gas_limit"`
	CallTimeout  time.Duration        `yaml:"call_timeout"`
	HealthTTL    time.Duration        `yaml:"health_ttl"`
	Tokens       map[string]tokenYAML `yaml:"tokens"`
}

type tokenYAML struct {
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
}

type executorYAML struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

type marketDataYAML struct {
	TTL    time.Duration `yaml:"ttl"`
	MaxAge time.Duration `yaml:"max_age"`
}

type simulationYAML struct {
	SlippageBps string `yaml:"slippage_bps"`
	FeeBps      string `yaml:"fee_bps"`
}

type instanceYAML struct {
	Name            string        `yaml:"name"`
	Mode            string        `yaml:"mode"`
	SettlementAsset string        `yaml:"settlement_asset"`
	Wallet          string        `yaml:"wallet"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	DustInterval    time.Duration `yaml:"dust_interval"`
	DustThreshold   string        `yaml:"dust_threshold"`
	DustVenues      []string      `yaml:"dust_venues"`
	InitialBalances []balanceYAML `yaml:"initial_balances"`
	Signal          *signalYAML    `yaml:"signal"`
	Momentum        *momentumYAML  `yaml:"momentum"`
	Basis           *basisYAML     `yaml:"basis"`
	Lending         *lendingYAML   `yaml:"lending"`
	LevStake        *levstakeYAML  `yaml:"levstake"`
	Execution       *executionYAML `yaml:"execution"`
}

type executionYAML struct {
	MinHealthFactor      string `yaml:"min_health_factor"`
	LiquidationThreshold string `yaml:"liquidation_threshold"`
	MaxBorrowLTV         string `yaml:"max_borrow_ltv"`
	SafetyBufferBps      string `yaml:"safety_buffer_bps"`
	SwapFeeBps           string `yaml:"swap_fee_bps"`
	IterativeLoop        bool   `yaml:"iterative_loop"`
	MinLoopStep          string `yaml:"min_loop_step"`
}

type balanceYAML struct {
	Venue  string `yaml:"venue"`
	Asset  string `yaml:"asset"`
	Amount string `yaml:"amount"`
}

type signalYAML struct {
	Venue      string `yaml:"venue"`
	Instrument string `yaml:"instrument"`
	Interval   string `yaml:"interval"`
	Lookback   int    `yaml:"lookback"`
}

type momentumYAML struct {
	Venue           string `yaml:"venue"`
	Instrument      string `yaml:"instrument"`
	Leverage        string `yaml:"leverage"`
	StopLossPct     string `yaml:"stop_loss_pct"`
	TakeProfitPct   string `yaml:"take_profit_pct"`
	MinConfidence   string `yaml:"min_confidence"`
	MinMarginRatio  string `yaml:"min_margin_ratio"`
	EquityDeviation string `yaml:"equity_deviation"`
	Overbought      string `yaml:"overbought"`
	Oversold        string `yaml:"oversold"`
}

type basisYAML struct {
	SpotVenue       string `yaml:"spot_venue"`
	BaseAsset       string `yaml:"base_asset"`
	PerpVenue       string `yaml:"perp_venue"`
	Instrument      string `yaml:"instrument"`
	MarginFraction  string `yaml:"margin_fraction"`
	MinFunding      string `yaml:"min_funding"`
	MinMarginRatio  string `yaml:"min_margin_ratio"`
	MaxDeltaDrift   string `yaml:"max_delta_drift"`
	EquityDeviation string `yaml:"equity_deviation"`
}

type lendingYAML struct {
	Venue             string `yaml:"venue"`
	Asset             string `yaml:"asset"`
	MinHealthFactor   string `yaml:"min_health_factor"`
	MinProtocolHealth string `yaml:"min_protocol_health"`
	EquityDeviation   string `yaml:"equity_deviation"`
}

type levstakeYAML struct {
	Venue                string `yaml:"venue"`
	Asset                string `yaml:"asset"`
	TargetLTV            string `yaml:"target_ltv"`
	MinHealthFactor      string `yaml:"min_health_factor"`
	MinProtocolHealth    string `yaml:"min_protocol_health"`
	EquityDeviation      string `yaml:"equity_deviation"`
	CriticalExitFraction string `yaml:"critical_exit_fraction"`
}

// Load reads and validates the YAML deployment file. Empty decimal and
// duration fields stay zero; the owning component applies its default.
func Load(path string) (*App, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc appYAML
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}

	app := &App{
		LedgerDir:   doc.LedgerDir,
		Web:         Web{Listen: doc.Web.Listen},
		Hyperliquid: Hyperliquid{BaseURL: doc.Hyperliquid.BaseURL},
		Executor: executor.LiveConfig{
			PollInterval:   doc.Executor.PollInterval,
			SubmitTimeout:  doc.Executor.SubmitTimeout,
			ConfirmTimeout: doc.Executor.ConfirmTimeout,
			RetryInterval:  doc.Executor.RetryInterval,
		},
		MarketData: MarketData{TTL: doc.MarketData.TTL, MaxAge: doc.MarketData.MaxAge},
	}
	if app.LedgerDir == "" {
		app.LedgerDir = defaultLedgerDir
	}
	if app.Web.Listen == "" {
		app.Web.Listen = defaultListen
	}

	p := &decParser{}
	app.Simulation = Simulation{
		SlippageBps: p.dec("simulation.slippage_bps", doc.Simulation.SlippageBps),
		FeeBps:      p.dec("simulation.fee_bps", doc.Simulation.FeeBps),
	}
	if p.err != nil {
		return nil, p.err
	}

	if doc.Chain != nil {
		app.Chain = doc.Chain.parse()
	}

	if len(doc.Instances) == 0 {
		return nil, fmt.Errorf("no instances configured")
	}
	seen := make(map[string]bool, len(doc.Instances))
	for i := range doc.Instances {
		inst, err := doc.Instances[i].parse()
		if err != nil {
			return nil, err
		}
		if seen[inst.Name] {
			return nil, fmt.Errorf("duplicate instance name %q", inst.Name)
		}
		seen[inst.Name] = true
		app.Instances = append(app.Instances, inst)
	}
	return app, nil
}

func (c *chainYAML) parse() *clients.ChainConfig {
	cfg := &clients.ChainConfig{
		RPC:          c.RPC,
		Pool:         c.Pool,
		Oracle:       c.Oracle,
		Adapter:      c.Adapter,
		Staking:      c.Staking,
		StakingVenue: domain.Venue(c.StakingVenue),
		PoolVenue:    domain.Venue(c.PoolVenue),
		GasLimit:     c.GasLimit,
		CallTimeout:  c.CallTimeout,
		HealthTTL:    c.HealthTTL,
	}
	if len(c.Tokens) > 0 {
		cfg.Tokens = make(map[domain.Asset]clients.TokenConfig, len(c.Tokens))
		for asset, tok := range c.Tokens {
			cfg.Tokens[domain.Asset(asset)] = clients.TokenConfig{
				Address:  tok.Address,
				Decimals: tok.Decimals,
			}
		}
	}
	return cfg
}

func (in *instanceYAML) parse() (Instance, error) {
	if in.Name == "" {
		return Instance{}, fmt.Errorf("instance without a name in yaml config")
	}

	p := &decParser{}
	inst := Instance{
		Name:            in.Name,
		Mode:            in.Mode,
		SettlementAsset: domain.Asset(in.SettlementAsset),
		Wallet:          domain.Venue(in.Wallet),
		TickInterval:    in.TickInterval,
		DustInterval:    in.DustInterval,
		DustThreshold:   p.dec(in.Name+".dust_threshold", in.DustThreshold),
	}
	for _, v := range in.DustVenues {
		inst.DustVenues = append(inst.DustVenues, domain.Venue(v))
	}

	if len(in.InitialBalances) > 0 {
		inst.InitialBalances = make(map[domain.BalanceKey]decimal.Decimal, len(in.InitialBalances))
		for _, b := range in.InitialBalances {
			if b.Venue == "" || b.Asset == "" {
				return Instance{}, fmt.Errorf("incorrect 'initial_balances' param in yaml config for instance %q: venue and asset are required", in.Name)
			}
			amount := p.dec(in.Name+".initial_balances", b.Amount)
			if p.err == nil && !amount.IsPositive() {
				return Instance{}, fmt.Errorf("incorrect 'initial_balances' param in yaml config for instance %q: amount must be positive", in.Name)
			}
			inst.InitialBalances[domain.BalanceKey{Venue: domain.Venue(b.Venue), Asset: domain.Asset(b.Asset)}] = amount
		}
	}

	if in.Signal != nil {
		inst.Signal = &signal.Config{
			Venue:      domain.Venue(in.Signal.Venue),
			Instrument: domain.Asset(in.Signal.Instrument),
			Interval:   in.Signal.Interval,
			Lookback:   in.Signal.Lookback,
		}
	}

	settlement := inst.SettlementAsset
	if in.Momentum != nil {
		inst.Momentum = &strategy.MomentumConfig{
			Venue:               domain.Venue(in.Momentum.Venue),
			Instrument:          domain.Asset(in.Momentum.Instrument),
			SettlementAsset:     settlement,
			Leverage:            p.dec(in.Name+".momentum.leverage", in.Momentum.Leverage),
			StopLossPct:         p.dec(in.Name+".momentum.stop_loss_pct", in.Momentum.StopLossPct),
			TakeProfitPct:       p.dec(in.Name+".momentum.take_profit_pct", in.Momentum.TakeProfitPct),
			MinSignalConfidence: p.dec(in.Name+".momentum.min_confidence", in.Momentum.MinConfidence),
			MinMarginRatio:      p.dec(in.Name+".momentum.min_margin_ratio", in.Momentum.MinMarginRatio),
			EquityDeviation:     p.dec(in.Name+".momentum.equity_deviation", in.Momentum.EquityDeviation),
			Overbought:          p.dec(in.Name+".momentum.overbought", in.Momentum.Overbought),
			Oversold:            p.dec(in.Name+".momentum.oversold", in.Momentum.Oversold),
		}
	}
	if in.Basis != nil {
		inst.Basis = &strategy.BasisConfig{
			SpotVenue:       domain.Venue(in.Basis.SpotVenue),
			BaseAsset:       domain.Asset(in.Basis.BaseAsset),
			PerpVenue:       domain.Venue(in.Basis.PerpVenue),
			Instrument:      domain.Asset(in.Basis.Instrument),
			SettlementAsset: settlement,
			MarginFraction:  p.dec(in.Name+".basis.margin_fraction", in.Basis.MarginFraction),
			MinFunding:      p.dec(in.Name+".basis.min_funding", in.Basis.MinFunding),
			MinMarginRatio:  p.dec(in.Name+".basis.min_margin_ratio", in.Basis.MinMarginRatio),
			MaxDeltaDrift:   p.dec(in.Name+".basis.max_delta_drift", in.Basis.MaxDeltaDrift),
			EquityDeviation: p.dec(in.Name+".basis.equity_deviation", in.Basis.EquityDeviation),
		}
	}
	if in.Lending != nil {
		inst.Lending = &strategy.LendingConfig{
			Venue:             domain.Venue(in.Lending.Venue),
			Asset:             domain.Asset(in.Lending.Asset),
			MinHealthFactor:   p.dec(in.Name+".lending.min_health_factor", in.Lending.MinHealthFactor),
			MinProtocolHealth: p.dec(in.Name+".lending.min_protocol_health", in.Lending.MinProtocolHealth),
			EquityDeviation:   p.dec(in.Name+".lending.equity_deviation", in.Lending.EquityDeviation),
		}
	}
	if in.LevStake != nil {
		inst.LevStake = &strategy.LevStakeConfig{
			Instance:             in.Name,
			Venue:                domain.Venue(in.LevStake.Venue),
			Asset:                domain.Asset(in.LevStake.Asset),
			TargetLTV:            p.dec(in.Name+".levstake.target_ltv", in.LevStake.TargetLTV),
			MinHealthFactor:      p.dec(in.Name+".levstake.min_health_factor", in.LevStake.MinHealthFactor),
			MinProtocolHealth:    p.dec(in.Name+".levstake.min_protocol_health", in.LevStake.MinProtocolHealth),
			EquityDeviation:      p.dec(in.Name+".levstake.equity_deviation", in.LevStake.EquityDeviation),
			CriticalExitFraction: p.dec(in.Name+".levstake.critical_exit_fraction", in.LevStake.CriticalExitFraction),
		}
	}
	if in.Execution != nil {
		inst.Execution = &executor.Config{
			MinHealthFactor:      p.dec(in.Name+".execution.min_health_factor", in.Execution.MinHealthFactor),
			LiquidationThreshold: p.dec(in.Name+".execution.liquidation_threshold", in.Execution.LiquidationThreshold),
			MaxBorrowLTV:         p.dec(in.Name+".execution.max_borrow_ltv", in.Execution.MaxBorrowLTV),
			SafetyBufferBps:      p.dec(in.Name+".execution.safety_buffer_bps", in.Execution.SafetyBufferBps),
			SwapFeeBps:           p.dec(in.Name+".execution.swap_fee_bps", in.Execution.SwapFeeBps),
			IterativeLoop:        in.Execution.IterativeLoop,
			MinLoopStep:          p.dec(in.Name+".execution.min_loop_step", in.Execution.MinLoopStep),
		}
	}
	if p.err != nil {
		return Instance{}, p.err
	}

	if err := inst.checkMode(); err != nil {
		return Instance{}, err
	}
	return inst, nil
}

// checkMode requires exactly one mode section, matching the declared mode.
// Momentum additionally needs a signal section, its entry rule is
// indicator-driven.
func (in *Instance) checkMode() error {
	sections := map[string]bool{
		ModeMomentum: in.Momentum != nil,
		ModeBasis:    in.Basis != nil,
		ModeLending:  in.Lending != nil,
		ModeLevStake: in.LevStake != nil,
	}
	if _, known := sections[in.Mode]; !known {
		return fmt.Errorf("instance %q: unknown mode %q", in.Name, in.Mode)
	}
	if !sections[in.Mode] {
		return fmt.Errorf("instance %q: mode %s needs a %s section", in.Name, in.Mode, in.Mode)
	}
	for mode, present := range sections {
		if present && mode != in.Mode {
			return fmt.Errorf("instance %q: %s section does not match mode %s", in.Name, mode, in.Mode)
		}
	}
	if in.Mode == ModeMomentum && in.Signal == nil {
		return fmt.Errorf("instance %q: momentum mode needs a signal section", in.Name)
	}
	return nil
}

// decParser accumulates the first decimal parse failure so field lists read
// flat. Empty fields stay zero and defer to the component default.
type decParser struct {
	err error
}

func (p *decParser) dec(field, raw string) decimal.Decimal {
	if p.err != nil || raw == "" {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		p.err = fmt.Errorf("incorrect '%s' param in yaml config: %w", field, err)
		return decimal.Decimal{}
	}
	return d
}
