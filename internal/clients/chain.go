package clients

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
	"github.com/vselivanov/stratex/internal/services/executor"
)

// Lending pool, Aave v3 interface. Account data values are USD-based with 8
// decimals, the health factor is a wad.
const poolABIJSON = `[
	{"inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"name":"supply","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"name":"withdraw","outputs":[{"name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"user","type":"address"}],"name":"getUserAccountData","outputs":[{"name":"totalCollateralBase","type":"uint256"},{"name":"totalDebtBase","type":"uint256"},{"name":"availableBorrowsBase","type":"uint256"},{"name":"currentLiquidationThreshold","type":"uint256"},{"name":"ltv","type":"uint256"},{"name":"healthFactor","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const oracleABIJSON = `[{"inputs":[{"name":"asset","type":"address"}],"name":"getAssetPrice","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

// Leverage adapter periphery. The contract runs the supply-borrow-swap loop
// inside one transaction, so a revert anywhere unwinds the whole bundle.
const adapterABIJSON = `[
	{"inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"targetLtvBps","type":"uint256"}],"name":"enterLeverage","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"asset","type":"address"},{"name":"fractionBps","type":"uint256"}],"name":"exitLeverage","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const stakingABIJSON = `[{"inputs":[{"name":"referral","type":"address"}],"name":"submit","outputs":[{"name":"","type":"uint256"}],"stateMutability":"payable","type":"function"}]`

// TokenConfig locates an ERC20 and its on-chain scale.
type TokenConfig struct {
	Address  string
	Decimals int32
}

// ChainConfig parameterizes the on-chain venue client.
type ChainConfig struct {
	RPC string
	// PrivateKey signs transactions. Empty leaves the client read-only:
	// oracle prices work, transactions and account state do not.
	PrivateKey string
	// Pool is the lending pool address; Oracle its price oracle.
	Pool   string
	Oracle string
	// Adapter is the leverage loop periphery contract. Empty disables
	// leverage instructions.
	Adapter string
	// Staking is the liquid staking entry contract; instructions whose
	// venue equals StakingVenue route there. Empty disables staking.
	Staking      string
	StakingVenue domain.Venue
	// PoolVenue is the venue label pool instructions run under, default
	// aave.
	PoolVenue domain.Venue
	Tokens       map[domain.Asset]TokenConfig
	// GasLimit caps each transaction, default 900000. The leverage loop is
	// the dimensioning call.
	GasLimit uint64
	// CallTimeout bounds read-only calls issued outside a request context,
	// default 10s.
	CallTimeout time.Duration
	// HealthTTL caches account health between risk reads, default 5s.
	HealthTTL time.Duration
}

func (c *ChainConfig) applyDefaults() {
	if c.PoolVenue == "" {
		c.PoolVenue = domain.VenueAave
	}
	if c.GasLimit == 0 {
		c.GasLimit = 900_000
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.HealthTTL <= 0 {
		c.HealthTTL = 5 * time.Second
	}
}

func (c *ChainConfig) validate() error {
	if c.RPC == "" {
		return errors.New("rpc endpoint is required")
	}
	if c.Pool == "" {
		return errors.New("pool address is required")
	}
	if c.Oracle == "" {
		return errors.New("oracle address is required")
	}
	if c.Staking != "" && c.StakingVenue == "" {
		return errors.New("staking venue is required when a staking contract is set")
	}
	return nil
}

type chainOrder struct {
	venue  domain.Venue
	amount decimal.Decimal
}

type healthPoint struct {
	at time.Time
	hf decimal.Decimal
	ok bool
}

// Chain drives lending, staking and leverage instructions as signed
// transactions against one EVM chain, and serves protocol account state to
// the risk assessor. One instance can back several venue labels, the pool
// venue and the staking venue typically.
type Chain struct {
	cfg     ChainConfig
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	pool    abi.ABI
	oracle  abi.ABI
	adapter abi.ABI
	staking abi.ABI
	log     *zap.Logger

	mu      sync.Mutex
	chainID *big.Int
	orders  map[string]chainOrder
	health  *healthPoint
}

// NewChain parses the signing key, compiles the contract interfaces and
// dials the RPC endpoint. The connection itself is lazy; the first venue
// call surfaces reachability problems.
func NewChain(cfg ChainConfig, log *zap.Logger) (*Chain, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Without a signing key the client still serves oracle prices and can be
	// used for read-only calls, but refuses transactions and account state.
	var privateKey *ecdsa.PrivateKey
	var from common.Address
	if cfg.PrivateKey != "" {
		key := cfg.PrivateKey
		if len(key) >= 2 && (key[:2] == "0x" || key[:2] == "0X") {
			key = key[2:]
		}
		parsed, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, errors.Wrap(err, "parse signing key")
		}
		privateKey = parsed
		from = crypto.PubkeyToAddress(parsed.PublicKey)
	}

	pool, err := abi.JSON(strings.NewReader(poolABIJSON))
	if err != nil {
		return nil, errors.Wrap(err, "parse pool ABI")
	}
	oracle, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		return nil, errors.Wrap(err, "parse oracle ABI")
	}
	adapter, err := abi.JSON(strings.NewReader(adapterABIJSON))
	if err != nil {
		return nil, errors.Wrap(err, "parse adapter ABI")
	}
	staking, err := abi.JSON(strings.NewReader(stakingABIJSON))
	if err != nil {
		return nil, errors.Wrap(err, "parse staking ABI")
	}

	client, err := ethclient.Dial(cfg.RPC)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", cfg.RPC)
	}

	if log == nil {
		log = zap.NewNop()
	}
	return &Chain{
		cfg:     cfg,
		client:  client,
		key:     privateKey,
		from:    from,
		pool:    pool,
		oracle:  oracle,
		adapter: adapter,
		staking: staking,
		log:     log,
		orders:  make(map[string]chainOrder),
	}, nil
}

// From returns the signer address.
func (c *Chain) From() common.Address { return c.from }

// Venues lists the venue labels this client serves: the pool venue plus the
// staking venue when a staking contract is configured.
func (c *Chain) Venues() []domain.Venue {
	out := []domain.Venue{c.cfg.PoolVenue}
	if c.cfg.Staking != "" && c.cfg.StakingVenue != "" {
		out = append(out, c.cfg.StakingVenue)
	}
	return out
}

// SubmitOrder signs and broadcasts the transaction for the instruction and
// returns the transaction hash as the venue reference.
func (c *Chain) SubmitOrder(ctx context.Context, req executor.OrderRequest) (string, error) {
	in := req.Instruction

	var (
		ref string
		err error
	)
	switch in.Type {
	case domain.InstructionLend:
		if c.isStakingVenue(in.Venue) {
			ref, err = c.stake(ctx, in)
		} else {
			ref, err = c.supply(ctx, in)
		}
	case domain.InstructionWithdraw:
		if c.isStakingVenue(in.Venue) {
			// unstaking settles through the protocol's withdrawal queue
			// over days, outside this engine's execution window
			return "", hardErr(in.Venue, "submit", errors.New("unstake is not automated, settle through the withdrawal queue"))
		}
		ref, err = c.withdraw(ctx, in)
	case domain.InstructionLeverageEnter:
		ref, err = c.enterLeverage(ctx, in)
	case domain.InstructionLeverageExit:
		ref, err = c.exitLeverage(ctx, in)
	default:
		return "", hardErr(in.Venue, "submit", errors.Errorf("%s is not routable on chain", in.Type))
	}
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.orders[ref] = chainOrder{venue: in.Venue, amount: in.Amount}
	c.mu.Unlock()

	c.log.Info("transaction broadcast",
		zap.String("instance", req.Instance),
		zap.String("instruction", in.String()),
		zap.String("tx", ref))
	return ref, nil
}

// OrderStatus resolves the transaction receipt. A missing receipt means the
// transaction is still pending; a mined receipt is terminal either way.
func (c *Chain) OrderStatus(ctx context.Context, venueRef string) (executor.OrderStatus, error) {
	c.mu.Lock()
	order, known := c.orders[venueRef]
	c.mu.Unlock()
	venue := c.cfg.PoolVenue
	if known {
		venue = order.venue
	}

	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(venueRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return executor.OrderStatus{}, nil
		}
		return executor.OrderStatus{}, transientErr(venue, "status", err)
	}

	c.mu.Lock()
	delete(c.orders, venueRef)
	c.mu.Unlock()

	if receipt.EffectiveGasPrice != nil {
		gasWei := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
		c.log.Info("transaction mined",
			zap.String("tx", venueRef),
			zap.Uint64("block", receipt.BlockNumber.Uint64()),
			zap.String("gas_native", decimal.NewFromBigInt(gasWei, -18).String()))
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return executor.OrderStatus{Done: true, FailReason: "transaction reverted"}, nil
	}
	return executor.OrderStatus{Done: true, Filled: order.amount}, nil
}

// ProtocolHealth reports missing: the pool ABI wired here carries no
// protocol-wide solvency view, only per-account data. The assessor omits
// the metric and instances fall back on their account health floor.
func (c *Chain) ProtocolHealth(venue domain.Venue) (decimal.Decimal, error) {
	return decimal.Zero, errors.Wrapf(domain.ErrMissing, "no protocol health probe for %s", venue)
}

// AccountHealthFactor serves the pool's liquidation ratio for the signer, a
// wad on chain. A debt-free account reports no health factor at all rather
// than the pool's infinity sentinel.
func (c *Chain) AccountHealthFactor(domain.Venue) (decimal.Decimal, bool, error) {
	if c.key == nil {
		return decimal.Zero, false, errors.New("no signing key configured")
	}
	c.mu.Lock()
	cached := c.health
	c.mu.Unlock()
	if cached != nil && time.Since(cached.at) < c.cfg.HealthTTL {
		return cached.hf, cached.ok, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()

	raw, err := c.call(ctx, common.HexToAddress(c.cfg.Pool), c.pool, "getUserAccountData", c.from)
	if err != nil {
		return decimal.Zero, false, errors.Wrap(err, "account data")
	}
	vals, err := c.pool.Unpack("getUserAccountData", raw)
	if err != nil {
		return decimal.Zero, false, errors.Wrap(err, "unpack account data")
	}
	if len(vals) < 6 {
		return decimal.Zero, false, errors.Errorf("account data has %d fields, want 6", len(vals))
	}
	debt, ok := vals[1].(*big.Int)
	if !ok {
		return decimal.Zero, false, errors.New("total debt is not a uint256")
	}
	hfWad, ok := vals[5].(*big.Int)
	if !ok {
		return decimal.Zero, false, errors.New("health factor is not a uint256")
	}

	hf, has := healthFromAccountData(debt, hfWad)
	c.mu.Lock()
	c.health = &healthPoint{at: time.Now(), hf: hf, ok: has}
	c.mu.Unlock()
	return hf, has, nil
}

// healthFromAccountData scales the wad health factor. With no debt the pool
// reports max uint256, which carries no information.
func healthFromAccountData(totalDebtBase, healthFactorWad *big.Int) (decimal.Decimal, bool) {
	if totalDebtBase == nil || totalDebtBase.Sign() == 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromBigInt(healthFactorWad, -18), true
}

// Price reads the pool oracle, USD base with 8 decimals.
func (c *Chain) Price(ctx context.Context, asset domain.Asset) (decimal.Decimal, error) {
	tok, err := c.token(asset)
	if err != nil {
		return decimal.Zero, err
	}
	raw, err := c.call(ctx, common.HexToAddress(c.cfg.Oracle), c.oracle, "getAssetPrice", common.HexToAddress(tok.Address))
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "oracle price %s", asset)
	}
	return decimal.NewFromBigInt(new(big.Int).SetBytes(raw), -8), nil
}

// FundingRate reports missing: lending venues carry no funding.
func (c *Chain) FundingRate(context.Context, domain.Asset) (decimal.Decimal, error) {
	return decimal.Zero, errors.Wrap(domain.ErrMissing, "funding does not apply to lending venues")
}

func (c *Chain) supply(ctx context.Context, in domain.Instruction) (string, error) {
	tok, err := c.token(in.Asset)
	if err != nil {
		return "", hardErr(in.Venue, "submit", err)
	}
	data, err := c.pool.Pack("supply",
		common.HexToAddress(tok.Address), tokenAmount(in.Amount, tok.Decimals), c.from, uint16(0))
	if err != nil {
		return "", hardErr(in.Venue, "submit", errors.Wrap(err, "pack supply"))
	}
	return c.sendTx(ctx, in.Venue, common.HexToAddress(c.cfg.Pool), nil, data)
}

func (c *Chain) withdraw(ctx context.Context, in domain.Instruction) (string, error) {
	tok, err := c.token(in.Asset)
	if err != nil {
		return "", hardErr(in.Venue, "submit", err)
	}
	data, err := c.pool.Pack("withdraw",
		common.HexToAddress(tok.Address), tokenAmount(in.Amount, tok.Decimals), c.from)
	if err != nil {
		return "", hardErr(in.Venue, "submit", errors.Wrap(err, "pack withdraw"))
	}
	return c.sendTx(ctx, in.Venue, common.HexToAddress(c.cfg.Pool), nil, data)
}

func (c *Chain) stake(ctx context.Context, in domain.Instruction) (string, error) {
	data, err := c.staking.Pack("submit", common.Address{})
	if err != nil {
		return "", hardErr(in.Venue, "submit", errors.Wrap(err, "pack submit"))
	}
	// the native asset rides as transaction value, 18 decimals
	return c.sendTx(ctx, in.Venue, common.HexToAddress(c.cfg.Staking), tokenAmount(in.Amount, 18), data)
}

func (c *Chain) enterLeverage(ctx context.Context, in domain.Instruction) (string, error) {
	if c.cfg.Adapter == "" {
		return "", hardErr(in.Venue, "submit", errors.New("no leverage adapter configured"))
	}
	tok, err := c.token(in.Asset)
	if err != nil {
		return "", hardErr(in.Venue, "submit", err)
	}
	data, err := c.adapter.Pack("enterLeverage",
		common.HexToAddress(tok.Address), tokenAmount(in.Amount, tok.Decimals), bps(in.TargetLTV))
	if err != nil {
		return "", hardErr(in.Venue, "submit", errors.Wrap(err, "pack enterLeverage"))
	}
	return c.sendTx(ctx, in.Venue, common.HexToAddress(c.cfg.Adapter), nil, data)
}

func (c *Chain) exitLeverage(ctx context.Context, in domain.Instruction) (string, error) {
	if c.cfg.Adapter == "" {
		return "", hardErr(in.Venue, "submit", errors.New("no leverage adapter configured"))
	}
	tok, err := c.token(in.Asset)
	if err != nil {
		return "", hardErr(in.Venue, "submit", err)
	}
	data, err := c.adapter.Pack("exitLeverage",
		common.HexToAddress(tok.Address), bps(in.UnwindFraction))
	if err != nil {
		return "", hardErr(in.Venue, "submit", errors.Wrap(err, "pack exitLeverage"))
	}
	return c.sendTx(ctx, in.Venue, common.HexToAddress(c.cfg.Adapter), nil, data)
}

// sendTx signs and broadcasts one transaction. Failures before broadcast are
// transient, the retrier re-derives nonce and gas on the next attempt.
func (c *Chain) sendTx(ctx context.Context, venue domain.Venue, to common.Address, value *big.Int, data []byte) (string, error) {
	if c.key == nil {
		return "", hardErr(venue, "submit", errors.New("no signing key configured"))
	}
	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", transientErr(venue, "submit", errors.Wrap(err, "nonce"))
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", transientErr(venue, "submit", errors.Wrap(err, "gas price"))
	}
	chainID, err := c.networkID(ctx)
	if err != nil {
		return "", transientErr(venue, "submit", errors.Wrap(err, "chain id"))
	}

	if value == nil {
		value = big.NewInt(0)
	}
	tx := types.NewTransaction(nonce, to, value, c.cfg.GasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(chainID), c.key)
	if err != nil {
		return "", hardErr(venue, "submit", errors.Wrap(err, "sign transaction"))
	}
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", transientErr(venue, "submit", errors.Wrap(err, "broadcast"))
	}
	return signedTx.Hash().Hex(), nil
}

func (c *Chain) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]byte, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	return c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func (c *Chain) networkID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	id := c.chainID
	c.mu.Unlock()
	if id != nil {
		return id, nil
	}
	id, err := c.client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return id, nil
}

func (c *Chain) token(asset domain.Asset) (TokenConfig, error) {
	tok, ok := c.cfg.Tokens[asset]
	if !ok {
		return TokenConfig{}, errors.Errorf("no token configured for %s", asset)
	}
	return tok, nil
}

func (c *Chain) isStakingVenue(venue domain.Venue) bool {
	return c.cfg.Staking != "" && venue == c.cfg.StakingVenue
}

// tokenAmount scales a decimal amount to the token's on-chain integer units,
// truncating sub-unit dust.
func tokenAmount(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// bps converts a unit fraction to integer basis points.
func bps(fraction decimal.Decimal) *big.Int {
	return fraction.Mul(decimal.NewFromInt(10_000)).Round(0).BigInt()
}
