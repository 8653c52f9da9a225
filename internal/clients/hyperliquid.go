package clients

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
	"github.com/vselivanov/stratex/internal/services/executor"
)

// perp market orders are emulated as aggressive IOC limits at this slippage
// off the mid.
const hyperliquidSlippage = 0.005

// perpCoin maps an instrument label to hyperliquid's coin naming, the bare
// uppercased base: ETH-PERP and eth both resolve to ETH.
func perpCoin(instrument domain.Asset) string {
	base, _, _ := strings.Cut(string(instrument), "-")
	return strings.ToUpper(base)
}

// intervalDuration sizes one candle for interval strings like 15m, 1h, 1d.
// time.ParseDuration has no day unit, so the suffix is handled by hand.
func intervalDuration(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, errors.Errorf("invalid candle interval %q", interval)
	}
	n, err := strconv.ParseInt(interval[:len(interval)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("invalid candle interval %q", interval)
	}
	switch interval[len(interval)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, errors.Errorf("unsupported candle interval %q", interval)
	}
}

// Hyperliquid adapts the exchange and info APIs for perp execution, mid
// prices and funding.
type Hyperliquid struct {
	ex          *hyperliquid.Exchange
	info        *hyperliquid.Info
	accountAddr string
	log         *zap.Logger
}

// NewHyperliquid derives the account address from the signing key and wires
// the exchange client against the given API base URL.
func NewHyperliquid(privateKeyHex, baseURL string, log *zap.Logger) (*Hyperliquid, error) {
	key := privateKeyHex
	if len(key) >= 2 && (key[:2] == "0x" || key[:2] == "0X") {
		key = key[2:]
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, errors.Wrap(err, "parse hyperliquid signing key")
	}
	pub, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("signing key has no ECDSA public key")
	}
	accountAddr := crypto.PubkeyToAddress(*pub).Hex()

	if log == nil {
		log = zap.NewNop()
	}
	ex := hyperliquid.NewExchange(
		context.Background(),
		privateKey,
		baseURL,
		nil,
		"",
		accountAddr,
		nil,
	)
	return &Hyperliquid{ex: ex, info: ex.Info(), accountAddr: accountAddr, log: log}, nil
}

// AccountAddress returns the derived signer address.
func (c *Hyperliquid) AccountAddress() string { return c.accountAddr }

// SubmitOrder places a perp order as an IOC limit priced through the book,
// keyed by a deterministic cloid that the status poll reuses.
func (c *Hyperliquid) SubmitOrder(ctx context.Context, req executor.OrderRequest) (string, error) {
	in := req.Instruction
	if in.Type != domain.InstructionPerpTrade {
		return "", hardErr(in.Venue, "submit", errors.Errorf("%s is not routable to hyperliquid perps", in.Type))
	}

	isBuy := in.Side == domain.SideBuy
	size, _ := in.Amount.Round(8).Float64()
	if size <= 0 {
		return "", hardErr(in.Venue, "submit", errors.Errorf("amount %s rounds to zero size", in.Amount.String()))
	}

	coin := perpCoin(in.Asset)
	px, err := c.ex.SlippagePrice(ctx, coin, isBuy, hyperliquidSlippage, nil)
	if err != nil {
		return "", transientErr(in.Venue, "submit", errors.Wrap(err, "slippage price"))
	}

	cloid := cloidFrom(clientOrderID())
	order := hyperliquid.CreateOrderRequest{
		Coin:          coin,
		IsBuy:         isBuy,
		Price:         px,
		Size:          size,
		ReduceOnly:    false,
		ClientOrderID: &cloid,
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{Tif: hyperliquid.TifIoc},
		},
	}
	if _, err := c.ex.Order(ctx, order, nil); err != nil {
		return "", transientErr(in.Venue, "submit", err)
	}
	c.log.Debug("hyperliquid order placed",
		zap.String("instance", req.Instance),
		zap.String("coin", coin),
		zap.String("cloid", cloid))
	return cloid, nil
}

// OrderStatus resolves the order by cloid. IOC orders either fill or cancel,
// so a cancel with no recorded fill is a terminal miss.
func (c *Hyperliquid) OrderStatus(ctx context.Context, venueRef string) (executor.OrderStatus, error) {
	res, err := c.info.QueryOrderByCloid(ctx, c.accountAddr, venueRef)
	if err != nil {
		return executor.OrderStatus{}, transientErr(domain.VenueHyperliquid, "status", errors.Wrap(err, "query order by cloid"))
	}
	if res == nil || res.Status != hyperliquid.OrderQueryStatusSuccess {
		return executor.OrderStatus{}, nil
	}

	switch res.Order.Status {
	case hyperliquid.OrderStatusValueFilled:
		size, err := parseDecimal(res.Order.Order.OrigSz)
		if err != nil {
			return executor.OrderStatus{}, errors.Wrap(err, "parse filled size")
		}
		price, err := parseDecimal(res.Order.Order.LimitPx)
		if err != nil {
			return executor.OrderStatus{}, errors.Wrap(err, "parse fill price")
		}
		return executor.OrderStatus{Done: true, Filled: size, Price: price}, nil
	case hyperliquid.OrderStatusValueOpen:
		return executor.OrderStatus{}, nil
	case hyperliquid.OrderStatusValueCanceled,
		hyperliquid.OrderStatusValueRejected,
		hyperliquid.OrderStatusValueReduceOnlyCanceled,
		hyperliquid.OrderStatusValueScheduledCancel,
		hyperliquid.OrderStatusValueOpenInterestCapCanceled,
		hyperliquid.OrderStatusValueSelfTradeCanceled,
		hyperliquid.OrderStatusValueReduceOnlyRejected:
		return executor.OrderStatus{
			Done:       true,
			FailReason: "order finished unfilled: " + string(res.Order.Status),
		}, nil
	default:
		return executor.OrderStatus{}, nil
	}
}

// Price returns the mid for the instrument. Mids are keyed by base coin.
func (c *Hyperliquid) Price(ctx context.Context, asset domain.Asset) (decimal.Decimal, error) {
	mids, err := c.info.AllMids(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "hyperliquid mids")
	}
	mid, ok := mids[perpCoin(asset)]
	if !ok || mid == "" {
		return decimal.Zero, errors.Wrapf(domain.ErrMissing, "hyperliquid has no mid for %s", asset)
	}
	return decimal.NewFromString(mid)
}

// FundingRate returns the most recent funding observation for the perp.
func (c *Hyperliquid) FundingRate(ctx context.Context, instrument domain.Asset) (decimal.Decimal, error) {
	start := time.Now().Add(-2 * time.Hour).UnixMilli()
	history, err := c.info.FundingHistory(ctx, perpCoin(instrument), start, nil)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "hyperliquid funding %s", instrument)
	}
	if len(history) == 0 {
		return decimal.Zero, errors.Wrapf(domain.ErrMissing, "hyperliquid has no funding history for %s", instrument)
	}
	return decimal.NewFromString(history[len(history)-1].FundingRate)
}

// Candles fetches the perp kline window ending at the given time. The info
// API wants an explicit start, so the window is sized off the interval with
// slack for boundary rounding, then trimmed to the requested count.
func (c *Hyperliquid) Candles(ctx context.Context, _ domain.Venue, instrument domain.Asset, interval string, at time.Time, limit int) ([]domain.Candle, error) {
	step, err := intervalDuration(interval)
	if err != nil {
		return nil, err
	}
	coin := perpCoin(instrument)
	endMs := at.UnixMilli()
	startMs := endMs - (int64(limit)+2)*step.Milliseconds()

	candles, err := c.info.CandlesSnapshot(ctx, coin, interval, startMs, endMs)
	if err != nil {
		return nil, errors.Wrapf(err, "hyperliquid candles %s %s", coin, interval)
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}

	out := make([]domain.Candle, len(candles))
	for i, k := range candles {
		open, err := decimal.NewFromString(k.Open)
		if err != nil {
			return nil, errors.Wrapf(err, "parse open at index %d", i)
		}
		high, err := decimal.NewFromString(k.High)
		if err != nil {
			return nil, errors.Wrapf(err, "parse high at index %d", i)
		}
		low, err := decimal.NewFromString(k.Low)
		if err != nil {
			return nil, errors.Wrapf(err, "parse low at index %d", i)
		}
		cls, err := decimal.NewFromString(k.Close)
		if err != nil {
			return nil, errors.Wrapf(err, "parse close at index %d", i)
		}
		volume, err := decimal.NewFromString(k.Volume)
		if err != nil {
			return nil, errors.Wrapf(err, "parse volume at index %d", i)
		}
		out[i] = domain.Candle{
			OpenTime:  time.UnixMilli(k.TimeOpen),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cls,
			Volume:    volume,
			CloseTime: time.UnixMilli(k.TimeClose),
		}
	}
	return out, nil
}

// cloidFrom converts a free-form id into a valid cloid, 0x plus 32 hex
// characters.
func cloidFrom(id string) string {
	sum := sha256.Sum256([]byte(id))
	return "0x" + hex.EncodeToString(sum[:16])
}
