package clients

import (
	"context"
	"strings"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
	"github.com/vselivanov/stratex/internal/services/executor"
)

// Bybit adapts the v5 REST API for spot execution and ticker reads. Funding
// is read off the linear tickers for the matching perp instrument.
type Bybit struct {
	client *bybit.Client
	log    *zap.Logger
}

// NewBybit wires a v5 client. Read-only surfaces work with empty keys.
func NewBybit(apiKey, apiSecret string, log *zap.Logger) *Bybit {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bybit{client: bybit.NewClient().WithAuth(apiKey, apiSecret), log: log}
}

// SubmitOrder places a spot market order and returns the symbol together
// with the venue's order id.
func (c *Bybit) SubmitOrder(ctx context.Context, req executor.OrderRequest) (string, error) {
	in := req.Instruction
	switch in.Type {
	case domain.InstructionSpotTrade, domain.InstructionDustConvert:
	default:
		return "", hardErr(in.Venue, "submit", errors.Errorf("%s is not routable to bybit spot", in.Type))
	}

	side := bybit.SideBuy
	if in.Side == domain.SideSell {
		side = bybit.SideSell
	}
	qty := in.Amount.RoundFloor(6)
	if !qty.IsPositive() {
		return "", hardErr(in.Venue, "submit", errors.Errorf("amount %s is below the venue lot size", in.Amount.String()))
	}

	symbol := spotSymbol(in.Asset, in.Quote)
	res, err := c.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:   "spot",
		Symbol:     bybit.SymbolV5(symbol),
		Side:       side,
		OrderType:  bybit.OrderTypeMarket,
		Qty:        qty.String(),
		IsLeverage: nil,
	})
	if err != nil {
		return "", transientErr(in.Venue, "submit", err)
	}
	c.log.Debug("bybit order placed",
		zap.String("instance", req.Instance),
		zap.String("symbol", symbol),
		zap.String("order_id", res.Result.OrderID))
	return joinRef(symbol, res.Result.OrderID), nil
}

// OrderStatus polls the order history by venue order id. Market orders go
// terminal at matching, so an order absent from history is still in flight.
func (c *Bybit) OrderStatus(ctx context.Context, venueRef string) (executor.OrderStatus, error) {
	symbol, orderID, err := splitRef(venueRef)
	if err != nil {
		return executor.OrderStatus{}, hardErr(domain.VenueBybit, "status", err)
	}

	sym := bybit.SymbolV5(symbol)
	res, err := c.client.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
		Category: "spot",
		Symbol:   &sym,
		OrderID:  &orderID,
	})
	if err != nil {
		return executor.OrderStatus{}, transientErr(domain.VenueBybit, "status", err)
	}
	for _, o := range res.Result.List {
		if o.OrderID != orderID {
			continue
		}
		return bybitOrderStatus(string(o.OrderStatus), o.AvgPrice, o.CumExecQty, o.CumExecFee, o.RejectReason)
	}
	return executor.OrderStatus{}, nil
}

// bybitOrderStatus maps the venue's order state onto the filler's view. A
// cancel that carries a partial fill books the filled part.
func bybitOrderStatus(status, avgPrice, cumQty, cumFee, reject string) (executor.OrderStatus, error) {
	filled, err := parseDecimal(cumQty)
	if err != nil {
		return executor.OrderStatus{}, errors.Wrap(err, "parse executed quantity")
	}
	price, err := parseDecimal(avgPrice)
	if err != nil {
		return executor.OrderStatus{}, errors.Wrap(err, "parse average price")
	}
	fee, err := parseDecimal(cumFee)
	if err != nil {
		return executor.OrderStatus{}, errors.Wrap(err, "parse fee")
	}

	switch status {
	case "Filled":
		return executor.OrderStatus{Done: true, Filled: filled, Price: price, Fee: fee}, nil
	case "Cancelled", "Rejected", "Deactivated", "PartiallyFilledCanceled":
		if filled.IsPositive() {
			return executor.OrderStatus{Done: true, Filled: filled, Price: price, Fee: fee}, nil
		}
		reason := reject
		if reason == "" {
			reason = "order " + strings.ToLower(status)
		}
		return executor.OrderStatus{Done: true, FailReason: reason}, nil
	default:
		return executor.OrderStatus{Filled: filled, Price: price}, nil
	}
}

// Price returns the last traded spot price of the asset against USDT.
func (c *Bybit) Price(ctx context.Context, asset domain.Asset) (decimal.Decimal, error) {
	symbol := bybit.SymbolV5(spotSymbol(asset, ""))
	result, err := c.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: "spot",
		Symbol:   &symbol,
	})
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "bybit price %s", symbol)
	}
	if len(result.Result.Spot.List) == 0 {
		return decimal.Zero, errors.Wrapf(domain.ErrMissing, "bybit returned no ticker for %s", symbol)
	}
	return decimal.NewFromString(result.Result.Spot.List[0].LastPrice)
}

// FundingRate reads the current funding of the linear perp for the
// instrument.
func (c *Bybit) FundingRate(ctx context.Context, instrument domain.Asset) (decimal.Decimal, error) {
	symbol := bybit.SymbolV5(spotSymbol(instrument, ""))
	result, err := c.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: "linear",
		Symbol:   &symbol,
	})
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "bybit funding %s", symbol)
	}
	if len(result.Result.LinearInverse.List) == 0 {
		return decimal.Zero, errors.Wrapf(domain.ErrMissing, "bybit returned no perp ticker for %s", symbol)
	}
	return decimal.NewFromString(result.Result.LinearInverse.List[0].FundingRate)
}

// Candles is not wired for bybit; enrichment configs should point at the
// binance source.
func (c *Bybit) Candles(context.Context, domain.Venue, domain.Asset, string, time.Time, int) ([]domain.Candle, error) {
	return nil, errors.New("kline history is not wired for bybit, use the binance source")
}
