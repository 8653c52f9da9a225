package clients

import (
	"context"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vselivanov/stratex/internal/domain"
	"github.com/vselivanov/stratex/internal/services/executor"
)

// Binance adapts the spot REST API. It serves the live filler for spot and
// dust instructions, the market data provider for last prices, and signal
// enrichment for kline history.
type Binance struct {
	client *binance.Client
	log    *zap.Logger
}

// NewBinance wires a spot client. Read-only surfaces work with empty keys.
func NewBinance(apiKey, apiSecret string, log *zap.Logger) *Binance {
	if log == nil {
		log = zap.NewNop()
	}
	return &Binance{client: binance.NewClient(apiKey, apiSecret), log: log}
}

// SubmitOrder places a market order and returns a reference carrying the
// symbol and client order id, which the status poll needs together.
func (c *Binance) SubmitOrder(ctx context.Context, req executor.OrderRequest) (string, error) {
	in := req.Instruction
	switch in.Type {
	case domain.InstructionSpotTrade, domain.InstructionDustConvert:
	default:
		return "", hardErr(in.Venue, "submit", errors.Errorf("%s is not routable to binance spot", in.Type))
	}

	side := binance.SideTypeBuy
	if in.Side == domain.SideSell {
		side = binance.SideTypeSell
	}
	// TODO: pull LOT_SIZE filters from exchangeInfo instead of a fixed scale.
	qty := in.Amount.RoundFloor(6)
	if !qty.IsPositive() {
		return "", hardErr(in.Venue, "submit", errors.Errorf("amount %s is below the venue lot size", in.Amount.String()))
	}

	symbol := spotSymbol(in.Asset, in.Quote)
	id := clientOrderID()
	_, err := c.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(qty.String()).
		NewClientOrderID(id).
		Do(ctx)
	if err != nil {
		return "", classifyBinance(in.Venue, "submit", err)
	}
	c.log.Debug("binance order placed",
		zap.String("instance", req.Instance),
		zap.String("symbol", symbol),
		zap.String("client_id", id))
	return joinRef(symbol, id), nil
}

// OrderStatus polls the order by its client id. An order the venue does not
// know yet reports as still working rather than as an error, since lookups
// right after submit can miss.
func (c *Binance) OrderStatus(ctx context.Context, venueRef string) (executor.OrderStatus, error) {
	symbol, id, err := splitRef(venueRef)
	if err != nil {
		return executor.OrderStatus{}, hardErr(domain.VenueBinance, "status", err)
	}
	order, err := c.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(id).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2013 {
			return executor.OrderStatus{}, nil
		}
		return executor.OrderStatus{}, classifyBinance(domain.VenueBinance, "status", err)
	}
	return binanceOrderStatus(order)
}

// binanceOrderStatus flattens the exchange order into the filler's view. The
// average price comes from the filled quote volume. A cancelled order with a
// partial fill books the filled part; GetOrder carries no commission fields,
// fees settle in the trade stream.
func binanceOrderStatus(order *binance.Order) (executor.OrderStatus, error) {
	filled, err := decimal.NewFromString(order.ExecutedQuantity)
	if err != nil {
		return executor.OrderStatus{}, errors.Wrap(err, "parse executed quantity")
	}
	var price decimal.Decimal
	if filled.IsPositive() && order.CummulativeQuoteQuantity != "" {
		quote, qerr := decimal.NewFromString(order.CummulativeQuoteQuantity)
		if qerr != nil {
			return executor.OrderStatus{}, errors.Wrap(qerr, "parse quote volume")
		}
		price = quote.Div(filled)
	}

	switch order.Status {
	case binance.OrderStatusTypeFilled:
		return executor.OrderStatus{Done: true, Filled: filled, Price: price}, nil
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		if filled.IsPositive() {
			return executor.OrderStatus{Done: true, Filled: filled, Price: price}, nil
		}
		return executor.OrderStatus{
			Done:       true,
			FailReason: "order " + strings.ToLower(string(order.Status)),
		}, nil
	default:
		return executor.OrderStatus{Filled: filled, Price: price}, nil
	}
}

// Price returns the last traded price of the asset against USDT.
func (c *Binance) Price(ctx context.Context, asset domain.Asset) (decimal.Decimal, error) {
	symbol := spotSymbol(asset, "")
	prices, err := c.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "binance price %s", symbol)
	}
	if len(prices) == 0 {
		return decimal.Zero, errors.Wrapf(domain.ErrMissing, "binance returned no ticker for %s", symbol)
	}
	return decimal.NewFromString(prices[0].Price)
}

// FundingRate reports missing: spot markets carry no funding.
func (c *Binance) FundingRate(context.Context, domain.Asset) (decimal.Decimal, error) {
	return decimal.Zero, errors.Wrap(domain.ErrMissing, "funding does not apply to binance spot")
}

// Candles fetches kline history ending at the given tick.
func (c *Binance) Candles(ctx context.Context, _ domain.Venue, instrument domain.Asset, interval string, at time.Time, limit int) ([]domain.Candle, error) {
	symbol := spotSymbol(instrument, "")
	klines, err := c.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		EndTime(at.UnixMilli()).
		Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "binance klines %s", symbol)
	}

	out := make([]domain.Candle, len(klines))
	for i, k := range klines {
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
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cls,
			Volume:    volume,
			CloseTime: time.UnixMilli(k.CloseTime),
		}
	}
	return out, nil
}

// classifyBinance maps rate limiting and server-side failure codes to
// transient venue errors; other API codes are hard rejections. Transport
// failures without an API code are retried.
func classifyBinance(venue domain.Venue, op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1000, -1001, -1003, -1006, -1007, -1015:
			return transientErr(venue, op, err)
		}
		return hardErr(venue, op, err)
	}
	return transientErr(venue, op, err)
}
