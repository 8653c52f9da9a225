package domain

import "github.com/shopspring/decimal"

// TrendDirection qualitative direction of price action.
type TrendDirection string

const (
	TrendDirectionBullish TrendDirection = "bullish"
	TrendDirectionBearish TrendDirection = "bearish"
	TrendDirectionNeutral TrendDirection = "neutral"
)

// TechnicalIndicators snapshot of derived technical signals for one candle.
type TechnicalIndicators struct {
	EMA20 decimal.Decimal
	EMA50 decimal.Decimal
	RSI14 decimal.Decimal
}

// Timeframe candlestick and indicator data for one interval. Indicators are
// aligned to the tail of Candles: the warmup period of the longest indicator
// has no values, so Indicators may be shorter than Candles.
type Timeframe struct {
	Interval        string
	Candles         []Candle
	Indicators      []TechnicalIndicators
	indicatorOffset int
}

// NewTimeframe constructs a Timeframe.
func NewTimeframe(interval string, candles []Candle, indicators []TechnicalIndicators) *Timeframe {
	offset := 0
	if len(candles) > len(indicators) {
		offset = len(candles) - len(indicators)
	}

	return &Timeframe{
		Interval:        interval,
		Candles:         candles,
		Indicators:      indicators,
		indicatorOffset: offset,
	}
}

// LatestCandle returns the most recent candlestick.
func (t *Timeframe) LatestCandle() (Candle, bool) {
	if t == nil || len(t.Candles) == 0 {
		return Candle{}, false
	}
	return t.Candles[len(t.Candles)-1], true
}

// LatestIndicator returns the indicator values for the most recent candle.
func (t *Timeframe) LatestIndicator() (TechnicalIndicators, bool) {
	if t == nil || len(t.Candles) == 0 {
		return TechnicalIndicators{}, false
	}
	return t.IndicatorForCandle(len(t.Candles) - 1)
}

// IndicatorForCandle returns indicator values aligned to the given candle.
func (t *Timeframe) IndicatorForCandle(candleIdx int) (TechnicalIndicators, bool) {
	if t == nil || len(t.Indicators) == 0 {
		return TechnicalIndicators{}, false
	}

	index := candleIdx - t.indicatorOffset
	if index < 0 || index >= len(t.Indicators) {
		return TechnicalIndicators{}, false
	}

	return t.Indicators[index], true
}

// LatestPrice returns the close price of the most recent candle.
func (t *Timeframe) LatestPrice() (decimal.Decimal, bool) {
	candle, ok := t.LatestCandle()
	if !ok {
		return decimal.Zero, false
	}
	return candle.Close, true
}

// Trend classifies price action from the latest close against its EMAs.
func (t *Timeframe) Trend() TrendDirection {
	candle, ok := t.LatestCandle()
	if !ok {
		return TrendDirectionNeutral
	}
	ind, ok := t.LatestIndicator()
	if !ok {
		return TrendDirectionNeutral
	}

	if candle.Close.GreaterThan(ind.EMA20) && ind.EMA20.GreaterThan(ind.EMA50) {
		return TrendDirectionBullish
	}
	if candle.Close.LessThan(ind.EMA20) && ind.EMA20.LessThan(ind.EMA50) {
		return TrendDirectionBearish
	}
	return TrendDirectionNeutral
}
