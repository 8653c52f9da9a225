package signal

import (
	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vselivanov/stratex/internal/domain"
)

// minCandles is the warmup of the longest indicator (EMA50).
const minCandles = 50

// Compute derives the EMA20/EMA50/RSI14 series from a candle history. The
// result is aligned to the tail of the input: each indicator starts emitting
// after its own warmup, and only candles where all three exist get a value.
func Compute(candles []domain.Candle) ([]domain.TechnicalIndicators, error) {
	if len(candles) < minCandles {
		return nil, errors.Errorf("not enough candles: need %d, got %d", minCandles, len(candles))
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i], _ = c.Close.Float64()
	}

	ema20 := computeEMA(closes, 20)
	ema50 := computeEMA(closes, 50)
	rsi14 := computeRSI(closes, 14)

	n := len(ema20)
	if len(ema50) < n {
		n = len(ema50)
	}
	if len(rsi14) < n {
		n = len(rsi14)
	}
	if n == 0 {
		return nil, errors.New("indicator warmup consumed the whole series")
	}

	out := make([]domain.TechnicalIndicators, n)
	for i := 0; i < n; i++ {
		out[i] = domain.TechnicalIndicators{
			EMA20: decimal.NewFromFloat(ema20[len(ema20)-n+i]),
			EMA50: decimal.NewFromFloat(ema50[len(ema50)-n+i]),
			RSI14: decimal.NewFromFloat(rsi14[len(rsi14)-n+i]),
		}
	}
	return out, nil
}

func computeEMA(closes []float64, period int) []float64 {
	ema := trend.NewEmaWithPeriod[float64](period)
	return helper.ChanToSlice(ema.Compute(helper.SliceToChan(closes)))
}

func computeRSI(closes []float64, period int) []float64 {
	rsi := momentum.NewRsiWithPeriod[float64](period)
	return helper.ChanToSlice(rsi.Compute(helper.SliceToChan(closes)))
}
