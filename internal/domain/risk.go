package domain

import "github.com/shopspring/decimal"

// RiskMetric names one entry of a risk assessment.
type RiskMetric string

const (
	MetricHealthFactor   RiskMetric = "health_factor"
	MetricMarginRatio    RiskMetric = "margin_ratio"
	MetricDeltaDrift     RiskMetric = "delta_drift"
	MetricProtocolHealth RiskMetric = "protocol_health"
	MetricEquity         RiskMetric = "equity"
	MetricLTV            RiskMetric = "ltv"
)

// RiskAssessment is a flat mapping of named risk metrics computed by the
// risk assessor for one snapshot. The decision engine treats these values as
// authoritative and never recomputes risk itself.
type RiskAssessment map[RiskMetric]decimal.Decimal

// Get returns the metric value and whether it is present.
func (r RiskAssessment) Get(metric RiskMetric) (decimal.Decimal, bool) {
	v, ok := r[metric]
	return v, ok
}

// Require reports the first missing metric from the given set; the decision
// engine fails closed on any missing required input.
func (r RiskAssessment) Require(metrics ...RiskMetric) error {
	for _, m := range metrics {
		if _, ok := r[m]; !ok {
			return NewValidationError(string(m), "required risk metric is missing")
		}
	}
	return nil
}

// With returns a copy with the metric set.
func (r RiskAssessment) With(metric RiskMetric, value decimal.Decimal) RiskAssessment {
	out := make(RiskAssessment, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	out[metric] = value
	return out
}
