// Package risk holds the sizing and stop-placement arithmetic strategies delegate to.
package risk

import (
	"math"
	"time"

	"candlewatch-go/internal/market"
	"candlewatch-go/internal/signal"
)

// DefaultRiskPct is the share of equity a single trade may lose at its stop.
const DefaultRiskPct = 0.025

type Limits struct {
	RiskPct             float64
	MaxNotionalPerTrade float64 // 0 disables the cap
}

// Allow reports whether a notional fits under the per-trade cap.
func (l Limits) Allow(notional float64) bool {
	return l.MaxNotionalPerTrade <= 0 || notional <= l.MaxNotionalPerTrade
}

// Units sizes a position so hitting the stop loses at most RiskPct of equity, while keeping enough
// units that one point of movement covers the fee estimate.
func (l Limits) Units(equity, entry, stop, feePerUnit float64) int {
	riskPct := l.RiskPct
	if riskPct <= 0 {
		riskPct = DefaultRiskPct
	}
	points := math.Abs(entry - stop)
	if equity <= 0 || points <= 0 || math.IsNaN(points) {
		return 0
	}
	maxLoss := equity * riskPct
	raw := int(math.Floor(maxLoss / points))
	minForFees := 0
	if feePerUnit > 0 {
		minForFees = int(math.Ceil(feePerUnit / points))
	}
	units := raw
	if minForFees > units {
		units = minForFees
	}
	if l.MaxNotionalPerTrade > 0 && entry > 0 && !l.Allow(float64(units)*entry) {
		units = int(math.Floor(l.MaxNotionalPerTrade / entry))
	}
	if units < 0 {
		return 0
	}
	return units
}

// StopFromBody places the stop a fraction of the bar body inside the bar's extreme:
// above the low for longs, below the high for shorts.
func StopFromBody(bar signal.Bar, dir signal.Direction, fraction float64) (float64, bool) {
	body := bar.Body()
	if body <= 0 {
		return 0, false
	}
	switch dir {
	case signal.Long:
		return bar.Low + fraction*body, true
	case signal.Short:
		return bar.High - fraction*body, true
	default:
		return 0, false
	}
}

// NewsBlackout reports whether a high-impact announcement falls within window after now.
func NewsBlackout(next *market.Announcement, now time.Time, window time.Duration) bool {
	if next == nil || !next.HighImpact() {
		return false
	}
	until := next.Timestamp.Sub(now)
	return until >= 0 && until <= window
}
