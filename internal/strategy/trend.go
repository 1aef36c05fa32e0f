package strategy

import (
	"math"

	"candlewatch-go/internal/signal"
)

// TrendFollower emits signals when the close-to-close change over the lookback exceeds a threshold.
type TrendFollower struct {
	params Params
}

// NewTrendFollower builds a trend-following strategy; zero params take defaults.
func NewTrendFollower(p Params) *TrendFollower {
	return &TrendFollower{params: p.withDefaults()}
}

// Name returns the configured identifier for logging.
func (t *TrendFollower) Name() string { return "trend" }

// Evaluate measures percent change across the lookback and rejects moves below the threshold.
func (t *TrendFollower) Evaluate(window []signal.Bar) Result {
	eval := &evaluation{params: t.params}
	if len(window) == 0 {
		return eval
	}
	eval.latest = window[len(window)-1]
	if len(window) < t.params.Lookback+1 {
		return eval
	}
	span := window[len(window)-1-t.params.Lookback:]
	oldest := span[0]
	if oldest.Close <= 0 {
		return eval
	}
	change := (eval.latest.Close - oldest.Close) / oldest.Close

	dir := signal.Long
	if change < 0 {
		dir = signal.Short
	}
	if math.Abs(change) >= t.params.TrendThreshold/2 {
		eval.bias = dir
	}
	eval.stop = func(entryBar signal.Bar, d signal.Direction) (float64, bool) {
		return swingStop(span, entryBar, d)
	}
	if math.Abs(change) < t.params.TrendThreshold {
		return eval
	}
	eval.identified = true
	eval.sig = signal.Signal{
		Direction:  dir,
		Confidence: clamp(math.Tanh(math.Abs(change)/t.params.TrendThreshold), 0, 1),
	}
	return eval
}

// swingStop uses the lowest low (long) or highest high (short) of the span, provided it sits on the
// protective side of the entry close.
func swingStop(span []signal.Bar, entryBar signal.Bar, dir signal.Direction) (float64, bool) {
	if len(span) == 0 {
		return 0, false
	}
	switch dir {
	case signal.Long:
		low := span[0].Low
		for _, b := range span[1:] {
			low = math.Min(low, b.Low)
		}
		return low, low < entryBar.Close
	case signal.Short:
		high := span[0].High
		for _, b := range span[1:] {
			high = math.Max(high, b.High)
		}
		return high, high > entryBar.Close
	default:
		return 0, false
	}
}
