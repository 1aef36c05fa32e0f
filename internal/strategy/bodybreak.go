package strategy

import (
	"math"

	"candlewatch-go/internal/risk"
	"candlewatch-go/internal/signal"
)

// BodyBreakout flags a bar whose body dwarfs the recent average body, trading in the bar's direction.
type BodyBreakout struct {
	params Params
}

// NewBodyBreakout builds the strategy; zero params take defaults.
func NewBodyBreakout(p Params) *BodyBreakout {
	return &BodyBreakout{params: p.withDefaults()}
}

// Name returns the identifier for the strategy implementation.
func (s *BodyBreakout) Name() string { return "bodybreak" }

// Evaluate compares the newest body with the mean body of the preceding lookback bars.
func (s *BodyBreakout) Evaluate(window []signal.Bar) Result {
	eval := &evaluation{params: s.params, stop: s.stop}
	if len(window) == 0 {
		return eval
	}
	eval.latest = window[len(window)-1]
	if len(window) < s.params.Lookback+1 {
		return eval
	}

	prior := window[len(window)-1-s.params.Lookback : len(window)-1]
	var total float64
	for _, b := range prior {
		total += b.Body()
	}
	avg := total / float64(len(prior))
	body := eval.latest.Body()
	if body <= 0 || avg <= 0 {
		return eval
	}

	dir := signal.Long
	if eval.latest.Close < eval.latest.Open {
		dir = signal.Short
	}
	ratio := body / avg
	if ratio >= 1 {
		eval.bias = dir
	}
	if ratio < s.params.BodyMultiple {
		return eval
	}
	eval.identified = true
	eval.sig = signal.Signal{
		Direction:  dir,
		Confidence: clamp(math.Tanh(ratio/s.params.BodyMultiple), 0, 1),
	}
	return eval
}

func (s *BodyBreakout) stop(entryBar signal.Bar, dir signal.Direction) (float64, bool) {
	return risk.StopFromBody(entryBar, dir, s.params.StopFraction)
}
