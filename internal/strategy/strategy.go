// Package strategy defines the pattern-detection port consumed by watchers and the built-in bar strategies.
package strategy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"candlewatch-go/internal/market"
	"candlewatch-go/internal/risk"
	"candlewatch-go/internal/signal"
)

// Strategy evaluates a bar window. Implementations must not retain or mutate the slice.
type Strategy interface {
	Name() string
	Evaluate(window []signal.Bar) Result
}

// Result is the outcome of one evaluation.
type Result interface {
	PatternIdentified() bool
	Signal() (signal.Signal, bool)
	// SizeUnits returns zero to refuse the trade.
	SizeUnits(equity, feePerUnit float64, next *market.Announcement) int
	StopLoss(entryBar signal.Bar, sig signal.Signal) (float64, bool)
	ShouldExit(entryBar signal.Bar, sig signal.Signal, next *market.Announcement) bool
}

// Params expresses tunable knobs required by strategy constructors.
type Params struct {
	Lookback       int
	BodyMultiple   float64
	StopFraction   float64
	TrendThreshold float64
	RiskPct        float64
	MaxNotional    float64
	NewsBlackout   time.Duration
}

func (p Params) withDefaults() Params {
	if p.Lookback <= 0 {
		p.Lookback = 20
	}
	if p.BodyMultiple <= 0 {
		p.BodyMultiple = 2
	}
	if p.StopFraction <= 0 {
		p.StopFraction = 0.25
	}
	if p.TrendThreshold <= 0 {
		p.TrendThreshold = 0.01
	}
	if p.RiskPct <= 0 {
		p.RiskPct = risk.DefaultRiskPct
	}
	if p.NewsBlackout <= 0 {
		p.NewsBlackout = 30 * time.Minute
	}
	return p
}

func (p Params) limits() risk.Limits {
	return risk.Limits{RiskPct: p.RiskPct, MaxNotionalPerTrade: p.MaxNotional}
}

var registry = map[string]func(Params) Strategy{
	"bodybreak": func(p Params) Strategy { return NewBodyBreakout(p) },
	"trend":     func(p Params) Strategy { return NewTrendFollower(p) },
}

var aliases = map[string]string{
	"":               "bodybreak",
	"body":           "bodybreak",
	"trend_follow":   "trend",
	"trend_follower": "trend",
}

// Build returns a fresh strategy instance for the configured mode.
func Build(mode string, params Params) (Strategy, error) {
	key := strings.ToLower(strings.TrimSpace(mode))
	if alias, ok := aliases[key]; ok {
		key = alias
	}
	ctor, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("unknown strategy mode %q (known: %s)", mode, strings.Join(Modes(), ", "))
	}
	return ctor(params), nil
}

// Modes lists the registered strategy names.
func Modes() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// evaluation is the Result shared by the built-in strategies.
type evaluation struct {
	identified bool
	sig        signal.Signal
	latest     signal.Bar
	// bias is the direction the latest window points to, even below the entry threshold.
	bias   signal.Direction
	params Params
	stop   func(entryBar signal.Bar, dir signal.Direction) (float64, bool)
}

func (e *evaluation) PatternIdentified() bool { return e.identified }

func (e *evaluation) Signal() (signal.Signal, bool) {
	if !e.identified {
		return signal.Signal{}, false
	}
	return e.sig, true
}

func (e *evaluation) SizeUnits(equity, feePerUnit float64, next *market.Announcement) int {
	if !e.identified {
		return 0
	}
	if risk.NewsBlackout(next, e.latest.CloseTime(), e.params.NewsBlackout) {
		return 0
	}
	stop, ok := e.StopLoss(e.latest, e.sig)
	if !ok {
		return 0
	}
	return e.params.limits().Units(equity, e.latest.Close, stop, feePerUnit)
}

func (e *evaluation) StopLoss(entryBar signal.Bar, sig signal.Signal) (float64, bool) {
	if e.stop == nil {
		return 0, false
	}
	return e.stop(entryBar, sig.Direction)
}

func (e *evaluation) ShouldExit(entryBar signal.Bar, sig signal.Signal, next *market.Announcement) bool {
	if e.latest.OpenTime.Equal(entryBar.OpenTime) {
		return false
	}
	if e.bias != 0 && e.bias != sig.Direction {
		return true
	}
	return risk.NewsBlackout(next, e.latest.CloseTime(), e.params.NewsBlackout)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
