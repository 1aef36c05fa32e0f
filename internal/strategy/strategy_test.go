package strategy

import (
	"testing"
	"time"

	"candlewatch-go/internal/signal"
)

func TestBuildResolvesAliases(t *testing.T) {
	cases := map[string]string{
		"":               "bodybreak",
		"Body":           "bodybreak",
		"bodybreak":      "bodybreak",
		"trend":          "trend",
		" trend_follow ": "trend",
	}
	for mode, want := range cases {
		strat, err := Build(mode, Params{})
		if err != nil {
			t.Fatalf("build %q: %v", mode, err)
		}
		if strat.Name() != want {
			t.Fatalf("mode %q: expected %s, got %s", mode, want, strat.Name())
		}
	}
	if _, err := Build("martingale", Params{}); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
}

func TestModesSorted(t *testing.T) {
	modes := Modes()
	if len(modes) != 2 || modes[0] != "bodybreak" || modes[1] != "trend" {
		t.Fatalf("unexpected modes %v", modes)
	}
}

// flat bars with a body of 1, followed by one bar of the given body.
func bodies(last float64, n int) []signal.Bar {
	out := make([]signal.Bar, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, signal.Bar{
			OpenTime: t0.Add(time.Duration(i) * time.Minute),
			Interval: time.Minute,
			Open:     100, Close: 101, High: 101.5, Low: 99.5,
		})
	}
	open := 100.0
	closePx := open + last
	lo, hi := open, closePx
	if lo > hi {
		lo, hi = hi, lo
	}
	out = append(out, signal.Bar{
		OpenTime: t0.Add(time.Duration(n) * time.Minute),
		Interval: time.Minute,
		Open:     open, Close: closePx, High: hi + 1, Low: lo,
	})
	return out
}

func TestBodyBreakoutIdentifiesLargeCandle(t *testing.T) {
	strat := NewBodyBreakout(Params{Lookback: 5})
	window := bodies(10, 5)
	res := strat.Evaluate(window)
	sig, ok := res.Signal()
	if !res.PatternIdentified() || !ok || sig.Direction != signal.Long {
		t.Fatalf("expected long breakout, got %+v ok=%v", sig, ok)
	}
	if sig.Confidence < 0.7 {
		t.Fatalf("expected strong confidence, got %.3f", sig.Confidence)
	}
	stop, ok := res.StopLoss(window[5], sig)
	if !ok || stop != 102.5 {
		t.Fatalf("expected stop 102.5, got %.3f ok=%v", stop, ok)
	}
	if units := res.SizeUnits(1_000_000, 50, nil); units != 3333 {
		t.Fatalf("expected 3333 units, got %d", units)
	}
}

func TestBodyBreakoutShortAndQuiet(t *testing.T) {
	strat := NewBodyBreakout(Params{Lookback: 5})
	sig, ok := strat.Evaluate(bodies(-8, 5)).Signal()
	if !ok || sig.Direction != signal.Short {
		t.Fatalf("expected short breakout, got %+v ok=%v", sig, ok)
	}
	if strat.Evaluate(bodies(1.5, 5)).PatternIdentified() {
		t.Fatalf("ordinary candle must not identify")
	}
	if strat.Evaluate(bodies(10, 2)).PatternIdentified() {
		t.Fatalf("short window must not identify")
	}
}

func TestBodyBreakoutExitsOnOpposingCandle(t *testing.T) {
	strat := NewBodyBreakout(Params{Lookback: 5})
	entry := bodies(10, 5)
	long := signal.Signal{Direction: signal.Long, Confidence: 0.9}

	later := append(append([]signal.Bar(nil), entry...), signal.Bar{
		OpenTime: entry[5].OpenTime.Add(time.Minute),
		Interval: time.Minute,
		Open:     110, Close: 104, High: 110.5, Low: 103.5,
	})
	if !strat.Evaluate(later).ShouldExit(entry[5], long, nil) {
		t.Fatalf("expected exit after a large opposing candle")
	}
	if strat.Evaluate(entry).ShouldExit(entry[5], long, nil) {
		t.Fatalf("must not exit on the entry bar itself")
	}
}
