package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"candlewatch-go/internal/aggregator"
	"candlewatch-go/internal/market"
	"candlewatch-go/internal/signal"
	"candlewatch-go/internal/strategy"
)

var (
	t0  = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	btc = signal.Instrument{Type: "crypto", Symbol: "BTCUSDT", Exchange: "binance", Currency: "USDT"}
)

type fakeFeed struct {
	replay      bool
	bars        chan signal.BarBatch
	quotes      chan signal.QuoteTick
	sessions    market.Schedule
	sessionsErr error
	barsErr     error
}

func newFakeFeed(replay bool) *fakeFeed {
	return &fakeFeed{
		replay:   replay,
		bars:     make(chan signal.BarBatch),
		quotes:   make(chan signal.QuoteTick),
		sessions: market.AlwaysOpen(t0, 24*time.Hour),
	}
}

func (f *fakeFeed) StreamBars(context.Context, signal.Instrument, time.Duration) (<-chan signal.BarBatch, error) {
	if f.barsErr != nil {
		return nil, f.barsErr
	}
	return f.bars, nil
}

func (f *fakeFeed) StreamQuotes(context.Context, signal.Instrument) (<-chan signal.QuoteTick, error) {
	return f.quotes, nil
}

func (f *fakeFeed) TradingSessions(context.Context, signal.Instrument) (market.Schedule, error) {
	return f.sessions, f.sessionsErr
}

func (f *fakeFeed) Replay() bool { return f.replay }

type countResult struct{ n int }

func (r countResult) PatternIdentified() bool { return r.n >= 2 }
func (r countResult) Signal() (signal.Signal, bool) {
	return signal.Signal{Direction: signal.Long, Confidence: 0.9}, r.n >= 2
}
func (countResult) SizeUnits(float64, float64, *market.Announcement) int            { return 1 }
func (countResult) StopLoss(signal.Bar, signal.Signal) (float64, bool)             { return 1, true }
func (countResult) ShouldExit(signal.Bar, signal.Signal, *market.Announcement) bool { return false }

type countStrategy struct{}

func (countStrategy) Name() string                                 { return "count" }
func (countStrategy) Evaluate(window []signal.Bar) strategy.Result { return countResult{n: len(window)} }

type recordingRegistrar struct {
	mu      sync.Mutex
	windows []int
}

func (r *recordingRegistrar) Register(_ context.Context, src aggregator.Source) {
	res := src.Result().(countResult)
	r.mu.Lock()
	r.windows = append(r.windows, res.n)
	r.mu.Unlock()
}

func (r *recordingRegistrar) Trade() (aggregator.Trade, bool) { return aggregator.Trade{}, false }

func (r *recordingRegistrar) seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.windows...)
}

func mkBar(i int) signal.Bar {
	return signal.Bar{
		OpenTime: t0.Add(time.Duration(i) * time.Minute),
		Interval: time.Minute,
		Open:     100, High: 101, Low: 99, Close: 100.5,
	}
}

func batch(bars ...signal.Bar) signal.BarBatch {
	return signal.BarBatch{Instrument: btc, Interval: time.Minute, Bars: bars}
}

func waitDone(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not finish")
	}
}

func TestStreamingMergesAndRegisters(t *testing.T) {
	feed := newFakeFeed(true)
	reg := &recordingRegistrar{}
	w := New(Config{Instrument: btc, Interval: time.Minute, WindowCap: 3}, feed, countStrategy{}, zerolog.Nop(), reg)
	if w.State() != StateStarting {
		t.Fatalf("expected starting state, got %s", w.State())
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if w.State() != StateStreaming {
		t.Fatalf("expected streaming state, got %s", w.State())
	}

	for i := 1; i <= 4; i++ {
		feed.bars <- batch(mkBar(i))
	}
	feed.bars <- batch(mkBar(1)) // already evicted, dropped
	close(feed.bars)
	waitDone(t, w)

	window := w.Window()
	if len(window) != 3 || !window[0].OpenTime.Equal(mkBar(2).OpenTime) {
		t.Fatalf("unexpected window %+v", window)
	}
	seen := reg.seen()
	if len(seen) != 4 || seen[3] != 3 {
		t.Fatalf("expected four registrations ending at a full window, got %v", seen)
	}
	if res := w.Result(); res == nil || !res.PatternIdentified() {
		t.Fatalf("expected identified result")
	}
	if last, ok := w.LatestBar(); !ok || !last.OpenTime.Equal(mkBar(4).OpenTime) {
		t.Fatalf("unexpected latest bar %+v", last)
	}
	if len(w.Schedule()) != 1 {
		t.Fatalf("expected schedule from the feed")
	}
	if w.State() != StateCancelled {
		t.Fatalf("expected cancelled after the stream ended, got %s", w.State())
	}
}

func TestStartTwice(t *testing.T) {
	feed := newFakeFeed(true)
	w := New(Config{Instrument: btc, Interval: time.Minute}, feed, countStrategy{}, zerolog.Nop())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer w.Stop()
	if err := w.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestStartSurfacesSetupErrors(t *testing.T) {
	cause := errors.New("no such contract")
	feed := newFakeFeed(true)
	feed.sessionsErr = cause
	w := New(Config{Instrument: btc, Interval: time.Minute}, feed, countStrategy{}, zerolog.Nop())
	if err := w.Start(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("expected sessions error, got %v", err)
	}
	if w.State() != StateError {
		t.Fatalf("expected error state, got %s", w.State())
	}

	feed = newFakeFeed(true)
	feed.barsErr = cause
	w = New(Config{Instrument: btc, Interval: time.Minute}, feed, countStrategy{}, zerolog.Nop())
	if err := w.Start(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("expected stream error, got %v", err)
	}
	waitDone(t, w)
}

func TestLiveUpdatesAreThrottled(t *testing.T) {
	feed := newFakeFeed(false)
	reg := &recordingRegistrar{}
	w := New(Config{Instrument: btc, Interval: time.Minute, Throttle: time.Hour}, feed, countStrategy{}, zerolog.Nop(), reg)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	feed.bars <- batch(mkBar(1))
	feed.bars <- batch(mkBar(1), mkBar(2))
	feed.bars <- batch(mkBar(3))
	close(feed.bars)
	waitDone(t, w)

	if got := len(w.Window()); got != 1 {
		t.Fatalf("expected updates inside the throttle to be skipped, window=%d", got)
	}
	if got := len(reg.seen()); got != 1 {
		t.Fatalf("expected one registration, got %d", got)
	}
}

func TestMalformedBarsDropped(t *testing.T) {
	feed := newFakeFeed(true)
	w := New(Config{Instrument: btc, Interval: time.Minute}, feed, countStrategy{}, zerolog.Nop())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	bad := mkBar(2)
	bad.High = 0
	feed.bars <- batch(mkBar(1), bad)
	feed.bars <- batch(signal.Bar{})
	close(feed.bars)
	waitDone(t, w)
	if got := len(w.Window()); got != 1 {
		t.Fatalf("expected only the valid bar, window=%d", got)
	}
}

func TestQuotesFeedCache(t *testing.T) {
	feed := newFakeFeed(true)
	w := New(Config{Instrument: btc, Interval: time.Minute}, feed, countStrategy{}, zerolog.Nop())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer w.Stop()
	feed.quotes <- signal.QuoteTick{Instrument: btc, Field: signal.FieldAsk, Value: 101, ReceivedAt: t0}
	feed.quotes <- signal.QuoteTick{Instrument: btc, Field: signal.FieldBid, Value: 100, ReceivedAt: t0.Add(time.Second)}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q, ok := w.Quote(); ok && q.Bid != nil && q.Ask != nil {
			if *q.Ask != 101 || *q.Bid != 100 {
				t.Fatalf("unexpected quote %+v", q)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("quote never populated")
}

func TestStopEndsLoops(t *testing.T) {
	feed := newFakeFeed(false)
	w := New(Config{Instrument: btc, Interval: time.Minute}, feed, countStrategy{}, zerolog.Nop())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	w.Stop()
	waitDone(t, w)
	if w.State() != StateCancelled {
		t.Fatalf("expected cancelled, got %s", w.State())
	}
}

func TestStopBeforeStart(t *testing.T) {
	w := New(Config{Instrument: btc, Interval: time.Minute}, newFakeFeed(true), countStrategy{}, zerolog.Nop())
	w.Stop()
	waitDone(t, w)
	if err := w.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if w.State() != StateCancelled {
		t.Fatalf("expected cancelled, got %s", w.State())
	}
}

type tradeRegistrar struct {
	recordingRegistrar
	trade aggregator.Trade
}

func (r *tradeRegistrar) Trade() (aggregator.Trade, bool) { return r.trade, true }

func TestTradeReportsOwnInstrumentOnly(t *testing.T) {
	eth := &tradeRegistrar{trade: aggregator.Trade{ID: "eth-1", Origin: "ETHUSDT"}}
	own := &tradeRegistrar{trade: aggregator.Trade{ID: "btc-1", Origin: "BTCUSDT"}}

	w := New(Config{Instrument: btc, Interval: time.Minute}, newFakeFeed(true), countStrategy{}, zerolog.Nop(), eth, own)
	if tr, ok := w.Trade(); !ok || tr.ID != "btc-1" {
		t.Fatalf("expected the BTCUSDT trade, got %+v ok=%v", tr, ok)
	}

	w = New(Config{Instrument: btc, Interval: time.Minute}, newFakeFeed(true), countStrategy{}, zerolog.Nop(), eth)
	if tr, ok := w.Trade(); ok {
		t.Fatalf("a vote-only aggregator's trade must not be reported, got %+v", tr)
	}
}
