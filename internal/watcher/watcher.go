// Package watcher runs one strategy over the bar and quote streams of a single instrument and interval.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"candlewatch-go/internal/aggregator"
	"candlewatch-go/internal/bars"
	"candlewatch-go/internal/market"
	"candlewatch-go/internal/metrics"
	"candlewatch-go/internal/quote"
	"candlewatch-go/internal/signal"
	"candlewatch-go/internal/strategy"
)

// DefaultThrottle is the minimum spacing between accepted live bar updates.
const DefaultThrottle = 200 * time.Millisecond

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("watcher already started")
	// ErrStopped is returned when Start follows Stop.
	ErrStopped = errors.New("watcher stopped")
)

// State is the watcher lifecycle stage.
type State int

const (
	StateStarting State = iota
	StateStreaming
	StateCancelled
	StateError
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Registrar receives the watcher after every strategy re-evaluation.
type Registrar interface {
	Register(ctx context.Context, src aggregator.Source)
	Trade() (aggregator.Trade, bool)
}

// Config describes what a watcher follows.
type Config struct {
	Instrument signal.Instrument
	Interval   time.Duration
	// WindowCap overrides bars.CapacityFor when positive.
	WindowCap  int
	Simulation bool
	// Throttle overrides DefaultThrottle for live feeds.
	Throttle time.Duration
}

// Watcher owns one bar window and quote cache and drives one strategy instance.
type Watcher struct {
	cfg        Config
	feed       market.Feed
	strat      strategy.Strategy
	log        zerolog.Logger
	registrars []Registrar
	limiter    *rate.Limiter

	quotes *quote.Cache

	// mu guards window as well as the fields below it
	mu       sync.RWMutex
	window   *bars.Window
	state    State
	started  bool
	stopped  bool
	result   strategy.Result
	schedule market.Schedule
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds a watcher. Nothing streams until Start.
func New(cfg Config, feed market.Feed, strat strategy.Strategy, log zerolog.Logger, registrars ...Registrar) *Watcher {
	capacity := cfg.WindowCap
	if capacity <= 0 {
		capacity = bars.CapacityFor(cfg.Interval)
	}
	w := &Watcher{
		cfg:        cfg,
		feed:       feed,
		strat:      strat,
		registrars: registrars,
		window:     bars.NewWindow(capacity),
		quotes:     quote.NewCache(),
		done:       make(chan struct{}),
		log: log.With().
			Str("component", "watcher").
			Str("instrument", cfg.Instrument.Label()).
			Dur("interval", cfg.Interval).
			Str("strategy", strat.Name()).
			Logger(),
	}
	if !feed.Replay() {
		spacing := cfg.Throttle
		if spacing <= 0 {
			spacing = DefaultThrottle
		}
		w.limiter = rate.NewLimiter(rate.Every(spacing), 1)
	}
	return w
}

// Start fetches the trading schedule and opens both streams. Setup errors are returned; steady-state
// errors are absorbed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	schedule, err := w.feed.TradingSessions(ctx, w.cfg.Instrument)
	if err != nil {
		return w.fail(cancel, fmt.Errorf("fetch trading sessions: %w", err))
	}
	barCh, err := w.feed.StreamBars(ctx, w.cfg.Instrument, w.cfg.Interval)
	if err != nil {
		return w.fail(cancel, fmt.Errorf("open bar stream: %w", err))
	}
	quoteCh, err := w.feed.StreamQuotes(ctx, w.cfg.Instrument)
	if err != nil {
		return w.fail(cancel, fmt.Errorf("open quote stream: %w", err))
	}

	w.mu.Lock()
	w.schedule = schedule
	w.state = StateStreaming
	w.mu.Unlock()
	w.log.Info().Int("sessions", len(schedule)).Int("capacity", w.window.Capacity()).Msg("watcher streaming")

	go w.consumeQuotes(ctx, quoteCh)
	go w.consumeBars(ctx, barCh)
	return nil
}

func (w *Watcher) fail(cancel context.CancelFunc, err error) error {
	cancel()
	w.mu.Lock()
	w.state = StateError
	w.mu.Unlock()
	close(w.done)
	w.log.Error().Err(err).Msg("watcher failed to start")
	return err
}

// Stop cancels both consumption loops without waiting for them. A watcher stopped before Start
// is finished: Done is closed and Start refuses to run.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if !w.started {
		w.started = true
		close(w.done)
	}
	if w.cancel != nil {
		w.cancel()
	}
	if w.state != StateError {
		w.state = StateCancelled
	}
}

// Done is closed when the bar loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) consumeBars(ctx context.Context, in <-chan signal.BarBatch) {
	defer close(w.done)
	// registrations outlive the watcher so in-flight order calls are not cut short
	regCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-in:
			if !ok {
				w.log.Info().Msg("bar stream ended")
				w.mu.Lock()
				if w.state == StateStreaming {
					w.state = StateCancelled
				}
				w.mu.Unlock()
				return
			}
			w.handleBatch(regCtx, batch)
		}
	}
}

func (w *Watcher) handleBatch(ctx context.Context, batch signal.BarBatch) {
	label := w.cfg.Instrument.Label()
	interval := w.cfg.Interval.String()
	if w.limiter != nil && !w.limiter.Allow() {
		metrics.BarsThrottled.WithLabelValues(label, interval).Inc()
		return
	}

	valid := make([]signal.Bar, 0, len(batch.Bars))
	for _, b := range batch.Bars {
		if !b.Valid() {
			metrics.BarsDropped.WithLabelValues("invalid").Inc()
			w.log.Debug().Time("open_time", b.OpenTime).Msg("dropping malformed bar")
			continue
		}
		if b.Interval == 0 {
			b.Interval = w.cfg.Interval
		}
		valid = append(valid, b)
	}
	if len(valid) == 0 {
		return
	}

	w.mu.Lock()
	merged := w.window.Merge(valid)
	snapshot := w.window.Bars()
	w.mu.Unlock()
	if merged == 0 {
		metrics.BarsDropped.WithLabelValues("stale").Inc()
		return
	}
	metrics.BarsMerged.WithLabelValues(label, interval).Add(float64(merged))

	res := w.strat.Evaluate(snapshot)
	w.mu.Lock()
	w.result = res
	w.mu.Unlock()

	for _, r := range w.registrars {
		r.Register(ctx, w)
	}
}

func (w *Watcher) consumeQuotes(ctx context.Context, in <-chan signal.QuoteTick) {
	label := w.cfg.Instrument.Label()
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-in:
			if !ok {
				return
			}
			if w.quotes.ApplyTick(tick) {
				metrics.QuoteTicks.WithLabelValues(label).Inc()
			}
		}
	}
}

// Instrument is the contract this watcher follows.
func (w *Watcher) Instrument() signal.Instrument { return w.cfg.Instrument }

// Interval is the bar interval this watcher follows.
func (w *Watcher) Interval() time.Duration { return w.cfg.Interval }

// Simulation reports whether proposals from this watcher are simulated.
func (w *Watcher) Simulation() bool { return w.cfg.Simulation }

// Result is the latest strategy evaluation, nil before the first bar.
func (w *Watcher) Result() strategy.Result {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.result
}

// LatestBar returns the newest bar in the window.
func (w *Watcher) LatestBar() (signal.Bar, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.window.Last()
}

// Window returns a copy of the bar window.
func (w *Watcher) Window() []signal.Bar {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.window.Bars()
}

// Quote returns the cached quote.
func (w *Watcher) Quote() (signal.Quote, bool) { return w.quotes.Current() }

// Schedule returns the sessions fetched at startup.
func (w *Watcher) Schedule() market.Schedule {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append(market.Schedule(nil), w.schedule...)
}

// State returns the lifecycle stage.
func (w *Watcher) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Trade returns the open trade on this watcher's instrument, skipping aggregators it only votes into.
func (w *Watcher) Trade() (aggregator.Trade, bool) {
	label := w.cfg.Instrument.Label()
	for _, r := range w.registrars {
		if t, ok := r.Trade(); ok && t.Origin == label {
			return t, true
		}
	}
	return aggregator.Trade{}, false
}
