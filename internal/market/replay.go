package market

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"candlewatch-go/internal/metrics"
	"candlewatch-go/internal/signal"
)

type replayKey struct {
	label    string
	interval time.Duration
}

// ReplayFeed replays recorded bars and ticks deterministically; streams close once the data is exhausted.
type ReplayFeed struct {
	log      zerolog.Logger
	pace     time.Duration
	mu       sync.RWMutex
	bars     map[replayKey][]signal.Bar
	ticks    map[string][]signal.QuoteTick
	sessions Schedule
}

// ReplayOption configures ReplayFeed construction parameters.
type ReplayOption func(*ReplayFeed)

// WithPace inserts a delay between emitted elements.
func WithPace(d time.Duration) ReplayOption {
	return func(f *ReplayFeed) {
		if d > 0 {
			f.pace = d
		}
	}
}

// WithSessions pins the trading sessions instead of deriving them from the bars.
func WithSessions(s Schedule) ReplayOption {
	return func(f *ReplayFeed) { f.sessions = append(Schedule(nil), s...) }
}

// NewReplayFeed constructs an empty replay feed.
func NewReplayFeed(log zerolog.Logger, opts ...ReplayOption) *ReplayFeed {
	f := &ReplayFeed{
		log:   log,
		bars:  make(map[replayKey][]signal.Bar),
		ticks: make(map[string][]signal.QuoteTick),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// AddBars queues bars for an instrument+interval in delivery order.
func (f *ReplayFeed) AddBars(inst signal.Instrument, interval time.Duration, bars ...signal.Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := replayKey{label: inst.Label(), interval: interval}
	f.bars[key] = append(f.bars[key], bars...)
}

// AddTicks queues quote ticks in delivery order.
func (f *ReplayFeed) AddTicks(ticks ...signal.QuoteTick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tk := range ticks {
		label := tk.Instrument.Label()
		f.ticks[label] = append(f.ticks[label], tk)
	}
}

// Replay is always true.
func (f *ReplayFeed) Replay() bool { return true }

// StreamBars emits one batch per recorded bar.
func (f *ReplayFeed) StreamBars(ctx context.Context, inst signal.Instrument, interval time.Duration) (<-chan signal.BarBatch, error) {
	f.mu.RLock()
	recorded := append([]signal.Bar(nil), f.bars[replayKey{label: inst.Label(), interval: interval}]...)
	f.mu.RUnlock()
	if len(recorded) == 0 {
		return nil, fmt.Errorf("replay: no bars recorded for %s %s", inst.Label(), interval)
	}

	out := make(chan signal.BarBatch)
	go func() {
		defer close(out)
		for _, b := range recorded {
			batch := signal.BarBatch{Instrument: inst, Interval: interval, Bars: []signal.Bar{b}}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
			if !f.wait(ctx) {
				return
			}
		}
		f.log.Debug().Str("instrument", inst.Label()).Dur("interval", interval).Msg("replay bars exhausted")
	}()
	return out, nil
}

// StreamQuotes emits recorded ticks; an instrument without ticks yields a stream that closes immediately.
func (f *ReplayFeed) StreamQuotes(ctx context.Context, inst signal.Instrument) (<-chan signal.QuoteTick, error) {
	f.mu.RLock()
	recorded := append([]signal.QuoteTick(nil), f.ticks[inst.Label()]...)
	f.mu.RUnlock()

	out := make(chan signal.QuoteTick)
	go func() {
		defer close(out)
		for _, tk := range recorded {
			select {
			case out <- tk:
			case <-ctx.Done():
				return
			}
			if !f.wait(ctx) {
				return
			}
		}
	}()
	return out, nil
}

// TradingSessions returns the pinned sessions or one session spanning the recorded bars.
func (f *ReplayFeed) TradingSessions(_ context.Context, inst signal.Instrument) (Schedule, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.sessions) > 0 {
		return append(Schedule(nil), f.sessions...), nil
	}
	var first, last time.Time
	for key, recorded := range f.bars {
		if key.label != inst.Label() {
			continue
		}
		for _, b := range recorded {
			if first.IsZero() || b.OpenTime.Before(first) {
				first = b.OpenTime
			}
			if end := b.CloseTime(); end.After(last) {
				last = end
			}
		}
	}
	if first.IsZero() {
		return nil, nil
	}
	return Schedule{{Open: first, Close: last.Add(24 * time.Hour), Status: StatusOpen}}, nil
}

func (f *ReplayFeed) wait(ctx context.Context) bool {
	if f.pace <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(f.pace):
		return true
	case <-ctx.Done():
		return false
	}
}

// replayRecord is one JSON line of a replay file.
type replayRecord struct {
	Type     string  `json:"type"`
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	Currency string  `json:"currency"`
	Interval string  `json:"interval"`
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// LoadFile reads JSON lines of bars (open_time in unix milliseconds). Malformed lines are skipped.
func (f *ReplayFeed) LoadFile(path, instrumentType string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open replay file: %w", err)
	}
	defer file.Close()

	grouped := make(map[replayKey][]signal.Bar)
	insts := make(map[string]signal.Instrument)
	loaded := 0
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec replayRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			f.log.Warn().Err(err).Int("line", line).Msg("skipping malformed replay line")
			metrics.BarsDropped.WithLabelValues("malformed").Inc()
			continue
		}
		interval, err := time.ParseDuration(rec.Interval)
		if err != nil || rec.Symbol == "" {
			f.log.Warn().Int("line", line).Str("interval", rec.Interval).Msg("skipping replay line without symbol or interval")
			metrics.BarsDropped.WithLabelValues("malformed").Inc()
			continue
		}
		b := signal.Bar{
			OpenTime: time.UnixMilli(rec.OpenTime).UTC(),
			Interval: interval,
			Open:     rec.Open,
			High:     rec.High,
			Low:      rec.Low,
			Close:    rec.Close,
			Volume:   rec.Volume,
		}
		if !b.Valid() {
			metrics.BarsDropped.WithLabelValues("invalid").Inc()
			continue
		}
		inst := signal.Instrument{Type: instrumentType, Symbol: rec.Symbol, Exchange: rec.Exchange, Currency: rec.Currency}
		key := replayKey{label: inst.Label(), interval: interval}
		insts[inst.Label()] = inst
		grouped[key] = append(grouped[key], b)
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return loaded, fmt.Errorf("scan replay file: %w", err)
	}
	for key, recorded := range grouped {
		sort.SliceStable(recorded, func(i, j int) bool { return recorded[i].OpenTime.Before(recorded[j].OpenTime) })
		f.AddBars(insts[key.label], key.interval, recorded...)
	}
	return loaded, nil
}
