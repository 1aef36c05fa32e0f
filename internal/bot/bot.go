// Package bot assembles feeds, watchers, aggregators and the paper broker from configuration.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"candlewatch-go/internal/aggregator"
	"candlewatch-go/internal/config"
	"candlewatch-go/internal/execution"
	"candlewatch-go/internal/market"
	"candlewatch-go/internal/paper"
	"candlewatch-go/internal/signal"
	"candlewatch-go/internal/strategy"
	"candlewatch-go/internal/watcher"
)

// DefaultStartingCash funds the paper broker when the config leaves it unset.
const DefaultStartingCash = 100_000

// Bot owns every long-lived component of one process.
type Bot struct {
	cfg *config.Config
	log zerolog.Logger

	feed        market.Feed
	broker      *paper.Broker
	ledger      *paper.Ledger
	recorder    *paper.JSONLRecorder
	aggregators []*aggregator.Aggregator
	watchers    []*watcher.Watcher
}

// Option customises construction.
type Option func(*Bot)

// WithFeed replaces the feed the config would build.
func WithFeed(feed market.Feed) Option {
	return func(b *Bot) { b.feed = feed }
}

// New wires the components. Nothing streams until Start.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) (*Bot, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	b := &Bot{cfg: cfg, log: log.With().Str("component", "bot").Logger()}
	for _, opt := range opts {
		opt(b)
	}
	if b.feed == nil {
		feed, err := buildFeed(cfg, log)
		if err != nil {
			return nil, err
		}
		b.feed = feed
	}

	b.ledger = paper.NewLedger(256)
	brokerOpts := []paper.Option{paper.WithRecorder(b.ledger), paper.WithPositionLimit(cfg.Trading.MaxPositionUnits)}
	journals := multiJournal{b.ledger}
	if cfg.Trading.JournalPath != "" {
		rec, err := paper.NewJSONLRecorder(cfg.Trading.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		b.recorder = rec
		brokerOpts = append(brokerOpts, paper.WithRecorder(rec))
		journals = append(journals, rec)
	}
	cash := cfg.Trading.StartingCash
	if cash <= 0 {
		cash = DefaultStartingCash
	}
	b.broker = paper.NewBroker(cfg.App.Name, cash, brokerOpts...)

	deps := aggregator.Deps{
		Orders:   execution.NewExecutor(b.broker, log),
		Account:  b.broker,
		Calendar: buildCalendar(cfg),
		Alerter:  market.NewLogAlerter(log),
		Journal:  journals,
	}
	closeBuffer, _ := cfg.Trading.CloseBuffer()
	sources := make([][]string, 0, len(cfg.Aggregators))
	for _, ac := range cfg.Aggregators {
		inst := instrument(ac.Instrument, cfg.Market.InstrumentType)
		b.aggregators = append(b.aggregators, aggregator.New(aggregator.Config{
			Instrument:            inst,
			MinConfirmations:      ac.MinConfirmations,
			Grouping:              aggregator.Grouping(ac.Grouping),
			EntryEnabled:          ac.EntryEnabled,
			ExitEnabled:           ac.ExitEnabled,
			EntryAlerts:           ac.EntryAlerts,
			ExitAlerts:            ac.ExitAlerts,
			FeePerUnit:            cfg.Trading.FeePerUnit,
			SimulationEquity:      cfg.Trading.SimulationEquity,
			CloseBufferBars:       cfg.Trading.CloseBufferBars,
			SimulationCloseBuffer: closeBuffer,
			ConfirmEntryOrders:    cfg.Trading.ConfirmEntryOrders,
		}, deps, log))
		labels := ac.Sources
		if len(labels) == 0 {
			labels = []string{inst.Label()}
		}
		sources = append(sources, labels)
	}

	params := strategyParams(cfg.Strategy.Params)
	for i, wc := range cfg.Watchers {
		interval, _ := wc.ParsedInterval()
		mode := wc.Strategy
		if mode == "" {
			mode = cfg.Strategy.Mode
		}
		strat, err := strategy.Build(mode, params)
		if err != nil {
			return nil, fmt.Errorf("watchers[%d]: %w", i, err)
		}
		inst := instrument(wc.Instrument, cfg.Market.InstrumentType)
		var registrars []watcher.Registrar
		for j, agg := range b.aggregators {
			if containsLabel(sources[j], inst.Label()) {
				registrars = append(registrars, agg)
			}
		}
		if len(registrars) == 0 {
			b.log.Warn().Str("instrument", inst.Label()).Msg("watcher feeds no aggregator")
		}
		b.watchers = append(b.watchers, watcher.New(watcher.Config{
			Instrument: inst,
			Interval:   interval,
			WindowCap:  wc.WindowCap,
			Simulation: cfg.Trading.Simulation,
		}, b.feed, strat, log, registrars...))
	}
	return b, nil
}

func buildFeed(cfg *config.Config, log zerolog.Logger) (market.Feed, error) {
	switch strings.ToLower(cfg.Market.Provider) {
	case "binance":
		return market.NewBinanceFeed(cfg.Market.BinanceURL, log), nil
	default:
		schedule, err := cfg.Market.Schedule()
		if err != nil {
			return nil, err
		}
		feed := market.NewReplayFeed(log,
			market.WithPace(time.Duration(cfg.Market.ReplayPaceMs)*time.Millisecond),
			market.WithSessions(schedule))
		if cfg.Market.ReplayFile != "" {
			n, err := feed.LoadFile(cfg.Market.ReplayFile, cfg.Market.InstrumentType)
			if err != nil {
				return nil, err
			}
			log.Info().Int("bars", n).Str("file", cfg.Market.ReplayFile).Msg("replay loaded")
		}
		return feed, nil
	}
}

func buildCalendar(cfg *config.Config) *market.StaticCalendar {
	events := make([]market.ScheduledAnnouncement, 0, len(cfg.Calendar.Announcements))
	for _, a := range cfg.Calendar.Announcements {
		at, err := time.Parse(time.RFC3339, a.Time)
		if err != nil {
			continue
		}
		events = append(events, market.ScheduledAnnouncement{
			Announcement: market.Announcement{Timestamp: at, Impact: a.Impact, Title: a.Title},
			Symbols:      a.Symbols,
		})
	}
	return market.NewStaticCalendar(events)
}

func strategyParams(p config.StrategyParams) strategy.Params {
	blackout, _ := p.Blackout()
	return strategy.Params{
		Lookback:       p.Lookback,
		BodyMultiple:   p.BodyMultiple,
		StopFraction:   p.StopFraction,
		TrendThreshold: p.TrendThreshold,
		RiskPct:        p.RiskPct,
		MaxNotional:    p.MaxNotionalPerTrade,
		NewsBlackout:   blackout,
	}
}

func instrument(i config.Instrument, fallbackType string) signal.Instrument {
	if i.Type == "" {
		i.Type = fallbackType
	}
	return signal.Instrument{Type: i.Type, Symbol: i.Symbol, Exchange: i.Exchange, Currency: i.Currency}
}

func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// Start starts every watcher; on failure the ones already started are stopped.
func (b *Bot) Start(ctx context.Context) error {
	for i, w := range b.watchers {
		if err := w.Start(ctx); err != nil {
			for _, started := range b.watchers[:i] {
				started.Stop()
			}
			return fmt.Errorf("start watcher %s/%s: %w", w.Instrument().Label(), w.Interval(), err)
		}
	}
	b.log.Info().Int("watchers", len(b.watchers)).Int("aggregators", len(b.aggregators)).Msg("bot started")
	return nil
}

// Wait blocks until every bar stream has ended or ctx is done.
func (b *Bot) Wait(ctx context.Context) error {
	for _, w := range b.watchers {
		select {
		case <-w.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop cancels the watchers and closes the journal file.
func (b *Bot) Stop() error {
	for _, w := range b.watchers {
		w.Stop()
	}
	var err error
	if b.recorder != nil {
		err = b.recorder.Close()
	}
	b.log.Info().Msg("bot stopped")
	return err
}

func (b *Bot) Watchers() []*watcher.Watcher          { return b.watchers }
func (b *Bot) Aggregators() []*aggregator.Aggregator { return b.aggregators }
func (b *Bot) Broker() *paper.Broker                 { return b.broker }
func (b *Bot) Ledger() *paper.Ledger                 { return b.ledger }

// multiJournal fans closed trades out to several journals.
type multiJournal []market.Journal

func (m multiJournal) RecordTrade(t market.ClosedTrade) {
	for _, j := range m {
		j.RecordTrade(t)
	}
}
