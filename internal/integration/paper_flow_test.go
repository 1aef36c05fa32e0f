package integration

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"candlewatch-go/internal/bot"
	"candlewatch-go/internal/config"
	"candlewatch-go/internal/market"
	"candlewatch-go/internal/signal"
)

var es = signal.Instrument{Type: "future", Symbol: "ES", Exchange: "CME", Currency: "USD"}

// breakoutThenReversal yields five quiet bars, one wide bullish bar and one wide bearish bar.
func breakoutThenReversal(start time.Time) []signal.Bar {
	out := make([]signal.Bar, 0, 7)
	for i := 0; i < 5; i++ {
		out = append(out, signal.Bar{Open: 100, High: 101.5, Low: 99.5, Close: 101})
	}
	out = append(out,
		signal.Bar{Open: 100, High: 111, Low: 100, Close: 110},
		signal.Bar{Open: 110, High: 110.5, Low: 100.5, Close: 101},
	)
	for i := range out {
		out[i].OpenTime = start.Add(time.Duration(i) * 5 * time.Minute)
		out[i].Interval = 5 * time.Minute
	}
	return out
}

// syncBuffer lets the watcher goroutines and the test share one log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func flowConfig(simulation bool) *config.Config {
	inst := config.Instrument{Type: es.Type, Symbol: es.Symbol, Exchange: es.Exchange, Currency: es.Currency}
	return &config.Config{
		App:      config.App{Name: "paper-flow"},
		Market:   config.Market{Provider: "replay", InstrumentType: "future"},
		Trading:  config.Trading{Simulation: simulation, FeePerUnit: 50},
		Strategy: config.Strategy{Mode: "bodybreak", Params: config.StrategyParams{Lookback: 5}},
		Watchers: []config.Watcher{{Instrument: inst, Interval: "5m"}},
		Aggregators: []config.Aggregator{{
			Instrument:       inst,
			MinConfirmations: 1,
			Grouping:         "exact",
			EntryEnabled:     true,
			ExitEnabled:      true,
			EntryAlerts:      true,
		}},
	}
}

func run(t *testing.T, cfg *config.Config, feed market.Feed, log zerolog.Logger) *bot.Bot {
	t.Helper()
	b, err := bot.New(cfg, log, bot.WithFeed(feed))
	if err != nil {
		t.Fatalf("bot.New returned error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	return b
}

func TestSimulationFlowBooksTrade(t *testing.T) {
	start := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	feed := market.NewReplayFeed(zerolog.Nop())
	feed.AddBars(es, 5*time.Minute, breakoutThenReversal(start)...)

	b := run(t, flowConfig(true), feed, zerolog.Nop())

	trades := b.Ledger().Trades()
	if len(trades) != 1 {
		t.Fatalf("expected one closed trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.Units != 3333 || tr.EntryPrice != 110 || tr.StopPrice != 102.5 || tr.ExitPrice != 101 {
		t.Fatalf("unexpected trade %+v", tr)
	}
	if !tr.PnL.Equal(decimal.NewFromInt(-29997)) {
		t.Fatalf("expected pnl -29997, got %s", tr.PnL)
	}
	if len(b.Ledger().Snapshot()) != 0 {
		t.Fatalf("simulation must not touch the broker")
	}
}

func TestLiveFlowProducesOrders(t *testing.T) {
	start := time.Now().UTC().Add(-time.Hour).Truncate(5 * time.Minute)
	feed := market.NewReplayFeed(zerolog.Nop(), market.WithSessions(market.AlwaysOpen(time.Now(), 48*time.Hour)))
	feed.AddBars(es, 5*time.Minute, breakoutThenReversal(start)...)

	var buf syncBuffer
	b := run(t, flowConfig(false), feed, zerolog.New(&buf))

	fills := b.Ledger().Snapshot()
	if len(fills) != 2 {
		t.Fatalf("expected entry and exit fills, got %d", len(fills))
	}
	if fills[0].Kind != "bracket" || fills[0].Qty != 333 || fills[1].Kind != "limit" {
		t.Fatalf("unexpected fills %+v", fills)
	}
	if got := b.Broker().RealizedPnL(); !got.Equal(decimal.NewFromInt(-2997)) {
		t.Fatalf("expected realized -2997, got %s", got)
	}
	acct, err := b.Broker().Account(context.Background())
	if err != nil {
		t.Fatalf("Account returned error: %v", err)
	}
	if _, open := acct.PositionFor("ES"); open {
		t.Fatalf("expected a flat book")
	}
	out := buf.String()
	if !strings.Contains(out, "trade opened") || !strings.Contains(out, "trade alert") || !strings.Contains(out, "trade closed") {
		t.Fatalf("expected lifecycle logs, got %s", out)
	}
}
