package market

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"candlewatch-go/internal/signal"
)

var t0 = time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)

func replayBar(i int) signal.Bar {
	return signal.Bar{
		OpenTime: t0.Add(time.Duration(i) * time.Minute),
		Interval: time.Minute,
		Open:     100, High: 102, Low: 99, Close: 101,
	}
}

func TestReplayStreamsInOrder(t *testing.T) {
	feed := NewReplayFeed(zerolog.Nop())
	feed.AddBars(btc, time.Minute, replayBar(0), replayBar(1), replayBar(2))
	feed.AddTicks(signal.QuoteTick{Instrument: btc, Field: signal.FieldLast, Value: 101, ReceivedAt: t0})

	ch, err := feed.StreamBars(context.Background(), btc, time.Minute)
	if err != nil {
		t.Fatalf("StreamBars returned error: %v", err)
	}
	var got []time.Time
	for batch := range ch {
		got = append(got, batch.Bars[0].OpenTime)
	}
	if len(got) != 3 || !got[2].Equal(replayBar(2).OpenTime) {
		t.Fatalf("unexpected replay order %v", got)
	}

	quotes, err := feed.StreamQuotes(context.Background(), btc)
	if err != nil {
		t.Fatalf("StreamQuotes returned error: %v", err)
	}
	n := 0
	for range quotes {
		n++
	}
	if n != 1 {
		t.Fatalf("expected one tick, got %d", n)
	}
	if !feed.Replay() {
		t.Fatalf("replay feed must report Replay")
	}
}

func TestReplayWithoutBars(t *testing.T) {
	feed := NewReplayFeed(zerolog.Nop())
	if _, err := feed.StreamBars(context.Background(), btc, time.Minute); err == nil {
		t.Fatalf("expected error for an unrecorded stream")
	}
	sched, err := feed.TradingSessions(context.Background(), btc)
	if err != nil || len(sched) != 0 {
		t.Fatalf("expected empty schedule, got %+v err=%v", sched, err)
	}
}

func TestReplaySessions(t *testing.T) {
	feed := NewReplayFeed(zerolog.Nop())
	feed.AddBars(btc, time.Minute, replayBar(0), replayBar(9))
	sched, err := feed.TradingSessions(context.Background(), btc)
	if err != nil {
		t.Fatalf("TradingSessions returned error: %v", err)
	}
	if len(sched) != 1 || !sched[0].Open.Equal(t0) || !sched.IsOpen(replayBar(9).CloseTime()) {
		t.Fatalf("unexpected derived schedule %+v", sched)
	}

	pinned := Schedule{{Open: t0, Close: t0.Add(time.Hour), Status: StatusOpen}}
	feed = NewReplayFeed(zerolog.Nop(), WithSessions(pinned))
	sched, _ = feed.TradingSessions(context.Background(), btc)
	if len(sched) != 1 || !sched[0].Close.Equal(t0.Add(time.Hour)) {
		t.Fatalf("expected pinned schedule, got %+v", sched)
	}
}

func TestReplayPaceHonoursCancel(t *testing.T) {
	feed := NewReplayFeed(zerolog.Nop(), WithPace(time.Hour))
	feed.AddBars(btc, time.Minute, replayBar(0), replayBar(1))
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := feed.StreamBars(ctx, btc, time.Minute)
	if err != nil {
		t.Fatalf("StreamBars returned error: %v", err)
	}
	<-ch
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected the paced stream to stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("paced stream ignored cancellation")
	}
}

func TestLoadFileSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.jsonl")
	lines := `{"type":"bar","symbol":"BTCUSDT","exchange":"binance","currency":"USDT","interval":"1m","open_time":1709562660000,"open":100,"high":102,"low":99,"close":101}
not json

{"type":"bar","symbol":"","interval":"1m","open_time":1709562600000,"open":1,"high":1,"low":1,"close":1}
{"type":"bar","symbol":"BTCUSDT","interval":"1m","open_time":1709562600000,"open":100,"high":90,"low":99,"close":101}
{"type":"bar","symbol":"BTCUSDT","exchange":"binance","currency":"USDT","interval":"1m","open_time":1709562600000,"open":100,"high":102,"low":99,"close":100.5}
`
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	feed := NewReplayFeed(zerolog.Nop())
	n, err := feed.LoadFile(path, "crypto")
	if err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 bars loaded, got %d", n)
	}
	ch, err := feed.StreamBars(context.Background(), btc, time.Minute)
	if err != nil {
		t.Fatalf("StreamBars returned error: %v", err)
	}
	first := <-ch
	if first.Bars[0].Close != 100.5 {
		t.Fatalf("expected bars sorted by open time, got %+v", first.Bars[0])
	}

	if _, err := feed.LoadFile(filepath.Join(t.TempDir(), "missing.jsonl"), "crypto"); err == nil {
		t.Fatalf("expected error for a missing file")
	}
}
