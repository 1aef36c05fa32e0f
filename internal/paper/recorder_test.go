package paper

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"

	"candlewatch-go/internal/execution"
	"candlewatch-go/internal/market"

	"github.com/shopspring/decimal"
)

func TestJSONLRecorder(t *testing.T) {
	tmp := t.TempDir()
	path := tmp + "/journal/fills.jsonl"

	recorder, err := NewJSONLRecorder(path)
	if err != nil {
		t.Fatalf("NewJSONLRecorder error: %v", err)
	}
	fill := execution.Fill{Symbol: "BTCUSDT", Side: execution.Buy, Qty: 1, Price: 1000}
	recorder.Record(fill)
	recorder.RecordTrade(market.ClosedTrade{ID: "t-1", Units: 3, PnL: decimal.RequireFromString("12.25")})
	if err := recorder.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	recorder.Record(fill) // after close: ignored

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recorded file: %v", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("json decode: %v", err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(entries))
	}
	if entries[0].Type != "fill" || entries[0].Fill.Symbol != fill.Symbol || entries[0].Fill.Side != fill.Side {
		t.Fatalf("unexpected decoded fill %+v", entries[0])
	}
	if entries[1].Type != "trade" || !entries[1].Trade.PnL.Equal(decimal.RequireFromString("12.25")) {
		t.Fatalf("unexpected decoded trade %+v", entries[1])
	}
}
