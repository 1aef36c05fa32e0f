package paper

import (
	"testing"

	"candlewatch-go/internal/execution"
	"candlewatch-go/internal/market"

	"github.com/shopspring/decimal"
)

func TestLedgerRecordSnapshot(t *testing.T) {
	ledger := NewLedger(2)
	fill := execution.Fill{Symbol: "BTCUSDT", Qty: 1}
	ledger.Record(fill)
	ledger.RecordTrade(market.ClosedTrade{ID: "a", PnL: decimal.NewFromInt(12)})
	ledger.RecordTrade(market.ClosedTrade{ID: "b", PnL: decimal.NewFromFloat(-2.5)})

	snapshot := ledger.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(snapshot))
	}
	if snapshot[0].Symbol != fill.Symbol {
		t.Fatalf("unexpected fill symbol")
	}
	if got := ledger.TotalPnL(); !got.Equal(decimal.NewFromFloat(9.5)) {
		t.Fatalf("expected total pnl 9.5, got %s", got)
	}

	ledger.Reset()
	if len(ledger.Snapshot()) != 0 || len(ledger.Trades()) != 0 {
		t.Fatalf("expected ledger reset")
	}
}
