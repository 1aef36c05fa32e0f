package paper

import (
	"sync"

	"candlewatch-go/internal/execution"
	"candlewatch-go/internal/market"

	"github.com/shopspring/decimal"
)

// Ledger keeps fills and closed trades in memory for quick inspection.
type Ledger struct {
	mu     sync.Mutex
	fills  []execution.Fill
	trades []market.ClosedTrade
}

// NewLedger creates an empty ledger optionally pre-sizing fill storage.
func NewLedger(capacity int) *Ledger {
	if capacity < 0 {
		capacity = 0
	}
	return &Ledger{fills: make([]execution.Fill, 0, capacity)}
}

// Record appends a fill to the ledger.
func (l *Ledger) Record(fill execution.Fill) {
	l.mu.Lock()
	l.fills = append(l.fills, fill)
	l.mu.Unlock()
}

// RecordTrade appends a closed trade.
func (l *Ledger) RecordTrade(trade market.ClosedTrade) {
	l.mu.Lock()
	l.trades = append(l.trades, trade)
	l.mu.Unlock()
}

// Snapshot returns a copy of the recorded fills.
func (l *Ledger) Snapshot() []execution.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]execution.Fill, len(l.fills))
	copy(out, l.fills)
	return out
}

// Trades returns a copy of the closed trades.
func (l *Ledger) Trades() []market.ClosedTrade {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]market.ClosedTrade, len(l.trades))
	copy(out, l.trades)
	return out
}

// TotalPnL sums realized P&L over the closed trades.
func (l *Ledger) TotalPnL() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, t := range l.trades {
		total = total.Add(t.PnL)
	}
	return total
}

// Reset clears everything.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.fills = l.fills[:0]
	l.trades = l.trades[:0]
	l.mu.Unlock()
}
