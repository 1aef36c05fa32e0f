// Package market describes the capabilities the trading core consumes from brokers, data vendors and calendars.
package market

import (
	"context"
	"errors"
	"strings"
	"time"

	"candlewatch-go/internal/signal"

	"github.com/shopspring/decimal"
)

// ErrOrderRejected is returned (possibly wrapped) when a venue refuses an order request.
var ErrOrderRejected = errors.New("order rejected")

// Feed streams bars and quote ticks and reports trading sessions.
type Feed interface {
	// StreamBars opens a cancellable bar stream; the channel closes when ctx ends or the source gives up.
	StreamBars(ctx context.Context, inst signal.Instrument, interval time.Duration) (<-chan signal.BarBatch, error)
	// StreamQuotes opens a cancellable quote tick stream.
	StreamQuotes(ctx context.Context, inst signal.Instrument) (<-chan signal.QuoteTick, error)
	// TradingSessions is fetched once per watcher at startup.
	TradingSessions(ctx context.Context, inst signal.Instrument) (Schedule, error)
	// Replay reports whether the feed is a deterministic offline replay.
	Replay() bool
}

// BracketRequest is a primary limit order with a linked protective stop.
type BracketRequest struct {
	Instrument signal.Instrument
	Direction  signal.Direction
	Price      float64
	StopPrice  float64
	Quantity   int
}

// LimitRequest is a plain limit order. Long buys, Short sells.
type LimitRequest struct {
	Instrument signal.Instrument
	Direction  signal.Direction
	Price      float64
	Quantity   int
}

// OrderPlacer submits orders; fills are observed later through the account.
type OrderPlacer interface {
	PlaceBracketOrder(ctx context.Context, req BracketRequest) (string, error)
	PlaceLimitOrder(ctx context.Context, req LimitRequest) (string, error)
}

// Order is a working order as reported by the broker.
type Order struct {
	ID         string
	Instrument signal.Instrument
	Direction  signal.Direction
	Price      float64
	StopPrice  float64
	Quantity   int
	Status     string
}

// Position is an open holding; Quantity is negative for shorts.
type Position struct {
	Instrument signal.Instrument
	Quantity   float64
	AvgCost    float64
}

// Account is a point-in-time snapshot of balances, orders and positions.
type Account struct {
	Name        string
	BuyingPower float64
	Cash        float64
	Orders      map[string]Order
	Positions   []Position
}

// PositionFor finds a non-flat position by instrument label.
func (a Account) PositionFor(label string) (Position, bool) {
	for _, p := range a.Positions {
		if strings.EqualFold(p.Instrument.Label(), label) && p.Quantity != 0 {
			return p, true
		}
	}
	return Position{}, false
}

// AccountSource returns consistent account snapshots. Implementations must not hand out shared maps.
type AccountSource interface {
	Account(ctx context.Context) (Account, error)
}

// Announcement is a scheduled market-moving event.
type Announcement struct {
	Timestamp time.Time
	Impact    string
	Title     string
}

// HighImpact reports whether the event is flagged as high impact.
func (a Announcement) HighImpact() bool { return strings.EqualFold(a.Impact, "high") }

// Calendar looks up the next announcement relevant to an instrument.
type Calendar interface {
	NextAnnouncement(ctx context.Context, inst signal.Instrument) (*Announcement, error)
}

// AlertKind distinguishes entry and exit notifications.
type AlertKind string

const (
	AlertEntry AlertKind = "entry"
	AlertExit  AlertKind = "exit"
)

// Alert is delivered to an external alerting collaborator.
type Alert struct {
	Kind       AlertKind
	Instrument signal.Instrument
	Direction  signal.Direction
	Price      float64
	StopPrice  float64
	Units      int
	At         time.Time
}

// Alerter delivers notifications.
type Alerter interface {
	Notify(ctx context.Context, alert Alert) error
}

// ClosedTrade is the record emitted when a trade leaves the book.
type ClosedTrade struct {
	ID         string            `json:"id"`
	Instrument signal.Instrument `json:"instrument"`
	Direction  string            `json:"direction"`
	Mode       string            `json:"mode"`
	EntryTime  time.Time         `json:"entry_time"`
	ExitTime   time.Time         `json:"exit_time"`
	EntryPrice float64           `json:"entry_price"`
	ExitPrice  float64           `json:"exit_price"`
	StopPrice  float64           `json:"stop_price"`
	Units      int               `json:"units"`
	PnL        decimal.Decimal   `json:"pnl"`
}

// Journal receives closed trades. Implementations must be safe for concurrent use.
type Journal interface {
	RecordTrade(ClosedTrade)
}
