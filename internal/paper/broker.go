// Package paper simulates a broker that fills every order immediately at its limit price.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"candlewatch-go/internal/execution"
	"candlewatch-go/internal/market"
	"candlewatch-go/internal/signal"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FillRecorder captures paper fills for later inspection.
type FillRecorder interface {
	Record(execution.Fill)
}

type positionState struct {
	inst    signal.Instrument
	qty     int64 // negative for shorts
	avgCost decimal.Decimal
}

// Broker tracks virtual cash, realized PnL and signed per-instrument positions.
type Broker struct {
	mu                   sync.Mutex
	name                 string
	startingCash         decimal.Decimal
	cash                 decimal.Decimal
	realizedPnL          decimal.Decimal
	maxPositionPerSymbol int64
	positions            map[string]*positionState
	orders               map[string]market.Order
	recorders            []FillRecorder
	now                  func() time.Time
}

// Option customises a Broker.
type Option func(*Broker)

// WithRecorder forwards every fill to r.
func WithRecorder(r FillRecorder) Option {
	return func(b *Broker) { b.recorders = append(b.recorders, r) }
}

// WithPositionLimit caps the absolute units held per instrument; zero disables it.
func WithPositionLimit(units int) Option {
	return func(b *Broker) { b.maxPositionPerSymbol = int64(units) }
}

// WithClock overrides the fill timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// NewBroker constructs a broker populated with starting cash.
func NewBroker(name string, startingCash float64, opts ...Option) *Broker {
	cash := decimal.NewFromFloat(startingCash)
	b := &Broker{
		name:         name,
		startingCash: cash,
		cash:         cash,
		positions:    make(map[string]*positionState),
		orders:       make(map[string]market.Order),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// StartingCash returns the initial bankroll.
func (b *Broker) StartingCash() decimal.Decimal { return b.startingCash }

// PlaceBracketOrder fills the entry leg and parks the protective stop as a working order.
func (b *Broker) PlaceBracketOrder(_ context.Context, req market.BracketRequest) (string, error) {
	if err := validate(req.Quantity, req.Price); err != nil {
		return "", err
	}
	if req.Direction == signal.Long && req.StopPrice >= req.Price || req.Direction == signal.Short && req.StopPrice <= req.Price {
		return "", fmt.Errorf("%w: stop %.4f on wrong side of %.4f", market.ErrOrderRejected, req.StopPrice, req.Price)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	if err := b.fillLocked(id, "bracket", req.Instrument, req.Direction, req.Quantity, req.Price); err != nil {
		return "", err
	}
	stopDir := signal.Short
	if req.Direction == signal.Short {
		stopDir = signal.Long
	}
	stopID := uuid.NewString()
	b.orders[stopID] = market.Order{
		ID:         stopID,
		Instrument: req.Instrument,
		Direction:  stopDir,
		StopPrice:  req.StopPrice,
		Quantity:   req.Quantity,
		Status:     "working",
	}
	return id, nil
}

// PlaceLimitOrder fills immediately. Flattening a position cancels its working stops.
func (b *Broker) PlaceLimitOrder(_ context.Context, req market.LimitRequest) (string, error) {
	if err := validate(req.Quantity, req.Price); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	if err := b.fillLocked(id, "limit", req.Instrument, req.Direction, req.Quantity, req.Price); err != nil {
		return "", err
	}
	if _, open := b.positions[req.Instrument.Label()]; !open {
		for oid, o := range b.orders {
			if o.Instrument.Label() == req.Instrument.Label() && o.Status == "working" {
				delete(b.orders, oid)
			}
		}
	}
	return id, nil
}

func validate(qty int, price float64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", market.ErrOrderRejected)
	}
	if price <= 0 {
		return fmt.Errorf("%w: price must be positive", market.ErrOrderRejected)
	}
	return nil
}

func (b *Broker) fillLocked(id, kind string, inst signal.Instrument, dir signal.Direction, qty int, price float64) error {
	label := inst.Label()
	state := b.positions[label]
	if state == nil {
		state = &positionState{inst: inst}
	}
	delta := int64(qty)
	if dir == signal.Short {
		delta = -delta
	}
	px := decimal.NewFromFloat(price)
	notional := px.Mul(decimal.NewFromInt(int64(qty)))

	// opening longs consume cash; shorts and reductions release it
	if delta > 0 && state.qty >= 0 && notional.GreaterThan(b.cash) {
		return fmt.Errorf("%w: insufficient cash for %s", market.ErrOrderRejected, label)
	}
	newQty := state.qty + delta
	if b.maxPositionPerSymbol > 0 && abs(newQty) > b.maxPositionPerSymbol && abs(newQty) > abs(state.qty) {
		return fmt.Errorf("%w: position limit exceeded for %s", market.ErrOrderRejected, label)
	}

	switch {
	case state.qty == 0 || sameSign(state.qty, delta):
		total := state.avgCost.Mul(decimal.NewFromInt(abs(state.qty))).Add(notional)
		state.avgCost = total.Div(decimal.NewFromInt(abs(newQty)))
	default:
		closed := min(abs(delta), abs(state.qty))
		pnl := px.Sub(state.avgCost).Mul(decimal.NewFromInt(closed))
		if state.qty < 0 {
			pnl = pnl.Neg()
		}
		b.realizedPnL = b.realizedPnL.Add(pnl)
		if newQty != 0 && !sameSign(newQty, state.qty) {
			state.avgCost = px
		}
	}
	b.cash = b.cash.Sub(px.Mul(decimal.NewFromInt(delta)))
	state.qty = newQty
	if newQty == 0 {
		delete(b.positions, label)
	} else {
		b.positions[label] = state
	}

	side := execution.SideFor(dir)
	b.orders[id] = market.Order{ID: id, Instrument: inst, Direction: dir, Price: price, Quantity: qty, Status: "filled"}
	fill := execution.Fill{OrderID: id, Symbol: label, Side: side, Qty: float64(qty), Price: price, Kind: kind, FilledAt: b.now()}
	for _, r := range b.recorders {
		r.Record(fill)
	}
	return nil
}

// Account returns a snapshot. Buying power is free cash.
func (b *Broker) Account(_ context.Context) (market.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cash, _ := b.cash.Float64()
	acct := market.Account{
		Name:        b.name,
		BuyingPower: cash,
		Cash:        cash,
		Orders:      make(map[string]market.Order, len(b.orders)),
		Positions:   make([]market.Position, 0, len(b.positions)),
	}
	for id, o := range b.orders {
		acct.Orders[id] = o
	}
	for _, p := range b.positions {
		avg, _ := p.avgCost.Float64()
		acct.Positions = append(acct.Positions, market.Position{Instrument: p.inst, Quantity: float64(p.qty), AvgCost: avg})
	}
	sort.Slice(acct.Positions, func(i, j int) bool {
		return acct.Positions[i].Instrument.Label() < acct.Positions[j].Instrument.Label()
	})
	return acct, nil
}

// RealizedPnL returns total closed-trade profit and loss.
func (b *Broker) RealizedPnL() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.realizedPnL
}

// Equity marks open positions with the supplied prices; unmarked positions count at cost.
func (b *Broker) Equity(marks map[string]float64) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	equity := b.cash
	for label, p := range b.positions {
		mark := p.avgCost
		if px, ok := marks[label]; ok && px > 0 {
			mark = decimal.NewFromFloat(px)
		}
		equity = equity.Add(mark.Mul(decimal.NewFromInt(p.qty)))
	}
	return equity
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sameSign(a, b int64) bool { return (a > 0) == (b > 0) }
