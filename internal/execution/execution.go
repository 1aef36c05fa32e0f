// Package execution handles order lifecycle and interaction with venues.
package execution

import (
	"context"
	"errors"
	"time"

	"candlewatch-go/internal/market"
	"candlewatch-go/internal/metrics"
	"candlewatch-go/internal/signal"

	"github.com/rs/zerolog"
)

// Side enumerates order directions used by the executor.
type Side string

const (
	// Buy indicates a long order.
	Buy Side = "BUY"
	// Sell indicates a short order.
	Sell Side = "SELL"
)

// SideFor maps a trade direction onto the order side that opens it.
func SideFor(dir signal.Direction) Side {
	if dir == signal.Short {
		return Sell
	}
	return Buy
}

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Fill is an executed order as reported by a venue.
type Fill struct {
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Qty      float64   `json:"qty"`
	Price    float64   `json:"price"`
	Kind     string    `json:"kind"`
	FilledAt time.Time `json:"filled_at"`
}

// Executor sits in front of a venue, logging and counting every order request.
type Executor struct {
	venue market.OrderPlacer
	log   zerolog.Logger
}

// NewExecutor wraps a venue. It satisfies market.OrderPlacer itself.
func NewExecutor(venue market.OrderPlacer, log zerolog.Logger) *Executor {
	return &Executor{venue: venue, log: log.With().Str("component", "executor").Logger()}
}

// PlaceBracketOrder submits an entry with a linked protective stop.
func (e *Executor) PlaceBracketOrder(ctx context.Context, req market.BracketRequest) (string, error) {
	sym := req.Instrument.Label()
	side := SideFor(req.Direction)
	if req.Quantity <= 0 || req.Price <= 0 {
		return "", e.fail(sym, "bracket", errors.New("quantity and price must be positive"))
	}
	metrics.OrdersTotal.WithLabelValues(sym, string(side), "bracket").Inc()
	id, err := e.venue.PlaceBracketOrder(ctx, req)
	if err != nil {
		return "", e.fail(sym, "bracket", err)
	}
	e.log.Info().Str("sym", sym).Str("side", string(side)).Int("qty", req.Quantity).
		Float64("px", req.Price).Float64("stop", req.StopPrice).Str("order_id", id).Msg("bracket order placed")
	return id, nil
}

// PlaceLimitOrder submits a plain limit order.
func (e *Executor) PlaceLimitOrder(ctx context.Context, req market.LimitRequest) (string, error) {
	sym := req.Instrument.Label()
	side := SideFor(req.Direction)
	if req.Quantity <= 0 || req.Price <= 0 {
		return "", e.fail(sym, "limit", errors.New("quantity and price must be positive"))
	}
	metrics.OrdersTotal.WithLabelValues(sym, string(side), "limit").Inc()
	id, err := e.venue.PlaceLimitOrder(ctx, req)
	if err != nil {
		return "", e.fail(sym, "limit", err)
	}
	e.log.Info().Str("sym", sym).Str("side", string(side)).Int("qty", req.Quantity).
		Float64("px", req.Price).Str("order_id", id).Msg("limit order placed")
	return id, nil
}

func (e *Executor) fail(sym, kind string, err error) error {
	metrics.OrderFailures.WithLabelValues(sym, kind).Inc()
	e.log.Error().Err(err).Str("sym", sym).Str("kind", kind).Msg("order submission failed")
	if errors.Is(err, market.ErrOrderRejected) {
		return err
	}
	return errors.Join(market.ErrOrderRejected, err)
}
