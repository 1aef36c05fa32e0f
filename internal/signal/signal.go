// Package signal standardizes payloads shared between data ingestion, strategy and trading layers.
package signal

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Instrument identifies a tradeable contract. Two instruments are equal iff all four fields match.
type Instrument struct {
	Type     string
	Symbol   string
	Exchange string
	Currency string
}

// Label is the human readable key used to match watchers, aggregators and broker positions.
func (i Instrument) Label() string { return strings.ToUpper(i.Symbol) }

func (i Instrument) String() string {
	return fmt.Sprintf("%s:%s@%s/%s", i.Type, i.Symbol, i.Exchange, i.Currency)
}

// Bar is an OHLC summary for one interval. OpenTime is the identity key.
type Bar struct {
	OpenTime time.Time
	Interval time.Duration
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Body is the absolute distance between open and close.
func (b Bar) Body() float64 { return math.Abs(b.Close - b.Open) }

// CloseTime is the instant the bar's interval ends.
func (b Bar) CloseTime() time.Time { return b.OpenTime.Add(b.Interval) }

// Valid reports whether the bar can be merged into a window.
func (b Bar) Valid() bool {
	if b.OpenTime.IsZero() {
		return false
	}
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return false
		}
	}
	return b.High >= b.Low
}

// BarBatch is one delivery from a bar stream; sources may resend the still-forming bar.
type BarBatch struct {
	Instrument Instrument
	Interval   time.Duration
	Bars       []Bar
}

// QuoteField selects which part of a Quote a tick refreshes.
type QuoteField int

const (
	FieldBid QuoteField = iota + 1
	FieldAsk
	FieldLast
	FieldVolume
)

func (f QuoteField) String() string {
	switch f {
	case FieldBid:
		return "bid"
	case FieldAsk:
		return "ask"
	case FieldLast:
		return "last"
	case FieldVolume:
		return "volume"
	default:
		return "unknown"
	}
}

// QuoteTick refreshes exactly one field of an instrument's quote.
type QuoteTick struct {
	Instrument Instrument
	Field      QuoteField
	Value      float64
	ReceivedAt time.Time
}

// Valid reports whether the tick carries a usable value.
func (t QuoteTick) Valid() bool {
	if t.Field < FieldBid || t.Field > FieldVolume {
		return false
	}
	if math.IsNaN(t.Value) || math.IsInf(t.Value, 0) || t.Value < 0 {
		return false
	}
	return t.Field == FieldVolume || t.Value > 0
}

// Quote is the merged best bid/ask/last/volume view of one instrument. Nil fields were never observed.
type Quote struct {
	Instrument Instrument
	AsOf       time.Time
	Bid        *float64
	Ask        *float64
	Last       *float64
	Volume     *float64
}

// Direction is the side of a trade idea.
type Direction int

const (
	Long Direction = iota + 1
	Short
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "none"
	}
}

// Signal expresses a trading bias produced by a strategy evaluation.
type Signal struct {
	Direction  Direction
	Confidence float64 // 0..1
}
