package market

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"candlewatch-go/internal/metrics"
	"candlewatch-go/internal/signal"
)

const defaultBinanceStreamURL = "wss://stream.binance.com:9443"

type binanceKlineEvent struct {
	Kline struct {
		OpenTime int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
	} `json:"k"`
}

type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceBookTicker struct {
	Bid string `json:"b"`
	Ask string `json:"a"`
}

type binanceTrade struct {
	Price    string `json:"p"`
	Quantity string `json:"q"`
}

// BinanceFeed streams klines and quotes from Binance public websockets. Binance never closes,
// so sessions are one continuous window.
type BinanceFeed struct {
	baseURL string
	log     zerolog.Logger
	dialer  websocket.Dialer
	now     func() time.Time
}

// NewBinanceFeed targets baseURL (defaults to the public stream endpoint).
func NewBinanceFeed(baseURL string, log zerolog.Logger) *BinanceFeed {
	if baseURL == "" {
		baseURL = defaultBinanceStreamURL
	}
	return &BinanceFeed{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		log:     log,
		dialer:  websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		now:     time.Now,
	}
}

// Replay is false: live data is throttled by watchers.
func (f *BinanceFeed) Replay() bool { return false }

// TradingSessions returns one open-ended session; sessions are fetched once per watcher, so it must not expire.
func (f *BinanceFeed) TradingSessions(context.Context, signal.Instrument) (Schedule, error) {
	return OpenEnded(f.now()), nil
}

// StreamBars subscribes to <symbol>@kline_<interval>. The first dial happens synchronously so setup
// failures reach the caller.
func (f *BinanceFeed) StreamBars(ctx context.Context, inst signal.Instrument, interval time.Duration) (<-chan signal.BarBatch, error) {
	code, err := binanceInterval(interval)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/ws/%s@kline_%s", f.baseURL, strings.ToLower(inst.Symbol), code)
	conn, _, err := f.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial kline stream: %w", err)
	}

	out := make(chan signal.BarBatch, 16)
	go func() {
		defer close(out)
		f.runWithReconnect(ctx, url, conn, func(message []byte) bool {
			bar, err := parseBinanceKline(message, interval)
			if err != nil {
				f.log.Warn().Err(err).Str("instrument", inst.Label()).Msg("dropping malformed kline")
				metrics.BarsDropped.WithLabelValues("malformed").Inc()
				return true
			}
			select {
			case out <- signal.BarBatch{Instrument: inst, Interval: interval, Bars: []signal.Bar{bar}}:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out, nil
}

// StreamQuotes combines bookTicker (bid/ask) and trade (last/volume) streams.
func (f *BinanceFeed) StreamQuotes(ctx context.Context, inst signal.Instrument) (<-chan signal.QuoteTick, error) {
	sym := strings.ToLower(inst.Symbol)
	url := fmt.Sprintf("%s/stream?streams=%s@bookTicker/%s@trade", f.baseURL, sym, sym)
	conn, _, err := f.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial quote stream: %w", err)
	}

	out := make(chan signal.QuoteTick, 64)
	go func() {
		defer close(out)
		f.runWithReconnect(ctx, url, conn, func(message []byte) bool {
			ticks, err := parseBinanceQuote(message, inst, f.now())
			if err != nil {
				f.log.Warn().Err(err).Str("instrument", inst.Label()).Msg("dropping malformed quote")
				return true
			}
			for _, tk := range ticks {
				select {
				case out <- tk:
				case <-ctx.Done():
					return false
				}
			}
			return true
		})
	}()
	return out, nil
}

// runWithReconnect consumes conn, redialing with backoff until ctx ends or handle asks to stop.
func (f *BinanceFeed) runWithReconnect(ctx context.Context, url string, conn *websocket.Conn, handle func([]byte) bool) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		err := f.consume(ctx, conn, handle)
		conn.Close()
		if ctx.Err() != nil || err == nil {
			return
		}
		f.log.Warn().Err(err).Str("url", url).Msg("binance stream disconnected, retrying")
		for {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			conn, _, err = f.dialer.DialContext(ctx, url, nil)
			if err == nil {
				break
			}
			f.log.Warn().Err(err).Str("url", url).Msg("binance redial failed")
		}
		backoff = time.Second
	}
}

func (f *BinanceFeed) consume(ctx context.Context, conn *websocket.Conn, handle func([]byte) bool) error {
	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.log.Warn().Err(err).Msg("binance ping failed")
					return
				}
			case <-pingCtx.Done():
				// unblock ReadMessage on cancellation
				conn.SetReadDeadline(time.Now())
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		if !handle(message) {
			return nil
		}
	}
}

func parseBinanceKline(message []byte, interval time.Duration) (signal.Bar, error) {
	var ev binanceKlineEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		return signal.Bar{}, fmt.Errorf("decode kline: %w", err)
	}
	var vals [5]float64
	for i, raw := range []string{ev.Kline.Open, ev.Kline.High, ev.Kline.Low, ev.Kline.Close, ev.Kline.Volume} {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return signal.Bar{}, fmt.Errorf("parse kline field %d: %w", i, err)
		}
		vals[i] = v
	}
	bar := signal.Bar{
		OpenTime: time.UnixMilli(ev.Kline.OpenTime).UTC(),
		Interval: interval,
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}
	if !bar.Valid() {
		return signal.Bar{}, fmt.Errorf("invalid kline at %d", ev.Kline.OpenTime)
	}
	return bar, nil
}

func parseBinanceQuote(message []byte, inst signal.Instrument, at time.Time) ([]signal.QuoteTick, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	type field struct {
		kind signal.QuoteField
		raw  string
	}
	var fields []field
	switch {
	case strings.HasSuffix(env.Stream, "@bookTicker"):
		var bt binanceBookTicker
		if err := json.Unmarshal(env.Data, &bt); err != nil {
			return nil, fmt.Errorf("decode bookTicker: %w", err)
		}
		fields = []field{{signal.FieldBid, bt.Bid}, {signal.FieldAsk, bt.Ask}}
	case strings.HasSuffix(env.Stream, "@trade"):
		var tr binanceTrade
		if err := json.Unmarshal(env.Data, &tr); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		fields = []field{{signal.FieldLast, tr.Price}, {signal.FieldVolume, tr.Quantity}}
	default:
		return nil, fmt.Errorf("unexpected stream %q", env.Stream)
	}

	ticks := make([]signal.QuoteTick, 0, len(fields))
	for _, fl := range fields {
		v, err := strconv.ParseFloat(fl.raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", fl.kind, err)
		}
		ticks = append(ticks, signal.QuoteTick{Instrument: inst, Field: fl.kind, Value: v, ReceivedAt: at})
	}
	return ticks, nil
}

func binanceInterval(d time.Duration) (string, error) {
	switch d {
	case time.Minute:
		return "1m", nil
	case 3 * time.Minute:
		return "3m", nil
	case 5 * time.Minute:
		return "5m", nil
	case 15 * time.Minute:
		return "15m", nil
	case 30 * time.Minute:
		return "30m", nil
	case time.Hour:
		return "1h", nil
	case 4 * time.Hour:
		return "4h", nil
	case 24 * time.Hour:
		return "1d", nil
	default:
		return "", fmt.Errorf("binance: unsupported interval %s", d)
	}
}
