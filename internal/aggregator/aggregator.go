// Package aggregator reconciles proposals from watchers sharing one underlying instrument and owns the
// resulting trade.
package aggregator

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"candlewatch-go/internal/market"
	"candlewatch-go/internal/metrics"
	"candlewatch-go/internal/signal"
	"candlewatch-go/internal/strategy"
)

// MinConfidence is the average confidence a majority group needs before entry is considered.
const MinConfidence = 0.7

const confidenceEpsilon = 1e-9

// Defaults applied by New when the config leaves a field zero.
const (
	DefaultSimulationEquity      = 1_000_000
	DefaultCloseBufferBars       = 3
	DefaultSimulationCloseBuffer = 30 * time.Minute
)

// Grouping selects how proposals are bucketed into votes.
type Grouping string

const (
	// GroupExact groups proposals by the whole signal: direction and confidence.
	GroupExact Grouping = "exact"
	// GroupDirection groups proposals by direction only.
	GroupDirection Grouping = "direction"
)

// Source is the view of a watcher the aggregator needs.
type Source interface {
	Instrument() signal.Instrument
	Interval() time.Duration
	Result() strategy.Result
	LatestBar() (signal.Bar, bool)
	Quote() (signal.Quote, bool)
	Schedule() market.Schedule
	Simulation() bool
}

// Config holds the per-aggregator knobs.
type Config struct {
	Instrument       signal.Instrument
	MinConfirmations int
	Grouping         Grouping

	EntryEnabled bool
	ExitEnabled  bool
	EntryAlerts  bool
	ExitAlerts   bool

	FeePerUnit            float64
	SimulationEquity      float64
	CloseBufferBars       int
	SimulationCloseBuffer time.Duration
	// ConfirmEntryOrders keeps the trade idle when the entry order is rejected.
	ConfirmEntryOrders bool
}

// Deps are the external collaborators. Any of them may be nil.
type Deps struct {
	Orders   market.OrderPlacer
	Account  market.AccountSource
	Calendar market.Calendar
	Alerter  market.Alerter
	Journal  market.Journal
}

// Trade is the single open position an aggregator may hold.
type Trade struct {
	ID         string
	Instrument signal.Instrument
	Interval   time.Duration
	// Origin is the label of the watcher whose proposal opened the trade.
	Origin     string
	EntryBar   signal.Bar
	Signal     signal.Signal
	EntryPrice float64
	StopPrice  float64
	Units      int
	Simulation bool
	OrderID    string
	OpenedAt   time.Time
}

type proposalKey struct {
	label    string
	interval time.Duration
}

type proposal struct {
	key        proposalKey
	seq        uint64
	sig        signal.Signal
	result     strategy.Result
	entryBar   signal.Bar
	simulation bool
	// src is read again at entry so quote and sessions are current, not as of registration
	src Source
}

// Aggregator serializes registrations, consensus and the trade lifecycle behind one mutex.
type Aggregator struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	mu      sync.Mutex
	pending map[proposalKey]proposal
	seq     uint64
	trade   *Trade
}

// New builds an aggregator for one target instrument.
func New(cfg Config, deps Deps, log zerolog.Logger) *Aggregator {
	if cfg.MinConfirmations < 1 {
		cfg.MinConfirmations = 1
	}
	if cfg.Grouping == "" {
		cfg.Grouping = GroupExact
	}
	if cfg.SimulationEquity <= 0 {
		cfg.SimulationEquity = DefaultSimulationEquity
	}
	if cfg.CloseBufferBars <= 0 {
		cfg.CloseBufferBars = DefaultCloseBufferBars
	}
	if cfg.SimulationCloseBuffer <= 0 {
		cfg.SimulationCloseBuffer = DefaultSimulationCloseBuffer
	}
	return &Aggregator{
		cfg:     cfg,
		deps:    deps,
		log:     log.With().Str("component", "aggregator").Str("instrument", cfg.Instrument.Label()).Logger(),
		now:     time.Now,
		pending: make(map[proposalKey]proposal),
	}
}

// Instrument is the contract this aggregator trades.
func (a *Aggregator) Instrument() signal.Instrument { return a.cfg.Instrument }

// Register records the source's latest evaluation, runs a consensus round and then monitors the open
// trade. Every abort is silent.
func (a *Aggregator) Register(ctx context.Context, src Source) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.consensusLocked(src); ok {
		a.enterLocked(ctx, p)
	}
	a.monitorLocked(ctx, src)
}

func (a *Aggregator) consensusLocked(src Source) (proposal, bool) {
	key := proposalKey{label: src.Instrument().Label(), interval: src.Interval()}
	res := src.Result()
	var sig signal.Signal
	identified := false
	if res != nil && res.PatternIdentified() {
		sig, identified = res.Signal()
	}
	if !identified {
		delete(a.pending, key)
		return proposal{}, false
	}
	bar, ok := src.LatestBar()
	if !ok {
		delete(a.pending, key)
		return proposal{}, false
	}

	metrics.Proposals.WithLabelValues(key.label).Inc()
	seq := a.seq
	if prev, exists := a.pending[key]; exists {
		seq = prev.seq
	} else {
		a.seq++
	}
	a.pending[key] = proposal{
		key:        key,
		seq:        seq,
		sig:        sig,
		result:     res,
		entryBar:   bar,
		simulation: src.Simulation(),
		src:        src,
	}

	majority, ok := a.majorityLocked()
	if !ok {
		a.abort("no_majority")
		return proposal{}, false
	}
	if len(majority) < a.cfg.MinConfirmations {
		a.abort("quorum", "confirmations", len(majority))
		return proposal{}, false
	}
	if avg := averageConfidence(majority); avg+confidenceEpsilon < MinConfidence {
		a.abort("low_confidence", "confidence", avg)
		return proposal{}, false
	}

	target := a.cfg.Instrument.Label()
	var chosen proposal
	found := false
	for _, p := range majority {
		if p.key.label == target {
			chosen, found = p, true
			break
		}
	}
	if !found {
		a.abort("no_target")
		return proposal{}, false
	}

	clear(a.pending)
	metrics.ConsensusRounds.WithLabelValues(target, "agreed").Inc()
	a.log.Debug().
		Str("direction", chosen.sig.Direction.String()).
		Float64("confidence", chosen.sig.Confidence).
		Int("confirmations", len(majority)).
		Msg("consensus reached")
	return chosen, true
}

// majorityLocked groups the pending proposals and returns the winning group in insertion order.
// Ties go to the higher average confidence, then to the group seen first.
func (a *Aggregator) majorityLocked() ([]proposal, bool) {
	if len(a.pending) == 0 {
		return nil, false
	}
	ordered := make([]proposal, 0, len(a.pending))
	for _, p := range a.pending {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	// groups are created in insertion order, so the earliest group wins a full tie
	type group struct{ members []proposal }
	index := make(map[signal.Signal]int)
	var groups []*group
	for _, p := range ordered {
		k := p.sig
		if a.cfg.Grouping == GroupDirection {
			k = signal.Signal{Direction: p.sig.Direction}
		}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, &group{})
		}
		groups[i].members = append(groups[i].members, p)
	}

	best := groups[0]
	for _, g := range groups[1:] {
		switch {
		case len(g.members) > len(best.members):
			best = g
		case len(g.members) == len(best.members) &&
			averageConfidence(g.members) > averageConfidence(best.members)+confidenceEpsilon:
			best = g
		}
	}
	return best.members, len(best.members) > 0
}

func averageConfidence(ps []proposal) float64 {
	if len(ps) == 0 {
		return 0
	}
	var sum float64
	for _, p := range ps {
		sum += p.sig.Confidence
	}
	return sum / float64(len(ps))
}

func (a *Aggregator) abort(reason string, kv ...any) {
	metrics.ConsensusRounds.WithLabelValues(a.cfg.Instrument.Label(), reason).Inc()
	a.log.Debug().Str("reason", reason).Fields(kv).Msg("entry skipped")
}

func (a *Aggregator) nextAnnouncement(ctx context.Context) *market.Announcement {
	if a.deps.Calendar == nil {
		return nil
	}
	next, err := a.deps.Calendar.NextAnnouncement(ctx, a.cfg.Instrument)
	if err != nil {
		a.log.Warn().Err(err).Msg("calendar lookup failed")
		return nil
	}
	return next
}

func (a *Aggregator) enterLocked(ctx context.Context, p proposal) {
	if a.trade != nil {
		a.abort("trade_active")
		return
	}

	equity := a.cfg.SimulationEquity
	if !p.simulation {
		if a.deps.Account == nil {
			a.abort("no_account")
			return
		}
		acct, err := a.deps.Account.Account(ctx)
		if err != nil {
			a.log.Warn().Err(err).Msg("account snapshot failed")
			a.abort("no_account")
			return
		}
		equity = acct.BuyingPower
	}

	next := a.nextAnnouncement(ctx)
	units := p.result.SizeUnits(equity, a.cfg.FeePerUnit, next)
	if units <= 0 {
		a.abort("zero_units", "equity", equity)
		return
	}
	stop, ok := p.result.StopLoss(p.entryBar, p.sig)
	if !ok {
		a.abort("no_stop")
		return
	}

	at, buffer := a.now(), time.Duration(a.cfg.CloseBufferBars)*p.key.interval
	if p.simulation {
		at, buffer = p.entryBar.CloseTime(), a.cfg.SimulationCloseBuffer
	}
	remaining, open := p.src.Schedule().TimeToClose(at)
	if !open || remaining < buffer {
		a.abort("market_closed", "remaining", remaining)
		return
	}

	price := p.entryBar.Close
	if q, ok := p.src.Quote(); ok {
		switch {
		case p.sig.Direction == signal.Long && q.Ask != nil:
			price = *q.Ask
		case p.sig.Direction == signal.Short && q.Bid != nil:
			price = *q.Bid
		}
	}

	trade := Trade{
		ID:         uuid.NewString(),
		Instrument: a.cfg.Instrument,
		Interval:   p.key.interval,
		Origin:     p.key.label,
		EntryBar:   p.entryBar,
		Signal:     p.sig,
		EntryPrice: price,
		StopPrice:  stop,
		Units:      units,
		Simulation: p.simulation,
		OpenedAt:   at,
	}

	if a.cfg.EntryAlerts {
		a.notify(ctx, market.AlertEntry, trade, price)
	}

	if !p.simulation && a.cfg.EntryEnabled && a.deps.Orders != nil {
		id, err := a.deps.Orders.PlaceBracketOrder(ctx, market.BracketRequest{
			Instrument: a.cfg.Instrument,
			Direction:  p.sig.Direction,
			Price:      price,
			StopPrice:  stop,
			Quantity:   units,
		})
		if err != nil {
			a.log.Error().Err(err).Str("trade_id", trade.ID).Msg("entry order failed")
			if a.cfg.ConfirmEntryOrders {
				return
			}
		}
		trade.OrderID = id
	}

	a.trade = &trade
	metrics.TradesOpened.WithLabelValues(a.cfg.Instrument.Label(), mode(trade.Simulation)).Inc()
	a.log.Info().
		Str("trade_id", trade.ID).
		Str("direction", trade.Signal.Direction.String()).
		Float64("entry", trade.EntryPrice).
		Float64("stop", trade.StopPrice).
		Int("units", trade.Units).
		Bool("simulation", trade.Simulation).
		Msg("trade opened")
}

func (a *Aggregator) monitorLocked(ctx context.Context, src Source) {
	t := a.trade
	if t == nil || src.Instrument().Label() != t.Origin || src.Interval() != t.Interval {
		return
	}
	latest, ok := src.LatestBar()
	if !ok || latest.OpenTime.Equal(t.EntryBar.OpenTime) {
		return
	}

	price := latest.Close
	if q, ok := src.Quote(); ok && q.Last != nil {
		price = *q.Last
	}
	stopHit := t.Signal.Direction == signal.Long && price <= t.StopPrice ||
		t.Signal.Direction == signal.Short && price >= t.StopPrice
	exitSignal := false
	if res := src.Result(); res != nil {
		exitSignal = res.ShouldExit(t.EntryBar, t.Signal, a.nextAnnouncement(ctx))
	}
	if !stopHit && !exitSignal {
		return
	}

	if a.cfg.ExitAlerts {
		a.notify(ctx, market.AlertExit, *t, price)
	}

	if t.Simulation {
		a.closeLocked(price, latest.CloseTime())
		return
	}
	if !a.cfg.ExitEnabled || a.deps.Orders == nil || a.deps.Account == nil {
		a.log.Debug().Str("reason", "exit_disabled").Msg("exit skipped")
		return
	}
	acct, err := a.deps.Account.Account(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("account snapshot failed")
		return
	}
	pos, ok := acct.PositionFor(a.cfg.Instrument.Label())
	if !ok {
		a.log.Debug().Str("reason", "no_position").Msg("exit skipped")
		return
	}
	closeDir := signal.Short
	if pos.Quantity < 0 {
		closeDir = signal.Long
	}
	if _, err := a.deps.Orders.PlaceLimitOrder(ctx, market.LimitRequest{
		Instrument: a.cfg.Instrument,
		Direction:  closeDir,
		Price:      price,
		Quantity:   int(math.Abs(pos.Quantity)),
	}); err != nil {
		a.log.Error().Err(err).Str("trade_id", t.ID).Msg("exit order failed")
		return
	}
	a.closeLocked(price, a.now())
}

func (a *Aggregator) closeLocked(exitPrice float64, at time.Time) {
	t := a.trade
	closed := market.ClosedTrade{
		ID:         t.ID,
		Instrument: t.Instrument,
		Direction:  t.Signal.Direction.String(),
		Mode:       mode(t.Simulation),
		EntryTime:  t.OpenedAt,
		ExitTime:   at,
		EntryPrice: t.EntryPrice,
		ExitPrice:  exitPrice,
		StopPrice:  t.StopPrice,
		Units:      t.Units,
		PnL:        RealizedPnL(t.Signal.Direction, t.EntryPrice, exitPrice, t.Units),
	}
	a.trade = nil
	if a.deps.Journal != nil {
		a.deps.Journal.RecordTrade(closed)
	}
	metrics.TradesClosed.WithLabelValues(t.Instrument.Label(), closed.Mode).Inc()
	a.log.Info().
		Str("trade_id", t.ID).
		Float64("exit", exitPrice).
		Str("pnl", closed.PnL.StringFixed(2)).
		Msg("trade closed")
}

func (a *Aggregator) notify(ctx context.Context, kind market.AlertKind, t Trade, price float64) {
	if a.deps.Alerter == nil {
		return
	}
	alert := market.Alert{
		Kind:       kind,
		Instrument: t.Instrument,
		Direction:  t.Signal.Direction,
		Price:      price,
		StopPrice:  t.StopPrice,
		Units:      t.Units,
		At:         a.now(),
	}
	if err := a.deps.Alerter.Notify(ctx, alert); err != nil {
		a.log.Warn().Err(err).Str("kind", string(kind)).Msg("alert delivery failed")
	}
}

func mode(simulation bool) string {
	if simulation {
		return "simulation"
	}
	return "live"
}

// Trade returns a copy of the open trade.
func (a *Aggregator) Trade() (Trade, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.trade == nil {
		return Trade{}, false
	}
	return *a.trade, true
}

// Pending returns the number of proposals waiting for the next round.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
