package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BarsMerged = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_merged_total", Help: "Bar updates merged into a window"},
		[]string{"instrument", "interval"},
	)
	BarsThrottled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_throttled_total", Help: "Bar updates skipped by the throttle gate"},
		[]string{"instrument", "interval"},
	)
	BarsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_dropped_total", Help: "Bars discarded before merging"},
		[]string{"reason"},
	)
	QuoteTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "quote_ticks_total", Help: "Quote ticks applied"},
		[]string{"instrument"},
	)
	Proposals = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "proposals_total", Help: "Trade proposals registered with an aggregator"},
		[]string{"instrument"},
	)
	ConsensusRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "consensus_rounds_total", Help: "Consensus evaluations by outcome"},
		[]string{"instrument", "outcome"},
	)
	TradesOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trades_opened_total", Help: "Trades transitioned to active"},
		[]string{"instrument", "mode"},
	)
	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trades_closed_total", Help: "Trades closed"},
		[]string{"instrument", "mode"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted"},
		[]string{"instrument", "side", "kind"},
	)
	OrderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_failures_total", Help: "Order submissions that failed"},
		[]string{"instrument", "kind"},
	)
)

func init() {
	prometheus.MustRegister(
		BarsMerged, BarsThrottled, BarsDropped, QuoteTicks, Proposals,
		ConsensusRounds, TradesOpened, TradesClosed, OrdersTotal, OrderFailures,
	)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
