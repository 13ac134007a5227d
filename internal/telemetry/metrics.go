// Package telemetry exposes the bot's Prometheus metrics.
//
// Primary series updated during operation:
//   - bot_ticks_total                    — decision loop iterations
//   - bot_orders_total{action,result}    — orders by action (entry|close) and result (ok|error)
//   - bot_mode{mode}                     — engine mode indicator (one labeled series per mode, 0/1)
//   - bot_signal_age_seconds             — age of the freshest signal update
//   - bot_equity_usd / bot_cash_usd      — last account snapshot
//   - bot_day_drawdown                   — intraday drawdown fraction from the UTC-day baseline
//   - bot_open_positions                 — positions currently held
//   - bot_push_connected                 — push subscription health (0/1)
//   - bot_snapshot_polls_total{result}   — snapshot poll attempts (ok|error)
//   - bot_push_reconnects_total          — push reconnect attempts
//   - bot_state_save_failures_total      — failed runtime-state saves
//
// Registered in init() and served by the status API at /metrics.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// engineModes are the label values bot_mode flips between; exactly one is 1
// at any time.
var engineModes = []string{
	"running",
	"market_closed",
	"panic",
	"safe_daily_drawdown",
	"safe_signal_stale",
	"waiting_signals",
	"needs_broker_config",
	"broker_unavailable",
}

var (
	ticks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_ticks_total",
			Help: "Decision loop iterations",
		},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed by action and result",
		},
		[]string{"action", "result"}, // action: entry|close, result: ok|error
	)

	mode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_mode",
			Help: "Engine mode indicator (one labeled series per mode, flipped 0/1).",
		},
		[]string{"mode"},
	)

	signalAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_signal_age_seconds",
			Help: "Seconds since the last signal update",
		},
	)

	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_equity_usd",
			Help: "Account equity in USD",
		},
	)

	cash = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_cash_usd",
			Help: "Account cash in USD",
		},
	)

	dayDrawdown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_day_drawdown",
			Help: "Intraday drawdown as a fraction of the day's starting equity",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Open positions currently held",
		},
	)

	pushConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_push_connected",
			Help: "Push subscription connectivity (1 connected, 0 not)",
		},
	)

	snapshotPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_snapshot_polls_total",
			Help: "Snapshot poll attempts",
		},
		[]string{"result"}, // ok|error
	)

	pushReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_push_reconnects_total",
			Help: "Push subscription reconnect attempts",
		},
	)

	stateSaveFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_state_save_failures_total",
			Help: "Failed runtime-state saves",
		},
	)
)

func init() {
	prometheus.MustRegister(ticks, orders, mode)
	prometheus.MustRegister(signalAge, equity, cash, dayDrawdown, openPositions)
	prometheus.MustRegister(pushConnected, snapshotPolls, pushReconnects, stateSaveFailures)
}

func IncTick() { ticks.Inc() }

func IncOrder(action, result string) { orders.WithLabelValues(action, result).Inc() }

// SetMode flips the bot_mode vector so the named mode reads 1 and every other
// known mode reads 0. Unknown names still get their own series.
func SetMode(name string) {
	seen := false
	for _, m := range engineModes {
		v := 0.0
		if m == name {
			v = 1
			seen = true
		}
		mode.WithLabelValues(m).Set(v)
	}
	if !seen {
		mode.WithLabelValues(name).Set(1)
	}
}

func SetSignalAge(sec float64) { signalAge.Set(sec) }

func SetEquity(v float64) { equity.Set(v) }

func SetCash(v float64) { cash.Set(v) }

func SetDayDrawdown(v float64) { dayDrawdown.Set(v) }

func SetOpenPositions(n int) { openPositions.Set(float64(n)) }

func SetPushConnected(up bool) {
	if up {
		pushConnected.Set(1)
	} else {
		pushConnected.Set(0)
	}
}

func IncSnapshotPoll(result string) { snapshotPolls.WithLabelValues(result).Inc() }

func IncPushReconnect() { pushReconnects.Inc() }

func IncStateSaveFailure() { stateSaveFailures.Inc() }
