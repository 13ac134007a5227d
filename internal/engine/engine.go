// Package engine implements the decision loop that turns council scores into
// long-only equity positions.
//
// Per-tick flow (every decision_seconds):
//  1. Refresh control inputs: active profile, panic flag, emergency stop.
//  2. Gate ladder, first match wins: unconfigured broker idles; panic in an
//     open market flattens the book; no signal ever → wait; stale signal →
//     graceful reduction; closed market parks the loop without touching
//     trackers.
//  3. Poll the account (throttled), roll the UTC daily baseline, and flatten
//     on a daily drawdown breach.
//  4. Sync positions from the broker.
//  5. Update score trackers (above/below/missing since).
//  6. Exits: at most one missing-symbol close per tick, then every confirmed
//     score exit.
//  7. Entries: fill free slots from confirmed candidates, or rotate the
//     worst position into a sufficiently better one.
//  8. Persist runtime state and publish a snapshot for the status API.
//
// A broker transport error aborts the tick with nothing persisted; the last
// saved state stays authoritative and the next tick retries.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"council-trader/internal/api"
	"council-trader/internal/broker"
	"council-trader/internal/config"
	"council-trader/internal/control"
	"council-trader/internal/profile"
	"council-trader/internal/state"
	"council-trader/internal/telemetry"
	"council-trader/internal/tradelog"
	"council-trader/pkg/types"
)

// Engine modes, one active at a time. Each is also a telemetry gauge label.
const (
	ModeRunning           = "running"
	ModeNeedsBrokerConfig = "needs_broker_config"
	ModeMarketClosed      = "market_closed"
	ModeWaitingSignals    = "waiting_signals"
	ModeSignalStale       = "safe_signal_stale"
	ModeDailyDrawdown     = "safe_daily_drawdown"
	ModePanic             = "panic"
	ModeBrokerUnavailable = "broker_unavailable"
)

// SignalSource is the slice of the signal feed the engine reads.
type SignalSource interface {
	Scores() map[string]int
	Score(symbol string) (int, bool)
	LastUpdateMS() int64
	PushOK() bool
}

// Engine owns the runtime state document. Nothing else writes it.
type Engine struct {
	cfg        config.EngineConfig
	tradeMode  string // "paper" or "live", stamped on trade records
	commission float64

	broker     broker.Broker
	feed       SignalSource
	store      *state.Store
	trades     *tradelog.Log
	getProfile control.ProfileFunc
	getPanic   control.PanicFunc
	stop       *control.EmergencyStop
	events     chan<- api.Event
	logger     *slog.Logger

	doc    *state.Document
	held   map[string]types.Position
	acct   types.Account
	acctAt int64 // ms of the last successful account poll, 0 = never

	// Published copies for API readers; the live doc is engine-private.
	snapMu    sync.RWMutex
	snapshot  state.Health
	snapPos   []types.Position
	startedAt time.Time

	now func() time.Time
}

// New loads persisted state and wires the engine. A negative commission
// config picks the broker default: Alpaca trades fee-free, the gateway is
// assumed to pay per-trade commission.
func New(
	cfg config.EngineConfig,
	tradeMode string,
	b broker.Broker,
	feed SignalSource,
	store *state.Store,
	trades *tradelog.Log,
	getProfile control.ProfileFunc,
	getPanic control.PanicFunc,
	stop *control.EmergencyStop,
	events chan<- api.Event,
	logger *slog.Logger,
) *Engine {
	commission := cfg.CommissionPerTrade
	if commission < 0 {
		if b.Name() == "alpaca" {
			commission = 0
		} else {
			commission = 1.0
		}
	}

	e := &Engine{
		cfg:        cfg,
		tradeMode:  tradeMode,
		commission: commission,
		broker:     b,
		feed:       feed,
		store:      store,
		trades:     trades,
		getProfile: getProfile,
		getPanic:   getPanic,
		stop:       stop,
		events:     events,
		logger:     logger.With("component", "engine"),
		doc:        store.Load(),
		held:       make(map[string]types.Position),
		startedAt:  time.Now(),
		now:        time.Now,
	}
	e.publish()
	return e
}

// Run is the main loop. Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(config.Seconds(e.cfg.DecisionSeconds))
	defer ticker.Stop()

	e.logger.Info("engine started",
		"broker", e.broker.Name(),
		"decision_seconds", e.cfg.DecisionSeconds,
		"trade_mode", e.tradeMode,
	)

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped")
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs one decision cycle.
func (e *Engine) tick(ctx context.Context) {
	telemetry.IncTick()
	now := e.now()
	nowMS := now.UnixMilli()

	params := profile.Lookup(e.getProfile())
	panicked := e.getPanic() || e.stop.Engaged()

	d := e.doc
	d.Health.LastTickMS = nowMS
	d.Health.PushOK = e.feed.PushOK()
	d.Health.SignalLastMS = e.feed.LastUpdateMS()
	d.Health.Profile = params.Name

	// 1. Without broker credentials there is nothing to decide.
	if !e.broker.IsConfigured() {
		e.persist(ModeNeedsBrokerConfig)
		return
	}

	open := e.broker.IsMarketOpen(ctx)
	d.Health.MarketOpen = open

	last := d.Health.SignalLastMS
	ageS := 0.0
	if last > 0 {
		ageS = float64(nowMS-last) / 1000
		if ageS < 0 {
			ageS = 0
		}
	}
	d.Health.SignalAgeS = math.Round(ageS*10) / 10
	telemetry.SetSignalAge(d.Health.SignalAgeS)

	// 2. Gate ladder, first match wins.
	if panicked && open {
		e.logger.Warn("panic engaged, flattening book")
		e.refreshHeldSoft(ctx)
		e.closeAll(ctx, "panic")
		e.persist(ModePanic)
		return
	}
	if open && last == 0 {
		e.persist(ModeWaitingSignals)
		return
	}
	if open && ageS > float64(e.cfg.SignalStaleSeconds) {
		e.reduceStale(ctx, nowMS, ageS)
		e.persist(ModeSignalStale)
		return
	}
	if open {
		// Feed is fresh again; the reduction ladder restarts from zero.
		d.SafeSignal = nil
	} else {
		// Trackers are retained, not updated, while the market is closed.
		e.persist(ModeMarketClosed)
		return
	}

	// 3. Account poll (throttled) and daily drawdown guard.
	if e.acctAt == 0 || nowMS-e.acctAt >= int64(e.cfg.AccountPollSeconds)*1000 {
		acct, err := e.broker.Account(ctx)
		if err != nil {
			e.brokerDown("account", err)
			return
		}
		e.acct = acct
		e.acctAt = nowMS
		telemetry.SetEquity(acct.Equity)
		telemetry.SetCash(acct.Cash)
	}

	dayID := now.UTC().Format("2006-01-02")
	if d.Day.ID != dayID {
		d.Day = state.Day{ID: dayID, EquityStart: e.acct.Equity}
		e.logger.Info("daily baseline reset", "day", dayID, "equity_start", e.acct.Equity)
	}

	dd := 0.0
	if d.Day.EquityStart > 0 {
		dd = (d.Day.EquityStart - e.acct.Equity) / d.Day.EquityStart
	}
	d.Health.DayDrawdown = math.Round(dd*1e4) / 1e4
	telemetry.SetDayDrawdown(dd)

	if dd > params.DailyMaxDrawdownPct {
		e.logger.Warn("daily drawdown breached, flattening book",
			"drawdown", dd,
			"limit", params.DailyMaxDrawdownPct,
		)
		e.refreshHeldSoft(ctx)
		e.closeAll(ctx, fmt.Sprintf("daily_drawdown_%.2f%%", dd*100))
		e.persist(ModeDailyDrawdown)
		return
	}

	// 4. Position sync.
	positions, err := e.broker.Positions(ctx)
	if err != nil {
		e.brokerDown("positions", err)
		return
	}
	e.held = make(map[string]types.Position, len(positions))
	for _, p := range positions {
		e.held[p.Symbol] = p
	}
	telemetry.SetOpenPositions(len(e.held))

	scores := e.feed.Scores()

	// 5-7. Trackers, exits, entries.
	e.updateTrackers(scores, nowMS, params)
	e.runExits(ctx, nowMS, params)
	e.runEntries(ctx, nowMS, scores, params)

	// 8. Persist.
	e.persist(ModeRunning)
}

// brokerDown aborts the tick without persisting: the broker's answer is
// unknown, so the last saved state stays authoritative.
func (e *Engine) brokerDown(op string, err error) {
	e.logger.Warn("broker unavailable, tick aborted", "op", op, "error", err)
	e.doc.Health.Mode = ModeBrokerUnavailable
	telemetry.SetMode(ModeBrokerUnavailable)
	e.publish()
}

func (e *Engine) persist(mode string) {
	d := e.doc
	d.Health.Mode = mode
	d.Health.Positions = e.heldSymbols()
	telemetry.SetMode(mode)
	telemetry.SetOpenPositions(len(e.held))

	if err := e.store.Save(d); err != nil {
		e.logger.Warn("state save failed", "error", err)
		telemetry.IncStateSaveFailure()
	}
	e.publish()
}

// publish copies the health block and position list for API readers.
func (e *Engine) publish() {
	positions := make([]types.Position, 0, len(e.held))
	for _, sym := range e.heldSymbols() {
		positions = append(positions, e.held[sym])
	}

	e.snapMu.Lock()
	e.snapshot = e.doc.Health
	e.snapshot.Positions = append([]string(nil), e.doc.Health.Positions...)
	e.snapPos = positions
	e.snapMu.Unlock()
}

// Health returns the most recently published health block.
func (e *Engine) Health() state.Health {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	h := e.snapshot
	h.Positions = append([]string(nil), h.Positions...)
	return h
}

// Positions returns the most recently published position list.
func (e *Engine) Positions() []types.Position {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return append([]types.Position(nil), e.snapPos...)
}

// Uptime reports how long ago the engine was constructed.
func (e *Engine) Uptime() time.Duration {
	return time.Since(e.startedAt)
}

func (e *Engine) heldSymbols() []string {
	syms := make([]string, 0, len(e.held))
	for sym := range e.held {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return syms
}

// refreshHeldSoft replaces the held map on a best-effort basis; a failed
// snapshot keeps the previous view so flatten paths still act on something.
func (e *Engine) refreshHeldSoft(ctx context.Context) {
	positions, err := e.broker.Positions(ctx)
	if err != nil {
		e.logger.Warn("position snapshot failed, using last known", "error", err)
		return
	}
	e.held = make(map[string]types.Position, len(positions))
	for _, p := range positions {
		e.held[p.Symbol] = p
	}
}

// estimatePrice finds a price for trade records: live quote, then average
// entry, then market value per share.
func (e *Engine) estimatePrice(ctx context.Context, pos types.Position) float64 {
	if px, ok := e.broker.LatestPrice(ctx, pos.Symbol); ok && px > 0 {
		return px
	}
	if pos.AvgEntryPrice > 0 {
		return pos.AvgEntryPrice
	}
	if pos.MarketValue > 0 && pos.Qty > 0 {
		return pos.MarketValue / pos.Qty
	}
	return 0
}

func (e *Engine) recordTrade(t *tradelog.Trade) {
	t.TsMS = e.now().UnixMilli()
	t.Mode = e.tradeMode
	if err := e.trades.Record(t); err != nil {
		e.logger.Warn("trade record failed", "symbol", t.Symbol, "error", err)
	}
}

func (e *Engine) emit(eventType string, data any) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- api.Event{Type: eventType, Timestamp: e.now(), Data: data}:
	default:
		// A slow dashboard never blocks the tick.
	}
}

func newClientID() string {
	return "tca_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}
