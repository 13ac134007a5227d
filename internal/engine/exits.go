package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"council-trader/internal/api"
	"council-trader/internal/broker"
	"council-trader/internal/profile"
	"council-trader/internal/state"
	"council-trader/internal/telemetry"
	"council-trader/internal/tradelog"
	"council-trader/pkg/types"
)

// runExits closes positions the feed has turned against. Two rules, in
// order, each symbol touched at most once per tick:
//
//	(a) a held symbol absent from the feed for the grace period is closed;
//	    at most one per tick, the longest-missing first, so a feed hiccup
//	    bleeds positions slowly instead of dumping the book.
//	(b) every held symbol whose score has sat at or below exit for the
//	    confirmation window is closed.
func (e *Engine) runExits(ctx context.Context, nowMS int64, params profile.Params) {
	d := e.doc

	// Clocks for symbols we no longer hold are meaningless; drop them before
	// selecting exits.
	for sym := range d.BelowSince {
		if _, ok := e.held[sym]; !ok {
			delete(d.BelowSince, sym)
		}
	}
	for sym := range d.MissingSince {
		if _, ok := e.held[sym]; !ok {
			delete(d.MissingSince, sym)
		}
	}

	graceMS := int64(e.cfg.MissingSymbolGraceSeconds) * 1000
	var missingSym string
	var missingSince int64
	for sym, since := range d.MissingSince {
		if nowMS-since < graceMS {
			continue
		}
		if missingSym == "" || since < missingSince || (since == missingSince && sym < missingSym) {
			missingSym, missingSince = sym, since
		}
	}
	if missingSym != "" {
		e.closePosition(ctx, e.held[missingSym], "symbol_missing")
	}

	confirmMS := params.ExitConfirm.Milliseconds()
	for _, sym := range e.heldSymbols() {
		since, ok := d.BelowSince[sym]
		if !ok || nowMS-since < confirmMS {
			continue
		}
		e.closePosition(ctx, e.held[sym], "score_exit")
	}
}

// reduceStale is the graceful ladder for a feed gone quiet: one step per
// reduce interval, shedding the weakest position each step, and a full
// flatten once the outage passes the escalation threshold.
func (e *Engine) reduceStale(ctx context.Context, nowMS int64, ageS float64) {
	d := e.doc
	if d.SafeSignal == nil {
		d.SafeSignal = &state.SafeSignal{}
	}
	ss := d.SafeSignal

	stepMS := int64(e.cfg.SafeReduceStepSeconds) * 1000
	if ss.LastReduceMS != 0 && nowMS-ss.LastReduceMS < stepMS {
		return
	}
	ss.LastReduceMS = nowMS

	e.refreshHeldSoft(ctx)
	if len(e.held) == 0 {
		return
	}

	if ageS >= float64(e.cfg.SafeStaleEscalateSeconds) {
		e.logger.Warn("signal outage escalated, flattening book", "age_s", int(ageS))
		e.closeAll(ctx, fmt.Sprintf("signal_stale_%ds", int(ageS)))
		ss.EscalatedMS = nowMS
		return
	}

	// Shed the lowest-scored positions first. Symbols the stale feed never
	// scored get a random rank so repeated steps do not always pick the
	// same victim.
	scores := e.feed.Scores()
	rank := make(map[string]int, len(e.held))
	for sym := range e.held {
		if sc, ok := scores[sym]; ok {
			rank[sym] = sc
		} else {
			rank[sym] = rand.Intn(101)
		}
	}
	syms := e.heldSymbols()
	sort.SliceStable(syms, func(i, j int) bool { return rank[syms[i]] < rank[syms[j]] })

	reason := fmt.Sprintf("signal_stale_reduce_%ds", int(ageS))
	step := e.cfg.SafeReducePerStep
	if step > len(syms) {
		step = len(syms)
	}
	e.logger.Warn("signal stale, reducing exposure", "age_s", int(ageS), "closing", step)
	for _, sym := range syms[:step] {
		e.closePosition(ctx, e.held[sym], reason)
	}
}

// closeAll flattens every held position with the given reason.
func (e *Engine) closeAll(ctx context.Context, reason string) {
	for _, sym := range e.heldSymbols() {
		e.closePosition(ctx, e.held[sym], reason)
	}
}

// closePosition fully closes one position. Returns true when the position is
// gone, either because the close was accepted or because the broker no
// longer holds it. Failures leave every clock in place so the next tick
// retries.
func (e *Engine) closePosition(ctx context.Context, pos types.Position, reason string) bool {
	clientID := newClientID()
	err := e.broker.ClosePosition(ctx, pos.Symbol, 0, clientID)
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrNoPosition):
		e.logger.Info("position already gone", "symbol", pos.Symbol, "reason", reason)
		e.clearSymbol(pos.Symbol)
		return true
	default:
		e.logger.Warn("close failed", "symbol", pos.Symbol, "reason", reason, "error", err)
		telemetry.IncOrder("close", "error")
		return false
	}
	telemetry.IncOrder("close", "ok")

	score, scored := e.feed.Score(pos.Symbol)
	if !scored {
		score = 50
	}
	price := e.estimatePrice(ctx, pos)

	e.logger.Info("position closed",
		"symbol", pos.Symbol,
		"qty", pos.Qty,
		"reason", reason,
		"score", score,
	)
	e.recordTrade(&tradelog.Trade{
		Symbol:        pos.Symbol,
		Side:          "SELL",
		Qty:           pos.Qty,
		Price:         price,
		Reason:        reason,
		ClientOrderID: clientID,
		Score:         float64(score),
	})
	e.emit("close", api.TradeEvent{
		Symbol: pos.Symbol,
		Side:   "SELL",
		Qty:    pos.Qty,
		Price:  price,
		Score:  float64(score),
		Reason: reason,
	})
	e.clearSymbol(pos.Symbol)
	return true
}
