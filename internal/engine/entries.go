package engine

import (
	"context"
	"sort"

	"council-trader/internal/api"
	"council-trader/internal/profile"
	"council-trader/internal/telemetry"
	"council-trader/internal/tradelog"
	"council-trader/pkg/types"
)

type candidate struct {
	symbol string
	score  int
}

// runEntries opens new positions from confirmed candidates. Below the
// position cap it fills the free slots best-score first; at the cap it
// considers a single rotation of the worst held position into the best
// candidate, gated by score margin, minimum hold, and a cost-benefit check
// so churn never outruns the edge.
func (e *Engine) runEntries(ctx context.Context, nowMS int64, scores map[string]int, params profile.Params) {
	d := e.doc
	confirmMS := params.EntryConfirm.Milliseconds()

	var cands []candidate
	for sym, score := range scores {
		since, ok := d.AboveSince[sym]
		if !ok || nowMS-since < confirmMS {
			continue
		}
		if _, isHeld := e.held[sym]; isHeld {
			continue
		}
		cands = append(cands, candidate{sym, score})
	}
	if len(cands) == 0 {
		return
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].symbol < cands[j].symbol
	})

	if len(e.held) < params.MaxPositions {
		budget := e.acct.Equity*params.MaxExposure - e.heldNotional(ctx)
		slots := params.MaxPositions - len(e.held)
		if slots > len(cands) {
			slots = len(cands)
		}
		for _, c := range cands[:slots] {
			e.openPosition(ctx, nowMS, c, &budget, params)
		}
		return
	}

	e.tryRotation(ctx, nowMS, cands[0], scores, params)
}

// tryRotation swaps the worst held position for a clearly better candidate.
// The margin keeps noise from churning the book; the cost-benefit check
// demands the expected score edge pay for round-trip slippage and
// commission with room to spare.
func (e *Engine) tryRotation(ctx context.Context, nowMS int64, best candidate, scores map[string]int, params profile.Params) {
	worstSym := ""
	worstScore := 0
	for _, sym := range e.heldSymbols() {
		score, ok := scores[sym]
		if !ok {
			score = 50
		}
		if worstSym == "" || score < worstScore {
			worstSym, worstScore = sym, score
		}
	}
	if worstSym == "" {
		return
	}

	if best.score < worstScore+params.RotationMargin {
		return
	}
	if openedAt, ok := e.doc.OpenedAtMS[worstSym]; ok && nowMS-openedAt < params.MinHold.Milliseconds() {
		e.logger.Debug("rotation blocked by min hold", "out", worstSym, "in", best.symbol)
		return
	}

	out := e.held[worstSym]
	outPrice, ok := e.broker.LatestPrice(ctx, worstSym)
	if !ok || outPrice <= 0 {
		outPrice = out.AvgEntryPrice
	}
	if outPrice <= 0 {
		// No price, no notional, no way to judge the switch.
		return
	}
	outNotional := out.Qty * outPrice

	delta := float64(best.score - worstScore)
	benefit := outNotional * delta * e.cfg.ScorePointValueBps / 10000
	cost := (outNotional*e.cfg.SlippageBps/10000*2 + 2*e.commission) * e.cfg.SwitchCostMultiplier
	if benefit < cost {
		e.logger.Debug("rotation not worth the cost",
			"out", worstSym,
			"in", best.symbol,
			"benefit", benefit,
			"cost", cost,
		)
		return
	}

	e.logger.Info("rotating position",
		"out", worstSym,
		"out_score", worstScore,
		"in", best.symbol,
		"in_score", best.score,
	)
	if !e.closePosition(ctx, out, "rotate") {
		return
	}
	budget := e.acct.Equity*params.MaxExposure - e.heldNotional(ctx)
	e.openPosition(ctx, nowMS, best, &budget, params)
}

// openPosition sizes and places one bracket entry, spending from the shared
// exposure budget on success.
//
// Sizing is convex in score: strength = clamp((score-entry)/(100-entry))²,
// so a score barely past entry gets near the floor weight and conviction
// ramps toward max_weight_per_pos.
func (e *Engine) openPosition(ctx context.Context, nowMS int64, c candidate, budget *float64, params profile.Params) {
	if expiry, ok := e.doc.Cooldowns[c.symbol]; ok && expiry > nowMS {
		e.logger.Debug("entry blocked by cooldown", "symbol", c.symbol)
		return
	}
	if e.acctAt == 0 {
		return
	}

	strength := float64(c.score-params.Entry) / float64(100-params.Entry)
	if strength < 0 {
		strength = 0
	}
	if strength > 1 {
		strength = 1
	}
	strength *= strength

	weight := e.cfg.MinWeightPerPos + (params.MaxWeightPerPos-e.cfg.MinWeightPerPos)*strength
	if weight > params.MaxExposure {
		weight = params.MaxExposure
	}

	alloc := e.acct.Equity * weight
	if alloc > *budget {
		alloc = *budget
	}
	if cashCap := e.acct.Cash - e.acct.Equity*e.cfg.CashBuffer; alloc > cashCap {
		alloc = cashCap
	}
	if alloc <= 50 {
		e.logger.Debug("allocation too small", "symbol", c.symbol, "alloc", alloc)
		return
	}

	price, ok := e.broker.LatestPrice(ctx, c.symbol)
	if !ok || price <= 0 {
		e.logger.Warn("no price for entry", "symbol", c.symbol)
		return
	}
	qty := int(alloc / price)
	if qty < 1 {
		return
	}

	clientID := newClientID()
	if err := e.broker.PlaceEntryWithBracket(ctx, c.symbol, qty, params.StopLossPct, params.TakeProfitPct, clientID); err != nil {
		e.logger.Warn("entry failed", "symbol", c.symbol, "qty", qty, "error", err)
		telemetry.IncOrder("entry", "error")
		return
	}
	telemetry.IncOrder("entry", "ok")

	e.logger.Info("position opened",
		"symbol", c.symbol,
		"qty", qty,
		"price", price,
		"score", c.score,
		"weight", weight,
	)
	e.recordTrade(&tradelog.Trade{
		Symbol:        c.symbol,
		Side:          "BUY",
		Qty:           float64(qty),
		Price:         price,
		Reason:        "entry",
		ClientOrderID: clientID,
		Score:         float64(c.score),
	})
	e.emit("entry", api.TradeEvent{
		Symbol: c.symbol,
		Side:   "BUY",
		Qty:    float64(qty),
		Price:  price,
		Score:  float64(c.score),
		Reason: "entry",
	})

	notional := float64(qty) * price
	e.held[c.symbol] = types.Position{
		Symbol:        c.symbol,
		Qty:           float64(qty),
		Side:          types.SideLong,
		AvgEntryPrice: price,
		MarketValue:   notional,
	}
	e.doc.OpenedAtMS[c.symbol] = nowMS
	e.doc.Cooldowns[c.symbol] = nowMS + int64(e.cfg.CooldownSeconds)*1000
	e.acct.Cash -= notional
	*budget -= notional
}

// heldNotional sums current exposure: market value when the broker reports
// it, entry cost otherwise.
func (e *Engine) heldNotional(ctx context.Context) float64 {
	total := 0.0
	for _, p := range e.held {
		switch {
		case p.MarketValue > 0:
			total += p.MarketValue
		case p.AvgEntryPrice > 0:
			total += p.Qty * p.AvgEntryPrice
		default:
			if px, ok := e.broker.LatestPrice(ctx, p.Symbol); ok {
				total += p.Qty * px
			}
		}
	}
	return total
}
