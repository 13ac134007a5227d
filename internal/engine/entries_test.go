package engine

import (
	"testing"
	"time"

	"council-trader/internal/broker"
	"council-trader/internal/config"
	"council-trader/pkg/types"
)

func TestEntryCooldownBlocksReopen(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.feed.scores = map[string]int{"NVDA": 90}
	h.brk.prices["NVDA"] = 100
	t0 := h.now.UnixMilli()
	h.eng.doc.AboveSince["NVDA"] = t0 - 60_000
	h.eng.doc.Cooldowns["NVDA"] = t0 + 100_000

	h.tick()
	if len(h.brk.entries) != 0 {
		t.Fatalf("entry during cooldown: %v", h.brk.entries)
	}

	h.advance(101 * time.Second)
	h.freshSignal()
	h.tick()

	if len(h.brk.entries) != 1 {
		t.Fatalf("entries = %d after cooldown expiry, want 1", len(h.brk.entries))
	}
	if got := h.brk.entries[0]; got.symbol != "NVDA" || got.qty != 14 {
		t.Errorf("entry = %s x%d, want NVDA x14", got.symbol, got.qty)
	}
}

func TestEntryFillsSlotsBestScoreFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.feed.scores = map[string]int{
		"NVDA": 90, "MSFT": 89, "AAPL": 88, "AMZN": 87, "GOOG": 86, "META": 85,
	}
	confirmed := h.now.UnixMilli() - 60_000
	for sym := range h.feed.scores {
		h.eng.doc.AboveSince[sym] = confirmed
		h.brk.prices[sym] = 100
	}

	h.tick()

	want := []entryCall{
		{symbol: "NVDA", qty: 14},
		{symbol: "MSFT", qty: 13},
		{symbol: "AAPL", qty: 12},
		{symbol: "AMZN", qty: 12},
		{symbol: "GOOG", qty: 11},
	}
	if len(h.brk.entries) != len(want) {
		t.Fatalf("entries = %d, want %d (position cap)", len(h.brk.entries), len(want))
	}
	for i, w := range want {
		got := h.brk.entries[i]
		if got.symbol != w.symbol || got.qty != w.qty {
			t.Errorf("entry[%d] = %s x%d, want %s x%d", i, got.symbol, got.qty, w.symbol, w.qty)
		}
	}
	if _, ok := h.eng.held["META"]; ok {
		t.Error("sixth candidate opened past the position cap")
	}
}

func TestEntryExposureBudgetShared(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.brk.positions = []types.Position{pos("KO", 40, 100), pos("PEP", 40, 100)}
	h.brk.acct = types.Account{Equity: 10000, Cash: 2000}
	h.feed.scores = map[string]int{"KO": 70, "PEP": 70, "NVDA": 90, "AMD": 89}
	confirmed := h.now.UnixMilli() - 60_000
	h.eng.doc.AboveSince["NVDA"] = confirmed
	h.eng.doc.AboveSince["AMD"] = confirmed
	h.brk.prices["NVDA"] = 100
	h.brk.prices["AMD"] = 100

	h.tick()

	// 8000 already deployed against an 8500 cap leaves 500 for the best
	// candidate and nothing for the second.
	if len(h.brk.entries) != 1 {
		t.Fatalf("entries = %v, want NVDA only", h.brk.entries)
	}
	if got := h.brk.entries[0]; got.symbol != "NVDA" || got.qty != 5 {
		t.Errorf("entry = %s x%d, want NVDA x5", got.symbol, got.qty)
	}
}

func TestEntryCashBufferCapsAllocation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.brk.acct = types.Account{Equity: 10000, Cash: 600}
	h.feed.scores = map[string]int{"NVDA": 90}
	h.eng.doc.AboveSince["NVDA"] = h.now.UnixMilli() - 60_000
	h.brk.prices["NVDA"] = 100

	h.tick()

	if len(h.brk.entries) != 1 || h.brk.entries[0].qty != 1 {
		t.Fatalf("entries = %v, want NVDA x1 (cash buffer)", h.brk.entries)
	}
}

func TestEntryTinyAllocationSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.brk.acct = types.Account{Equity: 10000, Cash: 550}
	h.feed.scores = map[string]int{"NVDA": 90}
	h.eng.doc.AboveSince["NVDA"] = h.now.UnixMilli() - 60_000
	h.brk.prices["NVDA"] = 100

	h.tick()

	if len(h.brk.entries) != 0 {
		t.Fatalf("entries = %v, want none for a 50 buck allocation", h.brk.entries)
	}
	if _, ok := h.eng.doc.Cooldowns["NVDA"]; ok {
		t.Error("cooldown stamped without an order")
	}
}

func TestEntryWithoutPriceSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.feed.scores = map[string]int{"NVDA": 90}
	h.eng.doc.AboveSince["NVDA"] = h.now.UnixMilli() - 60_000

	h.tick()

	if len(h.brk.entries) != 0 {
		t.Fatalf("entries = %v without a quote", h.brk.entries)
	}
}

func TestEntryRejectionLeavesNoState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.brk.entryErr = broker.ErrEntryFailed
	h.feed.scores = map[string]int{"NVDA": 90}
	h.eng.doc.AboveSince["NVDA"] = h.now.UnixMilli() - 60_000
	h.brk.prices["NVDA"] = 100

	h.tick()

	if len(h.brk.entries) != 1 {
		t.Fatalf("entry attempts = %d, want 1", len(h.brk.entries))
	}
	if _, ok := h.eng.held["NVDA"]; ok {
		t.Error("held entry recorded for a rejected order")
	}
	if _, ok := h.eng.doc.OpenedAtMS["NVDA"]; ok {
		t.Error("open clock stamped for a rejected order")
	}
	if _, ok := h.eng.doc.Cooldowns["NVDA"]; ok {
		t.Error("cooldown stamped for a rejected order")
	}
	if len(h.recentTrades(t)) != 0 {
		t.Error("trade recorded for a rejected order")
	}
	if got := h.eng.acct.Cash; got != 10000 {
		t.Errorf("cash = %v after rejected order, want 10000", got)
	}
}

func rotationHarness(t *testing.T, mutate func(*config.EngineConfig)) *harness {
	t.Helper()
	h := newHarnessCfg(t, mutate)
	h.brk.positions = []types.Position{
		pos("KO", 20, 100),
		pos("MSFT", 10, 100),
		pos("NVDA", 10, 100),
		pos("AMZN", 10, 100),
		pos("GOOG", 10, 100),
	}
	h.brk.acct = types.Account{Equity: 10000, Cash: 3000}
	h.feed.scores = map[string]int{
		"KO": 75, "MSFT": 90, "NVDA": 91, "AMZN": 92, "GOOG": 93, "META": 90,
	}
	h.eng.doc.AboveSince["META"] = h.now.UnixMilli() - 60_000
	for sym := range h.feed.scores {
		h.brk.prices[sym] = 100
	}
	return h
}

// At the position cap, a clearly better candidate rotates out the worst
// holding when the score edge pays for the round trip.
func TestRotationSwapsWorstForBest(t *testing.T) {
	t.Parallel()
	h := rotationHarness(t, nil)
	t0 := h.now.UnixMilli()

	h.tick()

	if len(h.brk.closes) != 1 || h.brk.closes[0].symbol != "KO" {
		t.Fatalf("closes = %v, want the worst holding (KO)", h.brk.closes)
	}
	if len(h.brk.entries) != 1 {
		t.Fatalf("entries = %v, want META", h.brk.entries)
	}
	if got := h.brk.entries[0]; got.symbol != "META" || got.qty != 14 {
		t.Errorf("entry = %s x%d, want META x14", got.symbol, got.qty)
	}

	if _, ok := h.eng.held["KO"]; ok {
		t.Error("KO still held after rotation")
	}
	if _, ok := h.eng.held["META"]; !ok {
		t.Error("META not held after rotation")
	}
	if got := h.eng.doc.OpenedAtMS["META"]; got != t0 {
		t.Errorf("open clock = %d, want %d", got, t0)
	}

	trades := h.recentTrades(t)
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	if trades[0].Side != "BUY" || trades[0].Symbol != "META" {
		t.Errorf("trade[0] = %+v, want the META entry", trades[0])
	}
	if trades[1].Side != "SELL" || trades[1].Symbol != "KO" || trades[1].Reason != "rotate" {
		t.Errorf("trade[1] = %+v, want the KO rotate close", trades[1])
	}
}

func TestRotationBlockedByMinHold(t *testing.T) {
	t.Parallel()
	h := rotationHarness(t, nil)
	h.eng.doc.OpenedAtMS["KO"] = h.now.UnixMilli() - 60_000 // held 60s of a 600s minimum

	h.tick()

	if len(h.brk.closes)+len(h.brk.entries) != 0 {
		t.Errorf("rotation inside min hold: closes=%v entries=%v", h.brk.closes, h.brk.entries)
	}
}

func TestRotationBlockedByMargin(t *testing.T) {
	t.Parallel()
	h := rotationHarness(t, nil)
	h.feed.scores["META"] = 86 // worst is 75, margin 12 demands 87

	h.tick()

	if len(h.brk.closes)+len(h.brk.entries) != 0 {
		t.Errorf("rotation below margin: closes=%v entries=%v", h.brk.closes, h.brk.entries)
	}
}

func TestRotationBlockedByCost(t *testing.T) {
	t.Parallel()
	h := rotationHarness(t, func(cfg *config.EngineConfig) {
		cfg.CommissionPerTrade = 1.0
	})
	// A 500 notional swap earns 3.00 of expected edge but costs 3.375 in
	// slippage and commission after the multiplier.
	h.brk.positions[0] = pos("KO", 5, 100)

	h.tick()

	if len(h.brk.closes)+len(h.brk.entries) != 0 {
		t.Errorf("rotation below cost: closes=%v entries=%v", h.brk.closes, h.brk.entries)
	}
}
