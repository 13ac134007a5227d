package engine

import "council-trader/internal/profile"

// updateTrackers maintains the confirmation clocks.
//
// For every scored symbol: score ≥ entry starts (or keeps) its above clock,
// anything less clears it. For every held symbol: an unscored symbol starts
// its missing clock; a scored one clears missing and runs the below clock
// when score ≤ exit. A symbol never has both an above and a below clock.
func (e *Engine) updateTrackers(scores map[string]int, nowMS int64, params profile.Params) {
	d := e.doc

	for sym, score := range scores {
		if score >= params.Entry {
			if _, ok := d.AboveSince[sym]; !ok {
				d.AboveSince[sym] = nowMS
			}
		} else {
			delete(d.AboveSince, sym)
		}
	}

	for sym := range e.held {
		score, scored := scores[sym]
		if !scored {
			if _, ok := d.MissingSince[sym]; !ok {
				d.MissingSince[sym] = nowMS
				e.logger.Warn("held symbol missing from feed", "symbol", sym)
			}
			continue
		}
		delete(d.MissingSince, sym)

		if score <= params.Exit {
			if _, ok := d.BelowSince[sym]; !ok {
				d.BelowSince[sym] = nowMS
			}
		} else {
			delete(d.BelowSince, sym)
		}
	}
}

// clearSymbol drops every per-symbol clock after a close. The cooldown
// survives: it forbids re-opening, not closing.
func (e *Engine) clearSymbol(sym string) {
	delete(e.doc.AboveSince, sym)
	delete(e.doc.BelowSince, sym)
	delete(e.doc.MissingSince, sym)
	delete(e.doc.OpenedAtMS, sym)
	delete(e.held, sym)
}
