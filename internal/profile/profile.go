// Package profile defines the immutable risk profile table.
//
// A profile bundles every tunable the decision engine reads: score thresholds
// and their confirmation windows, position and exposure caps, rotation gates,
// the bracket percentages applied at entry, and the daily drawdown guard.
// The active profile is re-read from the control plane on every tick, so a
// profile switch takes effect without restart. Unknown names fall back to
// balanced.
package profile

import (
	"sort"
	"strings"
	"time"
)

// Default is the fallback profile name.
const Default = "balanced"

// Params is one tuned parameter set. Values are fixed at compile time.
type Params struct {
	Name string

	// Score thresholds and how long each must hold before action.
	Entry        int
	Exit         int
	EntryConfirm time.Duration
	ExitConfirm  time.Duration

	// Position and exposure caps.
	MaxPositions    int
	MaxExposure     float64 // fraction of equity across all positions, 0..1
	MaxWeightPerPos float64 // fraction of equity per position, 0..1

	// Rotation gates: a candidate must beat the worst held score by
	// RotationMargin, and the outgoing position must be held at least MinHold.
	RotationMargin int
	MinHold        time.Duration

	// Broker-side protective exits placed at entry.
	StopLossPct   float64
	TakeProfitPct float64

	// Daily drawdown guard: breaching this flattens the book for the day.
	DailyMaxDrawdownPct float64
}

var table = map[string]Params{
	"conservative": {
		Name:                "conservative",
		Entry:               78,
		Exit:                58,
		EntryConfirm:        60 * time.Second,
		ExitConfirm:         20 * time.Second,
		MaxPositions:        3,
		MaxExposure:         0.75,
		MaxWeightPerPos:     0.35,
		RotationMargin:      14,
		MinHold:             900 * time.Second,
		StopLossPct:         0.022,
		TakeProfitPct:       0.05,
		DailyMaxDrawdownPct: 0.03,
	},
	"balanced": {
		Name:                "balanced",
		Entry:               74,
		Exit:                56,
		EntryConfirm:        45 * time.Second,
		ExitConfirm:         15 * time.Second,
		MaxPositions:        5,
		MaxExposure:         0.85,
		MaxWeightPerPos:     0.25,
		RotationMargin:      12,
		MinHold:             600 * time.Second,
		StopLossPct:         0.03,
		TakeProfitPct:       0.065,
		DailyMaxDrawdownPct: 0.05,
	},
	"aggressive": {
		Name:                "aggressive",
		Entry:               70,
		Exit:                54,
		EntryConfirm:        30 * time.Second,
		ExitConfirm:         10 * time.Second,
		MaxPositions:        7,
		MaxExposure:         0.95,
		MaxWeightPerPos:     0.20,
		RotationMargin:      10,
		MinHold:             420 * time.Second,
		StopLossPct:         0.04,
		TakeProfitPct:       0.085,
		DailyMaxDrawdownPct: 0.08,
	},
}

// Lookup returns the parameter set for name. Empty or unknown names return
// the balanced profile.
func Lookup(name string) Params {
	if p, ok := table[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return table[Default]
}

// Names returns all known profile names, sorted.
func Names() []string {
	out := make([]string, 0, len(table))
	for name := range table {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
