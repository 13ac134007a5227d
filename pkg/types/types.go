// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the agent: position and account
// snapshots as reported by a broker, and order sides. It has no dependencies
// on internal packages, so it can be imported by any layer.
package types

// Side is the direction of a held position as reported by the broker.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// OrderSide is the direction of an executed order as recorded in the trade log.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Position is a broker-reported holding, materialized fresh each engine tick.
// Qty is always non-negative; Side carries the direction. AvgEntryPrice and
// MarketValue are zero when the broker does not report them.
type Position struct {
	Symbol        string
	Qty           float64
	Side          Side
	AvgEntryPrice float64
	MarketValue   float64
}

// Account is the broker account snapshot the engine sizes positions against.
type Account struct {
	Equity float64
	Cash   float64
}
