package api

import (
	"time"

	"council-trader/internal/state"
	"council-trader/internal/tradelog"
	"council-trader/pkg/types"
)

// StatusProvider is the slice of the engine the API reads. All methods
// return copies; handlers never see live engine state.
type StatusProvider interface {
	Health() state.Health
	Positions() []types.Position
	Uptime() time.Duration
}

// TradeReader pages the trade log, newest first.
type TradeReader interface {
	Recent(limit int) ([]tradelog.Trade, error)
}

// Status is the /api/status response body.
type Status struct {
	state.Health
	Broker  string  `json:"broker"`
	UptimeS float64 `json:"uptime_s"`
}
