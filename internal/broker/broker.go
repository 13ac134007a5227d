// Package broker defines the brokerage capability surface the engine
// consumes and provides two adapters: Alpaca (native bracket orders) and a
// local IBKR Client Portal gateway (bracket emulated with an OCA pair).
//
// The engine never sees broker-specific types; every adapter speaks
// pkg/types and the three sentinel errors below.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"council-trader/internal/config"
	"council-trader/pkg/types"
)

var (
	// ErrUnavailable marks a transport-level failure. The tick aborts and
	// retries next cycle instead of trading on unknown account state.
	ErrUnavailable = errors.New("broker unavailable")

	// ErrEntryFailed marks an entry order the broker rejected or that could
	// not be priced.
	ErrEntryFailed = errors.New("entry order failed")

	// ErrNoPosition is returned when closing a symbol the broker does not
	// hold. Callers treat it as a no-op.
	ErrNoPosition = errors.New("no position")
)

// Broker is the capability contract.
//
// Positions returns long equity positions only; a missing-endpoint response
// is an empty slice, not an error. LatestPrice is best-effort and reports
// ok=false instead of failing. ClosePosition with qty <= 0 closes the full
// position.
type Broker interface {
	Name() string
	IsConfigured() bool
	IsMarketOpen(ctx context.Context) bool
	Account(ctx context.Context) (types.Account, error)
	Positions(ctx context.Context) ([]types.Position, error)
	LatestPrice(ctx context.Context, symbol string) (float64, bool)
	PlaceEntryWithBracket(ctx context.Context, symbol string, qty int, stopLossPct, takeProfitPct float64, clientID string) error
	ClosePosition(ctx context.Context, symbol string, qty float64, clientID string) error
}

// New selects the adapter named in the config.
func New(cfg config.BrokerConfig, logger *slog.Logger) (Broker, error) {
	switch cfg.Name {
	case "alpaca":
		return NewAlpaca(cfg.Alpaca, logger), nil
	case "gateway":
		return NewGateway(cfg.Gateway, logger), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Name)
	}
}
