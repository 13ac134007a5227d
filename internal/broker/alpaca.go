// alpaca.go adapts the Alpaca trading and market-data APIs to the Broker
// contract. Entries use Alpaca's native bracket order class so take-profit
// and stop-loss live server-side from the moment of entry.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"council-trader/internal/config"
	"council-trader/pkg/types"
)

// Alpaca implements Broker against the Alpaca REST APIs. The configured
// BaseURL decides paper vs live trading.
type Alpaca struct {
	trading *alpaca.Client
	data    *marketdata.Client
	limiter *RateLimiter
	key     string
	secret  string
	logger  *slog.Logger
}

var _ Broker = (*Alpaca)(nil)

// NewAlpaca builds the adapter. Empty credentials are allowed; the engine
// idles until IsConfigured reports true.
func NewAlpaca(cfg config.AlpacaConfig, logger *slog.Logger) *Alpaca {
	key := strings.TrimSpace(cfg.APIKey)
	secret := strings.TrimSpace(cfg.APISecret)

	return &Alpaca{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    key,
			APISecret: secret,
			BaseURL:   cfg.BaseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    key,
			APISecret: secret,
		}),
		limiter: newAlpacaLimiter(),
		key:     key,
		secret:  secret,
		logger:  logger.With("component", "alpaca"),
	}
}

func (a *Alpaca) Name() string { return "alpaca" }

func (a *Alpaca) IsConfigured() bool { return a.key != "" && a.secret != "" }

// IsMarketOpen asks the trading clock; any failure reads as closed.
func (a *Alpaca) IsMarketOpen(ctx context.Context) bool {
	if err := a.limiter.Data.Wait(ctx); err != nil {
		return false
	}
	clock, err := a.trading.GetClock()
	if err != nil {
		a.logger.Warn("clock fetch failed", "error", err)
		return false
	}
	return clock.IsOpen
}

func (a *Alpaca) Account(ctx context.Context) (types.Account, error) {
	if err := a.limiter.Data.Wait(ctx); err != nil {
		return types.Account{}, err
	}
	acct, err := a.trading.GetAccount()
	if err != nil {
		return types.Account{}, fmt.Errorf("%w: account: %v", ErrUnavailable, err)
	}
	return types.Account{
		Equity: acct.Equity.InexactFloat64(),
		Cash:   acct.Cash.InexactFloat64(),
	}, nil
}

func (a *Alpaca) Positions(ctx context.Context) ([]types.Position, error) {
	if err := a.limiter.Data.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := a.trading.GetPositions()
	if err != nil {
		if apiStatus(err) == 404 {
			return []types.Position{}, nil
		}
		return nil, fmt.Errorf("%w: positions: %v", ErrUnavailable, err)
	}

	out := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		if p.Side != "long" {
			continue
		}
		mv := 0.0
		if p.MarketValue != nil {
			mv = p.MarketValue.InexactFloat64()
		}
		out = append(out, types.Position{
			Symbol:        strings.ToUpper(p.Symbol),
			Qty:           p.Qty.InexactFloat64(),
			Side:          types.SideLong,
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
			MarketValue:   mv,
		})
	}
	return out, nil
}

// LatestPrice prefers the quote midpoint, then a one-sided quote, then the
// last trade.
func (a *Alpaca) LatestPrice(ctx context.Context, symbol string) (float64, bool) {
	symbol = strings.ToUpper(symbol)
	if err := a.limiter.Data.Wait(ctx); err != nil {
		return 0, false
	}

	if q, err := a.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{}); err == nil && q != nil {
		switch {
		case q.BidPrice > 0 && q.AskPrice > 0:
			return (q.BidPrice + q.AskPrice) / 2, true
		case q.BidPrice > 0:
			return q.BidPrice, true
		case q.AskPrice > 0:
			return q.AskPrice, true
		}
	}

	if t, err := a.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{}); err == nil && t != nil && t.Price > 0 {
		return t.Price, true
	}
	return 0, false
}

// PlaceEntryWithBracket submits a market buy with attached take-profit and
// stop-loss legs, both computed from the latest price at order time. Without
// a price there is no trade.
func (a *Alpaca) PlaceEntryWithBracket(ctx context.Context, symbol string, qty int, stopLossPct, takeProfitPct float64, clientID string) error {
	symbol = strings.ToUpper(symbol)
	if qty <= 0 {
		return fmt.Errorf("%w: qty must be positive", ErrEntryFailed)
	}

	ref, ok := a.LatestPrice(ctx, symbol)
	if !ok {
		return fmt.Errorf("%w: no price for %s", ErrEntryFailed, symbol)
	}

	stopPrice := decimal.NewFromFloat(round2(ref * (1 - stopLossPct)))
	takePrice := decimal.NewFromFloat(round2(ref * (1 + takeProfitPct)))
	qtyDec := decimal.NewFromInt(int64(qty))

	if err := a.limiter.Order.Wait(ctx); err != nil {
		return err
	}
	_, err := a.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qtyDec,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		OrderClass:    alpaca.Bracket,
		TakeProfit:    &alpaca.TakeProfit{LimitPrice: &takePrice},
		StopLoss:      &alpaca.StopLoss{StopPrice: &stopPrice},
		ClientOrderID: clip(clientID, 48),
	})
	if err != nil {
		return fmt.Errorf("%w: %s x%d: %v", ErrEntryFailed, symbol, qty, err)
	}

	a.logger.Info("entry placed",
		"symbol", symbol,
		"qty", qty,
		"ref_price", ref,
		"stop", stopPrice,
		"take", takePrice,
	)
	return nil
}

// ClosePosition cancels the symbol's working orders (the bracket legs), then
// liquidates. qty <= 0 closes the full position; closing a symbol Alpaca
// does not hold maps to ErrNoPosition.
func (a *Alpaca) ClosePosition(ctx context.Context, symbol string, qty float64, clientID string) error {
	symbol = strings.ToUpper(symbol)
	a.cancelOpenOrders(ctx, symbol)

	if qty <= 0 {
		if err := a.limiter.Order.Wait(ctx); err != nil {
			return err
		}
		_, err := a.trading.ClosePosition(symbol, alpaca.ClosePositionRequest{})
		if err != nil {
			if apiStatus(err) == 404 {
				return fmt.Errorf("%w: %s", ErrNoPosition, symbol)
			}
			return fmt.Errorf("close %s: %w", symbol, err)
		}
		return nil
	}

	qtyDec := decimal.NewFromInt(int64(qty))
	if qtyDec.IsZero() {
		return nil
	}
	if err := a.limiter.Order.Wait(ctx); err != nil {
		return err
	}
	_, err := a.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qtyDec,
		Side:          alpaca.Sell,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: clip(clientID, 48),
	})
	if err != nil {
		if apiStatus(err) == 404 {
			return fmt.Errorf("%w: %s", ErrNoPosition, symbol)
		}
		return fmt.Errorf("partial close %s: %w", symbol, err)
	}
	return nil
}

// cancelOpenOrders best-effort cancels the symbol's working orders so
// bracket legs cannot race a manual close.
func (a *Alpaca) cancelOpenOrders(ctx context.Context, symbol string) {
	if err := a.limiter.Data.Wait(ctx); err != nil {
		return
	}
	orders, err := a.trading.GetOrders(alpaca.GetOrdersRequest{
		Status:  "open",
		Symbols: []string{symbol},
		Limit:   100,
	})
	if err != nil {
		a.logger.Warn("list open orders failed", "symbol", symbol, "error", err)
		return
	}
	for _, o := range orders {
		if err := a.limiter.Order.Wait(ctx); err != nil {
			return
		}
		if err := a.trading.CancelOrder(o.ID); err != nil {
			a.logger.Warn("cancel order failed", "symbol", symbol, "order_id", o.ID, "error", err)
		}
	}
}

// apiStatus extracts the HTTP status from an Alpaca API error, 0 otherwise.
func apiStatus(err error) int {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
