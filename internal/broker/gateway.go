// gateway.go adapts a locally running IBKR Client Portal gateway to the
// Broker contract.
//
// The gateway has no native bracket order class, so protection is emulated:
// market entry, a short poll for the fill, then a GTC take-profit limit and
// stop-loss stop submitted together as one OCA group. If the bot dies after
// entry, the broker still holds the exit plan. Protection-placement failure
// after a successful entry is logged and never unwound.
//
// Market hours come from a local America/New_York session heuristic rather
// than a gateway call: the gateway's clock endpoints require an authenticated
// brokerage session even for paper accounts.
package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"council-trader/internal/config"
	"council-trader/pkg/types"
)

const (
	fillPollAttempts = 12
	fillPollWait     = 500 * time.Millisecond
)

// Gateway implements Broker against the Client Portal REST surface.
type Gateway struct {
	client  *resty.Client
	acct    string
	limiter *RateLimiter
	ny      *time.Location
	logger  *slog.Logger

	conidMu sync.Mutex
	conids  map[string]int64 // symbol -> contract id, filled lazily

	now          func() time.Time
	fillAttempts int
	fillWait     time.Duration
}

var _ Broker = (*Gateway)(nil)

// NewGateway builds the adapter. The gateway serves a self-signed
// certificate on localhost, so TLS verification is skipped.
func NewGateway(cfg config.GatewayConfig, logger *slog.Logger) *Gateway {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(15 * time.Second).
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		logger.Warn("tz database missing America/New_York, market reads closed", "error", err)
	}

	return &Gateway{
		client:       client,
		acct:         cfg.AccountID,
		limiter:      newGatewayLimiter(),
		ny:           ny,
		logger:       logger.With("component", "gateway"),
		conids:       make(map[string]int64),
		now:          time.Now,
		fillAttempts: fillPollAttempts,
		fillWait:     fillPollWait,
	}
}

func (g *Gateway) Name() string { return "gateway" }

// IsConfigured is always true: authentication lives in the gateway session,
// not in bot config.
func (g *Gateway) IsConfigured() bool { return true }

// IsMarketOpen applies the regular US equities session, Mon-Fri 09:30-16:00
// America/New_York.
func (g *Gateway) IsMarketOpen(ctx context.Context) bool {
	if g.ny == nil {
		return false
	}
	now := g.now().In(g.ny)
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}

func (g *Gateway) Account(ctx context.Context) (types.Account, error) {
	if err := g.limiter.Data.Wait(ctx); err != nil {
		return types.Account{}, err
	}

	var summary map[string]struct {
		Amount float64 `json:"amount"`
	}
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&summary).
		Get(fmt.Sprintf("/portfolio/%s/summary", g.acct))
	if err != nil {
		return types.Account{}, fmt.Errorf("%w: summary: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() != 200 {
		return types.Account{}, fmt.Errorf("%w: summary status %d", ErrUnavailable, resp.StatusCode())
	}

	return types.Account{
		Equity: summary["netliquidation"].Amount,
		Cash:   summary["totalcashvalue"].Amount,
	}, nil
}

// Positions returns long stock positions. A gateway hiccup yields an empty
// slice: the next tick re-syncs.
func (g *Gateway) Positions(ctx context.Context) ([]types.Position, error) {
	if err := g.limiter.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []struct {
		Ticker     string  `json:"ticker"`
		Position   float64 `json:"position"`
		AvgPrice   float64 `json:"avgPrice"`
		MktValue   float64 `json:"mktValue"`
		AssetClass string  `json:"assetClass"`
	}
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&raw).
		Get(fmt.Sprintf("/portfolio/%s/positions/0", g.acct))
	if err != nil {
		g.logger.Warn("positions fetch failed", "error", err)
		return []types.Position{}, nil
	}
	if resp.StatusCode() != 200 {
		g.logger.Warn("positions fetch failed", "status", resp.StatusCode())
		return []types.Position{}, nil
	}

	out := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		if p.AssetClass != "STK" || p.Position <= 0 {
			continue
		}
		out = append(out, types.Position{
			Symbol:        strings.ToUpper(p.Ticker),
			Qty:           p.Position,
			Side:          types.SideLong,
			AvgEntryPrice: p.AvgPrice,
			MarketValue:   p.MktValue,
		})
	}
	return out, nil
}

// LatestPrice reads a market data snapshot: bid/ask midpoint, then a single
// side, then the last trade. Field ids are the gateway's: 31 last, 84 bid,
// 86 ask.
func (g *Gateway) LatestPrice(ctx context.Context, symbol string) (float64, bool) {
	conid, err := g.conid(ctx, symbol)
	if err != nil {
		g.logger.Warn("conid lookup failed", "symbol", symbol, "error", err)
		return 0, false
	}
	if err := g.limiter.Data.Wait(ctx); err != nil {
		return 0, false
	}

	var rows []map[string]any
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"conids": strconv.FormatInt(conid, 10),
			"fields": "31,84,86",
		}).
		SetResult(&rows).
		Get("/iserver/marketdata/snapshot")
	if err != nil || resp.StatusCode() != 200 || len(rows) == 0 {
		return 0, false
	}

	bid, hasBid := priceField(rows[0], "84")
	ask, hasAsk := priceField(rows[0], "86")
	switch {
	case hasBid && hasAsk:
		return (bid + ask) / 2, true
	case hasBid:
		return bid, true
	case hasAsk:
		return ask, true
	}
	if last, ok := priceField(rows[0], "31"); ok {
		return last, true
	}
	return 0, false
}

// PlaceEntryWithBracket market-buys, waits briefly for the fill, then posts
// the OCA protection pair priced off the fill (falling back to the latest
// quote).
func (g *Gateway) PlaceEntryWithBracket(ctx context.Context, symbol string, qty int, stopLossPct, takeProfitPct float64, clientID string) error {
	symbol = strings.ToUpper(symbol)
	if qty <= 0 {
		return fmt.Errorf("%w: qty must be positive", ErrEntryFailed)
	}

	conid, err := g.conid(ctx, symbol)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEntryFailed, symbol, err)
	}

	// Stray working orders would fight the new bracket.
	g.cancelOpenOrders(ctx, symbol)

	entry := gatewayOrder{
		AcctID:    g.acct,
		Conid:     conid,
		OrderType: "MKT",
		Side:      "BUY",
		Quantity:  qty,
		TIF:       "DAY",
		COID:      clip(clientID, 32),
	}
	orderID, err := g.submitOrders(ctx, []gatewayOrder{entry}, false)
	if err != nil {
		return fmt.Errorf("%w: %s x%d: %v", ErrEntryFailed, symbol, qty, err)
	}

	status, avgPx := g.awaitFill(ctx, orderID)
	if status == "Cancelled" || status == "Inactive" {
		return fmt.Errorf("%w: %s status %s", ErrEntryFailed, symbol, status)
	}

	fillPx := avgPx
	if fillPx <= 0 {
		fillPx, _ = g.LatestPrice(ctx, symbol)
	}
	if fillPx <= 0 {
		// Entry stands; without a reference price there is no safe bracket.
		g.logger.Warn("no fill price for protection", "symbol", symbol)
		return nil
	}

	stopPrice := round2(fillPx * (1 - stopLossPct))
	takePrice := round2(fillPx * (1 + takeProfitPct))
	oca := fmt.Sprintf("TCA_%s_%d", symbol, g.now().Unix())

	protection := []gatewayOrder{
		{
			AcctID:    g.acct,
			Conid:     conid,
			OrderType: "LMT",
			Side:      "SELL",
			Quantity:  qty,
			Price:     takePrice,
			TIF:       "GTC",
			OCAGroup:  oca,
			COID:      clip(clientID, 24) + "_tp",
		},
		{
			AcctID:    g.acct,
			Conid:     conid,
			OrderType: "STP",
			Side:      "SELL",
			Quantity:  qty,
			Price:     stopPrice,
			TIF:       "GTC",
			OCAGroup:  oca,
			COID:      clip(clientID, 24) + "_sl",
		},
	}
	if _, err := g.submitOrders(ctx, protection, true); err != nil {
		g.logger.Warn("protection placement failed after entry",
			"symbol", symbol,
			"oca", oca,
			"error", err,
		)
		return nil
	}

	g.logger.Info("entry placed",
		"symbol", symbol,
		"qty", qty,
		"fill_price", fillPx,
		"stop", stopPrice,
		"take", takePrice,
		"oca", oca,
	)
	return nil
}

// ClosePosition cancels the symbol's working orders, market-sells the held
// quantity, then sweeps whatever orders remain.
func (g *Gateway) ClosePosition(ctx context.Context, symbol string, qty float64, clientID string) error {
	symbol = strings.ToUpper(symbol)
	g.cancelOpenOrders(ctx, symbol)

	positions, err := g.Positions(ctx)
	if err != nil {
		return err
	}
	var held *types.Position
	for i := range positions {
		if positions[i].Symbol == symbol {
			held = &positions[i]
			break
		}
	}
	if held == nil {
		return fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}

	q := int(qty)
	if qty <= 0 {
		q = int(held.Qty)
	}
	if q <= 0 {
		return nil
	}

	conid, err := g.conid(ctx, symbol)
	if err != nil {
		return fmt.Errorf("close %s: %w", symbol, err)
	}

	order := gatewayOrder{
		AcctID:    g.acct,
		Conid:     conid,
		OrderType: "MKT",
		Side:      "SELL",
		Quantity:  q,
		TIF:       "DAY",
		COID:      clip(clientID, 32),
	}
	orderID, err := g.submitOrders(ctx, []gatewayOrder{order}, false)
	if err != nil {
		return fmt.Errorf("close %s: %w", symbol, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(g.fillWait):
	}
	if status, _ := g.orderStatus(ctx, orderID); status == "Cancelled" || status == "Inactive" {
		return fmt.Errorf("close %s: order status %s", symbol, status)
	}

	g.cancelOpenOrders(ctx, symbol)
	return nil
}

// gatewayOrder is the Client Portal order body.
type gatewayOrder struct {
	AcctID    string  `json:"acctId"`
	Conid     int64   `json:"conid"`
	OrderType string  `json:"orderType"`
	Side      string  `json:"side"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
	TIF       string  `json:"tif"`
	OCAGroup  string  `json:"ocaGroup,omitempty"`
	COID      string  `json:"cOID,omitempty"`
}

// submitOrders posts one request with the given orders; singleGroup joins
// them into one OCA unit. Returns the first order id.
func (g *Gateway) submitOrders(ctx context.Context, orders []gatewayOrder, singleGroup bool) (string, error) {
	if err := g.limiter.Order.Wait(ctx); err != nil {
		return "", err
	}

	body := map[string]any{"orders": orders}
	if singleGroup {
		body["isSingleGroup"] = true
	}

	var placed []struct {
		OrderID string `json:"order_id"`
	}
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&placed).
		Post(fmt.Sprintf("/iserver/account/%s/orders", g.acct))
	if err != nil {
		return "", fmt.Errorf("%w: orders: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("orders status %d: %s", resp.StatusCode(), clip(resp.String(), 300))
	}
	if len(placed) == 0 {
		return "", nil
	}
	return placed[0].OrderID, nil
}

// awaitFill polls the order until it reaches a terminal state or the poll
// budget (~6s) runs out. Returns the last status and average fill price.
func (g *Gateway) awaitFill(ctx context.Context, orderID string) (string, float64) {
	var status string
	var avgPx float64
	for i := 0; i < g.fillAttempts; i++ {
		select {
		case <-ctx.Done():
			return status, avgPx
		case <-time.After(g.fillWait):
		}
		status, avgPx = g.orderStatus(ctx, orderID)
		if status == "Filled" || status == "Cancelled" || status == "Inactive" {
			return status, avgPx
		}
	}
	return status, avgPx
}

func (g *Gateway) orderStatus(ctx context.Context, orderID string) (string, float64) {
	if orderID == "" {
		return "", 0
	}
	if err := g.limiter.Data.Wait(ctx); err != nil {
		return "", 0
	}

	var body map[string]any
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/iserver/account/order/status/" + orderID)
	if err != nil || resp.StatusCode() != 200 {
		return "", 0
	}

	status, _ := body["order_status"].(string)
	avgPx, _ := priceField(body, "avg_fill_price")
	return status, avgPx
}

// cancelOpenOrders best-effort cancels every working order on the symbol.
func (g *Gateway) cancelOpenOrders(ctx context.Context, symbol string) {
	if err := g.limiter.Data.Wait(ctx); err != nil {
		return
	}

	var body struct {
		Orders []struct {
			OrderID int64  `json:"orderId"`
			Ticker  string `json:"ticker"`
			Status  string `json:"status"`
		} `json:"orders"`
	}
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/iserver/account/orders")
	if err != nil || resp.StatusCode() != 200 {
		return
	}

	for _, o := range body.Orders {
		if !strings.EqualFold(o.Ticker, symbol) {
			continue
		}
		if o.Status == "Filled" || o.Status == "Cancelled" {
			continue
		}
		if err := g.limiter.Order.Wait(ctx); err != nil {
			return
		}
		_, err := g.client.R().
			SetContext(ctx).
			Delete(fmt.Sprintf("/iserver/account/%s/order/%d", g.acct, o.OrderID))
		if err != nil {
			g.logger.Warn("cancel order failed", "symbol", symbol, "order_id", o.OrderID, "error", err)
		}
	}
}

// conid resolves and caches the contract id for a symbol.
func (g *Gateway) conid(ctx context.Context, symbol string) (int64, error) {
	symbol = strings.ToUpper(symbol)

	g.conidMu.Lock()
	if id, ok := g.conids[symbol]; ok {
		g.conidMu.Unlock()
		return id, nil
	}
	g.conidMu.Unlock()

	if err := g.limiter.Data.Wait(ctx); err != nil {
		return 0, err
	}
	var results []struct {
		Conid int64 `json:"conid"`
	}
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&results).
		Get("/iserver/secdef/search")
	if err != nil {
		return 0, fmt.Errorf("secdef search: %w", err)
	}
	if resp.StatusCode() != 200 || len(results) == 0 || results[0].Conid == 0 {
		return 0, fmt.Errorf("no contract for %s", symbol)
	}

	g.conidMu.Lock()
	g.conids[symbol] = results[0].Conid
	g.conidMu.Unlock()
	return results[0].Conid, nil
}

// priceField coerces a snapshot field that may arrive as number or string.
func priceField(row map[string]any, key string) (float64, bool) {
	v, ok := row[key]
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		if x > 0 {
			return x, true
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil && f > 0 {
			return f, true
		}
	}
	return 0, false
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
