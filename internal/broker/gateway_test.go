package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"council-trader/internal/config"
)

func newTestGateway(t *testing.T, handler http.Handler) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := NewGateway(config.GatewayConfig{BaseURL: srv.URL, AccountID: "DU123"}, logger)
	g.fillAttempts = 2
	g.fillWait = time.Millisecond
	return g
}

func writeJSON(t *testing.T, w http.ResponseWriter, body string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

type placedOrders struct {
	Orders        []gatewayOrder `json:"orders"`
	IsSingleGroup bool           `json:"isSingleGroup"`
}

func TestGatewayMarketHours(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("no tz database: %v", err)
	}

	g := NewGateway(config.GatewayConfig{BaseURL: "http://localhost:0"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// 2024-04-02 is a Tuesday, 2024-04-06/07 a weekend.
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"mid session", time.Date(2024, 4, 2, 10, 30, 0, 0, ny), true},
		{"open boundary", time.Date(2024, 4, 2, 9, 30, 0, 0, ny), true},
		{"pre open", time.Date(2024, 4, 2, 9, 29, 0, 0, ny), false},
		{"close boundary", time.Date(2024, 4, 2, 16, 0, 0, 0, ny), false},
		{"evening", time.Date(2024, 4, 2, 18, 0, 0, 0, ny), false},
		{"saturday", time.Date(2024, 4, 6, 12, 0, 0, 0, ny), false},
		{"sunday", time.Date(2024, 4, 7, 12, 0, 0, 0, ny), false},
		{"utc conversion", time.Date(2024, 4, 2, 14, 30, 0, 0, time.UTC), true}, // 10:30 EDT
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g.now = func() time.Time { return tt.at }
			if got := g.IsMarketOpen(context.Background()); got != tt.want {
				t.Errorf("IsMarketOpen(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestGatewayAccount(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/portfolio/DU123/summary", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"netliquidation":{"amount":50000.0},"totalcashvalue":{"amount":12000.0}}`)
	})
	g := newTestGateway(t, mux)

	acct, err := g.Account(context.Background())
	if err != nil {
		t.Fatalf("Account() error: %v", err)
	}
	if acct.Equity != 50000 || acct.Cash != 12000 {
		t.Errorf("account = %+v, want equity 50000 cash 12000", acct)
	}
}

func TestGatewayAccountUnavailable(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/portfolio/DU123/summary", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session expired", http.StatusInternalServerError)
	})
	g := newTestGateway(t, mux)

	_, err := g.Account(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Account() error = %v, want ErrUnavailable", err)
	}
}

func TestGatewayPositionsFiltersLongStock(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/portfolio/DU123/positions/0", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `[
			{"ticker":"aapl","position":10,"avgPrice":190.5,"mktValue":1950.0,"assetClass":"STK"},
			{"ticker":"TSLA","position":-5,"avgPrice":200.0,"mktValue":-1000.0,"assetClass":"STK"},
			{"ticker":"SPY","position":2,"avgPrice":1.5,"mktValue":300.0,"assetClass":"OPT"},
			{"ticker":"MSFT","position":3,"avgPrice":400.0,"mktValue":1210.0,"assetClass":"STK"}
		]`)
	})
	g := newTestGateway(t, mux)

	got, err := g.Positions(context.Background())
	if err != nil {
		t.Fatalf("Positions() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d positions, want 2: %+v", len(got), got)
	}
	if got[0].Symbol != "AAPL" || got[0].Qty != 10 {
		t.Errorf("positions[0] = %+v, want AAPL x10", got[0])
	}
	if got[1].Symbol != "MSFT" || got[1].MarketValue != 1210 {
		t.Errorf("positions[1] = %+v, want MSFT mkt value 1210", got[1])
	}
}

func TestGatewayPositionsSoftFailure(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/portfolio/DU123/positions/0", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway restarting", http.StatusServiceUnavailable)
	})
	g := newTestGateway(t, mux)

	got, err := g.Positions(context.Background())
	if err != nil {
		t.Fatalf("Positions() error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("positions = %v, want empty non-nil slice", got)
	}
}

func TestGatewayLatestPrice(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		row    string
		want   float64
		wantOK bool
	}{
		{"midpoint", `{"84":190.10,"86":190.14}`, 190.12, true},
		{"bid only", `{"84":"189.50"}`, 189.50, true},
		{"ask only", `{"86":191.25}`, 191.25, true},
		{"last trade fallback", `{"31":"191.00"}`, 191.00, true},
		{"no data", `{}`, 0, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mux := http.NewServeMux()
			mux.HandleFunc("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, `[{"conid":265598}]`)
			})
			mux.HandleFunc("/iserver/marketdata/snapshot", func(w http.ResponseWriter, r *http.Request) {
				if got := r.URL.Query().Get("conids"); got != "265598" {
					t.Errorf("conids = %q, want 265598", got)
				}
				writeJSON(t, w, "["+tt.row+"]")
			})
			g := newTestGateway(t, mux)

			got, ok := g.LatestPrice(context.Background(), "AAPL")
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if tt.wantOK && (got < tt.want-0.001 || got > tt.want+0.001) {
				t.Errorf("price = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGatewayEntryPlacesProtection(t *testing.T) {
	t.Parallel()
	var (
		mu     sync.Mutex
		placed []placedOrders
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `[{"conid":265598}]`)
	})
	mux.HandleFunc("/iserver/account/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"orders":[]}`)
	})
	mux.HandleFunc("/iserver/account/DU123/orders", func(w http.ResponseWriter, r *http.Request) {
		var body placedOrders
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode order body: %v", err)
		}
		mu.Lock()
		placed = append(placed, body)
		n := len(placed)
		mu.Unlock()
		if n == 1 {
			writeJSON(t, w, `[{"order_id":"11"}]`)
		} else {
			writeJSON(t, w, `[{"order_id":"12"},{"order_id":"13"}]`)
		}
	})
	mux.HandleFunc("/iserver/account/order/status/11", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"order_status":"Filled","avg_fill_price":"100.00"}`)
	})
	g := newTestGateway(t, mux)

	clientID := "tca_0123456789abcdef0123456789abcdef"
	err := g.PlaceEntryWithBracket(context.Background(), "aapl", 8, 0.03, 0.065, clientID)
	if err != nil {
		t.Fatalf("PlaceEntryWithBracket() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(placed) != 2 {
		t.Fatalf("got %d order submissions, want entry + protection", len(placed))
	}

	entry := placed[0].Orders[0]
	if entry.Side != "BUY" || entry.OrderType != "MKT" || entry.Quantity != 8 || entry.TIF != "DAY" {
		t.Errorf("entry = %+v, want market BUY x8 DAY", entry)
	}
	if entry.COID != clientID[:32] {
		t.Errorf("entry cOID = %q, want %q", entry.COID, clientID[:32])
	}

	prot := placed[1]
	if !prot.IsSingleGroup {
		t.Error("protection pair not submitted as a single OCA group")
	}
	if len(prot.Orders) != 2 {
		t.Fatalf("got %d protection orders, want 2", len(prot.Orders))
	}
	take, stop := prot.Orders[0], prot.Orders[1]
	if take.OrderType != "LMT" || take.Side != "SELL" || take.Price != 106.50 || take.TIF != "GTC" {
		t.Errorf("take profit = %+v, want SELL LMT 106.50 GTC", take)
	}
	if stop.OrderType != "STP" || stop.Side != "SELL" || stop.Price != 97.00 || stop.TIF != "GTC" {
		t.Errorf("stop loss = %+v, want SELL STP 97.00 GTC", stop)
	}
	if take.OCAGroup == "" || take.OCAGroup != stop.OCAGroup {
		t.Errorf("oca groups differ: %q vs %q", take.OCAGroup, stop.OCAGroup)
	}
	if !strings.HasPrefix(take.OCAGroup, "TCA_AAPL_") {
		t.Errorf("oca group = %q, want TCA_AAPL_<unix>", take.OCAGroup)
	}
	if want := clientID[:24] + "_tp"; take.COID != want {
		t.Errorf("take cOID = %q, want %q", take.COID, want)
	}
	if want := clientID[:24] + "_sl"; stop.COID != want {
		t.Errorf("stop cOID = %q, want %q", stop.COID, want)
	}
}

func TestGatewayEntryFailsWhenCancelled(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `[{"conid":265598}]`)
	})
	mux.HandleFunc("/iserver/account/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"orders":[]}`)
	})
	mux.HandleFunc("/iserver/account/DU123/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `[{"order_id":"11"}]`)
	})
	mux.HandleFunc("/iserver/account/order/status/11", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"order_status":"Cancelled"}`)
	})
	g := newTestGateway(t, mux)

	err := g.PlaceEntryWithBracket(context.Background(), "AAPL", 5, 0.03, 0.065, "tca_abc")
	if !errors.Is(err, ErrEntryFailed) {
		t.Errorf("error = %v, want ErrEntryFailed", err)
	}
}

func TestGatewayEntryWithoutPriceSkipsProtection(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		posts int
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `[{"conid":265598}]`)
	})
	mux.HandleFunc("/iserver/account/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"orders":[]}`)
	})
	mux.HandleFunc("/iserver/account/DU123/orders", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		posts++
		mu.Unlock()
		writeJSON(t, w, `[{"order_id":"11"}]`)
	})
	mux.HandleFunc("/iserver/account/order/status/11", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"order_status":"Filled"}`)
	})
	mux.HandleFunc("/iserver/marketdata/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `[{}]`)
	})
	g := newTestGateway(t, mux)

	// Entry stands even though no reference price could be found.
	if err := g.PlaceEntryWithBracket(context.Background(), "AAPL", 5, 0.03, 0.065, "tca_abc"); err != nil {
		t.Fatalf("PlaceEntryWithBracket() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if posts != 1 {
		t.Errorf("got %d order submissions, want entry only", posts)
	}
}

func TestGatewayCloseFullPosition(t *testing.T) {
	t.Parallel()
	var (
		mu        sync.Mutex
		listCalls int
		cancelled []string
		sells     []gatewayOrder
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/iserver/account/orders", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		listCalls++
		first := listCalls == 1
		mu.Unlock()
		if first {
			// A working bracket leg for AAPL plus an unrelated MSFT order.
			writeJSON(t, w, `{"orders":[
				{"orderId":42,"ticker":"AAPL","status":"Submitted"},
				{"orderId":43,"ticker":"MSFT","status":"Submitted"},
				{"orderId":44,"ticker":"AAPL","status":"Filled"}
			]}`)
			return
		}
		writeJSON(t, w, `{"orders":[]}`)
	})
	mux.HandleFunc("/iserver/account/DU123/order/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		cancelled = append(cancelled, strings.TrimPrefix(r.URL.Path, "/iserver/account/DU123/order/"))
		mu.Unlock()
		writeJSON(t, w, `{"msg":"cancelled"}`)
	})
	mux.HandleFunc("/portfolio/DU123/positions/0", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `[{"ticker":"AAPL","position":10,"avgPrice":100.0,"mktValue":1000.0,"assetClass":"STK"}]`)
	})
	mux.HandleFunc("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `[{"conid":265598}]`)
	})
	mux.HandleFunc("/iserver/account/DU123/orders", func(w http.ResponseWriter, r *http.Request) {
		var body placedOrders
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode order body: %v", err)
		}
		mu.Lock()
		sells = append(sells, body.Orders...)
		mu.Unlock()
		writeJSON(t, w, `[{"order_id":"77"}]`)
	})
	mux.HandleFunc("/iserver/account/order/status/77", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"order_status":"Filled"}`)
	})
	g := newTestGateway(t, mux)

	if err := g.ClosePosition(context.Background(), "AAPL", 0, "tca_close"); err != nil {
		t.Fatalf("ClosePosition() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != "42" {
		t.Errorf("cancelled = %v, want only order 42", cancelled)
	}
	if len(sells) != 1 {
		t.Fatalf("got %d orders, want one market sell", len(sells))
	}
	if s := sells[0]; s.Side != "SELL" || s.OrderType != "MKT" || s.Quantity != 10 {
		t.Errorf("sell = %+v, want market SELL x10", s)
	}
	if listCalls < 2 {
		t.Errorf("order list fetched %d times, want a post-close sweep", listCalls)
	}
}

func TestGatewayCloseMissingPosition(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/iserver/account/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `{"orders":[]}`)
	})
	mux.HandleFunc("/portfolio/DU123/positions/0", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, `[]`)
	})
	g := newTestGateway(t, mux)

	err := g.ClosePosition(context.Background(), "AAPL", 0, "tca_close")
	if !errors.Is(err, ErrNoPosition) {
		t.Errorf("error = %v, want ErrNoPosition", err)
	}
}
