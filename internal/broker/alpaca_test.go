package broker

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"council-trader/internal/config"
)

func TestNewAlpacaTrimsCredentials(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a := NewAlpaca(config.AlpacaConfig{APIKey: "  PK123  ", APISecret: " sk "}, logger)
	if !a.IsConfigured() {
		t.Error("IsConfigured() = false with credentials set")
	}

	a = NewAlpaca(config.AlpacaConfig{APIKey: "   ", APISecret: ""}, logger)
	if a.IsConfigured() {
		t.Error("IsConfigured() = true with blank credentials")
	}

	a = NewAlpaca(config.AlpacaConfig{APIKey: "PK123"}, logger)
	if a.IsConfigured() {
		t.Error("IsConfigured() = true with missing secret")
	}
}

func TestAPIStatus(t *testing.T) {
	t.Parallel()
	notFound := &alpaca.APIError{StatusCode: 404, Message: "position not found"}
	if got := apiStatus(notFound); got != 404 {
		t.Errorf("apiStatus = %d, want 404", got)
	}
	if got := apiStatus(fmt.Errorf("close AAPL: %w", notFound)); got != 404 {
		t.Errorf("apiStatus(wrapped) = %d, want 404", got)
	}
	if got := apiStatus(fmt.Errorf("dial tcp: timeout")); got != 0 {
		t.Errorf("apiStatus(transport) = %d, want 0", got)
	}
	if got := apiStatus(nil); got != 0 {
		t.Errorf("apiStatus(nil) = %d, want 0", got)
	}
}

func TestRound2(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   float64
		want float64
	}{
		{100 * 1.065, 106.50},
		{100 * 0.97, 97.00},
		{190.125, 190.13},
		{190.124, 190.12},
	}
	for _, tt := range tests {
		if got := round2(tt.in); got != tt.want {
			t.Errorf("round2(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
