package api

import "time"

// Event is the wrapper for everything streamed to /ws subscribers.
type Event struct {
	Type      string    `json:"type"` // "entry", "close", "status"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// TradeEvent is the payload for entry and close decisions.
type TradeEvent struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"` // "BUY" or "SELL"
	Qty    float64 `json:"qty"`
	Price  float64 `json:"price"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}
