// push.go implements the push subscription to the upstream score channel.
//
// The client dials, sends one connect frame, then consumes publications and
// answers server pings. Any connection error flips push_ok off and triggers
// a reconnect with exponential backoff (2s → 60s, factor 1.8), reset after a
// successful dial. A read deadline catches servers that go silent. The
// snapshot poll keeps running underneath, so losing the push path only costs
// latency.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"council-trader/internal/config"
	"council-trader/internal/telemetry"
)

const (
	clientName = "council-trader"

	pushPingInterval   = 20 * time.Second
	pushReadTimeout    = 60 * time.Second
	pushWriteTimeout   = 10 * time.Second
	pushInitialBackoff = 2 * time.Second
	pushMaxBackoff     = 60 * time.Second
	pushBackoffFactor  = 1.8
)

// connectFrame is the one client-initiated frame: {"id":1,"connect":{…}}.
type connectFrame struct {
	ID      int64       `json:"id"`
	Connect connectBody `json:"connect"`
}

type connectBody struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

type pongFrame struct {
	ID   int64    `json:"id"`
	Pong struct{} `json:"pong"`
}

// serverFrame covers every frame shape the upstream emits. All fields are
// optional; frames matching none of them are dropped.
type serverFrame struct {
	ID   *int64          `json:"id"`
	Ping json.RawMessage `json:"ping"`
	Push *pushBlock      `json:"push"`
}

// pushBlock tolerates both publication spellings the upstream has used.
type pushBlock struct {
	Pub         *publication `json:"pub"`
	Publication *publication `json:"publication"`
}

type publication struct {
	Data delta `json:"data"`
}

// delta is the publication payload {e, t, d:[[sym,score],…]}.
type delta struct {
	Epoch *int64      `json:"e"`
	TsMS  *int64      `json:"t"`
	Pairs []scorePair `json:"d"`
}

type pushClient struct {
	url   string
	token string
	feed  *Feed

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes

	logger *slog.Logger
}

func newPushClient(f *Feed, cfg config.SignalConfig, logger *slog.Logger) *pushClient {
	return &pushClient{
		url:    cfg.PushURL,
		token:  cfg.PushToken,
		feed:   f,
		logger: logger.With("component", "signal_push"),
	}
}

// run maintains the subscription with auto-reconnect. Blocks until ctx is
// cancelled.
func (c *pushClient) run(ctx context.Context) {
	backoff := pushInitialBackoff

	for {
		connected, err := c.connectAndRead(ctx)
		if connected {
			backoff = pushInitialBackoff
		}
		c.feed.setPushOK(false)
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("push disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)
		telemetry.IncPushReconnect()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff = nextBackoff(backoff)
	}
}

// nextBackoff grows the reconnect delay by the backoff factor up to the cap.
func nextBackoff(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * pushBackoffFactor)
	if d > pushMaxBackoff {
		d = pushMaxBackoff
	}
	return d
}

// connectAndRead runs one session. The bool reports whether the dial
// succeeded, so the caller can reset its backoff.
func (c *pushClient) connectAndRead(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	c.feed.setPushOK(true)

	if err := c.writeJSON(connectFrame{
		ID:      1,
		Connect: connectBody{Token: c.token, Name: clientName},
	}); err != nil {
		return true, fmt.Errorf("connect frame: %w", err)
	}
	c.logger.Info("push connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(pushReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		c.handleFrame(msg)
	}
}

func (c *pushClient) handleFrame(data []byte) {
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Debug("ignoring unparseable push frame", "data", string(data))
		return
	}

	// Server ping: answer with the same id, or stay quiet if it had none.
	if frame.Ping != nil {
		if frame.ID != nil {
			if err := c.writeJSON(pongFrame{ID: *frame.ID}); err != nil {
				c.logger.Warn("pong failed", "error", err)
			}
		}
		return
	}

	if frame.Push == nil {
		return
	}
	pub := frame.Push.Pub
	if pub == nil {
		pub = frame.Push.Publication
	}
	if pub == nil {
		return
	}

	c.feed.applyUpdate(pub.Data.Pairs, pub.Data.Epoch, pub.Data.TsMS, false)
}

func (c *pushClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pushPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *pushClient) writeJSON(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("push not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(pushWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *pushClient) writeControl(msgType int) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("push not connected")
	}
	return c.conn.WriteControl(msgType, nil, time.Now().Add(pushWriteTimeout))
}
