// Package signal maintains the live per-symbol score map the engine trades
// on.
//
// Two providers run concurrently and write into one Feed: a push
// subscription (low latency, may drop) and a periodic snapshot poll (the
// always-on fallback). Both deliver the same `symbol -> score` pairs; the
// poll carries the full map, the push carries deltas. Consumers read through
// copy-on-read accessors; the map is RWMutex-guarded because the providers
// and the engine run on separate goroutines.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"council-trader/internal/config"
	"council-trader/internal/telemetry"
)

// scorePair decodes the wire form ["aapl", 87].
type scorePair struct {
	Symbol string
	Score  int
}

func (p *scorePair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("score pair has %d elements, want 2", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Symbol); err != nil {
		return fmt.Errorf("pair symbol: %w", err)
	}
	var score float64
	if err := json.Unmarshal(raw[1], &score); err != nil {
		return fmt.Errorf("pair score: %w", err)
	}
	p.Score = int(score)
	return nil
}

// Feed is the shared score state.
type Feed struct {
	mu           sync.RWMutex
	scores       map[string]int
	epoch        int64
	lastUpdateMS int64

	pushOK atomic.Bool

	poller *poller
	push   *pushClient
	logger *slog.Logger
}

// NewFeed wires both providers. A blank push URL disables the push path and
// the feed runs on polling alone.
func NewFeed(cfg config.SignalConfig, logger *slog.Logger) *Feed {
	f := &Feed{
		scores: make(map[string]int),
		logger: logger.With("component", "signal"),
	}
	f.poller = newPoller(f, cfg, logger)
	if cfg.PushURL != "" {
		f.push = newPushClient(f, cfg, logger)
	}
	return f
}

// Run starts the providers and blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		f.poller.run(ctx)
	}()

	if f.push != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.push.run(ctx)
		}()
	}

	wg.Wait()
}

// Scores returns a copy of the current score map.
func (f *Feed) Scores() map[string]int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]int, len(f.scores))
	for sym, sc := range f.scores {
		out[sym] = sc
	}
	return out
}

// Score returns the score for one symbol.
func (f *Feed) Score(symbol string) (int, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sc, ok := f.scores[strings.ToUpper(symbol)]
	return sc, ok
}

// Epoch returns the upstream epoch counter, 0 if none seen yet.
func (f *Feed) Epoch() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.epoch
}

// LastUpdateMS returns when a provider last delivered data; 0 means never.
func (f *Feed) LastUpdateMS() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastUpdateMS
}

// PushOK reports whether the push subscription is currently connected.
func (f *Feed) PushOK() bool { return f.pushOK.Load() }

func (f *Feed) setPushOK(up bool) {
	f.pushOK.Store(up)
	telemetry.SetPushConnected(up)
}

// applyUpdate merges provider data. epoch and ts apply only when the wire
// frame carried them; stampNow substitutes wall clock for a missing ts (the
// snapshot poll always refreshes freshness, push deltas only when stamped).
func (f *Feed) applyUpdate(pairs []scorePair, epoch, ts *int64, stampNow bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range pairs {
		sym := strings.ToUpper(strings.TrimSpace(p.Symbol))
		if sym == "" {
			continue
		}
		f.scores[sym] = p.Score
	}
	if epoch != nil {
		f.epoch = *epoch
	}
	switch {
	case ts != nil:
		f.lastUpdateMS = *ts
	case stampNow:
		f.lastUpdateMS = time.Now().UnixMilli()
	}
}
