// Package state provides crash-safe persistence for the engine's runtime
// document: confirmation trackers, cooldowns, open timestamps, the daily
// equity baseline, safety-mode sub-state, and health telemetry.
//
// One JSON document lives at <dir>/runtime_state.json. Writes are atomic
// (write to .tmp, then rename) and keep a rotation of the last three saves
// as runtime_state.bak1.json through .bak3.json. A missing or corrupt file
// loads as a fresh document, never as an error: the engine must always be
// able to start.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const fileName = "runtime_state.json"

// Day is the daily drawdown baseline, replaced on the first tick of a new
// UTC date.
type Day struct {
	ID          string  `json:"id,omitempty"` // UTC yyyy-mm-dd
	EquityStart float64 `json:"equity_start,omitempty"`
}

// SafeSignal throttles the stale-signal reduction ladder.
type SafeSignal struct {
	LastReduceMS int64 `json:"last_reduce_ms,omitempty"`
	EscalatedMS  int64 `json:"escalated_ms,omitempty"`
}

// Health is the per-tick telemetry block, overwritten every tick and read
// back by the status API.
type Health struct {
	Mode         string   `json:"mode,omitempty"`
	LastTickMS   int64    `json:"last_tick_ms,omitempty"`
	PushOK       bool     `json:"push_ok"`
	SignalLastMS int64    `json:"signal_last_ms,omitempty"`
	SignalAgeS   float64  `json:"signal_age_s,omitempty"`
	MarketOpen   bool     `json:"market_open"`
	DayDrawdown  float64  `json:"day_drawdown,omitempty"`
	Profile      string   `json:"profile,omitempty"`
	Positions    []string `json:"positions,omitempty"`
	SavedAtMS    int64    `json:"saved_at_ms,omitempty"`
}

// Document is the persisted runtime state. It is a flat set of maps so new
// fields can be added without breaking older files; unknown fields in older
// or newer files are ignored on load.
type Document struct {
	Version      int              `json:"v"`
	AboveSince   map[string]int64 `json:"above_since"`
	BelowSince   map[string]int64 `json:"below_since"`
	MissingSince map[string]int64 `json:"missing_since"`
	Cooldowns    map[string]int64 `json:"cooldowns"`
	OpenedAtMS   map[string]int64 `json:"opened_at_ms"`
	Day          Day              `json:"day"`
	SafeSignal   *SafeSignal      `json:"safe_signal,omitempty"`
	Health       Health           `json:"health"`
}

// NewDocument returns an empty, usable document.
func NewDocument() *Document {
	return &Document{
		Version:      1,
		AboveSince:   map[string]int64{},
		BelowSince:   map[string]int64{},
		MissingSince: map[string]int64{},
		Cooldowns:    map[string]int64{},
		OpenedAtMS:   map[string]int64{},
	}
}

// normalize makes sure every sub-map is non-nil after unmarshaling a file
// written by an older version.
func (d *Document) normalize() {
	if d.Version == 0 {
		d.Version = 1
	}
	if d.AboveSince == nil {
		d.AboveSince = map[string]int64{}
	}
	if d.BelowSince == nil {
		d.BelowSince = map[string]int64{}
	}
	if d.MissingSince == nil {
		d.MissingSince = map[string]int64{}
	}
	if d.Cooldowns == nil {
		d.Cooldowns = map[string]int64{}
	}
	if d.OpenedAtMS == nil {
		d.OpenedAtMS = map[string]int64{}
	}
}

// Store persists the runtime document. All file operations are
// mutex-protected; the engine is the only writer, the status API may load
// concurrently.
type Store struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// Open creates the state directory if needed and returns a store backed by
// <dir>/runtime_state.json.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{
		path:   filepath.Join(dir, fileName),
		logger: logger.With("component", "state"),
	}, nil
}

// Load reads the document from disk. A missing or unparseable file returns
// a fresh document; corruption is logged, never surfaced.
func (s *Store) Load() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("state unreadable, starting fresh", "error", err)
		}
		return NewDocument()
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("state corrupt, starting fresh", "error", err)
		return NewDocument()
	}
	doc.normalize()
	return &doc
}

// Save atomically persists the document and rotates the previous save into
// the backup chain. The on-disk file is restricted to owner read/write.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc.Health.SavedAtMS = time.Now().UnixMilli()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.sibling(".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}

	// Rotation is best-effort: a failed shift must not block the save itself.
	if _, err := os.Stat(s.path); err == nil {
		for i := 2; i >= 1; i-- {
			_ = os.Rename(s.bak(i), s.bak(i+1))
		}
		_ = os.Rename(s.path, s.bak(1))
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	_ = os.Chmod(s.path, 0o600) // umask may have widened the tmp write
	return nil
}

func (s *Store) sibling(suffix string) string {
	return strings.TrimSuffix(s.path, ".json") + suffix
}

func (s *Store) bak(i int) string {
	return s.sibling(fmt.Sprintf(".bak%d.json", i))
}
