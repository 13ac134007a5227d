// Package tradelog records every order the engine submits in a local SQLite
// database. The log is append-only and survives restarts; the status API
// reads it back for the trade history view.
package tradelog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Trade is one submitted order. Price is the reference price at submission
// time, not a broker-confirmed fill.
type Trade struct {
	ID            uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	TsMS          int64   `gorm:"column:ts_ms;index" json:"ts_ms"`
	Symbol        string  `gorm:"index" json:"symbol"`
	Side          string  `json:"side"` // "BUY" or "SELL"
	Qty           float64 `json:"qty"`
	Price         float64 `json:"price"`
	Reason        string  `json:"reason"`
	ClientOrderID string  `gorm:"column:client_order_id" json:"client_order_id"`
	Score         float64 `json:"score"`
	Mode          string  `json:"mode"` // "paper" or "live"
}

// Log is a handle to the trade database.
type Log struct {
	db *gorm.DB
}

// Open creates the database file (and its directory) if needed and migrates
// the schema.
func Open(path string, log *slog.Logger) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create trade log dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open trade log: %w", err)
	}
	if err := db.AutoMigrate(&Trade{}); err != nil {
		return nil, fmt.Errorf("migrate trade log: %w", err)
	}

	log.Info("trade log ready", "component", "tradelog", "path", path)
	return &Log{db: db}, nil
}

// Record appends a trade, stamping the timestamp if the caller left it zero.
func (l *Log) Record(t *Trade) error {
	if t.TsMS == 0 {
		t.TsMS = time.Now().UnixMilli()
	}
	return l.db.Create(t).Error
}

// Recent returns the newest trades, most recent first.
func (l *Log) Recent(limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	var trades []Trade
	err := l.db.Order("ts_ms DESC, id DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// LastTrade returns the most recent trade, or nil if the log is empty.
func (l *Log) LastTrade() (*Trade, error) {
	var t Trade
	err := l.db.Order("ts_ms DESC, id DESC").First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Count returns the total number of recorded trades.
func (l *Log) Count() (int64, error) {
	var n int64
	err := l.db.Model(&Trade{}).Count(&n).Error
	return n, err
}

// Close releases the underlying connection.
func (l *Log) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
