// Package journal persists the event stream to sqlite. Rows are append-only;
// analysis and the operator API read them back, nothing ever updates one.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"daytrader/internal/events"
)

// Entry is one journaled event.
type Entry struct {
	ID      uint      `gorm:"primaryKey" json:"id"`
	At      time.Time `gorm:"index" json:"at"`
	Type    string    `gorm:"index" json:"type"`
	Symbol  string    `gorm:"index" json:"symbol"`
	Payload string    `json:"payload"` // event payload as JSON
}

// Journal writes bus events to sqlite.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	cancel func()
	done   chan struct{}
}

// Open creates or opens the journal database and migrates the schema.
// Path ":memory:" gives an ephemeral journal for tests and dry runs.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: glogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db, logger: logger.With("component", "journal")}, nil
}

// Attach subscribes to the bus and journals every event until Close.
func (j *Journal) Attach(bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	j.cancel = cancel
	j.done = make(chan struct{})

	go func() {
		defer close(j.done)
		for evt := range ch {
			j.Record(evt)
		}
	}()
}

// Record writes one event synchronously.
func (j *Journal) Record(evt events.Event) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", fmt.Sprint(evt.Payload)))
	}
	row := Entry{At: evt.At, Type: string(evt.Type), Symbol: evt.Symbol, Payload: string(payload)}
	if err := j.db.Create(&row).Error; err != nil {
		j.logger.Error("journal write failed", "type", evt.Type, "error", err)
	}
}

// Recent returns the newest n entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	var rows []Entry
	err := j.db.WithContext(ctx).Order("id desc").Limit(n).Find(&rows).Error
	return rows, err
}

// Symbol returns a symbol's entries since the given time, oldest first.
func (j *Journal) Symbol(ctx context.Context, symbol string, since time.Time) ([]Entry, error) {
	var rows []Entry
	err := j.db.WithContext(ctx).
		Where("symbol = ? AND at >= ?", symbol, since).
		Order("id asc").Find(&rows).Error
	return rows, err
}

// CountByType returns the number of journaled events per type, for the
// status endpoint.
func (j *Journal) CountByType(ctx context.Context) (map[string]int64, error) {
	type bucket struct {
		Type  string
		Count int64
	}
	var buckets []bucket
	err := j.db.WithContext(ctx).Model(&Entry{}).
		Select("type, count(*) as count").Group("type").Scan(&buckets).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(buckets))
	for _, b := range buckets {
		out[b.Type] = b.Count
	}
	return out, nil
}

// Close detaches from the bus and waits for in-flight writes.
func (j *Journal) Close() error {
	if j.cancel != nil {
		j.cancel()
		<-j.done
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
