// Package audit is the Audit Ledger (A1): an append-only, diagnostic-only
// record of every event the bus carries, persisted to SQLite via Gorm. It
// subscribes to the event bus at startup and never calls back into any
// other component. The bus delivers synchronously, so each write runs in
// the publisher's goroutine and a slow write delays that publisher.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marginctl/internal/eventbus"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// entryModel is the on-disk shape of one ledger row.
type entryModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Type          string         `gorm:"column:type;index"`
	Symbol        string         `gorm:"column:symbol;index"`
	Ticket        int64          `gorm:"column:ticket;index"`
	GroupID       string         `gorm:"column:group_id;index"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (entryModel) TableName() string { return "audit_log" }

// Entry is the decoded form of one ledger row, returned by Recent.
type Entry struct {
	ID        int64
	Type      eventbus.Type
	Symbol    string
	Ticket    int64
	GroupID   string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Ledger persists every bus event to a SQLite-backed append-only log.
type Ledger struct {
	db *gorm.DB
}

// Open creates (or reuses) the SQLite database at path and migrates the
// ledger table. The DSN mirrors the teacher's own decision-log store: WAL
// mode and a short busy timeout so the admin API's read queries never
// collide with a write from the control loop's event stream.
func Open(path string) (*Ledger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit: db path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	if err := db.AutoMigrate(&entryModel{}); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Ledger{db: db}, nil
}

// Close releases the underlying database connection.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ListenOn subscribes the ledger to bus; every subsequently published event
// is appended. Call once, before the control loop starts.
func (l *Ledger) ListenOn(bus *eventbus.Bus) {
	bus.Subscribe(func(evt eventbus.Event) {
		if err := l.append(evt); err != nil {
			// The ledger is diagnostic-only; a write failure here must never
			// propagate back into the event publisher.
			return
		}
	})
}

func (l *Ledger) append(evt eventbus.Event) error {
	payload, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	groupID := evt.GroupID
	model := entryModel{
		Type:          string(evt.Type),
		Symbol:        evt.Symbol,
		Ticket:        evt.Ticket,
		GroupID:       groupID,
		Payload:       datatypes.JSON(payload),
		CreatedAtUnix: evt.At.UnixMilli(),
	}
	return l.db.Create(&model).Error
}

func encodeEvent(evt eventbus.Event) ([]byte, error) {
	view := struct {
		Type     eventbus.Type `json:"type"`
		Symbol   string        `json:"symbol,omitempty"`
		Ticket   int64         `json:"ticket,omitempty"`
		GroupID  string        `json:"group_id,omitempty"`
		Level    int           `json:"level,omitempty"`
		Opened   int           `json:"opened,omitempty"`
		Profit   float64       `json:"profit,omitempty"`
		OldClass string        `json:"old_class,omitempty"`
		NewClass string        `json:"new_class,omitempty"`
		Source   string        `json:"source,omitempty"`
		Message  string        `json:"message,omitempty"`
	}{
		Type: evt.Type, Symbol: evt.Symbol, Ticket: evt.Ticket, GroupID: evt.GroupID,
		Level: evt.Level, Opened: evt.Opened, Profit: evt.Profit,
		OldClass: evt.OldClass, NewClass: evt.NewClass, Source: evt.Source, Message: evt.Message,
	}
	return json.Marshal(view)
}

// Recent returns up to limit ledger rows newer than since, oldest first.
// A zero since returns the oldest rows in the ledger.
func (l *Ledger) Recent(ctx context.Context, since time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []entryModel
	q := l.db.WithContext(ctx).Order("created_at ASC, id ASC").Limit(limit)
	if !since.IsZero() {
		q = q.Where("created_at > ?", since.UnixMilli())
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{
			ID:        r.ID,
			Type:      eventbus.Type(r.Type),
			Symbol:    r.Symbol,
			Ticket:    r.Ticket,
			GroupID:   r.GroupID,
			Payload:   json.RawMessage(r.Payload),
			CreatedAt: time.UnixMilli(r.CreatedAtUnix),
		})
	}
	return out, nil
}
