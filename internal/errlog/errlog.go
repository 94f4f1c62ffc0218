// Package errlog persists classified errors to a local SQLite database.
//
// Records are buffered and flushed in batches so the hot path never waits
// on disk. Identical errors (same type, code, component, symbol) within a
// 60-second window collapse into one row with an occurrence count. Each
// process run gets a session id so errors can be grouped per run.
package errlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	dedupWindow   = 60 * time.Second
	flushInterval = 2 * time.Second
	flushBatch    = 64
	bufferSize    = 256
)

// Record is one persisted error row.
type Record struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Timestamp  time.Time `gorm:"index" json:"timestamp"`
	ErrorType  string    `gorm:"index" json:"errorType"`
	ErrorCode  int       `json:"errorCode"`
	Message    string    `json:"message"`
	StackTrace string    `json:"stackTrace,omitempty"`
	Component  string    `gorm:"index" json:"component,omitempty"`
	Symbol     string    `gorm:"index" json:"symbol,omitempty"`
	UserAction string    `json:"userAction,omitempty"`
	Severity   string    `gorm:"index" json:"severity"`
	SessionID  string    `gorm:"index" json:"sessionId"`
	Resolved   bool      `json:"resolved"`
	Details    string    `json:"details,omitempty"`
	Count      int       `json:"count"`
}

// TableName keeps the historical table name.
func (Record) TableName() string { return "error_log" }

// dedupKey identifies records that collapse within the window.
type dedupKey struct {
	errorType string
	code      int
	component string
	symbol    string
}

// Store is the async error sink.
type Store struct {
	db        *gorm.DB
	sessionID string

	mu     sync.Mutex
	buffer []*Record
	recent map[dedupKey]*Record // in-buffer rows eligible for collapse
	seen   map[dedupKey]time.Time

	wake chan struct{}
	now  func() time.Time

	logger *slog.Logger
}

// Open creates or migrates the database at path and returns a store bound
// to a fresh session id.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open error log: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate error log: %w", err)
	}

	return &Store{
		db:        db,
		sessionID: uuid.NewString(),
		recent:    make(map[dedupKey]*Record),
		seen:      make(map[dedupKey]time.Time),
		wake:      make(chan struct{}, 1),
		now:       time.Now,
		logger:    logger.With("component", "errlog"),
	}, nil
}

// SessionID returns this run's session identifier.
func (s *Store) SessionID() string { return s.sessionID }

// Report buffers one error. Never blocks; the record reaches disk on the
// next flush.
func (s *Store) Report(rec Record) {
	now := s.now()
	rec.Timestamp = now
	rec.SessionID = s.sessionID
	if rec.Count == 0 {
		rec.Count = 1
	}

	key := dedupKey{rec.ErrorType, rec.ErrorCode, rec.Component, rec.Symbol}

	s.mu.Lock()
	if last, ok := s.seen[key]; ok && now.Sub(last) < dedupWindow {
		if pending, ok := s.recent[key]; ok {
			pending.Count++
			pending.Timestamp = now
			s.mu.Unlock()
			return
		}
		// The earlier duplicate already hit disk; bump its count there.
		s.mu.Unlock()
		s.bumpPersisted(key, now)
		return
	}
	s.seen[key] = now
	copied := rec
	s.buffer = append(s.buffer, &copied)
	s.recent[key] = &copied
	full := len(s.buffer) >= flushBatch
	s.mu.Unlock()

	if full {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// bumpPersisted increments the count of the newest on-disk duplicate.
func (s *Store) bumpPersisted(key dedupKey, now time.Time) {
	res := s.db.Model(&Record{}).
		Where("error_type = ? AND error_code = ? AND component = ? AND symbol = ? AND timestamp > ?",
			key.errorType, key.code, key.component, key.symbol, now.Add(-dedupWindow)).
		Order("timestamp DESC").
		Limit(1).
		UpdateColumn("count", gorm.Expr("count + 1"))
	if res.Error != nil {
		s.logger.Warn("dedup count update failed", "error", res.Error)
	}
}

// Run flushes the buffer periodically until ctx ends, then drains.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Flush()
			return
		case <-ticker.C:
			s.Flush()
		case <-s.wake:
			s.Flush()
		}
	}
}

// Flush writes all buffered records.
func (s *Store) Flush() {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.pruneSeenLocked()
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = nil
	s.recent = make(map[dedupKey]*Record)
	s.pruneSeenLocked()
	s.mu.Unlock()

	if err := s.db.Create(&batch).Error; err != nil {
		s.logger.Error("error log flush failed", "error", err, "records", len(batch))
	}
}

// pruneSeenLocked drops dedup entries older than the window.
func (s *Store) pruneSeenLocked() {
	cutoff := s.now().Add(-dedupWindow)
	for k, t := range s.seen {
		if t.Before(cutoff) {
			delete(s.seen, k)
		}
	}
}

// Recent returns the newest limit records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []Record
	err := s.db.Order("timestamp DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Clear removes every persisted record.
func (s *Store) Clear() error {
	return s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Record{}).Error
}

// Count returns the total number of persisted records.
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.Model(&Record{}).Count(&n).Error
	return n, err
}
