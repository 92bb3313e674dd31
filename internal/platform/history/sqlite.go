// Package history records finished task executions in SQLite via GORM.
// It uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite
// GORM driver.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dontdude/goenact/internal/domain"
	"github.com/dontdude/goenact/internal/engine"
)

// Execution is one recorded run.
type Execution struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	JobID      string    `gorm:"index" json:"job_id,omitempty"`
	TaskID     string    `gorm:"not null;index" json:"task_id"`
	PayloadID  string    `json:"payload_id"`
	Identity   string    `gorm:"index" json:"identity"`
	Status     string    `gorm:"not null" json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Value      string    `json:"value,omitempty"` // JSON text
	DurationMS int64     `json:"duration_ms"`
	StartedAt  time.Time `gorm:"not null;index" json:"started_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Execution) TableName() string { return "executions" }

// Execution statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Store is the SQLite-backed execution history.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, slogger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is required")
	}
	if slogger == nil {
		slogger = slog.Default()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating history directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if err := db.AutoMigrate(&Execution{}); err != nil {
		return nil, fmt.Errorf("migrating history database: %w", err)
	}

	slogger.Debug("history store opened", slog.String("path", path))
	return &Store{db: db, logger: slogger, path: path}, nil
}

// Record implements engine.Recorder.
func (s *Store) Record(ctx context.Context, r engine.Report) error {
	e := Execution{
		ID:         uuid.NewString(),
		JobID:      engine.JobIDFrom(ctx),
		TaskID:     r.TaskID,
		PayloadID:  r.PayloadID,
		Identity:   r.Identity.String(),
		Status:     StatusSucceeded,
		DurationMS: r.Duration.Milliseconds(),
		StartedAt:  r.StartedAt.UTC(),
	}
	if r.Err != nil {
		e.Status = StatusFailed
		e.ErrorKind = domain.ErrorKind(r.Err)
		e.Error = r.Err.Error()
		var ee *domain.ExecutionError
		if errors.As(r.Err, &ee) {
			e.ExitCode = ee.ExitCode
		}
	}
	if r.Result != nil {
		e.ExitCode = r.Result.ExitCode
		if data, err := json.Marshal(r.Result.Value); err == nil {
			e.Value = string(data)
		}
	}

	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		return fmt.Errorf("recording execution: %w", err)
	}
	return nil
}

// Filter narrows List.
type Filter struct {
	TaskID string
	JobID  string
	Status string
	Limit  int // Default 50.
}

// List returns recorded executions, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Execution, error) {
	q := s.db.WithContext(ctx).Model(&Execution{})
	if f.TaskID != "" {
		q = q.Where("task_id = ?", f.TaskID)
	}
	if f.JobID != "" {
		q = q.Where("job_id = ?", f.JobID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var out []Execution
	if err := q.Order("started_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

var _ engine.Recorder = (*Store)(nil)
