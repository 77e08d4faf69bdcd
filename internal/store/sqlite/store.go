// Package sqlite provides a single-file RecordStore on modernc.org/sqlite.
// Upserts are serialized per URL in process and across processes with an
// advisory lock file next to the database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/jobtrack/internal/pipeline"
	"github.com/JakeFAU/jobtrack/internal/store"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS job_records (
	source_url   TEXT PRIMARY KEY,
	record_id    TEXT NOT NULL UNIQUE,
	confidence   TEXT NOT NULL,
	extracted_at TEXT NOT NULL,
	record       TEXT NOT NULL
)`

// Config locates the database file.
type Config struct {
	Path string
	// LockTimeout bounds the wait for the cross-process lock file.
	LockTimeout time.Duration
}

// Store implements store.Backend.
type Store struct {
	db          *sql.DB
	ids         pipeline.IDGenerator
	locks       *store.KeyLock
	fileMu      sync.Mutex
	file        *flock.Flock
	lockTimeout time.Duration
	logger      *zap.Logger
}

// Open opens or creates the database at cfg.Path.
func Open(ctx context.Context, cfg Config, ids pipeline.IDGenerator, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := cfg.Path
	var file *flock.Flock
	if cfg.Path != MemoryPath {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", cfg.Path)
		file = flock.New(cfg.Path + ".lock")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Second
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps one writer and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping sqlite: %v", pipeline.ErrStoreUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &Store{
		db:          db,
		ids:         ids,
		locks:       store.NewKeyLock(),
		file:        file,
		lockTimeout: cfg.LockTimeout,
		logger:      logger.Named("sqlite"),
	}, nil
}

// Upsert implements pipeline.RecordStore.
func (s *Store) Upsert(ctx context.Context, record pipeline.JobRecord, force bool) (pipeline.UpsertResult, error) {
	if record.SourceURL == "" {
		return pipeline.UpsertResult{}, fmt.Errorf("source url is required")
	}
	unlock := s.locks.Lock(record.SourceURL)
	defer unlock()

	release, err := s.lockFile(ctx)
	if err != nil {
		return pipeline.UpsertResult{}, err
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pipeline.UpsertResult{}, unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, found, err := load(ctx, tx, record.SourceURL)
	if err != nil {
		return pipeline.UpsertResult{}, err
	}

	var res pipeline.UpsertResult
	switch {
	case !found:
		id, err := s.ids.NewID()
		if err != nil {
			return pipeline.UpsertResult{}, fmt.Errorf("generate record id: %w", err)
		}
		record.ID = id
		if err := save(ctx, tx, record); err != nil {
			return pipeline.UpsertResult{}, err
		}
		res = pipeline.UpsertResult{Outcome: pipeline.OutcomeCreated, Record: record}
	default:
		merged, changed := store.Merge(existing, record, force)
		if changed {
			if err := save(ctx, tx, merged); err != nil {
				return pipeline.UpsertResult{}, err
			}
		}
		res = pipeline.UpsertResult{Outcome: pipeline.OutcomeUpdated, Record: merged}
	}
	if err := tx.Commit(); err != nil {
		return pipeline.UpsertResult{}, unavailable("commit", err)
	}
	return res, nil
}

// Get implements pipeline.RecordStore.
func (s *Store) Get(ctx context.Context, sourceURL string) (pipeline.JobRecord, error) {
	rec, found, err := load(ctx, s.db, sourceURL)
	if err != nil {
		return pipeline.JobRecord{}, err
	}
	if !found {
		return pipeline.JobRecord{}, pipeline.ErrNotFound
	}
	return rec, nil
}

// Close implements store.Backend.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *Store) lockFile(ctx context.Context) (func(), error) {
	if s.file == nil {
		return func() {}, nil
	}
	// One Flock handle is shared by every goroutine, so it is held by at most one.
	s.fileMu.Lock()
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	ok, err := s.file.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil || !ok {
		s.fileMu.Unlock()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: lock file %s: %v", pipeline.ErrStoreConflict, s.file.Path(), err)
	}
	return func() {
		if err := s.file.Unlock(); err != nil {
			s.logger.Warn("unlock sqlite lock file", zap.Error(err))
		}
		s.fileMu.Unlock()
	}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func load(ctx context.Context, q queryer, sourceURL string) (pipeline.JobRecord, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT record FROM job_records WHERE source_url = ?`, sourceURL).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.JobRecord{}, false, nil
	}
	if err != nil {
		return pipeline.JobRecord{}, false, unavailable("select", err)
	}
	var rec pipeline.JobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return pipeline.JobRecord{}, false, fmt.Errorf("decode record %s: %w", sourceURL, err)
	}
	return rec, true, nil
}

func save(ctx context.Context, tx *sql.Tx, rec pipeline.JobRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO job_records (source_url, record_id, confidence, extracted_at, record)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(source_url) DO UPDATE SET
	confidence = excluded.confidence,
	extracted_at = excluded.extracted_at,
	record = excluded.record`,
		rec.SourceURL, rec.ID, string(rec.Confidence), rec.ExtractedAt.UTC().Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %v", pipeline.ErrStoreConflict, err)
		}
		return unavailable("write", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: sqlite %s: %v", pipeline.ErrStoreUnavailable, op, err)
}
