// Package postgres provides a Postgres-backed RecordStore. Upserts for the
// same URL are serialized with a transaction-scoped advisory lock.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
	"github.com/JakeFAU/jobtrack/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate creates the table when it does not exist.
	Migrate bool
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store implements store.Backend.
type Store struct {
	pool  pool
	table string
	ids   pipeline.IDGenerator
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, ids pipeline.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %v", pipeline.ErrStoreUnavailable, err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", pipeline.ErrStoreUnavailable, err)
	}
	s, err := NewWithPool(p, cfg.Table, ids)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, ids pipeline.IDGenerator) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if table == "" {
		table = "job_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table, ids: ids}, nil
}

// Migrate creates the records table.
func (s *Store) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	source_url   TEXT PRIMARY KEY,
	record_id    TEXT NOT NULL UNIQUE,
	confidence   TEXT NOT NULL,
	extracted_at TIMESTAMPTZ NOT NULL,
	record       JSONB NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return classify("migrate", err)
	}
	return nil
}

// Upsert implements pipeline.RecordStore.
func (s *Store) Upsert(ctx context.Context, record pipeline.JobRecord, force bool) (pipeline.UpsertResult, error) {
	if record.SourceURL == "" {
		return pipeline.UpsertResult{}, fmt.Errorf("source url is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pipeline.UpsertResult{}, classify("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, record.SourceURL); err != nil {
		return pipeline.UpsertResult{}, classify("lock", err)
	}

	existing, found, err := s.load(ctx, tx, record.SourceURL)
	if err != nil {
		return pipeline.UpsertResult{}, err
	}

	var res pipeline.UpsertResult
	if !found {
		id, err := s.ids.NewID()
		if err != nil {
			return pipeline.UpsertResult{}, fmt.Errorf("generate record id: %w", err)
		}
		record.ID = id
		if err := s.insert(ctx, tx, record); err != nil {
			return pipeline.UpsertResult{}, err
		}
		res = pipeline.UpsertResult{Outcome: pipeline.OutcomeCreated, Record: record}
	} else {
		merged, changed := store.Merge(existing, record, force)
		if changed {
			if err := s.update(ctx, tx, merged); err != nil {
				return pipeline.UpsertResult{}, err
			}
		}
		res = pipeline.UpsertResult{Outcome: pipeline.OutcomeUpdated, Record: merged}
	}

	if err := tx.Commit(ctx); err != nil {
		return pipeline.UpsertResult{}, classify("commit", err)
	}
	return res, nil
}

// Get implements pipeline.RecordStore.
func (s *Store) Get(ctx context.Context, sourceURL string) (pipeline.JobRecord, error) {
	rec, found, err := s.load(ctx, s.pool, sourceURL)
	if err != nil {
		return pipeline.JobRecord{}, err
	}
	if !found {
		return pipeline.JobRecord{}, pipeline.ErrNotFound
	}
	return rec, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

type rowQuerier interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}

func (s *Store) load(ctx context.Context, q rowQuerier, sourceURL string) (pipeline.JobRecord, bool, error) {
	var raw []byte
	query := fmt.Sprintf(`SELECT record FROM %s WHERE source_url = $1`, s.table)
	if err := q.QueryRow(ctx, query, sourceURL).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.JobRecord{}, false, nil
		}
		return pipeline.JobRecord{}, false, classify("select", err)
	}
	var rec pipeline.JobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return pipeline.JobRecord{}, false, fmt.Errorf("decode record %s: %w", sourceURL, err)
	}
	return rec, true, nil
}

func (s *Store) insert(ctx context.Context, tx pgx.Tx, rec pipeline.JobRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (source_url, record_id, confidence, extracted_at, record)
VALUES ($1, $2, $3, $4, $5)`, s.table)
	if _, err := tx.Exec(ctx, query, rec.SourceURL, rec.ID, string(rec.Confidence), rec.ExtractedAt, payload); err != nil {
		return classify("insert", err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, tx pgx.Tx, rec pipeline.JobRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s SET confidence = $2, extracted_at = $3, record = $4, updated_at = now()
WHERE source_url = $1`, s.table)
	tag, err := tx.Exec(ctx, query, rec.SourceURL, string(rec.Confidence), rec.ExtractedAt, payload)
	if err != nil {
		return classify("update", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: update %s affected %d rows", pipeline.ErrStoreConflict, rec.SourceURL, tag.RowsAffected())
	}
	return nil
}

// classify maps driver errors onto the store failure taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: postgres %s: %v", pipeline.ErrStoreConflict, op, err)
		}
		return fmt.Errorf("postgres %s: %w", op, err)
	}
	return fmt.Errorf("%w: postgres %s: %v", pipeline.ErrStoreUnavailable, op, err)
}
