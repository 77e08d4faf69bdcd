// Package mongostore provides a MongoDB-backed RecordStore. Each document
// carries a version; updates are conditional replaces on that version, and a
// unique index on source_url rejects racing inserts.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
	"github.com/JakeFAU/jobtrack/internal/store"
)

// maxAttempts allows one retry after a lost race.
const maxAttempts = 2

// Config locates the collection.
type Config struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

type document struct {
	SourceURL string             `bson:"source_url"`
	Version   int64              `bson:"version"`
	UpdatedAt time.Time          `bson:"updated_at"`
	Record    pipeline.JobRecord `bson:"record"`
}

var errVersionConflict = errors.New("version conflict")

// documents is the slice of collection behavior the store relies on.
type documents interface {
	find(ctx context.Context, sourceURL string) (document, error)
	insert(ctx context.Context, doc document) error
	replace(ctx context.Context, doc document, expectVersion int64) error
}

// Store implements store.Backend.
type Store struct {
	docs   documents
	client *mongo.Client
	ids    pipeline.IDGenerator
	clock  pipeline.Clock
	logger *zap.Logger
}

// New connects to MongoDB and ensures the unique index exists.
func New(ctx context.Context, cfg Config, ids pipeline.IDGenerator, clock pipeline.Clock, logger *zap.Logger) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("store.mongo.uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "jobtrack"
	}
	if cfg.Collection == "" {
		cfg.Collection = "job_records"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: connect mongo: %v", pipeline.ErrStoreUnavailable, err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%w: ping mongo: %v", pipeline.ErrStoreUnavailable, err)
	}
	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "source_url", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create source_url index: %w", err)
	}
	s := newStore(collection{coll: coll}, ids, clock, logger)
	s.client = client
	return s, nil
}

func newStore(docs documents, ids pipeline.IDGenerator, clock pipeline.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{docs: docs, ids: ids, clock: clock, logger: logger.Named("mongo")}
}

// Upsert implements pipeline.RecordStore.
func (s *Store) Upsert(ctx context.Context, record pipeline.JobRecord, force bool) (pipeline.UpsertResult, error) {
	if record.SourceURL == "" {
		return pipeline.UpsertResult{}, fmt.Errorf("source url is required")
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := s.upsertOnce(ctx, record, force)
		if !errors.Is(err, errVersionConflict) {
			return res, err
		}
		lastErr = err
		s.logger.Debug("lost upsert race; retrying", zap.String("url", record.SourceURL), zap.Int("attempt", attempt+1))
	}
	return pipeline.UpsertResult{}, fmt.Errorf("%w: %s: %v", pipeline.ErrStoreConflict, record.SourceURL, lastErr)
}

func (s *Store) upsertOnce(ctx context.Context, record pipeline.JobRecord, force bool) (pipeline.UpsertResult, error) {
	current, err := s.docs.find(ctx, record.SourceURL)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		id, err := s.ids.NewID()
		if err != nil {
			return pipeline.UpsertResult{}, fmt.Errorf("generate record id: %w", err)
		}
		record.ID = id
		doc := document{SourceURL: record.SourceURL, Version: 1, UpdatedAt: s.clock.Now().UTC(), Record: record}
		if err := s.docs.insert(ctx, doc); err != nil {
			return pipeline.UpsertResult{}, err
		}
		return pipeline.UpsertResult{Outcome: pipeline.OutcomeCreated, Record: record}, nil
	case err != nil:
		return pipeline.UpsertResult{}, err
	}

	merged, changed := store.Merge(current.Record, record, force)
	if !changed {
		return pipeline.UpsertResult{Outcome: pipeline.OutcomeUpdated, Record: merged}, nil
	}
	next := document{
		SourceURL: record.SourceURL,
		Version:   current.Version + 1,
		UpdatedAt: s.clock.Now().UTC(),
		Record:    merged,
	}
	if err := s.docs.replace(ctx, next, current.Version); err != nil {
		return pipeline.UpsertResult{}, err
	}
	return pipeline.UpsertResult{Outcome: pipeline.OutcomeUpdated, Record: merged}, nil
}

// Get implements pipeline.RecordStore.
func (s *Store) Get(ctx context.Context, sourceURL string) (pipeline.JobRecord, error) {
	doc, err := s.docs.find(ctx, sourceURL)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return pipeline.JobRecord{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.JobRecord{}, err
	}
	return doc.Record, nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// collection adapts *mongo.Collection to documents.
type collection struct {
	coll *mongo.Collection
}

func (c collection) find(ctx context.Context, sourceURL string) (document, error) {
	var doc document
	err := c.coll.FindOne(ctx, bson.M{"source_url": sourceURL}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return document{}, err
	}
	if err != nil {
		return document{}, classify("find", err)
	}
	return doc, nil
}

func (c collection) insert(ctx context.Context, doc document) error {
	_, err := c.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return errVersionConflict
	}
	if err != nil {
		return classify("insert", err)
	}
	return nil
}

func (c collection) replace(ctx context.Context, doc document, expectVersion int64) error {
	res, err := c.coll.ReplaceOne(ctx, bson.M{"source_url": doc.SourceURL, "version": expectVersion}, doc)
	if err != nil {
		return classify("replace", err)
	}
	if res.MatchedCount == 0 {
		return errVersionConflict
	}
	return nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: mongo %s: %v", pipeline.ErrStoreUnavailable, op, err)
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		return fmt.Errorf("mongo %s: %w", op, err)
	}
	return fmt.Errorf("%w: mongo %s: %v", pipeline.ErrStoreUnavailable, op, err)
}
