// Package notion stores job records as pages of a Notion database, the
// tracking board the records are ultimately reviewed in.
package notion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jomei/notionapi"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
	"github.com/JakeFAU/jobtrack/internal/store"
)

// DefaultBaseURL is the public Notion API host.
const DefaultBaseURL = "https://api.notion.com"

// Config addresses the tracking database.
type Config struct {
	Token      string
	DatabaseID string
	// BaseURL redirects API calls to another host, such as a proxy.
	BaseURL string
	Timeout time.Duration
}

// Store implements store.Backend over the Notion API.
type Store struct {
	cfg    Config
	http   *http.Client
	client *notionapi.Client
	ids    pipeline.IDGenerator
	locks  *store.KeyLock
	logger *zap.Logger
}

// New validates cfg and builds a Store.
func New(cfg Config, ids pipeline.IDGenerator, logger *zap.Logger) (*Store, error) {
	if cfg.Token == "" {
		return nil, errors.New("notion token is required")
	}
	if cfg.DatabaseID == "" {
		return nil, errors.New("notion database id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hc, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{
		cfg:    cfg,
		http:   hc,
		client: notionapi.NewClient(notionapi.Token(cfg.Token), notionapi.WithHTTPClient(hc)),
		ids:    ids,
		locks:  store.NewKeyLock(),
		logger: logger.Named("notion"),
	}, nil
}

// EnsureSchema adds any missing properties to the database.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.client.Database.Update(ctx, notionapi.DatabaseID(s.cfg.DatabaseID), &notionapi.DatabaseUpdateRequest{
		Properties: schemaProperties(),
	})
	if err != nil {
		return classify(ctx, "update database schema", err)
	}
	return nil
}

// Upsert implements pipeline.RecordStore.
func (s *Store) Upsert(ctx context.Context, record pipeline.JobRecord, force bool) (pipeline.UpsertResult, error) {
	if record.SourceURL == "" {
		return pipeline.UpsertResult{}, errors.New("source url is required")
	}
	unlock := s.locks.Lock(record.SourceURL)
	defer unlock()

	existing, found, err := s.find(ctx, record.SourceURL)
	if err != nil {
		return pipeline.UpsertResult{}, err
	}
	if !found {
		id, err := s.ids.NewID()
		if err != nil {
			return pipeline.UpsertResult{}, fmt.Errorf("generate record id: %w", err)
		}
		record.ID = id
		if err := s.create(ctx, record); err != nil {
			return pipeline.UpsertResult{}, err
		}
		return pipeline.UpsertResult{Outcome: pipeline.OutcomeCreated, Record: record}, nil
	}

	current, err := fromPage(existing)
	if err != nil {
		return pipeline.UpsertResult{}, err
	}
	merged, changed := store.Merge(current, record, force)
	if changed {
		props, err := toProperties(merged)
		if err != nil {
			return pipeline.UpsertResult{}, err
		}
		_, err = s.client.Page.Update(ctx, notionapi.PageID(existing.ID), &notionapi.PageUpdateRequest{Properties: props})
		if err != nil {
			return pipeline.UpsertResult{}, classify(ctx, "update page", err)
		}
	}
	return pipeline.UpsertResult{Outcome: pipeline.OutcomeUpdated, Record: merged}, nil
}

// Get implements pipeline.RecordStore.
func (s *Store) Get(ctx context.Context, sourceURL string) (pipeline.JobRecord, error) {
	p, found, err := s.find(ctx, sourceURL)
	if err != nil {
		return pipeline.JobRecord{}, err
	}
	if !found {
		return pipeline.JobRecord{}, pipeline.ErrNotFound
	}
	return fromPage(p)
}

// Close implements store.Backend.
func (s *Store) Close() error {
	s.http.CloseIdleConnections()
	return nil
}

// find looks a page up by its Job URL. Notion filters url properties with
// the text condition.
func (s *Store) find(ctx context.Context, sourceURL string) (notionapi.Page, bool, error) {
	resp, err := s.client.Database.Query(ctx, notionapi.DatabaseID(s.cfg.DatabaseID), &notionapi.DatabaseQueryRequest{
		Filter: &notionapi.PropertyFilter{
			Property: propURL,
			RichText: &notionapi.TextFilterCondition{Equals: sourceURL},
		},
		PageSize: 2,
	})
	if err != nil {
		return notionapi.Page{}, false, classify(ctx, "query database", err)
	}
	switch len(resp.Results) {
	case 0:
		return notionapi.Page{}, false, nil
	case 1:
	default:
		s.logger.Warn("duplicate pages for url; using the first", zap.String("url", sourceURL))
	}
	return resp.Results[0], true, nil
}

func (s *Store) create(ctx context.Context, rec pipeline.JobRecord) error {
	props, err := toProperties(rec)
	if err != nil {
		return err
	}
	props[propStatus] = selectOne(statusNew)
	_, err = s.client.Page.Create(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(s.cfg.DatabaseID),
		},
		Properties: props,
		Children:   descriptionBlocks(rec),
	})
	if err != nil {
		return classify(ctx, "create page", err)
	}
	return nil
}
