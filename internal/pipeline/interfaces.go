package pipeline

import (
	"context"
	"time"
)

// ContentFetcher retrieves raw page content, falling back between strategies.
type ContentFetcher interface {
	Fetch(ctx context.Context, url string) FetchResult
}

// Normalizer turns a fetch result into extractor input. It must not do I/O.
type Normalizer interface {
	Normalize(result FetchResult) NormalizedDocument
}

// Extractor converts normalized text into a JobRecord.
type Extractor interface {
	Extract(ctx context.Context, doc NormalizedDocument) (JobRecord, error)
}

// RecordStore persists at most one JobRecord per normalized source URL.
type RecordStore interface {
	Upsert(ctx context.Context, record JobRecord, force bool) (UpsertResult, error)
	Get(ctx context.Context, sourceURL string) (JobRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes record events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
