package pipeline

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPipeline_Process_SuccessFlow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.results["https://example.com/jobs/1"] = okFetch("https://example.com/jobs/1", StrategyRendered, "<html>posting</html>")

	res := env.pipeline.Process(context.Background(), "https://Example.com/jobs/1/?utm_source=x", Options{})

	require.Equal(t, StateDone, res.State)
	require.Empty(t, res.Reason)
	require.Equal(t, "https://example.com/jobs/1", res.URL)
	require.Equal(t, StrategyRendered, res.Strategy)
	require.Equal(t, OutcomeCreated, res.Outcome)
	require.NotNil(t, res.Record)
	require.Equal(t, ConfidenceHigh, res.Record.Confidence)
	require.Equal(t, "https://example.com/jobs/1", res.Record.SourceURL)
	require.Equal(t, 1, env.store.count())
	require.Equal(t, "pages/example.com/hash-20.html", env.blob.lastPath)
	require.Len(t, env.publisher.payloads(), 1)
	require.Equal(t, []State{StateFetching, StateNormalizing, StateExtracting, StateStoring}, env.observer.stageList())
}

func TestPipeline_Process_ResubmitIsUpdated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.results["https://example.com/jobs/1"] = okFetch("https://example.com/jobs/1", StrategyHTTP, "<html>posting</html>")

	first := env.pipeline.Process(context.Background(), "https://example.com/jobs/1", Options{})
	second := env.pipeline.Process(context.Background(), "https://example.com/jobs/1#apply", Options{})

	require.Equal(t, OutcomeCreated, first.Outcome)
	require.Equal(t, OutcomeUpdated, second.Outcome)
	require.Equal(t, 1, env.store.count())
	require.Equal(t, first.Record.Title, second.Record.Title)
}

func TestPipeline_Process_EmptyContentSkipsExtractor(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.results["https://example.com/empty"] = okFetch("https://example.com/empty", StrategyHTTP, "   ")

	res := env.pipeline.Process(context.Background(), "https://example.com/empty", Options{})

	require.Equal(t, StateFailed, res.State)
	require.Equal(t, StateNormalizing, res.FailedAt)
	require.Equal(t, ReasonEmptyContent, res.Reason)
	require.Zero(t, env.extractor.calls.Load())
	require.Zero(t, env.store.count())
}

func TestPipeline_Process_FetchTimeoutStoresNothing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.results["https://example.com/slow"] = FetchResult{
		URL:      "https://example.com/slow",
		Strategy: StrategyRendered,
		Status:   FetchTimeout,
		Attempts: 3,
	}

	res := env.pipeline.Process(context.Background(), "https://example.com/slow", Options{})

	require.Equal(t, StateFailed, res.State)
	require.Equal(t, StateFetching, res.FailedAt)
	require.Equal(t, ReasonFetchTimeout, res.Reason)
	require.ErrorIs(t, res.Err, ErrFetchTimeout)
	require.Zero(t, env.extractor.calls.Load())
	require.Zero(t, env.store.count())
	require.Empty(t, env.publisher.payloads())
}

func TestPipeline_Process_FailedConfidenceIsNotStored(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.results["https://example.com/jobs/2"] = okFetch("https://example.com/jobs/2", StrategyHTTP, "<html>x</html>")
	env.extractor.fn = func(doc NormalizedDocument) (JobRecord, error) {
		return JobRecord{Title: Unknown, Confidence: ConfidenceFailed}, ErrExtractionIncomplete
	}

	res := env.pipeline.Process(context.Background(), "https://example.com/jobs/2", Options{})

	require.Equal(t, StateFailed, res.State)
	require.Equal(t, StateExtracting, res.FailedAt)
	require.Equal(t, ReasonExtractionIncomplete, res.Reason)
	require.Zero(t, env.store.count())
}

func TestPipeline_Process_StoreUnavailable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.results["https://example.com/jobs/3"] = okFetch("https://example.com/jobs/3", StrategyHTTP, "<html>x</html>")
	env.store.err = errors.Join(ErrStoreUnavailable, errors.New("dial tcp: connection refused"))

	res := env.pipeline.Process(context.Background(), "https://example.com/jobs/3", Options{})

	require.Equal(t, StateFailed, res.State)
	require.Equal(t, StateStoring, res.FailedAt)
	require.Equal(t, ReasonStoreUnavailable, res.Reason)
	require.Empty(t, env.publisher.payloads())
}

func TestPipeline_Process_CallerTimeout(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.block = true
	p, err := New(env.deps, Config{Timeout: 20 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	res := p.Process(context.Background(), "https://example.com/hang", Options{})

	require.Equal(t, StateFailed, res.State)
	require.Equal(t, StateFetching, res.FailedAt)
	require.Equal(t, ReasonTimeout, res.Reason)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestPipeline_Process_InvalidURL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	res := env.pipeline.Process(context.Background(), "ftp://example.com/file", Options{})

	require.Equal(t, StateFailed, res.State)
	require.Equal(t, ReasonInvalidInput, res.Reason)
	require.Zero(t, env.fetcher.calls.Load())
}

func TestPipeline_ProcessText_DerivesIdentityFromDigest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	res := env.pipeline.ProcessText(context.Background(), "", "Senior Go Engineer at Acme", Options{})

	require.Equal(t, StateDone, res.State)
	require.True(t, strings.HasPrefix(res.URL, PastedPrefix))
	require.Equal(t, res.URL, res.Record.SourceURL)
	require.Zero(t, env.fetcher.calls.Load())

	rec, err := env.pipeline.Lookup(context.Background(), res.URL)
	require.NoError(t, err)
	require.Equal(t, res.Record.Title, rec.Title)
}

func TestPipeline_ProcessText_UsesGivenURL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	res := env.pipeline.ProcessText(context.Background(), "https://example.com/jobs/9?gclid=abc", "Go Engineer", Options{})

	require.Equal(t, StateDone, res.State)
	require.Equal(t, "https://example.com/jobs/9", res.URL)
	require.Empty(t, res.Strategy)
}

func TestPipeline_RunBatch_BoundedAndOrdered(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	urls := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c", "https://example.com/d"}
	for _, u := range urls {
		env.fetcher.results[u] = okFetch(u, StrategyHTTP, "<html>"+u+"</html>")
	}
	env.fetcher.delay = 10 * time.Millisecond
	p, err := New(env.deps, Config{Concurrency: 2}, zap.NewNop())
	require.NoError(t, err)

	results := p.RunBatch(context.Background(), urls, Options{})

	require.Len(t, results, len(urls))
	for i, u := range urls {
		require.Equal(t, u, results[i].URL)
		require.Equal(t, StateDone, results[i].State)
	}
	require.LessOrEqual(t, env.fetcher.maxInFlight.Load(), int32(2))
	require.Equal(t, len(urls), env.store.count())
}

type testEnv struct {
	deps      Deps
	pipeline  *Pipeline
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	store     *fakeStore
	blob      *fakeBlobStore
	publisher *fakePublisher
	observer  *fakeObserver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		fetcher:   &fakeFetcher{results: map[string]FetchResult{}},
		extractor: &fakeExtractor{},
		store:     &fakeStore{records: map[string]JobRecord{}},
		blob:      &fakeBlobStore{},
		publisher: &fakePublisher{},
		observer:  &fakeObserver{},
	}
	env.deps = Deps{
		Fetcher:    env.fetcher,
		Normalizer: fakeNormalizer{},
		Extractor:  env.extractor,
		Store:      env.store,
		Archive:    env.blob,
		Publisher:  env.publisher,
		Hasher:     fakeHasher{},
		Clock:      &fakeClock{now: time.Unix(100, 0)},
		Observer:   env.observer,
	}
	p, err := New(env.deps, Config{ArchivePrefix: "pages", Topic: "records"}, zap.NewNop())
	require.NoError(t, err)
	env.pipeline = p
	return env
}

func okFetch(url string, strategy Strategy, body string) FetchResult {
	return FetchResult{URL: url, RawContent: &body, Strategy: strategy, Status: FetchOK, StatusCode: 200, Attempts: 1}
}

type fakeFetcher struct {
	mu          sync.Mutex
	results     map[string]FetchResult
	block       bool
	delay       time.Duration
	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) FetchResult {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		current := f.maxInFlight.Load()
		if n <= current || f.maxInFlight.CompareAndSwap(current, n) {
			break
		}
	}
	if f.block {
		<-ctx.Done()
		return FetchResult{URL: url, Strategy: StrategyRendered, Status: FetchTimeout, Err: ctx.Err()}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[url]
	if !ok {
		return FetchResult{URL: url, Strategy: StrategyHTTP, Status: FetchError}
	}
	return res
}

type fakeNormalizer struct{}

func (fakeNormalizer) Normalize(result FetchResult) NormalizedDocument {
	text := strings.TrimSpace(strings.NewReplacer("<html>", "", "</html>", "").Replace(result.Content()))
	return NormalizedDocument{URL: result.URL, CleanText: text}
}

type fakeExtractor struct {
	calls atomic.Int32
	fn    func(doc NormalizedDocument) (JobRecord, error)
}

func (f *fakeExtractor) Extract(_ context.Context, doc NormalizedDocument) (JobRecord, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(doc)
	}
	return JobRecord{
		Title:              "Go Engineer",
		Company:            "Acme",
		Location:           "Remote",
		Seniority:          "Senior",
		Skills:             []string{"Go"},
		DescriptionSummary: doc.CleanText,
		Confidence:         ConfidenceHigh,
	}, nil
}

type fakeStore struct {
	mu      sync.Mutex
	records map[string]JobRecord
	err     error
}

func (s *fakeStore) Upsert(_ context.Context, record JobRecord, _ bool) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return UpsertResult{}, s.err
	}
	outcome := OutcomeCreated
	if _, ok := s.records[record.SourceURL]; ok {
		outcome = OutcomeUpdated
	}
	s.records[record.SourceURL] = record
	return UpsertResult{Outcome: outcome, Record: record}, nil
}

func (s *fakeStore) Get(_ context.Context, sourceURL string) (JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sourceURL]
	if !ok {
		return JobRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type fakeBlobStore struct {
	mu       sync.Mutex
	lastPath string
}

func (b *fakeBlobStore) PutObject(_ context.Context, path string, _ string, _ []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPath = path
	return "mem://" + path, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []any
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, payload)
	return "msg", nil
}

func (p *fakePublisher) payloads() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.msgs...)
}

type fakeObserver struct {
	mu     sync.Mutex
	stages []State
}

func (o *fakeObserver) ObserveStage(stage State, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stage)
}

func (o *fakeObserver) ObserveResult(Result) {}

func (o *fakeObserver) stageList() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.stages...)
}

type fakeHasher struct{}

func (fakeHasher) Hash(data []byte) (string, error) {
	return "hash-" + strconv.Itoa(len(data)), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}
