package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobtrack/internal/outreach"
	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

func TestServer_Ingest_Created(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{result: doneResult("https://jobs.example.com/1", pipeline.OutcomeCreated)}
	rec := serve(t, newTestServer(proc), http.MethodPost, "/v1/postings/", `{"url":"https://jobs.example.com/1","force":true}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var got pipeline.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, pipeline.StateDone, got.State)
	require.Equal(t, "Go Engineer", got.Record.Title)
	require.Equal(t, []string{"https://jobs.example.com/1"}, proc.processed)
	require.True(t, proc.lastOpts.Force)
}

func TestServer_Ingest_UpdatedReturnsOK(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{result: doneResult("https://jobs.example.com/1", pipeline.OutcomeUpdated)}
	rec := serve(t, newTestServer(proc), http.MethodPost, "/v1/postings/", `{"url":"https://jobs.example.com/1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Ingest_PastedTextUsesProcessText(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{result: doneResult("pasted:sha256:abc", pipeline.OutcomeCreated)}
	rec := serve(t, newTestServer(proc), http.MethodPost, "/v1/postings/", `{"text":"Senior Go Engineer at Acme"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Empty(t, proc.processed)
	require.Equal(t, []string{"Senior Go Engineer at Acme"}, proc.texts)
}

func TestServer_Ingest_FailureReturnsReason(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{result: pipeline.Result{
		URL:      "https://jobs.example.com/1",
		State:    pipeline.StateFailed,
		FailedAt: pipeline.StateFetching,
		Reason:   pipeline.ReasonFetchBlocked,
	}}
	rec := serve(t, newTestServer(proc), http.MethodPost, "/v1/postings/", `{"url":"https://jobs.example.com/1"}`)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "FAILED", body["state"])
	require.Equal(t, "FetchBlocked", body["reason"])
	require.Equal(t, "FETCHING", body["failed_at"])
	require.NotContains(t, rec.Body.String(), "record")
}

func TestServer_Ingest_BadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		proc *fakeProcessor
	}{
		{name: "invalid json", body: `{`, proc: &fakeProcessor{}},
		{name: "unknown field", body: `{"link":"x"}`, proc: &fakeProcessor{}},
		{name: "empty", body: `{"url":"  "}`, proc: &fakeProcessor{}},
		{
			name: "invalid url",
			body: `{"url":"ftp://x"}`,
			proc: &fakeProcessor{result: pipeline.Result{State: pipeline.StateFailed, Reason: pipeline.ReasonInvalidInput}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(t, newTestServer(tt.proc), http.MethodPost, "/v1/postings/", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestServer_Batch(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{batch: []pipeline.Result{
		doneResult("https://a.example/1", pipeline.OutcomeCreated),
		{URL: "https://b.example/2", State: pipeline.StateFailed, Reason: pipeline.ReasonFetchTimeout},
	}}
	rec := serve(t, newTestServer(proc), http.MethodPost, "/v1/postings/batch",
		`{"urls":["https://a.example/1","https://b.example/2"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var got batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Results, 2)
	require.Equal(t, 1, got.Done)
	require.Equal(t, 1, got.Failed)
}

func TestServer_Batch_DeadlineScalesWithSize(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{
		batch: []pipeline.Result{
			doneResult("https://a.example/1", pipeline.OutcomeCreated),
			doneResult("https://a.example/2", pipeline.OutcomeCreated),
			doneResult("https://a.example/3", pipeline.OutcomeCreated),
		},
		batchDelay: 150 * time.Millisecond,
	}
	server := NewServer(proc, nil, Config{RequestTimeout: 100 * time.Millisecond, Concurrency: 1}, zap.NewNop())
	rec := serve(t, server, http.MethodPost, "/v1/postings/batch",
		`{"urls":["https://a.example/1","https://a.example/2","https://a.example/3"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var got batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 3, got.Done)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Greater(t, proc.batchBudget, 200*time.Millisecond)
	require.LessOrEqual(t, proc.batchBudget, 300*time.Millisecond)
}

func TestServer_Batch_RejectsEmptyAndOversized(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeProcessor{}, nil, Config{MaxBatch: 2}, zap.NewNop())
	rec := serve(t, server, http.MethodPost, "/v1/postings/batch", `{"urls":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, server, http.MethodPost, "/v1/postings/batch", `{"urls":["a","b","c"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "at most 2")
}

func TestServer_Lookup(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{records: map[string]pipeline.JobRecord{
		"https://jobs.example.com/1": {SourceURL: "https://jobs.example.com/1", Title: "Go Engineer"},
	}}
	server := newTestServer(proc)

	rec := serve(t, server, http.MethodGet, "/v1/postings/?url=https://jobs.example.com/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Go Engineer")

	rec = serve(t, server, http.MethodGet, "/v1/postings/?url=https://jobs.example.com/404", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, server, http.MethodGet, "/v1/postings/", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Lookup_StoreUnavailable(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{lookupErr: fmt.Errorf("dial: %w", pipeline.ErrStoreUnavailable)}
	rec := serve(t, newTestServer(proc), http.MethodGet, "/v1/postings/?url=https://jobs.example.com/1", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "StoreUnavailable")
	require.NotContains(t, rec.Body.String(), "dial")
}

func TestServer_Outreach(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{records: map[string]pipeline.JobRecord{
		"https://jobs.example.com/1": {SourceURL: "https://jobs.example.com/1", Title: "Go Engineer", Company: "Acme"},
	}}
	server := NewServer(proc, outreach.New(nil, 0, nil), Config{}, zap.NewNop())

	rec := serve(t, server, http.MethodPost, "/v1/postings/outreach", `{"url":"https://jobs.example.com/1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var got outreach.Drafts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.True(t, got.Fallback)
	require.Contains(t, got.Connection, outreach.NamePlaceholder)
	require.Contains(t, got.SearchURL, "keywords=Acme%20Go%20Engineer")

	rec = serve(t, server, http.MethodPost, "/v1/postings/outreach", `{"url":"https://jobs.example.com/2"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Outreach_NotConfigured(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeProcessor{}), http.MethodPost, "/v1/postings/outreach", `{"url":"x"}`)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{records: map[string]pipeline.JobRecord{"https://a.example/1": {Title: "x"}}}
	server := NewServer(proc, nil, Config{AuthEnabled: true, APIKey: "secret"}, zap.NewNop())

	rec := serve(t, server, http.MethodGet, "/v1/postings/?url=https://a.example/1", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/postings/?url=https://a.example/1", nil)
	req.Header.Set("X-API-Key", "secret")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rec = serve(t, server, http.MethodGet, "/v1/postings/?url=https://a.example/1&api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, server, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code, "health checks stay open")
}

func TestServer_Readiness(t *testing.T) {
	t.Parallel()

	var fail bool
	var mu sync.Mutex
	server := NewServer(&fakeProcessor{}, nil, Config{}, zap.NewNop(), WithReadiness(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("store down")
		}
		return nil
	}))

	require.Equal(t, http.StatusOK, serve(t, server, http.MethodGet, "/readyz", "").Code)
	mu.Lock()
	fail = true
	mu.Unlock()
	require.Equal(t, http.StatusServiceUnavailable, serve(t, server, http.MethodGet, "/readyz", "").Code)
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeProcessor{panicOnProcess: true}), http.MethodPost, "/v1/postings/", `{"url":"https://a.example/1"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeProcessor{}), http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	newTestServer(&fakeProcessor{}).Handler().ServeHTTP(rr, req)
	require.Equal(t, "req-123", rr.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected hijacker not supported error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func newTestServer(p Processor) *Server {
	return NewServer(p, nil, Config{}, zap.NewNop())
}

func serve(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func doneResult(url string, outcome pipeline.Outcome) pipeline.Result {
	return pipeline.Result{
		URL:      url,
		State:    pipeline.StateDone,
		Strategy: pipeline.StrategyHTTP,
		Outcome:  outcome,
		Record:   &pipeline.JobRecord{SourceURL: url, Title: "Go Engineer", Confidence: pipeline.ConfidenceHigh},
	}
}

type fakeProcessor struct {
	mu             sync.Mutex
	result         pipeline.Result
	batch          []pipeline.Result
	records        map[string]pipeline.JobRecord
	lookupErr      error
	panicOnProcess bool

	processed []string
	texts     []string
	lastOpts  pipeline.Options

	batchDelay  time.Duration
	batchBudget time.Duration
}

func (f *fakeProcessor) Process(_ context.Context, rawURL string, opts pipeline.Options) pipeline.Result {
	if f.panicOnProcess {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, rawURL)
	f.lastOpts = opts
	return f.result
}

func (f *fakeProcessor) ProcessText(_ context.Context, _ string, text string, opts pipeline.Options) pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.lastOpts = opts
	return f.result
}

func (f *fakeProcessor) RunBatch(ctx context.Context, _ []string, _ pipeline.Options) []pipeline.Result {
	if deadline, ok := ctx.Deadline(); ok {
		f.mu.Lock()
		f.batchBudget = time.Until(deadline)
		f.mu.Unlock()
	}
	time.Sleep(f.batchDelay)
	return f.batch
}

func (f *fakeProcessor) Lookup(_ context.Context, rawURL string) (pipeline.JobRecord, error) {
	if f.lookupErr != nil {
		return pipeline.JobRecord{}, f.lookupErr
	}
	rec, ok := f.records[strings.TrimSpace(rawURL)]
	if !ok {
		return pipeline.JobRecord{}, pipeline.ErrNotFound
	}
	return rec, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
