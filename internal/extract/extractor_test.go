package extract

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

const completeJSON = `{
  "title": "Senior Go Engineer",
  "company": "Acme",
  "location": "Berlin, Germany",
  "seniority": "Senior",
  "skills": ["Go", "PostgreSQL", "go", "Kubernetes"],
  "description_summary": "Build the ingestion platform.",
  "salary": "$120k - $150k per year",
  "employment_type": "full-time",
  "responsibilities": ["Design pipelines", "Mentor engineers"]
}`

type reply struct {
	out string
	err error
}

type fakeCompleter struct {
	mu      sync.Mutex
	replies []reply
	prompts []string
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(f.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	next := f.replies[0]
	f.replies = f.replies[1:]
	return next.out, next.err
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time {
	return c.now
}

type fakeObserver struct {
	seen []pipeline.Confidence
}

func (o *fakeObserver) ObserveExtraction(c pipeline.Confidence) {
	o.seen = append(o.seen, c)
}

var testNow = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

func newTestExtractor(t *testing.T, replies ...reply) (*Extractor, *fakeCompleter) {
	t.Helper()
	completer := &fakeCompleter{replies: replies}
	e, err := New(completer, fakeClock{now: testNow}, Config{
		CompletionTimeout: time.Second,
		RetryDelay:        time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return e, completer
}

func testDoc() pipeline.NormalizedDocument {
	return pipeline.NormalizedDocument{URL: "https://acme.example/jobs/1", CleanText: "Senior Go Engineer at Acme in Berlin."}
}

func TestExtract_HighConfidence(t *testing.T) {
	t.Parallel()

	e, completer := newTestExtractor(t, reply{out: completeJSON})
	rec, err := e.Extract(context.Background(), testDoc())
	require.NoError(t, err)

	require.Equal(t, 1, completer.calls())
	require.Equal(t, pipeline.ConfidenceHigh, rec.Confidence)
	require.Equal(t, "Senior Go Engineer", rec.Title)
	require.Equal(t, "senior", rec.Seniority)
	require.Equal(t, []string{"Go", "Kubernetes", "PostgreSQL"}, rec.Skills)
	require.Equal(t, &pipeline.SalaryRange{Min: 120000, Max: 150000, Currency: "USD", Period: "year"}, rec.Salary)
	require.Equal(t, "$120k - $150k per year", rec.SalaryText)
	require.Equal(t, []string{"Design pipelines", "Mentor engineers"}, rec.Responsibilities)
	require.Equal(t, testNow, rec.ExtractedAt)
	require.Contains(t, completer.prompts[0], "Senior Go Engineer at Acme in Berlin.")
	require.Contains(t, completer.prompts[0], `"description_summary"`)
}

func TestExtract_ToleratesFencesAndProse(t *testing.T) {
	t.Parallel()

	e, _ := newTestExtractor(t, reply{out: "Here is the record:\n```json\n" + completeJSON + "\n```\nLet me know!"})
	rec, err := e.Extract(context.Background(), testDoc())
	require.NoError(t, err)
	require.Equal(t, pipeline.ConfidenceHigh, rec.Confidence)
}

func TestExtract_MissingTitleRepairsExactlyOnce(t *testing.T) {
	t.Parallel()

	noTitle := `{"company":"Acme","location":"Remote","seniority":"mid","skills":["Go"],"description_summary":"APIs."}`
	e, completer := newTestExtractor(t, reply{out: noTitle}, reply{out: noTitle})

	rec, err := e.Extract(context.Background(), testDoc())
	require.NoError(t, err)
	require.Equal(t, 2, completer.calls())
	require.Contains(t, completer.prompts[1], "missing title")
	require.Equal(t, pipeline.Unknown, rec.Title)
	require.Equal(t, "Acme", rec.Company)
	require.Equal(t, pipeline.ConfidencePartial, rec.Confidence)
}

func TestExtract_RepairFixesMalformedOutput(t *testing.T) {
	t.Parallel()

	e, completer := newTestExtractor(t, reply{out: `{"title": "Senior Go Engineer", "company": `}, reply{out: completeJSON})
	rec, err := e.Extract(context.Background(), testDoc())
	require.NoError(t, err)
	require.Equal(t, 2, completer.calls())
	require.Contains(t, completer.prompts[1], `"title": "Senior Go Engineer", "company":`)
	require.Equal(t, pipeline.ConfidenceHigh, rec.Confidence)
}

func TestExtract_RepairFillsOnlyGaps(t *testing.T) {
	t.Parallel()

	first := `{"title":"Data Engineer","company":"unknown","location":"Paris","seniority":"junior","skills":["SQL"],"description_summary":"Pipelines."}`
	second := `{"company":"Globex"}`
	e, _ := newTestExtractor(t, reply{out: first}, reply{out: second})

	rec, err := e.Extract(context.Background(), testDoc())
	require.NoError(t, err)
	require.Equal(t, "Data Engineer", rec.Title)
	require.Equal(t, "Globex", rec.Company)
	require.Equal(t, pipeline.ConfidenceHigh, rec.Confidence)
}

func TestExtract_MalformedTwice(t *testing.T) {
	t.Parallel()

	e, completer := newTestExtractor(t, reply{out: "I cannot help with that."}, reply{out: "still not json"})
	_, err := e.Extract(context.Background(), testDoc())
	require.ErrorIs(t, err, pipeline.ErrExtractionMalformed)
	require.Equal(t, pipeline.ReasonExtractionMalformed, pipeline.ReasonFor(err))
	require.Equal(t, 2, completer.calls())
}

func TestExtract_ConfidenceThresholds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
		want pipeline.Confidence
	}{
		{
			name: "half missing is partial",
			json: `{"title":"SRE","company":"Acme","location":"unknown","seniority":"N/A","skills":[],"description_summary":"Keep things up."}`,
			want: pipeline.ConfidencePartial,
		},
		{
			name: "more than half missing fails",
			json: `{"title":"SRE","company":"Acme","location":"unknown","seniority":"","skills":[]}`,
			want: pipeline.ConfidenceFailed,
		},
		{
			name: "skills as a string is not well typed",
			json: `{"title":"SRE","company":"Acme","location":"Remote","seniority":"senior","skills":"Go, Terraform","description_summary":"Infra."}`,
			want: pipeline.ConfidencePartial,
		},
		{
			name: "unreadable required values count as missing",
			json: `{"title":["Engineer"],"company":{"name":"Acme"},"location":"unknown","seniority":"","skills":["Go"],"description_summary":"Infra."}`,
			want: pipeline.ConfidenceFailed,
		},
		{
			name: "numeric title is not well typed",
			json: `{"title":42,"company":"Acme","location":"Remote","seniority":"senior","skills":["Go"],"description_summary":"Infra."}`,
			want: pipeline.ConfidencePartial,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, completer := newTestExtractor(t, reply{out: tt.json}, reply{out: tt.json})
			rec, err := e.Extract(context.Background(), testDoc())
			require.Equal(t, tt.want, rec.Confidence)
			require.Equal(t, 2, completer.calls())
			if tt.want == pipeline.ConfidenceFailed {
				require.ErrorIs(t, err, pipeline.ErrExtractionIncomplete)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestExtract_SkillsStringIsSplit(t *testing.T) {
	t.Parallel()

	js := `{"title":"SRE","company":"Acme","location":"Remote","seniority":"senior","skills":"Go, Terraform; AWS","description_summary":"Infra."}`
	e, _ := newTestExtractor(t, reply{out: js}, reply{out: js})
	rec, err := e.Extract(context.Background(), testDoc())
	require.NoError(t, err)
	require.Equal(t, []string{"AWS", "Go", "Terraform"}, rec.Skills)
}

func TestExtract_RetriesCompletionOnce(t *testing.T) {
	t.Parallel()

	e, completer := newTestExtractor(t, reply{err: errors.New("429 rate limited")}, reply{out: completeJSON})
	rec, err := e.Extract(context.Background(), testDoc())
	require.NoError(t, err)
	require.Equal(t, pipeline.ConfidenceHigh, rec.Confidence)
	require.Equal(t, 2, completer.calls())
}

func TestExtract_CompletionUnavailable(t *testing.T) {
	t.Parallel()

	boom := errors.New("503 service unavailable")
	e, completer := newTestExtractor(t, reply{err: boom}, reply{err: boom}, reply{out: completeJSON})
	_, err := e.Extract(context.Background(), testDoc())
	require.ErrorIs(t, err, pipeline.ErrExtractionUnavailable)
	require.Equal(t, 2, completer.calls())
}

func TestExtract_CallerCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e, completer := newTestExtractor(t, reply{out: completeJSON})
	_, err := e.Extract(ctx, testDoc())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, completer.calls())
}

func TestExtract_EmptyDocumentNeverCallsModel(t *testing.T) {
	t.Parallel()

	e, completer := newTestExtractor(t)
	_, err := e.Extract(context.Background(), pipeline.NormalizedDocument{URL: "https://x.example"})
	require.ErrorIs(t, err, pipeline.ErrEmptyContent)
	require.Zero(t, completer.calls())
}

func TestExtract_ReportsConfidence(t *testing.T) {
	t.Parallel()

	obs := &fakeObserver{}
	e, err := New(&fakeCompleter{replies: []reply{{out: completeJSON}}}, fakeClock{now: testNow}, Config{}, nil, WithObserver(obs))
	require.NoError(t, err)
	_, err = e.Extract(context.Background(), testDoc())
	require.NoError(t, err)
	require.Equal(t, []pipeline.Confidence{pipeline.ConfidenceHigh}, obs.seen)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(nil, fakeClock{}, Config{}, nil)
	require.Error(t, err)
	_, err = New(&fakeCompleter{}, nil, Config{}, nil)
	require.Error(t, err)
}
