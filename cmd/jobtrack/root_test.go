package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/bcrypt"

	"github.com/JakeFAU/jobtrack/internal/config"
	"github.com/JakeFAU/jobtrack/internal/credentials"
	"github.com/JakeFAU/jobtrack/internal/outreach"
	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

type fakeApp struct {
	mu       sync.Mutex
	results  map[string]pipeline.Result
	records  map[string]pipeline.JobRecord
	texts    []string
	batched  []string
	opts     pipeline.Options
	closed   bool
	password string
}

func newFakeApp() *fakeApp {
	return &fakeApp{results: map[string]pipeline.Result{}, records: map[string]pipeline.JobRecord{}}
}

func (f *fakeApp) Process(_ context.Context, rawURL string, opts pipeline.Options) pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = opts
	return f.result(rawURL)
}

func (f *fakeApp) ProcessText(_ context.Context, rawURL, text string, opts pipeline.Options) pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.opts = opts
	return f.result(rawURL)
}

func (f *fakeApp) RunBatch(_ context.Context, urls []string, opts pipeline.Options) []pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batched = append(f.batched, urls...)
	f.opts = opts
	out := make([]pipeline.Result, 0, len(urls))
	for _, u := range urls {
		out = append(out, f.result(u))
	}
	return out
}

func (f *fakeApp) result(rawURL string) pipeline.Result {
	if res, ok := f.results[rawURL]; ok {
		return res
	}
	return pipeline.Result{URL: rawURL, State: pipeline.StateDone, Outcome: pipeline.OutcomeCreated}
}

func (f *fakeApp) Lookup(_ context.Context, rawURL string) (pipeline.JobRecord, error) {
	rec, ok := f.records[rawURL]
	if !ok {
		return pipeline.JobRecord{}, pipeline.ErrNotFound
	}
	return rec, nil
}

func (f *fakeApp) Generate(ctx context.Context, rec pipeline.JobRecord) outreach.Drafts {
	return outreach.New(nil, 0, nil).Generate(ctx, rec)
}

func (f *fakeApp) Run(context.Context) error { return nil }

func (f *fakeApp) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func execute(t *testing.T, app *fakeApp, stdin string, args ...string) (string, error) {
	t.Helper()
	factory := func(_ context.Context, _ config.Config, req credentials.Request) (App, error) {
		app.password = req.Password
		return app, nil
	}
	cmd := newRootCmd(factory)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeResults(t *testing.T, out string) []pipeline.Result {
	t.Helper()
	var results []pipeline.Result
	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var res pipeline.Result
		require.NoError(t, dec.Decode(&res))
		results = append(results, res)
	}
	return results
}

func TestIngest_SingleURL(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	out, err := execute(t, app, "", "ingest", "--force", "--password", "pw", "https://jobs.example.com/1")
	require.NoError(t, err)

	results := decodeResults(t, out)
	require.Len(t, results, 1)
	require.Equal(t, pipeline.StateDone, results[0].State)
	require.True(t, app.opts.Force)
	require.True(t, app.closed)
	require.Equal(t, "pw", app.password)
}

func TestIngest_BatchReportsFailure(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	app.results["https://b.example/2"] = pipeline.Result{
		URL: "https://b.example/2", State: pipeline.StateFailed, FailedAt: pipeline.StateFetching, Reason: pipeline.ReasonFetchBlocked,
	}
	out, err := execute(t, app, "", "ingest", "https://a.example/1", "https://b.example/2")
	require.ErrorIs(t, err, errIngestFailed)

	results := decodeResults(t, out)
	require.Len(t, results, 2)
	require.Equal(t, pipeline.ReasonFetchBlocked, results[1].Reason)
	require.Equal(t, []string{"https://a.example/1", "https://b.example/2"}, app.batched)
}

func TestIngest_TextFromFileAndStdin(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "posting.txt")
	require.NoError(t, os.WriteFile(path, []byte("Go Engineer at Acme"), 0o600))

	app := newFakeApp()
	_, err := execute(t, app, "", "ingest", "--text", path, "--url", "https://jobs.example.com/9")
	require.NoError(t, err)
	_, err = execute(t, app, "Pasted from stdin", "ingest", "--text", "-")
	require.NoError(t, err)
	require.Equal(t, []string{"Go Engineer at Acme", "Pasted from stdin"}, app.texts)
}

func TestIngest_ArgumentErrors(t *testing.T) {
	t.Parallel()

	_, err := execute(t, newFakeApp(), "", "ingest")
	require.Error(t, err)
	_, err = execute(t, newFakeApp(), "", "ingest", "--text", "-", "https://a.example/1")
	require.Error(t, err)
}

func TestOutreach(t *testing.T) {
	t.Parallel()

	app := newFakeApp()
	app.records["https://jobs.example.com/1"] = pipeline.JobRecord{
		SourceURL: "https://jobs.example.com/1", Title: "Go Engineer", Company: "Acme",
	}

	out, err := execute(t, app, "", "outreach", "https://jobs.example.com/1")
	require.NoError(t, err)
	require.Contains(t, out, "Connection note (")
	require.Contains(t, out, "People search: https://www.linkedin.com/search/results/people/?keywords=Acme%20Go%20Engineer")

	out, err = execute(t, app, "", "outreach", "--json", "https://jobs.example.com/1")
	require.NoError(t, err)
	var drafts outreach.Drafts
	require.NoError(t, json.Unmarshal([]byte(out), &drafts))
	require.Equal(t, "https://jobs.example.com/1", drafts.SourceURL)

	_, err = execute(t, app, "", "outreach", "https://jobs.example.com/404")
	require.ErrorContains(t, err, "run ingest first")
}

func TestFactoryErrorPropagates(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd(func(context.Context, config.Config, credentials.Request) (App, error) {
		return nil, errors.New("boom")
	})
	cmd.SetArgs([]string{"--env-file", "", "serve"})
	cmd.SetOut(&bytes.Buffer{})
	require.ErrorContains(t, cmd.ExecuteContext(context.Background()), "boom")
}

func TestVersion(t *testing.T) {
	t.Parallel()

	out, err := execute(t, newFakeApp(), "", "version")
	require.NoError(t, err)
	require.Equal(t, "jobtrack dev\n", out)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("JOBTRACK_TEST_ENV_VALUE=from-dotenv\n"), 0o600))
	t.Cleanup(func() { require.NoError(t, os.Unsetenv("JOBTRACK_TEST_ENV_VALUE")) })

	require.NoError(t, loadEnvFile(path))
	require.Equal(t, "from-dotenv", os.Getenv("JOBTRACK_TEST_ENV_VALUE"))
	require.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

// The keyring mock is process-wide, so these run serially.
func TestKeysCommands(t *testing.T) {
	keyring.MockInit()

	out, err := execute(t, newFakeApp(), "", "keys", "set", "--llm-key", "shared-key")
	require.NoError(t, err)
	require.Contains(t, out, "stored")
	got, err := keyring.Get(credentials.KeyringService, credentials.AccountLLMKey)
	require.NoError(t, err)
	require.Equal(t, "shared-key", got)

	_, err = execute(t, newFakeApp(), "", "keys", "delete")
	require.NoError(t, err)
	_, err = keyring.Get(credentials.KeyringService, credentials.AccountLLMKey)
	require.ErrorIs(t, err, keyring.ErrNotFound)

	_, err = execute(t, newFakeApp(), "", "keys", "set")
	require.Error(t, err)
}

func TestKeysHashPassword(t *testing.T) {
	t.Parallel()

	out, err := execute(t, newFakeApp(), "", "keys", "hash-password", "open-sesame")
	require.NoError(t, err)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("open-sesame")))
}
