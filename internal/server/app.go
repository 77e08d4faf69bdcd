// Package server builds the jobtrack services from configuration and runs the
// HTTP server over them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobtrack/internal/api"
	gcsarchive "github.com/JakeFAU/jobtrack/internal/archive/gcs"
	localarchive "github.com/JakeFAU/jobtrack/internal/archive/local"
	memoryarchive "github.com/JakeFAU/jobtrack/internal/archive/memory"
	"github.com/JakeFAU/jobtrack/internal/clock/system"
	"github.com/JakeFAU/jobtrack/internal/config"
	"github.com/JakeFAU/jobtrack/internal/credentials"
	"github.com/JakeFAU/jobtrack/internal/extract"
	"github.com/JakeFAU/jobtrack/internal/fetcher"
	collyfetcher "github.com/JakeFAU/jobtrack/internal/fetcher/colly"
	"github.com/JakeFAU/jobtrack/internal/fetcher/detector"
	headlessfetcher "github.com/JakeFAU/jobtrack/internal/fetcher/headless"
	"github.com/JakeFAU/jobtrack/internal/hash/sha256"
	"github.com/JakeFAU/jobtrack/internal/id/uuid"
	"github.com/JakeFAU/jobtrack/internal/llm"
	"github.com/JakeFAU/jobtrack/internal/logging"
	"github.com/JakeFAU/jobtrack/internal/metrics"
	"github.com/JakeFAU/jobtrack/internal/normalize"
	"github.com/JakeFAU/jobtrack/internal/outreach"
	"github.com/JakeFAU/jobtrack/internal/pipeline"
	"github.com/JakeFAU/jobtrack/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/jobtrack/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/jobtrack/internal/publisher/pubsub"
	"github.com/JakeFAU/jobtrack/internal/store"
	memorystore "github.com/JakeFAU/jobtrack/internal/store/memory"
	mongostore "github.com/JakeFAU/jobtrack/internal/store/mongo"
	notionstore "github.com/JakeFAU/jobtrack/internal/store/notion"
	pgstore "github.com/JakeFAU/jobtrack/internal/store/postgres"
	sqlitestore "github.com/JakeFAU/jobtrack/internal/store/sqlite"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	recorder  metrics.Recorder
	creds     credentials.Credentials
	completer llm.Completer

	pipeline  *pipeline.Pipeline
	outreach  *outreach.Generator
	apiServer *api.Server

	store     store.Backend
	gcs       *storage.Client
	publisher pipeline.Publisher
	topic     string
	closePub  func() error
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger    *zap.Logger
	request   credentials.Request
	completer llm.Completer
}

// WithLogger uses logger instead of building one from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) {
		o.logger = logger
	}
}

// WithCredentials supplies caller keys or the shared-set password.
func WithCredentials(req credentials.Request) Option {
	return func(o *buildOptions) {
		o.request = req
	}
}

// WithCompleter bypasses provider construction.
func WithCompleter(c llm.Completer) Option {
	return func(o *buildOptions) {
		o.completer = c
	}
}

// Build creates the application's dependencies. Partially built resources
// are released when a later step fails.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}

	type sanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Store      string `json:"store"`
		Provider   string `json:"llm_provider"`
		Headless   bool   `json:"headless"`
	}
	logger.Info("building application dependencies", zap.Any("config", sanitizedConfig{
		ServerPort: cfg.Server.Port,
		Store:      cfg.Store.Backend,
		Provider:   cfg.LLM.Provider,
		Headless:   cfg.Headless.Enabled,
	}))

	app := &App{cfg: cfg, logger: logger, recorder: metrics.NewRecorder()}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	if err = app.setupCredentials(o.request); err != nil {
		return nil, err
	}
	if err = app.setupCompleter(ctx, o.completer); err != nil {
		return nil, err
	}
	contentFetcher, err := app.setupFetcher()
	if err != nil {
		return nil, err
	}
	extractor, err := extract.New(app.completer, system.New(), extract.Config{
		CompletionTimeout: config.Seconds(cfg.Extract.CompletionTimeoutSec),
		Retries:           cfg.Extract.Retries,
		RetryDelay:        config.Millis(cfg.Extract.RetryDelayMs),
	}, logger, extract.WithObserver(app.recorder))
	if err != nil {
		return nil, fmt.Errorf("extractor init failed: %w", err)
	}
	if err = app.setupStore(ctx); err != nil {
		return nil, err
	}
	archive, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}

	app.pipeline, err = pipeline.New(pipeline.Deps{
		Fetcher:    contentFetcher,
		Normalizer: app.setupNormalizer(),
		Extractor:  extractor,
		Store:      app.store,
		Archive:    archive,
		Publisher:  app.publisher,
		Hasher:     sha256.New(),
		Clock:      system.New(),
		Observer:   app.recorder,
	}, pipeline.Config{
		Timeout:       cfg.PipelineTimeout(),
		Concurrency:   cfg.Pipeline.Concurrency,
		ArchivePrefix: cfg.Archive.Prefix,
		Topic:         app.topic,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	app.outreach = outreach.New(app.completer, config.Seconds(cfg.Extract.CompletionTimeoutSec), logger)
	app.apiServer = api.NewServer(app.pipeline, app.outreach, api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.PipelineTimeout() + 10*time.Second,
		Concurrency:    cfg.Pipeline.Concurrency,
	}, logger, api.WithReadiness(app.ready))

	logger.Info("application dependencies built", zap.String("credentials", string(app.creds.Source)))
	return app, nil
}

// Pipeline returns the extraction pipeline.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Outreach returns the outreach draft generator.
func (a *App) Outreach() *outreach.Generator {
	return a.outreach
}

// Handler returns the HTTP handler of the API server.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run serves HTTP and blocks until the context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases connections and flushes the logger.
func (a *App) Close() error {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.closePub != nil {
		if err := a.closePub(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
		a.closePub = nil
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcs = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("record store close failed", zap.Error(err))
		}
		a.store = nil
	}
}

// ready checks the record store; a missing record means it answered.
func (a *App) ready(ctx context.Context) error {
	if a.store == nil {
		return errors.New("record store closed")
	}
	_, err := a.store.Get(ctx, "https://readyz.invalid/")
	if err == nil || errors.Is(err, pipeline.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("record store: %w", err)
}

func (a *App) setupCredentials(req credentials.Request) error {
	if req.LLMAPIKey == "" {
		req.LLMAPIKey = a.cfg.LLM.APIKey
	}
	if req.NotionToken == "" {
		req.NotionToken = a.cfg.Store.Notion.Token
	}
	if req.NotionDatabaseID == "" {
		req.NotionDatabaseID = a.cfg.Store.Notion.DatabaseID
	}
	creds, err := credentials.Resolve(credentials.Config{
		PasswordHash: a.cfg.Credentials.PasswordHash,
		UseKeyring:   a.cfg.Credentials.UseKeyring,
		Shared: credentials.Credentials{
			LLMAPIKey:        a.cfg.Credentials.SharedLLMKey,
			NotionToken:      a.cfg.Credentials.SharedNotion,
			NotionDatabaseID: a.cfg.Credentials.SharedNotionDBID,
		},
	}, req)
	if err != nil {
		return fmt.Errorf("resolve credentials: %w", err)
	}
	a.creds = creds
	return nil
}

func (a *App) setupCompleter(ctx context.Context, injected llm.Completer) error {
	if injected != nil {
		a.completer = injected
		return nil
	}
	completer, err := llm.New(ctx, llm.Config{
		Provider:    a.cfg.LLM.Provider,
		Model:       a.cfg.LLM.Model,
		APIKey:      a.creds.LLMAPIKey,
		Temperature: a.cfg.LLM.Temperature,
		MaxTokens:   a.cfg.LLM.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("llm init failed: %w", err)
	}
	a.logger.Info("using llm provider", zap.String("provider", a.cfg.LLM.Provider), zap.String("model", a.cfg.LLM.Model))
	a.completer = completer
	return nil
}

func (a *App) setupFetcher() (*fetcher.ContentFetcher, error) {
	cfg := a.cfg
	httpStrategy := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		MaxBodyBytes:  cfg.Fetch.MaxBodyBytes,
	})
	a.logger.Info("using colly http fetcher", zap.String("user_agent", cfg.Fetch.UserAgent))

	var render fetcher.Strategy = headlessfetcher.NewNoop()
	if cfg.Headless.Enabled {
		chrome, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: config.Seconds(cfg.Headless.NavTimeoutSec),
			SettleTimeout:     config.Millis(cfg.Headless.SettleMs),
			ExecPath:          cfg.Headless.ExecPath,
			NoSandbox:         cfg.Headless.NoSandbox,
		}, a.recorder)
		if err != nil {
			a.logger.Warn("headless fetcher init failed, rendering disabled", zap.Error(err))
		} else {
			render = chrome
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.DefaultBurst,
		PerHost:      cfg.RateLimit.HostRates(),
	}, metrics.ObserveRateLimitDelay)
	a.logger.Info("rate limiter enabled",
		zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
		zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
		zap.Int("host_overrides", len(cfg.RateLimit.PerHost)),
	)

	f, err := fetcher.New(httpStrategy, render,
		detector.NewHeuristic(cfg.Fetch.MinContentBytes, cfg.Fetch.BlockMarkers),
		fetcher.Config{
			Timeout:     cfg.FetchTimeout(),
			HTTPRetries: cfg.Fetch.HTTPRetries,
			RetryDelay:  config.Millis(cfg.Fetch.RetryDelayMs),
		},
		a.logger,
		fetcher.WithLimiter(limiter),
		fetcher.WithObserver(a.recorder),
	)
	if err != nil {
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}
	return f, nil
}

func (a *App) setupNormalizer() *normalize.Normalizer {
	var lang normalize.LanguageDetector
	if a.cfg.Normalize.DetectLang {
		lang = normalize.NewLingua(normalize.ParseLanguages(a.cfg.Normalize.Languages)...)
	}
	return normalize.New(normalize.Config{
		MinRawBytes:  a.cfg.Normalize.MinRawBytes,
		MinTextChars: a.cfg.Normalize.MinTextChars,
		MaxChars:     a.cfg.Normalize.MaxChars,
	}, lang)
}

func (a *App) setupStore(ctx context.Context) error {
	cfg := a.cfg.Store
	ids := uuid.NewUUIDGenerator()
	var (
		backend store.Backend
		err     error
	)
	switch cfg.Backend {
	case config.StoreMemory:
		backend = memorystore.New(ids)
	case config.StoreSQLite:
		backend, err = sqlitestore.Open(ctx, sqlitestore.Config{
			Path:        cfg.SQLite.Path,
			LockTimeout: config.Seconds(cfg.SQLite.LockTimeoutSec),
		}, ids, a.logger)
	case config.StorePostgres:
		backend, err = pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: config.Seconds(cfg.Postgres.MaxConnLifetime),
			Migrate:         cfg.Postgres.Migrate,
		}, ids)
	case config.StoreMongo:
		backend, err = mongostore.New(ctx, mongostore.Config{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
			Timeout:    config.Seconds(cfg.Mongo.TimeoutSec),
		}, ids, system.New(), a.logger)
	case config.StoreNotion:
		backend, err = a.setupNotion(ctx, ids)
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return fmt.Errorf("%s store init failed: %w", cfg.Backend, err)
	}
	a.logger.Info("record store initialized", zap.String("backend", cfg.Backend))
	a.store = store.NewRetrying(backend, cfg.Retries, config.Millis(cfg.RetryDelayMs), a.logger,
		store.WithObserver(a.recorder))
	return nil
}

func (a *App) setupNotion(ctx context.Context, ids pipeline.IDGenerator) (store.Backend, error) {
	cfg := a.cfg.Store.Notion
	ns, err := notionstore.New(notionstore.Config{
		Token:      a.creds.NotionToken,
		DatabaseID: a.creds.NotionDatabaseID,
		BaseURL:    cfg.BaseURL,
		Timeout:    config.Seconds(cfg.TimeoutSec),
	}, ids, a.logger)
	if err != nil {
		return nil, err
	}
	if cfg.EnsureSchema {
		if err := ns.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure notion schema: %w", err)
		}
	}
	return ns, nil
}

func (a *App) setupArchive(ctx context.Context) (pipeline.BlobStore, error) {
	cfg := a.cfg.Archive
	switch cfg.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		blobs, err := gcsarchive.New(client, gcsarchive.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.logger.Info("archiving raw pages to GCS", zap.String("bucket", cfg.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localarchive.New(localarchive.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving raw pages locally", zap.String("path", cfg.LocalDir))
		return blobs, nil
	case "memory":
		a.logger.Info("archiving raw pages in memory")
		return memoryarchive.NewBlobStore(), nil
	default:
		a.logger.Info("raw page archiving disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		pub := memorypublisher.New()
		a.publisher = pub
		a.topic = a.cfg.PubSub.TopicName
		if a.topic == "" {
			a.topic = memorypublisher.DefaultTopic
		}
		a.closePub = pub.Close
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.topic = a.cfg.PubSub.TopicName
	a.closePub = pub.Close
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}
