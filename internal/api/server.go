package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobtrack/internal/metrics"
	"github.com/JakeFAU/jobtrack/internal/outreach"
	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

const (
	defaultMaxBatch   = 50
	maxRequestBytes   = 4 << 20
	defaultReqTimeout = 5 * time.Minute
)

// Processor is the subset of the pipeline the HTTP layer drives.
type Processor interface {
	Process(ctx context.Context, rawURL string, opts pipeline.Options) pipeline.Result
	ProcessText(ctx context.Context, rawURL, text string, opts pipeline.Options) pipeline.Result
	RunBatch(ctx context.Context, urls []string, opts pipeline.Options) []pipeline.Result
	Lookup(ctx context.Context, rawURL string) (pipeline.JobRecord, error)
}

// Drafter produces outreach drafts for a stored record.
type Drafter interface {
	Generate(ctx context.Context, rec pipeline.JobRecord) outreach.Drafts
}

// Config controls server behavior.
type Config struct {
	AuthEnabled bool
	APIKey      string
	MaxBatch    int
	// RequestTimeout bounds the work for a single URL.
	RequestTimeout time.Duration
	// Concurrency is how many batch URLs the pipeline runs at once. It sizes
	// the batch deadline.
	Concurrency int
}

// Server wires HTTP routes to the pipeline.
type Server struct {
	router   chi.Router
	pipeline Processor
	drafter  Drafter
	cfg      Config
	logger   *zap.Logger
	ready    func(context.Context) error
}

// Option customizes a Server.
type Option func(*Server)

// WithReadiness sets the check behind /readyz.
func WithReadiness(check func(context.Context) error) Option {
	return func(s *Server) {
		s.ready = check
	}
}

// NewServer builds a Server with routes and middleware attached.
func NewServer(p Processor, drafter Drafter, cfg Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultReqTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	s := &Server{
		router:   chi.NewRouter(),
		pipeline: p,
		drafter:  drafter,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Handler exposes the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	metrics.Init()
	s.router.Use(requestIDMiddleware)
	s.router.Use(metrics.Middleware)
	s.router.Use(loggingMiddleware(s.logger))
	s.router.Use(recoverMiddleware(s.logger))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/v1/postings", func(r chi.Router) {
		if s.cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(s.cfg.APIKey))
		}
		// Batches set their own deadline from their size.
		r.Post("/batch", s.handleBatch)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(s.cfg.RequestTimeout))
			r.Post("/", s.handleIngest)
			r.Get("/", s.handleLookup)
			r.Post("/outreach", s.handleOutreach)
		})
	})
}

type ingestRequest struct {
	URL   string `json:"url"`
	Text  string `json:"text"`
	Force bool   `json:"force"`
}

type batchRequest struct {
	URLs  []string `json:"urls"`
	Force bool     `json:"force"`
}

type batchResponse struct {
	Results []pipeline.Result `json:"results"`
	Done    int               `json:"done"`
	Failed  int               `json:"failed"`
}

type outreachRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" && strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "url or text is required")
		return
	}

	opts := pipeline.Options{Force: req.Force}
	var res pipeline.Result
	if strings.TrimSpace(req.Text) != "" {
		res = s.pipeline.ProcessText(r.Context(), req.URL, req.Text, opts)
	} else {
		res = s.pipeline.Process(r.Context(), req.URL, opts)
	}
	writeJSON(w, statusFor(res), res)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls is required")
		return
	}
	if len(req.URLs) > s.cfg.MaxBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d urls per batch", s.cfg.MaxBatch))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.batchTimeout(len(req.URLs)))
	defer cancel()
	results := s.pipeline.RunBatch(ctx, req.URLs, pipeline.Options{Force: req.Force})
	resp := batchResponse{Results: results}
	for _, res := range results {
		if res.State == pipeline.StateDone {
			resp.Done++
		} else {
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// batchTimeout allows one request budget per round of concurrent URLs.
func (s *Server) batchTimeout(n int) time.Duration {
	rounds := (n + s.cfg.Concurrency - 1) / s.cfg.Concurrency
	return time.Duration(rounds) * s.cfg.RequestTimeout
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	rawURL := strings.TrimSpace(r.URL.Query().Get("url"))
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	rec, ok := s.lookup(r.Context(), w, rawURL)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleOutreach(w http.ResponseWriter, r *http.Request) {
	if s.drafter == nil {
		writeError(w, http.StatusNotImplemented, "outreach is not configured")
		return
	}
	var req outreachRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	rec, ok := s.lookup(r.Context(), w, req.URL)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.drafter.Generate(r.Context(), rec))
}

func (s *Server) lookup(ctx context.Context, w http.ResponseWriter, rawURL string) (pipeline.JobRecord, bool) {
	rec, err := s.pipeline.Lookup(ctx, rawURL)
	switch {
	case err == nil:
		return rec, true
	case errors.Is(err, pipeline.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, pipeline.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, "invalid url")
	default:
		s.logger.Error("lookup failed", zap.String("url", rawURL), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, string(pipeline.ReasonFor(err)))
	}
	return pipeline.JobRecord{}, false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps a pipeline result onto an HTTP status code.
func statusFor(res pipeline.Result) int {
	switch {
	case res.State == pipeline.StateDone && res.Outcome == pipeline.OutcomeCreated:
		return http.StatusCreated
	case res.State == pipeline.StateDone:
		return http.StatusOK
	case res.Reason == pipeline.ReasonInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
