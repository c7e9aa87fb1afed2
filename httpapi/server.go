package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/isdmx/testbox/config"
	"github.com/isdmx/testbox/sandbox"
)

// maxBodyBytes bounds a request body. Inline files count against it.
const maxBodyBytes = 2 * sandbox.MaxArchiveBytes

// solutionFile is where code_to_test is written.
const solutionFile = "solution.py"

// Server is the REST surface of the sandbox.
type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	executor   sandbox.Executor
	downloader *Downloader
	router     chi.Router
	http       *http.Server
}

// executeRequest is the body of POST /execute_tests.
type executeRequest struct {
	Files             map[string]string `json:"files"`
	CodeToTest        string            `json:"code_to_test"`
	TestFilesURL      string            `json:"test_files_url"`
	Manifest          string            `json:"manifest"`
	ManifestFile      string            `json:"manifest_file"`
	Runner            string            `json:"runner"`
	Limits            map[string]any    `json:"limits"`
	TimeBudgetSeconds float64           `json:"time_budget_seconds"`
	TraceID           string            `json:"trace_id"`
}

// Option configures a Server.
type Option func(*Server)

// WithDownloader replaces the downloader used for test_files_url.
func WithDownloader(d *Downloader) Option {
	return func(s *Server) {
		s.downloader = d
	}
}

// New creates a new Server.
func New(cfg *config.Config, logger *zap.Logger, executor sandbox.Executor, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		executor:   executor,
		downloader: NewDownloader(http.DefaultClient, sandbox.MaxArchiveBytes),
		router:     chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.Recoverer)
	r.Use(traceID(s.logger))
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Post("/execute_tests", s.handleExecuteTests)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening on the configured port.
func (s *Server) Start() error {
	s.logger.Info("starting REST API", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down REST API")
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExecuteTests(w http.ResponseWriter, r *http.Request) {
	log := loggerFrom(r.Context(), s.logger)

	var body executeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	ctx := r.Context()
	if body.TraceID != "" && r.Header.Get(TraceHeader) == "" {
		ctx = withTraceID(ctx, s.logger, body.TraceID)
		log = loggerFrom(ctx, s.logger)
		w.Header().Set(TraceHeader, body.TraceID)
	}

	format := r.URL.Query().Get("format")
	if format != "" && format != sandbox.EncodingJSON && format != sandbox.EncodingYAML {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid format: %s, must be json or yaml", format))
		return
	}

	req, limits, err := s.buildRequest(ctx, body)
	if err != nil {
		log.Warn("rejected execute_tests request", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Fault != nil {
		log.Warn("test files unavailable", zap.Error(req.Fault))
	} else {
		log.Info("received request to execute tests",
			zap.String("runner", req.Runner),
			zap.Int("files", len(req.Files)),
			zap.Bool("has_manifest", req.Manifest != nil))
	}

	report := s.executor.Run(ctx, req, limits)

	var out bytes.Buffer
	if err := sandbox.Encode(&out, report, format); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if format == sandbox.EncodingYAML {
		w.Header().Set("Content-Type", "application/yaml")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Bytes())
}

// buildRequest assembles the payload. Archive contents come first, explicit
// files override them and code_to_test overrides both. A test archive that
// cannot be fetched is not a bad request: it is carried as the request's
// Fault so the caller still gets a report.
func (s *Server) buildRequest(ctx context.Context, body executeRequest) (sandbox.ExecutionRequest, sandbox.ExecutionLimits, error) {
	if body.TimeBudgetSeconds < 0 {
		return sandbox.ExecutionRequest{}, sandbox.ExecutionLimits{}, errors.New("time_budget_seconds must not be negative")
	}
	limits, err := sandbox.DecodeLimits(s.executor.DefaultLimits(), body.Limits)
	if err != nil {
		return sandbox.ExecutionRequest{}, sandbox.ExecutionLimits{}, err
	}

	req := sandbox.ExecutionRequest{
		Runner:     body.Runner,
		TimeBudget: time.Duration(body.TimeBudgetSeconds * float64(time.Second)),
	}
	if body.Manifest != "" {
		req.Manifest = &sandbox.DependencyManifest{Filename: body.ManifestFile, Content: body.Manifest}
	}

	files := make(map[string]string)
	if body.TestFilesURL != "" {
		if _, err := checkURL(body.TestFilesURL); err != nil {
			return sandbox.ExecutionRequest{}, sandbox.ExecutionLimits{}, err
		}
		extracted, err := s.downloader.Fetch(ctx, body.TestFilesURL)
		if err != nil {
			req.Fault = err
			return req, limits, nil
		}
		maps.Copy(files, extracted)
	}
	maps.Copy(files, body.Files)
	if body.CodeToTest != "" {
		files[solutionFile] = body.CodeToTest
	}
	if len(files) == 0 {
		return sandbox.ExecutionRequest{}, sandbox.ExecutionLimits{}, errors.New("one of files, code_to_test or test_files_url is required")
	}
	req.Files = files
	return req, limits, nil
}
