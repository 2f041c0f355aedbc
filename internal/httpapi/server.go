// Package httpapi exposes an Engine over HTTP: JSON endpoints for the
// validation and deduplication operations, Server-Sent Events for job
// progress and a Prometheus scrape endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/optimode/mailverify"
	"github.com/optimode/mailverify/internal/dedup"
	"github.com/optimode/mailverify/internal/jobs"
)

// maxBody caps request bodies; a batch of 100k addresses fits comfortably.
const maxBody = 32 << 20

// Engine is the part of *mailverify.Engine the API serves.
type Engine interface {
	ValidateOne(ctx context.Context, address string, timeout time.Duration) (mailverify.Result, error)
	SubmitBatch(ctx context.Context, addresses []string, concurrency int, timeout time.Duration) (string, error)
	GetProgress(ctx context.Context, jobID string) (mailverify.Progress, error)
	SubscribeProgress(ctx context.Context, jobID string) (<-chan mailverify.Progress, error)
	Cancel(jobID string) error
	CheckDuplicates(ctx context.Context, addresses []string) (mailverify.Partition, error)
	RecordBatch(ctx context.Context, addresses []string, verdicts []mailverify.Verdict) error
	Lookup(ctx context.Context, address string) (mailverify.EmailRecord, error)
	DedupStats(ctx context.Context) (mailverify.DedupStats, error)
	Ping(ctx context.Context) error
}

type Server struct {
	engine    Engine
	gatherer  prometheus.Gatherer
	log       zerolog.Logger
	heartbeat time.Duration
}

type Option func(*Server)

// WithGatherer serves g on /metrics. Default: prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.log = l } }

// WithHeartbeat sets the idle interval between SSE keep-alive comments.
func WithHeartbeat(d time.Duration) Option { return func(s *Server) { s.heartbeat = d } }

func New(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:    engine,
		gatherer:  prometheus.DefaultGatherer,
		log:       zerolog.Nop(),
		heartbeat: 30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/validate", s.handleValidate)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/{id}", s.handleProgress)
			r.Delete("/{id}", s.handleCancel)
			r.Get("/{id}/events", s.handleEvents)
		})

		r.Route("/dedup", func(r chi.Router) {
			r.Post("/check", s.handleCheckDuplicates)
			r.Post("/record", s.handleRecordBatch)
			r.Get("/stats", s.handleStats)
		})

		r.Get("/records/{address}", s.handleLookup)
	})
	return r
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps engine errors onto status codes.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, dedup.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobs.ErrJobTerminal), errors.Is(err, mailverify.ErrNotRunning):
		status = http.StatusConflict
	case errors.Is(err, mailverify.ErrEmptyBatch), errors.Is(err, dedup.ErrLengthMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, mailverify.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	respondError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
