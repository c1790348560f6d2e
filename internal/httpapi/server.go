// Package httpapi exposes resolution, source health and Prometheus metrics
// over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"pricewatcher/internal/metrics"
	"pricewatcher/internal/resolver"
)

// StatusReporter is the read-only view of resolver state.
type StatusReporter interface {
	HealthStatus() map[string]resolver.SourceStatus
	CacheStats() resolver.CacheStats
	Order() []string
}

// Options configure the listener.
type Options struct {
	Listen          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server serves the API.
type Server struct {
	resolver resolver.ValueResolver
	status   StatusReporter
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	opts     Options
	router   *mux.Router
}

// New builds the router. m may be nil, in which case /metrics is not
// mounted and requests are not instrumented.
func New(opts Options, res resolver.ValueResolver, status StatusReporter, m *metrics.Metrics, logger zerolog.Logger) *Server {
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		resolver: res,
		status:   status,
		metrics:  m,
		logger:   logger.With().Str("component", "httpapi").Logger(),
		opts:     opts,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	if s.metrics != nil {
		r.Use(func(next http.Handler) http.Handler {
			return s.metrics.InstrumentHandler(next, routeTemplate)
		})
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/prices/{identifier}", s.handleGetPrice).Methods(http.MethodGet)
	r.HandleFunc("/sources", s.handleSources).Methods(http.MethodGet)
	r.HandleFunc("/sources/health", s.handleSourceHealth).Methods(http.MethodGet)
	r.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	return r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Listen,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("http server started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["identifier"]
	res, err := s.resolver.Resolve(r.Context(), id)
	if err != nil {
		if errors.Is(err, resolver.ErrInvalidIdentifier) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{Identifier: id, ValueResult: res, Resolved: res.IsResolved()})
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"order": s.status.Order()})
}

func (s *Server) handleSourceHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status.HealthStatus())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status.CacheStats())
}

type priceResponse struct {
	Identifier string `json:"identifier"`
	resolver.ValueResult
	Resolved bool `json:"resolved"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
