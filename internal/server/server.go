// ABOUTME: HTTP server exposing the dashboard API, status stream, metrics, and health endpoints.
// ABOUTME: Wraps every route in security headers and per-route method restrictions.

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jfeddern/VulnDash/internal/aggregate"
	"github.com/jfeddern/VulnDash/internal/coordinator"
	"github.com/jfeddern/VulnDash/internal/store"
	"github.com/jfeddern/VulnDash/internal/types"
	jsoniter "github.com/json-iterator/go"

	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Coordinator is the ingestion control surface the API drives
type Coordinator interface {
	Status() types.IngestionStatus
	HasData(ctx context.Context) (bool, error)
	Subscribe(fn coordinator.Listener) func()
	StartIngestion()
	ClearData(ctx context.Context) error
	RegenerateAggregates(ctx context.Context) error
}

// Dashboard is the read surface behind the chart and table endpoints
type Dashboard interface {
	ChartData(ctx context.Context, filters types.Filters, opts aggregate.Options) (types.ChartData, error)
	FilteredCount(ctx context.Context, filters types.Filters, opts aggregate.Options) (int, error)
	SnapshotTotalCount(ctx context.Context) (int, error)
	SeverityTotals(ctx context.Context) ([]types.SeverityCount, error)
	RecentHighs(ctx context.Context, limit int) ([]types.Row, error)
	DashboardStats(ctx context.Context) (types.DashboardStats, error)
	Vulnerabilities(ctx context.Context, filters types.Filters, page store.Page) ([]types.Row, int, error)
}

type Server struct {
	addr        string
	coordinator Coordinator
	dashboard   Dashboard
	metrics     http.Handler
	logger      *logrus.Logger
}

func New(addr string, coord Coordinator, dashboard Dashboard, metrics http.Handler, logger *logrus.Logger) *Server {
	return &Server{
		addr:        addr,
		coordinator: coord,
		dashboard:   dashboard,
		metrics:     metrics,
		logger:      logger,
	}
}

// Handler returns the routed API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.securityMiddleware(s.statusHandler, readMethods...))
	mux.HandleFunc("/api/has-data", s.securityMiddleware(s.hasDataHandler, readMethods...))
	mux.HandleFunc("/api/status/stream", s.securityMiddleware(s.statusStreamHandler, readMethods...))
	mux.HandleFunc("/api/ingest", s.securityMiddleware(s.ingestHandler, http.MethodPost))
	mux.HandleFunc("/api/clear", s.securityMiddleware(s.clearHandler, http.MethodPost))
	mux.HandleFunc("/api/aggregates/regenerate", s.securityMiddleware(s.regenerateHandler, http.MethodPost))

	mux.HandleFunc("/api/charts", s.securityMiddleware(s.chartsHandler, readMethods...))
	mux.HandleFunc("/api/count", s.securityMiddleware(s.countHandler, readMethods...))
	mux.HandleFunc("/api/snapshot/total", s.securityMiddleware(s.snapshotTotalHandler, readMethods...))
	mux.HandleFunc("/api/severity-totals", s.securityMiddleware(s.severityTotalsHandler, readMethods...))
	mux.HandleFunc("/api/recent-highs", s.securityMiddleware(s.recentHighsHandler, readMethods...))
	mux.HandleFunc("/api/stats", s.securityMiddleware(s.statsHandler, readMethods...))
	mux.HandleFunc("/api/vulnerabilities", s.securityMiddleware(s.vulnerabilitiesHandler, readMethods...))

	if s.metrics != nil {
		mux.HandleFunc("/metrics", s.securityMiddleware(s.metrics.ServeHTTP, readMethods...))
	}
	mux.HandleFunc("/health", s.securityMiddleware(s.healthHandler, readMethods...))

	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	shutdownDone := make(chan error, 1)
	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownDone <- server.Shutdown(shutdownCtx)
	}()

	s.logger.WithField("addr", listener.Addr().String()).Info("Starting HTTP server")

	if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-shutdownDone
}

var readMethods = []string{http.MethodGet, http.MethodHead}

func (s *Server) securityMiddleware(next http.HandlerFunc, methods ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Security headers
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; script-src 'none'; object-src 'none'; frame-ancestors 'none'")

		// Only allow the route's HTTP methods
		allowed := false
		for _, m := range methods {
			if r.Method == m {
				allowed = true
				break
			}
		}
		if !allowed {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Log the request
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"remote_ip":  r.RemoteAddr,
			"user_agent": r.UserAgent(),
		}).Debug("HTTP request received")

		next(w, r)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":"ok"}`)
}

// writeJSON encodes v with the given status code
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	encoder := json.NewEncoder(w)
	if r.URL.Query().Get("pretty") != "" {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(v); err != nil {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Failed to encode JSON response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps filter validation failures to 400 and everything else to 500
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, aggregate.ErrInvalidFilters) || errors.Is(err, errBadRequest) {
		code = http.StatusBadRequest
	}

	logger := s.logger.WithError(err).WithField("path", r.URL.Path)
	if code == http.StatusInternalServerError {
		logger.Error("Request failed")
	} else {
		logger.Debug("Rejected request")
	}
	s.writeJSON(w, r, code, errorResponse{Error: err.Error()})
}
