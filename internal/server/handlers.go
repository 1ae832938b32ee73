// ABOUTME: Route handlers for ingestion control, chart data, counts, and the vulnerabilities table.
// ABOUTME: Validates query parameters before they reach the aggregation service.

package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jfeddern/VulnDash/internal/aggregate"
	"github.com/jfeddern/VulnDash/internal/store"
	"github.com/jfeddern/VulnDash/internal/types"

	"github.com/sirupsen/logrus"
)

var errBadRequest = errors.New("bad request")

// Query parameter bounds
const (
	maxFilterLength = 200
	maxRecentHighs  = 1000
)

// parseFilters reads the dashboard filter set from the query string
func parseFilters(r *http.Request) (types.Filters, error) {
	q := r.URL.Query()
	f := types.Filters{
		Severity:     strings.ToLower(strings.TrimSpace(q.Get("severity"))),
		KaiStatus:    strings.TrimSpace(q.Get("kaiStatus")),
		DateRange:    types.DateRange{Start: strings.TrimSpace(q.Get("start"))},
		AnalysisMode: strings.TrimSpace(q.Get("analysisMode")),
		Group:        strings.TrimSpace(q.Get("group")),
		Repo:         strings.TrimSpace(q.Get("repo")),
	}

	// Bound free-form filters to prevent oversized queries
	for name, value := range map[string]string{"kaiStatus": f.KaiStatus, "group": f.Group, "repo": f.Repo} {
		if len(value) > maxFilterLength {
			return f, fmt.Errorf("%w: %s filter too long, maximum allowed is %d characters", errBadRequest, name, maxFilterLength)
		}
	}

	return aggregate.Normalize(f)
}

func parseOptions(r *http.Request) (aggregate.Options, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("preferSnapshot"))
	if raw == "" {
		return aggregate.Options{}, nil
	}
	prefer, err := strconv.ParseBool(raw)
	if err != nil {
		return aggregate.Options{}, fmt.Errorf("%w: invalid preferSnapshot parameter", errBadRequest)
	}
	return aggregate.Options{PreferSnapshot: prefer}, nil
}

// parseInt reads a bounded non-negative integer parameter
func parseInt(r *http.Request, name string, fallback, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0, fmt.Errorf("%w: invalid %s parameter, must be a non-negative integer", errBadRequest, name)
	}
	if max > 0 && parsed > max {
		return 0, fmt.Errorf("%w: %s parameter too large, maximum allowed is %d", errBadRequest, name, max)
	}
	return parsed, nil
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.coordinator.Status())
}

func (s *Server) hasDataHandler(w http.ResponseWriter, r *http.Request) {
	hasData, err := s.coordinator.HasData(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]bool{"hasData": hasData})
}

// statusStreamHandler pushes every status transition as a server-sent event
func (s *Server) statusStreamHandler(w http.ResponseWriter, r *http.Request) {
	logger := s.logger.WithField("endpoint", "/api/status/stream")

	controller := http.NewResponseController(w)
	// Streams outlive the server's write timeout
	if err := controller.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.WithError(err).Debug("Failed to clear write deadline")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Keep only the newest undelivered status so slow clients never block the coordinator
	updates := make(chan types.IngestionStatus, 1)
	unsubscribe := s.coordinator.Subscribe(func(status types.IngestionStatus) {
		for {
			select {
			case updates <- status:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	send := func(status types.IngestionStatus) bool {
		data, err := json.Marshal(status)
		if err != nil {
			logger.WithError(err).Error("Failed to encode status event")
			return false
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
			return false
		}
		return controller.Flush() == nil
	}

	if !send(s.coordinator.Status()) {
		return
	}
	logger.Debug("Status stream opened")

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("Status stream closed")
			return
		case status := <-updates:
			if !send(status) {
				return
			}
		}
	}
}

func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	s.coordinator.StartIngestion()
	s.logger.WithField("endpoint", "/api/ingest").Info("Ingestion requested")
	s.writeJSON(w, r, http.StatusAccepted, s.coordinator.Status())
}

func (s *Server) clearHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.ClearData(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.coordinator.Status())
}

func (s *Server) regenerateHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.RegenerateAggregates(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	totals, err := s.dashboard.SeverityTotals(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, totals)
}

func (s *Server) chartsHandler(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts, err := parseOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	data, err := s.dashboard.ChartData(r.Context(), filters, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"severity":      filters.Severity,
		"kai_status":    filters.KaiStatus,
		"date_start":    filters.DateRange.Start,
		"analysis_mode": filters.AnalysisMode,
		"severity_rows": len(data.SeverityData),
	}).Debug("Served chart data")
	s.writeJSON(w, r, http.StatusOK, data)
}

type countResponse struct {
	Count int `json:"count"`
}

func (s *Server) countHandler(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts, err := parseOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	n, err := s.dashboard.FilteredCount(r.Context(), filters, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, countResponse{Count: n})
}

type totalResponse struct {
	TotalCount int `json:"totalCount"`
}

func (s *Server) snapshotTotalHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.dashboard.SnapshotTotalCount(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, totalResponse{TotalCount: n})
}

func (s *Server) severityTotalsHandler(w http.ResponseWriter, r *http.Request) {
	totals, err := s.dashboard.SeverityTotals(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, totals)
}

func (s *Server) recentHighsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := parseInt(r, "limit", aggregate.DefaultRecentHighs, maxRecentHighs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.dashboard.RecentHighs(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, rows)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dashboard.DashboardStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, stats)
}

// VulnerabilitiesResponse is one page of the vulnerabilities table
type VulnerabilitiesResponse struct {
	Rows   []types.Row `json:"rows"`
	Total  int         `json:"total"`
	Offset int         `json:"offset"`
	Limit  int         `json:"limit"`
}

func (s *Server) vulnerabilitiesHandler(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := parseInt(r, "offset", 0, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := parseInt(r, "limit", 100, store.MaxPageSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	desc := false
	if raw := strings.TrimSpace(r.URL.Query().Get("desc")); raw != "" {
		if desc, err = strconv.ParseBool(raw); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: invalid desc parameter", errBadRequest))
			return
		}
	}

	page := store.Page{Offset: offset, Limit: limit, SortBy: strings.TrimSpace(r.URL.Query().Get("sort")), Desc: desc}
	rows, total, err := s.dashboard.Vulnerabilities(r.Context(), filters, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, VulnerabilitiesResponse{Rows: rows, Total: total, Offset: offset, Limit: limit})
}
