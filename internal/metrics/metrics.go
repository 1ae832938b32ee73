// ABOUTME: Prometheus metrics exposition for ingestion progress and stored findings.
// ABOUTME: Defines metrics structure and provides HTTP handler for /metrics endpoint.

package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/jfeddern/VulnDash/internal/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type StatusProvider interface {
	Status() types.IngestionStatus
}

type StoreStatsProvider interface {
	Count(ctx context.Context) (int, error)
	Aggregates(ctx context.Context) ([]types.SeverityCount, error)
}

// CacheStatsProvider reports chart cache occupancy
type CacheStatsProvider interface {
	Stats() (total int, expired int)
}

// Run results for the runs counter
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

type MetricsHandler struct {
	status StatusProvider
	store  StoreStatsProvider
	cache  CacheStatsProvider
	logger *logrus.Logger

	// Gauges rebuilt on every scrape
	ingestionInProgress *prometheus.GaugeVec
	ingestionProgress   *prometheus.GaugeVec
	ingestionRows       *prometheus.GaugeVec
	ingestionError      *prometheus.GaugeVec
	severityRows        *prometheus.GaugeVec
	storeRows           *prometheus.GaugeVec
	cacheEntries        *prometheus.GaugeVec

	// Process-wide counters
	runsTotal     *prometheus.CounterVec
	rowsWritten   prometheus.Counter
	chartRequests *prometheus.CounterVec

	mutex    sync.Mutex
	lastRun  string
	lastRows int
	finished bool
}

func NewMetricsHandler(status StatusProvider, store StoreStatsProvider, logger *logrus.Logger) *MetricsHandler {
	return &MetricsHandler{
		status: status,
		store:  store,
		logger: logger,

		ingestionInProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulndash_ingestion_in_progress",
				Help: "Whether an ingestion run is in progress (1=yes, 0=no)",
			},
			[]string{},
		),

		ingestionProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulndash_ingestion_progress_percent",
				Help: "Progress of the current or last ingestion run in percent",
			},
			[]string{},
		),

		ingestionRows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulndash_ingestion_rows",
				Help: "Rows written by the current or last ingestion run",
			},
			[]string{},
		),

		ingestionError: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulndash_ingestion_error",
				Help: "Whether the last ingestion run failed (1=failed, 0=ok)",
			},
			[]string{},
		),

		severityRows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulndash_severity_rows",
				Help: "Stored findings by severity from the aggregate table",
			},
			[]string{"severity"},
		),

		storeRows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulndash_store_rows",
				Help: "Number of findings in the row store",
			},
			[]string{},
		),

		cacheEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulndash_chart_cache_entries",
				Help: "Chart cache entries by state (live or expired awaiting cleanup)",
			},
			[]string{"state"},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulndash_ingestion_runs_total",
				Help: "Finished ingestion runs by result",
			},
			[]string{"result"},
		),

		rowsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vulndash_ingestion_rows_written_total",
				Help: "Rows written across all ingestion runs",
			},
		),

		chartRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulndash_chart_requests_total",
				Help: "Chart requests by the data path that answered them",
			},
			[]string{"path"},
		),
	}
}

// WithCacheStats adds chart cache occupancy to the scrape
func (m *MetricsHandler) WithCacheStats(cache CacheStatsProvider) *MetricsHandler {
	m.cache = cache
	return m
}

// OnStatus folds one status transition into the run counters
func (m *MetricsHandler) OnStatus(s types.IngestionStatus) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if s.RunID != m.lastRun {
		m.lastRun = s.RunID
		m.lastRows = 0
		m.finished = false
	}
	if s.RunID == "" {
		return
	}

	if s.TotalRows > m.lastRows {
		m.rowsWritten.Add(float64(s.TotalRows - m.lastRows))
		m.lastRows = s.TotalRows
	}

	if !m.finished && !s.IsIngesting && s.FinishedAt != nil {
		result := ResultSuccess
		if s.Error != nil {
			result = ResultError
		}
		m.runsTotal.WithLabelValues(result).Inc()
		m.finished = true
	}
}

// ObserveChartPath counts one chart request answered by path
func (m *MetricsHandler) ObserveChartPath(path string) {
	m.chartRequests.WithLabelValues(path).Inc()
}

func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Create a new registry for this request to avoid conflicts
	registry := prometheus.NewRegistry()

	// Register our metrics
	registry.MustRegister(m.ingestionInProgress)
	registry.MustRegister(m.ingestionProgress)
	registry.MustRegister(m.ingestionRows)
	registry.MustRegister(m.ingestionError)
	registry.MustRegister(m.severityRows)
	registry.MustRegister(m.storeRows)
	registry.MustRegister(m.cacheEntries)
	registry.MustRegister(m.runsTotal)
	registry.MustRegister(m.rowsWritten)
	registry.MustRegister(m.chartRequests)

	// Reset gauges to avoid stale data
	m.ingestionInProgress.Reset()
	m.ingestionProgress.Reset()
	m.ingestionRows.Reset()
	m.ingestionError.Reset()
	m.severityRows.Reset()
	m.storeRows.Reset()
	m.cacheEntries.Reset()

	status := m.status.Status()
	m.ingestionInProgress.WithLabelValues().Set(boolValue(status.IsIngesting))
	m.ingestionProgress.WithLabelValues().Set(status.Progress)
	m.ingestionRows.WithLabelValues().Set(float64(status.TotalRows))
	m.ingestionError.WithLabelValues().Set(boolValue(status.Error != nil))

	ctx := r.Context()
	if count, err := m.store.Count(ctx); err != nil {
		m.logger.WithError(err).Error("Failed to count stored rows for metrics")
	} else {
		m.storeRows.WithLabelValues().Set(float64(count))
	}

	if aggregates, err := m.store.Aggregates(ctx); err != nil {
		m.logger.WithError(err).Error("Failed to read severity aggregates for metrics")
	} else {
		counts := make(map[types.Severity]int, len(aggregates))
		for _, a := range aggregates {
			counts[a.Severity] = a.Count
		}
		for _, sev := range types.Severities {
			m.severityRows.WithLabelValues(string(sev)).Set(float64(counts[sev]))
		}
	}

	if m.cache != nil {
		total, expired := m.cache.Stats()
		m.cacheEntries.WithLabelValues("live").Set(float64(total - expired))
		m.cacheEntries.WithLabelValues("expired").Set(float64(expired))
	}

	// Serve metrics
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	handler.ServeHTTP(w, r)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// CreateMetricsHandler creates a standard HTTP handler that can be used with http.ServeMux
func CreateMetricsHandler(status StatusProvider, store StoreStatsProvider, logger *logrus.Logger) http.HandlerFunc {
	metricsHandler := NewMetricsHandler(status, store, logger)
	return metricsHandler.ServeHTTP
}
