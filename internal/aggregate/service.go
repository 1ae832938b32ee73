// ABOUTME: Aggregation and query service answering chart, count, and table requests.
// ABOUTME: Serves from the live row store, or from the snapshot while the store is empty.

package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jfeddern/VulnDash/internal/store"
	"github.com/jfeddern/VulnDash/internal/types"
	"github.com/sirupsen/logrus"
)

// RowStore is the read surface of the row store
type RowStore interface {
	Count(ctx context.Context) (int, error)
	Scan(ctx context.Context, q store.Query, fn func(types.Row) error) error
	CountMatching(ctx context.Context, q store.Query) (int, error)
	Aggregates(ctx context.Context) ([]types.SeverityCount, error)
	RecentBySeverity(ctx context.Context, severities []types.Severity, limit int) ([]types.Row, error)
	List(ctx context.Context, q store.Query, page store.Page) ([]types.Row, int, error)
}

// ChartCache memoizes chart responses between status transitions.
// SetIfEpoch must reject values whose epoch was read before the latest purge.
type ChartCache interface {
	Get(key string) (types.ChartData, bool)
	Epoch() uint64
	SetIfEpoch(key string, data types.ChartData, epoch uint64) bool
}

// Path names which data source answered a request
type Path string

const (
	PathLive     Path = "live"
	PathSnapshot Path = "snapshot"
)

// Options tune a single request
type Options struct {
	PreferSnapshot bool
}

// DefaultRecentHighs is the RecentHighs limit when none is given
const DefaultRecentHighs = 20

// Service answers dashboard queries
type Service struct {
	store     RowStore
	snapshots *SnapshotLoader
	cache     ChartCache
	logger    *logrus.Logger
	now       func() time.Time
	observe   func(Path)
}

// NewService creates a service over a row store and an optional snapshot loader
func NewService(rows RowStore, snapshots *SnapshotLoader, logger *logrus.Logger) *Service {
	return &Service{
		store:     rows,
		snapshots: snapshots,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the clock used for date cutoffs and CVSS ages
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithCache memoizes ChartData responses
func (s *Service) WithCache(c ChartCache) *Service {
	s.cache = c
	return s
}

// WithObserver is called with the chosen path on every chart request
func (s *Service) WithObserver(fn func(Path)) *Service {
	s.observe = fn
	return s
}

// choosePath picks the snapshot when asked to or when the store holds no rows
func (s *Service) choosePath(ctx context.Context, opts Options) (Path, error) {
	if opts.PreferSnapshot {
		return PathSnapshot, nil
	}
	count, err := s.store.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to count stored rows: %w", err)
	}
	if count == 0 {
		return PathSnapshot, nil
	}
	return PathLive, nil
}

// ChartData returns the four chart series for filters
func (s *Service) ChartData(ctx context.Context, filters types.Filters, opts Options) (types.ChartData, error) {
	f, err := Normalize(filters)
	if err != nil {
		return types.ChartData{}, err
	}
	path, err := s.choosePath(ctx, opts)
	if err != nil {
		return types.ChartData{}, err
	}
	if s.observe != nil {
		s.observe(path)
	}

	key := cacheKey(path, f)
	var epoch uint64
	if s.cache != nil {
		if data, ok := s.cache.Get(key); ok {
			return data, nil
		}
		epoch = s.cache.Epoch()
	}

	var data types.ChartData
	cacheable := true
	if path == PathLive {
		data, err = s.liveChart(ctx, f)
		if err != nil {
			return types.ChartData{}, err
		}
	} else {
		// An unavailable snapshot is retried on the next request
		data, cacheable = s.snapshotChart(ctx, f)
	}

	if s.cache != nil && cacheable {
		s.cache.SetIfEpoch(key, data, epoch)
	}
	return data, nil
}

func (s *Service) liveChart(ctx context.Context, f types.Filters) (types.ChartData, error) {
	if StatusExcluded(f) {
		return types.EmptyChartData(), nil
	}
	now := s.now()
	acc := newAccumulator(now)
	err := s.store.Scan(ctx, QueryFor(f, now), func(r types.Row) error {
		acc.add(r)
		return nil
	})
	if err != nil {
		return types.ChartData{}, fmt.Errorf("failed to aggregate rows: %w", err)
	}
	return acc.chartData(), nil
}

// snapshotChart reports false when no snapshot could be loaded
func (s *Service) snapshotChart(ctx context.Context, f types.Filters) (types.ChartData, bool) {
	logger := s.logger.WithField("component", "aggregate")
	snapshot, ok := s.loadSnapshot(ctx, logger)
	if !ok {
		return types.EmptyChartData(), false
	}

	switch snapshot.Format() {
	case FormatRows:
		now := s.now()
		q := QueryFor(f, now)
		acc := newAccumulator(now)
		if !StatusExcluded(f) {
			for i := range snapshot.Rows {
				if q.Match(&snapshot.Rows[i]) {
					acc.add(snapshot.Rows[i])
				}
			}
		}
		return acc.chartData(), true
	case FormatChartData:
		return *snapshot.ChartData, true
	case FormatAggregates:
		return aggregateChart(snapshot.Aggregates, f, s.now(), logger), true
	}
	return types.EmptyChartData(), true
}

// FilteredCount returns the number of rows matching filters on the same path as ChartData
func (s *Service) FilteredCount(ctx context.Context, filters types.Filters, opts Options) (int, error) {
	f, err := Normalize(filters)
	if err != nil {
		return 0, err
	}
	path, err := s.choosePath(ctx, opts)
	if err != nil {
		return 0, err
	}

	if path == PathLive {
		if StatusExcluded(f) {
			return 0, nil
		}
		n, err := s.store.CountMatching(ctx, QueryFor(f, s.now()))
		if err != nil {
			return 0, fmt.Errorf("failed to count matching rows: %w", err)
		}
		return n, nil
	}

	logger := s.logger.WithField("component", "aggregate")
	snapshot, ok := s.loadSnapshot(ctx, logger)
	if !ok {
		return 0, nil
	}
	switch snapshot.Format() {
	case FormatRows:
		if StatusExcluded(f) {
			return 0, nil
		}
		q := QueryFor(f, s.now())
		n := 0
		for i := range snapshot.Rows {
			if q.Match(&snapshot.Rows[i]) {
				n++
			}
		}
		return n, nil
	case FormatChartData:
		if snapshot.TotalCount != nil {
			return *snapshot.TotalCount, nil
		}
		return sumSeverities(snapshot.ChartData.SeverityData), nil
	case FormatAggregates:
		return aggregateCount(snapshot.Aggregates, f, logger), nil
	}
	return 0, nil
}

// SnapshotTotalCount returns the snapshot's declared total, or 0 when no snapshot is available
func (s *Service) SnapshotTotalCount(ctx context.Context) (int, error) {
	logger := s.logger.WithField("component", "aggregate")
	snapshot, ok := s.loadSnapshot(ctx, logger)
	if !ok {
		return 0, nil
	}
	if snapshot.TotalCount != nil {
		return *snapshot.TotalCount, nil
	}

	switch snapshot.Format() {
	case FormatRows:
		return len(snapshot.Rows), nil
	case FormatChartData:
		return sumSeverities(snapshot.ChartData.SeverityData), nil
	case FormatAggregates:
		if n, ok := snapshot.Aggregates.TotalByKaiFilter[types.AnalysisModeAll]; ok {
			return n, nil
		}
		return aggregateCount(snapshot.Aggregates, types.DefaultFilters(), logger), nil
	}
	return 0, nil
}

func (s *Service) loadSnapshot(ctx context.Context, logger *logrus.Entry) (*Snapshot, bool) {
	snapshot, err := s.snapshots.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrSnapshotUnavailable) {
			logger.Debug("No snapshot source configured")
		} else {
			logger.WithError(err).Warn("Snapshot unavailable, returning empty result")
		}
		return nil, false
	}
	return snapshot, true
}

// SeverityTotals returns the aggregate table in canonical order with zeros filled
func (s *Service) SeverityTotals(ctx context.Context) ([]types.SeverityCount, error) {
	stored, err := s.store.Aggregates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read severity aggregates: %w", err)
	}
	counts := make(map[types.Severity]int, len(stored))
	for _, c := range stored {
		counts[c.Severity] = c.Count
	}
	out := make([]types.SeverityCount, 0, len(types.Severities))
	for _, sev := range types.Severities {
		out = append(out, types.SeverityCount{Severity: sev, Count: counts[sev]})
	}
	return out, nil
}

// RecentHighs returns the newest critical and high rows by publish date
func (s *Service) RecentHighs(ctx context.Context, limit int) ([]types.Row, error) {
	if limit <= 0 {
		limit = DefaultRecentHighs
	}
	rows, err := s.store.RecentBySeverity(ctx, []types.Severity{types.SeverityCritical, types.SeverityHigh}, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent findings: %w", err)
	}
	return rows, nil
}

// Triage tags counted in the dashboard header
const (
	KaiStatusNew      = "new"
	KaiStatusResolved = "resolved"
)

// DashboardStats returns the header counters from the live store
func (s *Service) DashboardStats(ctx context.Context) (types.DashboardStats, error) {
	var stats types.DashboardStats
	counters := []struct {
		target *int
		query  store.Query
	}{
		{&stats.TotalVulnerabilities, store.Query{}},
		{&stats.CriticalCount, store.Query{Severity: types.SeverityCritical}},
		{&stats.HighCount, store.Query{Severity: types.SeverityHigh}},
		{&stats.NewCount, store.Query{KaiStatus: KaiStatusNew}},
		{&stats.ResolvedCount, store.Query{KaiStatus: KaiStatusResolved}},
	}
	for _, c := range counters {
		n, err := s.store.CountMatching(ctx, c.query)
		if err != nil {
			return types.DashboardStats{}, fmt.Errorf("failed to compute dashboard stats: %w", err)
		}
		*c.target = n
	}
	return stats, nil
}

// Vulnerabilities returns one sorted page of matching rows and the total match count
func (s *Service) Vulnerabilities(ctx context.Context, filters types.Filters, page store.Page) ([]types.Row, int, error) {
	f, err := Normalize(filters)
	if err != nil {
		return nil, 0, err
	}
	if page.SortBy != "" && !store.ValidSortKey(page.SortBy) {
		return nil, 0, fmt.Errorf("%w: sort key %q", ErrInvalidFilters, page.SortBy)
	}
	if StatusExcluded(f) {
		return []types.Row{}, 0, nil
	}
	rows, total, err := s.store.List(ctx, QueryFor(f, s.now()), page)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list vulnerabilities: %w", err)
	}
	return rows, total, nil
}

func cacheKey(path Path, f types.Filters) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s", path, f.Severity, f.KaiStatus, f.DateRange.Start, f.AnalysisMode, f.Group, f.Repo)
}
