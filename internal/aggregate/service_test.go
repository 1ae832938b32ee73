// ABOUTME: Tests for the aggregation service over a real SQLite store and in-memory snapshots.
// ABOUTME: Covers live derivations, analysis-mode exclusion, snapshot formats, and count agreement.

package aggregate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jfeddern/VulnDash/internal/store"
	"github.com/jfeddern/VulnDash/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func openStore(t *testing.T, rows ...types.Row) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "aggregate.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.UpsertRows(context.Background(), rows))
	return s
}

func daysAgo(n int) *int64 {
	ms := testNow.AddDate(0, 0, -n).UnixMilli()
	return &ms
}

func score(v float64) *float64 { return &v }

// docSource serves a JSON document, optionally failing or blocking first
type docSource struct {
	doc   string
	fail  atomic.Int32 // number of initial opens that fail
	gate  chan struct{}
	opens atomic.Int32
}

func (d *docSource) Name() string { return "test" }

func (d *docSource) Open(ctx context.Context) (io.ReadCloser, error) {
	d.opens.Add(1)
	if d.gate != nil {
		<-d.gate
	}
	if d.fail.Add(-1) >= 0 {
		return nil, errors.New("failed to fetch URL: 503 Service Unavailable")
	}
	return io.NopCloser(strings.NewReader(d.doc)), nil
}

func newService(s RowStore, src *docSource) *Service {
	var loader *SnapshotLoader
	if src != nil {
		loader = NewSnapshotLoader(src, testLogger())
	} else {
		loader = NewSnapshotLoader(nil, testLogger())
	}
	return NewService(s, loader, testLogger()).WithClock(func() time.Time { return testNow })
}

func filters(mutate func(*types.Filters)) types.Filters {
	f := types.DefaultFilters()
	if mutate != nil {
		mutate(&f)
	}
	return f
}

func TestEmptyStoreWithoutSnapshotIsEmpty(t *testing.T) {
	svc := newService(openStore(t), nil)

	data, err := svc.ChartData(context.Background(), filters(nil), Options{})
	require.NoError(t, err)
	if diff := cmp.Diff(types.EmptyChartData(), data); diff != "" {
		t.Errorf("chart data mismatch (-want +got):\n%s", diff)
	}

	n, err := svc.FilteredCount(context.Background(), filters(nil), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	total, err := svc.SnapshotTotalCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestLiveSeverityCountsOmitZeros(t *testing.T) {
	svc := newService(openStore(t,
		types.Row{ID: "1", Severity: types.SeverityCritical},
		types.Row{ID: "2", Severity: types.SeverityCritical},
		types.Row{ID: "3", Severity: types.SeverityLow},
	), nil)

	data, err := svc.ChartData(context.Background(), filters(nil), Options{})
	require.NoError(t, err)
	assert.Equal(t, []types.SeverityCount{
		{Severity: types.SeverityCritical, Count: 2},
		{Severity: types.SeverityLow, Count: 1},
	}, data.SeverityData)
}

func TestAnalysisModeExclusion(t *testing.T) {
	rows := []types.Row{
		{ID: "1", Severity: types.SeverityHigh, KaiStatus: types.KaiStatusInvalidNoRisk, DiscoveredAt: daysAgo(1),
			CVSS: score(8.1), PublishedAt: daysAgo(10), RiskFactors: []string{"Has fix"}},
		{ID: "2", Severity: types.SeverityLow, KaiStatus: "new", DiscoveredAt: daysAgo(2)},
	}
	svc := newService(openStore(t, rows...), nil)
	ctx := context.Background()

	analysis, err := svc.ChartData(ctx, filters(func(f *types.Filters) { f.AnalysisMode = types.AnalysisModeAnalysis }), Options{})
	require.NoError(t, err)
	assert.Equal(t, []types.SeverityCount{{Severity: types.SeverityLow, Count: 1}}, analysis.SeverityData)
	assert.Empty(t, analysis.RiskFactorsData)
	assert.Empty(t, analysis.CVSSData)
	require.Len(t, analysis.TrendData, 1)
	assert.Equal(t, 0, analysis.TrendData[0].High)

	ai, err := svc.ChartData(ctx, filters(func(f *types.Filters) { f.AnalysisMode = types.AnalysisModeAIAnalysis }), Options{})
	require.NoError(t, err)
	assert.Equal(t, []types.SeverityCount{
		{Severity: types.SeverityHigh, Count: 1},
		{Severity: types.SeverityLow, Count: 1},
	}, ai.SeverityData)
	assert.Len(t, ai.CVSSData, 1)

	excluded := filters(func(f *types.Filters) {
		f.AnalysisMode = types.AnalysisModeAnalysis
		f.KaiStatus = types.KaiStatusInvalidNoRisk
	})
	data, err := svc.ChartData(ctx, excluded, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.EmptyChartData(), data)
	n, err := svc.FilteredCount(ctx, excluded, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLiveDerivations(t *testing.T) {
	var rows []types.Row
	// 12 factors with distinct counts, plus a label tied just below the cut-off
	for i := 0; i < 12; i++ {
		for j := 0; j <= i; j++ {
			rows = append(rows, types.Row{
				ID: fmt.Sprintf("f%02d-%02d", i, j), Severity: types.SeverityMedium,
				RiskFactors: []string{fmt.Sprintf("factor-%02d", i)},
			})
		}
	}
	rows = append(rows, types.Row{ID: "tie", Severity: types.SeverityMedium, RiskFactors: []string{"aaa-tie"}})
	rows[0].RiskFactors = append(rows[0].RiskFactors, "aaa-tie")

	// 35 distinct discovery days
	for d := 0; d < 35; d++ {
		rows = append(rows, types.Row{ID: fmt.Sprintf("t%02d", d), Severity: types.SeverityHigh, DiscoveredAt: daysAgo(d)})
	}

	rows = append(rows,
		types.Row{ID: "c1", CVE: "CVE-1", Severity: types.SeverityCritical, CVSS: score(9.8), PublishedAt: daysAgo(3)},
		types.Row{ID: "c2", CVE: "CVE-2", Severity: types.SeverityCritical, CVSS: score(0), PublishedAt: daysAgo(3)},
		types.Row{ID: "c3", CVE: "CVE-3", Severity: types.SeverityCritical, CVSS: score(5)},
	)

	svc := newService(openStore(t, rows...), nil)
	data, err := svc.ChartData(context.Background(), filters(nil), Options{})
	require.NoError(t, err)

	require.Len(t, data.RiskFactorsData, TopRiskFactors)
	assert.Equal(t, types.FactorCount{Factor: "factor-11", Count: 12}, data.RiskFactorsData[0])
	assert.Equal(t, types.FactorCount{Factor: "factor-02", Count: 3}, data.RiskFactorsData[9])
	for i := 1; i < len(data.RiskFactorsData); i++ {
		assert.GreaterOrEqual(t, data.RiskFactorsData[i-1].Count, data.RiskFactorsData[i].Count)
	}

	require.Len(t, data.TrendData, TrendDays)
	assert.Equal(t, testNow.Format(time.DateOnly), data.TrendData[TrendDays-1].Date)
	for i := 1; i < len(data.TrendData); i++ {
		assert.Less(t, data.TrendData[i-1].Date, data.TrendData[i].Date)
	}

	assert.Equal(t, []types.CVSSPoint{
		{CVSS: 9.8, DaysSincePublished: 3, Severity: types.SeverityCritical, CVE: "CVE-1"},
	}, data.CVSSData)
}

func TestRiskFactorTiesBreakByLabel(t *testing.T) {
	got := topFactors(map[string]int{"b": 2, "a": 2, "c": 5, "z": 0}, 10)
	assert.Equal(t, []types.FactorCount{{Factor: "c", Count: 5}, {Factor: "a", Count: 2}, {Factor: "b", Count: 2}}, got)
}

func TestCVSSSampleIsCapped(t *testing.T) {
	rows := make([]types.Row, 0, MaxCVSSSamples+10)
	for i := 0; i < MaxCVSSSamples+10; i++ {
		rows = append(rows, types.Row{ID: fmt.Sprintf("r%05d", i), Severity: types.SeverityLow, CVSS: score(3), PublishedAt: daysAgo(1)})
	}
	svc := newService(openStore(t, rows...), nil)
	data, err := svc.ChartData(context.Background(), filters(nil), Options{})
	require.NoError(t, err)
	assert.Len(t, data.CVSSData, MaxCVSSSamples)
}

func fixtureRows() []types.Row {
	return []types.Row{
		{ID: "a", CVE: "CVE-A", Group: "g1", Repo: "r1", Severity: types.SeverityCritical, KaiStatus: "new",
			CVSS: score(9.1), PublishedAt: daysAgo(40), DiscoveredAt: daysAgo(2), RiskFactors: []string{"Has fix", "Exploit exists"}},
		{ID: "b", CVE: "CVE-B", Group: "g1", Repo: "r2", Severity: types.SeverityHigh, KaiStatus: types.KaiStatusInvalidNoRisk,
			CVSS: score(7.4), PublishedAt: daysAgo(100), DiscoveredAt: daysAgo(20), RiskFactors: []string{"Has fix"}},
		{ID: "c", CVE: "CVE-C", Group: "g2", Repo: "r3", Severity: types.SeverityMedium, KaiStatus: types.KaiStatusAIInvalidNoRisk,
			CVSS: score(5.0), PublishedAt: daysAgo(500), DiscoveredAt: daysAgo(80), RiskFactors: []string{"DoS"}},
		{ID: "d", CVE: "CVE-D", Group: "g2", Repo: "r3", Severity: types.SeverityLow, KaiStatus: "resolved",
			DiscoveredAt: daysAgo(200)},
		{ID: "e", CVE: "CVE-E", Group: "g2", Repo: "r4", Severity: types.SeverityHigh, KaiStatus: "new",
			CVSS: score(8.0), PublishedAt: daysAgo(900), DiscoveredAt: daysAgo(400), RiskFactors: []string{"Exploit exists"}},
		{ID: "f", CVE: "CVE-F", Group: "g1", Repo: "r1", Severity: types.SeverityUnknown,
			DiscoveredAt: daysAgo(6)},
	}
}

func filterMatrix() []types.Filters {
	var out []types.Filters
	for _, mode := range AnalysisModes {
		for _, sev := range []string{types.All, "critical", "high", "unknown"} {
			for _, kai := range []string{types.All, "new", types.KaiStatusInvalidNoRisk} {
				for _, start := range []string{"", "7", "30", "90", "365"} {
					out = append(out, types.Filters{Severity: sev, KaiStatus: kai, AnalysisMode: mode, DateRange: types.DateRange{Start: start}})
				}
			}
		}
	}
	out = append(out,
		types.Filters{Severity: types.All, KaiStatus: types.All, AnalysisMode: types.AnalysisModeAll, Group: "g2"},
		types.Filters{Severity: types.All, KaiStatus: types.All, AnalysisMode: types.AnalysisModeAll, Group: "g2", Repo: "r3"},
	)
	return out
}

func TestFilteredCountAgreesWithSeverityData(t *testing.T) {
	live := newService(openStore(t, fixtureRows()...), nil)

	doc, err := json.Marshal(Snapshot{Rows: fixtureRows()})
	require.NoError(t, err)
	snap := newService(openStore(t), &docSource{doc: string(doc)})

	ctx := context.Background()
	for _, f := range filterMatrix() {
		name := fmt.Sprintf("%s/%s/%s/%q/%s", f.AnalysisMode, f.Severity, f.KaiStatus, f.DateRange.Start, f.Group+f.Repo)
		t.Run(name, func(t *testing.T) {
			for path, svc := range map[string]*Service{"live": live, "snapshot": snap} {
				data, err := svc.ChartData(ctx, f, Options{})
				require.NoError(t, err)
				n, err := svc.FilteredCount(ctx, f, Options{})
				require.NoError(t, err)
				assert.Equal(t, sumSeverities(data.SeverityData), n, path)
			}

			liveData, err := live.ChartData(ctx, f, Options{})
			require.NoError(t, err)
			snapData, err := snap.ChartData(ctx, f, Options{})
			require.NoError(t, err)
			if diff := cmp.Diff(liveData, snapData); diff != "" {
				t.Errorf("row snapshot disagrees with live store (-live +snapshot):\n%s", diff)
			}
		})
	}
}

func TestDateRangeCutsByDiscovery(t *testing.T) {
	svc := newService(openStore(t, fixtureRows()...), nil)
	ctx := context.Background()

	want := map[string]int{"": 6, "7": 2, "30": 3, "90": 4, "365": 5}
	for start, expected := range want {
		n, err := svc.FilteredCount(ctx, filters(func(f *types.Filters) { f.DateRange.Start = start }), Options{})
		require.NoError(t, err)
		assert.Equal(t, expected, n, "start=%q", start)
	}
}

func TestInvalidFiltersAreRejected(t *testing.T) {
	svc := newService(openStore(t), nil)
	tests := []types.Filters{
		{Severity: "severe"},
		{AnalysisMode: "manual"},
		{DateRange: types.DateRange{Start: "14"}},
	}
	for _, f := range tests {
		_, err := svc.ChartData(context.Background(), f, Options{})
		assert.ErrorIs(t, err, ErrInvalidFilters)
		_, err = svc.FilteredCount(context.Background(), f, Options{})
		assert.ErrorIs(t, err, ErrInvalidFilters)
	}
}

func TestPreferSnapshotOverridesPopulatedStore(t *testing.T) {
	chart := types.ChartData{
		SeverityData:    []types.SeverityCount{{Severity: types.SeverityMedium, Count: 4}},
		RiskFactorsData: []types.FactorCount{},
		TrendData:       []types.TrendPoint{},
		CVSSData:        []types.CVSSPoint{},
	}
	doc, err := json.Marshal(Snapshot{ChartData: &chart})
	require.NoError(t, err)
	svc := newService(openStore(t, fixtureRows()...), &docSource{doc: string(doc)})
	ctx := context.Background()

	live, err := svc.ChartData(ctx, filters(nil), Options{})
	require.NoError(t, err)
	assert.NotEqual(t, chart, live)

	snap, err := svc.ChartData(ctx, filters(nil), Options{PreferSnapshot: true})
	require.NoError(t, err)
	if diff := cmp.Diff(chart, snap); diff != "" {
		t.Errorf("chart-data snapshot not returned as-is (-want +got):\n%s", diff)
	}

	n, err := svc.FilteredCount(ctx, filters(nil), Options{PreferSnapshot: true})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	total, err := svc.SnapshotTotalCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
}

func TestUnrecognizedSnapshotIsEmpty(t *testing.T) {
	src := &docSource{doc: `{"version":2}`}
	svc := newService(openStore(t), src)

	data, err := svc.ChartData(context.Background(), filters(nil), Options{})
	require.NoError(t, err)
	assert.Equal(t, types.EmptyChartData(), data)

	_, err = svc.snapshots.Load(context.Background())
	assert.ErrorIs(t, err, ErrUnrecognizedSnapshot)
	assert.Equal(t, int32(2), src.opens.Load(), "unrecognized documents are not cached")
}

func TestSeverityTotalsFillsZeros(t *testing.T) {
	s := openStore(t, fixtureRows()...)
	_, err := s.RegenerateAggregates(context.Background())
	require.NoError(t, err)

	totals, err := newService(s, nil).SeverityTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.SeverityCount{
		{Severity: types.SeverityCritical, Count: 1},
		{Severity: types.SeverityHigh, Count: 2},
		{Severity: types.SeverityMedium, Count: 1},
		{Severity: types.SeverityLow, Count: 1},
		{Severity: types.SeverityUnknown, Count: 1},
	}, totals)

	empty, err := newService(openStore(t), nil).SeverityTotals(context.Background())
	require.NoError(t, err)
	require.Len(t, empty, len(types.Severities))
	for _, c := range empty {
		assert.Zero(t, c.Count)
	}
}

func TestRecentHighsAndStats(t *testing.T) {
	svc := newService(openStore(t, fixtureRows()...), nil)
	ctx := context.Background()

	recent, err := svc.RecentHighs(ctx, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(recent))
	for _, r := range recent {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "b", "e"}, ids)

	limited, err := svc.RecentHighs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	stats, err := svc.DashboardStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.DashboardStats{
		TotalVulnerabilities: 6,
		CriticalCount:        1,
		HighCount:            2,
		NewCount:             2,
		ResolvedCount:        1,
	}, stats)
}

func TestVulnerabilitiesPage(t *testing.T) {
	svc := newService(openStore(t, fixtureRows()...), nil)
	ctx := context.Background()

	rows, total, err := svc.Vulnerabilities(ctx,
		filters(func(f *types.Filters) { f.AnalysisMode = types.AnalysisModeAnalysis }),
		store.Page{SortBy: "cvss", Desc: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].ID)
	assert.Equal(t, "e", rows[1].ID)

	_, _, err = svc.Vulnerabilities(ctx, filters(nil), store.Page{SortBy: "nope"})
	assert.ErrorIs(t, err, ErrInvalidFilters)
}

// countingCache records hits so memoization can be observed
type countingCache struct {
	mutex   sync.Mutex
	entries map[string]types.ChartData
	hits    int
	epoch   uint64
}

func newCountingCache() *countingCache {
	return &countingCache{entries: map[string]types.ChartData{}}
}

func (c *countingCache) Get(key string) (types.ChartData, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	data, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return data, ok
}

func (c *countingCache) Epoch() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.epoch
}

func (c *countingCache) SetIfEpoch(key string, data types.ChartData, epoch uint64) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if epoch != c.epoch {
		return false
	}
	c.entries[key] = data
	return true
}

func (c *countingCache) purge() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries = map[string]types.ChartData{}
	c.epoch++
}

// pausingStore holds the first Scan after one row until released
type pausingStore struct {
	*store.Store
	once    sync.Once
	paused  chan struct{}
	release chan struct{}
}

func (p *pausingStore) Scan(ctx context.Context, q store.Query, fn func(types.Row) error) error {
	first := false
	p.once.Do(func() { first = true })
	if !first {
		return p.Store.Scan(ctx, q, fn)
	}
	seen := 0
	return p.Store.Scan(ctx, q, func(r types.Row) error {
		seen++
		if seen == 1 {
			close(p.paused)
			<-p.release
		}
		return fn(r)
	})
}

func TestChartDataUsesCacheAndObserver(t *testing.T) {
	cache := newCountingCache()
	var paths []Path
	svc := newService(openStore(t, fixtureRows()...), nil).
		WithCache(cache).
		WithObserver(func(p Path) { paths = append(paths, p) })

	ctx := context.Background()
	first, err := svc.ChartData(ctx, filters(nil), Options{})
	require.NoError(t, err)
	second, err := svc.ChartData(ctx, filters(nil), Options{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, cache.hits)
	assert.Equal(t, []Path{PathLive, PathLive}, paths)
}

func TestChartDataComputedAcrossPurgeIsNotCached(t *testing.T) {
	ctx := context.Background()
	rows := fixtureRows()
	base := openStore(t, rows[0])
	paused := &pausingStore{Store: base, paused: make(chan struct{}), release: make(chan struct{})}
	cache := newCountingCache()
	svc := newService(paused, nil).WithCache(cache)

	result := make(chan types.ChartData, 1)
	go func() {
		data, err := svc.ChartData(ctx, filters(nil), Options{})
		assert.NoError(t, err)
		result <- data
	}()

	select {
	case <-paused.paused:
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not start")
	}

	// Ingestion writes another row and finishes while the scan is in flight
	require.NoError(t, base.UpsertRows(ctx, rows[1:2]))
	cache.purge()
	close(paused.release)

	stale := <-result
	assert.Equal(t, 1, sumSeverities(stale.SeverityData))

	fresh, err := svc.ChartData(ctx, filters(nil), Options{})
	require.NoError(t, err)
	count, err := svc.FilteredCount(ctx, filters(nil), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, count, sumSeverities(fresh.SeverityData))
	assert.Equal(t, 0, cache.hits)
}

func TestUnavailableSnapshotChartIsNotCached(t *testing.T) {
	ctx := context.Background()
	doc, err := json.Marshal(Snapshot{Rows: fixtureRows()})
	require.NoError(t, err)
	src := &docSource{doc: string(doc)}
	src.fail.Store(1)
	cache := newCountingCache()
	svc := newService(openStore(t), src).WithCache(cache)

	first, err := svc.ChartData(ctx, filters(nil), Options{})
	require.NoError(t, err)
	assert.Equal(t, types.EmptyChartData(), first)

	second, err := svc.ChartData(ctx, filters(nil), Options{})
	require.NoError(t, err)
	count, err := svc.FilteredCount(ctx, filters(nil), Options{})
	require.NoError(t, err)

	assert.Equal(t, int32(2), src.opens.Load())
	assert.Equal(t, len(fixtureRows()), count)
	assert.Equal(t, count, sumSeverities(second.SeverityData))
	assert.Equal(t, 0, cache.hits)
}
