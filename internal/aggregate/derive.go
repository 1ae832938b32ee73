// ABOUTME: Chart derivations shared by the live store path and snapshot rows.
// ABOUTME: Accumulates severity counts, risk factors, daily trend, and CVSS samples in one pass.

package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/jfeddern/VulnDash/internal/types"
)

// Limits of the chart series
const (
	TopRiskFactors = 10
	TrendDays      = 30
	MaxCVSSSamples = 1000
)

const dayMillis = 24 * 60 * 60 * 1000

// accumulator folds rows into chart data without retaining them
type accumulator struct {
	now      time.Time
	severity map[types.Severity]int
	factors  map[string]int
	daily    map[string]*types.TrendPoint
	cvss     []types.CVSSPoint
	rows     int
}

func newAccumulator(now time.Time) *accumulator {
	return &accumulator{
		now:      now,
		severity: make(map[types.Severity]int),
		factors:  make(map[string]int),
		daily:    make(map[string]*types.TrendPoint),
		cvss:     []types.CVSSPoint{},
	}
}

func (a *accumulator) add(r types.Row) {
	a.rows++
	a.severity[r.Severity]++
	for _, factor := range r.RiskFactors {
		a.factors[factor]++
	}
	if r.DiscoveredAt != nil {
		day := dayOf(*r.DiscoveredAt)
		point, ok := a.daily[day]
		if !ok {
			point = &types.TrendPoint{Date: day}
			a.daily[day] = point
		}
		point.Add(r.Severity, 1)
	}
	if sample, ok := cvssSample(r, a.now); ok && len(a.cvss) < MaxCVSSSamples {
		a.cvss = append(a.cvss, sample)
	}
}

func (a *accumulator) chartData() types.ChartData {
	return types.ChartData{
		SeverityData:    severityData(a.severity),
		RiskFactorsData: topFactors(a.factors, TopRiskFactors),
		TrendData:       lastDays(sortedTrend(a.daily), TrendDays),
		CVSSData:        a.cvss,
	}
}

// cvssSample yields a scatter point for rows with a positive score and a publish date
func cvssSample(r types.Row, now time.Time) (types.CVSSPoint, bool) {
	if r.CVSS == nil || *r.CVSS <= 0 || r.PublishedAt == nil {
		return types.CVSSPoint{}, false
	}
	days := math.Floor(float64(now.UnixMilli()-*r.PublishedAt) / dayMillis)
	return types.CVSSPoint{
		CVSS:               *r.CVSS,
		DaysSincePublished: int(days),
		Severity:           r.Severity,
		CVE:                r.CVE,
	}, true
}

// dayOf formats an epoch-ms instant as its UTC calendar date
func dayOf(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.DateOnly)
}

// severityData lists non-zero counts in canonical severity order
func severityData(counts map[types.Severity]int) []types.SeverityCount {
	out := []types.SeverityCount{}
	for _, sev := range types.Severities {
		if n := counts[sev]; n > 0 {
			out = append(out, types.SeverityCount{Severity: sev, Count: n})
		}
	}
	return out
}

// topFactors sorts by count descending, then label, and keeps the first limit
func topFactors(counts map[string]int, limit int) []types.FactorCount {
	out := make([]types.FactorCount, 0, len(counts))
	for factor, n := range counts {
		if n > 0 {
			out = append(out, types.FactorCount{Factor: factor, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Factor < out[j].Factor
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortedTrend(daily map[string]*types.TrendPoint) []types.TrendPoint {
	out := make([]types.TrendPoint, 0, len(daily))
	for _, point := range daily {
		out = append(out, *point)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func lastDays(points []types.TrendPoint, n int) []types.TrendPoint {
	if len(points) > n {
		return points[len(points)-n:]
	}
	return points
}

func sumSeverities(counts []types.SeverityCount) int {
	total := 0
	for _, c := range counts {
		total += c.Count
	}
	return total
}
