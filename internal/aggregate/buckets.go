// ABOUTME: Chart selection over pre-aggregated snapshot buckets.
// ABOUTME: Picks mode or single-status buckets, the last-year variant, and applies severity and date cuts.

package aggregate

import (
	"sort"
	"time"

	"github.com/jfeddern/VulnDash/internal/types"
	"github.com/sirupsen/logrus"
)

// bucket is the slice of pre-aggregated data one filter set resolves to
type bucket struct {
	severity          map[string]int
	daily             []types.TrendPoint
	factors           map[string]int
	factorsBySeverity map[string]map[string]int
	cvss              []types.CVSSPoint
}

// selectBucket resolves filters to a bucket, logging approximations it has to make
func (a *Aggregates) selectBucket(f types.Filters, logger *logrus.Entry) bucket {
	lastYear := f.DateRange.Start == LastYearOffset
	if f.DateRange.Start != "" && !lastYear {
		logger.WithField("date_start", f.DateRange.Start).
			Warn("Snapshot aggregates only cover all-time and last-year ranges, using all-time counts")
	}
	if f.Group != "" || f.Repo != "" {
		logger.WithFields(logrus.Fields{"group": f.Group, "repo": f.Repo}).
			Warn("Snapshot aggregates are not bucketed by group or repo, ignoring those filters")
	}

	if f.KaiStatus != types.All {
		if lastYear {
			return bucket{
				severity: a.SeverityByKaiStatusSingleLastYear[f.KaiStatus],
				daily:    a.DailySeverityByKaiStatusSingleLastYear[f.KaiStatus],
				factors:  a.RiskFactorsByKaiStatusSingleLastYear[f.KaiStatus],
				cvss:     a.CVSSSamplesByKaiStatusSingleLastYear[f.KaiStatus],
			}
		}
		return bucket{
			severity: a.SeverityByKaiStatusSingle[f.KaiStatus],
			daily:    a.DailySeverityByKaiStatusSingle[f.KaiStatus],
			factors:  a.RiskFactorsByKaiStatusSingle[f.KaiStatus],
			cvss:     a.CVSSSamplesByKaiStatusSingle[f.KaiStatus],
		}
	}

	mode := f.AnalysisMode
	if lastYear {
		return bucket{
			severity:          a.SeverityByKaiFilterLastYear[mode],
			daily:             a.DailySeverityByKaiFilterLastYear[mode],
			factors:           a.RiskFactorsByKaiFilterLastYear[mode],
			factorsBySeverity: a.RiskFactorsByKaiFilterBySeverityLastYear[mode],
			cvss:              a.CVSSSamplesByKaiFilterLastYear[mode],
		}
	}
	return bucket{
		severity:          a.SeverityByKaiFilter[mode],
		daily:             a.DailySeverityByKaiFilter[mode],
		factors:           a.RiskFactorsByKaiFilter[mode],
		factorsBySeverity: a.RiskFactorsByKaiFilterBySeverity[mode],
		cvss:              a.CVSSSamplesByKaiFilter[mode],
	}
}

// aggregateChart builds chart data from a format (c) snapshot
func aggregateChart(a *Aggregates, f types.Filters, now time.Time, logger *logrus.Entry) types.ChartData {
	if StatusExcluded(f) {
		return types.EmptyChartData()
	}
	b := a.selectBucket(f, logger)

	chart := types.EmptyChartData()
	chart.SeverityData = severityData(b.severityCounts(f.Severity))

	var cutoff string
	if t, ok := DateCutoff(f.DateRange.Start, now); ok {
		cutoff = t.UTC().Format(time.DateOnly)
	}
	trend := make([]types.TrendPoint, 0, len(b.daily))
	for _, point := range b.daily {
		if cutoff != "" && point.Date < cutoff {
			continue
		}
		if f.Severity != types.All {
			sev := types.Severity(f.Severity)
			filtered := types.TrendPoint{Date: point.Date}
			filtered.Add(sev, point.Get(sev))
			point = filtered
		}
		if trendTotal(point) == 0 {
			continue
		}
		trend = append(trend, point)
	}
	sort.Slice(trend, func(i, j int) bool { return trend[i].Date < trend[j].Date })
	chart.TrendData = lastDays(trend, TrendDays)

	factors := b.factors
	if f.KaiStatus == types.All && f.Severity != types.All && b.factorsBySeverity != nil {
		factors = b.factorsBySeverity[f.Severity]
	}
	chart.RiskFactorsData = topFactors(factors, TopRiskFactors)

	for _, sample := range b.cvss {
		if len(chart.CVSSData) == MaxCVSSSamples {
			break
		}
		if f.Severity != types.All && string(sample.Severity) != f.Severity {
			continue
		}
		chart.CVSSData = append(chart.CVSSData, sample)
	}
	return chart
}

// aggregateCount sums the selected severity bucket
func aggregateCount(a *Aggregates, f types.Filters, logger *logrus.Entry) int {
	if StatusExcluded(f) {
		return 0
	}
	b := a.selectBucket(f, logger)
	total := 0
	for _, n := range b.severityCounts(f.Severity) {
		total += n
	}
	return total
}

func (b bucket) severityCounts(severity string) map[types.Severity]int {
	counts := make(map[types.Severity]int, len(b.severity))
	for key, n := range b.severity {
		sev := types.ParseSeverity(key)
		if severity != types.All && string(sev) != severity {
			continue
		}
		counts[sev] += n
	}
	return counts
}

func trendTotal(p types.TrendPoint) int {
	total := 0
	for _, sev := range types.Severities {
		total += p.Get(sev)
	}
	return total
}
