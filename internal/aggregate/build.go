// ABOUTME: Builds a pre-aggregated snapshot document from the live row store.
// ABOUTME: One scan fills every analysis-mode and single-status bucket plus their last-year variants.

package aggregate

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jfeddern/VulnDash/internal/store"
	"github.com/jfeddern/VulnDash/internal/types"
)

// Scanner iterates stored rows
type Scanner interface {
	Scan(ctx context.Context, q store.Query, fn func(types.Row) error) error
}

// builderBucket accumulates one bucket of a format (c) document
type builderBucket struct {
	total             int
	severity          map[string]int
	daily             map[string]*types.TrendPoint
	factors           map[string]int
	factorsBySeverity map[string]map[string]int
	cvss              []types.CVSSPoint
}

func newBuilderBucket() *builderBucket {
	return &builderBucket{
		severity:          make(map[string]int),
		daily:             make(map[string]*types.TrendPoint),
		factors:           make(map[string]int),
		factorsBySeverity: make(map[string]map[string]int),
		cvss:              []types.CVSSPoint{},
	}
}

func (b *builderBucket) add(r types.Row, now time.Time) {
	sev := string(r.Severity)
	b.total++
	b.severity[sev]++
	if b.factorsBySeverity[sev] == nil {
		b.factorsBySeverity[sev] = make(map[string]int)
	}
	for _, factor := range r.RiskFactors {
		b.factors[factor]++
		b.factorsBySeverity[sev][factor]++
	}
	if r.DiscoveredAt != nil {
		day := dayOf(*r.DiscoveredAt)
		point, ok := b.daily[day]
		if !ok {
			point = &types.TrendPoint{Date: day}
			b.daily[day] = point
		}
		point.Add(r.Severity, 1)
	}
	if sample, ok := cvssSample(r, now); ok && len(b.cvss) < MaxCVSSSamples {
		b.cvss = append(b.cvss, sample)
	}
}

// bucketSet keys builder buckets by mode or status
type bucketSet map[string]*builderBucket

func (s bucketSet) get(key string) *builderBucket {
	b, ok := s[key]
	if !ok {
		b = newBuilderBucket()
		s[key] = b
	}
	return b
}

// BuildSnapshot scans the store once and returns a pre-aggregated snapshot
func BuildSnapshot(ctx context.Context, rows Scanner, now time.Time) (*Snapshot, error) {
	lastYearCutoff := now.AddDate(0, 0, -365).UnixMilli()

	modes, modesLastYear := bucketSet{}, bucketSet{}
	statuses, statusesLastYear := bucketSet{}, bucketSet{}
	for _, mode := range AnalysisModes {
		modes.get(mode)
		modesLastYear.get(mode)
	}

	total := 0
	err := rows.Scan(ctx, store.Query{}, func(r types.Row) error {
		total++
		inLastYear := r.DiscoveredAt != nil && *r.DiscoveredAt >= lastYearCutoff

		for _, mode := range AnalysisModes {
			if contains(ExcludedStatuses(mode), r.KaiStatus) {
				continue
			}
			modes.get(mode).add(r, now)
			if inLastYear {
				modesLastYear.get(mode).add(r, now)
			}
		}
		if r.KaiStatus != "" {
			statuses.get(r.KaiStatus).add(r, now)
			if inLastYear {
				statusesLastYear.get(r.KaiStatus).add(r, now)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan rows for snapshot: %w", err)
	}

	a := &Aggregates{}
	a.TotalByKaiFilter, a.SeverityByKaiFilter, a.DailySeverityByKaiFilter,
		a.RiskFactorsByKaiFilter, a.RiskFactorsByKaiFilterBySeverity, a.CVSSSamplesByKaiFilter = modes.export()
	a.TotalByKaiFilterLastYear, a.SeverityByKaiFilterLastYear, a.DailySeverityByKaiFilterLastYear,
		a.RiskFactorsByKaiFilterLastYear, a.RiskFactorsByKaiFilterBySeverityLastYear, a.CVSSSamplesByKaiFilterLastYear = modesLastYear.export()
	_, a.SeverityByKaiStatusSingle, a.DailySeverityByKaiStatusSingle,
		a.RiskFactorsByKaiStatusSingle, _, a.CVSSSamplesByKaiStatusSingle = statuses.export()
	_, a.SeverityByKaiStatusSingleLastYear, a.DailySeverityByKaiStatusSingleLastYear,
		a.RiskFactorsByKaiStatusSingleLastYear, _, a.CVSSSamplesByKaiStatusSingleLastYear = statusesLastYear.export()

	return &Snapshot{
		Aggregates:  a,
		TotalCount:  &total,
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}, nil
}

func (s bucketSet) export() (
	totals map[string]int,
	severity map[string]map[string]int,
	daily map[string][]types.TrendPoint,
	factors map[string]map[string]int,
	factorsBySeverity map[string]map[string]map[string]int,
	cvss map[string][]types.CVSSPoint,
) {
	totals = make(map[string]int, len(s))
	severity = make(map[string]map[string]int, len(s))
	daily = make(map[string][]types.TrendPoint, len(s))
	factors = make(map[string]map[string]int, len(s))
	factorsBySeverity = make(map[string]map[string]map[string]int, len(s))
	cvss = make(map[string][]types.CVSSPoint, len(s))

	for key, b := range s {
		totals[key] = b.total
		severity[key] = b.severity
		daily[key] = sortedTrend(b.daily)
		factors[key] = b.factors
		factorsBySeverity[key] = b.factorsBySeverity
		cvss[key] = b.cvss
	}
	return totals, severity, daily, factors, factorsBySeverity, cvss
}

// WriteSnapshot encodes a snapshot as indented JSON
func WriteSnapshot(w io.Writer, snapshot *Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snapshot); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}
