// ABOUTME: Translation of dashboard filters into the shared row predicate.
// ABOUTME: Validates filter values and resolves date offsets and analysis-mode exclusions.

package aggregate

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jfeddern/VulnDash/internal/store"
	"github.com/jfeddern/VulnDash/internal/types"
)

// ErrInvalidFilters is returned for filter values outside the supported sets
var ErrInvalidFilters = errors.New("invalid filters")

// DateOffsets are the supported dateRange.start values besides ""
var DateOffsets = []string{"7", "30", "90", "365"}

// AnalysisModes lists the supported analysisMode values
var AnalysisModes = []string{types.AnalysisModeAll, types.AnalysisModeAnalysis, types.AnalysisModeAIAnalysis}

// LastYearOffset is the only date offset pre-aggregated in snapshots
const LastYearOffset = "365"

// Normalize fills empty fields with "all" and rejects unsupported values
func Normalize(f types.Filters) (types.Filters, error) {
	if f.Severity == "" {
		f.Severity = types.All
	}
	if f.KaiStatus == "" {
		f.KaiStatus = types.All
	}
	if f.AnalysisMode == "" {
		f.AnalysisMode = types.AnalysisModeAll
	}

	if f.Severity != types.All && !types.Severity(f.Severity).Valid() {
		return f, fmt.Errorf("%w: severity %q", ErrInvalidFilters, f.Severity)
	}
	if !contains(AnalysisModes, f.AnalysisMode) {
		return f, fmt.Errorf("%w: analysisMode %q", ErrInvalidFilters, f.AnalysisMode)
	}
	if f.DateRange.Start != "" && !contains(DateOffsets, f.DateRange.Start) {
		return f, fmt.Errorf("%w: dateRange.start %q", ErrInvalidFilters, f.DateRange.Start)
	}
	return f, nil
}

// ExcludedStatuses returns the kaiStatus values an analysis mode hides
func ExcludedStatuses(mode string) []string {
	switch mode {
	case types.AnalysisModeAnalysis:
		return []string{types.KaiStatusInvalidNoRisk}
	case types.AnalysisModeAIAnalysis:
		return []string{types.KaiStatusAIInvalidNoRisk}
	}
	return nil
}

// StatusExcluded reports whether the requested kaiStatus can never match under the requested mode
func StatusExcluded(f types.Filters) bool {
	if f.KaiStatus == types.All {
		return false
	}
	return contains(ExcludedStatuses(f.AnalysisMode), f.KaiStatus)
}

// DateCutoff returns the inclusive discoveredAt lower bound for a date offset
func DateCutoff(start string, now time.Time) (time.Time, bool) {
	if start == "" {
		return time.Time{}, false
	}
	days, err := strconv.Atoi(start)
	if err != nil || days <= 0 {
		return time.Time{}, false
	}
	return now.AddDate(0, 0, -days), true
}

// QueryFor builds the store predicate for normalized filters
func QueryFor(f types.Filters, now time.Time) store.Query {
	q := store.Query{
		Group:            f.Group,
		Repo:             f.Repo,
		ExcludeKaiStatus: ExcludedStatuses(f.AnalysisMode),
	}
	if f.Severity != types.All {
		q.Severity = types.Severity(f.Severity)
	}
	if f.KaiStatus != types.All {
		q.KaiStatus = f.KaiStatus
	}
	if cutoff, ok := DateCutoff(f.DateRange.Start, now); ok {
		ms := cutoff.UnixMilli()
		q.DiscoveredSince = &ms
	}
	return q
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
