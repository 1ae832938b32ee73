// ABOUTME: Common types shared across the VulnDash system.
// ABOUTME: Defines normalized rows, aggregates, ingestion status, filters, and chart data.

package types

import "strings"

// Severity is the normalized risk tier of a finding
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityUnknown  Severity = "unknown"
)

// Severities lists every severity in display order
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityUnknown}

// Valid reports whether s is one of the five normalized severities
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityUnknown:
		return true
	}
	return false
}

// Rank orders severities from critical (0) to unknown (4)
func (s Severity) Rank() int {
	for i, sev := range Severities {
		if sev == s {
			return i
		}
	}
	return len(Severities)
}

// ParseSeverity maps free-form casing onto the closed severity set
func ParseSeverity(value string) Severity {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(value))); sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return sev
	}
	return SeverityUnknown
}

// Triage tags with dedicated filtering semantics
const (
	KaiStatusInvalidNoRisk   = "invalid - norisk"
	KaiStatusAIInvalidNoRisk = "ai-invalid-norisk"
)

// Row is one normalized vulnerability finding as persisted in the row store
type Row struct {
	ID             string   `json:"id"` // imageId|cve|packageName|packageVersion
	Group          string   `json:"group"`
	Repo           string   `json:"repo"`
	ImageID        string   `json:"imageId"`
	ImageName      string   `json:"imageName"`
	ImageVersion   string   `json:"imageVersion,omitempty"`
	CVE            string   `json:"cve"`
	Severity       Severity `json:"severity"`
	CVSS           *float64 `json:"cvss,omitempty"`
	Status         string   `json:"status,omitempty"`
	KaiStatus      string   `json:"kaiStatus,omitempty"`
	Description    string   `json:"description,omitempty"`
	PackageName    string   `json:"packageName,omitempty"`
	PackageVersion string   `json:"packageVersion,omitempty"`
	PackageType    string   `json:"packageType,omitempty"`
	PublishedAt    *int64   `json:"publishedAt,omitempty"` // epoch ms
	FixDate        *int64   `json:"fixDate,omitempty"`     // epoch ms
	DiscoveredAt   *int64   `json:"discoveredAt,omitempty"`
	RiskFactors    []string `json:"riskFactors"`
}

// SeverityCount is one row of the severity aggregate table
type SeverityCount struct {
	Severity Severity `json:"severity"`
	Count    int      `json:"count"`
}

// IngestionStatus is the process-wide ingestion lifecycle snapshot
type IngestionStatus struct {
	IsIngesting bool    `json:"isIngesting"`
	Progress    float64 `json:"progress"`
	TotalRows   int     `json:"totalRows"`
	Error       *string `json:"error"`
	RunID       string  `json:"runId,omitempty"`
	StartedAt   *int64  `json:"startedAt,omitempty"`
	FinishedAt  *int64  `json:"finishedAt,omitempty"`
}

// Filter wildcards and analysis modes
const (
	All = "all"

	AnalysisModeAll        = "all"
	AnalysisModeAnalysis   = "analysis"
	AnalysisModeAIAnalysis = "ai-analysis"
)

// DateRange only supports a start offset in days ("" means unconstrained)
type DateRange struct {
	Start string `json:"start"`
}

// Filters is the dashboard filter set
type Filters struct {
	Severity     string    `json:"severity"`  // Severity value or "all"
	KaiStatus    string    `json:"kaiStatus"` // literal tag or "all"
	DateRange    DateRange `json:"dateRange"`
	AnalysisMode string    `json:"analysisMode"`
	Group        string    `json:"group,omitempty"`
	Repo         string    `json:"repo,omitempty"`
}

// DefaultFilters returns a filter set that constrains nothing
func DefaultFilters() Filters {
	return Filters{Severity: All, KaiStatus: All, AnalysisMode: AnalysisModeAll}
}

// FactorCount is one bar of the risk-factor chart
type FactorCount struct {
	Factor string `json:"factor"`
	Count  int    `json:"count"`
}

// TrendPoint is one day of the severity trend series
type TrendPoint struct {
	Date     string `json:"date"` // YYYY-MM-DD (UTC)
	Critical int    `json:"critical"`
	High     int    `json:"high"`
	Medium   int    `json:"medium"`
	Low      int    `json:"low"`
	Unknown  int    `json:"unknown"`
}

// Add increments the counter for severity by n
func (p *TrendPoint) Add(severity Severity, n int) {
	switch severity {
	case SeverityCritical:
		p.Critical += n
	case SeverityHigh:
		p.High += n
	case SeverityMedium:
		p.Medium += n
	case SeverityLow:
		p.Low += n
	default:
		p.Unknown += n
	}
}

// Get returns the counter for severity
func (p TrendPoint) Get(severity Severity) int {
	switch severity {
	case SeverityCritical:
		return p.Critical
	case SeverityHigh:
		return p.High
	case SeverityMedium:
		return p.Medium
	case SeverityLow:
		return p.Low
	default:
		return p.Unknown
	}
}

// CVSSPoint is one sample of the CVSS-vs-age scatter plot
type CVSSPoint struct {
	CVSS               float64  `json:"cvss"`
	DaysSincePublished int      `json:"daysSincePublished"`
	Severity           Severity `json:"severity"`
	CVE                string   `json:"cve"`
}

// ChartData is the chart-ready aggregate response
type ChartData struct {
	SeverityData    []SeverityCount `json:"severityData"`
	RiskFactorsData []FactorCount   `json:"riskFactorsData"`
	TrendData       []TrendPoint    `json:"trendData"`
	CVSSData        []CVSSPoint     `json:"cvssData"`
}

// EmptyChartData returns chart data with empty (non-nil) series
func EmptyChartData() ChartData {
	return ChartData{
		SeverityData:    []SeverityCount{},
		RiskFactorsData: []FactorCount{},
		TrendData:       []TrendPoint{},
		CVSSData:        []CVSSPoint{},
	}
}

// DashboardStats are the header counters of the dashboard
type DashboardStats struct {
	TotalVulnerabilities int `json:"totalVulnerabilities"`
	CriticalCount        int `json:"criticalCount"`
	HighCount            int `json:"highCount"`
	NewCount             int `json:"newCount"`
	ResolvedCount        int `json:"resolvedCount"`
}
