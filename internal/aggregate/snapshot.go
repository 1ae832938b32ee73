// ABOUTME: Snapshot document model and the lazily loaded, process-lifetime snapshot cache.
// ABOUTME: Detects row, chart-data, and pre-aggregated formats; concurrent loads share one fetch.

package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jfeddern/VulnDash/internal/sources"
	"github.com/jfeddern/VulnDash/internal/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Snapshot errors
var (
	ErrSnapshotUnavailable  = errors.New("snapshot source not configured")
	ErrUnrecognizedSnapshot = errors.New("unrecognized snapshot format")
)

// Format identifies which snapshot variant a document carries
type Format int

const (
	FormatUnknown Format = iota
	FormatRows
	FormatChartData
	FormatAggregates
)

func (f Format) String() string {
	switch f {
	case FormatRows:
		return "rows"
	case FormatChartData:
		return "chartData"
	case FormatAggregates:
		return "aggregates"
	}
	return "unknown"
}

// Snapshot is a pre-built dataset served while the store is empty
type Snapshot struct {
	Rows        []types.Row      `json:"rows,omitempty"`
	ChartData   *types.ChartData `json:"chartData,omitempty"`
	Aggregates  *Aggregates      `json:"aggregates,omitempty"`
	TotalCount  *int             `json:"totalCount,omitempty"`
	GeneratedAt string           `json:"generatedAt,omitempty"`
}

// Format reports the variant by precedence rows, chartData, aggregates
func (s *Snapshot) Format() Format {
	switch {
	case s == nil:
		return FormatUnknown
	case s.Rows != nil:
		return FormatRows
	case s.ChartData != nil:
		return FormatChartData
	case s.Aggregates != nil:
		return FormatAggregates
	}
	return FormatUnknown
}

// Aggregates holds counts pre-bucketed by analysis mode and by single kaiStatus
type Aggregates struct {
	TotalByKaiFilter         map[string]int `json:"totalByKaiFilter,omitempty"`
	TotalByKaiFilterLastYear map[string]int `json:"totalByKaiFilter_lastYear,omitempty"`

	SeverityByKaiFilter         map[string]map[string]int `json:"severityByKaiFilter,omitempty"`
	SeverityByKaiFilterLastYear map[string]map[string]int `json:"severityByKaiFilter_lastYear,omitempty"`

	DailySeverityByKaiFilter         map[string][]types.TrendPoint `json:"dailySeverityByKaiFilter,omitempty"`
	DailySeverityByKaiFilterLastYear map[string][]types.TrendPoint `json:"dailySeverityByKaiFilter_lastYear,omitempty"`

	RiskFactorsByKaiFilter         map[string]map[string]int `json:"riskFactorsByKaiFilter,omitempty"`
	RiskFactorsByKaiFilterLastYear map[string]map[string]int `json:"riskFactorsByKaiFilter_lastYear,omitempty"`

	RiskFactorsByKaiFilterBySeverity         map[string]map[string]map[string]int `json:"riskFactorsByKaiFilterBySeverity,omitempty"`
	RiskFactorsByKaiFilterBySeverityLastYear map[string]map[string]map[string]int `json:"riskFactorsByKaiFilterBySeverity_lastYear,omitempty"`

	CVSSSamplesByKaiFilter         map[string][]types.CVSSPoint `json:"cvssSamplesByKaiFilter,omitempty"`
	CVSSSamplesByKaiFilterLastYear map[string][]types.CVSSPoint `json:"cvssSamplesByKaiFilter_lastYear,omitempty"`

	SeverityByKaiStatusSingle         map[string]map[string]int `json:"severityByKaiStatusSingle,omitempty"`
	SeverityByKaiStatusSingleLastYear map[string]map[string]int `json:"severityByKaiStatusSingle_lastYear,omitempty"`

	DailySeverityByKaiStatusSingle         map[string][]types.TrendPoint `json:"dailySeverityByKaiStatusSingle,omitempty"`
	DailySeverityByKaiStatusSingleLastYear map[string][]types.TrendPoint `json:"dailySeverityByKaiStatusSingle_lastYear,omitempty"`

	RiskFactorsByKaiStatusSingle         map[string]map[string]int `json:"riskFactorsByKaiStatusSingle,omitempty"`
	RiskFactorsByKaiStatusSingleLastYear map[string]map[string]int `json:"riskFactorsByKaiStatusSingle_lastYear,omitempty"`

	CVSSSamplesByKaiStatusSingle         map[string][]types.CVSSPoint `json:"cvssSamplesByKaiStatusSingle,omitempty"`
	CVSSSamplesByKaiStatusSingleLastYear map[string][]types.CVSSPoint `json:"cvssSamplesByKaiStatusSingle_lastYear,omitempty"`
}

// SnapshotLoader fetches the snapshot once and keeps it for the process lifetime
type SnapshotLoader struct {
	source sources.Source
	logger *logrus.Logger

	group    singleflight.Group
	mutex    sync.RWMutex
	snapshot *Snapshot
}

// NewSnapshotLoader creates a loader; a nil source makes every load fail with ErrSnapshotUnavailable
func NewSnapshotLoader(source sources.Source, logger *logrus.Logger) *SnapshotLoader {
	return &SnapshotLoader{source: source, logger: logger}
}

// Load returns the cached snapshot or fetches it. Failed fetches are not cached.
func (l *SnapshotLoader) Load(ctx context.Context) (*Snapshot, error) {
	if l == nil || l.source == nil {
		return nil, ErrSnapshotUnavailable
	}

	l.mutex.RLock()
	cached := l.snapshot
	l.mutex.RUnlock()
	if cached != nil {
		return cached, nil
	}

	// The shared fetch outlives any single caller's cancellation
	fetchCtx := context.WithoutCancel(ctx)
	result := l.group.DoChan("snapshot", func() (any, error) {
		l.mutex.RLock()
		cached := l.snapshot
		l.mutex.RUnlock()
		if cached != nil {
			return cached, nil
		}

		snapshot, err := l.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		l.mutex.Lock()
		l.snapshot = snapshot
		l.mutex.Unlock()
		return snapshot, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

func (l *SnapshotLoader) fetch(ctx context.Context) (*Snapshot, error) {
	logger := l.logger.WithFields(logrus.Fields{
		"component": "snapshot",
		"source":    l.source.Name(),
	})

	body, err := l.source.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer func() { _ = body.Close() }()

	var snapshot Snapshot
	if err := json.NewDecoder(body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snapshot.Format() == FormatUnknown {
		return nil, ErrUnrecognizedSnapshot
	}

	logger.WithFields(logrus.Fields{
		"format":       snapshot.Format().String(),
		"generated_at": snapshot.GeneratedAt,
	}).Info("Loaded snapshot")
	return &snapshot, nil
}
