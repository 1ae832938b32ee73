// ABOUTME: Severity aggregate table access: read, and regenerate from rows.
// ABOUTME: The aggregate is a materialized view, never a source of truth.

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jfeddern/VulnDash/internal/types"
	"github.com/sirupsen/logrus"
)

// replaceAggregates clears the aggregate table and inserts counts inside tx.
// Severities with a zero count are not stored.
func replaceAggregates(ctx context.Context, tx *sql.Tx, counts map[types.Severity]int) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM agg_severity"); err != nil {
		return fmt.Errorf("failed to clear aggregates: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO agg_severity (severity, count) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare aggregate insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, sev := range types.Severities {
		count := counts[sev]
		if count <= 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, string(sev), count); err != nil {
			return fmt.Errorf("failed to insert aggregate %s: %w", sev, err)
		}
	}
	return nil
}

// Aggregates returns the stored severity aggregate in display order
func (s *Store) Aggregates(ctx context.Context) ([]types.SeverityCount, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT severity, count FROM agg_severity")
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.Severity]int)
	for rows.Next() {
		var sev string
		var count int
		if err := rows.Scan(&sev, &count); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate: %w", err)
		}
		counts[types.Severity(sev)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := []types.SeverityCount{}
	for _, sev := range types.Severities {
		if n, ok := counts[sev]; ok {
			out = append(out, types.SeverityCount{Severity: sev, Count: n})
		}
	}
	return out, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func severityCounts(ctx context.Context, q querier) (map[types.Severity]int, error) {
	rows, err := q.QueryContext(ctx, "SELECT severity, COUNT(*) FROM vulns GROUP BY severity")
	if err != nil {
		return nil, fmt.Errorf("failed to count severities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.Severity]int)
	for rows.Next() {
		var sev string
		var count int
		if err := rows.Scan(&sev, &count); err != nil {
			return nil, fmt.Errorf("failed to scan severity count: %w", err)
		}
		counts[types.Severity(sev)] = count
	}
	return counts, rows.Err()
}

// RegenerateAggregates rebuilds the aggregate table from a full count of stored rows
func (s *Store) RegenerateAggregates(ctx context.Context) (map[types.Severity]int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	counts, err := severityCounts(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := replaceAggregates(ctx, tx, counts); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit aggregates: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"critical": counts[types.SeverityCritical],
		"high":     counts[types.SeverityHigh],
		"medium":   counts[types.SeverityMedium],
		"low":      counts[types.SeverityLow],
		"unknown":  counts[types.SeverityUnknown],
	}).Info("Regenerated severity aggregates")

	return counts, nil
}
