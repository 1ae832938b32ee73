// ABOUTME: Row predicates shared by SQL scans and in-memory matching.
// ABOUTME: Also implements sorted, paged listing for the vulnerabilities table.

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jfeddern/VulnDash/internal/types"
)

// Query constrains rows. Zero-valued fields do not constrain.
type Query struct {
	Severity         types.Severity
	KaiStatus        string
	Group            string
	Repo             string
	DiscoveredSince  *int64 // epoch ms, inclusive
	ExcludeKaiStatus []string
}

func (q Query) where() (string, []any) {
	var clauses []string
	var args []any

	if q.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(q.Severity))
	}
	if q.KaiStatus != "" {
		clauses = append(clauses, "kai_status = ?")
		args = append(args, q.KaiStatus)
	}
	if q.Group != "" {
		clauses = append(clauses, "grp = ?")
		args = append(args, q.Group)
	}
	if q.Repo != "" {
		clauses = append(clauses, "repo = ?")
		args = append(args, q.Repo)
	}
	if q.DiscoveredSince != nil {
		clauses = append(clauses, "discovered_at >= ?")
		args = append(args, *q.DiscoveredSince)
	}
	for _, excluded := range q.ExcludeKaiStatus {
		clauses = append(clauses, "kai_status != ?")
		args = append(args, excluded)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Match applies the same predicate as the SQL translation to an in-memory row
func (q Query) Match(r *types.Row) bool {
	if q.Severity != "" && r.Severity != q.Severity {
		return false
	}
	if q.KaiStatus != "" && r.KaiStatus != q.KaiStatus {
		return false
	}
	if q.Group != "" && r.Group != q.Group {
		return false
	}
	if q.Repo != "" && r.Repo != q.Repo {
		return false
	}
	if q.DiscoveredSince != nil && (r.DiscoveredAt == nil || *r.DiscoveredAt < *q.DiscoveredSince) {
		return false
	}
	for _, excluded := range q.ExcludeKaiStatus {
		if r.KaiStatus == excluded {
			return false
		}
	}
	return true
}

// MaxPageSize bounds List
const MaxPageSize = 1000

// Page selects a sorted window of matching rows
type Page struct {
	Offset int
	Limit  int
	SortBy string
	Desc   bool
}

var sortColumns = map[string]string{
	"severity":     "CASE severity WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 WHEN 'low' THEN 3 ELSE 4 END",
	"cvss":         "cvss",
	"publishedAt":  "published_at",
	"discoveredAt": "discovered_at",
	"cve":          "cve",
	"packageName":  "package_name",
	"id":           "id",
}

// ValidSortKey reports whether key can be used as Page.SortBy
func ValidSortKey(key string) bool {
	_, ok := sortColumns[key]
	return ok
}

// List returns one page of rows matching q along with the total number of matches
func (s *Store) List(ctx context.Context, q Query, page Page) ([]types.Row, int, error) {
	total, err := s.CountMatching(ctx, q)
	if err != nil {
		return nil, 0, err
	}

	limit := page.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}

	sortBy := page.SortBy
	if sortBy == "" {
		sortBy = "id"
	}
	column, ok := sortColumns[sortBy]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported sort key: %s", page.SortBy)
	}
	direction := "ASC"
	if page.Desc {
		direction = "DESC"
	}

	where, args := q.where()
	query := "SELECT " + selectColumns + " FROM vulns" + where +
		" ORDER BY " + column + " IS NULL, " + column + " " + direction + ", id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []types.Row{}
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}
