// ABOUTME: Embedded SQLite row store for normalized vulnerability rows and severity aggregates.
// ABOUTME: Provides bulk upsert, indexed filtered scans, counts, and aggregate regeneration.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jfeddern/VulnDash/internal/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidRow is returned when a row violates the id/severity invariant
var ErrInvalidRow = errors.New("invalid row")

// columns lists the vulns table columns in scan order
var columns = []string{
	"id", "grp", "repo", "image_id", "image_name", "image_version",
	"cve", "severity", "cvss", "status", "kai_status", "description",
	"package_name", "package_version", "package_type",
	"published_at", "fix_date", "discovered_at", "risk_factors",
}

var selectColumns = strings.Join(columns, ", ")

// Store wraps the SQLite connection pool
type Store struct {
	conn   *sql.DB
	path   string
	logger *logrus.Logger
}

// Open opens (creating if needed) the store at dbPath and ensures the schema exists
func Open(ctx context.Context, dbPath string, logger *logrus.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(8)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Pragmas are optimizations, not critical - ignore errors
	for _, pragma := range []string{"PRAGMA cache_size=10000", "PRAGMA temp_store=MEMORY"} {
		_, _ = conn.ExecContext(ctx, pragma)
	}

	s := &Store{conn: conn, path: dbPath, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.WithField("path", dbPath).Debug("Opened row store")
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS vulns (
		id TEXT PRIMARY KEY,
		grp TEXT NOT NULL DEFAULT '',
		repo TEXT NOT NULL DEFAULT '',
		image_id TEXT NOT NULL DEFAULT '',
		image_name TEXT NOT NULL DEFAULT '',
		image_version TEXT NOT NULL DEFAULT '',
		cve TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL CHECK (severity IN ('critical','high','medium','low','unknown')),
		cvss REAL,
		status TEXT NOT NULL DEFAULT '',
		kai_status TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		package_name TEXT NOT NULL DEFAULT '',
		package_version TEXT NOT NULL DEFAULT '',
		package_type TEXT NOT NULL DEFAULT '',
		published_at INTEGER,
		fix_date INTEGER,
		discovered_at INTEGER,
		risk_factors TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_vulns_severity ON vulns(severity);
	CREATE INDEX IF NOT EXISTS idx_vulns_kai_status ON vulns(kai_status);
	CREATE INDEX IF NOT EXISTS idx_vulns_discovered_at ON vulns(discovered_at);
	CREATE INDEX IF NOT EXISTS idx_vulns_published_at ON vulns(published_at);
	CREATE INDEX IF NOT EXISTS idx_vulns_grp_repo ON vulns(grp, repo);

	CREATE TABLE IF NOT EXISTS agg_severity (
		severity TEXT PRIMARY KEY,
		count INTEGER NOT NULL
	);
	`

	_, err := s.conn.ExecContext(ctx, schema)
	return err
}

// Count returns the number of stored rows
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM vulns").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

// AggregateCount returns the number of rows in the severity aggregate table
func (s *Store) AggregateCount(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM agg_severity").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count aggregates: %w", err)
	}
	return n, nil
}

// Clear removes all rows and aggregates in one transaction
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM vulns"); err != nil {
		return fmt.Errorf("failed to clear rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM agg_severity"); err != nil {
		return fmt.Errorf("failed to clear aggregates: %w", err)
	}

	return tx.Commit()
}

func validateRow(r *types.Row) error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRow)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: severity %q for %s", ErrInvalidRow, r.Severity, r.ID)
	}
	return nil
}

// UpsertRows writes rows in one transaction. Rows sharing an id overwrite
// each other in slice order, so the last occurrence wins.
func (s *Store) UpsertRows(ctx context.Context, rows []types.Row) error {
	if len(rows) == 0 {
		return nil
	}

	for i := range rows {
		if err := validateRow(&rows[i]); err != nil {
			return err
		}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	updates := make([]string, 0, len(columns)-1)
	for _, c := range columns[1:] {
		updates = append(updates, c+" = excluded."+c)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := "INSERT INTO vulns (" + selectColumns + ") VALUES (" + placeholders + ") " +
		"ON CONFLICT(id) DO UPDATE SET " + strings.Join(updates, ", ")

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range rows {
		args, err := rowArgs(&rows[i])
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to upsert row %s: %w", rows[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

func rowArgs(r *types.Row) ([]any, error) {
	factors := r.RiskFactors
	if factors == nil {
		factors = []string{}
	}
	encoded, err := json.Marshal(factors)
	if err != nil {
		return nil, fmt.Errorf("failed to encode risk factors for %s: %w", r.ID, err)
	}

	return []any{
		r.ID, r.Group, r.Repo, r.ImageID, r.ImageName, r.ImageVersion,
		r.CVE, string(r.Severity), nullFloat(r.CVSS), r.Status, r.KaiStatus, r.Description,
		r.PackageName, r.PackageVersion, r.PackageType,
		nullInt(r.PublishedAt), nullInt(r.FixDate), nullInt(r.DiscoveredAt), string(encoded),
	}, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (types.Row, error) {
	var r types.Row
	var severity, factors string
	var cvss sql.NullFloat64
	var publishedAt, fixDate, discoveredAt sql.NullInt64

	if err := sc.Scan(&r.ID, &r.Group, &r.Repo, &r.ImageID, &r.ImageName, &r.ImageVersion,
		&r.CVE, &severity, &cvss, &r.Status, &r.KaiStatus, &r.Description,
		&r.PackageName, &r.PackageVersion, &r.PackageType,
		&publishedAt, &fixDate, &discoveredAt, &factors); err != nil {
		return r, err
	}

	r.Severity = types.Severity(severity)
	if cvss.Valid {
		v := cvss.Float64
		r.CVSS = &v
	}
	r.PublishedAt = fromNullInt(publishedAt)
	r.FixDate = fromNullInt(fixDate)
	r.DiscoveredAt = fromNullInt(discoveredAt)

	r.RiskFactors = []string{}
	if factors != "" {
		if err := json.Unmarshal([]byte(factors), &r.RiskFactors); err != nil {
			return r, fmt.Errorf("failed to decode risk factors for %s: %w", r.ID, err)
		}
	}
	return r, nil
}

func fromNullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// Scan streams every row matching q, ordered by id, to fn. Returning an error from fn stops the scan.
func (s *Store) Scan(ctx context.Context, q Query, fn func(types.Row) error) error {
	where, args := q.where()
	rows, err := s.conn.QueryContext(ctx, "SELECT "+selectColumns+" FROM vulns"+where+" ORDER BY id", args...)
	if err != nil {
		return fmt.Errorf("failed to query rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}

	return rows.Err()
}

// CountMatching counts rows matching q
func (s *Store) CountMatching(ctx context.Context, q Query) (int, error) {
	where, args := q.where()
	var n int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM vulns"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count matching rows: %w", err)
	}
	return n, nil
}

// Get returns the row stored under id
func (s *Store) Get(ctx context.Context, id string) (*types.Row, error) {
	r, err := scanRow(s.conn.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM vulns WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get row %s: %w", id, err)
	}
	return &r, nil
}

// RecentBySeverity returns the newest rows (by publishedAt, missing dates last) of the given severities
func (s *Store) RecentBySeverity(ctx context.Context, severities []types.Severity, limit int) ([]types.Row, error) {
	if len(severities) == 0 || limit <= 0 {
		return []types.Row{}, nil
	}

	args := make([]any, 0, len(severities)+1)
	for _, sev := range severities {
		args = append(args, string(sev))
	}
	args = append(args, limit)

	query := "SELECT " + selectColumns + " FROM vulns WHERE severity IN (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(severities)), ", ") +
		") ORDER BY published_at IS NULL, published_at DESC, id LIMIT ?"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []types.Row{}
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
