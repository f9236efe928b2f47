// Package history keeps a local SQLite log of sync runs, successful or not.
package history

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"planesync/backend/plane"
)

// Run is one recorded sync.
type Run struct {
	ID            string        `json:"id"`
	StartedAt     time.Time     `json:"started_at"`
	Project       string        `json:"project,omitempty"`
	ProjectID     string        `json:"project_id,omitempty"`
	Template      string        `json:"template,omitempty"`
	Output        string        `json:"output,omitempty"`
	TotalTasks    int           `json:"total_tasks"`
	FilteredTasks int           `json:"filtered_tasks"`
	FromCache     bool          `json:"from_cache"`
	Duration      time.Duration `json:"duration_ns"`
	Success       bool          `json:"success"`
	ErrorType     string        `json:"error_type,omitempty"`
	Error         string        `json:"error,omitempty"`
	FilterSummary string        `json:"filter_summary,omitempty"`
}

// Store records and queries sync runs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Record stores run. A missing ID is generated and a zero StartedAt is set
// to now; the stored run is returned.
func (s *Store) Record(ctx context.Context, run Run) (Run, error) {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, project, project_id, template, output, total_tasks,
			filtered_tasks, from_cache, duration_ms, success, error_type, error, filter_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt.UnixMilli(), nullString(run.Project), nullString(run.ProjectID),
		nullString(run.Template), nullString(run.Output), run.TotalTasks, run.FilteredTasks,
		boolToInt(run.FromCache), run.Duration.Milliseconds(), boolToInt(run.Success),
		nullString(run.ErrorType), nullString(run.Error), nullString(run.FilterSummary))
	if err != nil {
		return run, errors.Wrap(err, "failed to record sync run")
	}
	return run, nil
}

// Recent returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT id, started_at, project, project_id, template, output, total_tasks, filtered_tasks,
		from_cache, duration_ms, success, error_type, error, filter_summary
		FROM runs ORDER BY started_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sync history")
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var (
			r                     Run
			startedMs, durationMs int64
			fromCache, success    int
			project, projectID    sql.NullString
			tpl, output           sql.NullString
			errType, errMsg, summ sql.NullString
		)
		if err := rows.Scan(&r.ID, &startedMs, &project, &projectID, &tpl, &output, &r.TotalTasks,
			&r.FilteredTasks, &fromCache, &durationMs, &success, &errType, &errMsg, &summ); err != nil {
			return nil, errors.Wrap(err, "failed to read sync history")
		}
		r.StartedAt = time.UnixMilli(startedMs)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.FromCache = fromCache == 1
		r.Success = success == 1
		r.Project, r.ProjectID, r.Template, r.Output = project.String, projectID.String, tpl.String, output.String
		r.ErrorType, r.Error, r.FilterSummary = errType.String, errMsg.String, summ.String
		runs = append(runs, r)
	}
	return runs, errors.Wrap(rows.Err(), "failed to read sync history")
}

// Cleanup removes runs older than the specified retention period.
// Returns the number of deleted runs.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixMilli()

	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune sync history")
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	// Vacuum to reclaim space
	if deleted > 0 {
		_, _ = s.db.ExecContext(ctx, "VACUUM")
	}

	return deleted, nil
}

// CategorizeError maps err to a short error type for the history log.
func CategorizeError(err error) string {
	if err == nil {
		return ""
	}
	if kind := plane.KindOf(err); kind != "" {
		return string(kind)
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "timeout") || errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case strings.Contains(errStr, "no project specified") || strings.Contains(errStr, "project not found"):
		return "project"
	case strings.Contains(errStr, "template not found"):
		return "template"
	case strings.Contains(errStr, "invalid") || strings.Contains(errStr, "validation"):
		return "validation"
	default:
		return "unknown"
	}
}

// nullString returns nil for empty strings, otherwise the string pointer
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// boolToInt converts a bool to 1 (true) or 0 (false)
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
