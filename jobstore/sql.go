package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	trigger "github.com/goliatone/go-trigger"
)

// Dialect selects placeholder style and DDL flavour.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DefaultTable is the job table name.
const DefaultTable = "workflow_scheduled_jobs"

// timestampLayout is fixed width so stored values sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

const jobColumns = `id, command, args, state, execute_after, reschedulable, workflow, content_hash, attempts, last_error, created_at, updated_at`

// SQL persists jobs through database/sql. The caller opens db with the
// driver of the dialect ("sqlite" from modernc.org/sqlite, "pgx" from
// github.com/jackc/pgx/v5/stdlib).
type SQL struct {
	db      *sql.DB
	dialect Dialect
	table   string
	now     func() time.Time

	schemaMu    sync.Mutex
	schemaReady bool
}

// SQLOption configures SQL.
type SQLOption func(*SQL)

// WithTable overrides DefaultTable.
func WithTable(table string) SQLOption {
	return func(s *SQL) {
		if table = strings.TrimSpace(table); table != "" {
			s.table = table
		}
	}
}

// WithSQLClock overrides time.Now.
func WithSQLClock(now func() time.Time) SQLOption {
	return func(s *SQL) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSQL(db *sql.DB, dialect Dialect, opts ...SQLOption) *SQL {
	if dialect == "" {
		dialect = DialectSQLite
	}
	s := &SQL{db: db, dialect: dialect, table: DefaultTable, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// EnsureSchema creates the job table and its indexes.
func (s *SQL) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sql job store not configured")
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			command TEXT NOT NULL,
			args TEXT NOT NULL,
			state TEXT NOT NULL,
			execute_after TEXT NOT NULL,
			reschedulable INTEGER NOT NULL DEFAULT 0,
			workflow TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_content_hash_idx ON %s (content_hash, state)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_due_idx ON %s (state, execute_after)`, s.table, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure job schema: %w", err)
		}
	}
	s.schemaReady = true
	return nil
}

func (s *SQL) FindPending(ctx context.Context, key trigger.ContentKey) ([]*trigger.ScheduledJob, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return s.findPending(ctx, s.db, key, false)
}

// ReschedulePending finds the pending jobs of key and, when exactly one
// matches, moves it to executeAfter in the same transaction. PostgreSQL
// locks the matched rows until commit.
func (s *SQL) ReschedulePending(ctx context.Context, key trigger.ContentKey, executeAfter time.Time) ([]*trigger.ScheduledJob, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	found, err := s.findPending(ctx, tx, key, s.dialect == DialectPostgres)
	if err != nil {
		return nil, err
	}
	if len(found) == 1 {
		job := found[0]
		now := s.now().UTC()
		q := fmt.Sprintf(`UPDATE %s SET execute_after = ?, updated_at = ?
			WHERE id = ? AND state IN ('new', 'pending')`, s.table)
		result, err := tx.ExecContext(ctx, s.rebind(q), formatTimestamp(executeAfter), formatTimestamp(now), job.ID)
		if err != nil {
			return nil, err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return nil, jobStarted(job)
		}
		job.ExecuteAfter = executeAfter.UTC()
		job.UpdatedAt = now
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tx = nil
	return found, nil
}

func (s *SQL) findPending(ctx context.Context, db sqlQueryer, key trigger.ContentKey, lock bool) ([]*trigger.ScheduledJob, error) {
	hash := key.Hash()
	q := fmt.Sprintf(`SELECT %s FROM %s
		WHERE content_hash = ? AND reschedulable = 1 AND state IN ('new', 'pending')
		ORDER BY execute_after ASC, created_at ASC, id ASC`, jobColumns, s.table)
	if lock {
		q += " FOR UPDATE"
	}
	jobs, err := s.query(ctx, db, q, hash)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, job := range jobs {
		if isPendingMatch(job, key, hash) {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *SQL) Create(ctx context.Context, job *trigger.ScheduledJob) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	job = prepareNewJob(job, s.now().UTC())
	args, err := json.Marshal(job.Args)
	if err != nil {
		return trigger.NewError(trigger.ErrInvalidJob, fmt.Sprintf("cannot encode args of job %s", job.ID), err, nil)
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table, jobColumns)
	_, err = s.db.ExecContext(ctx, s.rebind(q),
		job.ID,
		job.Command,
		string(args),
		string(job.State),
		formatTimestamp(job.ExecuteAfter),
		boolToInt(job.Reschedulable),
		job.Workflow,
		job.ContentHash,
		job.Attempts,
		job.LastError,
		formatTimestamp(job.CreatedAt),
		formatTimestamp(job.UpdatedAt),
	)
	if err != nil {
		if _, getErr := s.Get(ctx, job.ID); getErr == nil {
			return jobExists(job.ID)
		}
		return err
	}
	return nil
}

func (s *SQL) Reschedule(ctx context.Context, id string, executeAfter time.Time) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET execute_after = ?, updated_at = ?
		WHERE id = ? AND state IN ('new', 'pending')`, s.table)
	result, err := s.db.ExecContext(ctx, s.rebind(q), formatTimestamp(executeAfter), formatTimestamp(s.now()), id)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return jobStarted(job)
}

func (s *SQL) Get(ctx context.Context, id string) (*trigger.ScheduledJob, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, jobColumns, s.table)
	job, err := decodeJob(s.db.QueryRowContext(ctx, s.rebind(q), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound(id)
	}
	return job, err
}

func (s *SQL) List(ctx context.Context, filter trigger.JobFilter) ([]*trigger.ScheduledJob, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	if filter.Command != "" {
		where = append(where, "command = ?")
		args = append(args, filter.Command)
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, state := range filter.States {
			marks[i] = "?"
			args = append(args, string(state))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	q := fmt.Sprintf(`SELECT %s FROM %s`, jobColumns, s.table)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY execute_after ASC, created_at ASC, id ASC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.query(ctx, s.db, q, args...)
}

// ClaimDue selects due jobs and moves each into running with a conditional
// update, so concurrent workers never claim the same job twice.
func (s *SQL) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*trigger.ScheduledJob, error) {
	if limit <= 0 {
		limit = DefaultClaimLimit
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	nowText := formatTimestamp(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	selectQ := fmt.Sprintf(`SELECT id FROM %s
		WHERE state IN ('new', 'pending') AND execute_after <= ?
		ORDER BY execute_after ASC, created_at ASC, id ASC
		LIMIT ?`, s.table)
	rows, err := tx.QueryContext(ctx, s.rebind(selectQ), nowText, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	updateQ := s.rebind(fmt.Sprintf(`UPDATE %s
		SET state = 'running', attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND state IN ('new', 'pending')`, s.table))
	getQ := s.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, jobColumns, s.table))

	claimed := make([]*trigger.ScheduledJob, 0, len(ids))
	for _, id := range ids {
		result, err := tx.ExecContext(ctx, updateQ, nowText, id)
		if err != nil {
			return nil, err
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			continue
		}
		job, err := decodeJob(tx.QueryRowContext(ctx, getQ, id))
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, job)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tx = nil
	return claimed, nil
}

func (s *SQL) Complete(ctx context.Context, id string) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET state = 'finished', last_error = '', updated_at = ? WHERE id = ?`, s.table)
	return s.execOne(ctx, id, q, formatTimestamp(s.now()), id)
}

func (s *SQL) Fail(ctx context.Context, id string, retryAt *time.Time, reason string) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if retryAt != nil {
		q := fmt.Sprintf(`UPDATE %s SET state = 'pending', execute_after = ?, last_error = ?, updated_at = ? WHERE id = ?`, s.table)
		return s.execOne(ctx, id, q, formatTimestamp(*retryAt), reason, formatTimestamp(s.now()), id)
	}
	q := fmt.Sprintf(`UPDATE %s SET state = 'failed', last_error = ?, updated_at = ? WHERE id = ?`, s.table)
	return s.execOne(ctx, id, q, reason, formatTimestamp(s.now()), id)
}

func (s *SQL) execOne(ctx context.Context, id, q string, args ...any) error {
	result, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return jobNotFound(id)
	}
	return nil
}

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQL) query(ctx context.Context, db sqlQueryer, q string, args ...any) ([]*trigger.ScheduledJob, error) {
	rows, err := db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*trigger.ScheduledJob
	for rows.Next() {
		job, err := decodeJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQL) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func decodeJob(row rowScanner) (*trigger.ScheduledJob, error) {
	var (
		job           trigger.ScheduledJob
		args          string
		state         string
		executeAfter  string
		reschedulable int
		createdAt     string
		updatedAt     string
	)
	err := row.Scan(
		&job.ID,
		&job.Command,
		&args,
		&state,
		&executeAfter,
		&reschedulable,
		&job.Workflow,
		&job.ContentHash,
		&job.Attempts,
		&job.LastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &job.Args); err != nil {
			return nil, trigger.NewError(trigger.ErrInvalidJob, fmt.Sprintf("cannot decode args of job %s", job.ID), err, nil)
		}
	}
	job.State = trigger.JobState(state)
	job.Reschedulable = reschedulable != 0
	job.ExecuteAfter = parseTimestamp(executeAfter)
	job.CreatedAt = parseTimestamp(createdAt)
	job.UpdatedAt = parseTimestamp(updatedAt)
	return &job, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(timestampLayout, value); err == nil {
		return ts.UTC()
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
