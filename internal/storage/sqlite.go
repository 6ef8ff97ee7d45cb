package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "statbot/pkg/logx"
)

//go:embed migrations.sql
var schemaV1 string

// schema lists migrations in order; index i brings user_version to i+1.
var schema = []string{schemaV1}

const dedupPruneEvery = time.Minute

const (
	upsertJobSQL = `INSERT INTO scheduled_tasks(id, task, trigger_kind, trigger_spec, timezone, timeout_ms, overlap, retry, created_at, updated_at)
VALUES(?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  task=excluded.task, trigger_kind=excluded.trigger_kind, trigger_spec=excluded.trigger_spec,
  timezone=excluded.timezone, timeout_ms=excluded.timeout_ms, overlap=excluded.overlap,
  retry=excluded.retry, updated_at=excluded.updated_at`
	selectJobsSQL = `SELECT id, task, trigger_kind, trigger_spec, timezone, timeout_ms, overlap, retry, created_at, updated_at
FROM scheduled_tasks ORDER BY created_at, id`
	deleteJobSQL    = `DELETE FROM scheduled_tasks WHERE id = ?`
	upsertDedupSQL  = `INSERT INTO dedup(key, until) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET until=excluded.until`
	selectDedupSQL  = `SELECT until FROM dedup WHERE key = ?`
	pruneDedupSQL   = `DELETE FROM dedup WHERE until < ?`
)

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	lastPrune atomic.Int64 // unix nano
}

func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, busy))
	if err != nil {
		return nil, err
	}
	// The scheduler is the only writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	st := &sqliteStore{db: db, log: log}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	from, to, err := st.migrate(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite storage opened", logx.String("path", path), logx.Int("schema_from", from), logx.Int("schema", to))
	return st, nil
}

// migrate applies pending schema steps, each in its own transaction.
func (s *sqliteStore) migrate(ctx context.Context) (from, to int, err error) {
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&from); err != nil {
		return 0, 0, err
	}
	for v := from; v < len(schema); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return from, v, err
		}
		if _, err := tx.ExecContext(ctx, schema[v]); err != nil {
			_ = tx.Rollback()
			return from, v, fmt.Errorf("step %d: %w", v+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			_ = tx.Rollback()
			return from, v, err
		}
		if err := tx.Commit(); err != nil {
			return from, v, err
		}
	}
	return from, max(from, len(schema)), nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PersistJob(ctx context.Context, job JobRecord) error {
	if strings.TrimSpace(job.ID) == "" {
		return ErrInvalidID
	}
	var retry sql.NullString
	if job.Retry != nil {
		b, err := json.Marshal(job.Retry)
		if err != nil {
			return err
		}
		retry = sql.NullString{String: string(b), Valid: true}
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, upsertJobSQL,
		job.ID, job.Task, job.TriggerKind, job.TriggerSpec, optional(job.Timezone),
		job.Timeout.Milliseconds(), optional(job.Overlap), retry,
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *sqliteStore) LoadJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectJobsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) scanJob(rows *sql.Rows) (JobRecord, error) {
	var (
		j                  JobRecord
		tz, overlap, retry sql.NullString
		timeoutMS          int64
		created, updated   int64
	)
	if err := rows.Scan(&j.ID, &j.Task, &j.TriggerKind, &j.TriggerSpec, &tz, &timeoutMS, &overlap, &retry, &created, &updated); err != nil {
		return JobRecord{}, err
	}
	j.Timezone, j.Overlap = tz.String, overlap.String
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	j.CreatedAt, j.UpdatedAt = time.Unix(0, created), time.Unix(0, updated)
	if retry.String != "" {
		rr := new(RetryRecord)
		if err := json.Unmarshal([]byte(retry.String), rr); err != nil {
			s.log.Warn("ignoring unreadable retry policy", logx.String("job", j.ID), logx.Err(err))
		} else {
			j.Retry = rr
		}
	}
	return j, nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, deleteJobSQL, id)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, upsertDedupSQL, key, until.UnixMilli()); err != nil {
		return err
	}
	now := time.Now()
	if last := s.lastPrune.Load(); now.UnixNano()-last >= int64(dedupPruneEvery) && s.lastPrune.CompareAndSwap(last, now.UnixNano()) {
		if _, err := s.db.ExecContext(ctx, pruneDedupSQL, now.UnixMilli()); err != nil {
			s.log.Debug("dedup prune failed", logx.Err(err))
		}
	}
	return nil
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	switch err := s.db.QueryRowContext(ctx, selectDedupSQL, key).Scan(&ms); {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// optional stores blank strings as NULL.
func optional(v string) sql.NullString {
	v = strings.TrimSpace(v)
	return sql.NullString{String: v, Valid: v != ""}
}
