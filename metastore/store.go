// Package metastore is the transactional source of truth for datasets,
// jobs, and reports.
//
// Every state change is a conditional update predicated on the current
// state set (CAS), and the partial unique index on active jobs enforces
// at-most-one-active-job per dataset at the schema level. There are no
// application-level locks: the API process and any number of workers
// coordinate exclusively through these two mechanisms.
package metastore

import (
	"database/sql"
	"strings"
	"time"

	"github.com/hazyhaar/dsprof/dbopen"
	"github.com/hazyhaar/dsprof/fault"
	"github.com/hazyhaar/dsprof/idgen"
)

const schema = `
CREATE TABLE IF NOT EXISTS datasets (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    original_filename TEXT NOT NULL,
    content_type      TEXT NOT NULL,
    status            TEXT NOT NULL CHECK (status IN ('uploaded','processing','done','failed')),
    checksum_sha256   TEXT NOT NULL UNIQUE,
    size_bytes        INTEGER NOT NULL,
    uploaded_at       TEXT NOT NULL,
    processed_at      TEXT,
    row_count         INTEGER,
    error             TEXT,
    upload_bucket     TEXT NOT NULL,
    upload_key        TEXT NOT NULL,
    upload_etag       TEXT
);
CREATE INDEX IF NOT EXISTS idx_datasets_status      ON datasets(status);
CREATE INDEX IF NOT EXISTS idx_datasets_uploaded_at ON datasets(uploaded_at);

CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    dataset_id  TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
    task_id     TEXT,
    state       TEXT NOT NULL CHECK (state IN ('queued','started','retrying','success','failure')),
    progress    INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
    queued_at   TEXT NOT NULL,
    started_at  TEXT,
    finished_at TEXT,
    error       TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_dataset   ON jobs(dataset_id);
CREATE INDEX IF NOT EXISTS idx_jobs_state     ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_queued_at ON jobs(queued_at);

-- Load-bearing: the enqueue race between two API requests is resolved
-- here, not in application code.
CREATE UNIQUE INDEX IF NOT EXISTS uq_jobs_active_dataset
    ON jobs(dataset_id) WHERE state IN ('queued','started','retrying');

CREATE TABLE IF NOT EXISTS reports (
    id            TEXT PRIMARY KEY,
    dataset_id    TEXT NOT NULL UNIQUE REFERENCES datasets(id) ON DELETE CASCADE,
    created_at    TEXT NOT NULL,
    report_bucket TEXT NOT NULL,
    report_key    TEXT NOT NULL,
    report_etag   TEXT
);
CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at);
`

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store wraps the metadata database.
type Store struct {
	db    *sql.DB
	now   func() time.Time
	newID struct {
		dataset idgen.Generator
		job     idgen.Generator
		report  idgen.Generator
	}
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps an already-open database and ensures the schema.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	s.newID.dataset = idgen.Dataset
	s.newID.job = idgen.Job
	s.newID.report = idgen.Report
	for _, o := range opts {
		o(s)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fault.Wrap(fault.DBUnavailable, err, "metastore schema")
	}
	return s, nil
}

// Open opens (or creates) the metadata database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fault.Wrap(fault.DBUnavailable, err, "open metastore")
	}
	s, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for sharing with the queue in
// single-file deployments.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	out := v.String
	return &out
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure
// touching the given column path (e.g. "datasets.checksum_sha256").
// modernc.org/sqlite surfaces constraint names only in the message.
func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}
