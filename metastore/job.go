package metastore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hazyhaar/dsprof/fault"
)

const jobColumns = `id, dataset_id, task_id, state, progress, queued_at, started_at, finished_at, error`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var queuedAt string
	var taskID, startedAt, finishedAt, errMsg sql.NullString

	err := row.Scan(&j.ID, &j.DatasetID, &taskID, &j.State, &j.Progress,
		&queuedAt, &startedAt, &finishedAt, &errMsg)
	if err != nil {
		return Job{}, err
	}

	if j.QueuedAt, err = parseTime(queuedAt); err != nil {
		return Job{}, err
	}
	if j.StartedAt, err = parseNullTime(startedAt); err != nil {
		return Job{}, err
	}
	if j.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return Job{}, err
	}
	j.TaskID = nullStr(taskID)
	j.Error = nullStr(errMsg)
	return j, nil
}

// CreateQueuedJob inserts a job in state queued. When the partial unique
// index rejects the insert (another active job won the race), the
// existing active job is fetched and returned with created=false.
func (s *Store) CreateQueuedJob(ctx context.Context, datasetID string) (Job, bool, error) {
	id := s.newID.job()
	now := s.fmtTime(s.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, dataset_id, state, progress, queued_at)
		VALUES (?,?,?,0,?)`,
		id, datasetID, JobQueued, now)
	if err != nil {
		if isUniqueViolation(err, "jobs.dataset_id") {
			existing, gerr := s.LatestActiveJob(ctx, datasetID)
			if gerr != nil {
				return Job{}, false, gerr
			}
			return existing, false, nil
		}
		return Job{}, false, fault.Wrap(fault.DBUnavailable, err, "insert job")
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// CreateSyntheticSuccessJob inserts a success job with no broker task,
// exposing a pollable handle for datasets that reached done outside the
// normal pipeline.
func (s *Store) CreateSyntheticSuccessJob(ctx context.Context, datasetID string) (Job, error) {
	id := s.newID.job()
	now := s.fmtTime(s.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, dataset_id, state, progress, queued_at, started_at, finished_at)
		VALUES (?,?,?,100,?,?,?)`,
		id, datasetID, JobSuccess, now, now, now)
	if err != nil {
		return Job{}, fault.Wrap(fault.DBUnavailable, err, "insert synthetic job")
	}
	return s.GetJob(ctx, id)
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fault.New(fault.NotFound, "job not found")
	}
	if err != nil {
		return Job{}, fault.Wrap(fault.DBUnavailable, err, "select job")
	}
	return j, nil
}

// ListJobs returns all jobs, newest first. Id is the tiebreaker so the
// order is stable across equal timestamps.
func (s *Store) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY queued_at DESC, id DESC`)
	if err != nil {
		return nil, fault.Wrap(fault.DBUnavailable, err, "list jobs")
	}
	defer rows.Close()

	out := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fault.Wrap(fault.DBUnavailable, err, "scan job")
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.DBUnavailable, err, "list jobs")
	}
	return out, nil
}

func (s *Store) latestJobWhere(ctx context.Context, where string, args ...any) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+where+`
		ORDER BY queued_at DESC, id DESC LIMIT 1`, args...)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fault.New(fault.NotFound, "job not found")
	}
	if err != nil {
		return Job{}, fault.Wrap(fault.DBUnavailable, err, "select job")
	}
	return j, nil
}

// LatestJob returns the most recently queued job for a dataset,
// regardless of state.
func (s *Store) LatestJob(ctx context.Context, datasetID string) (Job, error) {
	return s.latestJobWhere(ctx, `dataset_id = ?`, datasetID)
}

// LatestActiveJob returns the dataset's job in an active state, if any.
func (s *Store) LatestActiveJob(ctx context.Context, datasetID string) (Job, error) {
	return s.latestJobWhere(ctx,
		`dataset_id = ? AND state IN (?,?,?)`,
		datasetID, JobQueued, JobStarted, JobRetrying)
}

// SetJobTaskID records the broker correlation token after a successful
// publish.
func (s *Store) SetJobTaskID(ctx context.Context, jobID, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET task_id = ? WHERE id = ?`, taskID, jobID)
	return fault.Wrap(fault.DBUnavailable, err, "set task id")
}

// JobUpdate is an optional field set applied together with a state
// transition.
type JobUpdate func(*jobUpdate)

type jobUpdate struct {
	progress   *int
	errMsg     *string
	setStarted bool
	setFinish  bool
}

// WithProgress sets the progress milestone.
func WithProgress(p int) JobUpdate {
	return func(u *jobUpdate) { u.progress = &p }
}

// WithError records the user-visible failure message.
func WithError(msg string) JobUpdate {
	return func(u *jobUpdate) { u.errMsg = &msg }
}

// WithStartedNow stamps started_at if not already set, preserving the
// first attempt's timestamp across retries.
func WithStartedNow() JobUpdate {
	return func(u *jobUpdate) { u.setStarted = true }
}

// WithFinishedNow stamps finished_at.
func WithFinishedNow() JobUpdate {
	return func(u *jobUpdate) { u.setFinish = true }
}

// TransitionJob is the compare-and-swap used for every worker-side state
// change: the update applies only when the row is currently in one of
// the from states. A Conflict fault means another delivery got there
// first, or the job is already terminal.
func (s *Store) TransitionJob(ctx context.Context, id string, from []JobState, to JobState, opts ...JobUpdate) error {
	var u jobUpdate
	for _, o := range opts {
		o(&u)
	}

	set := `state = ?`
	args := []any{to}
	if u.progress != nil {
		set += `, progress = ?`
		args = append(args, *u.progress)
	}
	if u.errMsg != nil {
		set += `, error = ?`
		args = append(args, *u.errMsg)
	}
	now := s.fmtTime(s.now())
	if u.setStarted {
		set += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if u.setFinish {
		set += `, finished_at = ?`
		args = append(args, now)
	}

	args = append(args, id)
	placeholders := ""
	for i, st := range from {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+set+` WHERE id = ? AND state IN (`+placeholders+`)`, args...)
	if err != nil {
		return fault.Wrap(fault.DBUnavailable, err, "transition job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault.Wrap(fault.DBUnavailable, err, "transition job")
	}
	if n == 0 {
		return fault.New(fault.Conflict, "job %s not in expected state", id)
	}
	return nil
}
