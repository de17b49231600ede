package metastore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hazyhaar/dsprof/fault"
)

const reportColumns = `id, dataset_id, created_at, report_bucket, report_key, report_etag`

func scanReport(row interface{ Scan(...any) error }) (Report, error) {
	var r Report
	var createdAt string
	var etag sql.NullString

	err := row.Scan(&r.ID, &r.DatasetID, &createdAt, &r.ReportBucket, &r.ReportKey, &etag)
	if err != nil {
		return Report{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Report{}, err
	}
	r.ReportETag = nullStr(etag)
	return r, nil
}

// GetReportByDataset returns the report row for a dataset.
func (s *Store) GetReportByDataset(ctx context.Context, datasetID string) (Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE dataset_id = ?`, datasetID)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, fault.New(fault.NotFound, "report not found")
	}
	if err != nil {
		return Report{}, fault.Wrap(fault.DBUnavailable, err, "select report")
	}
	return r, nil
}

// HasReport reports whether a report row exists for a dataset.
func (s *Store) HasReport(ctx context.Context, datasetID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM reports WHERE dataset_id = ? LIMIT 1`, datasetID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fault.Wrap(fault.DBUnavailable, err, "select report presence")
	}
	return true, nil
}

// FinalizeSuccess commits the success of one worker run in a single
// transaction: upsert the report row, CAS the job started→success with
// progress 100, and CAS the dataset processing→done with processed_at
// and row_count. Either everything lands or nothing does, which keeps
// "report row exists ⇔ dataset done ⇔ job success" observable at every
// instant. A Conflict fault means another delivery already finalized.
func (s *Store) FinalizeSuccess(ctx context.Context, jobID, datasetID string, rowCount int64, bucket, key, etag string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.DBUnavailable, err, "begin finalize")
	}
	defer tx.Rollback()

	now := s.fmtTime(s.now())

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, progress = 100, finished_at = ?
		WHERE id = ? AND state = ?`,
		JobSuccess, now, jobID, JobStarted)
	if err != nil {
		return fault.Wrap(fault.DBUnavailable, err, "finalize job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.Conflict, "job %s not started", jobID)
	}

	var etagArg any
	if etag != "" {
		etagArg = etag
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports (id, dataset_id, created_at, report_bucket, report_key, report_etag)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(dataset_id) DO UPDATE SET
			created_at = excluded.created_at,
			report_bucket = excluded.report_bucket,
			report_key = excluded.report_key,
			report_etag = excluded.report_etag`,
		s.newID.report(), datasetID, now, bucket, key, etagArg)
	if err != nil {
		return fault.Wrap(fault.DBUnavailable, err, "upsert report")
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE datasets SET status = ?, processed_at = ?, row_count = ?, error = NULL
		WHERE id = ? AND status = ?`,
		DatasetDone, now, rowCount, datasetID, DatasetProcessing)
	if err != nil {
		return fault.Wrap(fault.DBUnavailable, err, "finalize dataset")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.Conflict, "dataset %s not processing", datasetID)
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.DBUnavailable, err, "commit finalize")
	}
	return nil
}
