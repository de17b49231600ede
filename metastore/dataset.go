package metastore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hazyhaar/dsprof/fault"
)

const datasetColumns = `id, name, original_filename, content_type, status, checksum_sha256,
	size_bytes, uploaded_at, processed_at, row_count, error, upload_bucket, upload_key, upload_etag`

func scanDataset(row interface{ Scan(...any) error }) (Dataset, error) {
	var d Dataset
	var uploadedAt string
	var processedAt, errMsg, etag sql.NullString
	var rowCount sql.NullInt64

	err := row.Scan(&d.ID, &d.Name, &d.OriginalFilename, &d.ContentType, &d.Status,
		&d.ChecksumSHA256, &d.SizeBytes, &uploadedAt, &processedAt, &rowCount,
		&errMsg, &d.UploadBucket, &d.UploadKey, &etag)
	if err != nil {
		return Dataset{}, err
	}

	if d.UploadedAt, err = parseTime(uploadedAt); err != nil {
		return Dataset{}, err
	}
	if d.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return Dataset{}, err
	}
	d.RowCount = nullInt(rowCount)
	d.Error = nullStr(errMsg)
	d.UploadETag = nullStr(etag)
	return d, nil
}

// NewDataset carries the fields of a fresh upload.
type NewDataset struct {
	// ID is supplied by the caller when the upload key was already
	// derived from it. Left empty, an id is generated.
	ID               string
	Name             string
	OriginalFilename string
	ContentType      string
	ChecksumSHA256   string
	SizeBytes        int64
	UploadBucket     string
	UploadKey        string
	UploadETag       string
}

// CreateDatasetIfNew inserts a dataset row keyed by checksum, or returns
// the existing row when the checksum is already present. The bool result
// reports whether a row was created. This is the upload idempotency
// primitive: concurrent uploads of the same bytes collapse onto one row.
func (s *Store) CreateDatasetIfNew(ctx context.Context, nd NewDataset) (Dataset, bool, error) {
	id := nd.ID
	if id == "" {
		id = s.newID.dataset()
	}
	now := s.fmtTime(s.now())

	var etag any
	if nd.UploadETag != "" {
		etag = nd.UploadETag
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO datasets (id, name, original_filename, content_type, status,
			checksum_sha256, size_bytes, uploaded_at, upload_bucket, upload_key, upload_etag)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		id, nd.Name, nd.OriginalFilename, nd.ContentType, DatasetUploaded,
		nd.ChecksumSHA256, nd.SizeBytes, now, nd.UploadBucket, nd.UploadKey, etag,
	)
	if err != nil {
		if isUniqueViolation(err, "datasets.checksum_sha256") {
			existing, gerr := s.GetDatasetByChecksum(ctx, nd.ChecksumSHA256)
			if gerr != nil {
				return Dataset{}, false, gerr
			}
			return existing, false, nil
		}
		return Dataset{}, false, fault.Wrap(fault.DBUnavailable, err, "insert dataset")
	}

	created, err := s.GetDataset(ctx, id)
	if err != nil {
		return Dataset{}, false, err
	}
	return created, true, nil
}

// GetDataset returns a dataset by id.
func (s *Store) GetDataset(ctx context.Context, id string) (Dataset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE id = ?`, id)
	d, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Dataset{}, fault.New(fault.NotFound, "dataset not found")
	}
	if err != nil {
		return Dataset{}, fault.Wrap(fault.DBUnavailable, err, "select dataset")
	}
	return d, nil
}

// GetDatasetByChecksum returns a dataset by its content hash.
func (s *Store) GetDatasetByChecksum(ctx context.Context, checksum string) (Dataset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE checksum_sha256 = ?`, checksum)
	d, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Dataset{}, fault.New(fault.NotFound, "dataset not found")
	}
	if err != nil {
		return Dataset{}, fault.Wrap(fault.DBUnavailable, err, "select dataset by checksum")
	}
	return d, nil
}

// GetDatasetSummary returns the dataset plus its latest job id and
// whether a report row exists.
func (s *Store) GetDatasetSummary(ctx context.Context, id string) (DatasetSummary, error) {
	d, err := s.GetDataset(ctx, id)
	if err != nil {
		return DatasetSummary{}, err
	}
	return s.summarize(ctx, d)
}

func (s *Store) summarize(ctx context.Context, d Dataset) (DatasetSummary, error) {
	sum := DatasetSummary{Dataset: d}

	var jobID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM jobs WHERE dataset_id = ?
		ORDER BY queued_at DESC, id DESC LIMIT 1`, d.ID).Scan(&jobID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return DatasetSummary{}, fault.Wrap(fault.DBUnavailable, err, "select latest job")
	default:
		sum.LatestJobID = &jobID
	}

	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM reports WHERE dataset_id = ? LIMIT 1`, d.ID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return DatasetSummary{}, fault.Wrap(fault.DBUnavailable, err, "select report presence")
	default:
		sum.ReportAvailable = true
	}
	return sum, nil
}

// ListDatasetSummaries returns all datasets, newest upload first.
func (s *Store) ListDatasetSummaries(ctx context.Context) ([]DatasetSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+datasetColumns+` FROM datasets ORDER BY uploaded_at DESC, id DESC`)
	if err != nil {
		return nil, fault.Wrap(fault.DBUnavailable, err, "list datasets")
	}
	defer rows.Close()

	out := []DatasetSummary{}
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fault.Wrap(fault.DBUnavailable, err, "scan dataset")
		}
		sum, err := s.summarize(ctx, d)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.DBUnavailable, err, "list datasets")
	}
	return out, nil
}

// TransitionDataset conditionally moves a dataset between statuses.
// Returns a Conflict fault when the row is not in any of the from
// statuses.
func (s *Store) TransitionDataset(ctx context.Context, id string, from []DatasetStatus, to DatasetStatus) error {
	args := []any{to, id}
	placeholders := ""
	for i, st := range from {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE datasets SET status = ? WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fault.Wrap(fault.DBUnavailable, err, "transition dataset")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault.Wrap(fault.DBUnavailable, err, "transition dataset")
	}
	if n == 0 {
		return fault.New(fault.Conflict, "dataset %s not in expected status", id)
	}
	return nil
}

// FailDataset marks a dataset failed and records the user-visible error.
func (s *Store) FailDataset(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE datasets SET status = ?, error = ?
		WHERE id = ? AND status IN (?,?)`,
		DatasetFailed, errMsg, id, DatasetProcessing, DatasetUploaded)
	if err != nil {
		return fault.Wrap(fault.DBUnavailable, err, "fail dataset")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault.Wrap(fault.DBUnavailable, err, "fail dataset")
	}
	if n == 0 {
		return fault.New(fault.Conflict, "dataset %s not in expected status", id)
	}
	return nil
}
