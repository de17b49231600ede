package httpapi

import (
	"time"

	"github.com/hazyhaar/dsprof/metastore"
)

// DatasetUpload is the 201 body of POST /datasets.
type DatasetUpload struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	SizeBytes      int64  `json:"size_bytes"`
}

// DatasetView is the read projection for one dataset.
type DatasetView struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Status          string  `json:"status"`
	RowCount        *int64  `json:"row_count,omitempty"`
	LatestJobID     *string `json:"latest_job_id,omitempty"`
	ReportAvailable bool    `json:"report_available"`
	Error           *string `json:"error,omitempty"`
}

// JobView is the read projection for one job.
type JobView struct {
	ID         string  `json:"id"`
	DatasetID  string  `json:"dataset_id"`
	State      string  `json:"state"`
	Progress   int     `json:"progress"`
	Error      *string `json:"error,omitempty"`
	QueuedAt   string  `json:"queued_at"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

// EnqueueResponse is the 202 body of POST /datasets/{id}/process.
type EnqueueResponse struct {
	JobID     string `json:"job_id"`
	DatasetID string `json:"dataset_id"`
	State     string `json:"state"`
	Progress  int    `json:"progress"`
}

func uploadView(d metastore.Dataset) DatasetUpload {
	return DatasetUpload{
		ID:             d.ID,
		Name:           d.Name,
		Status:         string(d.Status),
		ChecksumSHA256: d.ChecksumSHA256,
		SizeBytes:      d.SizeBytes,
	}
}

func datasetView(s metastore.DatasetSummary) DatasetView {
	return DatasetView{
		ID:              s.ID,
		Name:            s.Name,
		Status:          string(s.Status),
		RowCount:        s.RowCount,
		LatestJobID:     s.LatestJobID,
		ReportAvailable: s.ReportAvailable,
		Error:           s.Error,
	}
}

func jobView(j metastore.Job) JobView {
	return JobView{
		ID:         j.ID,
		DatasetID:  j.DatasetID,
		State:      string(j.State),
		Progress:   j.Progress,
		Error:      j.Error,
		QueuedAt:   j.QueuedAt.UTC().Format(time.RFC3339),
		StartedAt:  rfc3339Ptr(j.StartedAt),
		FinishedAt: rfc3339Ptr(j.FinishedAt),
	}
}

func rfc3339Ptr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
