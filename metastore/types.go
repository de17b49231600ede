package metastore

import "time"

// DatasetStatus is the lifecycle state of an uploaded dataset.
type DatasetStatus string

const (
	DatasetUploaded   DatasetStatus = "uploaded"
	DatasetProcessing DatasetStatus = "processing"
	DatasetDone       DatasetStatus = "done"
	DatasetFailed     DatasetStatus = "failed"
)

// JobState is the lifecycle state of one processing attempt.
type JobState string

const (
	JobQueued   JobState = "queued"
	JobStarted  JobState = "started"
	JobRetrying JobState = "retrying"
	JobSuccess  JobState = "success"
	JobFailure  JobState = "failure"
)

// ActiveJobStates are the states covered by the partial unique index:
// at most one job per dataset may be in any of them.
var ActiveJobStates = []JobState{JobQueued, JobStarted, JobRetrying}

// Terminal reports whether the state never mutates again.
func (s JobState) Terminal() bool {
	return s == JobSuccess || s == JobFailure
}

// Dataset is the identity of an uploaded blob plus its outcome fields.
type Dataset struct {
	ID               string
	Name             string
	OriginalFilename string
	ContentType      string
	Status           DatasetStatus
	ChecksumSHA256   string
	SizeBytes        int64
	UploadedAt       time.Time
	ProcessedAt      *time.Time
	RowCount         *int64
	Error            *string
	UploadBucket     string
	UploadKey        string
	UploadETag       *string
}

// Job is a single processing attempt against one dataset.
type Job struct {
	ID         string
	DatasetID  string
	TaskID     *string
	State      JobState
	Progress   int
	QueuedAt   time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      *string
}

// Report points at the generated JSON object for a dataset.
type Report struct {
	ID           string
	DatasetID    string
	CreatedAt    time.Time
	ReportBucket string
	ReportKey    string
	ReportETag   *string
}

// DatasetSummary is the read projection served by the API.
type DatasetSummary struct {
	Dataset
	LatestJobID     *string
	ReportAvailable bool
}
