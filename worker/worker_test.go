package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hazyhaar/dsprof/blobstore"
	"github.com/hazyhaar/dsprof/dbopen"
	"github.com/hazyhaar/dsprof/metastore"
	"github.com/hazyhaar/dsprof/queue"
	"github.com/hazyhaar/dsprof/worker"

	_ "modernc.org/sqlite"
)

type fixture struct {
	store  *metastore.Store
	blobs  *blobstore.MemoryStore
	sleeps []time.Duration
}

func newFixture(t *testing.T, opts worker.Options) (*fixture, *worker.Processor) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	store, err := metastore.New(db)
	if err != nil {
		t.Fatalf("metastore.New: %v", err)
	}

	f := &fixture{store: store, blobs: blobstore.NewMemory()}
	opts.UploadsBucket = "uploads"
	opts.ReportsBucket = "reports"
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC) }
	}
	base := opts.Sleep
	opts.Sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		if base != nil {
			return base(ctx, d)
		}
		return nil
	}
	return f, worker.NewProcessor(store, f.blobs, opts)
}

// seed stores payload as an uploaded dataset with a queued job and
// returns the delivery a broker would hand the worker.
func (f *fixture) seed(t *testing.T, contentType string, payload []byte) *queue.Delivery {
	t.Helper()
	ctx := context.Background()

	key := "datasets/seed/source/data"
	if _, err := f.blobs.Put(ctx, "uploads", key, payload, contentType); err != nil {
		t.Fatalf("put upload: %v", err)
	}
	d, _, err := f.store.CreateDatasetIfNew(ctx, metastore.NewDataset{
		Name:             "seed",
		OriginalFilename: "data",
		ContentType:      contentType,
		ChecksumSHA256:   "seed-sum",
		SizeBytes:        int64(len(payload)),
		UploadBucket:     "uploads",
		UploadKey:        key,
	})
	if err != nil {
		t.Fatalf("create dataset: %v", err)
	}
	j, _, err := f.store.CreateQueuedJob(ctx, d.ID)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return &queue.Delivery{
		TaskID:   "msg_test",
		Msg:      queue.ProcessMessage{DatasetID: d.ID, JobID: j.ID},
		Attempts: 1,
	}
}

func TestHandleHappyPathCSV(t *testing.T) {
	f, p := newFixture(t, worker.Options{})
	ctx := context.Background()

	csv := []byte("id,total\n1,10\n2,20\n3,30\n")
	d := f.seed(t, "text/csv", csv)

	if err := p.Handle(ctx, d); err != nil {
		t.Fatalf("handle: %v", err)
	}

	job, err := f.store.GetJob(ctx, d.Msg.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != metastore.JobSuccess || job.Progress != 100 {
		t.Fatalf("job: state=%s progress=%d error=%v", job.State, job.Progress, job.Error)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Fatal("timestamps not set")
	}

	ds, _ := f.store.GetDataset(ctx, d.Msg.DatasetID)
	if ds.Status != metastore.DatasetDone || ds.RowCount == nil || *ds.RowCount != 3 {
		t.Fatalf("dataset: status=%s row_count=%v", ds.Status, ds.RowCount)
	}

	body, err := f.blobs.Get(ctx, "reports", blobstore.ReportKey(ds.ID))
	if err != nil {
		t.Fatalf("get report blob: %v", err)
	}
	var report struct {
		DatasetID   string `json:"dataset_id"`
		GeneratedAt string `json:"generated_at"`
		RowCount    int    `json:"row_count"`
		Numeric     map[string]struct {
			Min  float64 `json:"min"`
			Mean float64 `json:"mean"`
			Max  float64 `json:"max"`
		} `json:"numeric"`
	}
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.DatasetID != ds.ID || report.RowCount != 3 {
		t.Fatalf("report: %+v", report)
	}
	if report.GeneratedAt != "2026-02-07T12:00:00Z" {
		t.Fatalf("generated_at: %s", report.GeneratedAt)
	}
	total, ok := report.Numeric["total"]
	if !ok || total.Min != 10 || total.Mean != 20 || total.Max != 30 {
		t.Fatalf("numeric[total]: %+v ok=%v", total, ok)
	}

	r, err := f.store.GetReportByDataset(ctx, ds.ID)
	if err != nil {
		t.Fatalf("report row: %v", err)
	}
	if r.ReportBucket != "reports" || r.ReportKey != blobstore.ReportKey(ds.ID) {
		t.Fatalf("report row: %+v", r)
	}

	if len(f.sleeps) != 0 {
		t.Fatalf("happy path slept: %v", f.sleeps)
	}
}

func TestHandleInvalidPayloadFailsImmediately(t *testing.T) {
	f, p := newFixture(t, worker.Options{})
	ctx := context.Background()

	d := f.seed(t, "application/json", []byte(`{"not": "an array"}`))

	if err := p.Handle(ctx, d); err != nil {
		t.Fatalf("handle should ack a terminal failure, got %v", err)
	}

	job, _ := f.store.GetJob(ctx, d.Msg.JobID)
	if job.State != metastore.JobFailure || job.Error == nil {
		t.Fatalf("job: state=%s error=%v", job.State, job.Error)
	}
	ds, _ := f.store.GetDataset(ctx, d.Msg.DatasetID)
	if ds.Status != metastore.DatasetFailed || ds.Error == nil {
		t.Fatalf("dataset: status=%s error=%v", ds.Status, ds.Error)
	}
	if len(f.sleeps) != 0 {
		t.Fatalf("invalid payload was retried: %v", f.sleeps)
	}
	if f.blobs.Len("reports") != 0 {
		t.Fatal("failed job wrote a report")
	}
}

func TestHandleRetriesTransientThenSucceeds(t *testing.T) {
	// The store recovers during the first backoff window.
	var blobs *blobstore.MemoryStore
	f, p := newFixture(t, worker.Options{
		BackoffBase: time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			blobs.FailGets = false
			return nil
		},
	})
	blobs = f.blobs
	ctx := context.Background()

	d := f.seed(t, "text/csv", []byte("id\n1\n"))
	f.blobs.FailGets = true

	if err := p.Handle(ctx, d); err != nil {
		t.Fatalf("handle: %v", err)
	}

	job, _ := f.store.GetJob(ctx, d.Msg.JobID)
	if job.State != metastore.JobSuccess {
		t.Fatalf("job: state=%s error=%v", job.State, job.Error)
	}
	if len(f.sleeps) != 1 {
		t.Fatalf("backoffs: %v", f.sleeps)
	}
}

func TestHandleRetryExhaustionFails(t *testing.T) {
	f, p := newFixture(t, worker.Options{MaxRetries: 2, BackoffBase: time.Millisecond})
	ctx := context.Background()

	d := f.seed(t, "text/csv", []byte("id\n1\n"))
	f.blobs.FailGets = true

	if err := p.Handle(ctx, d); err != nil {
		t.Fatalf("handle should ack after exhaustion, got %v", err)
	}

	if len(f.sleeps) != 2 {
		t.Fatalf("want 2 retries, slept %v", f.sleeps)
	}
	job, _ := f.store.GetJob(ctx, d.Msg.JobID)
	if job.State != metastore.JobFailure || job.Error == nil || *job.Error != "Failed to process dataset." {
		t.Fatalf("job: state=%s error=%v", job.State, job.Error)
	}
	ds, _ := f.store.GetDataset(ctx, d.Msg.DatasetID)
	if ds.Status != metastore.DatasetFailed {
		t.Fatalf("dataset: %s", ds.Status)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	f, p := newFixture(t, worker.Options{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	})
	ctx := context.Background()

	d := f.seed(t, "text/csv", []byte("id\n1\n"))
	f.blobs.FailGets = true

	if err := p.Handle(ctx, d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 2 * time.Millisecond}
	if len(f.sleeps) != len(want) {
		t.Fatalf("sleeps: %v", f.sleeps)
	}
	for i := range want {
		if f.sleeps[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, f.sleeps[i], want[i])
		}
	}
}

func TestHandleDuplicateDeliveryDropped(t *testing.T) {
	f, p := newFixture(t, worker.Options{})
	ctx := context.Background()

	d := f.seed(t, "text/csv", []byte("id,total\n1,10\n2,20\n3,30\n"))

	if err := p.Handle(ctx, d); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// Redelivery of the same message after success: ack, no mutation.
	before, _ := f.store.GetJob(ctx, d.Msg.JobID)
	if err := p.Handle(ctx, d); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	after, _ := f.store.GetJob(ctx, d.Msg.JobID)
	if after.State != before.State || after.Progress != before.Progress {
		t.Fatalf("duplicate delivery mutated the job: %+v vs %+v", after, before)
	}
	if after.FinishedAt == nil || !after.FinishedAt.Equal(*before.FinishedAt) {
		t.Fatal("duplicate delivery touched finished_at")
	}
}

func TestHandleStartedJobHeldElsewhereDropped(t *testing.T) {
	f, p := newFixture(t, worker.Options{})
	ctx := context.Background()

	d := f.seed(t, "text/csv", []byte("id\n1\n"))
	if err := f.store.TransitionJob(ctx, d.Msg.JobID,
		metastore.ActiveJobStates, metastore.JobStarted,
		metastore.WithProgress(5), metastore.WithStartedNow()); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	if err := p.Handle(ctx, d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	job, _ := f.store.GetJob(ctx, d.Msg.JobID)
	if job.State != metastore.JobStarted {
		t.Fatalf("held job was mutated: %s", job.State)
	}
}
