// Package worker drives one job from queued to terminal: download the
// upload, parse it, profile it, persist the report, finalize.
//
// Duplicate deliveries are resolved by the claim CAS and the finalize
// transaction, never by broker-level dedup. Transient infrastructure
// failures are retried in-process with exponential backoff; everything
// else fails the job immediately so a bad payload never loops.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/dsprof/blobstore"
	"github.com/hazyhaar/dsprof/fault"
	"github.com/hazyhaar/dsprof/metastore"
	"github.com/hazyhaar/dsprof/parser"
	"github.com/hazyhaar/dsprof/profile"
	"github.com/hazyhaar/dsprof/queue"
)

const processingFailedMsg = "Failed to process dataset."

// Options configures a Processor.
type Options struct {
	UploadsBucket string
	ReportsBucket string
	// Limits bounds the parser. Zero means parser.DefaultLimits.
	Limits parser.Limits
	// MaxRetries is how many times a transient failure is retried after
	// the first attempt. Default: 3.
	MaxRetries int
	// BackoffBase is the first retry delay; it doubles per retry up to
	// BackoffCap. Defaults: 1s and 60s.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Logger      *slog.Logger
	// Clock and Sleep override the time source and the backoff wait
	// (tests).
	Clock func() time.Time
	Sleep func(context.Context, time.Duration) error
}

func (o *Options) defaults() {
	if o.Limits == (parser.Limits{}) {
		o.Limits = parser.DefaultLimits
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 60 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
}

// Processor handles deliveries from the process queue.
type Processor struct {
	store *metastore.Store
	blobs blobstore.Store
	opts  Options
}

// NewProcessor wires a worker pipeline.
func NewProcessor(store *metastore.Store, blobs blobstore.Store, opts Options) *Processor {
	opts.defaults()
	return &Processor{store: store, blobs: blobs, opts: opts}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Handle processes one delivery. A nil return acks the message; an
// error nacks it for broker-level redelivery. Terminal outcomes
// (Success, Failure, duplicate delivery) always ack: the job row is the
// source of truth and the message has nothing left to say.
func (p *Processor) Handle(ctx context.Context, d *queue.Delivery) error {
	log := p.opts.Logger.With("job_id", d.Msg.JobID, "dataset_id", d.Msg.DatasetID, "task_id", d.TaskID)

	// Claim. Losing this CAS means the job is terminal or another
	// delivery holds it: drop the message.
	err := p.store.TransitionJob(ctx, d.Msg.JobID,
		[]metastore.JobState{metastore.JobQueued, metastore.JobRetrying}, metastore.JobStarted,
		metastore.WithProgress(5), metastore.WithStartedNow())
	if fault.KindOf(err) == fault.Conflict {
		log.Info("worker: duplicate delivery, dropping")
		return nil
	}
	if err != nil {
		return err
	}

	err = p.store.TransitionDataset(ctx, d.Msg.DatasetID,
		[]metastore.DatasetStatus{metastore.DatasetUploaded, metastore.DatasetProcessing, metastore.DatasetFailed},
		metastore.DatasetProcessing)
	if err != nil && fault.KindOf(err) != fault.Conflict {
		return err
	}

	for retry := 0; ; retry++ {
		err := p.runOnce(ctx, d.Msg)
		if err == nil {
			log.Info("worker: job succeeded")
			return nil
		}
		if fault.KindOf(err) == fault.Conflict {
			// Finalize lost to another delivery that already completed
			// the job. Nothing to undo.
			log.Info("worker: job finalized elsewhere, dropping")
			return nil
		}

		if !fault.Retryable(err) || retry >= p.opts.MaxRetries {
			return p.fail(ctx, log, d.Msg, err)
		}

		delay := p.backoff(retry)
		log.Warn("worker: transient failure, retrying",
			"retry", retry+1, "max_retries", p.opts.MaxRetries, "delay", delay, "error", err)

		if terr := p.store.TransitionJob(ctx, d.Msg.JobID,
			[]metastore.JobState{metastore.JobStarted}, metastore.JobRetrying); terr != nil {
			if fault.KindOf(terr) == fault.Conflict {
				return nil
			}
			return terr
		}
		if serr := p.opts.Sleep(ctx, delay); serr != nil {
			// Shutting down mid-retry: leave the job retrying and let
			// the visibility timeout hand the message to another worker.
			return serr
		}
		if terr := p.store.TransitionJob(ctx, d.Msg.JobID,
			[]metastore.JobState{metastore.JobRetrying}, metastore.JobStarted,
			metastore.WithStartedNow()); terr != nil {
			if fault.KindOf(terr) == fault.Conflict {
				return nil
			}
			return terr
		}
	}
}

// runOnce is one full pipeline attempt. Progress milestones are written
// through the Started→Started CAS so a stolen job stops the attempt.
func (p *Processor) runOnce(ctx context.Context, msg queue.ProcessMessage) error {
	ds, err := p.store.GetDataset(ctx, msg.DatasetID)
	if err != nil {
		return err
	}

	payload, err := p.blobs.Get(ctx, p.opts.UploadsBucket, ds.UploadKey)
	if err != nil {
		return err
	}

	rows, err := parser.Parse(ds.ContentType, payload, p.opts.Limits)
	if err != nil {
		return err
	}
	if err := p.progress(ctx, msg.JobID, 25); err != nil {
		return err
	}

	stats := profile.ComputeStats(rows)
	if err := p.progress(ctx, msg.JobID, 60); err != nil {
		return err
	}

	anomalies := profile.ComputeAnomalies(rows, stats)
	if err := p.progress(ctx, msg.JobID, 85); err != nil {
		return err
	}

	report := profile.BuildReport(ds.ID, p.opts.Clock(), stats, anomalies)
	body, err := report.Encode()
	if err != nil {
		return fault.Wrap(fault.Unexpected, err, "encode report")
	}

	key := blobstore.ReportKey(ds.ID)
	etag, err := p.blobs.Put(ctx, p.opts.ReportsBucket, key, body, "application/json")
	if err != nil {
		return err
	}

	return p.store.FinalizeSuccess(ctx, msg.JobID, ds.ID,
		int64(stats.RowCount), p.opts.ReportsBucket, key, etag)
}

func (p *Processor) progress(ctx context.Context, jobID string, pct int) error {
	return p.store.TransitionJob(ctx, jobID,
		[]metastore.JobState{metastore.JobStarted}, metastore.JobStarted,
		metastore.WithProgress(pct))
}

// fail drives the job and dataset to their failed terminal states and
// acks the delivery.
func (p *Processor) fail(ctx context.Context, log *slog.Logger, msg queue.ProcessMessage, cause error) error {
	log.Error("worker: job failed", "kind", fault.KindOf(cause).String(), "error", cause)

	errMsg := processingFailedMsg
	if fault.KindOf(cause) == fault.InvalidPayload {
		errMsg = cause.Error()
	}

	err := p.store.TransitionJob(ctx, msg.JobID,
		metastore.ActiveJobStates, metastore.JobFailure,
		metastore.WithError(errMsg), metastore.WithFinishedNow())
	if err != nil && fault.KindOf(err) != fault.Conflict {
		return err
	}

	if err := p.store.FailDataset(ctx, msg.DatasetID, errMsg); err != nil && fault.KindOf(err) != fault.Conflict {
		return err
	}
	return nil
}

func (p *Processor) backoff(retry int) time.Duration {
	d := p.opts.BackoffBase << retry
	if d > p.opts.BackoffCap || d <= 0 {
		return p.opts.BackoffCap
	}
	return d
}
