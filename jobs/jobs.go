// Package jobs owns the enqueue path: turning "process this dataset"
// into exactly one pollable job, no matter how many times or how
// concurrently it is asked.
package jobs

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/dsprof/fault"
	"github.com/hazyhaar/dsprof/metastore"
	"github.com/hazyhaar/dsprof/queue"
)

const enqueueFailedMsg = "Failed to enqueue task."

// Publisher is the broker side the controller needs.
type Publisher interface {
	Publish(ctx context.Context, msg queue.ProcessMessage) (string, error)
}

// Controller coordinates the metadata store and the broker.
type Controller struct {
	store *metastore.Store
	pub   Publisher
	log   *slog.Logger
}

// NewController wires an enqueue controller.
func NewController(store *metastore.Store, pub Publisher, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{store: store, pub: pub, log: log}
}

// Enqueue returns a job the caller can poll for the given dataset,
// creating and publishing one only when no active job exists.
//
// The call is idempotent: repeated and concurrent invocations for the
// same dataset collapse onto a single active job. The window between
// the active-job check and the insert is closed by the partial unique
// index, not by locking.
func (c *Controller) Enqueue(ctx context.Context, datasetID string) (metastore.Job, error) {
	if _, err := c.store.GetDataset(ctx, datasetID); err != nil {
		return metastore.Job{}, err
	}

	// Fast path: an active job already covers this dataset.
	active, err := c.store.LatestActiveJob(ctx, datasetID)
	if err == nil {
		return active, nil
	}
	if fault.KindOf(err) != fault.NotFound {
		return metastore.Job{}, err
	}

	// A dataset that is already done with a report needs no new run:
	// hand back the job that produced it, or synthesize a success
	// handle for datasets materialized outside the pipeline.
	d, err := c.store.GetDataset(ctx, datasetID)
	if err != nil {
		return metastore.Job{}, err
	}
	if d.Status == metastore.DatasetDone {
		hasReport, err := c.store.HasReport(ctx, datasetID)
		if err != nil {
			return metastore.Job{}, err
		}
		if hasReport {
			latest, err := c.store.LatestJob(ctx, datasetID)
			if err == nil {
				return latest, nil
			}
			if fault.KindOf(err) != fault.NotFound {
				return metastore.Job{}, err
			}
			return c.store.CreateSyntheticSuccessJob(ctx, datasetID)
		}
	}

	job, created, err := c.store.CreateQueuedJob(ctx, datasetID)
	if err != nil {
		return metastore.Job{}, err
	}
	if !created {
		// Lost the race to another enqueue; its job serves both callers.
		return job, nil
	}

	taskID, err := c.pub.Publish(ctx, queue.ProcessMessage{DatasetID: datasetID, JobID: job.ID})
	if err != nil {
		c.log.Error("enqueue: publish failed", "dataset_id", datasetID, "job_id", job.ID, "error", err)
		if terr := c.store.TransitionJob(ctx, job.ID,
			[]metastore.JobState{metastore.JobQueued}, metastore.JobFailure,
			metastore.WithError(enqueueFailedMsg), metastore.WithFinishedNow()); terr != nil {
			c.log.Error("enqueue: failure finalization lost", "job_id", job.ID, "error", terr)
		}
		return metastore.Job{}, fault.Wrap(fault.QueueUnavailable, err, enqueueFailedMsg)
	}

	if err := c.store.SetJobTaskID(ctx, job.ID, taskID); err != nil {
		// The message is out; the worker will run it regardless. Losing
		// the correlation token is not worth failing the enqueue over.
		c.log.Warn("enqueue: task id not recorded", "job_id", job.ID, "error", err)
	}

	return c.store.GetJob(ctx, job.ID)
}
