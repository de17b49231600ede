// Package queue is the broker between the API service and the workers:
// a visibility-timeout queue backed by SQLite.
//
// A published message is immediately visible. Claiming a message hides
// it for the configured visibility window; the consumer acks (deletes)
// it on completion or nacks it to make it visible again at once. A
// consumer that crashes mid-flight simply lets the window lapse and the
// message reappears for another worker.
//
// Delivery is at-least-once. Duplicate deliveries are expected and the
// consumer must dedup, which the worker does through the job-state CAS.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/dsprof/fault"
	"github.com/hazyhaar/dsprof/idgen"
)

// ProcessMessage asks a worker to profile one dataset under one job.
type ProcessMessage struct {
	DatasetID string `json:"dataset_id"`
	JobID     string `json:"job_id"`
}

// Delivery is a claimed message plus its broker bookkeeping.
type Delivery struct {
	TaskID    string
	Msg       ProcessMessage
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Name is the logical queue. Multiple queues can share one table.
	// Default: "process".
	Name string
	// Visibility is how long a claimed message stays hidden before it is
	// redelivered. Must exceed the worst-case processing time including
	// in-process retries. Default: 5m.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in Consume.
	// Default: 1s.
	PollInterval time.Duration
	// NewTaskID overrides the task id generator (tests).
	NewTaskID idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Name == "" {
		o.Name = "process"
	}
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.NewTaskID == nil {
		o.NewTaskID = idgen.Message
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle. It is safe for concurrent use.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the broker table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_messages (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_messages (queue, visible_at);
	`)
	return fault.Wrap(fault.QueueUnavailable, err, "queue: ensure table")
}

// Publish inserts an immediately visible message and returns its task id.
func (q *Q) Publish(ctx context.Context, msg ProcessMessage) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fault.Wrap(fault.QueueUnavailable, err, "queue: encode message")
	}

	id := q.opts.NewTaskID()
	now := time.Now().UnixMilli()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO queue_messages (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Name, payload, now, now,
	)
	if err != nil {
		return "", fault.Wrap(fault.QueueUnavailable, err, "queue: publish")
	}
	return id, nil
}

// Claim atomically picks the oldest visible message and hides it for the
// visibility window. Returns nil, nil when nothing is visible.
func (q *Q) Claim(ctx context.Context) (*Delivery, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE queue_messages
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, payload, created_at, attempts`,
		hideUntil, q.opts.Name, now.UnixMilli(),
	)

	var d Delivery
	var payload []byte
	var creAt int64
	err := row.Scan(&d.TaskID, &payload, &creAt, &d.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.QueueUnavailable, err, "queue: claim")
	}
	if err := json.Unmarshal(payload, &d.Msg); err != nil {
		return nil, fault.Wrap(fault.QueueUnavailable, err, "queue: decode message")
	}
	d.CreatedAt = time.UnixMilli(creAt)
	return &d, nil
}

// Ack deletes a processed message.
func (q *Q) Ack(ctx context.Context, taskID string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = ? AND queue = ?`, taskID, q.opts.Name,
	)
	return fault.Wrap(fault.QueueUnavailable, err, "queue: ack")
}

// Nack makes a message immediately visible again.
func (q *Q) Nack(ctx context.Context, taskID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = 0 WHERE id = ? AND queue = ?`, taskID, q.opts.Name,
	)
	return fault.Wrap(fault.QueueUnavailable, err, "queue: nack")
}

// Len returns the total number of messages, visible or hidden.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE queue = ?`, q.opts.Name,
	).Scan(&n)
	if err != nil {
		return 0, fault.Wrap(fault.QueueUnavailable, err, "queue: len")
	}
	return n, nil
}

// Handler processes one delivery. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, d *Delivery) error

// Consume polls for visible messages and feeds them to handler with at
// most concurrency in flight. It blocks until ctx is cancelled, then
// drains in-flight handlers before returning.
func (q *Q) Consume(ctx context.Context, concurrency int, handler Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	log := q.opts.Logger
	log.Info("queue: consumer started",
		"queue", q.opts.Name,
		"concurrency", concurrency,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("queue: consumer stopping, draining in-flight handlers", "queue", q.opts.Name)
			wg.Wait()
			log.Info("queue: consumer stopped", "queue", q.opts.Name)
			return
		case <-ticker.C:
			q.drain(ctx, sem, &wg, handler, log)
		}
	}
}

func (q *Q) drain(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup, handler Handler, log *slog.Logger) {
	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		d, err := q.Claim(ctx)
		if err != nil {
			<-sem
			if ctx.Err() == nil {
				log.Warn("queue: claim failed", "error", err, "queue", q.opts.Name)
			}
			return
		}
		if d == nil {
			<-sem
			return
		}

		wg.Add(1)
		go func(d *Delivery) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := handler(ctx, d); err != nil {
				log.Warn("queue: handler failed, nacking",
					"task_id", d.TaskID, "job_id", d.Msg.JobID, "error", err)
				_ = q.Nack(context.Background(), d.TaskID)
			} else {
				_ = q.Ack(context.Background(), d.TaskID)
			}
		}(d)
	}
}
