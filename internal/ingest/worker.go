// Package ingest drains queued sync requests into the orchestrator.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/osakb/internal/community"
	"github.com/kalambet/osakb/internal/orchestrator"
	"github.com/kalambet/osakb/internal/storage"
)

// JobTypeSync is the queue type for sync requests.
const JobTypeSync = "sync"

// TriggeredByQueue is recorded for runs started by the worker.
const TriggeredByQueue = "queue"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) (string, error)
	HasActiveJob(ctx context.Context, typ, payloadJSON string) (bool, error)
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Syncer runs syncs. *orchestrator.Orchestrator satisfies it.
type Syncer interface {
	RunSyncNow(ctx context.Context, syncType string, opts orchestrator.Options) (map[string]int, error)
	RunCommunity(ctx context.Context, id, syncType string, opts orchestrator.Options) (map[string]int, error)
}

// SyncRequest is the payload of a sync job. An empty Community means every community.
type SyncRequest struct {
	SyncType  string `json:"sync_type"`
	Community string `json:"community,omitempty"`
	Full      bool   `json:"full,omitempty"`
}

// Validate rejects unknown sync types before they reach the queue.
func (r SyncRequest) Validate() error {
	if r.SyncType != community.SyncAll && !community.IsSyncType(r.SyncType) {
		return fmt.Errorf("%w: %q", orchestrator.ErrUnknownSyncType, r.SyncType)
	}
	return nil
}

// Enqueue adds a sync job unless an identical one is already pending or
// running. It returns the job id and whether a new job was queued.
func Enqueue(ctx context.Context, store JobStore, req SyncRequest) (string, bool, error) {
	if err := req.Validate(); err != nil {
		return "", false, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", false, fmt.Errorf("encoding sync request: %w", err)
	}
	active, err := store.HasActiveJob(ctx, JobTypeSync, string(payload))
	if err != nil {
		return "", false, fmt.Errorf("checking queue: %w", err)
	}
	if active {
		return "", false, nil
	}
	id, err := store.EnqueueJob(ctx, storage.Job{Type: JobTypeSync, PayloadJSON: string(payload)})
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Worker processes sync jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	syncer Syncer
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, syncer Syncer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		syncer: syncer,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single sync job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobTypeSync})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		// Record the failure even when shutdown cancelled the run.
		if failErr := w.store.FailJob(context.WithoutCancel(ctx), job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var req SyncRequest
	if err := json.Unmarshal([]byte(job.PayloadJSON), &req); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if err := req.Validate(); err != nil {
		return err
	}

	opts := orchestrator.Options{Full: req.Full, TriggeredBy: TriggeredByQueue}
	var (
		counts map[string]int
		err    error
	)
	if req.Community == "" {
		counts, err = w.syncer.RunSyncNow(ctx, req.SyncType, opts)
	} else {
		counts, err = w.syncer.RunCommunity(ctx, req.Community, req.SyncType, opts)
	}
	if err != nil {
		return fmt.Errorf("sync %s: %w", req.SyncType, err)
	}
	w.logger.Info("sync job completed", "job_id", job.ID, "sync_type", req.SyncType,
		"community", req.Community, "items", counts)
	return nil
}
