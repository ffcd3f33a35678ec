// Package orchestrator runs connector syncs for the configured communities,
// records each run and escalates repeated failures.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/osakb/internal/community"
	"github.com/kalambet/osakb/internal/connector"
	"github.com/kalambet/osakb/internal/faq"
	"github.com/kalambet/osakb/internal/knowledge"
)

// ErrUnknownSyncType is returned for a sync type outside community.SyncTypes and "all".
var ErrUnknownSyncType = errors.New("unknown sync type")

// ErrNotConfigured is returned when the connector a sync type needs was not supplied.
var ErrNotConfigured = errors.New("connector not configured")

// Default result cap for paper queries and citation lookups.
const defaultMaxPapers = 100

type GitHubSyncer interface {
	SyncRepos(ctx context.Context, db *knowledge.DB, repos []string, incremental bool) (map[string]int, error)
}

type PaperSyncer interface {
	SyncAll(ctx context.Context, db *knowledge.DB, queries []string, maxResults int) (map[string]int, error)
	SyncCiting(ctx context.Context, db *knowledge.DB, dois []string, maxResults int) (int, error)
}

type DocstringSyncer interface {
	SyncRepo(ctx context.Context, db *knowledge.DB, repo, language, branch string) (int, error)
}

type MailmanSyncer interface {
	SyncList(ctx context.Context, db *knowledge.DB, listName, baseURL string, startYear int, incremental bool) (map[int]int, error)
}

type DiscourseSyncer interface {
	Sync(ctx context.Context, db *knowledge.DB, forumURL string, categories []connector.DiscourseCategory, incremental bool) (int, error)
}

type BEPSyncer interface {
	Sync(ctx context.Context, db *knowledge.DB) (connector.BEPStats, error)
}

type FAQSummarizer interface {
	Summarize(ctx context.Context, db *knowledge.DB, listName string) (faq.Result, error)
}

// Sources holds one syncer per sync type. A nil field disables that type.
// FAQ builds a summarizer per community so thresholds can differ.
type Sources struct {
	GitHub     GitHubSyncer
	Papers     PaperSyncer
	Docstrings DocstringSyncer
	Mailman    MailmanSyncer
	Discourse  DiscourseSyncer
	BEPs       BEPSyncer
	FAQ        func(c community.Community) FAQSummarizer
}

// RunRecorder persists run history. *storage.Store satisfies it.
type RunRecorder interface {
	StartRun(ctx context.Context, community, syncType, triggeredBy string, startedAt time.Time) (string, error)
	FinishRun(ctx context.Context, id string, items int, runErr error) error
}

// Options tune a single run.
type Options struct {
	// Full ignores watermarks and refetches everything.
	Full bool
	// TriggeredBy is recorded with the run: manual, queue or api.
	TriggeredBy string
}

// Orchestrator runs syncs. Runs for the same community and type collapse
// into one in-process; the per-community file lock keeps other processes out.
type Orchestrator struct {
	registry *community.Registry
	dbs      *knowledge.Manager
	src      Sources
	runs     RunRecorder
	failures *failureTracker
	group    singleflight.Group
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an Orchestrator. runs may be nil when history is not kept.
func New(registry *community.Registry, dbs *knowledge.Manager, src Sources, runs RunRecorder) *Orchestrator {
	logger := slog.Default()
	return &Orchestrator{
		registry: registry,
		dbs:      dbs,
		src:      src,
		runs:     runs,
		failures: newFailureTracker(logger),
		now:      time.Now,
		logger:   logger,
	}
}

// Registry returns the communities the orchestrator serves.
func (o *Orchestrator) Registry() *community.Registry { return o.registry }

// Failures returns the consecutive failure count per "sync_type/community".
func (o *Orchestrator) Failures() map[string]int { return o.failures.snapshot() }

// RunSyncNow runs syncType for every active community that configures it and
// returns the items synced per sync type, summed across communities. "all"
// runs every type. A community's failure is logged and does not stop the
// others; the error is non-nil only when every attempted run failed.
func (o *Orchestrator) RunSyncNow(ctx context.Context, syncType string, opts Options) (map[string]int, error) {
	types, err := expand(syncType)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]int, len(types))
	var attempted, failed int
	var errs []error
	for _, c := range o.registry.All() {
		if !c.Active() {
			continue
		}
		for _, t := range types {
			if !c.HasData(t) {
				continue
			}
			attempted++
			n, err := o.Run(ctx, c.ID, t, opts)
			totals[t] += n
			if err != nil {
				failed++
				errs = append(errs, fmt.Errorf("%s/%s: %w", c.ID, t, err))
			}
			if ctx.Err() != nil {
				return totals, ctx.Err()
			}
		}
	}
	if attempted > 0 && failed == attempted {
		return totals, errors.Join(errs...)
	}
	return totals, nil
}

// RunCommunity runs syncType ("all" allowed) for one community.
func (o *Orchestrator) RunCommunity(ctx context.Context, id, syncType string, opts Options) (map[string]int, error) {
	types, err := expand(syncType)
	if err != nil {
		return nil, err
	}
	c, err := o.registry.Get(id)
	if err != nil {
		return nil, err
	}

	out := make(map[string]int, len(types))
	var errs []error
	for _, t := range types {
		if syncType == community.SyncAll && !c.HasData(t) {
			continue
		}
		n, err := o.Run(ctx, c.ID, t, opts)
		out[t] = n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
		}
	}
	return out, errors.Join(errs...)
}

type runResult struct {
	items int
}

// Run syncs one concrete type for one community.
func (o *Orchestrator) Run(ctx context.Context, id, syncType string, opts Options) (int, error) {
	if !community.IsSyncType(syncType) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSyncType, syncType)
	}
	c, err := o.registry.Get(id)
	if err != nil {
		return 0, err
	}

	key := syncType + "/" + c.ID
	v, err, shared := o.group.Do(key, func() (any, error) {
		n, err := o.run(ctx, c, syncType, opts)
		return runResult{items: n}, err
	})
	if shared {
		o.logger.Debug("joined in-flight sync", "community", c.ID, "sync_type", syncType)
	}
	var n int
	if r, ok := v.(runResult); ok {
		n = r.items
	}
	return n, err
}

func (o *Orchestrator) run(ctx context.Context, c community.Community, syncType string, opts Options) (int, error) {
	release, err := o.dbs.Lock(c.ID)
	if err != nil {
		if errors.Is(err, knowledge.ErrSyncInProgress) {
			o.logger.Info("sync skipped, another process holds the lock", "community", c.ID, "sync_type", syncType)
		}
		return 0, err
	}
	defer release()

	db, err := o.dbs.Get(c.ID)
	if err != nil {
		return 0, err
	}

	start := o.now()
	runID := o.startRun(ctx, c.ID, syncType, opts.TriggeredBy, start)
	o.logger.Info("sync started", "community", c.ID, "sync_type", syncType, "full", opts.Full)

	n, err := o.dispatch(ctx, db, c, syncType, !opts.Full)

	o.finishRun(ctx, runID, n, err)
	key := syncType + "/" + c.ID
	if err != nil {
		o.failures.failure(key, c.ID, syncType, err)
		return n, err
	}
	o.failures.success(key)
	o.logger.Info("sync finished", "community", c.ID, "sync_type", syncType,
		"items", n, "duration", o.now().Sub(start).Round(time.Millisecond))
	return n, nil
}

func (o *Orchestrator) startRun(ctx context.Context, id, syncType, triggeredBy string, start time.Time) string {
	if o.runs == nil {
		return ""
	}
	runID, err := o.runs.StartRun(ctx, id, syncType, triggeredBy, start)
	if err != nil {
		o.logger.Warn("recording sync run", "community", id, "sync_type", syncType, "error", err)
		return ""
	}
	return runID
}

func (o *Orchestrator) finishRun(ctx context.Context, runID string, n int, runErr error) {
	if o.runs == nil || runID == "" {
		return
	}
	// The run may have ended because ctx was cancelled; history still gets written.
	if err := o.runs.FinishRun(context.WithoutCancel(ctx), runID, n, runErr); err != nil {
		o.logger.Warn("finishing sync run", "run_id", runID, "error", err)
	}
}

func expand(syncType string) ([]string, error) {
	if syncType == community.SyncAll {
		return community.SyncTypes, nil
	}
	if !community.IsSyncType(syncType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSyncType, syncType)
	}
	return []string{syncType}, nil
}
