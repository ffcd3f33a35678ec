// Package scheduler turns per-community cron expressions into queued sync
// jobs and seeds empty knowledge databases at startup.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/osakb/internal/community"
	"github.com/kalambet/osakb/internal/ingest"
	"github.com/kalambet/osakb/internal/knowledge"
)

// Entry is one registered schedule.
type Entry struct {
	Community string    `json:"community"`
	SyncType  string    `json:"sync_type"`
	Cron      string    `json:"cron"`
	Next      time.Time `json:"next_run,omitempty"`
	Prev      time.Time `json:"last_run,omitempty"`
	id        cron.EntryID
}

// Scheduler enqueues sync jobs on each community's cron schedule. Jobs run
// on the ingest worker, never on the cron goroutine.
type Scheduler struct {
	cron     *cron.Cron
	registry *community.Registry
	store    ingest.JobStore
	dbs      *knowledge.Manager

	mu      sync.Mutex
	entries []Entry
	logger  *slog.Logger
}

func New(registry *community.Registry, store ingest.JobStore, dbs *knowledge.Manager) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		registry: registry,
		store:    store,
		dbs:      dbs,
		logger:   slog.Default(),
	}
}

// Register adds a cron entry for every active community and sync type that
// has both a schedule and configured sources. It returns the entry count.
func (s *Scheduler) Register() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.registry.All() {
		if !c.Active() {
			continue
		}
		for _, t := range community.SyncTypes {
			expr, ok := c.CronFor(t)
			if !ok {
				continue
			}
			if !c.HasData(t) {
				s.logger.Warn("schedule ignored, no sources configured", "community", c.ID, "sync_type", t)
				continue
			}
			req := ingest.SyncRequest{SyncType: t, Community: c.ID}
			id, err := s.cron.AddFunc(expr, func() { s.enqueue(context.Background(), req, "schedule") })
			if err != nil {
				return len(s.entries), fmt.Errorf("scheduling %s/%s: %w", c.ID, t, err)
			}
			s.entries = append(s.entries, Entry{Community: c.ID, SyncType: t, Cron: expr, id: id})
		}
	}
	return len(s.entries), nil
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron loop. The returned context is done once no entry is running.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// Entries returns the registered schedules with their next and previous fire times.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	s.mu.Unlock()

	for i := range out {
		e := s.cron.Entry(out[i].id)
		out[i].Next, out[i].Prev = e.Next, e.Prev
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Community != out[j].Community {
			return out[i].Community < out[j].Community
		}
		return out[i].SyncType < out[j].SyncType
	})
	return out
}

// Seed queues a sync for every configured source whose tables are still
// empty. FAQ is left out: it needs mailing list data and an LLM, and is only
// run on schedule or on request.
func (s *Scheduler) Seed(ctx context.Context) (int, error) {
	var queued int
	for _, c := range s.registry.All() {
		if !c.Active() {
			continue
		}
		db, err := s.dbs.Get(c.ID)
		if err != nil {
			return queued, fmt.Errorf("opening %s: %w", c.ID, err)
		}
		for _, t := range community.SyncTypes {
			if t == community.SyncFAQ || !c.HasData(t) {
				continue
			}
			populated, err := db.Populated(ctx, t)
			if err != nil {
				s.logger.Warn("data check failed", "community", c.ID, "sync_type", t, "error", err)
				continue
			}
			if populated {
				continue
			}
			if s.enqueue(ctx, ingest.SyncRequest{SyncType: t, Community: c.ID}, "startup") {
				queued++
			}
		}
	}
	return queued, nil
}

func (s *Scheduler) enqueue(ctx context.Context, req ingest.SyncRequest, reason string) bool {
	id, queued, err := ingest.Enqueue(ctx, s.store, req)
	if err != nil {
		s.logger.Error("enqueueing sync", "community", req.Community, "sync_type", req.SyncType, "reason", reason, "error", err)
		return false
	}
	if !queued {
		s.logger.Debug("sync already queued", "community", req.Community, "sync_type", req.SyncType, "reason", reason)
		return false
	}
	s.logger.Info("sync queued", "job_id", id, "community", req.Community, "sync_type", req.SyncType, "reason", reason)
	return true
}
