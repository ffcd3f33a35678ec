package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/osakb/internal/community"
	"github.com/kalambet/osakb/internal/ingest"
	"github.com/kalambet/osakb/internal/knowledge"
	"github.com/kalambet/osakb/internal/orchestrator"
	"github.com/kalambet/osakb/internal/scheduler"
	"github.com/kalambet/osakb/internal/search"
	"github.com/kalambet/osakb/internal/storage"
)

// TriggeredByAPI is recorded for runs started synchronously over HTTP.
const TriggeredByAPI = "api"

const (
	githubMaxAge  = 48 * time.Hour
	papersMaxAge  = 14 * 24 * time.Hour
	maxLimit      = 50
	recentRunsCap = 10
)

// Syncer runs syncs on request. *orchestrator.Orchestrator satisfies it.
type Syncer interface {
	ingest.Syncer
	Failures() map[string]int
}

// ControlStore is the job queue and run history. *storage.Store satisfies it.
type ControlStore interface {
	ingest.JobStore
	GetJob(ctx context.Context, id string) (storage.Job, error)
	JobCounts(ctx context.Context) (map[string]int, error)
	RecentRuns(ctx context.Context, community string, limit int) ([]storage.SyncRun, error)
}

type Deps struct {
	Registry *community.Registry
	DBs      *knowledge.Manager
	Syncer   Syncer
	Store    ControlStore             // optional; without it triggers run synchronously
	Schedule func() []scheduler.Entry // optional; nil when the scheduler is disabled
	Token    string
	Search   search.Options
	Now      func() time.Time
}

// NewHandler returns the HTTP API. Reads are public; triggering a sync needs
// the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))
	r.Get("/communities", handleCommunities(deps))
	r.Route("/sync", func(r chi.Router) {
		r.Get("/status", handleSyncStatus(deps))
		r.With(BearerAuth(deps.Token)).Post("/trigger", handleTrigger(deps))
		r.With(BearerAuth(deps.Token)).Get("/jobs/{id}", handleGetJob(deps))
	})
	r.Get("/search/{community}", handleSearch(deps))
	r.Get("/stats/{community}", handleStats(deps))
	return r
}

// lookup resolves the {community} URL parameter and writes the error response
// itself when that fails.
func lookup(w http.ResponseWriter, r *http.Request, deps Deps) (community.Community, *knowledge.DB, bool) {
	id := chi.URLParam(r, "community")
	c, err := deps.Registry.Get(id)
	if err != nil {
		httpError(w, http.StatusNotFound, "not_found", "unknown community %q", id)
		return community.Community{}, nil, false
	}
	db, err := deps.DBs.Get(c.ID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "opening knowledge db: %v", err)
		return community.Community{}, nil, false
	}
	return c, db, true
}

type healthReport struct {
	Status         string   `json:"status"`
	GitHubItems    int      `json:"github_items"`
	PapersItems    int      `json:"papers_items"`
	GitHubAgeHours *float64 `json:"github_age_hours"`
	PapersAgeHours *float64 `json:"papers_age_hours"`
	GitHubHealthy  bool     `json:"github_healthy"`
	PapersHealthy  bool     `json:"papers_healthy"`
}

// health reports on the newest GitHub and paper watermarks across all active
// communities. Only GitHub freshness decides overall health.
func health(ctx context.Context, deps Deps) healthReport {
	var rep healthReport
	var githubLast, papersLast time.Time
	for _, c := range deps.Registry.All() {
		if !c.Active() {
			continue
		}
		db, err := deps.DBs.Get(c.ID)
		if err != nil {
			slog.Warn("health: opening knowledge db", "community", c.ID, "error", err)
			continue
		}
		if st, err := db.Stats(ctx); err == nil {
			rep.GitHubItems += st.GitHubTotal
			rep.PapersItems += st.PapersTotal
		}
		if t, ok, err := db.NewestSync(ctx, community.SyncGitHub); err == nil && ok && t.After(githubLast) {
			githubLast = t
		}
		if t, ok, err := db.NewestSync(ctx, community.SyncPapers); err == nil && ok && t.After(papersLast) {
			papersLast = t
		}
	}

	now := deps.Now()
	rep.GitHubAgeHours, rep.GitHubHealthy = age(now, githubLast, githubMaxAge)
	rep.PapersAgeHours, rep.PapersHealthy = age(now, papersLast, papersMaxAge)
	rep.Status = "healthy"
	if !rep.GitHubHealthy {
		rep.Status = "unhealthy"
	}
	return rep
}

func age(now, last time.Time, limit time.Duration) (*float64, bool) {
	if last.IsZero() {
		return nil, false
	}
	d := now.Sub(last)
	h := float64(d.Round(6*time.Minute)) / float64(time.Hour)
	return &h, d < limit
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := health(r.Context(), deps)
		code := http.StatusOK
		if !rep.GitHubHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	}
}

type communityInfo struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	Status       string                 `json:"status"`
	Capabilities []community.Capability `json:"capabilities,omitempty"`
}

func communityInfos(reg *community.Registry) []communityInfo {
	out := make([]communityInfo, 0, reg.Len())
	for _, c := range reg.All() {
		out = append(out, communityInfo{
			ID:           c.ID,
			Name:         c.Name,
			Description:  c.Description,
			Status:       c.Status,
			Capabilities: c.Capabilities(),
		})
	}
	return out
}

func handleCommunities(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, communityInfos(deps.Registry))
	}
}

type watermarkView struct {
	Key         string    `json:"key"`
	Param       string    `json:"param,omitempty"`
	LastSync    time.Time `json:"last_sync"`
	ItemsSynced int       `json:"items_synced"`
}

type communityStatus struct {
	ID         string                     `json:"id"`
	Status     string                     `json:"status"`
	Stats      knowledge.Stats            `json:"stats"`
	Repos      []knowledge.RepoCount      `json:"repos"`
	Watermarks map[string][]watermarkView `json:"watermarks"`
	Failures   map[string]int             `json:"consecutive_failures,omitempty"`
	Runs       []storage.SyncRun          `json:"recent_runs,omitempty"`
}

type syncStatus struct {
	Communities      []communityStatus `json:"communities"`
	SchedulerEnabled bool              `json:"scheduler_enabled"`
	Schedule         []scheduler.Entry `json:"schedule"`
	Jobs             map[string]int    `json:"jobs,omitempty"`
	Health           healthReport      `json:"health"`
}

func handleSyncStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		only := r.URL.Query().Get("community")

		var targets []community.Community
		if only != "" {
			c, err := deps.Registry.Get(only)
			if err != nil {
				httpError(w, http.StatusNotFound, "not_found", "unknown community %q", only)
				return
			}
			targets = []community.Community{c}
		} else {
			targets = deps.Registry.All()
		}

		var failures map[string]int
		if deps.Syncer != nil {
			failures = deps.Syncer.Failures()
		}

		resp := syncStatus{Communities: make([]communityStatus, 0, len(targets))}
		for _, c := range targets {
			st, err := statusFor(ctx, deps, c, failures)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", c.ID, err)
				return
			}
			resp.Communities = append(resp.Communities, st)
		}

		resp.Schedule = []scheduler.Entry{}
		if deps.Schedule != nil {
			resp.SchedulerEnabled = true
			for _, e := range deps.Schedule() {
				if only == "" || e.Community == only {
					resp.Schedule = append(resp.Schedule, e)
				}
			}
		}
		if deps.Store != nil {
			jobs, err := deps.Store.JobCounts(ctx)
			if err != nil {
				slog.Warn("sync status: counting jobs", "error", err)
			}
			resp.Jobs = jobs
		}
		resp.Health = health(ctx, deps)
		writeJSON(w, http.StatusOK, resp)
	}
}

func statusFor(ctx context.Context, deps Deps, c community.Community, failures map[string]int) (communityStatus, error) {
	st := communityStatus{ID: c.ID, Status: c.Status, Watermarks: make(map[string][]watermarkView)}
	db, err := deps.DBs.Get(c.ID)
	if err != nil {
		return st, err
	}
	if st.Stats, err = db.Stats(ctx); err != nil {
		return st, err
	}
	if st.Repos, err = db.RepoCounts(ctx); err != nil {
		return st, err
	}
	marks, err := db.Watermarks(ctx, "")
	if err != nil {
		return st, err
	}
	for _, m := range marks {
		st.Watermarks[m.SourceType] = append(st.Watermarks[m.SourceType], watermarkView{
			Key:         m.SourceKey,
			Param:       m.SourceParam,
			LastSync:    m.LastSyncAt,
			ItemsSynced: m.ItemsSynced,
		})
	}
	// Failure keys are "sync_type/community".
	for key, n := range failures {
		syncType, id, ok := strings.Cut(key, "/")
		if !ok || id != c.ID {
			continue
		}
		if st.Failures == nil {
			st.Failures = make(map[string]int)
		}
		st.Failures[syncType] = n
	}
	if deps.Store != nil {
		runs, err := deps.Store.RecentRuns(ctx, c.ID, recentRunsCap)
		if err != nil {
			slog.Warn("sync status: listing runs", "community", c.ID, "error", err)
		}
		st.Runs = runs
	}
	return st, nil
}

type triggerRequest struct {
	SyncType  string `json:"sync_type"`
	Community string `json:"community"`
	Full      bool   `json:"full"`
	Wait      bool   `json:"wait"`
}

type triggerResponse struct {
	Status      string         `json:"status"`
	JobID       string         `json:"job_id,omitempty"`
	ItemsSynced map[string]int `json:"items_synced,omitempty"`
	Message     string         `json:"message,omitempty"`
}

func handleTrigger(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req triggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		sr := ingest.SyncRequest{SyncType: req.SyncType, Community: req.Community, Full: req.Full}
		if err := sr.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v; must be one of %s or all",
				err, strings.Join(community.SyncTypes, ", "))
			return
		}
		if sr.Community != "" {
			if _, err := deps.Registry.Get(sr.Community); err != nil {
				httpError(w, http.StatusNotFound, "not_found", "unknown community %q", sr.Community)
				return
			}
		}

		if req.Wait || deps.Store == nil {
			runNow(w, r, deps, sr)
			return
		}

		id, queued, err := ingest.Enqueue(r.Context(), deps.Store, sr)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "queueing sync: %v", err)
			return
		}
		if !queued {
			writeJSON(w, http.StatusOK, triggerResponse{Status: "already_queued", Message: "an identical sync is pending or running"})
			return
		}
		slog.Info("sync queued", "job_id", id, "sync_type", sr.SyncType, "community", sr.Community, "reason", "api")
		writeJSON(w, http.StatusAccepted, triggerResponse{Status: "queued", JobID: id})
	}
}

func runNow(w http.ResponseWriter, r *http.Request, deps Deps, sr ingest.SyncRequest) {
	opts := orchestrator.Options{Full: sr.Full, TriggeredBy: TriggeredByAPI}
	var (
		items map[string]int
		err   error
	)
	if sr.Community == "" {
		items, err = deps.Syncer.RunSyncNow(r.Context(), sr.SyncType, opts)
	} else {
		items, err = deps.Syncer.RunCommunity(r.Context(), sr.Community, sr.SyncType, opts)
	}
	switch {
	case errors.Is(err, knowledge.ErrSyncInProgress):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case err != nil:
		httpError(w, http.StatusInternalServerError, "api_error", "sync failed: %v", err)
	default:
		var total int
		for _, n := range items {
			total += n
		}
		writeJSON(w, http.StatusOK, triggerResponse{
			Status:      "completed",
			ItemsSynced: items,
			Message:     fmt.Sprintf("sync completed: %d items synced", total),
		})
	}
}

type jobView struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Payload   any       `json:"payload"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			httpError(w, http.StatusNotFound, "not_found", "job queue disabled")
			return
		}
		job, err := deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading job: %v", err)
			return
		}
		var payload ingest.SyncRequest
		_ = json.Unmarshal([]byte(job.PayloadJSON), &payload)
		writeJSON(w, http.StatusOK, jobView{
			ID:        job.ID,
			Status:    job.Status,
			Attempts:  job.Attempts,
			Payload:   payload,
			LastError: job.LastError,
			CreatedAt: job.CreatedAt,
			UpdatedAt: job.UpdatedAt,
		})
	}
}

type searchResponse struct {
	Community string `json:"community"`
	Query     string `json:"query"`
	Source    string `json:"source"`
	Results   any    `json:"results"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		query := strings.TrimSpace(q.Get("q"))
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		c, db, ok := lookup(w, r, deps)
		if !ok {
			return
		}

		source := q.Get("source")
		if source == "" {
			source = "all"
		}
		limit := parseIntParam(r, "limit", search.DefaultLimit, maxLimit)
		s := search.New(db, deps.Search)

		var (
			results any
			err     error
		)
		if source == "all" {
			results, err = s.All(r.Context(), query, limit)
		} else {
			var hits []search.Result
			hits, err = s.BySource(r.Context(), source, query, search.Filter{
				Limit:       limit,
				ItemType:    q.Get("item_type"),
				Status:      q.Get("status"),
				Repo:        q.Get("repo"),
				PaperSource: q.Get("paper_source"),
				Language:    q.Get("language"),
				Category:    q.Get("category"),
				ListName:    q.Get("list"),
			})
			if hits == nil {
				hits = []search.Result{}
			}
			results = hits
		}
		if errors.Is(err, search.ErrUnknownSource) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v; must be one of %s or all",
				err, strings.Join(search.Sources, ", "))
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, searchResponse{Community: c.ID, Query: query, Source: source, Results: results})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, db, ok := lookup(w, r, deps)
		if !ok {
			return
		}
		st, err := db.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}
