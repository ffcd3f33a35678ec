package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/osakb/internal/community"
	"github.com/kalambet/osakb/internal/knowledge"
)

func (o *Orchestrator) dispatch(ctx context.Context, db *knowledge.DB, c community.Community, syncType string, incremental bool) (int, error) {
	switch syncType {
	case community.SyncGitHub:
		return o.syncGitHub(ctx, db, c, incremental)
	case community.SyncPapers:
		return o.syncPapers(ctx, db, c)
	case community.SyncDocstrings:
		return o.syncDocstrings(ctx, db, c)
	case community.SyncMailman:
		return o.syncMailman(ctx, db, c, incremental)
	case community.SyncFAQ:
		return o.syncFAQ(ctx, db, c)
	case community.SyncBEPs:
		return o.syncBEPs(ctx, db)
	case community.SyncDiscourse:
		return o.syncDiscourse(ctx, db, c, incremental)
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSyncType, syncType)
}

func notConfigured(syncType string) error {
	return fmt.Errorf("%w: %s", ErrNotConfigured, syncType)
}

// units tracks a loop of independent sync calls. The loop fails only when
// every unit failed.
type units struct {
	items, attempted int
	errs             []error
}

func (u *units) add(n int, err error, label string) {
	u.attempted++
	u.items += n
	if err != nil {
		u.errs = append(u.errs, fmt.Errorf("%s: %w", label, err))
	}
}

func (u *units) result() (int, error) {
	if u.attempted > 0 && len(u.errs) == u.attempted {
		return u.items, errors.Join(u.errs...)
	}
	return u.items, nil
}

func sum[K comparable](m map[K]int) int {
	var n int
	for _, v := range m {
		n += v
	}
	return n
}

func (o *Orchestrator) syncGitHub(ctx context.Context, db *knowledge.DB, c community.Community, incremental bool) (int, error) {
	if o.src.GitHub == nil {
		return 0, notConfigured(community.SyncGitHub)
	}
	counts, err := o.src.GitHub.SyncRepos(ctx, db, c.GitHub.Repos, incremental)
	return sum(counts), err
}

func (o *Orchestrator) syncPapers(ctx context.Context, db *knowledge.DB, c community.Community) (int, error) {
	if o.src.Papers == nil {
		return 0, notConfigured(community.SyncPapers)
	}
	maxResults := c.Citations.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxPapers
	}
	var u units
	if len(c.Citations.Queries) > 0 {
		counts, err := o.src.Papers.SyncAll(ctx, db, c.Citations.Queries, maxResults)
		u.add(sum(counts), err, "queries")
	}
	if len(c.Citations.DOIs) > 0 {
		n, err := o.src.Papers.SyncCiting(ctx, db, c.Citations.DOIs, maxResults)
		u.add(n, err, "citations")
	}
	return u.result()
}

func (o *Orchestrator) syncDocstrings(ctx context.Context, db *knowledge.DB, c community.Community) (int, error) {
	if o.src.Docstrings == nil {
		return 0, notConfigured(community.SyncDocstrings)
	}
	var u units
	for _, r := range c.Docstrings.Repos {
		for _, lang := range r.Languages {
			n, err := o.src.Docstrings.SyncRepo(ctx, db, r.Repo, lang, r.Branch)
			if err != nil {
				o.logger.Error("docstring sync failed", "community", c.ID, "repo", r.Repo, "language", lang, "error", err)
			}
			u.add(n, err, r.Repo+"/"+lang)
		}
	}
	return u.result()
}

func (o *Orchestrator) syncMailman(ctx context.Context, db *knowledge.DB, c community.Community, incremental bool) (int, error) {
	if o.src.Mailman == nil {
		return 0, notConfigured(community.SyncMailman)
	}
	var u units
	for _, l := range c.Mailman {
		years, err := o.src.Mailman.SyncList(ctx, db, l.ListName, l.BaseURL, l.StartYear, incremental)
		if err != nil {
			o.logger.Error("mailing list sync failed", "community", c.ID, "list", l.ListName, "error", err)
		}
		u.add(sum(years), err, l.ListName)
	}
	return u.result()
}

// syncFAQ reports the number of new FAQ entries.
func (o *Orchestrator) syncFAQ(ctx context.Context, db *knowledge.DB, c community.Community) (int, error) {
	if o.src.FAQ == nil {
		return 0, notConfigured(community.SyncFAQ)
	}
	s := o.src.FAQ(c)
	if s == nil {
		return 0, notConfigured(community.SyncFAQ)
	}
	var u units
	for _, l := range c.Mailman {
		res, err := s.Summarize(ctx, db, l.ListName)
		if err != nil {
			o.logger.Error("faq generation failed", "community", c.ID, "list", l.ListName, "error", err)
		} else {
			o.logger.Info("faq generation", "community", c.ID, "list", l.ListName,
				"processed", res.Processed, "summarized", res.Summarized, "skipped", res.Skipped, "failed", res.Failed)
		}
		u.add(res.Summarized, err, l.ListName)
	}
	return u.result()
}

func (o *Orchestrator) syncBEPs(ctx context.Context, db *knowledge.DB) (int, error) {
	if o.src.BEPs == nil {
		return 0, notConfigured(community.SyncBEPs)
	}
	stats, err := o.src.BEPs.Sync(ctx, db)
	return stats.Total, err
}

func (o *Orchestrator) syncDiscourse(ctx context.Context, db *knowledge.DB, c community.Community, incremental bool) (int, error) {
	if o.src.Discourse == nil {
		return 0, notConfigured(community.SyncDiscourse)
	}
	var u units
	for _, f := range c.Discourse {
		n, err := o.src.Discourse.Sync(ctx, db, f.URL, f.DiscourseCategories(), incremental)
		if err != nil {
			o.logger.Error("discourse sync failed", "community", c.ID, "forum", f.URL, "error", err)
		}
		u.add(n, err, f.URL)
	}
	return u.result()
}
