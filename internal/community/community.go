// Package community models the per-community source configuration that
// drives syncing: which repositories, paper queries, mailing lists and
// forums belong to a community, and when each kind of source is refreshed.
package community

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/osakb/internal/connector"
	"github.com/kalambet/osakb/internal/knowledge"
)

// Sync types. SyncAll expands to every other type in SyncTypes order.
const (
	SyncGitHub     = "github"
	SyncPapers     = "papers"
	SyncDocstrings = "docstrings"
	SyncMailman    = "mailman"
	SyncFAQ        = "faq"
	SyncBEPs       = "beps"
	SyncDiscourse  = "discourse"
	SyncAll        = "all"
)

// SyncTypes lists the concrete sync types in the order a full pass runs them.
// FAQ follows mailman because it summarises the threads mailman stores.
var SyncTypes = []string{SyncGitHub, SyncPapers, SyncDocstrings, SyncMailman, SyncFAQ, SyncBEPs, SyncDiscourse}

// IsSyncType reports whether t names a concrete sync type.
func IsSyncType(t string) bool { return slices.Contains(SyncTypes, t) }

// Community statuses.
const (
	StatusAvailable  = "available"
	StatusBeta       = "beta"
	StatusComingSoon = "coming_soon"
)

// ErrUnknownCommunity is returned when a community id is not registered.
var ErrUnknownCommunity = errors.New("unknown community")

type Community struct {
	ID          string              `mapstructure:"id" json:"id"`
	Name        string              `mapstructure:"name" json:"name"`
	Description string              `mapstructure:"description" json:"description,omitempty"`
	Status      string              `mapstructure:"status" json:"status"`
	GitHub      GitHub              `mapstructure:"github" json:"github"`
	Citations   Citations           `mapstructure:"citations" json:"citations"`
	Docstrings  Docstrings          `mapstructure:"docstrings" json:"docstrings"`
	Mailman     []MailingList       `mapstructure:"mailman" json:"mailman,omitempty"`
	FAQ         FAQGeneration       `mapstructure:"faq_generation" json:"faq_generation"`
	Discourse   []Forum             `mapstructure:"discourse" json:"discourse,omitempty"`
	BEPs        BEPs                `mapstructure:"beps" json:"beps"`
	Sync        map[string]Schedule `mapstructure:"sync" json:"sync,omitempty"`
}

type GitHub struct {
	Repos []string `mapstructure:"repos" json:"repos,omitempty"`
}

type Citations struct {
	Queries    []string `mapstructure:"queries" json:"queries,omitempty"`
	DOIs       []string `mapstructure:"dois" json:"dois,omitempty"`
	MaxResults int      `mapstructure:"max_results" json:"max_results,omitempty"`
}

type Docstrings struct {
	Repos []DocstringRepo `mapstructure:"repos" json:"repos,omitempty"`
}

// DocstringRepo is a repository whose sources are parsed for docstrings.
// Branch defaults to main.
type DocstringRepo struct {
	Repo      string   `mapstructure:"repo" json:"repo"`
	Branch    string   `mapstructure:"branch" json:"branch"`
	Languages []string `mapstructure:"languages" json:"languages"`
}

// MailingList is a Mailman 2 pipermail archive.
type MailingList struct {
	ListName  string `mapstructure:"list_name" json:"list_name"`
	BaseURL   string `mapstructure:"base_url" json:"base_url"`
	StartYear int    `mapstructure:"start_year" json:"start_year,omitempty"`
}

// FAQGeneration tunes thread summarisation. A zero threshold falls back to
// the configured default.
type FAQGeneration struct {
	Enabled          bool    `mapstructure:"enabled" json:"enabled"`
	QualityThreshold float64 `mapstructure:"quality_threshold" json:"quality_threshold,omitempty"`
	MaxThreads       int     `mapstructure:"max_threads" json:"max_threads,omitempty"`
}

// Forum is a Discourse instance. With no categories the latest listing is used.
type Forum struct {
	URL        string          `mapstructure:"url" json:"url"`
	Categories []ForumCategory `mapstructure:"categories" json:"categories,omitempty"`
}

type ForumCategory struct {
	Slug string `mapstructure:"slug" json:"slug"`
	ID   int    `mapstructure:"id" json:"id"`
}

type BEPs struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

// Schedule is a standard five-field cron expression.
type Schedule struct {
	Cron string `mapstructure:"cron" json:"cron"`
}

// DiscourseCategories converts the forum's categories for the connector.
func (f Forum) DiscourseCategories() []connector.DiscourseCategory {
	out := make([]connector.DiscourseCategory, 0, len(f.Categories))
	for _, c := range f.Categories {
		out = append(out, connector.DiscourseCategory{Slug: c.Slug, ID: c.ID})
	}
	return out
}

// Active reports whether the community is synced and served.
func (c Community) Active() bool { return c.Status != StatusComingSoon }

// HasData reports whether the community configures any source for syncType.
func (c Community) HasData(syncType string) bool {
	switch syncType {
	case SyncGitHub:
		return len(c.GitHub.Repos) > 0
	case SyncPapers:
		return len(c.Citations.Queries) > 0 || len(c.Citations.DOIs) > 0
	case SyncDocstrings:
		return len(c.Docstrings.Repos) > 0
	case SyncMailman:
		return len(c.Mailman) > 0
	case SyncFAQ:
		return c.FAQ.Enabled && len(c.Mailman) > 0
	case SyncBEPs:
		return c.BEPs.Enabled
	case SyncDiscourse:
		return len(c.Discourse) > 0
	}
	return false
}

// CronFor returns the schedule configured for syncType, if any.
func (c Community) CronFor(syncType string) (string, bool) {
	s, ok := c.Sync[syncType]
	if !ok || strings.TrimSpace(s.Cron) == "" {
		return "", false
	}
	return s.Cron, true
}

// normalize fills defaults and canonicalises DOIs in place.
func (c *Community) normalize() {
	c.ID = strings.TrimSpace(c.ID)
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Status == "" {
		c.Status = StatusAvailable
	}
	for i, d := range c.Citations.DOIs {
		c.Citations.DOIs[i] = NormalizeDOI(d)
	}
	for i := range c.Docstrings.Repos {
		r := &c.Docstrings.Repos[i]
		if r.Branch == "" {
			r.Branch = "main"
		}
		for j, l := range r.Languages {
			r.Languages[j] = strings.ToLower(strings.TrimSpace(l))
		}
	}
	for i := range c.Discourse {
		c.Discourse[i].URL = strings.TrimRight(c.Discourse[i].URL, "/")
	}
}

var doiPrefixes = []string{
	"https://doi.org/", "http://doi.org/",
	"https://dx.doi.org/", "http://dx.doi.org/",
	"doi.org/", "doi:",
}

// NormalizeDOI strips resolver URL and "doi:" prefixes and surrounding space.
func NormalizeDOI(doi string) string {
	d := strings.TrimSpace(doi)
	lower := strings.ToLower(d)
	for _, p := range doiPrefixes {
		if strings.HasPrefix(lower, p) {
			d = strings.TrimSpace(d[len(p):])
			break
		}
	}
	return d
}

// Validate rejects configuration that would fail before any network call.
func (c Community) Validate() error {
	if err := knowledge.ValidateProject(c.ID); err != nil {
		return fmt.Errorf("community id: %w", err)
	}
	switch c.Status {
	case StatusAvailable, StatusBeta, StatusComingSoon:
	default:
		return fmt.Errorf("community %s: unknown status %q", c.ID, c.Status)
	}
	for _, r := range c.GitHub.Repos {
		if !connector.ValidRepo(r) {
			return fmt.Errorf("community %s: invalid github repo %q", c.ID, r)
		}
	}
	for _, d := range c.Citations.DOIs {
		if !strings.HasPrefix(d, "10.") || !strings.Contains(d, "/") {
			return fmt.Errorf("community %s: invalid doi %q", c.ID, d)
		}
	}
	for _, q := range c.Citations.Queries {
		if strings.TrimSpace(q) == "" {
			return fmt.Errorf("community %s: empty paper query", c.ID)
		}
	}
	for _, r := range c.Docstrings.Repos {
		if !connector.ValidRepo(r.Repo) {
			return fmt.Errorf("community %s: invalid docstring repo %q", c.ID, r.Repo)
		}
		if len(r.Languages) == 0 {
			return fmt.Errorf("community %s: docstring repo %s has no languages", c.ID, r.Repo)
		}
		for _, l := range r.Languages {
			if l != connector.LangMATLAB && l != connector.LangPython {
				return fmt.Errorf("community %s: unsupported docstring language %q", c.ID, l)
			}
		}
	}
	for _, m := range c.Mailman {
		if m.ListName == "" {
			return fmt.Errorf("community %s: mailing list without list_name", c.ID)
		}
		if err := validURL(m.BaseURL); err != nil {
			return fmt.Errorf("community %s: mailing list %s: %w", c.ID, m.ListName, err)
		}
	}
	if t := c.FAQ.QualityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("community %s: faq quality_threshold %v out of [0,1]", c.ID, t)
	}
	for _, f := range c.Discourse {
		if err := validURL(f.URL); err != nil {
			return fmt.Errorf("community %s: discourse: %w", c.ID, err)
		}
	}
	for t, s := range c.Sync {
		if !IsSyncType(t) {
			return fmt.Errorf("community %s: unknown sync type %q", c.ID, t)
		}
		if strings.TrimSpace(s.Cron) == "" {
			continue
		}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("community %s: sync.%s.cron: %w", c.ID, t, err)
		}
	}
	return nil
}

func validURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q: want http(s)://host", raw)
	}
	return nil
}
