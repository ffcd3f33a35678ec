package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/osakb/internal/knowledge"
)

const (
	bepManifestURL = "https://raw.githubusercontent.com/bids-standard/bids-website/main/data/beps/beps.yml"
	bepSpecRepo    = "bids-standard/bids-specification"
	githubRaw      = "https://raw.githubusercontent.com"
)

var pullNumber = regexp.MustCompile(`/pull/(\d+)/?$`)

// BEPStats summarises one proposal sync.
type BEPStats struct {
	Total       int `json:"total"`
	WithContent int `json:"with_content"`
	Skipped     int `json:"skipped"`
}

// BEPs syncs BIDS Extension Proposals from the website manifest. Proposals
// with an open pull request also get the markdown the pull request changes.
type BEPs struct {
	fetch       *Fetcher
	manifestURL string
	apiBase     string
	rawBase     string
	specRepo    string
	batchSize   int
	now         func() time.Time
	logger      *slog.Logger
}

// NewBEPs creates a proposal connector. Pass an AuthorizedFetcher to raise
// the GitHub rate limit.
func NewBEPs(fetch *Fetcher) *BEPs {
	return &BEPs{
		fetch:       fetch,
		manifestURL: bepManifestURL,
		apiBase:     githubAPI,
		rawBase:     githubRaw,
		specRepo:    bepSpecRepo,
		batchSize:   defaultBatchSize,
		now:         time.Now,
		logger:      slog.Default(),
	}
}

// WithURLs replaces the manifest location and the GitHub API and raw content roots.
func (b *BEPs) WithURLs(manifest, api, raw string) *BEPs {
	b.manifestURL = manifest
	b.apiBase = strings.TrimRight(api, "/")
	b.rawBase = strings.TrimRight(raw, "/")
	return b
}

// rawScalar keeps a YAML scalar's source text, so "032" is not read as a number.
type rawScalar string

func (r *rawScalar) UnmarshalYAML(n *yaml.Node) error {
	*r = rawScalar(n.Value)
	return nil
}

type bepEntry struct {
	Number      rawScalar `yaml:"number"`
	Title       string    `yaml:"title"`
	PullRequest string    `yaml:"pull_request"`
	HTMLPreview string    `yaml:"html_preview"`
	GoogleDoc   string    `yaml:"google_doc"`
	Leads       []struct {
		Given  string `yaml:"given-names"`
		Family string `yaml:"family-names"`
	} `yaml:"leads"`
}

type pullInfo struct {
	State string `json:"state"`
	Head  struct {
		Ref  string `json:"ref"`
		Repo *struct {
			FullName string `json:"full_name"`
		} `json:"repo"`
	} `json:"head"`
}

// Sync stores every proposal in the manifest. A manifest that cannot be
// fetched or is not a list fails the whole run.
func (b *BEPs) Sync(ctx context.Context, db *knowledge.DB) (BEPStats, error) {
	var stats BEPStats
	start := b.now()

	raw, err := b.fetch.Get(ctx, b.manifestURL, nil)
	if err != nil {
		return stats, fmt.Errorf("fetching bep manifest: %w", err)
	}
	var entries []bepEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return stats, fmt.Errorf("parsing bep manifest: %w", err)
	}
	b.logger.Info("loaded bep manifest", "beps", len(entries))

	var items []knowledge.BEPItem
	for _, e := range entries {
		number := strings.TrimSpace(string(e.Number))
		title := strings.TrimSpace(e.Title)
		if number == "" || title == "" {
			b.logger.Warn("skipping bep with missing number or title", "number", number, "title", title)
			stats.Skipped++
			continue
		}

		item := knowledge.BEPItem{
			Number:         zeroPad(number, 3),
			Title:          title,
			Status:         "draft",
			PullRequestURL: e.PullRequest,
			HTMLPreviewURL: e.HTMLPreview,
			GoogleDocURL:   e.GoogleDoc,
			Leads:          leadNames(e),
		}
		if m := pullNumber.FindStringSubmatch(e.PullRequest); m != nil {
			item.PullRequestNumber, _ = strconv.Atoi(m[1])
		}
		if item.PullRequestNumber > 0 {
			pr, err := b.pull(ctx, item.PullRequestNumber)
			switch {
			case err != nil:
				b.logger.Warn("could not check pull request", "bep", item.Number, "pr", item.PullRequestNumber, "error", err)
				item.Status = "closed"
			case pr.State == "open":
				item.Status = "proposed"
				item.Content = b.pullMarkdown(ctx, item.PullRequestNumber, pr)
				if item.Content != "" {
					stats.WithContent++
				}
			default:
				item.Status = "closed"
			}
		}
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		items = append(items, item)
	}

	n, err := writeBatched(ctx, db, b.batchSize, items, knowledge.UpsertBEPItem, b.logger, "bep")
	stats.Total = n
	stats.Skipped += len(items) - n
	if err != nil {
		return stats, err
	}

	b.logger.Info("bep sync complete", "total", stats.Total, "with_content", stats.WithContent, "skipped", stats.Skipped)
	return stats, db.UpdateSyncMetadata(ctx, knowledge.BEPKey(), stats.Total, start)
}

var githubJSON = http.Header{"Accept": {"application/vnd.github.v3+json"}}

func (b *BEPs) pull(ctx context.Context, number int) (pullInfo, error) {
	var pr pullInfo
	err := b.fetch.GetJSON(ctx, fmt.Sprintf("%s/repos/%s/pulls/%d", b.apiBase, b.specRepo, number), githubJSON, &pr)
	return pr, err
}

// pullMarkdown concatenates the src/*.md files changed by an open pull
// request, read from its head branch, which may live in a fork.
func (b *BEPs) pullMarkdown(ctx context.Context, number int, pr pullInfo) string {
	var files []string
	for page := 1; ; page++ {
		var changed []struct {
			Filename string `json:"filename"`
		}
		u := fmt.Sprintf("%s/repos/%s/pulls/%d/files?per_page=100&page=%d", b.apiBase, b.specRepo, number, page)
		if err := b.fetch.GetJSON(ctx, u, githubJSON, &changed); err != nil {
			b.logger.Warn("could not list pull request files", "pr", number, "page", page, "error", err)
			break
		}
		for _, f := range changed {
			if strings.HasPrefix(f.Filename, "src/") && strings.HasSuffix(f.Filename, ".md") {
				files = append(files, f.Filename)
			}
		}
		if len(changed) < 100 {
			break
		}
	}
	if len(files) == 0 {
		b.logger.Info("no markdown files in pull request", "pr", number)
		return ""
	}

	repo := b.specRepo
	if pr.Head.Repo != nil && pr.Head.Repo.FullName != "" {
		repo = pr.Head.Repo.FullName
	}
	var parts []string
	for _, f := range files {
		body, err := b.fetch.Get(ctx, fmt.Sprintf("%s/%s/%s/%s", b.rawBase, repo, pr.Head.Ref, f), nil)
		if err != nil {
			b.logger.Warn("could not fetch pull request file", "file", f, "branch", pr.Head.Ref, "error", err)
			continue
		}
		parts = append(parts, "<!-- File: "+f+" -->\n"+string(body))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func leadNames(e bepEntry) []string {
	var names []string
	for _, l := range e.Leads {
		name := strings.TrimSpace(strings.TrimSpace(l.Given) + " " + strings.TrimSpace(l.Family))
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func zeroPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

