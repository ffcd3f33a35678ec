package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"golang.org/x/oauth2"

	"github.com/kalambet/osakb/internal/knowledge"
)

// DefaultGitHubLimit bounds how many issues and how many pull requests are
// listed per repository.
const DefaultGitHubLimit = 500

var repoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// ValidRepo reports whether repo has the owner/name form.
func ValidRepo(repo string) bool { return repoPattern.MatchString(repo) }

// GitHubRecord is one issue or pull request as returned by a lister.
// State is open, closed or merged.
type GitHubRecord struct {
	Number    int
	Title     string
	Body      string
	State     string
	URL       string
	CreatedAt time.Time
}

// GitHubLister lists the issues and pull requests of one repository in all
// states, newest first.
type GitHubLister interface {
	ListIssues(ctx context.Context, repo string, limit int) ([]GitHubRecord, error)
	ListPullRequests(ctx context.Context, repo string, limit int) ([]GitHubRecord, error)
}

// GitHub syncs issue and pull request opening posts.
type GitHub struct {
	lister GitHubLister
	limit  int
	now    func() time.Time
	logger *slog.Logger
}

// NewGitHub creates a GitHub connector backed by lister.
func NewGitHub(lister GitHubLister) *GitHub {
	return &GitHub{
		lister: lister,
		limit:  DefaultGitHubLimit,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// SyncRepo writes the repository's issues and pull requests. When
// incremental is set, records created before the last watermark are skipped.
// The watermark advances only if both listings succeeded.
func (g *GitHub) SyncRepo(ctx context.Context, db *knowledge.DB, repo string, incremental bool) (int, error) {
	if !ValidRepo(repo) {
		return 0, fmt.Errorf("invalid repo %q: want owner/name", repo)
	}
	key := knowledge.GitHubKey(repo)
	start := g.now()

	var since time.Time
	if incremental {
		last, ok, err := db.LastSync(ctx, key)
		if err != nil {
			return 0, err
		}
		if ok {
			since = last
			g.logger.Info("incremental github sync", "repo", repo, "since", since)
		}
	}

	var errs []error
	issues, err := g.lister.ListIssues(ctx, repo, g.limit)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing issues of %s: %w", repo, err))
	}
	prs, err := g.lister.ListPullRequests(ctx, repo, g.limit)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing pull requests of %s: %w", repo, err))
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	count, skipped := 0, 0
	write := func(kind string, recs []GitHubRecord) {
		for _, r := range recs {
			if !since.IsZero() && r.CreatedAt.Before(since) {
				skipped++
				continue
			}
			if r.Number <= 0 || r.Title == "" || r.URL == "" {
				g.logger.Warn("skipping incomplete github record", "repo", repo, "type", kind, "number", r.Number)
				continue
			}
			item := knowledge.GitHubItem{
				Repo:         repo,
				ItemType:     kind,
				Number:       r.Number,
				Title:        r.Title,
				FirstMessage: r.Body,
				Status:       githubStatus(kind, r.State),
				URL:          r.URL,
				CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339),
			}
			if err := knowledge.UpsertGitHubItem(ctx, tx, item); err != nil {
				g.logger.Warn("skipping github record", "repo", repo, "type", kind, "number", r.Number, "error", err)
				continue
			}
			count++
		}
	}
	write(knowledge.ItemIssue, issues)
	write(knowledge.ItemPR, prs)
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing %s: %w", repo, err)
	}

	g.logger.Info("synced github repo", "repo", repo, "items", count, "skipped", skipped)
	if len(errs) > 0 {
		return count, errors.Join(errs...)
	}
	if err := db.UpdateSyncMetadata(ctx, key, count, start); err != nil {
		return count, err
	}
	return count, nil
}

// SyncRepos syncs each repository in turn. A failing repository is logged
// and skipped; the error is non-nil only when every repository failed.
func (g *GitHub) SyncRepos(ctx context.Context, db *knowledge.DB, repos []string, incremental bool) (map[string]int, error) {
	results := make(map[string]int, len(repos))
	var failed []error
	for _, repo := range repos {
		n, err := g.SyncRepo(ctx, db, repo, incremental)
		results[repo] = n
		if err != nil {
			g.logger.Error("github sync failed", "repo", repo, "error", err)
			failed = append(failed, err)
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	if len(repos) > 0 && len(failed) == len(repos) {
		return results, errors.Join(failed...)
	}
	return results, nil
}

// githubStatus maps a listed state onto the stored status. Issues are only
// open or closed.
func githubStatus(kind, state string) string {
	switch state {
	case "open", "OPEN":
		return knowledge.StatusOpen
	case "merged", "MERGED":
		if kind == knowledge.ItemPR {
			return knowledge.StatusMerged
		}
	}
	return knowledge.StatusClosed
}

// NewLister picks how repositories are listed: the gh command when it is on
// PATH, the GraphQL API when a token is configured, else unauthenticated REST.
func NewLister(ctx context.Context, fetch *Fetcher, token string) GitHubLister {
	if path, ok := LookupGH(); ok {
		return NewGHCLI(path, token)
	}
	if token != "" {
		return NewGraphQL(ctx, token)
	}
	return NewREST(fetch)
}

// AuthorizedFetcher returns a copy of fetch that sends token as a bearer
// credential. Use it only for GitHub hosts.
func AuthorizedFetcher(ctx context.Context, fetch *Fetcher, token string) *Fetcher {
	if token == "" {
		return fetch
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return fetch.WithClient(oauth2.NewClient(ctx, src))
}
