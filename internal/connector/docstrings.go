package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/osakb/internal/docparse"
	"github.com/kalambet/osakb/internal/knowledge"
)

// Docstring languages.
const (
	LangMATLAB = "matlab"
	LangPython = "python"
)

// Docstrings extracts documentation from a repository's MATLAB or Python sources.
type Docstrings struct {
	fetch     *Fetcher
	apiBase   string
	rawBase   string
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

// NewDocstrings creates a docstring connector. Pass an AuthorizedFetcher to
// raise the GitHub rate limit.
func NewDocstrings(fetch *Fetcher) *Docstrings {
	return &Docstrings{
		fetch:     fetch,
		apiBase:   githubAPI,
		rawBase:   githubRaw,
		batchSize: defaultBatchSize,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// WithURLs replaces the GitHub API and raw content roots.
func (d *Docstrings) WithURLs(api, raw string) *Docstrings {
	d.apiBase = strings.TrimRight(api, "/")
	d.rawBase = strings.TrimRight(raw, "/")
	return d
}

// SyncRepo parses every .m or .py file on branch and stores the docstrings
// found. Files that fail to fetch or parse are logged and skipped. Listing
// the tree is the only step whose failure fails the run.
func (d *Docstrings) SyncRepo(ctx context.Context, db *knowledge.DB, repo, language, branch string) (int, error) {
	if !ValidRepo(repo) {
		return 0, fmt.Errorf("invalid repo %q: want owner/name", repo)
	}
	var ext string
	switch language {
	case LangMATLAB:
		ext = ".m"
	case LangPython:
		ext = ".py"
	default:
		return 0, fmt.Errorf("unsupported docstring language %q", language)
	}
	if branch == "" {
		branch = "main"
	}
	start := d.now()

	files, err := d.tree(ctx, repo, branch, ext)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		d.logger.Warn("no source files found", "repo", repo, "ext", ext)
		return 0, db.UpdateSyncMetadata(ctx, knowledge.DocstringKey(repo, language), 0, start)
	}

	var docs []knowledge.Docstring
	failed := 0
	for _, path := range files {
		body, err := d.fetch.Get(ctx, fmt.Sprintf("%s/%s/%s/%s", d.rawBase, repo, branch, path), nil)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			d.logger.Warn("could not fetch source file", "repo", repo, "path", path, "error", err)
			failed++
			continue
		}
		if !utf8.Valid(body) {
			d.logger.Warn("skipping file with invalid encoding", "repo", repo, "path", path)
			failed++
			continue
		}

		var parsed []docparse.Doc
		if language == LangMATLAB {
			parsed = docparse.ParseMATLAB(string(body), path)
		} else {
			parsed, err = docparse.ParsePython(ctx, string(body), path)
			if err != nil {
				d.logger.Warn("could not parse source file", "repo", repo, "path", path, "error", err)
				failed++
				continue
			}
		}
		for _, p := range parsed {
			docs = append(docs, knowledge.Docstring{
				Repo:       repo,
				FilePath:   path,
				Language:   language,
				SymbolName: p.SymbolName,
				SymbolType: p.SymbolType,
				Docstring:  p.Docstring,
				LineNumber: p.Line,
				Branch:     branch,
			})
		}
	}

	n, err := writeBatched(ctx, db, d.batchSize, docs, knowledge.UpsertDocstring, d.logger, "docstring")
	if err != nil {
		return n, err
	}
	d.logger.Info("synced docstrings", "repo", repo, "language", language, "files", len(files), "docstrings", n, "failed_files", failed)
	return n, db.UpdateSyncMetadata(ctx, knowledge.DocstringKey(repo, language), n, start)
}

func (d *Docstrings) tree(ctx context.Context, repo, branch, ext string) ([]string, error) {
	var tree struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
		} `json:"tree"`
		Truncated bool `json:"truncated"`
	}
	u := fmt.Sprintf("%s/repos/%s/git/trees/%s?recursive=1", d.apiBase, repo, branch)
	header := http.Header{
		"Accept":               {"application/vnd.github+json"},
		"X-GitHub-Api-Version": {"2022-11-28"},
	}
	if err := d.fetch.GetJSON(ctx, u, header, &tree); err != nil {
		return nil, fmt.Errorf("listing %s@%s: %w", repo, branch, err)
	}
	if tree.Tree == nil {
		return nil, fmt.Errorf("listing %s@%s: response has no tree", repo, branch)
	}
	if tree.Truncated {
		d.logger.Warn("git tree listing truncated", "repo", repo, "branch", branch)
	}
	var files []string
	for _, e := range tree.Tree {
		if e.Type == "blob" && strings.HasSuffix(e.Path, ext) {
			files = append(files, e.Path)
		}
	}
	return files, nil
}
