package search

import (
	"context"
	"errors"
	"fmt"
)

// Source names accepted by BySource. They match the sync types that fill them.
const (
	SourceGitHub     = "github"
	SourcePapers     = "papers"
	SourceDocstrings = "docstrings"
	SourceDiscourse  = "discourse"
	SourceFAQ        = "faq"
	SourceMailman    = "mailman"
	SourceBEPs       = "beps"
)

var Sources = []string{
	SourceGitHub, SourcePapers, SourceDocstrings, SourceDiscourse,
	SourceFAQ, SourceMailman, SourceBEPs,
}

var ErrUnknownSource = errors.New("unknown search source")

// Filter carries the optional filters of every source. Fields a source does
// not understand are ignored.
type Filter struct {
	Limit       int
	ItemType    string
	Status      string
	Repo        string
	PaperSource string
	Language    string
	Category    string
	ListName    string
}

// BySource runs query against one source.
func (s *Searcher) BySource(ctx context.Context, source, query string, f Filter) ([]Result, error) {
	switch source {
	case SourceGitHub:
		return s.GitHub(ctx, query, GitHubFilter{Limit: f.Limit, ItemType: f.ItemType, Status: f.Status, Repo: f.Repo})
	case SourcePapers:
		return s.Papers(ctx, query, PaperFilter{Limit: f.Limit, Source: f.PaperSource})
	case SourceDocstrings:
		return s.Docstrings(ctx, query, DocstringFilter{Limit: f.Limit, Language: f.Language, Repo: f.Repo})
	case SourceDiscourse:
		return s.Discourse(ctx, query, DiscourseFilter{Limit: f.Limit, Category: f.Category})
	case SourceFAQ:
		return s.FAQ(ctx, query, FAQFilter{Limit: f.Limit, Category: f.Category, ListName: f.ListName})
	case SourceMailman:
		return s.MailingList(ctx, query, MailingListFilter{Limit: f.Limit, ListName: f.ListName})
	case SourceBEPs:
		beps, err := s.LookupBEP(ctx, query, f.Limit)
		if err != nil {
			return nil, err
		}
		out := make([]Result, 0, len(beps))
		for _, b := range beps {
			out = append(out, b.Result())
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
}

// Result flattens a proposal into a generic search hit.
func (b BEP) Result() Result {
	url := b.PullRequestURL
	if url == "" {
		url = b.HTMLPreviewURL
	}
	if url == "" {
		url = b.GoogleDocURL
	}
	return Result{
		Title:    fmt.Sprintf("BEP%s: %s", b.Number, b.Title),
		URL:      url,
		Snippet:  b.Snippet,
		Source:   SourceBEPs,
		ItemType: "bep",
		Status:   b.Status,
	}
}
