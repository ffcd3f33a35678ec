// Package search runs ranked full-text queries against a project's knowledge
// database. Every entry point passes user text through SanitizeQuery.
package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/osakb/internal/dedup"
)

const (
	DefaultLimit = 10
	snippetLen   = 200
)

// Result is one search hit. Results point users at further reading; they are
// not meant to be quoted as answers.
type Result struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Snippet   string `json:"snippet"`
	Source    string `json:"source"`
	ItemType  string `json:"item_type,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Querier is the read side of a knowledge database.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Options tunes paper deduplication.
type Options struct {
	DedupThreshold float64
	MinTokenLength int
}

// Searcher queries one project database.
type Searcher struct {
	q      Querier
	opts   Options
	logger *slog.Logger
}

func New(q Querier, opts Options) *Searcher {
	if opts.DedupThreshold <= 0 || opts.DedupThreshold > 1 {
		opts.DedupThreshold = dedup.DefaultThreshold
	}
	return &Searcher{q: q, opts: opts, logger: slog.Default()}
}

// Snippet returns the first 200 characters of text, trimmed, with "..." when
// text was longer.
func Snippet(text string) string {
	if utf8.RuneCountInString(text) <= snippetLen {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(string([]rune(text)[:snippetLen])) + "..."
}

func normLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// where accumulates optional equality filters.
type where struct {
	clauses []string
	args    []any
}

func (w *where) eq(col, val string) {
	if val == "" {
		return
	}
	w.clauses = append(w.clauses, col+" = ?")
	w.args = append(w.args, val)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " AND " + strings.Join(w.clauses, " AND ")
}

// GitHubFilter narrows GitHub searches. Empty fields do not filter.
type GitHubFilter struct {
	Limit    int
	ItemType string
	Status   string
	Repo     string
}

// GitHub searches issues and pull requests. Queries that are only a number
// reference ("#12", "PR 12") list exact-number matches first; if none exist
// the result is empty.
func (s *Searcher) GitHub(ctx context.Context, query string, f GitHubFilter) ([]Result, error) {
	limit := normLimit(f.Limit)
	var filters where
	filters.eq("g.item_type", f.ItemType)
	filters.eq("g.status", f.Status)
	filters.eq("g.repo", f.Repo)

	var out []Result
	seen := make(map[string]bool)

	if n, ok := ExtractNumber(query); ok {
		exact, err := s.githubRows(ctx, `
			SELECT g.title, g.url, g.first_message, g.item_type, g.status, g.created_at
			FROM github_items g
			WHERE g.number = ?`+filters.sql()+`
			ORDER BY g.created_at DESC
			LIMIT ?`, append(append([]any{n}, filters.args...), limit)...)
		if err != nil {
			return nil, err
		}
		if len(exact) == 0 {
			return nil, nil
		}
		for _, r := range exact {
			seen[r.URL] = true
			out = append(out, r)
		}
		if len(out) >= limit {
			return out[:limit], nil
		}
	}

	if strings.TrimSpace(query) == "" {
		return out, nil
	}

	fts, err := s.githubRows(ctx, `
		SELECT g.title, g.url, g.first_message, g.item_type, g.status, g.created_at
		FROM github_items_fts f
		JOIN github_items g ON f.rowid = g.id
		WHERE github_items_fts MATCH ?`+filters.sql()+`
		ORDER BY rank
		LIMIT ?`, append(append([]any{SanitizeQuery(query)}, filters.args...), limit)...)
	if err != nil {
		return nil, err
	}
	for _, r := range fts {
		if len(out) >= limit {
			break
		}
		if seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		out = append(out, r)
	}
	return out, nil
}

func (s *Searcher) githubRows(ctx context.Context, query string, args ...any) ([]Result, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching github items: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var body string
		if err := rows.Scan(&r.Title, &r.URL, &body, &r.ItemType, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Snippet = Snippet(body)
		r.Source = "github"
		out = append(out, r)
	}
	return out, rows.Err()
}

// PaperFilter narrows paper searches to one source.
type PaperFilter struct {
	Limit  int
	Source string
}

// Papers searches papers from all sources and drops later results whose title
// is similar to an earlier one. Limit bounds the deduplicated count.
func (s *Searcher) Papers(ctx context.Context, query string, f PaperFilter) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	limit := normLimit(f.Limit)
	var filters where
	filters.eq("p.source", f.Source)

	rows, err := s.q.QueryContext(ctx, `
		SELECT p.title, p.url, p.first_message, p.source, p.status, p.created_at
		FROM papers_fts f
		JOIN papers p ON f.rowid = p.id
		WHERE papers_fts MATCH ?`+filters.sql()+`
		ORDER BY rank`, append([]any{SanitizeQuery(query)}, filters.args...)...)
	if err != nil {
		return nil, fmt.Errorf("searching papers: %w", err)
	}
	defer rows.Close()

	d := dedup.New(s.opts.DedupThreshold, s.opts.MinTokenLength)
	var out []Result
	dropped := 0
	for rows.Next() {
		var r Result
		var abstract string
		if err := rows.Scan(&r.Title, &r.URL, &abstract, &r.Source, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		if !d.Keep(r.Title) {
			dropped++
			continue
		}
		if len(out) < limit {
			r.Snippet = Snippet(abstract)
			out = append(out, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if dropped > 0 {
		s.logger.Debug("deduplicated paper results", "query", query, "dropped", dropped)
	}
	return out, nil
}

// DocstringFilter narrows docstring searches.
type DocstringFilter struct {
	Limit    int
	Language string
	Repo     string
}

// Docstrings searches extracted code documentation. Result URLs point at the
// symbol's line on GitHub.
func (s *Searcher) Docstrings(ctx context.Context, query string, f DocstringFilter) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	var filters where
	filters.eq("d.language", f.Language)
	filters.eq("d.repo", f.Repo)

	rows, err := s.q.QueryContext(ctx, `
		SELECT d.repo, d.file_path, d.language, d.symbol_name, d.symbol_type, d.docstring, d.line_number, d.branch, d.synced_at
		FROM docstrings_fts f
		JOIN docstrings d ON f.rowid = d.id
		WHERE docstrings_fts MATCH ?`+filters.sql()+`
		ORDER BY rank
		LIMIT ?`, append(append([]any{SanitizeQuery(query)}, filters.args...), normLimit(f.Limit))...)
	if err != nil {
		return nil, fmt.Errorf("searching docstrings: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var repo, path, lang, name, typ, doc, branch, synced string
		var line int
		if err := rows.Scan(&repo, &path, &lang, &name, &typ, &doc, &line, &branch, &synced); err != nil {
			return nil, err
		}
		url := fmt.Sprintf("https://github.com/%s/blob/%s/%s", repo, branch, path)
		if line > 0 {
			url += fmt.Sprintf("#L%d", line)
		}
		out = append(out, Result{
			Title:     fmt.Sprintf("%s (%s in %s)", name, typ, path),
			URL:       url,
			Snippet:   Snippet(doc),
			Source:    "docstrings",
			ItemType:  typ,
			Status:    lang,
			CreatedAt: synced,
		})
	}
	return out, rows.Err()
}

// DiscourseFilter narrows forum searches to a category.
type DiscourseFilter struct {
	Limit    int
	Category string
}

// Discourse searches forum topics. The snippet prefers the accepted answer.
func (s *Searcher) Discourse(ctx context.Context, query string, f DiscourseFilter) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	var filters where
	filters.eq("t.category_name", f.Category)

	rows, err := s.q.QueryContext(ctx, `
		SELECT t.title, t.url, t.first_post, t.accepted_answer, t.category_name, t.created_at
		FROM discourse_topics_fts f
		JOIN discourse_topics t ON f.rowid = t.id
		WHERE discourse_topics_fts MATCH ?`+filters.sql()+`
		ORDER BY rank
		LIMIT ?`, append(append([]any{SanitizeQuery(query)}, filters.args...), normLimit(f.Limit))...)
	if err != nil {
		return nil, fmt.Errorf("searching discourse topics: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var first, accepted, category string
		if err := rows.Scan(&r.Title, &r.URL, &first, &accepted, &category, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Source = "discourse"
		r.ItemType = category
		r.Status = "open"
		r.Snippet = Snippet(first)
		if accepted != "" {
			r.Status = "answered"
			r.Snippet = Snippet(accepted)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FAQFilter narrows FAQ searches.
type FAQFilter struct {
	Limit    int
	Category string
	ListName string
}

// FAQ searches summaries generated from mailing-list threads.
func (s *Searcher) FAQ(ctx context.Context, query string, f FAQFilter) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	var filters where
	filters.eq("e.category", f.Category)
	filters.eq("e.list_name", f.ListName)

	rows, err := s.q.QueryContext(ctx, `
		SELECT e.question, e.thread_url, e.answer, e.category, e.list_name, e.first_message_date
		FROM faq_entries_fts f
		JOIN faq_entries e ON f.rowid = e.id
		WHERE faq_entries_fts MATCH ?`+filters.sql()+`
		ORDER BY rank
		LIMIT ?`, append(append([]any{SanitizeQuery(query)}, filters.args...), normLimit(f.Limit))...)
	if err != nil {
		return nil, fmt.Errorf("searching faq entries: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var answer, list string
		if err := rows.Scan(&r.Title, &r.URL, &answer, &r.ItemType, &list, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Snippet = Snippet(answer)
		r.Source = "faq:" + list
		r.Status = "summarized"
		out = append(out, r)
	}
	return out, rows.Err()
}

// MailingListFilter narrows archive searches to one list.
type MailingListFilter struct {
	Limit    int
	ListName string
}

// MailingList searches raw archived messages.
func (s *Searcher) MailingList(ctx context.Context, query string, f MailingListFilter) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	var filters where
	filters.eq("m.list_name", f.ListName)

	rows, err := s.q.QueryContext(ctx, `
		SELECT m.subject, m.url, m.body, m.list_name, m.author, m.date
		FROM mailing_list_messages_fts f
		JOIN mailing_list_messages m ON f.rowid = m.id
		WHERE mailing_list_messages_fts MATCH ?`+filters.sql()+`
		ORDER BY rank
		LIMIT ?`, append(append([]any{SanitizeQuery(query)}, filters.args...), normLimit(f.Limit))...)
	if err != nil {
		return nil, fmt.Errorf("searching mailing list: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var body, list, author string
		if err := rows.Scan(&r.Title, &r.URL, &body, &list, &author, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Snippet = Snippet(body)
		if author != "" {
			r.Snippet = author + ": " + r.Snippet
		}
		r.Source = "mailman:" + list
		r.ItemType = "message"
		r.Status = "archived"
		out = append(out, r)
	}
	return out, rows.Err()
}

// All runs the GitHub and paper searches. Each list keeps its own ranking.
func (s *Searcher) All(ctx context.Context, query string, limit int) (map[string][]Result, error) {
	gh, err := s.GitHub(ctx, query, GitHubFilter{Limit: limit})
	if err != nil {
		return nil, err
	}
	papers, err := s.Papers(ctx, query, PaperFilter{Limit: limit})
	if err != nil {
		return nil, err
	}
	if gh == nil {
		gh = []Result{}
	}
	if papers == nil {
		papers = []Result{}
	}
	return map[string][]Result{"github": gh, "papers": papers}, nil
}

func decodeList(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
