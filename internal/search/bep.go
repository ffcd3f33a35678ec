package search

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// BEP is a BIDS Extension Proposal search hit.
type BEP struct {
	Number            string   `json:"number"`
	Title             string   `json:"title"`
	Status            string   `json:"status"`
	PullRequestURL    string   `json:"pull_request_url,omitempty"`
	PullRequestNumber int      `json:"pull_request_number,omitempty"`
	HTMLPreviewURL    string   `json:"html_preview_url,omitempty"`
	GoogleDocURL      string   `json:"google_doc_url,omitempty"`
	Leads             []string `json:"leads,omitempty"`
	Snippet           string   `json:"snippet,omitempty"`
}

var bepNumber = regexp.MustCompile(`(?i)^\s*(?:bep\s*)?(\d{1,3})\s*$`)

const bepColumns = `b.bep_number, b.title, b.status, b.pull_request_url, b.pull_request_number,
	b.html_preview_url, b.google_doc_url, b.leads, b.content`

// LookupBEP finds proposals by number ("32", "032", "BEP032") or, failing
// that, by keyword.
func (s *Searcher) LookupBEP(ctx context.Context, query string, limit int) ([]BEP, error) {
	if m := bepNumber.FindStringSubmatch(query); m != nil {
		n, _ := strconv.Atoi(m[1])
		num := fmt.Sprintf("%03d", n)
		beps, err := s.bepRows(ctx, `SELECT `+bepColumns+` FROM bep_items b WHERE b.bep_number = ?`, num)
		if err != nil {
			return nil, err
		}
		if len(beps) > 0 {
			return beps, nil
		}
	}
	return s.BEPs(ctx, query, limit)
}

// BEPs searches proposal titles and specification text.
func (s *Searcher) BEPs(ctx context.Context, query string, limit int) ([]BEP, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	return s.bepRows(ctx, `
		SELECT `+bepColumns+`
		FROM bep_items_fts f
		JOIN bep_items b ON f.rowid = b.id
		WHERE bep_items_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, SanitizeQuery(query), normLimit(limit))
}

func (s *Searcher) bepRows(ctx context.Context, query string, args ...any) ([]BEP, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching beps: %w", err)
	}
	defer rows.Close()

	var out []BEP
	for rows.Next() {
		var b BEP
		var pr sql.NullInt64
		var leads, content string
		if err := rows.Scan(&b.Number, &b.Title, &b.Status, &b.PullRequestURL, &pr,
			&b.HTMLPreviewURL, &b.GoogleDocURL, &leads, &content); err != nil {
			return nil, err
		}
		b.PullRequestNumber = int(pr.Int64)
		b.Leads = decodeList(leads)
		b.Snippet = Snippet(content)
		out = append(out, b)
	}
	return out, rows.Err()
}

// FormatBEPs renders proposals as plain text for tool output.
func FormatBEPs(beps []BEP) string {
	if len(beps) == 0 {
		return "No BEPs found matching the query."
	}
	var sb strings.Builder
	for i, b := range beps {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "BEP%s: %s\n", b.Number, b.Title)
		fmt.Fprintf(&sb, "Status: %s\n", b.Status)
		if len(b.Leads) > 0 {
			fmt.Fprintf(&sb, "Leads: %s\n", strings.Join(b.Leads, ", "))
		}
		if b.PullRequestURL != "" {
			fmt.Fprintf(&sb, "PR: %s\n", b.PullRequestURL)
		}
		if b.HTMLPreviewURL != "" {
			fmt.Fprintf(&sb, "Preview: %s\n", b.HTMLPreviewURL)
		}
		if b.GoogleDocURL != "" {
			fmt.Fprintf(&sb, "Google Doc: %s\n", b.GoogleDocURL)
		}
		if b.Snippet != "" {
			fmt.Fprintf(&sb, "Summary: %s\n", b.Snippet)
		}
	}
	return sb.String()
}
