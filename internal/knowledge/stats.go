package knowledge

import (
	"context"
	"fmt"
	"time"
)

// Stats aggregates row counts for sync-status reporting.
type Stats struct {
	GitHubTotal      int            `json:"github_total"`
	GitHubIssues     int            `json:"github_issues"`
	GitHubPRs        int            `json:"github_prs"`
	GitHubOpen       int            `json:"github_open"`
	GitHubMerged     int            `json:"github_merged"`
	PapersTotal      int            `json:"papers_total"`
	PapersBySource   map[string]int `json:"papers_by_source"`
	DocstringsTotal  int            `json:"docstrings_total"`
	DocstringsByLang map[string]int `json:"docstrings_by_language"`
	MailingList      int            `json:"mailing_list_total"`
	FAQTotal         int            `json:"faq_total"`
	DiscourseTotal   int            `json:"discourse_total"`
	BEPsTotal        int            `json:"beps_total"`
}

// RepoCount is the number of GitHub items synced for one repository.
type RepoCount struct {
	Repo     string    `json:"repo"`
	Items    int       `json:"items"`
	LastSync time.Time `json:"last_sync,omitempty"`
}

func (d *DB) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting: %w", err)
	}
	return n, nil
}

func (d *DB) groupCount(ctx context.Context, query string) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("counting: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

// Stats returns counts per entity and sub-category.
func (d *DB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error

	counts := []struct {
		dst   *int
		query string
	}{
		{&s.GitHubTotal, `SELECT COUNT(*) FROM github_items`},
		{&s.GitHubIssues, `SELECT COUNT(*) FROM github_items WHERE item_type = 'issue'`},
		{&s.GitHubPRs, `SELECT COUNT(*) FROM github_items WHERE item_type = 'pr'`},
		{&s.GitHubOpen, `SELECT COUNT(*) FROM github_items WHERE status = 'open'`},
		{&s.GitHubMerged, `SELECT COUNT(*) FROM github_items WHERE status = 'merged'`},
		{&s.PapersTotal, `SELECT COUNT(*) FROM papers`},
		{&s.DocstringsTotal, `SELECT COUNT(*) FROM docstrings`},
		{&s.MailingList, `SELECT COUNT(*) FROM mailing_list_messages`},
		{&s.FAQTotal, `SELECT COUNT(*) FROM faq_entries`},
		{&s.DiscourseTotal, `SELECT COUNT(*) FROM discourse_topics`},
		{&s.BEPsTotal, `SELECT COUNT(*) FROM bep_items`},
	}
	for _, c := range counts {
		if *c.dst, err = d.count(ctx, c.query); err != nil {
			return Stats{}, err
		}
	}

	if s.PapersBySource, err = d.groupCount(ctx, `SELECT source, COUNT(*) FROM papers GROUP BY source`); err != nil {
		return Stats{}, err
	}
	for _, src := range []string{SourceOpenAlex, SourceSemanticScholar, SourcePubMed} {
		if _, ok := s.PapersBySource[src]; !ok {
			s.PapersBySource[src] = 0
		}
	}
	if s.DocstringsByLang, err = d.groupCount(ctx, `SELECT language, COUNT(*) FROM docstrings GROUP BY language`); err != nil {
		return Stats{}, err
	}
	return s, nil
}

// RepoCounts returns the number of GitHub items and the last sync per repository.
func (d *DB) RepoCounts(ctx context.Context) ([]RepoCount, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT g.repo, COUNT(*), COALESCE(m.last_sync_at, '')
		FROM github_items g
		LEFT JOIN sync_metadata m
			ON m.source_type = 'github' AND m.source_key = g.repo AND m.source_param = ''
		GROUP BY g.repo
		ORDER BY g.repo`)
	if err != nil {
		return nil, fmt.Errorf("counting repos: %w", err)
	}
	defer rows.Close()

	var out []RepoCount
	for rows.Next() {
		var rc RepoCount
		var raw string
		if err := rows.Scan(&rc.Repo, &rc.Items, &raw); err != nil {
			return nil, err
		}
		if raw != "" {
			rc.LastSync, _ = time.Parse(time.RFC3339Nano, raw)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// Populated reports whether the tables filled by syncType hold any rows.
// Unknown sync types report true so callers never seed them.
func (d *DB) Populated(ctx context.Context, syncType string) (bool, error) {
	var table string
	switch syncType {
	case "github":
		table = "github_items"
	case "papers":
		table = "papers"
	case "docstrings":
		table = "docstrings"
	case "mailman":
		table = "mailing_list_messages"
	case "faq":
		table = "faq_entries"
	case "beps":
		table = "bep_items"
	case "discourse":
		table = "discourse_topics"
	default:
		return true, nil
	}
	n, err := d.count(ctx, `SELECT COUNT(*) FROM (SELECT 1 FROM `+table+` LIMIT 1)`)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
