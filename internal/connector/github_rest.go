package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const githubAPI = "https://api.github.com"

// REST lists repository items through the GitHub REST API. Given a plain
// fetcher it works unauthenticated for public repositories at a low rate
// limit; see AuthorizedFetcher.
type REST struct {
	fetch   *Fetcher
	baseURL string
}

// NewREST returns a REST lister.
func NewREST(fetch *Fetcher) *REST {
	return &REST{fetch: fetch, baseURL: githubAPI}
}

// WithBaseURL points the lister at another API root.
func (r *REST) WithBaseURL(base string) *REST {
	r.baseURL = strings.TrimRight(base, "/")
	return r
}

type restItem struct {
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	State       string     `json:"state"`
	HTMLURL     string     `json:"html_url"`
	CreatedAt   time.Time  `json:"created_at"`
	MergedAt    *time.Time `json:"merged_at"`
	PullRequest *struct{}  `json:"pull_request"`
}

func (r *REST) ListIssues(ctx context.Context, repo string, limit int) ([]GitHubRecord, error) {
	items, err := r.list(ctx, "/repos/"+repo+"/issues", url.Values{"filter": {"all"}}, limit)
	if err != nil {
		return nil, err
	}
	var recs []GitHubRecord
	for _, it := range items {
		// The issues endpoint also returns pull requests.
		if it.PullRequest != nil {
			continue
		}
		recs = append(recs, it.record(false))
	}
	return recs, nil
}

func (r *REST) ListPullRequests(ctx context.Context, repo string, limit int) ([]GitHubRecord, error) {
	items, err := r.list(ctx, "/repos/"+repo+"/pulls", nil, limit)
	if err != nil {
		return nil, err
	}
	recs := make([]GitHubRecord, len(items))
	for i, it := range items {
		recs[i] = it.record(true)
	}
	return recs, nil
}

func (it restItem) record(pr bool) GitHubRecord {
	state := it.State
	if pr && it.MergedAt != nil {
		state = "merged"
	}
	return GitHubRecord{
		Number:    it.Number,
		Title:     it.Title,
		Body:      it.Body,
		State:     state,
		URL:       it.HTMLURL,
		CreatedAt: it.CreatedAt,
	}
}

func (r *REST) list(ctx context.Context, endpoint string, params url.Values, limit int) ([]restItem, error) {
	const perPage = 100
	header := http.Header{
		"Accept":               {"application/vnd.github+json"},
		"X-GitHub-Api-Version": {"2022-11-28"},
	}

	var all []restItem
	for page := 1; len(all) < limit; page++ {
		q := url.Values{}
		for k, v := range params {
			q[k] = v
		}
		q.Set("state", "all")
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(perPage))

		var items []restItem
		if err := r.fetch.GetJSON(ctx, r.baseURL+endpoint+"?"+q.Encode(), header, &items); err != nil {
			return nil, fmt.Errorf("page %d of %s: %w", page, endpoint, err)
		}
		all = append(all, items...)
		if len(items) < perPage {
			break
		}
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
