package connector

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// GraphQL lists repository items through the GitHub GraphQL API. It needs a token.
type GraphQL struct {
	client *githubv4.Client
}

// NewGraphQL returns a lister authenticated with token.
func NewGraphQL(ctx context.Context, token string) *GraphQL {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &GraphQL{client: githubv4.NewClient(oauth2.NewClient(ctx, src))}
}

// NewGraphQLWithURL targets a custom endpoint, such as GitHub Enterprise.
func NewGraphQLWithURL(endpoint string, httpClient *http.Client) *GraphQL {
	return &GraphQL{client: githubv4.NewEnterpriseClient(endpoint, httpClient)}
}

type gqlNode struct {
	Number    int
	Title     string
	Body      string
	State     string
	URL       string
	CreatedAt time.Time
}

type gqlPageInfo struct {
	HasNextPage bool
	EndCursor   githubv4.String
}

func (g *GraphQL) ListIssues(ctx context.Context, repo string, limit int) ([]GitHubRecord, error) {
	return g.paginate(repo, limit, func(vars map[string]any) ([]gqlNode, gqlPageInfo, error) {
		var query struct {
			Repository struct {
				Issues struct {
					Nodes    []gqlNode
					PageInfo gqlPageInfo
				} `graphql:"issues(first: $first, after: $cursor, orderBy: $orderBy)"`
			} `graphql:"repository(owner: $owner, name: $name)"`
		}
		if err := g.client.Query(ctx, &query, vars); err != nil {
			return nil, gqlPageInfo{}, err
		}
		return query.Repository.Issues.Nodes, query.Repository.Issues.PageInfo, nil
	})
}

func (g *GraphQL) ListPullRequests(ctx context.Context, repo string, limit int) ([]GitHubRecord, error) {
	return g.paginate(repo, limit, func(vars map[string]any) ([]gqlNode, gqlPageInfo, error) {
		var query struct {
			Repository struct {
				PullRequests struct {
					Nodes    []gqlNode
					PageInfo gqlPageInfo
				} `graphql:"pullRequests(first: $first, after: $cursor, orderBy: $orderBy)"`
			} `graphql:"repository(owner: $owner, name: $name)"`
		}
		if err := g.client.Query(ctx, &query, vars); err != nil {
			return nil, gqlPageInfo{}, err
		}
		return query.Repository.PullRequests.Nodes, query.Repository.PullRequests.PageInfo, nil
	})
}

func (g *GraphQL) paginate(repo string, limit int, page func(map[string]any) ([]gqlNode, gqlPageInfo, error)) ([]GitHubRecord, error) {
	owner, name, _ := strings.Cut(repo, "/")
	vars := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(name),
		"first":  githubv4.Int(min(limit, 100)),
		"cursor": (*githubv4.String)(nil),
		"orderBy": githubv4.IssueOrder{
			Field:     githubv4.IssueOrderFieldCreatedAt,
			Direction: githubv4.OrderDirectionDesc,
		},
	}

	var recs []GitHubRecord
	for len(recs) < limit {
		nodes, info, err := page(vars)
		if err != nil {
			return nil, fmt.Errorf("graphql query for %s: %w", repo, err)
		}
		for _, n := range nodes {
			if len(recs) == limit {
				break
			}
			recs = append(recs, GitHubRecord{
				Number:    n.Number,
				Title:     n.Title,
				Body:      n.Body,
				State:     strings.ToLower(n.State),
				URL:       n.URL,
				CreatedAt: n.CreatedAt,
			})
		}
		if !info.HasNextPage {
			break
		}
		vars["cursor"] = githubv4.NewString(info.EndCursor)
	}
	return recs, nil
}
