package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// GHCLI lists repository items by shelling out to the gh command.
type GHCLI struct {
	path  string
	token string
	run   func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// NewGHCLI returns a lister using the gh binary at path. A non-empty token is
// passed to gh as GH_TOKEN.
func NewGHCLI(path, token string) *GHCLI {
	return &GHCLI{path: path, token: token, run: runCommand}
}

// LookupGH returns the gh binary on PATH, if any.
func LookupGH() (string, bool) {
	p, err := exec.LookPath("gh")
	return p, err == nil
}

type ghItem struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

const ghFields = "number,title,body,state,url,createdAt"

func (g *GHCLI) ListIssues(ctx context.Context, repo string, limit int) ([]GitHubRecord, error) {
	return g.list(ctx, "issue", repo, limit)
}

func (g *GHCLI) ListPullRequests(ctx context.Context, repo string, limit int) ([]GitHubRecord, error) {
	return g.list(ctx, "pr", repo, limit)
}

func (g *GHCLI) list(ctx context.Context, kind, repo string, limit int) ([]GitHubRecord, error) {
	var env []string
	if g.token != "" {
		env = append(os.Environ(), "GH_TOKEN="+g.token)
	}
	out, err := g.run(ctx, env, g.path, kind, "list",
		"--repo", repo,
		"--state", "all",
		"--limit", strconv.Itoa(limit),
		"--json", ghFields,
	)
	if err != nil {
		return nil, err
	}
	var items []ghItem
	if err := json.Unmarshal(out, &items); err != nil {
		return nil, fmt.Errorf("decoding gh %s list output: %w", kind, err)
	}
	recs := make([]GitHubRecord, len(items))
	for i, it := range items {
		recs[i] = GitHubRecord{
			Number:    it.Number,
			Title:     it.Title,
			Body:      it.Body,
			State:     strings.ToLower(it.State),
			URL:       it.URL,
			CreatedAt: it.CreatedAt,
		}
	}
	return recs, nil
}

func runCommand(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if env != nil {
		cmd.Env = env
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args[:2], " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
