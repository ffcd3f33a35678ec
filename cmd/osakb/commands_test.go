package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/osakb/internal/community"
	"github.com/kalambet/osakb/internal/config"
	"github.com/kalambet/osakb/internal/knowledge"
	"github.com/kalambet/osakb/internal/search"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestTriggerSync_Queued(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sync/trigger": `{"status":"queued","job_id":"job-1"}`,
	})

	var out bytes.Buffer
	err := triggerSync(ctx, ts.client(), &out, triggerBody{SyncType: "github", Community: "eeglab", Full: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/sync/trigger" {
		t.Errorf("request = %s %s, want POST /sync/trigger", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["sync_type"] != "github" || body["community"] != "eeglab" || body["full"] != true {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["wait"]; ok {
		t.Errorf("wait should be omitted when false: %v", body)
	}
	if out.Len() != 0 {
		t.Errorf("queued trigger printed counts: %q", out.String())
	}
}

func TestTriggerSync_Completed(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sync/trigger": `{"status":"completed","items_synced":{"papers":3,"github":12},"message":"sync completed: 15 items synced"}`,
	})

	var out bytes.Buffer
	if err := triggerSync(ctx, ts.client(), &out, triggerBody{SyncType: "all", Wait: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "github") || strings.Index(got, "github") > strings.Index(got, "papers") {
		t.Errorf("counts not printed in order:\n%s", got)
	}
	if !strings.Contains(ts.requests[0].Body, `"wait":true`) {
		t.Errorf("body = %s", ts.requests[0].Body)
	}
}

func TestTriggerSync_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"message":"sync already in progress for eeglab","type":"conflict"}}`))
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}
	err := triggerSync(ctx, client, &bytes.Buffer{}, triggerBody{SyncType: "github", Wait: true})
	if err == nil {
		t.Fatal("expected error for 409 response")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "already in progress") {
		t.Errorf("error = %q", err)
	}
}

func TestAPIClient_NoToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"healthy"}`,
	})
	client := ts.client()
	client.token = ""

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want no header", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"invalid api token","type":"authentication_error"}}`))
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, token: "bad-token", httpClient: srv.Client()}
	resp, err := client.get(ctx, "/sync/jobs/x")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if err.Error() != "server returned 401: invalid api token" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	var result any
	if err := decodeJSON(resp, &result); err == nil || !strings.Contains(err.Error(), "bad gateway") {
		t.Errorf("error = %v", err)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/sync/status")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestStatusReportDecodes(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /sync/status": `{
			"communities":[{"id":"eeglab","status":"available","stats":{"github_total":7,"beps_total":0},"consecutive_failures":{"papers":2}}],
			"scheduler_enabled":true,
			"schedule":[{"community":"eeglab","sync_type":"github","next_run":"2025-03-02T02:00:00Z"}],
			"jobs":{"pending":1},
			"health":{"status":"healthy","github_age_hours":3.1}
		}`,
	})

	resp, err := ts.client().get(ctx, "/sync/status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st statusReport
	if err := decodeJSON(resp, &st); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(st.Communities) != 1 || st.Communities[0].Stats.GitHubTotal != 7 || st.Communities[0].Failures["papers"] != 2 {
		t.Errorf("communities = %+v", st.Communities)
	}
	if !st.SchedulerEnabled || len(st.Schedule) != 1 || st.Schedule[0].Next.Hour() != 2 {
		t.Errorf("schedule = %+v", st.Schedule)
	}
	if st.Health.GitHubAgeHours == nil || *st.Health.GitHubAgeHours != 3.1 {
		t.Errorf("health = %+v", st.Health)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestSyncCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"sync"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "accepts 1 arg") {
		t.Errorf("error = %q, want it to mention the argument count", err.Error())
	}
}

func TestPrintCounts(t *testing.T) {
	var out bytes.Buffer
	printCounts(&out, map[string]int{"papers": 3, "github": 12})
	want := "  github       12\n  papers       3\n"
	if out.String() != want {
		t.Errorf("printCounts = %q, want %q", out.String(), want)
	}
	if total(map[string]int{"a": 1, "b": 2}) != 3 {
		t.Error("total mismatch")
	}
}

func TestPrintResults(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var out bytes.Buffer
	n := printResults(&out, map[string][]search.Result{
		"papers": {{Title: "Hierarchical annotation", Source: "papers", URL: "https://doi.org/x"}},
		"github": {{Title: "ICA crash", Source: "github", URL: "https://github.com/o/r/issues/1", Snippet: "crash on load"}},
		"faq":    nil,
	})
	if n != 2 {
		t.Errorf("printed %d results, want 2", n)
	}
	want := "ICA crash [github]\n  https://github.com/o/r/issues/1\n  crash on load\n" +
		"Hierarchical annotation [papers]\n  https://doi.org/x\n"
	if out.String() != want {
		t.Errorf("printResults = %q, want %q", out.String(), want)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.API.Token = "secret"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
		if strings.Contains(k.Value, "secret") {
			t.Errorf("ShowAll leaked a secret: %s = %s", k.Key, k.Value)
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}

func TestConfigSetRejectsSecret(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"config", "set", "api.token", "abc"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "OSA_API_TOKEN") {
		t.Errorf("error = %v, want it to point at OSA_API_TOKEN", err)
	}
}

const eeglabCommunity = `
id: eeglab
name: EEGLAB
github:
  repos:
    - sccn/eeglab
mailman:
  - list_name: eeglablist
    base_url: https://sccn.ucsd.edu/pipermail/eeglablist
faq_generation:
  enabled: true
`

// localConfig lays out a data dir with one synced community.
func localConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Config{}
	cfg.Storage.DataDir = t.TempDir()
	cfg.Communities.Dir = t.TempDir()
	if err := os.WriteFile(filepath.Join(cfg.Communities.Dir, "eeglab.yaml"), []byte(eeglabCommunity), 0o644); err != nil {
		t.Fatal(err)
	}

	dbs := knowledge.NewManager(cfg.Storage.DataDir)
	defer dbs.Close()
	db, err := dbs.Get("eeglab")
	if err != nil {
		t.Fatal(err)
	}
	err = knowledge.UpsertGitHubItem(ctx, db, knowledge.GitHubItem{
		Repo: "sccn/eeglab", ItemType: knowledge.ItemIssue, Number: 42,
		Title: "ICA crash on large datasets", FirstMessage: "runica crashes with out of memory",
		Status: knowledge.StatusOpen, URL: "https://github.com/sccn/eeglab/issues/42", CreatedAt: "2024-05-01T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestRunSearch(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	cfg := localConfig(t)

	var out bytes.Buffer
	if err := runSearch(ctx, cfg, &out, "eeglab", "ICA crash", "github", 5, false); err != nil {
		t.Fatalf("runSearch: %v", err)
	}
	if !strings.Contains(out.String(), "ICA crash on large datasets [github]") ||
		!strings.Contains(out.String(), "https://github.com/sccn/eeglab/issues/42") {
		t.Errorf("output:\n%s", out.String())
	}

	out.Reset()
	if err := runSearch(ctx, cfg, &out, "eeglab", "ICA", "all", 5, true); err != nil {
		t.Fatalf("runSearch json: %v", err)
	}
	var grouped map[string][]map[string]any
	if err := json.Unmarshal(out.Bytes(), &grouped); err != nil {
		t.Fatalf("json output: %v\n%s", err, out.String())
	}
	if len(grouped["github"]) != 1 || len(grouped["papers"]) != 0 {
		t.Errorf("grouped = %v", grouped)
	}
}

func TestRunSearch_Errors(t *testing.T) {
	cfg := localConfig(t)
	tests := []struct {
		name, id, source, want string
	}{
		{"unknown community", "nope", "github", "unknown community"},
		{"unknown source", "eeglab", "wiki", "unknown search source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runSearch(ctx, cfg, &bytes.Buffer{}, tt.id, "ICA", tt.source, 5, false)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want %q", err, tt.want)
			}
		})
	}

	// A configured community that was never synced gets a hint, not an empty db.
	if err := os.WriteFile(filepath.Join(cfg.Communities.Dir, "hed.yaml"), []byte("id: hed\nname: HED\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := runSearch(ctx, cfg, &bytes.Buffer{}, "hed", "ICA", "github", 5, false)
	if err == nil || !strings.Contains(err.Error(), "osakb sync all --community hed") {
		t.Errorf("error = %v", err)
	}
	if knowledge.NewManager(cfg.Storage.DataDir).Exists("hed") {
		t.Error("search created a knowledge db for hed")
	}
}

func TestPrintCommunities(t *testing.T) {
	reg, err := community.NewRegistry(
		community.Community{ID: "bids", Name: "BIDS", BEPs: community.BEPs{Enabled: true}},
		community.Community{ID: "mne", Name: "MNE", Status: community.StatusComingSoon},
	)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	printCommunities(&out, reg)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[1], "bids") || !strings.Contains(lines[1], "lookup_bep") {
		t.Errorf("bids line = %q", lines[1])
	}
	if !strings.Contains(lines[2], "coming_soon") {
		t.Errorf("mne line = %q", lines[2])
	}
}
