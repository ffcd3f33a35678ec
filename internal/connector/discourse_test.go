package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/osakb/internal/knowledge"
)

func newForumServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/latest.json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			w.Write([]byte(`{"topic_list":{"topics":[
				{"id":4,"created_at":"2023-01-01T00:00:00Z","last_posted_at":"2023-01-02T00:00:00Z"}
			]}}`))
			return
		}
		w.Write([]byte(`{"topic_list":{"more_topics_url":"/latest?page=1","topics":[
			{"id":1,"pinned":true,"created_at":"2020-01-01T00:00:00Z","last_posted_at":"2025-01-01T00:00:00Z"},
			{"id":2,"created_at":"2024-06-01T00:00:00Z","last_posted_at":"2025-02-20T00:00:00Z"},
			{"id":3,"created_at":"2024-05-01T00:00:00Z","last_posted_at":"2024-05-02T00:00:00Z"}
		]}}`))
	})
	mux.HandleFunc("/c/help/7.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"topic_list":{"topics":[{"id":2,"created_at":"2024-06-01T00:00:00Z"}]}}`))
	})
	mux.HandleFunc("/t/{id}", func(w http.ResponseWriter, r *http.Request) {
		var id int
		fmt.Sscanf(r.PathValue("id"), "%d.json", &id)
		if id == 3 {
			http.Error(w, "gone", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"id":%d,"title":"Topic %d","slug":"topic-%d","category_name":"Help","tags":["eeg"],
			"reply_count":2,"like_count":3,"views":40,"created_at":"2024-06-01T00:00:00Z","last_posted_at":"2025-02-20T00:00:00Z",
			"post_stream":{"posts":[
				{"post_number":1,"cooked":"<p>How do I load <code>.set</code> files?</p>"},
				{"post_number":2,"cooked":"<p>Use pop_loadset.</p>","like_count":2},
				{"post_number":3,"cooked":"<p>Try again.</p>","like_count":0}
			]}}`, id, id, id)
	})
	return httptest.NewServer(mux)
}

func newTestDiscourse() *Discourse {
	d := NewDiscourse(testFetcher())
	d.delay = 0
	d.now = func() time.Time { return runStart }
	return d
}

func TestDiscourseSync(t *testing.T) {
	srv := newForumServer(t)
	defer srv.Close()
	db := openTestDB(t)
	ctx := context.Background()

	n, err := newTestDiscourse().Sync(ctx, db, srv.URL+"/", nil, false)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 2 {
		t.Errorf("synced %d topics, want 2 (pinned skipped, one failed)", n)
	}

	var first, answer, url string
	db.QueryRowContext(ctx, `SELECT first_post, accepted_answer, url FROM discourse_topics WHERE topic_id = 2`).Scan(&first, &answer, &url)
	if first != "How do I load .set files?" {
		t.Errorf("first post = %q", first)
	}
	if answer != "Use pop_loadset." {
		t.Errorf("answer = %q, want most liked reply", answer)
	}
	if url != srv.URL+"/t/topic-2/2" {
		t.Errorf("url = %q", url)
	}
	// Topic 3 failed, so the next incremental run must cover it again.
	if _, ok, _ := db.LastSync(ctx, knowledge.DiscourseKey(srv.URL)); ok {
		t.Error("watermark advanced although a topic failed to fetch")
	}
}

func TestDiscourseIncrementalStopsAtOldActivity(t *testing.T) {
	srv := newForumServer(t)
	defer srv.Close()
	db := openTestDB(t)
	ctx := context.Background()
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := db.UpdateSyncMetadata(ctx, knowledge.DiscourseKey(srv.URL), 5, since); err != nil {
		t.Fatal(err)
	}

	n, err := newTestDiscourse().Sync(ctx, db, srv.URL, nil, true)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 1 {
		t.Errorf("synced %d topics, want only topic 2", n)
	}
	if got := countRows(t, db, `SELECT COUNT(*) FROM discourse_topics WHERE topic_id = 4`); got != 0 {
		t.Error("topic from a later page was synced after old activity")
	}
}

func TestDiscourseCategories(t *testing.T) {
	srv := newForumServer(t)
	defer srv.Close()
	db := openTestDB(t)
	ctx := context.Background()

	n, err := newTestDiscourse().Sync(ctx, db, srv.URL, []DiscourseCategory{{Slug: "help", ID: 7}}, false)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 1 {
		t.Errorf("synced %d topics, want 1", n)
	}
	last, ok, err := db.LastSync(ctx, knowledge.DiscourseKey(srv.URL))
	if err != nil || !ok || !last.Equal(runStart) {
		t.Errorf("LastSync = %v, %v, %v; want %v", last, ok, err, runStart)
	}
}

func TestDiscourseListingOutageKeepsWatermark(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	db := openTestDB(t)
	ctx := context.Background()
	prior := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := db.UpdateSyncMetadata(ctx, knowledge.DiscourseKey(srv.URL), 5, prior); err != nil {
		t.Fatal(err)
	}

	n, err := newTestDiscourse().Sync(ctx, db, srv.URL, nil, true)
	if err == nil {
		t.Fatalf("Sync = %d, nil; want a listing error", n)
	}
	last, ok, _ := db.LastSync(ctx, knowledge.DiscourseKey(srv.URL))
	if !ok || !last.Equal(prior) {
		t.Errorf("watermark = %v, %v; want unchanged %v", last, ok, prior)
	}
}

func TestDiscourseLaterPageFailureKeepsWatermark(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/latest.json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"topic_list":{"more_topics_url":"/latest?page=1","topics":[
			{"id":2,"created_at":"2024-06-01T00:00:00Z","last_posted_at":"2025-02-20T00:00:00Z"}
		]}}`))
	})
	mux.HandleFunc("/t/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":2,"title":"Topic 2","slug":"topic-2","post_stream":{"posts":[{"post_number":1,"cooked":"<p>q</p>"}]}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	db := openTestDB(t)
	ctx := context.Background()

	n, err := newTestDiscourse().Sync(ctx, db, srv.URL, nil, false)
	if err != nil || n != 1 {
		t.Fatalf("Sync = %d, %v; want 1, nil", n, err)
	}
	if _, ok, _ := db.LastSync(ctx, knowledge.DiscourseKey(srv.URL)); ok {
		t.Error("watermark advanced after a partial listing")
	}
}

func TestBestAnswer(t *testing.T) {
	tests := []struct {
		name  string
		posts []discoursePost
		want  string
	}{
		{"accepted wins", []discoursePost{
			{PostNumber: 1, Cooked: "q"},
			{PostNumber: 2, Cooked: "liked", LikeCount: 9},
			{PostNumber: 3, Cooked: "accepted", AcceptedAnswer: true},
		}, "accepted"},
		{"most liked", []discoursePost{
			{PostNumber: 1, Cooked: "q", LikeCount: 50},
			{PostNumber: 2, Cooked: "a", LikeCount: 1},
			{PostNumber: 3, Cooked: "b", LikeCount: 4},
		}, "b"},
		{"no likes", []discoursePost{
			{PostNumber: 1, Cooked: "q"},
			{PostNumber: 2, Cooked: "a"},
		}, ""},
	}
	for _, tt := range tests {
		if got := bestAnswer(tt.posts); got != tt.want {
			t.Errorf("%s: bestAnswer = %q, want %q", tt.name, got, tt.want)
		}
	}
}
