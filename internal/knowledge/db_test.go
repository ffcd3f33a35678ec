package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(MemoryDir, "test")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPathRejectsUnsafeProjects(t *testing.T) {
	for _, p := range []string{"../../etc", "a/b", "", "hed db", "hed.db", `a\b`} {
		if _, err := Path("/data", p); !errors.Is(err, ErrInvalidProject) {
			t.Errorf("Path(%q) error = %v, want ErrInvalidProject", p, err)
		}
	}
}

func TestPathAcceptsSafeProjects(t *testing.T) {
	got, err := Path("/data", "hed-tools_2")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	want := filepath.Join("/data", "knowledge", "hed-tools_2.db")
	if got != want {
		t.Errorf("Path = %q, want %q", got, want)
	}
}

func TestOpenInvalidProjectTouchesNothing(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(dir, "../escape"); !errors.Is(err, ErrInvalidProject) {
		t.Fatalf("Open error = %v, want ErrInvalidProject", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "knowledge")); !os.IsNotExist(err) {
		t.Errorf("knowledge directory was created for an invalid project")
	}
}

// TestMigrationsIdempotent opens the same file twice; the second open must not
// re-apply the schema.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir, "hed")
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	db1.Close()

	db2, err := Open(dir, "hed")
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()

	var n int
	if err := db2.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM schema_version").Scan(&n); err != nil {
		t.Fatalf("counting versions: %v", err)
	}
	if n != 1 {
		t.Errorf("schema_version rows = %d, want 1", n)
	}
}

// indexedTable upserts one row with a fixed key whose indexed text column
// holds the given word.
type indexedTable struct {
	table  string
	column string
	upsert func(ctx context.Context, db *DB, word string) error
}

func indexedTables() []indexedTable {
	return []indexedTable{
		{"github_items", "title", func(ctx context.Context, db *DB, w string) error {
			return UpsertGitHubItem(ctx, db, GitHubItem{Repo: "o/r", ItemType: ItemIssue, Number: 1, Title: w, Status: StatusOpen, URL: "u", CreatedAt: "c"})
		}},
		{"papers", "title", func(ctx context.Context, db *DB, w string) error {
			return UpsertPaper(ctx, db, Paper{Source: SourcePubMed, ExternalID: "123", Title: w, URL: "u"})
		}},
		{"docstrings", "docstring", func(ctx context.Context, db *DB, w string) error {
			return UpsertDocstring(ctx, db, Docstring{Repo: "o/r", FilePath: "f.m", Language: "matlab", SymbolName: "f", SymbolType: "function", Docstring: w})
		}},
		{"mailing_list_messages", "subject", func(ctx context.Context, db *DB, w string) error {
			return UpsertMailingListMessage(ctx, db, MailingListMessage{ListName: "eeglablist", MessageID: "100", Subject: w, Date: "d", URL: "u", Year: 2024})
		}},
		{"faq_entries", "question", func(ctx context.Context, db *DB, w string) error {
			return UpsertFAQEntry(ctx, db, FAQEntry{ListName: "eeglablist", ThreadID: "100", ThreadURL: "u", Question: w, Answer: "a"})
		}},
		{"discourse_topics", "title", func(ctx context.Context, db *DB, w string) error {
			return UpsertDiscourseTopic(ctx, db, DiscourseTopic{ForumURL: "https://forum.example", TopicID: 7, Title: w, URL: "u"})
		}},
		{"bep_items", "title", func(ctx context.Context, db *DB, w string) error {
			return UpsertBEPItem(ctx, db, BEPItem{Number: "032", Title: w, Status: "draft"})
		}},
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	for _, tt := range indexedTables() {
		t.Run(tt.table, func(t *testing.T) {
			db := openTestDB(t)
			ctx := context.Background()

			if err := tt.upsert(ctx, db, "hierarchical"); err != nil {
				t.Fatalf("first upsert: %v", err)
			}
			if err := tt.upsert(ctx, db, "descriptors"); err != nil {
				t.Fatalf("second upsert: %v", err)
			}

			var count int
			var got string
			q := "SELECT COUNT(*), MAX(" + tt.column + ") FROM " + tt.table
			if err := db.QueryRowContext(ctx, q).Scan(&count, &got); err != nil {
				t.Fatalf("%s: %v", q, err)
			}
			if count != 1 {
				t.Fatalf("rows = %d, want 1", count)
			}
			if got != "descriptors" {
				t.Errorf("%s = %q, want second call's value", tt.column, got)
			}
		})
	}
}

func TestIssueAndPRWithSameNumberAreDistinct(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, typ := range []string{ItemIssue, ItemPR} {
		err := UpsertGitHubItem(ctx, db, GitHubItem{
			Repo: "org/repo", ItemType: typ, Number: 5, Title: "Item five",
			Status: StatusClosed, URL: "https://github.com/org/repo/" + typ + "/5", CreatedAt: "2024-01-01T00:00:00Z",
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", typ, err)
		}
	}

	var n int
	db.QueryRowContext(ctx, "SELECT COUNT(*) FROM github_items WHERE repo = 'org/repo' AND number = 5").Scan(&n)
	if n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
}

func TestTruncationLimits(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	long := strings.Repeat("é", 20000)

	if err := UpsertGitHubItem(ctx, db, GitHubItem{Repo: "o/r", ItemType: ItemIssue, Number: 1, Title: "t", FirstMessage: long, Status: StatusOpen, URL: "u", CreatedAt: "c"}); err != nil {
		t.Fatal(err)
	}
	if err := UpsertPaper(ctx, db, Paper{Source: SourceOpenAlex, ExternalID: "W1", Title: "t", Abstract: long, URL: "u"}); err != nil {
		t.Fatal(err)
	}
	if err := UpsertDocstring(ctx, db, Docstring{Repo: "o/r", FilePath: "f.m", Language: "matlab", SymbolName: "f", SymbolType: "function", Docstring: long}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query string
		want  int
	}{
		{"SELECT first_message FROM github_items", MaxGitHubBody},
		{"SELECT first_message FROM papers", MaxAbstract},
		{"SELECT docstring FROM docstrings", MaxDocstring},
	}
	for _, tt := range tests {
		var got string
		if err := db.QueryRowContext(ctx, tt.query).Scan(&got); err != nil {
			t.Fatalf("%s: %v", tt.query, err)
		}
		if n := len([]rune(got)); n != tt.want {
			t.Errorf("%s: stored %d chars, want %d", tt.query, n, tt.want)
		}
	}
}

// TestFTSConsistency checks that every FTS index follows inserts, updates and
// deletes on its content table.
func TestFTSConsistency(t *testing.T) {
	for _, tt := range indexedTables() {
		t.Run(tt.table, func(t *testing.T) {
			db := openTestDB(t)
			ctx := context.Background()
			fts := tt.table + "_fts"

			match := func(term string) int {
				t.Helper()
				var n int
				q := "SELECT COUNT(*) FROM " + fts + " WHERE " + fts + " MATCH ?"
				if err := db.QueryRowContext(ctx, q, term).Scan(&n); err != nil {
					t.Fatalf("MATCH %q: %v", term, err)
				}
				return n
			}

			if err := tt.upsert(ctx, db, "hierarchical"); err != nil {
				t.Fatal(err)
			}
			if match("hierarchical") != 1 {
				t.Fatalf("inserted row not indexed")
			}

			if err := tt.upsert(ctx, db, "descriptors"); err != nil {
				t.Fatal(err)
			}
			if match("hierarchical") != 0 {
				t.Errorf("old text still indexed after update")
			}
			if match("descriptors") != 1 {
				t.Errorf("new text not indexed after update")
			}

			if _, err := db.ExecContext(ctx, "DELETE FROM "+tt.table); err != nil {
				t.Fatal(err)
			}
			if match("descriptors") != 0 {
				t.Errorf("deleted row still indexed")
			}
		})
	}
}

func TestBatchCommitsEveryN(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	b, err := db.NewBatch(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		msg := MailingListMessage{ListName: "eeglablist", MessageID: string(rune('a' + i)), Subject: "s", Date: "d", URL: "u", Year: 2024}
		if err := UpsertMailingListMessage(ctx, b, msg); err != nil {
			t.Fatal(err)
		}
		if err := b.Add(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	b.Rollback()

	var n int
	db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mailing_list_messages").Scan(&n)
	if n != 3 {
		t.Errorf("rows = %d, want 3", n)
	}
}

func TestBEPUpsertNullablePRNumber(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := UpsertBEPItem(ctx, db, BEPItem{Number: "032", Title: "Microelectrode electrophysiology", Status: "draft", Leads: []string{"A B"}}); err != nil {
		t.Fatal(err)
	}
	var leads string
	var pr *int
	if err := db.QueryRowContext(ctx, "SELECT leads, pull_request_number FROM bep_items").Scan(&leads, &pr); err != nil {
		t.Fatal(err)
	}
	if leads != `["A B"]` {
		t.Errorf("leads = %q, want %q", leads, `["A B"]`)
	}
	if pr != nil {
		t.Errorf("pull_request_number = %d, want NULL", *pr)
	}
}

func TestSyncMetadata(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := GitHubKey("org/repo")

	if _, ok, err := db.LastSync(ctx, key); err != nil || ok {
		t.Fatalf("LastSync before sync = ok %v, err %v; want false, nil", ok, err)
	}

	start := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	if err := db.UpdateSyncMetadata(ctx, key, 42, start); err != nil {
		t.Fatal(err)
	}
	got, ok, err := db.LastSync(ctx, key)
	if err != nil || !ok {
		t.Fatalf("LastSync after sync = ok %v, err %v", ok, err)
	}
	if !got.Equal(start) {
		t.Errorf("LastSync = %v, want %v", got, start)
	}

	// Same source, different parameter: a separate watermark.
	if _, ok, _ := db.LastSync(ctx, SyncKey{SourceType: "github", SourceKey: "org/repo", SourceParam: "x"}); ok {
		t.Error("watermark leaked across source_param values")
	}
}

func TestPaperQueryKeysKeepFreeTextIntact(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	k1 := PaperQueryKey(SourceOpenAlex, "HED annotation")
	k2 := PaperQueryKey(SourceOpenAlex, "HED: annotation")
	now := time.Now()
	if err := db.UpdateSyncMetadata(ctx, k1, 1, now); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateSyncMetadata(ctx, k2, 2, now); err != nil {
		t.Fatal(err)
	}

	marks, err := db.Watermarks(ctx, "papers")
	if err != nil {
		t.Fatal(err)
	}
	if len(marks) != 2 {
		t.Fatalf("watermarks = %d, want 2", len(marks))
	}
}

func TestStatsAndPopulated(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if ok, _ := db.Populated(ctx, "github"); ok {
		t.Error("Populated(github) = true on empty db")
	}

	items := []GitHubItem{
		{Repo: "o/a", ItemType: ItemIssue, Number: 1, Title: "a", Status: StatusOpen, URL: "u1", CreatedAt: "c"},
		{Repo: "o/a", ItemType: ItemPR, Number: 2, Title: "b", Status: StatusMerged, URL: "u2", CreatedAt: "c"},
		{Repo: "o/b", ItemType: ItemPR, Number: 3, Title: "c", Status: StatusClosed, URL: "u3", CreatedAt: "c"},
	}
	for _, it := range items {
		if err := UpsertGitHubItem(ctx, db, it); err != nil {
			t.Fatal(err)
		}
	}
	if err := UpsertPaper(ctx, db, Paper{Source: SourceOpenAlex, ExternalID: "W1", Title: "p", URL: "u"}); err != nil {
		t.Fatal(err)
	}

	s, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.GitHubTotal != 3 || s.GitHubIssues != 1 || s.GitHubPRs != 2 || s.GitHubOpen != 1 || s.GitHubMerged != 1 {
		t.Errorf("github stats = %+v", s)
	}
	if s.PapersBySource[SourceOpenAlex] != 1 || s.PapersBySource[SourcePubMed] != 0 {
		t.Errorf("PapersBySource = %v", s.PapersBySource)
	}

	repos, err := db.RepoCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 2 || repos[0].Repo != "o/a" || repos[0].Items != 2 {
		t.Errorf("RepoCounts = %+v", repos)
	}

	if ok, _ := db.Populated(ctx, "github"); !ok {
		t.Error("Populated(github) = false after inserts")
	}
}
