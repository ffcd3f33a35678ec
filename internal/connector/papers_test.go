package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/osakb/internal/knowledge"
)

func TestReconstructAbstract(t *testing.T) {
	tests := []struct {
		name  string
		index map[string][]int
		want  string
	}{
		{"empty", nil, ""},
		{"ordered", map[string][]int{"EEG": {0}, "data": {1, 3}, "shared": {2}}, "EEG data shared data"},
		{"gap", map[string][]int{"Hello": {0}, "world": {2}}, "Hello  world"},
		{"negative", map[string][]int{"EEG": {0}, "bad": {-4}}, "EEG"},
		{"huge position dropped", map[string][]int{"EEG": {0}, "data": {1}, "junk": {1_000_000_000}}, "EEG data"},
		{"only huge", map[string][]int{"junk": {maxAbstractPosition + 1}}, ""},
	}
	for _, tt := range tests {
		if got := reconstructAbstract(tt.index); got != tt.want {
			t.Errorf("%s: reconstructAbstract = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestPaperURL(t *testing.T) {
	tests := []struct {
		doi, fallback, want string
	}{
		{"10.1/x", "https://openalex.org/W1", "https://doi.org/10.1/x"},
		{"https://doi.org/10.1/x", "https://openalex.org/W1", "https://doi.org/10.1/x"},
		{"", "https://openalex.org/W1", "https://openalex.org/W1"},
	}
	for _, tt := range tests {
		if got := paperURL(tt.doi, tt.fallback); got != tt.want {
			t.Errorf("paperURL(%q, %q) = %q, want %q", tt.doi, tt.fallback, got, tt.want)
		}
	}
}

func newPaperServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/openalex/works", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("mailto") != "dev@example.org" {
			t.Errorf("mailto = %q", q.Get("mailto"))
		}
		if q.Get("filter") == "cites:W100" {
			w.Write([]byte(`{"results":[{"id":"https://openalex.org/W7","title":"Citing work","publication_date":"2024-02-01"}]}`))
			return
		}
		w.Write([]byte(`{"results":[
			{"id":"https://openalex.org/W1","title":"EEGLAB toolbox","abstract_inverted_index":{"open":[0],"source":[1]},"publication_date":"2004-03-15","doi":"https://doi.org/10.1016/j.jneumeth.2003.10.009"},
			{"id":"https://openalex.org/W2","title":""}
		]}`))
	})
	mux.HandleFunc("/openalex/works/doi:10.1/eeglab", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"https://openalex.org/W100"}`))
	})
	mux.HandleFunc("/s2/paper/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "s2key" {
			t.Errorf("X-Api-Key = %q", r.Header.Get("X-Api-Key"))
		}
		w.Write([]byte(`{"data":[
			{"paperId":"abc","title":"HED tags","abstract":"Annotation.","year":2021,"url":"https://www.semanticscholar.org/paper/abc","openAccessPdf":{"url":"https://example.org/hed.pdf"}},
			{"paperId":"def","title":"No link","year":0}
		]}`))
	})
	mux.HandleFunc("/pubmed/esearch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"esearchresult":{"idlist":["111","222"]}}`))
	})
	mux.HandleFunc("/pubmed/efetch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "111,222" {
			t.Errorf("efetch id = %q", r.URL.Query().Get("id"))
		}
		w.Write([]byte(`<?xml version="1.0"?>
<PubmedArticleSet>
  <PubmedArticle>
    <MedlineCitation>
      <PMID>111</PMID>
      <Article>
        <Journal><JournalIssue><PubDate><Year>2020</Year></PubDate></JournalIssue></Journal>
        <ArticleTitle>Decoding <i>in vivo</i> EEG</ArticleTitle>
        <Abstract>
          <AbstractText Label="BACKGROUND">First part.</AbstractText>
          <AbstractText Label="RESULTS">Second part.</AbstractText>
        </Abstract>
      </Article>
    </MedlineCitation>
  </PubmedArticle>
  <PubmedArticle>
    <MedlineCitation>
      <PMID>222</PMID>
      <Article><ArticleTitle></ArticleTitle></Article>
    </MedlineCitation>
  </PubmedArticle>
</PubmedArticleSet>`))
	})
	return httptest.NewServer(mux)
}

func newTestPapers(srv *httptest.Server) *Papers {
	p := NewPapers(testFetcher(), PaperKeys{OpenAlexEmail: "dev@example.org", SemanticScholarKey: "s2key"})
	p.WithEndpoints(PaperEndpoints{
		OpenAlex:        srv.URL + "/openalex",
		SemanticScholar: srv.URL + "/s2",
		PubMed:          srv.URL + "/pubmed",
	})
	p.s2Delay = 0
	p.pubmedDelay = 0
	return p
}

func TestSyncAllPapers(t *testing.T) {
	srv := newPaperServer(t)
	defer srv.Close()
	db := openTestDB(t)
	ctx := context.Background()

	results, err := newTestPapers(srv).SyncAll(ctx, db, []string{"eeglab"}, 10)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	want := map[string]int{
		knowledge.SourceOpenAlex:        1,
		knowledge.SourceSemanticScholar: 2,
		knowledge.SourcePubMed:          1,
	}
	for src, n := range want {
		if results[src] != n {
			t.Errorf("results[%s] = %d, want %d", src, results[src], n)
		}
	}

	var url, abstract string
	db.QueryRowContext(ctx, `SELECT url, first_message FROM papers WHERE source = ? AND external_id = ?`,
		knowledge.SourceOpenAlex, "W1").Scan(&url, &abstract)
	if url != "https://doi.org/10.1016/j.jneumeth.2003.10.009" || abstract != "open source" {
		t.Errorf("openalex paper url=%q abstract=%q", url, abstract)
	}

	db.QueryRowContext(ctx, `SELECT url FROM papers WHERE source = ? AND external_id = ?`,
		knowledge.SourceSemanticScholar, "abc").Scan(&url)
	if url != "https://example.org/hed.pdf" {
		t.Errorf("semantic scholar url = %q, want open access pdf", url)
	}
	db.QueryRowContext(ctx, `SELECT url FROM papers WHERE source = ? AND external_id = ?`,
		knowledge.SourceSemanticScholar, "def").Scan(&url)
	if url != "https://www.semanticscholar.org/paper/def" {
		t.Errorf("semantic scholar fallback url = %q", url)
	}

	var title, created string
	db.QueryRowContext(ctx, `SELECT title, first_message, url, created_at FROM papers WHERE source = ? AND external_id = ?`,
		knowledge.SourcePubMed, "111").Scan(&title, &abstract, &url, &created)
	if title != "Decoding in vivo EEG" {
		t.Errorf("pubmed title = %q", title)
	}
	if !strings.Contains(abstract, "First part.") || !strings.Contains(abstract, "Second part.") {
		t.Errorf("pubmed abstract = %q, want both sections", abstract)
	}
	if url != "https://pubmed.ncbi.nlm.nih.gov/111/" || created != "2020" {
		t.Errorf("pubmed url=%q created=%q", url, created)
	}

	for _, src := range []string{knowledge.SourceOpenAlex, knowledge.SourceSemanticScholar, knowledge.SourcePubMed} {
		if _, ok, _ := db.LastSync(ctx, knowledge.PaperQueryKey(src, "eeglab")); !ok {
			t.Errorf("no watermark for %s", src)
		}
	}
}

func TestSyncAllPapersFailsWhenEverySourceFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestPapers(srv).SyncAll(context.Background(), openTestDB(t), []string{"eeglab"}, 10)
	if err == nil {
		t.Fatal("SyncAll error = nil, want failure")
	}
}

func TestSyncCiting(t *testing.T) {
	srv := newPaperServer(t)
	defer srv.Close()
	db := openTestDB(t)
	ctx := context.Background()

	n, err := newTestPapers(srv).SyncCiting(ctx, db, []string{"10.1/eeglab"}, 10)
	if err != nil {
		t.Fatalf("SyncCiting: %v", err)
	}
	if n != 1 {
		t.Errorf("citing papers = %d, want 1", n)
	}
	if got := countRows(t, db, `SELECT COUNT(*) FROM papers WHERE external_id = 'W7'`); got != 1 {
		t.Errorf("citing paper rows = %d, want 1", got)
	}
	if _, ok, _ := db.LastSync(ctx, knowledge.CitingKey("10.1/eeglab")); !ok {
		t.Error("no citing watermark")
	}
}
