package connector

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/osakb/internal/knowledge"
)

// DefaultMaxResults bounds the papers fetched per query per source.
const DefaultMaxResults = 100

const (
	semanticScholarDelay = 3 * time.Second
	pubmedDelay          = 400 * time.Millisecond
)

// PaperEndpoints are the API roots of the paper sources.
type PaperEndpoints struct {
	OpenAlex        string
	SemanticScholar string
	PubMed          string
}

// DefaultPaperEndpoints are the public APIs.
var DefaultPaperEndpoints = PaperEndpoints{
	OpenAlex:        "https://api.openalex.org",
	SemanticScholar: "https://api.semanticscholar.org/graph/v1",
	PubMed:          "https://eutils.ncbi.nlm.nih.gov/entrez/eutils",
}

// PaperKeys holds optional credentials. OpenAlexEmail joins the polite pool
// when no OpenAlex key is set.
type PaperKeys struct {
	OpenAlexKey        string
	OpenAlexEmail      string
	SemanticScholarKey string
	PubMedKey          string
}

// Papers syncs publications from OpenAlex, Semantic Scholar and PubMed.
type Papers struct {
	fetch       *Fetcher
	endpoints   PaperEndpoints
	keys        PaperKeys
	s2Delay     time.Duration
	pubmedDelay time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewPapers creates a paper connector against the public APIs.
func NewPapers(fetch *Fetcher, keys PaperKeys) *Papers {
	return &Papers{
		fetch:       fetch,
		endpoints:   DefaultPaperEndpoints,
		keys:        keys,
		s2Delay:     semanticScholarDelay,
		pubmedDelay: pubmedDelay,
		now:         time.Now,
		logger:      slog.Default(),
	}
}

// WithEndpoints replaces the API roots.
func (p *Papers) WithEndpoints(e PaperEndpoints) *Papers {
	p.endpoints = e
	return p
}

// SyncAll runs every query against every source. The error is non-nil only
// when every call failed.
func (p *Papers) SyncAll(ctx context.Context, db *knowledge.DB, queries []string, maxResults int) (map[string]int, error) {
	results := map[string]int{
		knowledge.SourceOpenAlex:        0,
		knowledge.SourceSemanticScholar: 0,
		knowledge.SourcePubMed:          0,
	}
	if len(queries) == 0 {
		p.logger.Warn("no queries provided for paper sync")
		return results, nil
	}

	sources := []struct {
		name string
		sync func(context.Context, *knowledge.DB, string, int) (int, error)
	}{
		{knowledge.SourceOpenAlex, p.SyncOpenAlex},
		{knowledge.SourceSemanticScholar, p.SyncSemanticScholar},
		{knowledge.SourcePubMed, p.SyncPubMed},
	}
	var failed []error
	for _, q := range queries {
		for _, src := range sources {
			n, err := src.sync(ctx, db, q, maxResults)
			results[src.name] += n
			if err != nil {
				p.logger.Warn("paper sync failed", "source", src.name, "query", q, "error", err)
				failed = append(failed, err)
			}
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
		}
	}
	if len(failed) == len(queries)*len(sources) {
		return results, errors.Join(failed...)
	}
	return results, nil
}

type openAlexWork struct {
	ID                    string           `json:"id"`
	Title                 string           `json:"title"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
	PublicationDate       string           `json:"publication_date"`
	DOI                   string           `json:"doi"`
}

const openAlexSelect = "id,title,abstract_inverted_index,publication_date,doi"

// SyncOpenAlex stores works matching a free-text search.
func (p *Papers) SyncOpenAlex(ctx context.Context, db *knowledge.DB, query string, maxResults int) (int, error) {
	maxResults = normMax(maxResults)
	start := p.now()
	works, err := p.openAlexWorks(ctx, url.Values{"search": {query}}, maxResults)
	if err != nil {
		return 0, fmt.Errorf("openalex search %q: %w", query, err)
	}
	n, err := p.storeWorks(ctx, db, works, maxResults)
	if err != nil {
		return n, err
	}
	p.logger.Info("synced openalex papers", "query", query, "papers", n)
	return n, db.UpdateSyncMetadata(ctx, knowledge.PaperQueryKey(knowledge.SourceOpenAlex, query), n, start)
}

// SyncCiting stores papers citing each DOI, found through OpenAlex's cites
// filter. DOIs that cannot be resolved are logged and skipped.
func (p *Papers) SyncCiting(ctx context.Context, db *knowledge.DB, dois []string, maxResults int) (int, error) {
	maxResults = normMax(maxResults)
	total := 0
	var failed []error
	for _, doi := range dois {
		start := p.now()
		var work struct {
			ID string `json:"id"`
		}
		if err := p.fetch.GetJSON(ctx, p.openAlexURL("/works/doi:"+doi, nil), nil, &work); err != nil {
			p.logger.Warn("could not resolve doi", "doi", doi, "error", err)
			failed = append(failed, err)
			continue
		}
		if work.ID == "" {
			p.logger.Warn("no openalex id for doi", "doi", doi)
			continue
		}
		works, err := p.openAlexWorks(ctx, url.Values{"filter": {"cites:" + openAlexID(work.ID)}}, maxResults)
		if err != nil {
			p.logger.Warn("openalex citation lookup failed", "doi", doi, "error", err)
			failed = append(failed, err)
			continue
		}
		n, err := p.storeWorks(ctx, db, works, maxResults)
		if err != nil {
			return total, err
		}
		if err := db.UpdateSyncMetadata(ctx, knowledge.CitingKey(doi), n, start); err != nil {
			return total, err
		}
		p.logger.Info("synced citing papers", "doi", doi, "papers", n)
		total += n
	}
	if len(dois) > 0 && len(failed) == len(dois) {
		return total, errors.Join(failed...)
	}
	return total, nil
}

func (p *Papers) openAlexWorks(ctx context.Context, params url.Values, maxResults int) ([]openAlexWork, error) {
	params.Set("select", openAlexSelect)
	params.Set("per-page", strconv.Itoa(min(maxResults, 200)))
	var resp struct {
		Results []openAlexWork `json:"results"`
	}
	if err := p.fetch.GetJSON(ctx, p.openAlexURL("/works", params), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (p *Papers) openAlexURL(path string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	if p.keys.OpenAlexKey != "" {
		params.Set("api_key", p.keys.OpenAlexKey)
	} else if p.keys.OpenAlexEmail != "" {
		params.Set("mailto", p.keys.OpenAlexEmail)
	}
	u := p.endpoints.OpenAlex + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func (p *Papers) storeWorks(ctx context.Context, db *knowledge.DB, works []openAlexWork, maxResults int) (int, error) {
	papers := make([]knowledge.Paper, 0, len(works))
	for _, w := range works {
		if w.Title == "" {
			continue
		}
		papers = append(papers, knowledge.Paper{
			Source:     knowledge.SourceOpenAlex,
			ExternalID: openAlexID(w.ID),
			Title:      w.Title,
			Abstract:   reconstructAbstract(w.AbstractInvertedIndex),
			URL:        paperURL(w.DOI, w.ID),
			CreatedAt:  w.PublicationDate,
		})
	}
	return p.store(ctx, db, papers, maxResults)
}

type s2Paper struct {
	PaperID       string `json:"paperId"`
	Title         string `json:"title"`
	Abstract      string `json:"abstract"`
	Year          int    `json:"year"`
	URL           string `json:"url"`
	OpenAccessPDF *struct {
		URL string `json:"url"`
	} `json:"openAccessPdf"`
}

// SyncSemanticScholar stores papers from the Semantic Scholar search API,
// preferring open-access PDF links. It pauses afterwards to stay under the
// unauthenticated rate limit.
func (p *Papers) SyncSemanticScholar(ctx context.Context, db *knowledge.DB, query string, maxResults int) (int, error) {
	maxResults = normMax(maxResults)
	start := p.now()
	defer sleep(ctx, p.s2Delay)

	params := url.Values{
		"query":  {query},
		"limit":  {strconv.Itoa(min(maxResults, 100))},
		"fields": {"paperId,title,abstract,year,url,openAccessPdf"},
	}
	var header http.Header
	if p.keys.SemanticScholarKey != "" {
		header = http.Header{"X-Api-Key": {p.keys.SemanticScholarKey}}
	}
	var resp struct {
		Data []s2Paper `json:"data"`
	}
	if err := p.fetch.GetJSON(ctx, p.endpoints.SemanticScholar+"/paper/search?"+params.Encode(), header, &resp); err != nil {
		return 0, fmt.Errorf("semantic scholar search %q: %w", query, err)
	}

	papers := make([]knowledge.Paper, 0, len(resp.Data))
	for _, sp := range resp.Data {
		if sp.Title == "" {
			continue
		}
		link := sp.URL
		if link == "" {
			link = "https://www.semanticscholar.org/paper/" + sp.PaperID
		}
		if sp.OpenAccessPDF != nil && sp.OpenAccessPDF.URL != "" {
			link = sp.OpenAccessPDF.URL
		}
		var year string
		if sp.Year > 0 {
			year = strconv.Itoa(sp.Year)
		}
		papers = append(papers, knowledge.Paper{
			Source:     knowledge.SourceSemanticScholar,
			ExternalID: sp.PaperID,
			Title:      sp.Title,
			Abstract:   sp.Abstract,
			URL:        link,
			CreatedAt:  year,
		})
	}
	n, err := p.store(ctx, db, papers, maxResults)
	if err != nil {
		return n, err
	}
	p.logger.Info("synced semantic scholar papers", "query", query, "papers", n)
	return n, db.UpdateSyncMetadata(ctx, knowledge.PaperQueryKey(knowledge.SourceSemanticScholar, query), n, start)
}

type pubmedArticleSet struct {
	Articles []struct {
		PMID     string      `xml:"MedlineCitation>PMID"`
		Title    xmlMarkup   `xml:"MedlineCitation>Article>ArticleTitle"`
		Abstract []xmlMarkup `xml:"MedlineCitation>Article>Abstract>AbstractText"`
		Year     string      `xml:"MedlineCitation>Article>Journal>JournalIssue>PubDate>Year"`
	} `xml:"PubmedArticle"`
}

// xmlMarkup keeps an element's inner markup so inline tags such as <i> do
// not drop their text.
type xmlMarkup struct {
	Inner string `xml:",innerxml"`
}

func (m xmlMarkup) Text() string { return HTMLText(m.Inner) }

// SyncPubMed runs the E-utilities esearch then efetch flow, pausing between
// and after the two calls.
func (p *Papers) SyncPubMed(ctx context.Context, db *knowledge.DB, query string, maxResults int) (int, error) {
	maxResults = normMax(maxResults)
	start := p.now()

	params := url.Values{
		"db":      {"pubmed"},
		"term":    {query},
		"retmax":  {strconv.Itoa(maxResults)},
		"retmode": {"json"},
	}
	if p.keys.PubMedKey != "" {
		params.Set("api_key", p.keys.PubMedKey)
	}
	var search struct {
		Result struct {
			IDList []string `json:"idlist"`
		} `json:"esearchresult"`
	}
	if err := p.fetch.GetJSON(ctx, p.endpoints.PubMed+"/esearch.fcgi?"+params.Encode(), nil, &search); err != nil {
		return 0, fmt.Errorf("pubmed search %q: %w", query, err)
	}
	ids := search.Result.IDList
	if len(ids) == 0 {
		p.logger.Info("no pubmed results", "query", query)
		return 0, nil
	}
	if err := sleep(ctx, p.pubmedDelay); err != nil {
		return 0, err
	}

	params = url.Values{
		"db":      {"pubmed"},
		"id":      {strings.Join(ids, ",")},
		"retmode": {"xml"},
	}
	if p.keys.PubMedKey != "" {
		params.Set("api_key", p.keys.PubMedKey)
	}
	body, err := p.fetch.WithTimeout(60*time.Second).Get(ctx, p.endpoints.PubMed+"/efetch.fcgi?"+params.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("pubmed fetch %q: %w", query, err)
	}
	defer sleep(ctx, p.pubmedDelay)

	var set pubmedArticleSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return 0, fmt.Errorf("parsing pubmed xml for %q: %w", query, err)
	}

	papers := make([]knowledge.Paper, 0, len(set.Articles))
	for _, a := range set.Articles {
		pmid := strings.TrimSpace(a.PMID)
		title := a.Title.Text()
		if pmid == "" || title == "" {
			continue
		}
		var parts []string
		for _, ab := range a.Abstract {
			if t := ab.Text(); t != "" {
				parts = append(parts, t)
			}
		}
		papers = append(papers, knowledge.Paper{
			Source:     knowledge.SourcePubMed,
			ExternalID: pmid,
			Title:      title,
			Abstract:   strings.Join(parts, " "),
			URL:        "https://pubmed.ncbi.nlm.nih.gov/" + pmid + "/",
			CreatedAt:  strings.TrimSpace(a.Year),
		})
	}
	n, err := p.store(ctx, db, papers, maxResults)
	if err != nil {
		return n, err
	}
	p.logger.Info("synced pubmed papers", "query", query, "papers", n)
	return n, db.UpdateSyncMetadata(ctx, knowledge.PaperQueryKey(knowledge.SourcePubMed, query), n, start)
}

// store upserts up to maxResults papers in one transaction.
func (p *Papers) store(ctx context.Context, db *knowledge.DB, papers []knowledge.Paper, maxResults int) (int, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, paper := range papers {
		if count >= maxResults {
			break
		}
		if err := knowledge.UpsertPaper(ctx, tx, paper); err != nil {
			p.logger.Warn("skipping paper", "source", paper.Source, "id", paper.ExternalID, "error", err)
			continue
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing papers: %w", err)
	}
	return count, nil
}

// maxAbstractPosition bounds inverted-index positions; larger ones are dropped.
const maxAbstractPosition = 100000

// reconstructAbstract rebuilds text from OpenAlex's {word: [positions]}
// index. Unassigned positions stay empty.
func reconstructAbstract(index map[string][]int) string {
	maxPos := -1
	for _, positions := range index {
		for _, pos := range positions {
			if pos <= maxAbstractPosition {
				maxPos = max(maxPos, pos)
			}
		}
	}
	if maxPos < 0 {
		return ""
	}
	words := make([]string, maxPos+1)
	for word, positions := range index {
		for _, pos := range positions {
			if pos >= 0 && pos <= maxAbstractPosition {
				words[pos] = word
			}
		}
	}
	return strings.Join(words, " ")
}

// paperURL prefers the DOI link over the fallback.
func paperURL(doi, fallback string) string {
	if doi == "" {
		return fallback
	}
	if strings.HasPrefix(doi, "http") {
		return doi
	}
	return "https://doi.org/" + doi
}

func openAlexID(id string) string {
	return strings.TrimPrefix(id, "https://openalex.org/")
}

func normMax(n int) int {
	if n <= 0 {
		return DefaultMaxResults
	}
	return n
}
