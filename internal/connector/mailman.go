package connector

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/osakb/internal/knowledge"
)

const (
	mailmanDelay    = time.Second
	DefaultCacheTTL = 7 * 24 * time.Hour
)

var (
	mailmanYear   = regexp.MustCompile(`(?i)<a href="(\d{4})/">\d{4}</a>`)
	mailmanThread = regexp.MustCompile(`(?i)<li><a href="(\d+)\.html">([^<]+)</a>`)
	mailmanTitle  = regexp.MustCompile(`(?i)<title>([^<]+)</title>`)
	mailmanAuthor = regexp.MustCompile(`(?i)<b>([^<]+)</b>`)
	mailmanEmail  = regexp.MustCompile(`(?i)href="mailto:([^"?]+)`)
	mailmanDate   = regexp.MustCompile(`(?i)<i>([^<]+)</i>`)
	mailmanBody   = regexp.MustCompile(`(?is)<pre>(.*?)</pre>`)
	listTagPrefix = regexp.MustCompile(`^\[[\w-]+\]\s*`)
	replyPrefix   = regexp.MustCompile(`(?i)^(re|fwd?|aw|wg):\s*`)
)

// Mailman scrapes pipermail archives, caching fetched pages on disk.
type Mailman struct {
	fetch     *Fetcher
	cacheDir  string
	cacheTTL  time.Duration
	delay     time.Duration
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

// NewMailman creates an archive scraper. An empty cacheDir disables caching.
func NewMailman(fetch *Fetcher, cacheDir string, cacheTTL time.Duration) *Mailman {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Mailman{
		fetch:     fetch,
		cacheDir:  cacheDir,
		cacheTTL:  cacheTTL,
		delay:     mailmanDelay,
		batchSize: defaultBatchSize,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// SyncList syncs every archived year from startYear on (0 means all). When
// incremental is set, past years that were synced after they ended are skipped.
func (m *Mailman) SyncList(ctx context.Context, db *knowledge.DB, listName, baseURL string, startYear int, incremental bool) (map[int]int, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	index, err := m.page(ctx, baseURL, listName+"_index")
	if err != nil {
		return nil, fmt.Errorf("fetching %s index: %w", listName, err)
	}
	years := parseYears(index)
	if startYear > 0 {
		kept := years[:0]
		for _, y := range years {
			if y >= startYear {
				kept = append(kept, y)
			}
		}
		years = kept
	}
	if len(years) == 0 {
		m.logger.Warn("no archive years found", "list", listName)
		return map[int]int{}, nil
	}

	results := make(map[int]int, len(years))
	var failed []error
	for _, year := range years {
		if incremental && m.yearComplete(ctx, db, listName, year) {
			m.logger.Debug("skipping completed year", "list", listName, "year", year)
			continue
		}
		n, err := m.SyncYear(ctx, db, listName, baseURL, year)
		results[year] = n
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			m.logger.Error("mailman year failed", "list", listName, "year", year, "error", err)
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 && len(failed) == len(results) {
		return results, failed[0]
	}
	return results, nil
}

func (m *Mailman) yearComplete(ctx context.Context, db *knowledge.DB, listName string, year int) bool {
	if year >= m.now().Year() {
		return false
	}
	last, ok, err := db.LastSync(ctx, knowledge.MailmanKey(listName, year))
	if err != nil || !ok {
		return false
	}
	return last.Year() > year
}

type threadEntry struct {
	id      string
	subject string
}

// SyncYear stores one year of messages. Each message's thread is the first
// message of the year with the same normalized subject.
func (m *Mailman) SyncYear(ctx context.Context, db *knowledge.DB, listName, baseURL string, year int) (int, error) {
	start := m.now()
	index, err := m.page(ctx, fmt.Sprintf("%s%d/thread.html", baseURL, year), fmt.Sprintf("%s_%d_thread", listName, year))
	if err != nil {
		return 0, fmt.Errorf("fetching thread index for %d: %w", year, err)
	}
	entries := parseThreadIndex(index)
	if len(entries) == 0 {
		return 0, nil
	}

	roots := make(map[string]string)
	for _, e := range entries {
		norm := NormalizeSubject(e.subject)
		if _, ok := roots[norm]; !ok {
			roots[norm] = e.id
		}
	}

	msgs := make([]knowledge.MailingListMessage, 0, len(entries))
	failed := 0
	for _, e := range entries {
		u := fmt.Sprintf("%s%d/%s.html", baseURL, year, e.id)
		body, err := m.page(ctx, u, listName+"_"+e.id)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			m.logger.Warn("could not fetch message", "url", u, "error", err)
			failed++
			continue
		}
		msg := parseMessage(body)
		msg.ListName = listName
		msg.MessageID = e.id
		msg.URL = u
		msg.Year = year
		msg.ThreadID = roots[NormalizeSubject(e.subject)]
		if msg.ThreadID == "" {
			msg.ThreadID = e.id
		}
		if msg.ThreadID != e.id {
			msg.InReplyTo = msg.ThreadID
		}
		msgs = append(msgs, msg)
	}

	n, err := writeBatched(ctx, db, m.batchSize, msgs, knowledge.UpsertMailingListMessage, m.logger, "mailing list message")
	if err != nil {
		return n, err
	}
	m.logger.Info("synced mailing list year", "list", listName, "year", year, "messages", n, "failed", failed)
	// A year with missing messages stays incomplete so incremental runs retry it.
	if failed > 0 {
		m.logger.Warn("mailman watermark not advanced", "list", listName, "year", year, "failed", failed)
		return n, nil
	}
	return n, db.UpdateSyncMetadata(ctx, knowledge.MailmanKey(listName, year), n, start)
}

// NormalizeSubject strips a [list] tag and any Re:/Fwd: prefixes, collapses
// whitespace and lowercases, so replies map to their thread's subject.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		next := strings.TrimSpace(listTagPrefix.ReplaceAllString(s, ""))
		next = strings.TrimSpace(replyPrefix.ReplaceAllString(next, ""))
		if next == s {
			break
		}
		s = next
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func parseYears(index string) []int {
	seen := map[int]bool{}
	var years []int
	for _, m := range mailmanYear.FindAllStringSubmatch(index, -1) {
		y, _ := strconv.Atoi(m[1])
		if !seen[y] {
			seen[y] = true
			years = append(years, y)
		}
	}
	sort.Ints(years)
	return years
}

func parseThreadIndex(index string) []threadEntry {
	var out []threadEntry
	for _, m := range mailmanThread.FindAllStringSubmatch(index, -1) {
		out = append(out, threadEntry{id: m[1], subject: strings.TrimSpace(html.UnescapeString(m[2]))})
	}
	return out
}

func parseMessage(page string) knowledge.MailingListMessage {
	first := func(re *regexp.Regexp) string {
		if m := re.FindStringSubmatch(page); m != nil {
			return strings.TrimSpace(html.UnescapeString(m[1]))
		}
		return ""
	}
	msg := knowledge.MailingListMessage{
		Subject:     first(mailmanTitle),
		Author:      first(mailmanAuthor),
		AuthorEmail: strings.ReplaceAll(first(mailmanEmail), " at ", "@"),
		Date:        first(mailmanDate),
	}
	if msg.Subject == "" {
		msg.Subject = "No subject"
	}
	if m := mailmanBody.FindStringSubmatch(page); m != nil {
		msg.Body = HTMLText(m[1])
	}
	return msg
}

// page fetches u, serving it from the disk cache while the cached copy is
// younger than the TTL. Network fetches are followed by the polite delay.
func (m *Mailman) page(ctx context.Context, u, cacheKey string) (string, error) {
	var path string
	if m.cacheDir != "" {
		path = filepath.Join(m.cacheDir, cacheKey+".html")
		if fi, err := os.Stat(path); err == nil && time.Since(fi.ModTime()) < m.cacheTTL {
			if b, err := os.ReadFile(path); err == nil {
				return string(b), nil
			}
		}
	}

	body, err := m.fetch.Get(ctx, u, nil)
	if err != nil {
		return "", err
	}
	if path != "" {
		if err := os.MkdirAll(m.cacheDir, 0o755); err == nil {
			if err := os.WriteFile(path, body, 0o644); err != nil {
				m.logger.Debug("could not cache page", "url", u, "error", err)
			}
		}
	}
	if err := sleep(ctx, m.delay); err != nil {
		return "", err
	}
	return string(body), nil
}
