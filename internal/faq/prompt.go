package faq

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kalambet/osakb/internal/knowledge"
)

// Categories an FAQ entry may carry. Anything else becomes discussion.
var Categories = []string{"troubleshooting", "how-to", "bug-report", "feature-request", "discussion", "reference"}

const maxContextBody = 2000

const scorePrompt = `Rate the value of this mailing list thread as a FAQ entry on a scale of 0.0 to 1.0.

Consider:
- Does it have a clear, answerable technical question?
- Are the responses helpful and authoritative?
- Is it substantive (not just social chat or spam)?
- Would future users benefit from this Q&A?

Thread:
%s

Respond with ONLY a number between 0.0 and 1.0 (e.g., "0.75"):`

const summarySystemPrompt = `You are an expert at creating FAQ entries from mailing list threads.

Extract:
1. Core Question: The main technical question being asked
2. Best Answer: Synthesize the most helpful response(s)
3. Tags: 3-5 lowercase topic keywords (hyphenated, e.g., "data-import")
4. Category: One of: troubleshooting, how-to, bug-report, feature-request, discussion, reference

Format as JSON:
{
  "question": "...",
  "answer": "...",
  "tags": ["tag1", "tag2", ...],
  "category": "..."
}`

type threadMessage struct {
	Author  string
	Date    string
	Subject string
	Body    string
	URL     string
}

// threadContext renders a thread for the prompts, truncating long bodies.
func threadContext(msgs []threadMessage) string {
	var sb strings.Builder
	for i, m := range msgs {
		author := m.Author
		if author == "" {
			author = "Unknown"
		}
		body := m.Body
		if cut := knowledge.Truncate(body, maxContextBody); cut != body {
			body = cut + "\n[... truncated ...]"
		}
		fmt.Fprintf(&sb, "--- Message %d ---\nFrom: %s\nDate: %s\nSubject: %s\n\n%s\n\n", i+1, author, m.Date, m.Subject, body)
	}
	return sb.String()
}

var firstNumber = regexp.MustCompile(`\d+(?:\.\d*)?`)

// parseScore takes the first number in reply, clamped to [0, 1].
func parseScore(reply string) (float64, error) {
	m := firstNumber.FindString(reply)
	if m == "" {
		return 0, fmt.Errorf("no score in reply %q", knowledge.Truncate(reply, 100))
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, err
	}
	return min(max(v, 0), 1), nil
}

// Summary is the model's FAQ rendering of a thread.
type Summary struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Tags     []string `json:"tags"`
	Category string   `json:"category"`
}

var errIncompleteSummary = errors.New("summary is missing question or answer")

// parseSummary decodes the model's JSON reply, tolerating a markdown code
// fence around it.
func parseSummary(reply string) (Summary, error) {
	content := strings.TrimSpace(reply)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimPrefix(content, "json")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	var s Summary
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &s); err != nil {
		return Summary{}, fmt.Errorf("invalid summary json: %w (reply %q)", err, knowledge.Truncate(content, 200))
	}
	s.Question = strings.TrimSpace(s.Question)
	s.Answer = strings.TrimSpace(s.Answer)
	if s.Question == "" || s.Answer == "" {
		return Summary{}, errIncompleteSummary
	}
	s.Category = normalizeCategory(s.Category)
	tags := s.Tags[:0]
	for _, t := range s.Tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tags = append(tags, t)
		}
	}
	s.Tags = tags
	return s, nil
}

func normalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	for _, valid := range Categories {
		if c == valid {
			return c
		}
	}
	return "discussion"
}
