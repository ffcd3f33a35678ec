// Package faq turns mailing list threads into question and answer entries
// with a two-stage LLM pass: a cheap model scores each thread, and threads
// above the quality threshold are summarized by a stronger one.
package faq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/osakb/internal/knowledge"
	"github.com/kalambet/osakb/internal/llm"
)

// Defaults used when Options leaves a field empty.
const (
	DefaultQualityThreshold = 0.6
	DefaultScoreModel       = "anthropic/claude-3.5-haiku"
	DefaultModel            = "anthropic/claude-3.5-sonnet"
	DefaultBatchSize        = 10
)

// Options configures a Summarizer.
type Options struct {
	ScoreModel       string
	Model            string
	QualityThreshold float64
	// MaxThreads bounds the threads processed per run; zero means all.
	MaxThreads int
	BatchSize  int
}

// Result counts the outcomes of one run.
type Result struct {
	Processed  int `json:"processed"`
	Summarized int `json:"summarized"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Summarizer writes FAQ entries for threads that have none yet.
type Summarizer struct {
	chat   llm.Chatter
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Summarizer using chat for both stages.
func New(chat llm.Chatter, opts Options) *Summarizer {
	if opts.ScoreModel == "" {
		opts.ScoreModel = DefaultScoreModel
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.QualityThreshold <= 0 {
		opts.QualityThreshold = DefaultQualityThreshold
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Summarizer{chat: chat, opts: opts, now: time.Now, logger: slog.Default()}
}

type candidate struct {
	threadID     string
	messages     int
	participants int
	firstDate    string
}

// outcome is one thread's pending write.
type outcome struct {
	threadID string
	entry    *knowledge.FAQEntry
	status   string
	reason   string
}

// Summarize processes the threads of listName that have at least two
// messages, no FAQ entry, and were not previously skipped for low quality.
// LLM failures mark the thread failed and move on; database failures abort.
func (s *Summarizer) Summarize(ctx context.Context, db *knowledge.DB, listName string) (Result, error) {
	var res Result
	start := s.now()

	threads, err := s.candidates(ctx, db, listName)
	if err != nil {
		return res, err
	}
	if len(threads) == 0 {
		s.logger.Info("no threads to summarize", "list", listName)
		return res, db.UpdateSyncMetadata(ctx, knowledge.FAQKey(listName), 0, start)
	}
	s.logger.Info("summarizing threads", "list", listName, "threads", len(threads))

	var pending []outcome
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		tx, err := db.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, o := range pending {
			if o.entry != nil {
				if err := knowledge.UpsertFAQEntry(ctx, tx, *o.entry); err != nil {
					return err
				}
			}
			if err := knowledge.MarkSummarization(ctx, tx, listName, o.threadID, o.status, o.reason); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing faq batch: %w", err)
		}
		pending = pending[:0]
		return nil
	}

	for _, t := range threads {
		if ctx.Err() != nil {
			break
		}
		o, err := s.process(ctx, db, listName, t)
		if err != nil {
			flush()
			return res, err
		}
		res.Processed++
		switch o.status {
		case knowledge.SummaryDone:
			res.Summarized++
		case knowledge.SummarySkipped:
			res.Skipped++
		default:
			res.Failed++
		}
		pending = append(pending, o)
		if len(pending) >= s.opts.BatchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	s.logger.Info("faq summarization complete", "list", listName,
		"processed", res.Processed, "summarized", res.Summarized, "skipped", res.Skipped, "failed", res.Failed)
	return res, db.UpdateSyncMetadata(ctx, knowledge.FAQKey(listName), res.Summarized, start)
}

func (s *Summarizer) candidates(ctx context.Context, db *knowledge.DB, listName string) ([]candidate, error) {
	limit := s.opts.MaxThreads
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT m.thread_id, COUNT(*) AS msg_count, COUNT(DISTINCT m.author), MIN(m.date)
		FROM mailing_list_messages m
		LEFT JOIN faq_entries f ON f.list_name = m.list_name AND f.thread_id = m.thread_id
		LEFT JOIN summarization_status st ON st.list_name = m.list_name AND st.thread_id = m.thread_id
		WHERE m.list_name = ? AND m.thread_id != '' AND f.id IS NULL
			AND (st.status IS NULL OR st.status != ?)
		GROUP BY m.thread_id
		HAVING msg_count >= 2
		ORDER BY msg_count DESC, m.thread_id
		LIMIT ?`, listName, knowledge.SummarySkipped, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting threads for %s: %w", listName, err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.threadID, &c.messages, &c.participants, &c.firstDate); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Summarizer) messages(ctx context.Context, db *knowledge.DB, listName, threadID string) ([]threadMessage, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT author, date, subject, body, url
		FROM mailing_list_messages
		WHERE list_name = ? AND thread_id = ?
		ORDER BY CAST(message_id AS INTEGER), message_id`, listName, threadID)
	if err != nil {
		return nil, fmt.Errorf("loading thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var out []threadMessage
	for rows.Next() {
		var m threadMessage
		if err := rows.Scan(&m.Author, &m.Date, &m.Subject, &m.Body, &m.URL); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// process scores and summarizes one thread. Only database errors are returned.
func (s *Summarizer) process(ctx context.Context, db *knowledge.DB, listName string, t candidate) (outcome, error) {
	msgs, err := s.messages(ctx, db, listName, t.threadID)
	if err != nil {
		return outcome{}, err
	}
	o := outcome{threadID: t.threadID}
	if len(msgs) == 0 {
		o.status, o.reason = knowledge.SummaryFailed, "thread has no messages"
		return o, nil
	}
	thread := threadContext(msgs)

	reply, err := s.chat.Chat(ctx, llm.Request{
		Model:       s.opts.ScoreModel,
		Messages:    []llm.Message{llm.User(fmt.Sprintf(scorePrompt, thread))},
		Temperature: 0.1,
		MaxTokens:   10,
	})
	if err == nil {
		var score float64
		score, err = parseScore(reply)
		if err == nil {
			return s.summarize(ctx, listName, t, msgs, thread, score), nil
		}
	}
	s.logger.Warn("could not score thread", "list", listName, "thread", t.threadID, "error", err)
	o.status, o.reason = knowledge.SummaryFailed, "failed to score thread quality: "+err.Error()
	return o, nil
}

func (s *Summarizer) summarize(ctx context.Context, listName string, t candidate, msgs []threadMessage, thread string, score float64) outcome {
	o := outcome{threadID: t.threadID}
	if score < s.opts.QualityThreshold {
		o.status, o.reason = knowledge.SummarySkipped, fmt.Sprintf("quality score %.2f below threshold", score)
		return o
	}

	reply, err := s.chat.Chat(ctx, llm.Request{
		Model:       s.opts.Model,
		Messages:    []llm.Message{llm.System(summarySystemPrompt), llm.User("Thread:\n" + thread)},
		Temperature: 0.1,
		JSON:        true,
	})
	var sum Summary
	if err == nil {
		sum, err = parseSummary(reply)
	}
	if err != nil {
		s.logger.Warn("could not summarize thread", "list", listName, "thread", t.threadID, "error", err)
		o.status, o.reason = knowledge.SummaryFailed, "summarization failed: "+err.Error()
		return o
	}

	o.status = knowledge.SummaryDone
	o.entry = &knowledge.FAQEntry{
		ListName:         listName,
		ThreadID:         t.threadID,
		ThreadURL:        threadURL(msgs[0].URL, t.threadID),
		Question:         sum.Question,
		Answer:           sum.Answer,
		Tags:             sum.Tags,
		Category:         sum.Category,
		MessageCount:     len(msgs),
		ParticipantCount: t.participants,
		FirstMessageDate: t.firstDate,
		QualityScore:     score,
		SummaryModel:     s.opts.Model,
	}
	return o
}

// threadURL points at the thread in the year's thread index.
func threadURL(messageURL, threadID string) string {
	i := strings.LastIndex(messageURL, "/")
	if i < 0 {
		return messageURL
	}
	return messageURL[:i] + "/thread.html#" + threadID
}
