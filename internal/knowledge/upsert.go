package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// None of the upserts commit. Pass a *Batch or *sql.Tx to control boundaries.

// Truncate cuts s to at most n characters.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func UpsertGitHubItem(ctx context.Context, ex Execer, it GitHubItem) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO github_items (repo, item_type, number, title, first_message, status, url, created_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo, item_type, number) DO UPDATE SET
			title = excluded.title,
			first_message = excluded.first_message,
			status = excluded.status,
			url = excluded.url,
			synced_at = excluded.synced_at`,
		it.Repo, it.ItemType, it.Number, it.Title, Truncate(it.FirstMessage, MaxGitHubBody),
		it.Status, it.URL, it.CreatedAt, nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting %s %s#%d: %w", it.ItemType, it.Repo, it.Number, err)
	}
	return nil
}

func UpsertPaper(ctx context.Context, ex Execer, p Paper) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO papers (source, external_id, title, first_message, status, url, created_at, synced_at)
		VALUES (?, ?, ?, ?, 'published', ?, ?, ?)
		ON CONFLICT(source, external_id) DO UPDATE SET
			title = excluded.title,
			first_message = excluded.first_message,
			url = excluded.url,
			created_at = excluded.created_at,
			synced_at = excluded.synced_at`,
		p.Source, p.ExternalID, p.Title, Truncate(p.Abstract, MaxAbstract), p.URL, p.CreatedAt, nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting paper %s:%s: %w", p.Source, p.ExternalID, err)
	}
	return nil
}

func UpsertDocstring(ctx context.Context, ex Execer, d Docstring) error {
	branch := d.Branch
	if branch == "" {
		branch = "main"
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO docstrings (repo, file_path, language, symbol_name, symbol_type, docstring, line_number, branch, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo, file_path, symbol_name) DO UPDATE SET
			language = excluded.language,
			symbol_type = excluded.symbol_type,
			docstring = excluded.docstring,
			line_number = excluded.line_number,
			branch = excluded.branch,
			synced_at = excluded.synced_at`,
		d.Repo, d.FilePath, d.Language, d.SymbolName, d.SymbolType,
		Truncate(d.Docstring, MaxDocstring), d.LineNumber, branch, nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting docstring %s:%s:%s: %w", d.Repo, d.FilePath, d.SymbolName, err)
	}
	return nil
}

func UpsertMailingListMessage(ctx context.Context, ex Execer, m MailingListMessage) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO mailing_list_messages (list_name, message_id, thread_id, subject, author, author_email, date, body, in_reply_to, url, year, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(list_name, message_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			subject = excluded.subject,
			author = excluded.author,
			author_email = excluded.author_email,
			date = excluded.date,
			body = excluded.body,
			in_reply_to = excluded.in_reply_to,
			url = excluded.url,
			year = excluded.year,
			synced_at = excluded.synced_at`,
		m.ListName, m.MessageID, m.ThreadID, m.Subject, m.Author, m.AuthorEmail, m.Date,
		Truncate(m.Body, MaxMessageBody), m.InReplyTo, m.URL, m.Year, nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting message %s/%s: %w", m.ListName, m.MessageID, err)
	}
	return nil
}

func UpsertFAQEntry(ctx context.Context, ex Execer, f FAQEntry) error {
	tags, err := marshalList(f.Tags)
	if err != nil {
		return err
	}
	category := f.Category
	if category == "" {
		category = "discussion"
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO faq_entries (list_name, thread_id, thread_url, question, answer, tags, category, message_count,
			participant_count, first_message_date, quality_score, summarized_at, summary_model)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(list_name, thread_id) DO UPDATE SET
			thread_url = excluded.thread_url,
			question = excluded.question,
			answer = excluded.answer,
			tags = excluded.tags,
			category = excluded.category,
			message_count = excluded.message_count,
			participant_count = excluded.participant_count,
			first_message_date = excluded.first_message_date,
			quality_score = excluded.quality_score,
			summarized_at = excluded.summarized_at,
			summary_model = excluded.summary_model`,
		f.ListName, f.ThreadID, f.ThreadURL, f.Question, Truncate(f.Answer, MaxFAQAnswer), tags, category,
		f.MessageCount, f.ParticipantCount, f.FirstMessageDate, f.QualityScore, nowUTC(), f.SummaryModel,
	)
	if err != nil {
		return fmt.Errorf("upserting faq %s/%s: %w", f.ListName, f.ThreadID, err)
	}
	return nil
}

// MarkSummarization records the outcome of a summarization attempt for a thread.
func MarkSummarization(ctx context.Context, ex Execer, listName, threadID, status, reason string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO summarization_status (list_name, thread_id, status, failure_reason, attempted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(list_name, thread_id) DO UPDATE SET
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			attempted_at = excluded.attempted_at`,
		listName, threadID, status, reason, nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("recording summarization status %s/%s: %w", listName, threadID, err)
	}
	return nil
}

func UpsertDiscourseTopic(ctx context.Context, ex Execer, t DiscourseTopic) error {
	tags, err := marshalList(t.Tags)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO discourse_topics (forum_url, topic_id, title, first_post, accepted_answer, category_name, tags,
			reply_count, like_count, views, url, created_at, last_posted_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(forum_url, topic_id) DO UPDATE SET
			title = excluded.title,
			first_post = excluded.first_post,
			accepted_answer = excluded.accepted_answer,
			category_name = excluded.category_name,
			tags = excluded.tags,
			reply_count = excluded.reply_count,
			like_count = excluded.like_count,
			views = excluded.views,
			url = excluded.url,
			last_posted_at = excluded.last_posted_at,
			synced_at = excluded.synced_at`,
		t.ForumURL, t.TopicID, t.Title, Truncate(t.FirstPost, MaxDiscoursePost), Truncate(t.AcceptedAnswer, MaxDiscoursePost),
		t.CategoryName, tags, t.ReplyCount, t.LikeCount, t.Views, t.URL, t.CreatedAt, t.LastPostedAt, nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting topic %s/%d: %w", t.ForumURL, t.TopicID, err)
	}
	return nil
}

func UpsertBEPItem(ctx context.Context, ex Execer, b BEPItem) error {
	leads, err := marshalList(b.Leads)
	if err != nil {
		return err
	}
	var prNumber any
	if b.PullRequestNumber > 0 {
		prNumber = b.PullRequestNumber
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO bep_items (bep_number, title, status, pull_request_url, pull_request_number, html_preview_url,
			google_doc_url, leads, content, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bep_number) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			pull_request_url = excluded.pull_request_url,
			pull_request_number = excluded.pull_request_number,
			html_preview_url = excluded.html_preview_url,
			google_doc_url = excluded.google_doc_url,
			leads = excluded.leads,
			content = excluded.content,
			synced_at = excluded.synced_at`,
		b.Number, b.Title, b.Status, b.PullRequestURL, prNumber, b.HTMLPreviewURL,
		b.GoogleDocURL, leads, b.Content, nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting BEP%s: %w", b.Number, err)
	}
	return nil
}

func marshalList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding list: %w", err)
	}
	return string(data), nil
}
