package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/osakb/internal/knowledge"
)

const (
	discourseDelay    = time.Second
	discourseMaxPages = 200
)

// DiscourseCategory restricts a forum sync to one category listing.
type DiscourseCategory struct {
	Slug string
	ID   int
}

// Discourse syncs forum topics through the public Discourse JSON API.
type Discourse struct {
	fetch     *Fetcher
	delay     time.Duration
	batchSize int
	maxTopics int
	now       func() time.Time
	logger    *slog.Logger
}

// NewDiscourse creates a forum connector that pauses one second after each request.
func NewDiscourse(fetch *Fetcher) *Discourse {
	return &Discourse{
		fetch:     fetch,
		delay:     discourseDelay,
		batchSize: defaultBatchSize,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

type discourseListing struct {
	TopicList struct {
		Topics []struct {
			ID           int       `json:"id"`
			Pinned       bool      `json:"pinned"`
			CreatedAt    time.Time `json:"created_at"`
			LastPostedAt time.Time `json:"last_posted_at"`
		} `json:"topics"`
		MoreTopicsURL string `json:"more_topics_url"`
	} `json:"topic_list"`
}

type discourseTopic struct {
	ID           int      `json:"id"`
	Title        string   `json:"title"`
	Slug         string   `json:"slug"`
	CategoryName string   `json:"category_name"`
	Tags         []string `json:"tags"`
	ReplyCount   int      `json:"reply_count"`
	LikeCount    int      `json:"like_count"`
	Views        int      `json:"views"`
	CreatedAt    string   `json:"created_at"`
	LastPostedAt string   `json:"last_posted_at"`
	PostStream   struct {
		Posts []discoursePost `json:"posts"`
	} `json:"post_stream"`
}

type discoursePost struct {
	PostNumber     int    `json:"post_number"`
	Cooked         string `json:"cooked"`
	LikeCount      int    `json:"like_count"`
	AcceptedAnswer bool   `json:"accepted_answer"`
}

// Sync stores the forum's topics. Without categories the /latest listing is
// walked. Incremental runs stop paging at the first topic with no activity
// since the last sync.
func (d *Discourse) Sync(ctx context.Context, db *knowledge.DB, forumURL string, categories []DiscourseCategory, incremental bool) (int, error) {
	forumURL = strings.TrimRight(forumURL, "/")
	key := knowledge.DiscourseKey(forumURL)
	start := d.now()

	var since time.Time
	if incremental {
		last, ok, err := db.LastSync(ctx, key)
		if err != nil {
			return 0, err
		}
		if ok {
			since = last
			d.logger.Info("incremental discourse sync", "forum", forumURL, "since", since)
		}
	}

	var (
		ids     []int
		listErr error
	)
	if len(categories) == 0 {
		ids, listErr = d.collect(ctx, forumURL+"/latest.json", since, d.maxTopics)
	} else {
		var errs []error
		for _, c := range categories {
			remaining := 0
			if d.maxTopics > 0 {
				remaining = d.maxTopics - len(ids)
			}
			got, err := d.collect(ctx, fmt.Sprintf("%s/c/%s/%d.json", forumURL, c.Slug, c.ID), since, remaining)
			ids = append(ids, got...)
			errs = append(errs, err)
			if d.maxTopics > 0 && len(ids) >= d.maxTopics {
				break
			}
		}
		listErr = errors.Join(errs...)
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if len(ids) == 0 {
		if listErr != nil {
			return 0, fmt.Errorf("listing topics of %s: %w", forumURL, listErr)
		}
		d.logger.Info("no new discourse topics", "forum", forumURL)
		return 0, db.UpdateSyncMetadata(ctx, key, 0, start)
	}

	topics := make([]knowledge.DiscourseTopic, 0, len(ids))
	failed := 0
	for _, id := range ids {
		t, err := d.topic(ctx, forumURL, id)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			d.logger.Warn("could not fetch topic", "forum", forumURL, "topic", id, "error", err)
			failed++
			continue
		}
		topics = append(topics, t)
	}

	n, err := writeBatched(ctx, db, d.batchSize, topics, knowledge.UpsertDiscourseTopic, d.logger, "discourse topic")
	if err != nil {
		return n, err
	}
	d.logger.Info("synced discourse topics", "forum", forumURL, "topics", n, "failed", failed)
	if failed > 0 && n == 0 {
		return 0, fmt.Errorf("all %d topics of %s failed to fetch", failed, forumURL)
	}
	// A partial listing or missing topics keep the old watermark so the
	// next incremental run covers the gap again.
	if listErr != nil || failed > 0 {
		d.logger.Warn("discourse watermark not advanced", "forum", forumURL, "failed_topics", failed, "listing_error", listErr)
		return n, nil
	}
	return n, db.UpdateSyncMetadata(ctx, key, n, start)
}

// collect pages through a topic listing. A limit of zero means no limit.
// A page that fails to load ends the walk with the ids gathered so far and
// the page's error.
func (d *Discourse) collect(ctx context.Context, listingURL string, since time.Time, limit int) ([]int, error) {
	var ids []int
	for page := 0; page < discourseMaxPages; page++ {
		u := listingURL
		if page > 0 {
			u = fmt.Sprintf("%s?page=%d", listingURL, page)
		}
		var listing discourseListing
		if err := d.get(ctx, u, &listing); err != nil {
			d.logger.Warn("could not fetch topic listing", "url", u, "error", err)
			return ids, err
		}
		topics := listing.TopicList.Topics
		if len(topics) == 0 {
			return ids, nil
		}
		for _, t := range topics {
			if t.Pinned || t.ID == 0 {
				continue
			}
			if !since.IsZero() {
				activity := t.LastPostedAt
				if activity.IsZero() {
					activity = t.CreatedAt
				}
				if !activity.IsZero() && activity.Before(since) {
					return ids, nil
				}
			}
			ids = append(ids, t.ID)
			if limit > 0 && len(ids) >= limit {
				return ids, nil
			}
		}
		if listing.TopicList.MoreTopicsURL == "" {
			return ids, nil
		}
	}
	return ids, nil
}

func (d *Discourse) topic(ctx context.Context, forumURL string, id int) (knowledge.DiscourseTopic, error) {
	var t discourseTopic
	if err := d.get(ctx, fmt.Sprintf("%s/t/%d.json", forumURL, id), &t); err != nil {
		return knowledge.DiscourseTopic{}, err
	}
	if t.ID == 0 {
		return knowledge.DiscourseTopic{}, fmt.Errorf("topic %d: response has no id", id)
	}
	posts := t.PostStream.Posts
	var first, answer string
	if len(posts) > 0 {
		first = HTMLText(posts[0].Cooked)
	}
	if len(posts) > 1 {
		answer = bestAnswer(posts)
	}
	return knowledge.DiscourseTopic{
		ForumURL:       forumURL,
		TopicID:        t.ID,
		Title:          t.Title,
		FirstPost:      first,
		AcceptedAnswer: answer,
		CategoryName:   t.CategoryName,
		Tags:           t.Tags,
		ReplyCount:     t.ReplyCount,
		LikeCount:      t.LikeCount,
		Views:          t.Views,
		URL:            fmt.Sprintf("%s/t/%s/%d", forumURL, t.Slug, t.ID),
		CreatedAt:      t.CreatedAt,
		LastPostedAt:   t.LastPostedAt,
	}, nil
}

func (d *Discourse) get(ctx context.Context, u string, v any) error {
	err := d.fetch.GetJSON(ctx, u, http.Header{"Accept": {"application/json"}}, v)
	if serr := sleep(ctx, d.delay); serr != nil && err == nil {
		err = serr
	}
	return err
}

// bestAnswer returns the accepted answer, or else the most-liked reply if it
// has any likes.
func bestAnswer(posts []discoursePost) string {
	for _, p := range posts {
		if p.AcceptedAnswer {
			return HTMLText(p.Cooked)
		}
	}
	var best *discoursePost
	for i := range posts {
		p := &posts[i]
		if p.PostNumber <= 1 {
			continue
		}
		if best == nil || p.LikeCount > best.LikeCount {
			best = p
		}
	}
	if best != nil && best.LikeCount > 0 {
		return HTMLText(best.Cooked)
	}
	return ""
}
