package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SyncKey identifies an incremental-sync watermark. SourceParam holds the free
// text part of the key (a search query, a DOI, a year) and is empty otherwise.
type SyncKey struct {
	SourceType  string
	SourceKey   string
	SourceParam string
}

func (k SyncKey) String() string {
	if k.SourceParam == "" {
		return k.SourceType + "/" + k.SourceKey
	}
	return k.SourceType + "/" + k.SourceKey + "/" + k.SourceParam
}

func GitHubKey(repo string) SyncKey {
	return SyncKey{SourceType: "github", SourceKey: repo}
}

func PaperQueryKey(source, query string) SyncKey {
	return SyncKey{SourceType: "papers", SourceKey: source, SourceParam: query}
}

func CitingKey(doi string) SyncKey {
	return SyncKey{SourceType: "papers", SourceKey: "citing", SourceParam: strings.ToLower(doi)}
}

func DocstringKey(repo, language string) SyncKey {
	return SyncKey{SourceType: "docstrings", SourceKey: repo, SourceParam: language}
}

func MailmanKey(listName string, year int) SyncKey {
	return SyncKey{SourceType: "mailman", SourceKey: listName, SourceParam: fmt.Sprint(year)}
}

func DiscourseKey(forumURL string) SyncKey {
	return SyncKey{SourceType: "discourse", SourceKey: strings.TrimRight(forumURL, "/")}
}

func BEPKey() SyncKey {
	return SyncKey{SourceType: "beps", SourceKey: "manifest"}
}

func FAQKey(listName string) SyncKey {
	return SyncKey{SourceType: "faq", SourceKey: listName}
}

// Watermark is a stored sync_metadata row.
type Watermark struct {
	SyncKey
	LastSyncAt  time.Time
	ItemsSynced int
}

// UpdateSyncMetadata stores at as the watermark for key. Callers pass the time
// the run started so that items changed during the run are seen next time.
func (d *DB) UpdateSyncMetadata(ctx context.Context, key SyncKey, itemsSynced int, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (source_type, source_key, source_param, last_sync_at, items_synced)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_type, source_key, source_param) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			items_synced = excluded.items_synced`,
		key.SourceType, key.SourceKey, key.SourceParam, at.UTC().Format(time.RFC3339Nano), itemsSynced,
	)
	if err != nil {
		return fmt.Errorf("updating sync metadata %s: %w", key, err)
	}
	return nil
}

// LastSync returns the watermark for key. ok is false when the source was never
// synced, which callers treat as a request for a full sync.
func (d *DB) LastSync(ctx context.Context, key SyncKey) (t time.Time, ok bool, err error) {
	var raw string
	err = d.db.QueryRowContext(ctx, `
		SELECT last_sync_at FROM sync_metadata
		WHERE source_type = ? AND source_key = ? AND source_param = ?`,
		key.SourceType, key.SourceKey, key.SourceParam,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading sync metadata %s: %w", key, err)
	}
	t, err = time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing last_sync_at %q: %w", raw, err)
	}
	return t, true, nil
}

// Watermarks lists stored watermarks, newest first. An empty sourceType lists all.
func (d *DB) Watermarks(ctx context.Context, sourceType string) ([]Watermark, error) {
	query := `SELECT source_type, source_key, source_param, last_sync_at, items_synced FROM sync_metadata`
	var args []any
	if sourceType != "" {
		query += ` WHERE source_type = ?`
		args = append(args, sourceType)
	}
	query += ` ORDER BY last_sync_at DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sync metadata: %w", err)
	}
	defer rows.Close()

	var out []Watermark
	for rows.Next() {
		var w Watermark
		var raw string
		if err := rows.Scan(&w.SourceType, &w.SourceKey, &w.SourceParam, &raw, &w.ItemsSynced); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			w.LastSyncAt = t
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// NewestSync returns the most recent watermark of sourceType, if any.
func (d *DB) NewestSync(ctx context.Context, sourceType string) (time.Time, bool, error) {
	var raw sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT MAX(last_sync_at) FROM sync_metadata WHERE source_type = ?`, sourceType,
	).Scan(&raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading newest %s sync: %w", sourceType, err)
	}
	if !raw.Valid {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing last_sync_at %q: %w", raw.String, err)
	}
	return t, true, nil
}
