package connector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/osakb/internal/knowledge"
)

// writeBatched upserts items in transactions of at most size records.
// Records the database rejects are logged and skipped. Network work happens
// before this is called so no transaction stays open across requests.
func writeBatched[T any](ctx context.Context, db *knowledge.DB, size int, items []T,
	upsert func(context.Context, knowledge.Execer, T) error, logger *slog.Logger, kind string) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	batch, err := db.NewBatch(ctx, size)
	if err != nil {
		return 0, err
	}
	defer batch.Rollback()

	count := 0
	for _, it := range items {
		if err := upsert(ctx, batch, it); err != nil {
			logger.Warn("skipping record", "kind", kind, "error", err)
			continue
		}
		count++
		if err := batch.Add(ctx); err != nil {
			return count, err
		}
	}
	if err := batch.Commit(); err != nil {
		return count, fmt.Errorf("committing %s: %w", kind, err)
	}
	return count, nil
}
