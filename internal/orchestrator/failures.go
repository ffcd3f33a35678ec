package orchestrator

import (
	"context"
	"log/slog"
	"maps"
	"sync"
)

// LevelCritical marks sustained failure of one sync type for one community.
const LevelCritical = slog.LevelError + 4

// criticalAfter is the consecutive failure count that escalates to LevelCritical.
const criticalAfter = 3

type failureTracker struct {
	mu     sync.Mutex
	counts map[string]int
	logger *slog.Logger
}

func newFailureTracker(logger *slog.Logger) *failureTracker {
	return &failureTracker{counts: make(map[string]int), logger: logger}
}

func (f *failureTracker) failure(key, communityID, syncType string, err error) int {
	f.mu.Lock()
	f.counts[key]++
	n := f.counts[key]
	f.mu.Unlock()

	level := slog.LevelError
	msg := "sync failed"
	if n >= criticalAfter {
		level = LevelCritical
		msg = "sync failing repeatedly"
	}
	f.logger.Log(context.Background(), level, msg,
		"community", communityID, "sync_type", syncType, "consecutive_failures", n, "error", err)
	return n
}

func (f *failureTracker) success(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, key)
}

func (f *failureTracker) snapshot() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.counts)
}
