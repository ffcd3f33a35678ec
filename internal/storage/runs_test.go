package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSyncRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := s.StartRun(ctx, "hed", "github", "schedule", start)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	got, err := s.LastRun(ctx, "hed", "github")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if got.ID != id || got.Status != RunRunning || got.TriggeredBy != "schedule" {
		t.Errorf("run = %+v", got)
	}
	if !got.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, start)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", got.FinishedAt)
	}

	if err := s.FinishRun(ctx, id, 42, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	got, err = s.LastRun(ctx, "hed", "github")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if got.Status != RunSucceeded || got.ItemsSynced != 42 || got.FinishedAt == nil {
		t.Errorf("finished run = %+v", got)
	}
}

func TestFinishRunRecordsError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.StartRun(ctx, "bids", "beps", "", time.Now())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := s.FinishRun(ctx, id, 0, errors.New("manifest unreachable")); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	got, err := s.LastRun(ctx, "bids", "beps")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if got.Status != RunFailed || got.Error != "manifest unreachable" || got.TriggeredBy != "manual" {
		t.Errorf("run = %+v", got)
	}

	if err := s.FinishRun(ctx, "missing", 0, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishRun(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.LastRun(ctx, "bids", "github"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LastRun(no runs) error = %v, want ErrNotFound", err)
	}
}

func TestRecentRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, c := range []string{"hed", "bids", "hed"} {
		if _, err := s.StartRun(ctx, c, "papers", "manual", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("StartRun: %v", err)
		}
	}
	// A sub-second start must still sort after the whole-second one before it.
	if _, err := s.StartRun(ctx, "hed", "papers", "manual", base.Add(2*time.Minute+500*time.Millisecond)); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	runs, err := s.RecentRuns(ctx, "hed", 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	if !runs[0].StartedAt.Equal(base.Add(2*time.Minute + 500*time.Millisecond)) {
		t.Errorf("newest run started %v", runs[0].StartedAt)
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].StartedAt.After(runs[i-1].StartedAt) {
			t.Errorf("runs not newest first: %v after %v", runs[i].StartedAt, runs[i-1].StartedAt)
		}
	}

	all, err := s.RecentRuns(ctx, "", 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d runs, want limit 2", len(all))
	}
}
