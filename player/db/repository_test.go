package db

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/vibetune/OpenTune-Go/player"
	logpkg "github.com/vibetune/OpenTune-Go/player/logger"
	"gorm.io/gorm/logger"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	file, err := os.CreateTemp("", "opentune-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	path := file.Name()
	_ = file.Close()
	t.Cleanup(func() { os.Remove(path) })

	base := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	gormLogger := logpkg.NewGormLogger(base, logger.Silent, 0)

	repo, err := NewSQLiteRepository(path, gormLogger)
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestHistoryEventsCRUD(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	count, err := repo.CountEvents(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatal("expected empty db")
	}

	for i, kind := range []string{player.EventQueueSet, player.EventPlay, player.EventPlay} {
		event := &player.PlayEvent{
			Kind:    kind,
			TrackID: "t1",
			Title:   "Title",
			Artist:  "Artist",
			Source:  "youtube",
		}
		if err := repo.RecordEvent(ctx, event); err != nil {
			t.Fatalf("record event %d: %v", i, err)
		}
		if event.ID == 0 {
			t.Fatal("expected event id backfilled")
		}
	}

	events, err := repo.RecentEvents(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	// Newest first.
	if events[0].ID <= events[1].ID {
		t.Errorf("expected descending order, got ids %d, %d", events[0].ID, events[1].ID)
	}

	if err := repo.RecordEvent(ctx, nil); err == nil {
		t.Error("expected error for nil event")
	}
}

func TestPruneEventsKeepsNewest(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		event := &player.PlayEvent{Kind: player.EventPlay, TrackID: "t"}
		if err := repo.RecordEvent(ctx, event); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	if err := repo.PruneEventsBefore(ctx, 2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	count, err := repo.CountEvents(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 events kept, got %d", count)
	}

	// Keep larger than the table and keep<=0 are both no-ops.
	if err := repo.PruneEventsBefore(ctx, 100); err != nil {
		t.Fatalf("prune beyond table: %v", err)
	}
	if err := repo.PruneEventsBefore(ctx, 0); err != nil {
		t.Fatalf("prune zero: %v", err)
	}
	count, _ = repo.CountEvents(ctx)
	if count != 2 {
		t.Fatalf("expected 2 events after no-op prunes, got %d", count)
	}
}

func TestOfflineEntriesCRUD(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	missing, err := repo.FindOfflineEntry(ctx, "absent")
	if err != nil {
		t.Fatalf("find absent: %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for absent entry")
	}

	entry := &player.OfflineEntry{
		TrackID:      "t1",
		Title:        "Title",
		Artist:       "Artist",
		Duration:     180,
		SizeBytes:    1024,
		DownloadedAt: time.Now(),
	}
	if err := repo.CreateOfflineEntry(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}
	if entry.ID == 0 {
		t.Fatal("expected id backfilled")
	}

	// Re-downloading the same track upserts instead of duplicating.
	entry2 := &player.OfflineEntry{TrackID: "t1", Title: "Title v2", SizeBytes: 2048}
	if err := repo.CreateOfflineEntry(ctx, entry2); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	loaded, err := repo.FindOfflineEntry(ctx, "t1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if loaded == nil || loaded.Title != "Title v2" || loaded.SizeBytes != 2048 {
		t.Fatalf("unexpected entry after upsert: %+v", loaded)
	}

	if err := repo.CreateOfflineEntry(ctx, &player.OfflineEntry{TrackID: "t2", SizeBytes: 100}); err != nil {
		t.Fatalf("create second: %v", err)
	}

	total, err := repo.OfflineTotalSize(ctx)
	if err != nil {
		t.Fatalf("total size: %v", err)
	}
	if total != 2148 {
		t.Fatalf("expected total 2148, got %d", total)
	}

	entries, err := repo.ListOfflineEntries(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	if err := repo.DeleteOfflineEntry(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	loaded, _ = repo.FindOfflineEntry(ctx, "t1")
	if loaded != nil {
		t.Fatal("expected entry gone after delete")
	}

	if err := repo.ClearOfflineEntries(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	total, _ = repo.OfflineTotalSize(ctx)
	if total != 0 {
		t.Fatalf("expected empty store, total %d", total)
	}

	if err := repo.CreateOfflineEntry(ctx, &player.OfflineEntry{}); err == nil {
		t.Error("expected error for entry without track id")
	}
}

func TestInstanceRecordsCRUD(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	record := &player.InstanceRecord{
		URL:    "https://pipedapi.example.org",
		Name:   "example",
		Region: "EU",
		LastResult: &player.InstanceTestResult{
			Success:   true,
			LatencyMs: 42,
			TestedAt:  time.Now(),
		},
	}
	if err := repo.UpsertInstance(ctx, record); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Second write for the same URL overwrites.
	record.Region = "US"
	record.IsPreferred = true
	if err := repo.UpsertInstance(ctx, record); err != nil {
		t.Fatalf("upsert update: %v", err)
	}

	records, err := repo.ListInstances(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.Region != "US" || !got.IsPreferred {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.LastResult == nil || !got.LastResult.Success || got.LastResult.LatencyMs != 42 {
		t.Fatalf("expected test result persisted, got %+v", got.LastResult)
	}

	if err := repo.DeleteInstance(ctx, record.URL); err != nil {
		t.Fatalf("delete: %v", err)
	}
	records, _ = repo.ListInstances(ctx)
	if len(records) != 0 {
		t.Fatal("expected record gone after delete")
	}

	if err := repo.UpsertInstance(ctx, &player.InstanceRecord{}); err == nil {
		t.Error("expected error for record without url")
	}
}

func TestConfigurePool(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.ConfigurePool(2, 2, time.Minute); err != nil {
		t.Fatalf("configure pool: %v", err)
	}

	var nilRepo *Repository
	if err := nilRepo.ConfigurePool(1, 1, 0); err == nil {
		t.Fatal("expected error on nil repository")
	}
	if err := nilRepo.Close(); err != nil {
		t.Fatalf("close on nil repository must be a no-op: %v", err)
	}
}
