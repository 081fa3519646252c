package queue

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStorage(t *testing.T) *BoltStorage {
	t.Helper()

	storage, err := NewBoltStorage(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAdapter(t *testing.T) (*Adapter, *BoltStorage) {
	t.Helper()
	storage := setupTestStorage(t)
	return NewAdapter(storage, AdapterConfig{MaxAttempts: 3}, testLogger()), storage
}

func TestEnqueueDequeue(t *testing.T) {
	adapter, storage := testAdapter(t)
	ctx := context.Background()

	job, err := adapter.Enqueue(ctx, "camp-1", "owner-1", 0, 0)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if job.Status != StatusWaiting {
		t.Errorf("expected waiting, got %s", job.Status)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("expected max attempts 3, got %d", job.MaxAttempts)
	}

	got, err := storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if got == nil || got.ID != job.ID {
		t.Fatalf("expected job %s, got %+v", job.ID, got)
	}
	if got.Status != StatusActive {
		t.Errorf("expected active, got %s", got.Status)
	}

	// Queue is now empty.
	got, err = storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if got != nil {
		t.Errorf("expected empty queue, got %+v", got)
	}
}

func TestDequeuePriorityOrder(t *testing.T) {
	adapter, storage := testAdapter(t)
	ctx := context.Background()

	low, _ := adapter.Enqueue(ctx, "camp-low", "owner-1", 0, 1)
	high, _ := adapter.Enqueue(ctx, "camp-high", "owner-1", 0, 9)

	first, err := storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if first.ID != high.ID {
		t.Errorf("expected high priority job first, got %s", first.CampaignID)
	}

	second, _ := storage.Dequeue(ctx)
	if second.ID != low.ID {
		t.Errorf("expected low priority job second, got %s", second.CampaignID)
	}
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	adapter, storage := testAdapter(t)
	ctx := context.Background()

	first, _ := adapter.Enqueue(ctx, "camp-1", "owner-1", 0, 5)
	time.Sleep(2 * time.Millisecond)
	if _, err := adapter.Enqueue(ctx, "camp-2", "owner-1", 0, 5); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	got, _ := storage.Dequeue(ctx)
	if got.ID != first.ID {
		t.Errorf("expected FIFO within one priority, got %s", got.CampaignID)
	}
}

func TestDelayedNotDueStaysQueued(t *testing.T) {
	adapter, storage := testAdapter(t)
	ctx := context.Background()

	job, err := adapter.Enqueue(ctx, "camp-1", "owner-1", time.Hour, 0)
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if job.Status != StatusDelayed {
		t.Errorf("expected delayed, got %s", job.Status)
	}

	got, err := storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if got != nil {
		t.Errorf("future job must not dequeue, got %+v", got)
	}
}

func TestDelayedDueRunsBeforeWaiting(t *testing.T) {
	adapter, storage := testAdapter(t)
	ctx := context.Background()

	waiting, _ := adapter.Enqueue(ctx, "camp-waiting", "owner-1", 0, 9)
	due, _ := adapter.Enqueue(ctx, "camp-due", "owner-1", time.Millisecond, 0)
	time.Sleep(5 * time.Millisecond)

	first, err := storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if first.ID != due.ID {
		t.Errorf("expected due delayed job first, got %s", first.CampaignID)
	}

	second, _ := storage.Dequeue(ctx)
	if second.ID != waiting.ID {
		t.Errorf("expected waiting job second, got %s", second.CampaignID)
	}
}

func TestScheduleRejectsPast(t *testing.T) {
	adapter, _ := testAdapter(t)

	_, err := adapter.Schedule(context.Background(), "camp-1", "owner-1", time.Now().Add(-time.Minute), 0)
	if err != ErrPastSchedule {
		t.Errorf("expected ErrPastSchedule, got %v", err)
	}
}

func TestCancelOnlyQueuedJobs(t *testing.T) {
	adapter, storage := testAdapter(t)
	ctx := context.Background()

	if _, err := adapter.Enqueue(ctx, "camp-1", "owner-1", time.Hour, 0); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	removed, err := adapter.Cancel(ctx, "camp-1")
	if err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}
	if !removed {
		t.Fatal("expected delayed job to be cancelled")
	}

	// An active job cannot be cancelled.
	if _, err := adapter.Enqueue(ctx, "camp-2", "owner-1", 0, 0); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := storage.Dequeue(ctx); err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}

	removed, err = adapter.Cancel(ctx, "camp-2")
	if err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}
	if removed {
		t.Error("active job must not be cancellable")
	}

	// Cancelling an unknown campaign is a no-op.
	removed, _ = adapter.Cancel(ctx, "nope")
	if removed {
		t.Error("expected no-op for unknown campaign")
	}
}

func TestStats(t *testing.T) {
	adapter, storage := testAdapter(t)
	ctx := context.Background()

	adapter.Enqueue(ctx, "camp-1", "owner-1", 0, 0)
	adapter.Enqueue(ctx, "camp-2", "owner-1", time.Hour, 0)

	active, _ := storage.Dequeue(ctx)
	if active == nil {
		t.Fatal("expected a job")
	}

	failed, _ := adapter.Enqueue(ctx, "camp-3", "owner-1", 0, 0)
	failed.Status = StatusFailed
	if err := storage.Update(ctx, failed); err != nil {
		t.Fatalf("failed to update: %v", err)
	}

	stats, err := adapter.Stats(ctx)
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats.Active != 1 || stats.Delayed != 1 || stats.Failed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.Total != 3 {
		t.Errorf("expected total 3, got %d", stats.Total)
	}
}

func TestSweepRemovesOldTerminalJobs(t *testing.T) {
	adapter, storage := testAdapter(t)
	ctx := context.Background()

	old, _ := adapter.Enqueue(ctx, "camp-old", "owner-1", 0, 0)
	old.Status = StatusCompleted
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)
	storage.Update(ctx, old)

	fresh, _ := adapter.Enqueue(ctx, "camp-fresh", "owner-1", 0, 0)
	fresh.Status = StatusCompleted
	fresh.UpdatedAt = time.Now()
	storage.Update(ctx, fresh)

	n, err := adapter.Sweep(ctx, 24*time.Hour, 24*time.Hour)
	if err != nil {
		t.Fatalf("failed to sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept, got %d", n)
	}

	if job, _ := storage.Get(ctx, old.ID); job != nil {
		t.Error("expected old job removed")
	}
	if job, _ := storage.Get(ctx, fresh.ID); job == nil {
		t.Error("expected fresh job kept")
	}
}

func TestDeferReindexesJob(t *testing.T) {
	adapter, storage := testAdapter(t)
	ctx := context.Background()

	job, _ := adapter.Enqueue(ctx, "camp-1", "owner-1", 0, 0)
	active, _ := storage.Dequeue(ctx)
	if active == nil || active.ID != job.ID {
		t.Fatal("expected to claim job")
	}

	active.Attempts = 1
	active.RunAt = time.Now().Add(time.Millisecond)
	if err := storage.Defer(ctx, active); err != nil {
		t.Fatalf("failed to defer: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	again, err := storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if again == nil || again.ID != job.ID {
		t.Fatal("expected deferred job to come back")
	}
	if again.Attempts != 1 {
		t.Errorf("expected attempts preserved, got %d", again.Attempts)
	}
}
