package tasks

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clip-collector/internal/domain"
)

func mustOpenStore(t *testing.T) *DurableStore {
	t.Helper()
	store, err := OpenDurableStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open durable store: %v", err)
	}
	return store
}

func newTask(id, owner string) domain.Task {
	return domain.Task{
		ID:     id,
		Owner:  owner,
		Status: domain.TaskStatusPending,
		Input: domain.TaskInput{
			SourceURL: "https://videos.example/v/" + id,
			MaxItems:  1,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// TestRegistryOwnerConflict checks the one-active-task-per-owner rule across
// both tiers.
func TestRegistryOwnerConflict(t *testing.T) {
	store := mustOpenStore(t)
	registry := NewRegistry(store)

	if err := registry.CreateIfIdle(newTask("t1", "alice"), func() {}); err != nil {
		t.Fatalf("first create error = %v", err)
	}
	if err := registry.CreateIfIdle(newTask("t2", "alice"), func() {}); !errors.Is(err, ErrOwnerBusy) {
		t.Fatalf("second create error = %v, want ErrOwnerBusy", err)
	}
	if err := registry.CreateIfIdle(newTask("t3", "bob"), func() {}); err != nil {
		t.Fatalf("other owner create error = %v", err)
	}

	// A finished task frees the owner.
	if err := registry.Start("t1"); err != nil {
		t.Fatalf("start error = %v", err)
	}
	if err := registry.Finish("t1", domain.TaskStatusCompleted, "", "/data/t1/result.zip"); err != nil {
		t.Fatalf("finish error = %v", err)
	}
	if err := registry.CreateIfIdle(newTask("t4", "alice"), func() {}); err != nil {
		t.Fatalf("create after finish error = %v", err)
	}
}

// TestRegistryOwnerConflictDurableOnly checks the durable tier alone blocks
// an owner after a restart left an active record behind.
func TestRegistryOwnerConflictDurableOnly(t *testing.T) {
	store := mustOpenStore(t)

	orphan := newTask("t1", "alice")
	orphan.Status = domain.TaskStatusRunning
	if err := store.Save(orphan); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	registry := NewRegistry(store)
	if err := registry.CreateIfIdle(newTask("t2", "alice"), func() {}); !errors.Is(err, ErrOwnerBusy) {
		t.Fatalf("create error = %v, want ErrOwnerBusy", err)
	}
}

// TestRegistryAnonymousUnlimited checks anonymous submissions skip the
// per-owner limit.
func TestRegistryAnonymousUnlimited(t *testing.T) {
	registry := NewRegistry(mustOpenStore(t))

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := registry.CreateIfIdle(newTask(id, ""), func() {}); err != nil {
			t.Fatalf("create %s error = %v", id, err)
		}
	}
}

// TestRegistryConcurrentSubmitsAdmitOne checks the create path is atomic for
// one owner under concurrency.
func TestRegistryConcurrentSubmitsAdmitOne(t *testing.T) {
	registry := NewRegistry(mustOpenStore(t))

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = registry.CreateIfIdle(newTask(string(rune('a'+i)), "alice"), func() {})
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, err := range errs {
		if err == nil {
			admitted++
		} else if !errors.Is(err, ErrOwnerBusy) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted != 1 {
		t.Fatalf("admitted = %d, want 1", admitted)
	}
}

// TestRegistryGetDurableFallback checks a finished task stays readable after
// its volatile entry is evicted.
func TestRegistryGetDurableFallback(t *testing.T) {
	registry := NewRegistry(mustOpenStore(t))

	if err := registry.CreateIfIdle(newTask("t1", "alice"), func() {}); err != nil {
		t.Fatalf("create error = %v", err)
	}
	if err := registry.Start("t1"); err != nil {
		t.Fatalf("start error = %v", err)
	}
	if err := registry.Finish("t1", domain.TaskStatusCompleted, "", "/data/t1/result.zip"); err != nil {
		t.Fatalf("finish error = %v", err)
	}

	task, ok := registry.Get("t1")
	if !ok {
		t.Fatal("task not found after finish")
	}
	if task.Status != domain.TaskStatusCompleted || task.Progress != 100 {
		t.Fatalf("task = %+v, want completed at 100", task)
	}
	if task.ArtifactPath != "/data/t1/result.zip" {
		t.Fatalf("artifact path = %q", task.ArtifactPath)
	}
	if task.CompletedAt == nil {
		t.Fatal("completedAt not set")
	}
}

// TestRegistryProgressFlushCadence checks the durable tier is written on
// step crossings only, while the volatile tier always has the latest value.
func TestRegistryProgressFlushCadence(t *testing.T) {
	store := mustOpenStore(t)
	registry := NewRegistry(store)

	if err := registry.CreateIfIdle(newTask("t1", ""), func() {}); err != nil {
		t.Fatalf("create error = %v", err)
	}
	if err := registry.Start("t1"); err != nil {
		t.Fatalf("start error = %v", err)
	}

	registry.UpdateProgress("t1", 2, "warming up")
	durable, _, _ := store.Get("t1")
	if durable.Progress != 0 {
		t.Fatalf("durable progress = %d after sub-step update, want 0", durable.Progress)
	}
	live, _ := registry.Get("t1")
	if live.Progress != 2 {
		t.Fatalf("volatile progress = %d, want 2", live.Progress)
	}

	registry.UpdateProgress("t1", 7, "fetching")
	durable, _, _ = store.Get("t1")
	if durable.Progress != 7 {
		t.Fatalf("durable progress = %d after step crossing, want 7", durable.Progress)
	}

	// Decreasing updates are ignored.
	registry.UpdateProgress("t1", 3, "stale")
	live, _ = registry.Get("t1")
	if live.Progress != 7 {
		t.Fatalf("volatile progress = %d after stale update, want 7", live.Progress)
	}

	// Values above 100 are clamped.
	registry.UpdateProgress("t1", 130, "overshoot")
	live, _ = registry.Get("t1")
	if live.Progress != 100 {
		t.Fatalf("volatile progress = %d, want clamped to 100", live.Progress)
	}
}

// TestRegistryCancelWinsOverComplete checks the earlier terminal status is
// kept when the background run finishes after a cancel.
func TestRegistryCancelWinsOverComplete(t *testing.T) {
	registry := NewRegistry(mustOpenStore(t))

	cancelled := false
	if err := registry.CreateIfIdle(newTask("t1", "alice"), func() { cancelled = true }); err != nil {
		t.Fatalf("create error = %v", err)
	}
	if err := registry.Start("t1"); err != nil {
		t.Fatalf("start error = %v", err)
	}

	if err := registry.RequestCancel("t1", "cancelled by user"); err != nil {
		t.Fatalf("cancel error = %v", err)
	}
	if !cancelled {
		t.Fatal("cancel func not invoked")
	}

	// The run goroutine races in with a completion.
	if err := registry.Finish("t1", domain.TaskStatusCompleted, "", "/data/t1/result.zip"); err != nil {
		t.Fatalf("finish error = %v", err)
	}

	task, ok := registry.Get("t1")
	if !ok {
		t.Fatal("task not found")
	}
	if task.Status != domain.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", task.Status)
	}
	if task.ArtifactPath != "" {
		t.Fatalf("artifact path = %q, want empty for cancelled task", task.ArtifactPath)
	}
}

// TestRegistryCancelTerminalFails checks cancelling a finished task errors.
func TestRegistryCancelTerminalFails(t *testing.T) {
	registry := NewRegistry(mustOpenStore(t))

	if err := registry.CreateIfIdle(newTask("t1", ""), func() {}); err != nil {
		t.Fatalf("create error = %v", err)
	}
	if err := registry.Start("t1"); err != nil {
		t.Fatalf("start error = %v", err)
	}
	if err := registry.Finish("t1", domain.TaskStatusFailed, "boom", ""); err != nil {
		t.Fatalf("finish error = %v", err)
	}

	if err := registry.RequestCancel("t1", "late"); !errors.Is(err, ErrTaskFinished) {
		t.Fatalf("cancel error = %v, want ErrTaskFinished", err)
	}
}

// TestRegistryCancelOrphan checks a durable-only active record can be
// cancelled to unblock its owner.
func TestRegistryCancelOrphan(t *testing.T) {
	store := mustOpenStore(t)

	orphan := newTask("t1", "alice")
	orphan.Status = domain.TaskStatusRunning
	if err := store.Save(orphan); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}

	registry := NewRegistry(store)
	if err := registry.RequestCancel("t1", "cancelled by user"); err != nil {
		t.Fatalf("cancel error = %v", err)
	}

	task, _, err := store.Get("t1")
	if err != nil {
		t.Fatalf("get error = %v", err)
	}
	if task.Status != domain.TaskStatusCancelled || task.CompletedAt == nil {
		t.Fatalf("task = %+v, want cancelled with completion time", task)
	}

	if err := registry.CreateIfIdle(newTask("t2", "alice"), func() {}); err != nil {
		t.Fatalf("owner still blocked: %v", err)
	}
}

// TestRegistryRemove checks removal from both tiers and the cancel side
// effect on a live task.
func TestRegistryRemove(t *testing.T) {
	registry := NewRegistry(mustOpenStore(t))

	cancelled := false
	task := newTask("t1", "alice")
	task.WorkingDir = "/data/tasks/t1"
	if err := registry.CreateIfIdle(task, func() { cancelled = true }); err != nil {
		t.Fatalf("create error = %v", err)
	}

	removed, err := registry.Remove("t1")
	if err != nil {
		t.Fatalf("remove error = %v", err)
	}
	if !cancelled {
		t.Fatal("live task not cancelled on remove")
	}
	if removed.WorkingDir != "/data/tasks/t1" {
		t.Fatalf("working dir = %q", removed.WorkingDir)
	}

	if _, ok := registry.Get("t1"); ok {
		t.Fatal("task still readable after remove")
	}
	if _, err := registry.Remove("t1"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("second remove error = %v, want ErrTaskNotFound", err)
	}
}

// TestRegistryListOverlay checks listing merges live volatile state over the
// durable rows.
func TestRegistryListOverlay(t *testing.T) {
	registry := NewRegistry(mustOpenStore(t))

	if err := registry.CreateIfIdle(newTask("t1", "alice"), func() {}); err != nil {
		t.Fatalf("create error = %v", err)
	}
	if err := registry.Start("t1"); err != nil {
		t.Fatalf("start error = %v", err)
	}
	registry.UpdateProgress("t1", 3, "fetching")

	tasks, err := registry.List("alice")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	if tasks[0].Progress != 3 {
		t.Fatalf("listed progress = %d, want live value 3", tasks[0].Progress)
	}

	other, err := registry.List("bob")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("bob tasks = %d, want 0", len(other))
	}
}

// TestRegistryReclaimOrphans checks stale durable records are cancelled
// while executing and young records are left alone.
func TestRegistryReclaimOrphans(t *testing.T) {
	store := mustOpenStore(t)
	registry := NewRegistry(store)

	stale := newTask("stale", "alice")
	stale.Status = domain.TaskStatusRunning
	stale.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	if err := store.Save(stale); err != nil {
		t.Fatalf("seed stale: %v", err)
	}

	young := newTask("young", "bob")
	young.Status = domain.TaskStatusRunning
	if err := store.Save(young); err != nil {
		t.Fatalf("seed young: %v", err)
	}

	executing := newTask("live", "carol")
	executing.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	if err := registry.CreateIfIdle(executing, func() {}); err != nil {
		t.Fatalf("create live: %v", err)
	}

	reclaimed, err := registry.ReclaimOrphans(30 * time.Minute)
	if err != nil {
		t.Fatalf("reclaim error = %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != "stale" {
		t.Fatalf("reclaimed = %+v, want just the stale record", reclaimed)
	}

	got, _, _ := store.Get("stale")
	if got.Status != domain.TaskStatusCancelled {
		t.Fatalf("stale status = %s, want cancelled", got.Status)
	}
	if got.Error == "" {
		t.Fatal("stale record has no interruption error")
	}

	gotYoung, _, _ := store.Get("young")
	if gotYoung.Status != domain.TaskStatusRunning {
		t.Fatalf("young status = %s, want untouched", gotYoung.Status)
	}

	gotLive, _ := registry.Get("live")
	if gotLive.Status != domain.TaskStatusPending {
		t.Fatalf("live status = %s, want untouched", gotLive.Status)
	}
}

// TestRegistryFinishRejectsNonTerminal checks the transition guard.
func TestRegistryFinishRejectsNonTerminal(t *testing.T) {
	registry := NewRegistry(mustOpenStore(t))

	if err := registry.CreateIfIdle(newTask("t1", ""), func() {}); err != nil {
		t.Fatalf("create error = %v", err)
	}
	if err := registry.Finish("t1", domain.TaskStatusRunning, "", ""); err == nil {
		t.Fatal("expected error for non-terminal finish")
	}
	if err := registry.Finish("t1", domain.TaskStatusCompleted, "", ""); err == nil {
		t.Fatal("expected error for pending -> completed")
	}
	if err := registry.Finish("t1", domain.TaskStatusCancelled, "", ""); err != nil {
		t.Fatalf("pending -> cancelled error = %v", err)
	}
}
