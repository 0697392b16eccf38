package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"clip-collector/internal/domain"
)

// ErrTaskNotFound is returned when neither tier knows the task id.
var ErrTaskNotFound = errors.New("task not found")

// ErrOwnerBusy is returned when an owner already has an active task.
var ErrOwnerBusy = errors.New("owner already has an active task")

// ErrTaskFinished is returned for operations on a terminal task.
var ErrTaskFinished = errors.New("task already finished")

// flushStepPercent bounds durable-tier staleness: progress is flushed to the
// durable store whenever it crosses a multiple of this step.
const flushStepPercent = 5

// entry is the volatile-tier record for one executing task.
type entry struct {
	task    domain.Task
	cancel  context.CancelFunc
	done    chan struct{}
	flushed int
}

// Registry is the dual-tier task store: a volatile map for tasks executing
// in this process and a durable store that survives restarts. The volatile
// tier is authoritative for progress while a task runs; the durable tier is
// updated at a bounded cadence and on every status change.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	durable *DurableStore
}

// NewRegistry creates a registry over the given durable store.
func NewRegistry(durable *DurableStore) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		durable: durable,
	}
}

// CreateIfIdle registers a new pending task in both tiers. For identified
// owners the active-task check and the insert happen under one lock, so two
// concurrent submissions from the same owner admit exactly one.
func (r *Registry) CreateIfIdle(task domain.Task, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.Owner != "" {
		for _, e := range r.entries {
			if e.task.Owner == task.Owner && e.task.Status.IsActive() {
				return fmt.Errorf("owner %s: %w", task.Owner, ErrOwnerBusy)
			}
		}
		active, err := r.durable.ActiveForOwner(task.Owner)
		if err != nil {
			return fmt.Errorf("check active tasks: %w", err)
		}
		if active {
			return fmt.Errorf("owner %s: %w", task.Owner, ErrOwnerBusy)
		}
	}

	if err := r.durable.Save(task); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}

	r.entries[task.ID] = &entry{
		task:   task,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	return nil
}

// Get returns a task snapshot, volatile tier first, durable fallback.
func (r *Registry) Get(id string) (domain.Task, bool) {
	r.mu.RLock()
	if e, ok := r.entries[id]; ok {
		task := e.task
		r.mu.RUnlock()
		return task, true
	}
	r.mu.RUnlock()

	task, found, err := r.durable.Get(id)
	if err != nil || !found {
		return domain.Task{}, false
	}
	return task, true
}

// Done returns a channel closed when the task's execution has unwound, or
// nil when the task is not executing in this process.
func (r *Registry) Done(id string) <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.done
	}
	return nil
}

// Start transitions a pending task to running.
func (r *Registry) Start(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}
	if e.task.Status != domain.TaskStatusPending {
		return fmt.Errorf("invalid transition: %s -> %s", e.task.Status, domain.TaskStatusRunning)
	}

	now := time.Now().UTC()
	e.task.Status = domain.TaskStatusRunning
	e.task.StartedAt = &now
	return r.durable.Save(e.task)
}

// UpdateProgress records a progress update in the volatile tier and flushes
// to the durable tier when the value crosses a flush-step boundary.
// Decreasing updates and updates on terminal tasks are ignored.
func (r *Registry) UpdateProgress(id string, percent int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.task.Status.IsTerminal() {
		return
	}
	if percent < e.task.Progress {
		return
	}
	if percent > 100 {
		percent = 100
	}

	e.task.Progress = percent
	e.task.Message = message

	if percent/flushStepPercent > e.flushed/flushStepPercent {
		e.flushed = percent
		_ = r.durable.Save(e.task)
	}
}

// Finish applies a terminal status, persists it, and evicts the volatile
// entry. When the task was already terminal (optimistic cancel) the earlier
// terminal status wins, so a cancelled task can never become completed.
func (r *Registry) Finish(id string, status domain.TaskStatus, errMsg, artifactPath string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish requires a terminal status, got %s", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}

	if e.task.Status.IsTerminal() {
		status = e.task.Status
		errMsg = e.task.Error
		artifactPath = ""
	} else if e.task.Status == domain.TaskStatusPending && status != domain.TaskStatusCancelled {
		return fmt.Errorf("invalid transition: %s -> %s", e.task.Status, status)
	}

	now := time.Now().UTC()
	e.task.Status = status
	e.task.Error = errMsg
	e.task.CompletedAt = &now
	if status == domain.TaskStatusCompleted {
		e.task.Progress = 100
		e.task.ArtifactPath = artifactPath
	}

	err := r.durable.Save(e.task)

	delete(r.entries, id)
	close(e.done)
	return err
}

// RequestCancel marks a task cancelled optimistically and signals its
// execution context. The background run converges to the same terminal
// state at its next cancellation check.
func (r *Registry) RequestCancel(id, reason string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		if e.task.Status.IsTerminal() {
			r.mu.Unlock()
			return fmt.Errorf("%s: %w", id, ErrTaskFinished)
		}

		e.task.Status = domain.TaskStatusCancelled
		e.task.Error = reason
		e.task.Message = "Cancellation requested"
		_ = r.durable.Save(e.task)
		cancel := e.cancel
		r.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		return nil
	}
	r.mu.Unlock()

	// Not executing here: the record may be an orphan from a previous
	// process. Cancel it durably so the owner is unblocked.
	task, found, err := r.durable.Get(id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("%s: %w", id, ErrTaskFinished)
	}

	now := time.Now().UTC()
	task.Status = domain.TaskStatusCancelled
	task.Error = reason
	task.CompletedAt = &now
	return r.durable.Save(task)
}

// Remove deletes a task from both tiers and returns its last known state.
// A still-executing task is cancelled first.
func (r *Registry) Remove(id string) (domain.Task, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	var task domain.Task
	if ok {
		task = e.task
		if e.cancel != nil {
			e.cancel()
		}
		delete(r.entries, id)
		close(e.done)
	}
	r.mu.Unlock()

	if !ok {
		durableTask, found, err := r.durable.Get(id)
		if err != nil {
			return domain.Task{}, err
		}
		if !found {
			return domain.Task{}, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
		}
		task = durableTask
	}

	if err := r.durable.Delete(id); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// List returns durable tasks, overlaying live volatile state for tasks
// executing in this process.
func (r *Registry) List(owner string) ([]domain.Task, error) {
	tasks, err := r.durable.List(owner)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, task := range tasks {
		if e, ok := r.entries[task.ID]; ok {
			tasks[i] = e.task
		}
	}
	return tasks, nil
}

// ReclaimOrphans cancels durable active records with no volatile entry that
// are older than the grace window, and returns the reclaimed tasks.
func (r *Registry) ReclaimOrphans(grace time.Duration) ([]domain.Task, error) {
	active, err := r.durable.ListActive()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-grace)
	reclaimed := make([]domain.Task, 0)

	for _, task := range active {
		r.mu.RLock()
		_, executing := r.entries[task.ID]
		r.mu.RUnlock()
		if executing || task.CreatedAt.After(cutoff) {
			continue
		}

		now := time.Now().UTC()
		task.Status = domain.TaskStatusCancelled
		task.Error = "interrupted: orchestrator restarted before completion"
		task.Message = "Reclaimed after restart"
		task.CompletedAt = &now
		if err := r.durable.Save(task); err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, task)
	}

	return reclaimed, nil
}
