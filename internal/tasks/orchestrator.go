package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"clip-collector/internal/collect"
	"clip-collector/internal/domain"
)

// ErrInvalidSource is returned for malformed source references.
var ErrInvalidSource = errors.New("invalid source URL")

// ErrForbidden is returned when a requester does not own the task.
var ErrForbidden = errors.New("requester does not own this task")

// ErrArtifactNotReady is returned for downloads of unfinished tasks.
var ErrArtifactNotReady = errors.New("task has not completed")

// ErrArtifactMissing is returned when a completed record has no archive on
// disk (store/record divergence).
var ErrArtifactMissing = errors.New("artifact file is missing")

// Runner isolates the collection pipeline behind an interface.
type Runner interface {
	Run(ctx context.Context, req collect.Request) (collect.Result, error)
}

// Orchestrator drives tasks through the pipeline: it creates them, runs
// them on background goroutines, relays progress into the registry, and
// reconciles terminal state on every exit path.
type Orchestrator struct {
	registry  *Registry
	runner    Runner
	events    *EventBus
	reclaimer *Reclaimer
	tasksDir  string
	language  string
}

// NewOrchestrator wires the orchestrator over its collaborators.
// reclaimer may be nil; when set, Submit sweeps orphans before the
// owner-conflict check so a crash never blocks an owner past the grace
// window.
func NewOrchestrator(registry *Registry, runner Runner, events *EventBus, reclaimer *Reclaimer, tasksDir, language string) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		runner:    runner,
		events:    events,
		reclaimer: reclaimer,
		tasksDir:  tasksDir,
		language:  language,
	}
}

// Submit validates the request, creates a pending task in both registry
// tiers, and schedules the pipeline run. Returns immediately.
func (o *Orchestrator) Submit(owner string, input domain.TaskInput) (domain.Task, error) {
	if err := validateSource(input.SourceURL); err != nil {
		return domain.Task{}, err
	}
	if input.MaxItems <= 0 {
		input.MaxItems = 1
	}
	if input.Language == "" {
		input.Language = o.language
	}

	if o.reclaimer != nil {
		o.reclaimer.Sweep()
	}

	id := uuid.NewString()
	workDir := filepath.Join(o.tasksDir, id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return domain.Task{}, fmt.Errorf("create working directory: %w", err)
	}

	task := domain.Task{
		ID:         id,
		Owner:      owner,
		Status:     domain.TaskStatusPending,
		Message:    "Task queued",
		Input:      input,
		WorkingDir: workDir,
		CreatedAt:  time.Now().UTC(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := o.registry.CreateIfIdle(task, cancel); err != nil {
		cancel()
		_ = os.RemoveAll(workDir)
		return domain.Task{}, err
	}

	o.publishStatus(id, domain.TaskStatusPending, "Task queued")
	go o.run(ctx, task)
	return task, nil
}

// Status returns the latest known state for a task.
func (o *Orchestrator) Status(id string) (domain.Task, error) {
	task, ok := o.registry.Get(id)
	if !ok {
		return domain.Task{}, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}
	return task, nil
}

// Cancel requests cooperative cancellation. Anonymous tasks are cancellable
// by anyone; owned tasks only by their owner.
func (o *Orchestrator) Cancel(id, requester string) error {
	task, ok := o.registry.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}
	if task.Owner != "" && requester != task.Owner {
		return fmt.Errorf("task %s: %w", id, ErrForbidden)
	}

	if err := o.registry.RequestCancel(id, "cancelled by user"); err != nil {
		return err
	}
	o.publishStatus(id, domain.TaskStatusCancelled, "Cancellation requested")
	return nil
}

// Delete removes the task from both tiers along with its working directory
// and any packaged artifact.
func (o *Orchestrator) Delete(id string) error {
	task, err := o.registry.Remove(id)
	if err != nil {
		return err
	}
	if task.WorkingDir != "" {
		_ = os.RemoveAll(task.WorkingDir)
	}
	return nil
}

// List returns tasks, optionally scoped to one owner.
func (o *Orchestrator) List(owner string) ([]domain.Task, error) {
	return o.registry.List(owner)
}

// ArtifactPath returns the archive path for a completed task.
func (o *Orchestrator) ArtifactPath(id string) (string, error) {
	task, ok := o.registry.Get(id)
	if !ok {
		return "", fmt.Errorf("%s: %w", id, ErrTaskNotFound)
	}
	if task.Status != domain.TaskStatusCompleted {
		return "", fmt.Errorf("task %s is %s: %w", id, task.Status, ErrArtifactNotReady)
	}
	if task.ArtifactPath == "" {
		return "", fmt.Errorf("task %s: %w", id, ErrArtifactMissing)
	}
	if _, err := os.Stat(task.ArtifactPath); err != nil {
		return "", fmt.Errorf("task %s: %w", id, ErrArtifactMissing)
	}
	return task.ArtifactPath, nil
}

// Events returns run events with sequence greater than sinceSeq.
func (o *Orchestrator) Events(sinceSeq int64) []Event {
	return o.events.Since(sinceSeq)
}

// run executes the pipeline for one task and reconciles terminal state.
// Every exit path, including a panic inside a stage, reaches a durable
// terminal write; the deferred guard is the last line of defense before
// the Reclaimer.
func (o *Orchestrator) run(ctx context.Context, task domain.Task) {
	defer func() {
		if rec := recover(); rec != nil {
			o.finish(task.ID, domain.TaskStatusFailed, fmt.Sprintf("internal error: %v", rec), "")
		}
	}()

	if err := o.registry.Start(task.ID); err != nil {
		// Cancelled while still pending; converge and unwind.
		o.finish(task.ID, domain.TaskStatusCancelled, "", "")
		return
	}
	o.publishStatus(task.ID, domain.TaskStatusRunning, "Pipeline started")

	req := collect.Request{
		SourceURL: task.Input.SourceURL,
		MaxItems:  task.Input.MaxItems,
		Language:  task.Input.Language,
		WorkDir:   task.WorkingDir,
		OnProgress: func(percent int, message string) {
			o.registry.UpdateProgress(task.ID, percent, message)
			o.events.Publish(Event{
				TaskID:  task.ID,
				Type:    EventTypeProgress,
				Percent: percent,
				Message: message,
			})
		},
		OnDrop: func(item, reason string) {
			o.events.Publish(Event{
				TaskID:  task.ID,
				Type:    EventTypeDrop,
				Message: fmt.Sprintf("dropped %s: %s", item, reason),
			})
		},
		Check: func() bool {
			return ctx.Err() != nil
		},
	}

	result, err := o.runner.Run(ctx, req)
	if err != nil {
		if errors.Is(err, collect.ErrCancelled) || errors.Is(err, context.Canceled) {
			o.finish(task.ID, domain.TaskStatusCancelled, "", "")
			return
		}

		o.finish(task.ID, domain.TaskStatusFailed, err.Error(), "")
		o.events.Publish(Event{
			TaskID:  task.ID,
			Type:    EventTypeError,
			Status:  domain.TaskStatusFailed,
			Message: err.Error(),
		})
		return
	}

	o.finish(task.ID, domain.TaskStatusCompleted, "", result.ArchivePath)
}

// finish writes the terminal state and publishes the final status event.
func (o *Orchestrator) finish(id string, status domain.TaskStatus, errMsg, artifactPath string) {
	_ = o.registry.Finish(id, status, errMsg, artifactPath)
	if task, ok := o.registry.Get(id); ok {
		status = task.Status
	}
	o.publishStatus(id, status, "Task "+string(status))
}

// publishStatus sends a normalized status event.
func (o *Orchestrator) publishStatus(id string, status domain.TaskStatus, message string) {
	o.events.Publish(Event{
		TaskID:  id,
		Type:    EventTypeStatus,
		Status:  status,
		Message: message,
	})
}

// validateSource accepts http(s) URLs with a host.
func validateSource(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("source URL is required: %w", ErrInvalidSource)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("%s: %w", trimmed, ErrInvalidSource)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: %w", trimmed, ErrInvalidSource)
	}
	return nil
}
