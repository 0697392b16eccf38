package bootstrap

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"clip-collector/internal/api"
	"clip-collector/internal/collect"
	"clip-collector/internal/config"
	"clip-collector/internal/diagnostics"
	"clip-collector/internal/domain"
	"clip-collector/internal/tasks"
)

// App wires configuration, the task registry, the pipeline, and the HTTP
// surface into one runnable service.
type App struct {
	Settings    domain.Settings
	Store       config.Store
	Registry    *tasks.Registry
	Diagnostics domain.DiagnosticReport

	server    *api.Server
	reclaimer *tasks.Reclaimer
}

// New builds the service with persisted settings and startup diagnostics.
func New() (*App, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve user home: %w", err)
	}

	return NewWithStore(config.NewJSONStore(filepath.Join(homeDir, ".clip-collector", "settings.json")))
}

// NewWithStore builds the service over an explicit settings store.
func NewWithStore(store config.Store) (*App, error) {
	settings, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	applyEnvOverrides(&settings)

	checker := diagnostics.NewChecker()
	report := checker.Run(settings)
	if report.HasFailures {
		for _, item := range report.Items {
			if item.Status == domain.DiagnosticStatusFail {
				log.Printf("diagnostic %s failed: %s", item.ID, item.Message)
			}
		}
	}

	tasksDir := filepath.Join(settings.DataDir, "tasks")
	if err := os.MkdirAll(tasksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks directory: %w", err)
	}

	durable, err := tasks.OpenDurableStore(filepath.Join(settings.DataDir, "tasks.db"))
	if err != nil {
		return nil, err
	}

	registry := tasks.NewRegistry(durable)
	events := tasks.NewEventBus(1000)
	reclaimer := tasks.NewReclaimer(
		registry,
		events,
		time.Duration(settings.GraceMinutes)*time.Minute,
		time.Duration(settings.SweepMinutes)*time.Minute,
	)

	pipeline := collect.NewPipeline(settings)
	orchestrator := tasks.NewOrchestrator(registry, pipeline, events, reclaimer, tasksDir, settings.Language)
	server := api.NewServer(orchestrator, checker, settings)

	return &App{
		Settings:    settings,
		Store:       store,
		Registry:    registry,
		Diagnostics: report,
		server:      server,
		reclaimer:   reclaimer,
	}, nil
}

// applyEnvOverrides lets deployments override the listen address and data
// directory without editing the settings file.
func applyEnvOverrides(settings *domain.Settings) {
	if addr := os.Getenv("CLIP_COLLECTOR_ADDR"); addr != "" {
		settings.ListenAddr = addr
	}
	if dataDir := os.Getenv("CLIP_COLLECTOR_DATA_DIR"); dataDir != "" {
		settings.DataDir = dataDir
	}
}

// Run starts orphan reclamation and serves HTTP until the listener stops.
func (a *App) Run() error {
	a.reclaimer.Start()
	defer a.reclaimer.Stop()

	log.Printf("listening on %s", a.Settings.ListenAddr)
	return a.server.ListenAndServe()
}

// Shutdown stops the reclaimer and drains in-flight HTTP requests.
func (a *App) Shutdown(ctx context.Context) error {
	a.reclaimer.Stop()
	return a.server.Shutdown(ctx)
}
