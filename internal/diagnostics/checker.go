package diagnostics

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"clip-collector/internal/domain"
)

// Checker validates external tools and required filesystem paths.
type Checker struct {
	lookPath   func(string) (string, error)
	stat       func(string) (os.FileInfo, error)
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker() *Checker {
	return &Checker{
		lookPath:   exec.LookPath,
		stat:       os.Stat,
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
	}
}

// Run executes all startup checks and returns a combined report.
func (c *Checker) Run(settings domain.Settings) domain.DiagnosticReport {
	items := []domain.DiagnosticItem{
		c.checkTool("fetcher", settings.FetcherPath),
		c.checkTool("ffmpeg", settings.FFmpegPath),
		c.checkTool("ffprobe", settings.FFprobePath),
		c.checkTool("transcriber", settings.TranscriberPath),
		c.checkTool("clusterer", settings.ClustererPath),
		c.checkDataDir(settings.DataDir),
	}

	hasFailures := false
	for _, item := range items {
		if item.Status == domain.DiagnosticStatusFail {
			hasFailures = true
			break
		}
	}

	return domain.DiagnosticReport{
		GeneratedAt: time.Now().UTC(),
		HasFailures: hasFailures,
		Items:       items,
	}
}

// checkTool verifies a required CLI executable resolves to a runnable path.
// Bare names are resolved via PATH; explicit paths are stat-checked.
func (c *Checker) checkTool(id, toolPath string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "tool_" + id,
		Name: id,
	}

	if strings.TrimSpace(toolPath) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("No executable configured for %s", id)
		item.Hint = "Set the tool path in settings."
		return item
	}

	if strings.ContainsRune(toolPath, os.PathSeparator) {
		info, err := c.stat(toolPath)
		if err != nil || info.IsDir() {
			item.Status = domain.DiagnosticStatusFail
			item.Message = fmt.Sprintf("Executable not found: %s", toolPath)
			item.Hint = "Install it and update the configured path before submitting tasks."
			return item
		}

		item.Status = domain.DiagnosticStatusPass
		item.Message = fmt.Sprintf("Found at %s", toolPath)
		return item
	}

	resolved, err := c.lookPath(toolPath)
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Tool not found in PATH: %s", toolPath)
		item.Hint = "Install it and ensure the binary is available on PATH before submitting tasks."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Found at %s", resolved)
	return item
}

// checkDataDir validates the data directory exists and is writable. Task
// working directories and the task database live under it.
func (c *Checker) checkDataDir(dataDir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "data_dir",
		Name: "Data directory",
	}

	if strings.TrimSpace(dataDir) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Data directory is empty."
		item.Hint = "Set a data directory where task state and artifacts can be written."
		return item
	}

	if err := c.mkdirAll(filepath.Join(dataDir, "tasks"), 0o755); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot create data directory: %s", dataDir)
		item.Hint = "Choose a writable location or adjust filesystem permissions."
		return item
	}

	tmpFile, err := c.createTemp(dataDir, ".write-check-*")
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Data directory is not writable: %s", dataDir)
		item.Hint = "Choose a writable directory for task state."
		return item
	}

	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	_ = c.remove(tmpPath)

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Writable directory: %s", dataDir)
	return item
}

// NewCheckerForTests creates checker with injectable dependencies.
func NewCheckerForTests(
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	mkdirAll func(string, os.FileMode) error,
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
) *Checker {
	return &Checker{
		lookPath:   lookPath,
		stat:       stat,
		mkdirAll:   mkdirAll,
		createTemp: createTemp,
		remove:     remove,
	}
}

// IsNotExist reports whether error represents file-not-found.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
