package domain

import "time"

// TaskStatus tracks the lifecycle of one collection run.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether a status permits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether a task counts against the one-per-owner limit.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusRunning
}

// TaskInput carries the caller-supplied source reference and run parameters.
type TaskInput struct {
	SourceURL string `json:"sourceUrl"`
	MaxItems  int    `json:"maxItems"`
	Language  string `json:"language"`
}

// Task is the record of one end-to-end collection run.
type Task struct {
	ID           string     `json:"id"`
	Owner        string     `json:"owner,omitempty"`
	Status       TaskStatus `json:"status"`
	Progress     int        `json:"progress"`
	Message      string     `json:"message"`
	Error        string     `json:"error,omitempty"`
	Input        TaskInput  `json:"input"`
	WorkingDir   string     `json:"-"`
	ArtifactPath string     `json:"-"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Segment is one transcribed span of a source video.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// ClipMeta is the metadata row written for each extracted clip.
type ClipMeta struct {
	Name          string
	VideoSource   string
	SegmentID     int
	StartOriginal float64
	StartRounded  float64
	EndOriginal   float64
	EndRounded    float64
	EndWithBuffer float64
	Duration      float64
	IsLastSegment bool
	Text          string
	Status        string
	ClusterID     int
}

// Settings contains service runtime configuration.
type Settings struct {
	ListenAddr      string `json:"listenAddr"`
	DataDir         string `json:"dataDir"`
	FetcherPath     string `json:"fetcherPath"`
	FFmpegPath      string `json:"ffmpegPath"`
	FFprobePath     string `json:"ffprobePath"`
	TranscriberPath string `json:"transcriberPath"`
	ClustererPath   string `json:"clustererPath"`
	Language        string `json:"language"`
	GraceMinutes    int    `json:"graceMinutes"`
	SweepMinutes    int    `json:"sweepMinutes"`
}
