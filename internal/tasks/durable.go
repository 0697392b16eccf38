package tasks

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"clip-collector/internal/domain"
)

// taskRecord is the durable-tier row mirroring domain.Task.
type taskRecord struct {
	ID           string `gorm:"primaryKey"`
	Owner        string `gorm:"index:idx_owner_status"`
	Status       string `gorm:"index:idx_owner_status;not null"`
	Progress     int    `gorm:"not null;default:0"`
	Message      string
	Error        string
	SourceURL    string
	MaxItems     int
	Language     string
	WorkingDir   string
	ArtifactPath string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// TableName pins the durable table name.
func (taskRecord) TableName() string { return "task_records" }

// DurableStore persists task records in sqlite via gorm.
type DurableStore struct {
	db *gorm.DB
}

// OpenDurableStore opens (and migrates) the sqlite-backed task store.
func OpenDurableStore(path string) (*DurableStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	if err := db.AutoMigrate(&taskRecord{}); err != nil {
		return nil, fmt.Errorf("migrate task store: %w", err)
	}
	return &DurableStore{db: db}, nil
}

// Save upserts one task record.
func (s *DurableStore) Save(task domain.Task) error {
	rec := toRecord(task)
	return s.db.Save(&rec).Error
}

// Get loads one task by id.
func (s *DurableStore) Get(id string) (domain.Task, bool, error) {
	var rec taskRecord
	err := s.db.First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return fromRecord(rec), true, nil
}

// Delete removes one task record. Missing rows are not an error.
func (s *DurableStore) Delete(id string) error {
	return s.db.Delete(&taskRecord{}, "id = ?", id).Error
}

// List returns tasks, optionally filtered by owner, newest first.
func (s *DurableStore) List(owner string) ([]domain.Task, error) {
	q := s.db.Order("created_at desc")
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}

	var recs []taskRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]domain.Task, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fromRecord(rec))
	}
	return out, nil
}

// ActiveForOwner reports whether the owner has a pending or running record.
func (s *DurableStore) ActiveForOwner(owner string) (bool, error) {
	var count int64
	err := s.db.Model(&taskRecord{}).
		Where("owner = ? AND status IN ?", owner, []string{
			string(domain.TaskStatusPending),
			string(domain.TaskStatusRunning),
		}).
		Count(&count).Error
	return count > 0, err
}

// ListActive returns all pending or running records, oldest first.
func (s *DurableStore) ListActive() ([]domain.Task, error) {
	var recs []taskRecord
	err := s.db.
		Where("status IN ?", []string{
			string(domain.TaskStatusPending),
			string(domain.TaskStatusRunning),
		}).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.Task, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fromRecord(rec))
	}
	return out, nil
}

// toRecord maps a domain task onto its durable row.
func toRecord(task domain.Task) taskRecord {
	return taskRecord{
		ID:           task.ID,
		Owner:        task.Owner,
		Status:       string(task.Status),
		Progress:     task.Progress,
		Message:      task.Message,
		Error:        task.Error,
		SourceURL:    task.Input.SourceURL,
		MaxItems:     task.Input.MaxItems,
		Language:     task.Input.Language,
		WorkingDir:   task.WorkingDir,
		ArtifactPath: task.ArtifactPath,
		CreatedAt:    task.CreatedAt,
		StartedAt:    task.StartedAt,
		CompletedAt:  task.CompletedAt,
	}
}

// fromRecord maps a durable row back to the domain task.
func fromRecord(rec taskRecord) domain.Task {
	return domain.Task{
		ID:       rec.ID,
		Owner:    rec.Owner,
		Status:   domain.TaskStatus(rec.Status),
		Progress: rec.Progress,
		Message:  rec.Message,
		Error:    rec.Error,
		Input: domain.TaskInput{
			SourceURL: rec.SourceURL,
			MaxItems:  rec.MaxItems,
			Language:  rec.Language,
		},
		WorkingDir:   rec.WorkingDir,
		ArtifactPath: rec.ArtifactPath,
		CreatedAt:    rec.CreatedAt,
		StartedAt:    rec.StartedAt,
		CompletedAt:  rec.CompletedAt,
	}
}
