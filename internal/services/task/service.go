package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/creativepool/sora-relay/internal/models"

	"gorm.io/gorm"
)

// Service persists task lifecycle state. Transitions are guarded at the
// SQL level so a late worker cannot resurrect a terminal task and
// progress never moves backwards.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Create inserts a new task in the processing state.
func (s *Service) Create(ctx context.Context, taskID, model, prompt string, credentialID *uint) (*models.Task, error) {
	t := models.Task{
		TaskID:       taskID,
		CredentialID: credentialID,
		Model:        model,
		Prompt:       prompt,
		Status:       models.TaskProcessing,
		Progress:     0,
	}
	if err := s.db.WithContext(ctx).Create(&t).Error; err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return &t, nil
}

// CreateCompleted inserts a task already in the completed state, used
// when a cache hit answers the request without touching the upstream.
// CredentialID stays nil because no credential served it.
func (s *Service) CreateCompleted(ctx context.Context, taskID, model, prompt string, urls []string) (*models.Task, error) {
	encoded, err := encodeURLs(urls)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	t := models.Task{
		TaskID:      taskID,
		Model:       model,
		Prompt:      prompt,
		Status:      models.TaskCompleted,
		Progress:    100,
		ResultURLs:  encoded,
		CompletedAt: &now,
	}
	if err := s.db.WithContext(ctx).Create(&t).Error; err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return &t, nil
}

func (s *Service) Get(ctx context.Context, taskID string) (*models.Task, error) {
	var t models.Task
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&t).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, models.NewNotFoundError(fmt.Sprintf("task %s not found", taskID))
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

// UpdateProgress advances the progress of a processing task. Updates
// against a terminal task or a lower progress value match zero rows and
// are silently dropped.
func (s *Service) UpdateProgress(ctx context.Context, taskID string, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	err := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("task_id = ? AND status = ? AND progress < ?", taskID, models.TaskProcessing, progress).
		Update("progress", progress).Error
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	return nil
}

// Complete finalizes a task with its result URLs. Only a processing task
// can complete; a second finalization matches zero rows.
func (s *Service) Complete(ctx context.Context, taskID string, urls []string) error {
	encoded, err := encodeURLs(urls)
	if err != nil {
		return err
	}
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("task_id = ? AND status = ?", taskID, models.TaskProcessing).
		Updates(map[string]any{
			"status":       models.TaskCompleted,
			"progress":     100,
			"result_urls":  encoded,
			"completed_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to complete task: %w", result.Error)
	}
	return nil
}

// Fail finalizes a task with an error message, guarded like Complete.
func (s *Service) Fail(ctx context.Context, taskID, message string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("task_id = ? AND status = ?", taskID, models.TaskProcessing).
		Updates(map[string]any{
			"status":        models.TaskFailed,
			"error_message": message,
			"completed_at":  now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to fail task: %w", result.Error)
	}
	return nil
}

// Recent lists the newest tasks for the admin dashboard.
func (s *Service) Recent(ctx context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var tasks []models.Task
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

func encodeURLs(urls []string) (*string, error) {
	if urls == nil {
		urls = []string{}
	}
	raw, err := json.Marshal(urls)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result urls: %w", err)
	}
	encoded := string(raw)
	return &encoded, nil
}
