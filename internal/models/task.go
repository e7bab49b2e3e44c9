package models

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a generation task. Transitions
// are one-directional: processing -> completed or processing -> failed.
// Terminal states are immutable.
type TaskStatus string

const (
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task records one generation request from admission to terminal
// outcome. CredentialID is nil for tasks synthesized from a cache hit,
// which never touch the pool.
type Task struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	TaskID       string     `gorm:"uniqueIndex;not null;size:64" json:"task_id"`
	CredentialID *uint      `gorm:"index" json:"credential_id,omitempty"`
	Model        string     `gorm:"not null;size:64" json:"model"`
	Prompt       string     `gorm:"type:text" json:"prompt"`
	Status       TaskStatus `gorm:"not null;size:16;default:'processing';index" json:"status"`
	Progress     float64    `gorm:"default:0" json:"progress"`
	ResultURLs   *string    `gorm:"type:text" json:"-"`
	ErrorMessage *string    `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func (Task) TableName() string {
	return "tasks"
}

// Results decodes the stored artifact list; nil while processing or
// after a failure.
func (t *Task) Results() []string {
	if t.ResultURLs == nil || *t.ResultURLs == "" {
		return nil
	}
	var urls []string
	if err := json.Unmarshal([]byte(*t.ResultURLs), &urls); err != nil {
		return []string{*t.ResultURLs}
	}
	return urls
}

// TaskStatusResponse is the stable polling shape returned for every
// capability.
type TaskStatusResponse struct {
	TaskID       string   `json:"task_id"`
	Status       string   `json:"status"`
	Progress     float64  `json:"progress"`
	Model        string   `json:"model"`
	Prompt       string   `json:"prompt"`
	ResultURLs   []string `json:"result_urls,omitempty"`
	ErrorMessage *string  `json:"error_message,omitempty"`
	CreatedAt    string   `json:"created_at,omitempty"`
	CompletedAt  string   `json:"completed_at,omitempty"`
}

// NewTaskStatusResponse builds the polling response from a task
// snapshot.
func NewTaskStatusResponse(t *Task) TaskStatusResponse {
	resp := TaskStatusResponse{
		TaskID:       t.TaskID,
		Status:       string(t.Status),
		Progress:     t.Progress,
		Model:        t.Model,
		Prompt:       t.Prompt,
		ResultURLs:   t.Results(),
		ErrorMessage: t.ErrorMessage,
	}
	if !t.CreatedAt.IsZero() {
		resp.CreatedAt = t.CreatedAt.Format(time.RFC3339)
	}
	if t.CompletedAt != nil {
		resp.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	return resp
}
