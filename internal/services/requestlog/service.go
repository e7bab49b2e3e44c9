package requestlog

import (
	"context"
	"fmt"
	"time"

	"github.com/creativepool/sora-relay/internal/models"

	"gorm.io/gorm"
)

// Service writes the request audit trail. Each upstream call gets one
// row at admission with sentinel -1 status/duration, then exactly one
// correction when the outcome lands.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Begin records a request entering the system and returns the row ID for
// the later correction. credentialID is nil when admission found no
// credential.
func (s *Service) Begin(ctx context.Context, credentialID *uint, taskID *string, operation string) (uint, error) {
	entry := models.RequestLog{
		CredentialID: credentialID,
		TaskID:       taskID,
		Operation:    operation,
		StatusCode:   -1,
		Duration:     -1,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return 0, fmt.Errorf("failed to create request log: %w", err)
	}
	return entry.ID, nil
}

// Finish fills in the outcome for a row created by Begin.
func (s *Service) Finish(ctx context.Context, logID uint, statusCode int, duration time.Duration) error {
	err := s.db.WithContext(ctx).Model(&models.RequestLog{}).
		Where("id = ?", logID).
		Updates(map[string]any{
			"status_code": statusCode,
			"duration":    duration.Seconds(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to finish request log: %w", err)
	}
	return nil
}

// Recent lists the newest entries joined with the owning credential's
// email for the admin view.
func (s *Service) Recent(ctx context.Context, limit int) ([]models.RequestLogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var entries []models.RequestLogEntry
	err := s.db.WithContext(ctx).Model(&models.RequestLog{}).
		Select("request_logs.id, request_logs.credential_id, credentials.email AS credential_email, request_logs.task_id, request_logs.operation, request_logs.status_code, request_logs.duration, request_logs.created_at").
		Joins("LEFT JOIN credentials ON credentials.id = request_logs.credential_id").
		Order("request_logs.id DESC").
		Limit(limit).
		Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list request logs: %w", err)
	}
	return entries, nil
}

// ClearAll truncates the audit trail.
func (s *Service) ClearAll(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&models.RequestLog{}).Error; err != nil {
		return fmt.Errorf("failed to clear request logs: %w", err)
	}
	return nil
}
