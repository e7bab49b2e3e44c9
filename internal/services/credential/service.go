package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/creativepool/sora-relay/internal/models"
	"gorm.io/gorm"
)

// Service is the durable store for credentials and their stats rows.
// Pure data access; eligibility and health policy live in the pool and
// the health monitor.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Create inserts a credential together with its stats row.
func (s *Service) Create(ctx context.Context, req *models.CredentialCreateRequest) (*models.Credential, error) {
	if req.Email == "" {
		return nil, models.NewValidationError("email is required", nil)
	}
	if req.AccessToken == "" {
		return nil, models.NewValidationError("access_token is required", nil)
	}

	cred := &models.Credential{
		Email:            req.Email,
		Name:             req.Name,
		AccessToken:      req.AccessToken,
		SessionToken:     req.SessionToken,
		RefreshToken:     req.RefreshToken,
		ClientID:         req.ClientID,
		ProxyURL:         req.ProxyURL,
		Remark:           req.Remark,
		PlanType:         req.PlanType,
		PlanTitle:        req.PlanTitle,
		SubscriptionEnd:  req.SubscriptionEnd,
		ExpiryTime:       req.ExpiryTime,
		ImageEnabled:     true,
		VideoEnabled:     true,
		ImageConcurrency: -1,
		VideoConcurrency: -1,
		IsActive:         true,
	}
	if req.ImageEnabled != nil {
		cred.ImageEnabled = *req.ImageEnabled
	}
	if req.VideoEnabled != nil {
		cred.VideoEnabled = *req.VideoEnabled
	}
	if req.ImageConcurrency != nil {
		cred.ImageConcurrency = *req.ImageConcurrency
	}
	if req.VideoConcurrency != nil {
		cred.VideoConcurrency = *req.VideoConcurrency
	}
	if req.VideoTotalCount != nil {
		cred.VideoTotalCount = *req.VideoTotalCount
		cred.VideoRemainingCount = *req.VideoTotalCount
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(cred).Error; err != nil {
			return err
		}
		return tx.Create(&models.CredentialStats{CredentialID: cred.ID}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}

	return cred, nil
}

func (s *Service) Get(ctx context.Context, id uint) (*models.Credential, error) {
	var cred models.Credential
	if err := s.db.WithContext(ctx).First(&cred, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, models.NewNotFoundError("credential not found")
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &cred, nil
}

func (s *Service) List(ctx context.Context) ([]models.Credential, error) {
	var creds []models.Credential
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}

// Update applies a filtered field map, mirroring the admin surface.
func (s *Service) Update(ctx context.Context, id uint, updates map[string]any) error {
	allowedFields := map[string]bool{
		"name":                  true,
		"access_token":          true,
		"session_token":         true,
		"refresh_token":         true,
		"client_id":             true,
		"proxy_url":             true,
		"remark":                true,
		"plan_type":             true,
		"plan_title":            true,
		"subscription_end":      true,
		"expiry_time":           true,
		"image_enabled":         true,
		"video_enabled":         true,
		"image_concurrency":     true,
		"video_concurrency":     true,
		"video_total_count":     true,
		"video_remaining_count": true,
		"is_active":             true,
	}

	filtered := make(map[string]any)
	for k, v := range updates {
		if allowedFields[k] {
			filtered[k] = v
		}
	}
	if len(filtered) == 0 {
		return models.NewValidationError("no updatable fields provided", nil)
	}

	result := s.db.WithContext(ctx).Model(&models.Credential{}).Where("id = ?", id).Updates(filtered)
	if result.Error != nil {
		return fmt.Errorf("failed to update credential: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.NewNotFoundError("credential not found")
	}
	return nil
}

// SetActive soft-deletes or re-enables a credential.
func (s *Service) SetActive(ctx context.Context, id uint, active bool) error {
	result := s.db.WithContext(ctx).Model(&models.Credential{}).Where("id = ?", id).Update("is_active", active)
	if result.Error != nil {
		return fmt.Errorf("failed to update credential status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.NewNotFoundError("credential not found")
	}
	return nil
}

// Delete removes a credential, its stats row, and nullifies dependent
// request logs. Cascades are explicit, not driver-level.
func (s *Service) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.RequestLog{}).Where("credential_id = ?", id).Update("credential_id", nil).Error; err != nil {
			return fmt.Errorf("failed to detach request logs: %w", err)
		}
		if err := tx.Where("credential_id = ?", id).Delete(&models.CredentialStats{}).Error; err != nil {
			return fmt.Errorf("failed to delete credential stats: %w", err)
		}
		result := tx.Delete(&models.Credential{}, id)
		if result.Error != nil {
			return fmt.Errorf("failed to delete credential: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return models.NewNotFoundError("credential not found")
		}
		return nil
	})
}

// Touch records one use at selection time.
func (s *Service) Touch(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.Credential{}).Where("id = ?", id).
		Updates(map[string]any{
			"last_used_at": time.Now(),
			"use_count":    gorm.Expr("use_count + 1"),
		}).Error
}

// SetCooldown sets (or clears, with nil) the cooldown timestamp.
func (s *Service) SetCooldown(ctx context.Context, id uint, until *time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Credential{}).Where("id = ?", id).
		Update("cooled_until", until).Error
}

// MarkExpired flags a credential whose secret the upstream rejected and
// deactivates it.
func (s *Service) MarkExpired(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.Credential{}).Where("id = ?", id).
		Updates(map[string]any{"is_expired": true, "is_active": false}).Error
}

// ClearExpired removes the expiry flag after the secret was replaced.
func (s *Service) ClearExpired(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.Credential{}).Where("id = ?", id).
		Update("is_expired", false).Error
}

// DecrementRemaining consumes one unit of video quota, clamped at zero.
func (s *Service) DecrementRemaining(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ? AND video_remaining_count > 0", id).
		Updates(map[string]any{
			"video_remaining_count": gorm.Expr("video_remaining_count - 1"),
			"video_redeemed_count":  gorm.Expr("video_redeemed_count + 1"),
		}).Error
}

// SetQuota replenishes the video quota counters.
func (s *Service) SetQuota(ctx context.Context, id uint, total, remaining int) error {
	result := s.db.WithContext(ctx).Model(&models.Credential{}).Where("id = ?", id).
		Updates(map[string]any{
			"video_total_count":     total,
			"video_remaining_count": remaining,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set quota: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.NewNotFoundError("credential not found")
	}
	return nil
}
