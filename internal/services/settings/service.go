package settings

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/creativepool/sora-relay/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// Service owns the singleton config rows and exposes them as an
// immutable PolicySnapshot. Updates write the row, rebuild the snapshot
// from the database, and swap the whole value; readers never see a
// half-applied policy.
type Service struct {
	db       *gorm.DB
	snapshot atomic.Pointer[models.PolicySnapshot]
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Load reads the config rows and installs the initial snapshot.
func (s *Service) Load(ctx context.Context) error {
	snap, err := s.build(ctx)
	if err != nil {
		return err
	}
	s.snapshot.Store(snap)
	return nil
}

// Current returns the active policy snapshot. Load must have succeeded
// before the first call.
func (s *Service) Current() models.PolicySnapshot {
	snap := s.snapshot.Load()
	if snap == nil {
		return models.PolicySnapshot{}
	}
	return *snap
}

func (s *Service) build(ctx context.Context) (*models.PolicySnapshot, error) {
	var admin models.AdminConfig
	if err := s.db.WithContext(ctx).First(&admin, 1).Error; err != nil {
		return nil, fmt.Errorf("failed to load admin config: %w", err)
	}

	var cache models.CacheConfig
	if err := s.db.WithContext(ctx).First(&cache, 1).Error; err != nil {
		return nil, fmt.Errorf("failed to load cache config: %w", err)
	}

	var gen models.GenerationConfig
	if err := s.db.WithContext(ctx).First(&gen, 1).Error; err != nil {
		return nil, fmt.Errorf("failed to load generation config: %w", err)
	}

	return &models.PolicySnapshot{
		APIKey:            admin.APIKey,
		AdminUsername:     admin.AdminUsername,
		AdminPassword:     admin.AdminPassword,
		ErrorBanThreshold: admin.ErrorBanThreshold,
		ImageTimeout:      time.Duration(gen.ImageTimeout) * time.Second,
		VideoTimeout:      time.Duration(gen.VideoTimeout) * time.Second,
		CacheEnabled:      cache.CacheEnabled,
		CacheTTL:          time.Duration(cache.CacheTimeout) * time.Second,
	}, nil
}

func (s *Service) reload(ctx context.Context) error {
	snap, err := s.build(ctx)
	if err != nil {
		return fmt.Errorf("failed to rebuild policy snapshot: %w", err)
	}
	s.snapshot.Store(snap)
	fiberlog.Debug("Policy snapshot reloaded")
	return nil
}

// UpdateAdmin changes the API key, admin credentials or ban threshold.
// Nil fields keep their current values.
func (s *Service) UpdateAdmin(ctx context.Context, apiKey, username, password *string, errorBanThreshold *int) error {
	updates := make(map[string]any)
	if apiKey != nil {
		updates["api_key"] = *apiKey
	}
	if username != nil {
		updates["admin_username"] = *username
	}
	if password != nil {
		updates["admin_password"] = *password
	}
	if errorBanThreshold != nil {
		if *errorBanThreshold < 1 {
			return fmt.Errorf("error_ban_threshold must be at least 1")
		}
		updates["error_ban_threshold"] = *errorBanThreshold
	}
	if len(updates) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Model(&models.AdminConfig{}).Where("id = ?", 1).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update admin config: %w", err)
	}
	return s.reload(ctx)
}

// UpdateCache changes the result cache policy.
func (s *Service) UpdateCache(ctx context.Context, enabled *bool, timeoutSecs *int) error {
	updates := make(map[string]any)
	if enabled != nil {
		updates["cache_enabled"] = *enabled
	}
	if timeoutSecs != nil {
		if *timeoutSecs < 1 {
			return fmt.Errorf("cache_timeout must be at least 1 second")
		}
		updates["cache_timeout"] = *timeoutSecs
	}
	if len(updates) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Model(&models.CacheConfig{}).Where("id = ?", 1).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update cache config: %w", err)
	}
	return s.reload(ctx)
}

// UpdateGeneration changes the per-capability timeouts (seconds).
func (s *Service) UpdateGeneration(ctx context.Context, imageTimeout, videoTimeout *int) error {
	updates := make(map[string]any)
	if imageTimeout != nil {
		if *imageTimeout < 1 {
			return fmt.Errorf("image_timeout must be at least 1 second")
		}
		updates["image_timeout"] = *imageTimeout
	}
	if videoTimeout != nil {
		if *videoTimeout < 1 {
			return fmt.Errorf("video_timeout must be at least 1 second")
		}
		updates["video_timeout"] = *videoTimeout
	}
	if len(updates) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Model(&models.GenerationConfig{}).Where("id = ?", 1).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update generation config: %w", err)
	}
	return s.reload(ctx)
}
