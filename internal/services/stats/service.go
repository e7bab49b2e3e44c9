package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creativepool/sora-relay/internal/models"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const dateLayout = "2006-01-02"

// Service owns every mutation of CredentialStats rows. Counter updates
// are serialized per credential; daily rollover happens exactly once
// per date change no matter how many callers race it.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	mu       sync.Mutex
	locks    map[uint]*sync.Mutex
	rollover singleflight.Group
}

func NewService(db *gorm.DB) *Service {
	return &Service{
		db:    db,
		now:   time.Now,
		locks: make(map[uint]*sync.Mutex),
	}
}

func (s *Service) lockFor(credentialID uint) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[credentialID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[credentialID] = l
	}
	return l
}

func (s *Service) Get(ctx context.Context, credentialID uint) (*models.CredentialStats, error) {
	var st models.CredentialStats
	if err := s.db.WithContext(ctx).Where("credential_id = ?", credentialID).First(&st).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, models.NewNotFoundError("credential stats not found")
		}
		return nil, fmt.Errorf("failed to get credential stats: %w", err)
	}
	return &st, nil
}

// RecordSuccess counts one successful generation and clears the
// consecutive-error streak. Today counters roll over inline when the
// stored date is stale.
func (s *Service) RecordSuccess(ctx context.Context, credentialID uint, capability models.Capability) error {
	l := s.lockFor(credentialID)
	l.Lock()
	defer l.Unlock()

	st, err := s.Get(ctx, credentialID)
	if err != nil {
		return err
	}

	today := s.now().Format(dateLayout)
	fresh := st.TodayDate != nil && *st.TodayDate == today

	updates := map[string]any{
		"consecutive_error_count": 0,
		"today_date":              today,
	}
	switch capability {
	case models.CapabilityVideo:
		updates["video_count"] = gorm.Expr("video_count + 1")
		if fresh {
			updates["today_video_count"] = gorm.Expr("today_video_count + 1")
		} else {
			updates["today_video_count"] = 1
			updates["today_image_count"] = 0
			updates["today_error_count"] = 0
		}
	default:
		updates["image_count"] = gorm.Expr("image_count + 1")
		if fresh {
			updates["today_image_count"] = gorm.Expr("today_image_count + 1")
		} else {
			updates["today_image_count"] = 1
			updates["today_video_count"] = 0
			updates["today_error_count"] = 0
		}
	}

	if err := s.db.WithContext(ctx).Model(&models.CredentialStats{}).
		Where("credential_id = ?", credentialID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to record success: %w", err)
	}
	return nil
}

// RecordFailure counts one failed generation and returns the new
// consecutive-error streak for the caller's ban decision.
func (s *Service) RecordFailure(ctx context.Context, credentialID uint) (int, error) {
	l := s.lockFor(credentialID)
	l.Lock()
	defer l.Unlock()

	st, err := s.Get(ctx, credentialID)
	if err != nil {
		return 0, err
	}

	today := s.now().Format(dateLayout)
	fresh := st.TodayDate != nil && *st.TodayDate == today

	updates := map[string]any{
		"error_count":             gorm.Expr("error_count + 1"),
		"consecutive_error_count": gorm.Expr("consecutive_error_count + 1"),
		"last_error_at":           s.now(),
		"today_date":              today,
	}
	if fresh {
		updates["today_error_count"] = gorm.Expr("today_error_count + 1")
	} else {
		updates["today_error_count"] = 1
		updates["today_image_count"] = 0
		updates["today_video_count"] = 0
	}

	if err := s.db.WithContext(ctx).Model(&models.CredentialStats{}).
		Where("credential_id = ?", credentialID).Updates(updates).Error; err != nil {
		return 0, fmt.Errorf("failed to record failure: %w", err)
	}

	return st.ConsecutiveErrorCount + 1, nil
}

// RegisterBan bumps the credential's ban counter and returns the new
// value, used to scale the cooldown backoff.
func (s *Service) RegisterBan(ctx context.Context, credentialID uint) (int, error) {
	l := s.lockFor(credentialID)
	l.Lock()
	defer l.Unlock()

	st, err := s.Get(ctx, credentialID)
	if err != nil {
		return 0, err
	}

	if err := s.db.WithContext(ctx).Model(&models.CredentialStats{}).
		Where("credential_id = ?", credentialID).
		Update("ban_count", gorm.Expr("ban_count + 1")).Error; err != nil {
		return 0, fmt.Errorf("failed to register ban: %w", err)
	}

	return st.BanCount + 1, nil
}

// RollupIfNeeded resets the today-scoped counters when the wall-clock
// date has advanced past the stored marker. Concurrent callers for the
// same credential collapse through singleflight, and the guarded update
// matches zero rows once any one of them has flipped the date, so the
// reset happens exactly once per date change.
func (s *Service) RollupIfNeeded(ctx context.Context, credentialID uint) error {
	today := s.now().Format(dateLayout)
	key := fmt.Sprintf("%d:%s", credentialID, today)

	_, err, _ := s.rollover.Do(key, func() (any, error) {
		result := s.db.WithContext(ctx).Model(&models.CredentialStats{}).
			Where("credential_id = ?", credentialID).
			Where("today_date IS NULL OR today_date <> ?", today).
			Updates(map[string]any{
				"today_image_count": 0,
				"today_video_count": 0,
				"today_error_count": 0,
				"today_date":        today,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("failed to roll over daily stats: %w", result.Error)
		}
		return result.RowsAffected, nil
	})
	return err
}

// RollupAll sweeps every stats row; the periodic scheduler calls this
// so idle credentials also get their daily reset.
func (s *Service) RollupAll(ctx context.Context) error {
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.CredentialStats{}).
		Pluck("credential_id", &ids).Error; err != nil {
		return fmt.Errorf("failed to list stats rows: %w", err)
	}
	for _, id := range ids {
		if err := s.RollupIfNeeded(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
