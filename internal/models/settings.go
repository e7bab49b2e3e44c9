package models

import "time"

// Singleton configuration records. Each table holds exactly one row
// (id=1), seeded from the YAML config on first startup and mutated only
// through the admin surface. Services never read these rows directly;
// they read an immutable PolicySnapshot that is replaced whole on every
// update.

// AdminConfig holds the service API key, admin credentials and the
// circuit-breaker ban threshold.
type AdminConfig struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	AdminUsername     string    `gorm:"not null;size:128" json:"admin_username"`
	AdminPassword     string    `gorm:"not null;size:128" json:"-"`
	APIKey            string    `gorm:"not null;size:128" json:"-"`
	ErrorBanThreshold int       `gorm:"default:3" json:"error_ban_threshold"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AdminConfig) TableName() string {
	return "admin_config"
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CacheEnabled bool      `gorm:"default:false" json:"cache_enabled"`
	CacheTimeout int       `gorm:"default:600" json:"cache_timeout"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CacheConfig) TableName() string {
	return "cache_config"
}

// GenerationConfig holds per-capability execution timeouts in seconds.
type GenerationConfig struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ImageTimeout int       `gorm:"default:300" json:"image_timeout"`
	VideoTimeout int       `gorm:"default:3000" json:"video_timeout"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (GenerationConfig) TableName() string {
	return "generation_config"
}

// PolicySnapshot is the immutable runtime view of the singleton config
// rows. Components read the current snapshot on every use; updates
// build a fresh snapshot and swap the whole value.
type PolicySnapshot struct {
	APIKey            string
	AdminUsername     string
	AdminPassword     string
	ErrorBanThreshold int
	ImageTimeout      time.Duration
	VideoTimeout      time.Duration
	CacheEnabled      bool
	CacheTTL          time.Duration
}

// CapabilityPolicyFor returns the policy table entry for a capability
// under this snapshot.
func (p PolicySnapshot) CapabilityPolicyFor(capability Capability) CapabilityPolicy {
	switch capability {
	case CapabilityVideo:
		return CapabilityPolicy{Timeout: p.VideoTimeout, QuotaTracked: true}
	default:
		return CapabilityPolicy{Timeout: p.ImageTimeout, QuotaTracked: false}
	}
}
