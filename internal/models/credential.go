package models

import "time"

// Credential is one upstream account usable to service generation
// requests. Secret material (access/refresh tokens) is never logged and
// never serialized to API responses.
type Credential struct {
	ID           uint    `gorm:"primaryKey" json:"id"`
	Email        string  `gorm:"uniqueIndex;not null;size:255" json:"email"`
	Name         string  `gorm:"size:255" json:"name"`
	AccessToken  string  `gorm:"type:text;not null" json:"-"`
	SessionToken *string `gorm:"type:text" json:"-"`
	RefreshToken *string `gorm:"type:text" json:"-"`
	ClientID     *string `gorm:"size:255" json:"-"`
	ProxyURL     *string `gorm:"size:512" json:"proxy_url,omitempty"`
	Remark       *string `gorm:"type:text" json:"remark,omitempty"`

	PlanType        string     `gorm:"size:64" json:"plan_type,omitempty"`
	PlanTitle       string     `gorm:"size:128" json:"plan_title,omitempty"`
	SubscriptionEnd *time.Time `json:"subscription_end,omitempty"`

	ImageEnabled bool `gorm:"default:true" json:"image_enabled"`
	VideoEnabled bool `gorm:"default:true" json:"video_enabled"`

	// Concurrency limits per capability; -1 means unlimited.
	ImageConcurrency int `gorm:"default:-1" json:"image_concurrency"`
	VideoConcurrency int `gorm:"default:-1" json:"video_concurrency"`

	// Video quota counters. RemainingCount is authoritative for
	// eligibility; redeemed/total are display-only.
	VideoRedeemedCount  int `gorm:"default:0" json:"video_redeemed_count"`
	VideoTotalCount     int `gorm:"default:0" json:"video_total_count"`
	VideoRemainingCount int `gorm:"default:0" json:"video_remaining_count"`

	CooledUntil *time.Time `json:"cooled_until,omitempty"`
	ExpiryTime  *time.Time `json:"expiry_time,omitempty"`
	IsExpired   bool       `gorm:"default:false" json:"is_expired"`
	IsActive    bool       `gorm:"default:true;index" json:"is_active"`

	UseCount   int64      `gorm:"default:0" json:"use_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Credential) TableName() string {
	return "credentials"
}

// Tier derives the credential's tier from its plan type.
func (c *Credential) Tier() Tier {
	return TierFromPlan(c.PlanType)
}

// CapabilityEnabled reports whether the credential may serve work of the
// given capability at all, independent of health and quota.
func (c *Credential) CapabilityEnabled(capability Capability) bool {
	switch capability {
	case CapabilityImage:
		return c.ImageEnabled
	case CapabilityVideo:
		return c.VideoEnabled
	default:
		return false
	}
}

// ConcurrencyLimit returns the in-flight bound for a capability;
// -1 means unlimited.
func (c *Credential) ConcurrencyLimit(capability Capability) int {
	switch capability {
	case CapabilityImage:
		return c.ImageConcurrency
	case CapabilityVideo:
		return c.VideoConcurrency
	default:
		return 0
	}
}

// Healthy reports whether the credential is active, not expired and not
// cooling down at the given instant. Cooldown is a pure timestamp
// comparison: an elapsed cooldown re-admits the credential with no
// separate recovery step.
func (c *Credential) Healthy(now time.Time) bool {
	if !c.IsActive || c.IsExpired {
		return false
	}
	if c.ExpiryTime != nil && !c.ExpiryTime.After(now) {
		return false
	}
	if c.CooledUntil != nil && c.CooledUntil.After(now) {
		return false
	}
	return true
}

// Eligible reports whether the credential can serve a request of the
// given capability and tier right now, ignoring concurrency (the pool
// checks slots separately).
func (c *Credential) Eligible(capability Capability, tier Tier, now time.Time) bool {
	if !c.Healthy(now) {
		return false
	}
	if !c.CapabilityEnabled(capability) {
		return false
	}
	if capability == CapabilityVideo && c.VideoRemainingCount <= 0 {
		return false
	}
	if c.Tier() < tier {
		return false
	}
	return true
}

// CredentialStats holds per-credential usage and error counters, one row
// per credential. Today-scoped counters are only valid for TodayDate;
// the stats service resets them exactly once when the date advances.
type CredentialStats struct {
	ID           uint `gorm:"primaryKey" json:"id"`
	CredentialID uint `gorm:"uniqueIndex;not null" json:"credential_id"`

	ImageCount int64 `gorm:"default:0" json:"image_count"`
	VideoCount int64 `gorm:"default:0" json:"video_count"`
	ErrorCount int64 `gorm:"default:0" json:"error_count"`

	ConsecutiveErrorCount int        `gorm:"default:0" json:"consecutive_error_count"`
	BanCount              int        `gorm:"default:0" json:"ban_count"`
	LastErrorAt           *time.Time `json:"last_error_at,omitempty"`

	TodayImageCount int64   `gorm:"default:0" json:"today_image_count"`
	TodayVideoCount int64   `gorm:"default:0" json:"today_video_count"`
	TodayErrorCount int64   `gorm:"default:0" json:"today_error_count"`
	TodayDate       *string `gorm:"size:10" json:"today_date,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CredentialStats) TableName() string {
	return "credential_stats"
}

// CredentialCreateRequest is the admin payload for adding a credential.
type CredentialCreateRequest struct {
	Email            string     `json:"email"`
	Name             string     `json:"name,omitempty"`
	AccessToken      string     `json:"access_token"`
	SessionToken     *string    `json:"session_token,omitempty"`
	RefreshToken     *string    `json:"refresh_token,omitempty"`
	ClientID         *string    `json:"client_id,omitempty"`
	ProxyURL         *string    `json:"proxy_url,omitempty"`
	Remark           *string    `json:"remark,omitempty"`
	PlanType         string     `json:"plan_type,omitempty"`
	PlanTitle        string     `json:"plan_title,omitempty"`
	SubscriptionEnd  *time.Time `json:"subscription_end,omitempty"`
	ExpiryTime       *time.Time `json:"expiry_time,omitempty"`
	ImageEnabled     *bool      `json:"image_enabled,omitempty"`
	VideoEnabled     *bool      `json:"video_enabled,omitempty"`
	ImageConcurrency *int       `json:"image_concurrency,omitempty"`
	VideoConcurrency *int       `json:"video_concurrency,omitempty"`
	VideoTotalCount  *int       `json:"video_total_count,omitempty"`
}
