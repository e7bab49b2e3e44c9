package models

import "time"

// RequestLog is an append-only audit record of one upstream call.
// StatusCode and Duration are -1 while the call is in flight; a single
// follow-up correction fills them in when the outcome lands (UpdatedAt
// records that correction). CredentialID is nil when no credential was
// available to serve the request.
type RequestLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CredentialID *uint     `gorm:"index" json:"credential_id,omitempty"`
	TaskID       *string   `gorm:"index;size:64" json:"task_id,omitempty"`
	Operation    string    `gorm:"not null;size:64" json:"operation"`
	StatusCode   int       `gorm:"default:-1" json:"status_code"`
	Duration     float64   `gorm:"default:-1" json:"duration"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RequestLog) TableName() string {
	return "request_logs"
}

// RequestLogEntry is the admin listing shape, joined with the owning
// credential's email.
type RequestLogEntry struct {
	ID              uint      `json:"id"`
	CredentialID    *uint     `json:"credential_id,omitempty"`
	CredentialEmail *string   `json:"credential_email,omitempty"`
	TaskID          *string   `json:"task_id,omitempty"`
	Operation       string    `json:"operation"`
	StatusCode      int       `json:"status_code"`
	Duration        float64   `json:"duration"`
	CreatedAt       time.Time `json:"created_at"`
}
