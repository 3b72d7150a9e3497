package models

import "time"

// Account is the persisted form of one upstream identity in the pool.
type Account struct {
	ID                 string `gorm:"primaryKey"` // UUID
	Email              string `gorm:"uniqueIndex"`
	Source             string // enrollment source, e.g. "oauth"
	AccessToken        string
	RefreshToken       string
	TokenExpiresAt     time.Time
	ProjectID          string
	AddedAt            time.Time
	LastUsedAt         time.Time
	IsRateLimited      bool `gorm:"default:false"`
	RateLimitResetTime time.Time
	IsInvalid          bool   `gorm:"default:false"`
	InvalidReason      string // last auth failure, shown on the status endpoint
	QuotaJSON          string // per-model quota snapshot, JSON encoded
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
