package models

import "time"

// Config is a key/value row for gateway settings, e.g. the API key.
type Config struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
