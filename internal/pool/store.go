package pool

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quailrun/poolrelay/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists accounts through the SQLite store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open gorm handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// SaveAccount upserts the persisted form of an account, keyed by email.
func (s *GormStore) SaveAccount(a Account) error {
	quotaJSON := ""
	if len(a.Quota) > 0 {
		b, err := json.Marshal(a.Quota)
		if err == nil {
			quotaJSON = string(b)
		}
	}

	rec := models.Account{
		Email:              a.Email,
		Source:             a.Source,
		AccessToken:        a.AccessToken,
		RefreshToken:       a.RefreshToken,
		TokenExpiresAt:     a.TokenExpiresAt,
		ProjectID:          a.ProjectID,
		AddedAt:            a.AddedAt,
		LastUsedAt:         a.LastUsed,
		IsRateLimited:      a.RateLimited,
		RateLimitResetTime: a.RateLimitResetAt,
		IsInvalid:          a.Invalid,
		InvalidReason:      a.InvalidReason,
		QuotaJSON:          quotaJSON,
	}

	var existing models.Account
	if err := s.db.Where("email = ?", a.Email).First(&existing).Error; err == nil {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		return s.db.Save(&rec).Error
	}

	rec.ID = uuid.New().String()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

// DeleteAccount removes the persisted record.
func (s *GormStore) DeleteAccount(email string) error {
	return s.db.Where("email = ?", email).Delete(&models.Account{}).Error
}

// LoadAccounts hydrates the pool from the store at startup.
func (s *GormStore) LoadAccounts() ([]Account, error) {
	var records []models.Account
	if err := s.db.Order("added_at").Find(&records).Error; err != nil {
		return nil, err
	}

	accounts := make([]Account, 0, len(records))
	for _, rec := range records {
		a := Account{
			Email:            rec.Email,
			Source:           rec.Source,
			AccessToken:      rec.AccessToken,
			RefreshToken:     rec.RefreshToken,
			TokenExpiresAt:   rec.TokenExpiresAt,
			ProjectID:        rec.ProjectID,
			AddedAt:          rec.AddedAt,
			LastUsed:         rec.LastUsedAt,
			RateLimited:      rec.IsRateLimited,
			RateLimitResetAt: rec.RateLimitResetTime,
			Invalid:          rec.IsInvalid,
			InvalidReason:    rec.InvalidReason,
		}
		if rec.QuotaJSON != "" {
			if err := json.Unmarshal([]byte(rec.QuotaJSON), &a.Quota); err != nil {
				a.Quota = nil
			}
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// Document is the JSON interchange form of a whole pool, consumed and
// produced by external collaborators.
type Document struct {
	Accounts []DocumentAccount `json:"accounts"`
	Settings DocumentSettings  `json:"settings"`
	Active   int               `json:"activeIndex"`
}

type DocumentAccount struct {
	Email              string     `json:"email"`
	Source             string     `json:"source,omitempty"`
	RefreshToken       string     `json:"refreshToken"`
	ProjectID          string     `json:"projectId,omitempty"`
	AddedAt            time.Time  `json:"addedAt"`
	LastUsed           *time.Time `json:"lastUsed,omitempty"`
	IsRateLimited      bool       `json:"isRateLimited"`
	RateLimitResetTime *time.Time `json:"rateLimitResetTime,omitempty"`
}

type DocumentSettings struct {
	CooldownDurationMs int64 `json:"cooldownDurationMs"`
	MaxRetries         int   `json:"maxRetries"`
}

// Export renders the pool as the interchange document.
func Export(p *Pool) Document {
	accounts := p.List()
	doc := Document{
		Accounts: make([]DocumentAccount, 0, len(accounts)),
		Settings: DocumentSettings{
			CooldownDurationMs: p.Settings().Cooldown.Milliseconds(),
			MaxRetries:         p.Settings().MaxRetries,
		},
		Active: p.ActiveIndex(),
	}
	for _, a := range accounts {
		da := DocumentAccount{
			Email:         a.Email,
			Source:        a.Source,
			RefreshToken:  a.RefreshToken,
			ProjectID:     a.ProjectID,
			AddedAt:       a.AddedAt,
			IsRateLimited: a.RateLimited,
		}
		if !a.LastUsed.IsZero() {
			t := a.LastUsed
			da.LastUsed = &t
		}
		if !a.RateLimitResetAt.IsZero() {
			t := a.RateLimitResetAt
			da.RateLimitResetTime = &t
		}
		doc.Accounts = append(doc.Accounts, da)
	}
	return doc
}

// Import merges document accounts into the pool.
func Import(p *Pool, doc Document) error {
	for _, da := range doc.Accounts {
		a := Account{
			Email:        da.Email,
			Source:       da.Source,
			RefreshToken: da.RefreshToken,
			ProjectID:    da.ProjectID,
			AddedAt:      da.AddedAt,
			RateLimited:  da.IsRateLimited,
		}
		if da.LastUsed != nil {
			a.LastUsed = *da.LastUsed
		}
		if da.RateLimitResetTime != nil {
			a.RateLimitResetAt = *da.RateLimitResetTime
		}
		if err := p.Upsert(a); err != nil {
			return fmt.Errorf("import %s: %w", da.Email, err)
		}
	}
	return nil
}
