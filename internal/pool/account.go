// Package pool maintains the registry of upstream accounts and their
// health, rate-limit, and quota state.
package pool

import "time"

// ModelQuota is one model's remaining quota on an account, as last polled.
type ModelQuota struct {
	// RemainingFraction is in [0,1]; -1 means unknown.
	RemainingFraction float64 `json:"remaining_fraction"`
	// ResetAt is the quota window reset; zero means unknown.
	ResetAt time.Time `json:"reset_at,omitempty"`
}

// Account is one upstream identity. The pool hands out copies; all mutation
// goes through pool methods keyed by email.
type Account struct {
	Email            string
	Source           string
	RefreshToken     string
	AccessToken      string
	TokenExpiresAt   time.Time
	ProjectID        string
	AddedAt          time.Time
	LastUsed         time.Time // zero = never used
	RateLimited      bool
	RateLimitResetAt time.Time
	Invalid          bool
	InvalidReason    string
	Quota            map[string]ModelQuota
}

// Usable reports whether the account may serve a request at now. A stale
// rate limit counts as usable; Select clears the flag when it picks one up.
func (a *Account) Usable(now time.Time) bool {
	if a.Invalid {
		return false
	}
	if a.RateLimited && now.Before(a.RateLimitResetAt) {
		return false
	}
	return true
}

// CredentialFresh reports whether the access credential is still valid with
// some margin left.
func (a *Account) CredentialFresh(now time.Time) bool {
	return a.AccessToken != "" && a.TokenExpiresAt.After(now.Add(time.Minute))
}

func (a *Account) clone() Account {
	c := *a
	if a.Quota != nil {
		c.Quota = make(map[string]ModelQuota, len(a.Quota))
		for k, v := range a.Quota {
			c.Quota[k] = v
		}
	}
	return c
}
