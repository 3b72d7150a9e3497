package pool

import (
	"errors"
	"log"
	"sync"
	"time"
)

var (
	// ErrNoneAvailable means every account is invalid or rate-limited.
	ErrNoneAvailable = errors.New("no account available")
	// ErrPoolFull means the account cap has been reached.
	ErrPoolFull = errors.New("account pool is full")
	// ErrNotFound means no account with that email exists.
	ErrNotFound = errors.New("account not found")
)

// Settings are the persisted pool-wide knobs.
type Settings struct {
	Cooldown   time.Duration
	MaxRetries int
}

// Store persists account mutations. Implementations must be safe for
// concurrent use; failures are logged, never fatal to request handling.
type Store interface {
	SaveAccount(Account) error
	DeleteAccount(email string) error
}

// Pool is the in-memory account registry. A single mutex serializes every
// read-modify-write so no caller observes a half-updated account.
type Pool struct {
	mu          sync.Mutex
	accounts    []*Account
	activeIndex int // last sticky selection; -1 when empty
	maxAccounts int
	settings    Settings
	store       Store
}

// New creates an empty pool. store may be nil for tests.
func New(maxAccounts int, settings Settings, store Store) *Pool {
	return &Pool{
		activeIndex: -1,
		maxAccounts: maxAccounts,
		settings:    settings,
		store:       store,
	}
}

// Settings returns the pool-wide policy knobs.
func (p *Pool) Settings() Settings { return p.settings }

// Select returns a usable account, preferring the sticky hint for backend
// cache affinity. Accounts whose rate-limit reset has passed are healed in
// place. Select never blocks on I/O.
func (p *Pool) Select(stickyEmail string, exclude map[string]bool) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	if stickyEmail != "" && !exclude[stickyEmail] {
		if i := p.indexOf(stickyEmail); i >= 0 {
			a := p.accounts[i]
			if a.Usable(now) {
				p.clearStaleLimit(a, now)
				p.activeIndex = i
				return a.clone(), nil
			}
		}
	}

	for i, a := range p.accounts {
		if exclude[a.Email] || !a.Usable(now) {
			continue
		}
		p.clearStaleLimit(a, now)
		p.activeIndex = i
		return a.clone(), nil
	}

	return Account{}, ErrNoneAvailable
}

func (p *Pool) clearStaleLimit(a *Account, now time.Time) {
	if a.RateLimited && !now.Before(a.RateLimitResetAt) {
		a.RateLimited = false
		a.RateLimitResetAt = time.Time{}
		log.Printf("✅ Rate limit expired for %s, back in rotation", a.Email)
		p.persist(a)
	}
}

// MarkRateLimited flags the account until resetAt. A zero resetAt falls back
// to the configured cooldown.
func (p *Pool) MarkRateLimited(email string, resetAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(email)
	if i < 0 {
		return
	}
	if resetAt.IsZero() {
		resetAt = time.Now().Add(p.settings.Cooldown)
	}
	a := p.accounts[i]
	a.RateLimited = true
	a.RateLimitResetAt = resetAt
	log.Printf("⏳ Account %s rate-limited until %s", email, resetAt.Format(time.RFC3339))
	p.persist(a)
}

// MarkInvalid removes the account from rotation until re-authenticated.
func (p *Pool) MarkInvalid(email, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(email)
	if i < 0 {
		return
	}
	a := p.accounts[i]
	a.Invalid = true
	a.InvalidReason = reason
	log.Printf("🔒 Account %s marked invalid: %s", email, reason)
	p.persist(a)
}

// MarkHealthy clears both the rate-limit and invalid flags.
func (p *Pool) MarkHealthy(email string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(email)
	if i < 0 {
		return
	}
	a := p.accounts[i]
	a.RateLimited = false
	a.RateLimitResetAt = time.Time{}
	a.Invalid = false
	a.InvalidReason = ""
	p.persist(a)
}

// Touch records a successful use of the account.
func (p *Pool) Touch(email string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(email)
	if i < 0 {
		return
	}
	a := p.accounts[i]
	a.LastUsed = at
	p.activeIndex = i
	p.persist(a)
}

// UpdateCredential stores a refreshed access credential, rotating the refresh
// credential when the provider issued a new one.
func (p *Pool) UpdateCredential(email, accessToken string, expiresAt time.Time, refreshToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(email)
	if i < 0 {
		return
	}
	a := p.accounts[i]
	a.AccessToken = accessToken
	a.TokenExpiresAt = expiresAt
	if refreshToken != "" && refreshToken != a.RefreshToken {
		log.Printf("🔄 Rotating refresh token for: %s", email)
		a.RefreshToken = refreshToken
	}
	p.persist(a)
}

// UpdateQuota records a polled per-model quota snapshot.
func (p *Pool) UpdateQuota(email, model string, q ModelQuota) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(email)
	if i < 0 {
		return
	}
	a := p.accounts[i]
	if a.Quota == nil {
		a.Quota = make(map[string]ModelQuota)
	}
	a.Quota[model] = q
	p.persist(a)
}

// Upsert adds a new account or replaces the credentials of an existing one,
// clearing the invalid flag either way. Used by enrollment, not by request
// handling.
func (p *Pool) Upsert(acc Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i := p.indexOf(acc.Email); i >= 0 {
		existing := p.accounts[i]
		existing.RefreshToken = acc.RefreshToken
		existing.AccessToken = acc.AccessToken
		existing.TokenExpiresAt = acc.TokenExpiresAt
		if acc.ProjectID != "" {
			existing.ProjectID = acc.ProjectID
		}
		existing.Invalid = false
		existing.InvalidReason = ""
		log.Printf("✅ Re-authenticated account: %s", acc.Email)
		p.persist(existing)
		return nil
	}

	if p.maxAccounts > 0 && len(p.accounts) >= p.maxAccounts {
		return ErrPoolFull
	}
	if acc.AddedAt.IsZero() {
		acc.AddedAt = time.Now()
	}
	a := acc.clone()
	p.accounts = append(p.accounts, &a)
	if p.activeIndex < 0 {
		p.activeIndex = 0
	}
	log.Printf("✅ Added account: %s (pool size %d)", acc.Email, len(p.accounts))
	p.persist(&a)
	return nil
}

// Remove deletes an account from the pool. Operator action only.
func (p *Pool) Remove(email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(email)
	if i < 0 {
		return ErrNotFound
	}
	p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
	switch {
	case len(p.accounts) == 0:
		p.activeIndex = -1
	case p.activeIndex >= len(p.accounts):
		p.activeIndex = len(p.accounts) - 1
	}
	if p.store != nil {
		if err := p.store.DeleteAccount(email); err != nil {
			log.Printf("⚠️ Failed to delete account %s from store: %v", email, err)
		}
	}
	return nil
}

// Get returns a copy of the account with that email.
func (p *Pool) Get(email string) (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(email)
	if i < 0 {
		return Account{}, false
	}
	return p.accounts[i].clone(), true
}

// List returns copies of all accounts in stable order.
func (p *Pool) List() []Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		out = append(out, a.clone())
	}
	return out
}

// Len returns the number of accounts.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// ActiveIndex returns the last sticky selection, -1 when the pool is empty.
func (p *Pool) ActiveIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeIndex
}

// EarliestReset returns the soonest known rate-limit reset across the pool.
func (p *Pool) EarliestReset() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var earliest time.Time
	for _, a := range p.accounts {
		if !a.RateLimited || a.RateLimitResetAt.IsZero() {
			continue
		}
		if earliest.IsZero() || a.RateLimitResetAt.Before(earliest) {
			earliest = a.RateLimitResetAt
		}
	}
	return earliest, !earliest.IsZero()
}

// StartSweep heals stale rate limits in the background so the status endpoint
// reflects reality between requests.
func (p *Pool) StartSweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			p.mu.Lock()
			now := time.Now()
			for _, a := range p.accounts {
				p.clearStaleLimit(a, now)
			}
			p.mu.Unlock()
		}
	}()
}

// indexOf is called with p.mu held.
func (p *Pool) indexOf(email string) int {
	for i, a := range p.accounts {
		if a.Email == email {
			return i
		}
	}
	return -1
}

func (p *Pool) persist(a *Account) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveAccount(a.clone()); err != nil {
		log.Printf("⚠️ Failed to persist account %s: %v", a.Email, err)
	}
}
