package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/quailrun/poolrelay/internal/pool"
	"github.com/quailrun/poolrelay/internal/upstream"
)

// QuotaPoller is the optional per-model quota probe.
type QuotaPoller interface {
	FetchQuota(ctx context.Context, creds upstream.Credentials) (map[string]upstream.QuotaEntry, error)
}

// StartRefreshLoop refreshes credentials expiring soon so requests rarely pay
// the refresh latency. Low frequency keeps provider OAuth load down.
func (s *Scheduler) StartRefreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			s.refreshExpiring()
		}
	}()
	log.Printf("🔄 Credential refresh loop started (interval: %s)", interval)
}

func (s *Scheduler) refreshExpiring() {
	threshold := time.Now().Add(20 * time.Minute)
	for _, acct := range s.pool.List() {
		if acct.Invalid || acct.RefreshToken == "" {
			continue
		}
		if acct.TokenExpiresAt.After(threshold) {
			continue
		}
		if _, err := s.freshCredentials(context.Background(), acct); err != nil {
			log.Printf("⚠️ Background refresh failed for %s: %v", acct.Email, err)
		}
	}
}

// StartQuotaPolling periodically records per-model remaining quota for the
// status endpoint.
func (s *Scheduler) StartQuotaPolling(poller QuotaPoller, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			s.pollQuota(poller)
		}
	}()
	log.Printf("📊 Quota polling started (interval: %s)", interval)
}

func (s *Scheduler) pollQuota(poller QuotaPoller) {
	for _, acct := range s.pool.List() {
		if acct.Invalid {
			continue
		}
		creds, err := s.freshCredentials(context.Background(), acct)
		if err != nil {
			continue
		}
		quotas, err := poller.FetchQuota(context.Background(), creds)
		if err != nil {
			log.Printf("⚠️ Quota poll failed for %s: %v", acct.Email, err)
			continue
		}
		for model, entry := range quotas {
			s.pool.UpdateQuota(acct.Email, model, pool.ModelQuota{
				RemainingFraction: entry.RemainingFraction,
				ResetAt:           entry.ResetTime,
			})
		}
	}
}
