// Package scheduler picks the account that serves each request, dispatches
// to the backend, and rotates around rate limits and dead credentials.
package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/quailrun/poolrelay/internal/auth/antigravity"
	"github.com/quailrun/poolrelay/internal/convert"
	"github.com/quailrun/poolrelay/internal/pool"
	"github.com/quailrun/poolrelay/internal/upstream"
	"golang.org/x/sync/singleflight"
)

// Refresher is the credential-refresh slice of the auth flow.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (accessToken string, expiresAt time.Time, newRefreshToken string, err error)
}

// FlowRefresher adapts the auth flow to the Refresher interface.
type FlowRefresher struct {
	Flow *antigravity.Flow
}

func (r FlowRefresher) Refresh(ctx context.Context, refreshToken string) (string, time.Time, string, error) {
	tok, err := r.Flow.Refresh(ctx, refreshToken)
	if err != nil {
		return "", time.Time{}, "", err
	}
	return tok.AccessToken, tok.Expiry, tok.RefreshToken, nil
}

// Backend is the dispatch surface the scheduler drives.
type Backend interface {
	Generate(ctx context.Context, creds upstream.Credentials, req *convert.BackendRequest) (*http.Response, error)
	Stream(ctx context.Context, creds upstream.Credentials, req *convert.BackendRequest) (*http.Response, error)
}

// refreshTimeout bounds a coalesced refresh call, which runs detached from
// any single request's context.
const refreshTimeout = 30 * time.Second

// Config is the scheduling policy; deterministic given the same backend
// responses, so behavior stays testable.
type Config struct {
	MaxRetries          int
	ShortLimitThreshold time.Duration
}

// Scheduler routes requests through the account pool.
type Scheduler struct {
	pool    *pool.Pool
	auth    Refresher
	backend Backend
	cfg     Config

	refreshGroup singleflight.Group

	mu     sync.Mutex
	sticky string // email of the last account that served a request
}

// New wires a scheduler over the pool, refresher, and backend client.
func New(p *pool.Pool, auth Refresher, backend Backend, cfg Config) *Scheduler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ShortLimitThreshold <= 0 {
		cfg.ShortLimitThreshold = 2 * time.Minute
	}
	return &Scheduler{pool: p, auth: auth, backend: backend, cfg: cfg}
}

// Result is a dispatched backend call. The caller owns Resp.Body.
type Result struct {
	Account pool.Account
	Resp    *http.Response
}

func (s *Scheduler) stickyHint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sticky
}

func (s *Scheduler) setSticky(email string) {
	s.mu.Lock()
	s.sticky = email
	s.mu.Unlock()
}

// Do selects an account, dispatches req, and interprets the outcome,
// rotating accounts up to the retry budget. Short rate limits are waited out
// in place on the same account, at most once per request.
func (s *Scheduler) Do(ctx context.Context, req *convert.BackendRequest) (*Result, error) {
	exclude := make(map[string]bool)
	waited := false
	var lastErr error

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		acct, err := s.pool.Select(s.stickyHint(), exclude)
		if err != nil {
			return nil, s.exhausted()
		}

		creds, err := s.freshCredentials(ctx, acct)
		if err != nil {
			// Only a grant-level rejection condemns the account; transient
			// refresh trouble skips it for this request without flagging it.
			var rejected *antigravity.RefreshRejectedError
			if errors.As(err, &rejected) && rejected.Permanent {
				s.pool.MarkInvalid(acct.Email, rejected.Error())
				exclude[acct.Email] = true
				lastErr = err
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			exclude[acct.Email] = true
			lastErr = err
			continue
		}

		resp, err := s.dispatch(ctx, creds, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			exclude[acct.Email] = true
			lastErr = err
			continue
		}

		switch upstream.Classify(resp) {
		case upstream.OutcomeOK:
			s.pool.Touch(acct.Email, time.Now())
			s.setSticky(acct.Email)
			return &Result{Account: acct, Resp: resp}, nil

		case upstream.OutcomeRateLimited:
			delay := upstream.ParseRetryDelay(resp)
			drain(resp)
			var resetAt time.Time
			if delay > 0 {
				resetAt = time.Now().Add(delay)
			}

			if delay > 0 && delay <= s.cfg.ShortLimitThreshold && !waited {
				// Short limit: cheaper to wait here than to abandon the
				// backend cache affinity of this account.
				waited = true
				log.Printf("⏳ Short rate limit on %s, holding %s", acct.Email, delay)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				attempt--
				continue
			}

			s.pool.MarkRateLimited(acct.Email, resetAt)
			exclude[acct.Email] = true
			lastErr = nil

		case upstream.OutcomeAuthRejected:
			drain(resp)
			s.pool.MarkInvalid(acct.Email, "backend rejected credential")
			exclude[acct.Email] = true
			lastErr = nil

		case upstream.OutcomeOther:
			// Not ours to retry: surface the backend's own error unmodified.
			s.pool.Touch(acct.Email, time.Now())
			return &Result{Account: acct, Resp: resp}, nil
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, s.exhausted()
}

func (s *Scheduler) dispatch(ctx context.Context, creds upstream.Credentials, req *convert.BackendRequest) (*http.Response, error) {
	if req.Stream {
		return s.backend.Stream(ctx, creds, req)
	}
	return s.backend.Generate(ctx, creds, req)
}

// freshCredentials returns a usable access credential for the account,
// refreshing it when stale. Concurrent refreshes for one account coalesce
// into a single upstream call, detached from the callers' contexts.
func (s *Scheduler) freshCredentials(ctx context.Context, acct pool.Account) (upstream.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return upstream.Credentials{}, err
	}
	if acct.CredentialFresh(time.Now()) {
		return upstream.Credentials{AccessToken: acct.AccessToken, ProjectID: acct.ProjectID}, nil
	}

	v, err, _ := s.refreshGroup.Do(acct.Email, func() (any, error) {
		// Re-read: another request may have refreshed while we queued.
		latest, ok := s.pool.Get(acct.Email)
		if !ok {
			return nil, pool.ErrNotFound
		}
		if latest.CredentialFresh(time.Now()) {
			return upstream.Credentials{AccessToken: latest.AccessToken, ProjectID: latest.ProjectID}, nil
		}

		// The outcome is shared by every coalesced waiter, so the call must
		// not die with whichever request happens to win the flight.
		refreshCtx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		access, expiresAt, newRefresh, err := s.auth.Refresh(refreshCtx, latest.RefreshToken)
		if err != nil {
			return nil, err
		}
		s.pool.UpdateCredential(latest.Email, access, expiresAt, newRefresh)
		log.Printf("✅ Refreshed credential for %s (expires %s)", latest.Email, expiresAt.Format(time.RFC3339))
		return upstream.Credentials{AccessToken: access, ProjectID: latest.ProjectID}, nil
	})
	if err != nil {
		return upstream.Credentials{}, err
	}
	return v.(upstream.Credentials), nil
}

func (s *Scheduler) exhausted() error {
	earliest, _ := s.pool.EarliestReset()
	return &ExhaustedError{EarliestReset: earliest}
}

func drain(resp *http.Response) {
	if resp.Body != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
	}
}
