package scheduler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quailrun/poolrelay/internal/auth/antigravity"
	"github.com/quailrun/poolrelay/internal/convert"
	"github.com/quailrun/poolrelay/internal/pool"
	"github.com/quailrun/poolrelay/internal/upstream"
)

// scriptedBackend returns canned responses in order, recording which
// credential served each call.
type scriptedBackend struct {
	responses []*http.Response
	calls     int32
	tokens    []string
}

func (b *scriptedBackend) next(creds upstream.Credentials) (*http.Response, error) {
	i := int(atomic.AddInt32(&b.calls, 1)) - 1
	b.tokens = append(b.tokens, creds.AccessToken)
	if i >= len(b.responses) {
		return nil, errors.New("no more scripted responses")
	}
	return b.responses[i], nil
}

func (b *scriptedBackend) Generate(ctx context.Context, creds upstream.Credentials, req *convert.BackendRequest) (*http.Response, error) {
	return b.next(creds)
}

func (b *scriptedBackend) Stream(ctx context.Context, creds upstream.Credentials, req *convert.BackendRequest) (*http.Response, error) {
	return b.next(creds)
}

type stubRefresher struct {
	err   error
	calls int32
}

func (r *stubRefresher) Refresh(ctx context.Context, refreshToken string) (string, time.Time, string, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.err != nil {
		return "", time.Time{}, "", r.err
	}
	return "refreshed-" + refreshToken, time.Now().Add(time.Hour), "", nil
}

func response(status int, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(`{}`)),
	}
}

func freshAccount(email string) pool.Account {
	return pool.Account{
		Email:          email,
		RefreshToken:   "rt-" + email,
		AccessToken:    "at-" + email,
		TokenExpiresAt: time.Now().Add(time.Hour),
		AddedAt:        time.Now(),
	}
}

func newSchedPool(emails ...string) *pool.Pool {
	p := pool.New(10, pool.Settings{Cooldown: 5 * time.Minute, MaxRetries: 3}, nil)
	for _, e := range emails {
		p.Upsert(freshAccount(e))
	}
	return p
}

func TestDo_Success(t *testing.T) {
	p := newSchedPool("a@test.com")
	backend := &scriptedBackend{responses: []*http.Response{response(200, nil)}}
	s := New(p, &stubRefresher{}, backend, Config{MaxRetries: 3})

	res, err := s.Do(context.Background(), &convert.BackendRequest{Model: "m"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Resp.Body.Close()

	if res.Account.Email != "a@test.com" {
		t.Errorf("unexpected account: %s", res.Account.Email)
	}
	// Fresh credential means no refresh call
	if backend.tokens[0] != "at-a@test.com" {
		t.Errorf("unexpected credential: %s", backend.tokens[0])
	}

	acct, _ := p.Get("a@test.com")
	if acct.LastUsed.IsZero() {
		t.Error("success should touch the account")
	}
}

func TestDo_RotatesOnRateLimit(t *testing.T) {
	p := newSchedPool("a@test.com", "b@test.com")
	backend := &scriptedBackend{responses: []*http.Response{
		// Long reset keeps the scheduler from waiting in place.
		response(429, map[string]string{"Retry-After": "3600"}),
		response(200, nil),
	}}
	s := New(p, &stubRefresher{}, backend, Config{MaxRetries: 3, ShortLimitThreshold: time.Second})

	res, err := s.Do(context.Background(), &convert.BackendRequest{})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Resp.Body.Close()

	if res.Account.Email != "b@test.com" {
		t.Errorf("expected rotation to b@test.com, got %s", res.Account.Email)
	}

	acct, _ := p.Get("a@test.com")
	if !acct.RateLimited {
		t.Error("rate-limited account should be flagged")
	}
}

func TestDo_ShortLimitWaitsInPlace(t *testing.T) {
	p := newSchedPool("a@test.com")
	backend := &scriptedBackend{responses: []*http.Response{
		response(429, map[string]string{"Retry-After": "1"}),
		response(200, nil),
	}}
	s := New(p, &stubRefresher{}, backend, Config{MaxRetries: 3, ShortLimitThreshold: 2 * time.Second})

	start := time.Now()
	res, err := s.Do(context.Background(), &convert.BackendRequest{})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Resp.Body.Close()

	if res.Account.Email != "a@test.com" {
		t.Errorf("short limit should retry the same account, got %s", res.Account.Email)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("expected a wait of at least 1s, waited %s", elapsed)
	}

	acct, _ := p.Get("a@test.com")
	if acct.RateLimited {
		t.Error("waited-out limit should not flag the account")
	}
}

func TestDo_AuthRejectedMarksInvalid(t *testing.T) {
	p := newSchedPool("a@test.com", "b@test.com")
	backend := &scriptedBackend{responses: []*http.Response{
		response(401, nil),
		response(200, nil),
	}}
	s := New(p, &stubRefresher{}, backend, Config{MaxRetries: 3})

	res, err := s.Do(context.Background(), &convert.BackendRequest{})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Resp.Body.Close()

	if res.Account.Email != "b@test.com" {
		t.Errorf("expected rotation to b@test.com, got %s", res.Account.Email)
	}
	acct, _ := p.Get("a@test.com")
	if !acct.Invalid {
		t.Error("auth rejection should invalidate the account")
	}
}

func TestDo_OtherErrorSurfacesUnmodified(t *testing.T) {
	p := newSchedPool("a@test.com")
	backend := &scriptedBackend{responses: []*http.Response{response(400, nil)}}
	s := New(p, &stubRefresher{}, backend, Config{MaxRetries: 3})

	res, err := s.Do(context.Background(), &convert.BackendRequest{})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Resp.Body.Close()

	// 400s belong to the caller, not the retry loop.
	if res.Resp.StatusCode != 400 {
		t.Errorf("expected passthrough 400, got %d", res.Resp.StatusCode)
	}
	if atomic.LoadInt32(&backend.calls) != 1 {
		t.Errorf("client errors must not be retried, got %d calls", backend.calls)
	}
}

func TestDo_ExhaustionReportsEarliestReset(t *testing.T) {
	p := newSchedPool("a@test.com", "b@test.com")
	backend := &scriptedBackend{responses: []*http.Response{
		response(429, map[string]string{"Retry-After": "1800"}),
		response(429, map[string]string{"Retry-After": "3600"}),
	}}
	s := New(p, &stubRefresher{}, backend, Config{MaxRetries: 3, ShortLimitThreshold: time.Second})

	_, err := s.Do(context.Background(), &convert.BackendRequest{})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}

	// Earliest reset should be the 30-minute one, not the hour.
	want := time.Now().Add(30 * time.Minute)
	if exhausted.EarliestReset.Before(want.Add(-time.Minute)) || exhausted.EarliestReset.After(want.Add(time.Minute)) {
		t.Errorf("earliest reset out of range: %s", exhausted.EarliestReset)
	}
}

func TestDo_EmptyPool(t *testing.T) {
	p := pool.New(10, pool.Settings{}, nil)
	s := New(p, &stubRefresher{}, &scriptedBackend{}, Config{MaxRetries: 3})

	_, err := s.Do(context.Background(), &convert.BackendRequest{})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if !exhausted.EarliestReset.IsZero() {
		t.Errorf("empty pool has no known reset, got %s", exhausted.EarliestReset)
	}
}

func TestDo_StaleCredentialRefreshes(t *testing.T) {
	p := pool.New(10, pool.Settings{}, nil)
	p.Upsert(pool.Account{
		Email:          "a@test.com",
		RefreshToken:   "rt-a",
		AccessToken:    "at-stale",
		TokenExpiresAt: time.Now().Add(-time.Minute),
		AddedAt:        time.Now(),
	})
	backend := &scriptedBackend{responses: []*http.Response{response(200, nil)}}
	refresher := &stubRefresher{}
	s := New(p, refresher, backend, Config{MaxRetries: 3})

	res, err := s.Do(context.Background(), &convert.BackendRequest{})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Resp.Body.Close()

	if atomic.LoadInt32(&refresher.calls) != 1 {
		t.Fatalf("expected one refresh, got %d", refresher.calls)
	}
	if backend.tokens[0] != "refreshed-rt-a" {
		t.Errorf("dispatch should use the refreshed credential, got %s", backend.tokens[0])
	}

	// The refreshed credential is stored back on the account.
	acct, _ := p.Get("a@test.com")
	if acct.AccessToken != "refreshed-rt-a" {
		t.Errorf("refreshed credential not stored: %s", acct.AccessToken)
	}
}

func TestDo_PermanentRefreshFailureInvalidates(t *testing.T) {
	p := pool.New(10, pool.Settings{}, nil)
	p.Upsert(pool.Account{
		Email:          "a@test.com",
		RefreshToken:   "rt-a",
		TokenExpiresAt: time.Now().Add(-time.Minute),
		AddedAt:        time.Now(),
	})
	refresher := &stubRefresher{err: &antigravity.RefreshRejectedError{
		Err:       errors.New("invalid_grant"),
		Permanent: true,
	}}
	s := New(p, refresher, &scriptedBackend{}, Config{MaxRetries: 3})

	_, err := s.Do(context.Background(), &convert.BackendRequest{})
	if err == nil {
		t.Fatal("expected error")
	}

	acct, _ := p.Get("a@test.com")
	if !acct.Invalid {
		t.Error("rejected refresh should invalidate the account")
	}
}

func TestDo_TransientRefreshFailureSkipsWithoutInvalidating(t *testing.T) {
	p := pool.New(10, pool.Settings{}, nil)
	p.Upsert(pool.Account{
		Email:          "a@test.com",
		RefreshToken:   "rt-a",
		TokenExpiresAt: time.Now().Add(-time.Minute),
		AddedAt:        time.Now(),
	})
	p.Upsert(freshAccount("b@test.com"))

	refresher := &stubRefresher{err: &antigravity.RefreshRejectedError{
		Err:       errors.New("dial tcp: i/o timeout"),
		Permanent: false,
	}}
	backend := &scriptedBackend{responses: []*http.Response{response(200, nil)}}
	s := New(p, refresher, backend, Config{MaxRetries: 3})

	res, err := s.Do(context.Background(), &convert.BackendRequest{})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Resp.Body.Close()

	if res.Account.Email != "b@test.com" {
		t.Errorf("expected rotation to b@test.com, got %s", res.Account.Email)
	}

	// A network blip is not a revoked grant: the account stays in the pool
	// and serves again once its refresh succeeds.
	acct, _ := p.Get("a@test.com")
	if acct.Invalid {
		t.Errorf("transient refresh failure must not invalidate the account: %s", acct.InvalidReason)
	}
}

// slowRefresher holds each refresh long enough for concurrent callers to
// pile up on the same flight.
type slowRefresher struct {
	calls int32
	delay time.Duration
}

func (r *slowRefresher) Refresh(ctx context.Context, refreshToken string) (string, time.Time, string, error) {
	atomic.AddInt32(&r.calls, 1)
	time.Sleep(r.delay)
	return "refreshed-" + refreshToken, time.Now().Add(time.Hour), "", nil
}

// okBackend answers 200 to every call and is safe for concurrent use.
type okBackend struct {
	calls int32
}

func (b *okBackend) next() (*http.Response, error) {
	atomic.AddInt32(&b.calls, 1)
	return response(200, nil), nil
}

func (b *okBackend) Generate(ctx context.Context, creds upstream.Credentials, req *convert.BackendRequest) (*http.Response, error) {
	return b.next()
}

func (b *okBackend) Stream(ctx context.Context, creds upstream.Credentials, req *convert.BackendRequest) (*http.Response, error) {
	return b.next()
}

func TestDo_ConcurrentStaleCredentialRefreshesOnce(t *testing.T) {
	p := pool.New(10, pool.Settings{}, nil)
	p.Upsert(pool.Account{
		Email:          "a@test.com",
		RefreshToken:   "rt-a",
		AccessToken:    "at-stale",
		TokenExpiresAt: time.Now().Add(-time.Minute),
		AddedAt:        time.Now(),
	})
	refresher := &slowRefresher{delay: 100 * time.Millisecond}
	backend := &okBackend{}
	s := New(p, refresher, backend, Config{MaxRetries: 3})

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := s.Do(context.Background(), &convert.BackendRequest{})
			if err == nil {
				res.Resp.Body.Close()
			}
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("do: %v", err)
		}
	}

	// All callers saw the stale credential at once; the flight coalesces
	// them into a single upstream refresh.
	if got := atomic.LoadInt32(&refresher.calls); got != 1 {
		t.Errorf("expected one coalesced refresh, got %d", got)
	}
	if got := atomic.LoadInt32(&backend.calls); got != n {
		t.Errorf("expected %d dispatches, got %d", n, got)
	}

	acct, _ := p.Get("a@test.com")
	if acct.AccessToken != "refreshed-rt-a" {
		t.Errorf("refreshed credential not stored: %s", acct.AccessToken)
	}
}

// gatedRefresher blocks mid-refresh until released, recording the state of
// its context at completion.
type gatedRefresher struct {
	started chan struct{}
	release chan struct{}
	ctxErr  error
}

func (r *gatedRefresher) Refresh(ctx context.Context, refreshToken string) (string, time.Time, string, error) {
	close(r.started)
	<-r.release
	r.ctxErr = ctx.Err()
	return "refreshed-" + refreshToken, time.Now().Add(time.Hour), "", nil
}

func TestDo_RefreshOutlivesCallerCancellation(t *testing.T) {
	p := pool.New(10, pool.Settings{}, nil)
	p.Upsert(pool.Account{
		Email:          "a@test.com",
		RefreshToken:   "rt-a",
		TokenExpiresAt: time.Now().Add(-time.Minute),
		AddedAt:        time.Now(),
	})
	refresher := &gatedRefresher{started: make(chan struct{}), release: make(chan struct{})}
	s := New(p, refresher, &okBackend{}, Config{MaxRetries: 3})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := s.Do(ctx, &convert.BackendRequest{})
		if err == nil {
			res.Resp.Body.Close()
		}
	}()

	// Cancel the winning caller while its refresh is in flight.
	<-refresher.started
	cancel()
	close(refresher.release)
	<-done

	// The refresh runs on its own context and its result still lands in the
	// pool for the callers that come next.
	if refresher.ctxErr != nil {
		t.Errorf("refresh context died with the caller: %v", refresher.ctxErr)
	}
	acct, _ := p.Get("a@test.com")
	if acct.AccessToken != "refreshed-rt-a" {
		t.Errorf("refreshed credential not stored: %s", acct.AccessToken)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	p := newSchedPool("a@test.com")
	backend := &scriptedBackend{responses: []*http.Response{
		response(429, map[string]string{"Retry-After": "2"}),
	}}
	s := New(p, &stubRefresher{}, backend, Config{MaxRetries: 3, ShortLimitThreshold: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Do(ctx, &convert.BackendRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation should interrupt the short-limit wait")
	}
}
