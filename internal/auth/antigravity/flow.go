package antigravity

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const userinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// Project resolution endpoints, tried in order (daily first, prod fallback).
var projectEndpoints = []string{
	"https://daily-cloudcode-pa.googleapis.com/v1internal:loadCodeAssist",
	"https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist",
}

// Flow drives the authorization-code lifecycle for one enrollment at a time.
type Flow struct {
	CallbackPort int
	Timeout      time.Duration

	httpClient *http.Client

	mu       sync.Mutex
	awaiting bool
}

// NewFlow returns a Flow listening on port with the given code-wait ceiling.
func NewFlow(port int, timeout time.Duration) *Flow {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Flow{
		CallbackPort: port,
		Timeout:      timeout,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Authorization holds everything the caller needs to complete one exchange.
type Authorization struct {
	URL      string
	Verifier string
	State    string
}

func (f *Flow) redirectURL() string {
	return fmt.Sprintf("http://localhost:%d/oauth-callback", f.CallbackPort)
}

// BeginAuthorization builds the consent URL with a PKCE S256 challenge and a
// random anti-forgery state token. No side effects beyond randomness.
func (f *Flow) BeginAuthorization() Authorization {
	verifier := oauth2.GenerateVerifier()

	b := make([]byte, 16)
	rand.Read(b)
	state := hex.EncodeToString(b)

	cfg := OAuthConfig(f.redirectURL())
	url := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)

	return Authorization{URL: url, Verifier: verifier, State: state}
}

// AwaitAuthorizationCode blocks until the callback delivers a code matching
// expectedState, the timeout elapses, or ctx is cancelled. Exactly one code is
// accepted per invocation; concurrent invocations fail with ErrPortInUse.
func (f *Flow) AwaitAuthorizationCode(ctx context.Context, expectedState string) (string, error) {
	f.mu.Lock()
	if f.awaiting {
		f.mu.Unlock()
		return "", ErrPortInUse
	}
	f.awaiting = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.awaiting = false
		f.mu.Unlock()
	}()

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", f.CallbackPort))
	if err != nil {
		return "", ErrPortInUse
	}

	type callbackResult struct {
		code string
		err  error
	}
	resultCh := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	var once sync.Once
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		deliver := func(res callbackResult) {
			once.Do(func() { resultCh <- res })
		}

		if errParam := q.Get("error"); errParam != "" {
			deliver(callbackResult{err: fmt.Errorf("authorization denied: %s", errParam)})
			http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
			return
		}
		if q.Get("state") != expectedState {
			deliver(callbackResult{err: ErrCsrfMismatch})
			http.Error(w, "Invalid state token", http.StatusBadRequest)
			return
		}
		code := q.Get("code")
		if code == "" {
			deliver(callbackResult{err: fmt.Errorf("callback missing code parameter")})
			http.Error(w, "Missing code", http.StatusBadRequest)
			return
		}

		deliver(callbackResult{code: code})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h3>✅ Login successful</h3>You can close this window.</body></html>")
	})

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("⚠️ [OAuth] Callback server error: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	select {
	case res := <-resultCh:
		return res.code, res.err
	case <-time.After(f.Timeout):
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ExchangeCode performs the one-shot token exchange for an authorization code.
func (f *Flow) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	cfg := OAuthConfig(f.redirectURL())
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, &ExchangeRejectedError{Err: err}
	}
	return tok, nil
}

// Refresh exchanges a refresh credential for a fresh access credential.
func (f *Flow) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	cfg := OAuthConfig("")
	source := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := source.Token()
	if err != nil {
		return nil, &RefreshRejectedError{Err: err, Permanent: isPermanentRefreshError(err)}
	}
	return tok, nil
}

// ResolveIdentity looks up the account email for an access credential.
func (f *Flow) ResolveIdentity(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity lookup returned %d", resp.StatusCode)
	}

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return "", fmt.Errorf("decode identity: %w", err)
	}
	if userInfo.Email == "" {
		return "", fmt.Errorf("identity lookup returned no email")
	}
	return userInfo.Email, nil
}

// ResolveProject tries each project endpoint in order and returns the first
// resolved project id, or "" when none answers. Failure here is non-fatal.
func (f *Flow) ResolveProject(ctx context.Context, accessToken string) string {
	payload, _ := json.Marshal(map[string]any{
		"metadata": map[string]string{"ideType": "ANTIGRAVITY"},
	})

	for i, endpoint := range projectEndpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			continue
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := f.httpClient.Do(req)
		if err != nil {
			log.Printf("⚠️ [OAuth] Project endpoint %d failed: %v", i+1, err)
			continue
		}

		var result struct {
			Config struct {
				ProjectID string `json:"projectId"`
			} `json:"codeAssistConfig"`
		}
		err = json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			continue
		}
		if result.Config.ProjectID != "" {
			return result.Config.ProjectID
		}
	}
	return ""
}
