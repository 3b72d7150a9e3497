// Package upstream dispatches backend-schema requests to the model service
// and classifies its failure shapes.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/quailrun/poolrelay/internal/convert"
)

// Backend endpoints with fallback (daily first, prod second).
var BaseURLs = []string{
	"https://daily-cloudcode-pa.googleapis.com/v1internal",
	"https://cloudcode-pa.googleapis.com/v1internal",
}

const userAgent = "poolrelay/1.0"

// Credentials carries what one backend call needs from the selected account.
type Credentials struct {
	AccessToken string
	ProjectID   string
}

// Outcome classifies a backend response for the scheduler.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRateLimited
	OutcomeAuthRejected
	OutcomeOther
)

// Client speaks the backend messages schema over HTTP.
type Client struct {
	jsonClient *http.Client // bounded by the configured backend timeout
	sseClient  *http.Client // unbounded; streaming lifetime follows the caller's context
	verbose    bool
}

// NewClient builds a client. The timeout bounds non-streaming calls only;
// streaming calls inherit the caller's context instead.
func NewClient(timeout time.Duration, verbose bool) *Client {
	return &Client{
		jsonClient: &http.Client{Timeout: timeout},
		sseClient:  &http.Client{},
		verbose:    verbose,
	}
}

// Generate performs a non-streaming message call.
func (c *Client) Generate(ctx context.Context, creds Credentials, req *convert.BackendRequest) (*http.Response, error) {
	req.Stream = false
	return c.doWithFallback(ctx, c.jsonClient, "generateMessage", "", creds, req)
}

// Stream performs a streaming message call; the response body is an SSE
// event sequence the caller must drain and close.
func (c *Client) Stream(ctx context.Context, creds Credentials, req *convert.BackendRequest) (*http.Response, error) {
	req.Stream = true
	return c.doWithFallback(ctx, c.sseClient, "streamGenerateMessage", "alt=sse", creds, req)
}

// FetchQuota polls per-model remaining quota for the account.
func (c *Client) FetchQuota(ctx context.Context, creds Credentials) (map[string]QuotaEntry, error) {
	resp, err := c.do(ctx, c.jsonClient, BaseURLs[0]+":fetchQuota", creds, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quota poll returned %d", resp.StatusCode)
	}

	var result struct {
		Models map[string]QuotaEntry `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode quota: %w", err)
	}
	return result.Models, nil
}

// QuotaEntry is one model's quota snapshot as the backend reports it.
type QuotaEntry struct {
	RemainingFraction float64   `json:"remainingFraction"`
	ResetTime         time.Time `json:"resetTime"`
}

// Classify maps a backend status to the scheduler's outcome taxonomy.
func Classify(resp *http.Response) Outcome {
	switch {
	case resp.StatusCode == http.StatusOK:
		return OutcomeOK
	case resp.StatusCode == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case resp.StatusCode == http.StatusUnauthorized:
		return OutcomeAuthRejected
	case resp.StatusCode == http.StatusForbidden && hasAuthErrorShape(resp):
		return OutcomeAuthRejected
	default:
		return OutcomeOther
	}
}

// hasAuthErrorShape peeks at a 403 body for an authentication failure status,
// restoring the body for downstream forwarding.
func hasAuthErrorShape(resp *http.Response) bool {
	if resp.Body == nil {
		return false
	}
	bodyBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		return false
	}
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var errInfo struct {
		Error struct {
			Status string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(bodyBytes, &errInfo); err != nil {
		return false
	}
	switch errInfo.Error.Status {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return true
	}
	return false
}

func (c *Client) doWithFallback(ctx context.Context, hc *http.Client, verb, query string, creds Credentials, req *convert.BackendRequest) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response

	for i, baseURL := range BaseURLs {
		url := fmt.Sprintf("%s:%s", baseURL, verb)
		if query != "" {
			url += "?" + query
		}

		resp, err := c.do(ctx, hc, url, creds, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			log.Printf("⚠️ Backend endpoint %d (%s) failed: %v", i+1, baseURL, err)
			continue
		}

		// 5xx means try the next endpoint; everything else is for the
		// scheduler to classify.
		if resp.StatusCode >= 500 {
			log.Printf("⚠️ Backend endpoint %d returned %d, trying next", i+1, resp.StatusCode)
			if lastResp != nil {
				lastResp.Body.Close()
			}
			lastResp = resp
			lastErr = fmt.Errorf("backend endpoint %d returned %d", i+1, resp.StatusCode)
			continue
		}
		if lastResp != nil {
			lastResp.Body.Close()
		}
		return resp, nil
	}

	if lastResp != nil {
		return lastResp, nil // let the caller read the error body
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, hc *http.Client, url string, creds Credentials, payload any) (*http.Response, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	if c.verbose {
		log.Printf("🔄 [VERBOSE] Backend request to %s:\n%s", url, jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if creds.ProjectID != "" {
		req.Header.Set("X-Relay-Project", creds.ProjectID)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	return resp, nil
}
