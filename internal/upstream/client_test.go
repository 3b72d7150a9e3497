package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quailrun/poolrelay/internal/convert"
)

// withBaseURLs swaps the endpoint table for the test's lifetime.
func withBaseURLs(t *testing.T, urls []string) {
	t.Helper()
	old := BaseURLs
	BaseURLs = urls
	t.Cleanup(func() { BaseURLs = old })
}

func TestGenerate_SetsHeadersAndVerb(t *testing.T) {
	var gotPath, gotAuth, gotProject, gotUA string
	var gotBody convert.BackendRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotProject = r.Header.Get("X-Relay-Project")
		gotUA = r.Header.Get("User-Agent")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer srv.Close()
	withBaseURLs(t, []string{srv.URL + "/v1internal"})

	c := NewClient(time.Minute, false)
	resp, err := c.Generate(context.Background(), Credentials{AccessToken: "tok", ProjectID: "proj"}, &convert.BackendRequest{Model: "m"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	defer resp.Body.Close()

	if gotPath != "/v1internal:generateMessage" {
		t.Errorf("path mismatch: %s", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth header mismatch: %s", gotAuth)
	}
	if gotProject != "proj" {
		t.Errorf("project header mismatch: %s", gotProject)
	}
	if gotUA != userAgent {
		t.Errorf("user agent mismatch: %s", gotUA)
	}
	if gotBody.Model != "m" {
		t.Errorf("body not forwarded: %+v", gotBody)
	}
}

func TestStream_SetsStreamFlagAndQuery(t *testing.T) {
	var gotQuery string
	var gotBody convert.BackendRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Write([]byte("data: {}\n\n"))
	}))
	defer srv.Close()
	withBaseURLs(t, []string{srv.URL + "/v1internal"})

	c := NewClient(time.Minute, false)
	resp, err := c.Stream(context.Background(), Credentials{AccessToken: "tok"}, &convert.BackendRequest{Model: "m"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	if gotQuery != "alt=sse" {
		t.Errorf("query mismatch: %s", gotQuery)
	}
	if !gotBody.Stream {
		t.Error("stream flag not set on the wire")
	}
}

func TestDoWithFallback_SecondEndpointOn5xx(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer good.Close()
	withBaseURLs(t, []string{bad.URL + "/v1internal", good.URL + "/v1internal"})

	c := NewClient(time.Minute, false)
	resp, err := c.Generate(context.Background(), Credentials{AccessToken: "tok"}, &convert.BackendRequest{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected fallback success, got %d", resp.StatusCode)
	}
}

func TestDoWithFallback_AllEndpoints5xxReturnsLast(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"down"}}`))
	}))
	defer bad.Close()
	withBaseURLs(t, []string{bad.URL + "/v1internal", bad.URL + "/v1internal"})

	c := NewClient(time.Minute, false)
	resp, err := c.Generate(context.Background(), Credentials{AccessToken: "tok"}, &convert.BackendRequest{})
	if err != nil {
		t.Fatalf("expected the last response for error forwarding, got err %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 passthrough, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Error("error body should be readable by the caller")
	}
}

func TestDoWithFallback_NonRetryableStatusReturnsImmediately(t *testing.T) {
	calls := 0
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("second endpoint should not be called for a 429")
	}))
	defer second.Close()
	withBaseURLs(t, []string{first.URL + "/v1internal", second.URL + "/v1internal"})

	c := NewClient(time.Minute, false)
	resp, err := c.Generate(context.Background(), Credentials{AccessToken: "tok"}, &convert.BackendRequest{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests || calls != 1 {
		t.Errorf("429 should surface from the first endpoint, status=%d calls=%d", resp.StatusCode, calls)
	}
}

func TestFetchQuota(t *testing.T) {
	reset := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:fetchQuota" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"models": map[string]any{
				"relay-large": map[string]any{"remainingFraction": 0.25, "resetTime": reset},
			},
		})
	}))
	defer srv.Close()
	withBaseURLs(t, []string{srv.URL + "/v1internal"})

	c := NewClient(time.Minute, false)
	quotas, err := c.FetchQuota(context.Background(), Credentials{AccessToken: "tok"})
	if err != nil {
		t.Fatalf("fetch quota: %v", err)
	}

	q, ok := quotas["relay-large"]
	if !ok {
		t.Fatalf("model missing from quota map: %+v", quotas)
	}
	if q.RemainingFraction != 0.25 || !q.ResetTime.Equal(reset) {
		t.Errorf("quota entry mismatch: %+v", q)
	}
}
