package upstream

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func limitedResponse(headers map[string]string, body string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestParseRetryDelay_RetryAfterSeconds(t *testing.T) {
	resp := limitedResponse(map[string]string{"Retry-After": "30"}, "")
	if got := ParseRetryDelay(resp); got != 30*time.Second {
		t.Errorf("expected 30s, got %s", got)
	}
}

func TestParseRetryDelay_RetryAfterDate(t *testing.T) {
	when := time.Now().Add(90 * time.Second).UTC()
	resp := limitedResponse(map[string]string{"Retry-After": when.Format(http.TimeFormat)}, "")

	got := ParseRetryDelay(resp)
	if got < 80*time.Second || got > 91*time.Second {
		t.Errorf("expected roughly 90s, got %s", got)
	}
}

func TestParseRetryDelay_JSONDetails(t *testing.T) {
	body := `{"error":{"code":429,"status":"RESOURCE_EXHAUSTED","details":[
		{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"12.5s"}
	]}}`
	resp := limitedResponse(nil, body)

	if got := ParseRetryDelay(resp); got != 12500*time.Millisecond {
		t.Errorf("expected 12.5s, got %s", got)
	}

	// The body must be readable again for forwarding.
	restored, err := io.ReadAll(resp.Body)
	if err != nil || len(restored) == 0 {
		t.Error("body not restored after parsing")
	}
}

func TestParseRetryDelay_MetadataDelay(t *testing.T) {
	body := `{"error":{"details":[{"reason":"RATE_LIMIT_EXCEEDED","metadata":{"retryDelay":"45s"}}]}}`
	resp := limitedResponse(nil, body)

	if got := ParseRetryDelay(resp); got != 45*time.Second {
		t.Errorf("expected 45s, got %s", got)
	}
}

func TestParseRetryDelay_NoInformation(t *testing.T) {
	if got := ParseRetryDelay(limitedResponse(nil, `{"error":{"message":"slow down"}}`)); got != 0 {
		t.Errorf("expected 0, got %s", got)
	}
	if got := ParseRetryDelay(limitedResponse(nil, "not json")); got != 0 {
		t.Errorf("expected 0 for junk body, got %s", got)
	}
	if got := ParseRetryDelay(nil); got != 0 {
		t.Errorf("expected 0 for nil response, got %s", got)
	}
}

func TestClassify(t *testing.T) {
	mk := func(status int, body string) *http.Response {
		return &http.Response{StatusCode: status, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(body))}
	}

	if got := Classify(mk(200, "")); got != OutcomeOK {
		t.Errorf("200: got %v", got)
	}
	if got := Classify(mk(429, "")); got != OutcomeRateLimited {
		t.Errorf("429: got %v", got)
	}
	if got := Classify(mk(401, "")); got != OutcomeAuthRejected {
		t.Errorf("401: got %v", got)
	}

	// 403 counts as auth rejection only with the auth-failure error shape
	if got := Classify(mk(403, `{"error":{"status":"PERMISSION_DENIED"}}`)); got != OutcomeAuthRejected {
		t.Errorf("403 PERMISSION_DENIED: got %v", got)
	}
	if got := Classify(mk(403, `{"error":{"status":"QUOTA_EXCEEDED"}}`)); got != OutcomeOther {
		t.Errorf("403 other: got %v", got)
	}

	if got := Classify(mk(500, "")); got != OutcomeOther {
		t.Errorf("500: got %v", got)
	}
	if got := Classify(mk(400, "")); got != OutcomeOther {
		t.Errorf("400: got %v", got)
	}
}
