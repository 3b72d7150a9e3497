package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/quailrun/poolrelay/internal/convert"
	"github.com/quailrun/poolrelay/internal/scheduler"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOpenAIError(w http.ResponseWriter, message, errType string, status int) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	})
}

func writeAnthropicError(w http.ResponseWriter, message, errType string, status int) {
	writeJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
}

// schedulerErrorStatus mirrors the status writeSchedulerError reports, for
// the request log.
func schedulerErrorStatus(err error) int {
	var exhausted *scheduler.ExhaustedError
	if errors.As(err, &exhausted) {
		return http.StatusTooManyRequests
	}
	return http.StatusBadGateway
}

// writeSchedulerError maps a scheduler failure onto the client's schema.
// Pool exhaustion becomes 429 with a Retry-After hint when the earliest
// reset is known.
func writeSchedulerError(w http.ResponseWriter, schema convert.Schema, err error) {
	var exhausted *scheduler.ExhaustedError
	if errors.As(err, &exhausted) {
		message := "all accounts are rate-limited or invalid"
		if !exhausted.EarliestReset.IsZero() {
			wait := time.Until(exhausted.EarliestReset)
			if wait > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(wait.Seconds())+1))
			}
			message = fmt.Sprintf("all accounts are rate-limited or invalid, earliest reset %s",
				exhausted.EarliestReset.Format(time.RFC3339))
		}
		if schema == convert.SchemaAnthropic {
			writeAnthropicError(w, message, "rate_limit_error", http.StatusTooManyRequests)
		} else {
			writeOpenAIError(w, message, "rate_limit_error", http.StatusTooManyRequests)
		}
		return
	}

	if schema == convert.SchemaAnthropic {
		writeAnthropicError(w, "Upstream error: "+err.Error(), "api_error", http.StatusBadGateway)
	} else {
		writeOpenAIError(w, "Upstream error: "+err.Error(), "api_error", http.StatusBadGateway)
	}
}
