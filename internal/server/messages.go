package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/quailrun/poolrelay/internal/convert"
	"github.com/quailrun/poolrelay/internal/db/models"
	"github.com/quailrun/poolrelay/internal/logging"
	"github.com/quailrun/poolrelay/internal/monitor"
	"github.com/quailrun/poolrelay/internal/scheduler"
	"github.com/quailrun/poolrelay/internal/util"
)

// MessagesHandler handles /v1/messages. The client schema matches the
// backend schema, so responses pass through unrewritten; requests only get
// their history sanitized.
func MessagesHandler(sched *scheduler.Scheduler, mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestId := logging.GetRequestID(r.Context())
		started := time.Now()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeAnthropicError(w, "Failed to read request body", "invalid_request_error", http.StatusBadRequest)
			return
		}

		backendReq, err := convert.ParseAnthropicRequest(body)
		if err != nil {
			writeAnthropicError(w, "Invalid request body: "+err.Error(), "invalid_request_error", http.StatusBadRequest)
			return
		}
		convert.SanitizeHistory(backendReq)

		log.Printf("📨 Messages request: model=%s messages=%d stream=%v", backendReq.Model, len(backendReq.Messages), backendReq.Stream)
		if IsVerbose() {
			log.Printf("📥 [VERBOSE] [%s] /v1/messages raw request: %s", requestId, util.TruncateBytes(body))
		}

		record := func(status int, email, errMsg string) models.RequestLog {
			return models.RequestLog{
				ID:           requestId,
				Method:       r.Method,
				Path:         "/v1/messages",
				Status:       status,
				Duration:     time.Since(started).Milliseconds(),
				Model:        backendReq.Model,
				AccountEmail: email,
				Error:        errMsg,
			}
		}

		res, err := sched.Do(r.Context(), backendReq)
		if err != nil {
			mon.Record(record(schedulerErrorStatus(err), "", err.Error()))
			writeSchedulerError(w, convert.SchemaAnthropic, err)
			return
		}
		defer res.Resp.Body.Close()

		if res.Resp.StatusCode != http.StatusOK {
			mon.Record(record(res.Resp.StatusCode, res.Account.Email, "upstream error"))
			forwardUpstreamError(w, res.Resp, requestId)
			return
		}

		if backendReq.Stream {
			relayMessagesStream(w, res.Resp.Body, requestId)
			mon.Record(record(http.StatusOK, res.Account.Email, ""))
			return
		}

		// Same schema on both sides: forward the body byte-exact so thinking
		// blocks and signatures round-trip intact.
		respBody, err := io.ReadAll(res.Resp.Body)
		if err != nil {
			writeAnthropicError(w, "Upstream read error: "+err.Error(), "api_error", http.StatusBadGateway)
			return
		}
		if IsVerbose() {
			log.Printf("📤 [VERBOSE] [%s] /v1/messages response: %s", requestId, util.TruncateBytes(respBody))
		}

		entry := record(http.StatusOK, res.Account.Email, "")
		var usage struct {
			Usage convert.BackendUsage `json:"usage"`
		}
		if json.Unmarshal(respBody, &usage) == nil {
			entry.InputTokens = usage.Usage.InputTokens
			entry.OutputTokens = usage.Usage.OutputTokens
		}
		mon.Record(entry)

		w.Header().Set("Content-Type", "application/json")
		w.Write(respBody)
	}
}

// relayMessagesStream forwards backend SSE frames to the client unmodified,
// flushing at frame boundaries.
func relayMessagesStream(w http.ResponseWriter, body io.Reader, requestId string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAnthropicError(w, "Streaming not supported", "api_error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Increase scanner buffer to handle large SSE frames (8MB limit)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	eventCount := 0
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintf(w, "%s\n", line)
		if line == "" {
			flusher.Flush()
			eventCount++
		}
	}
	flusher.Flush()

	if err := scanner.Err(); err != nil && IsVerbose() {
		log.Printf("❌ [VERBOSE] [%s] /v1/messages scanner error: %v", requestId, err)
	}
	if IsVerbose() {
		log.Printf("✅ [VERBOSE] [%s] /v1/messages streaming completed: %d frames relayed", requestId, eventCount)
	}
}
