package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quailrun/poolrelay/internal/convert"
	"github.com/quailrun/poolrelay/internal/db/models"
	"github.com/quailrun/poolrelay/internal/logging"
	"github.com/quailrun/poolrelay/internal/monitor"
	"github.com/quailrun/poolrelay/internal/scheduler"
	"github.com/quailrun/poolrelay/internal/stream"
	"github.com/quailrun/poolrelay/internal/util"
)

// ChatCompletionsHandler handles /v1/chat/completions for both streaming
// and non-streaming requests.
func ChatCompletionsHandler(sched *scheduler.Scheduler, translator *stream.Translator, mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestId := logging.GetRequestID(r.Context())
		started := time.Now()

		var req convert.OpenAIChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, "Invalid request body: "+err.Error(), "invalid_request_error", http.StatusBadRequest)
			return
		}

		log.Printf("📨 Chat request: model=%s messages=%d stream=%v", req.Model, len(req.Messages), req.Stream)

		backendReq := convert.OpenAIToBackend(req)
		backendReq.Stream = req.Stream

		if IsVerbose() {
			reqBytes, _ := json.Marshal(backendReq)
			log.Printf("📤 [VERBOSE] [%s] /v1/chat/completions backend request: %s", requestId, util.TruncateBytes(reqBytes))
		}

		record := func(status int, email, errMsg string) models.RequestLog {
			return models.RequestLog{
				ID:           requestId,
				Method:       r.Method,
				Path:         "/v1/chat/completions",
				Status:       status,
				Duration:     time.Since(started).Milliseconds(),
				Model:        req.Model,
				AccountEmail: email,
				Error:        errMsg,
			}
		}

		res, err := sched.Do(r.Context(), backendReq)
		if err != nil {
			mon.Record(record(schedulerErrorStatus(err), "", err.Error()))
			writeSchedulerError(w, convert.SchemaOpenAI, err)
			return
		}
		defer res.Resp.Body.Close()

		if res.Resp.StatusCode != http.StatusOK {
			mon.Record(record(res.Resp.StatusCode, res.Account.Email, "upstream error"))
			forwardUpstreamError(w, res.Resp, requestId)
			return
		}

		if req.Stream {
			streamChatCompletions(w, res.Resp.Body, translator, req.Model, requestId)
			mon.Record(record(http.StatusOK, res.Account.Email, ""))
			return
		}

		var backendResp convert.BackendResponse
		if err := json.NewDecoder(res.Resp.Body).Decode(&backendResp); err != nil {
			mon.Record(record(http.StatusBadGateway, res.Account.Email, err.Error()))
			writeOpenAIError(w, "Invalid upstream response: "+err.Error(), "api_error", http.StatusBadGateway)
			return
		}

		entry := record(http.StatusOK, res.Account.Email, "")
		entry.InputTokens = backendResp.Usage.InputTokens
		entry.OutputTokens = backendResp.Usage.OutputTokens
		mon.Record(entry)

		out := convert.BackendToOpenAI(&backendResp, req.Model)
		if IsVerbose() {
			respBytes, _ := json.Marshal(out)
			log.Printf("📥 [VERBOSE] [%s] /v1/chat/completions response: %s", requestId, util.TruncateBytes(respBytes))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// forwardUpstreamError copies a non-200 backend body through unmodified so
// clients see the backend's own error shape.
func forwardUpstreamError(w http.ResponseWriter, resp *http.Response, requestId string) {
	body, _ := io.ReadAll(resp.Body)
	if IsVerbose() {
		log.Printf("❌ [VERBOSE] [%s] Upstream error (status %d): %s", requestId, resp.StatusCode, util.TruncateBytes(body))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

func streamChatCompletions(w http.ResponseWriter, body io.Reader, translator *stream.Translator, model, requestId string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, "Streaming not supported", "api_error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	msgId := uuid.New().String()
	defer translator.Abort(msgId)

	// Increase scanner buffer to handle large SSE frames (8MB limit)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	chunkCount := 0
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var evt convert.BackendStreamEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			if IsVerbose() {
				log.Printf("⚠️ [VERBOSE] [%s] Stream parse error: %v", requestId, err)
			}
			continue
		}

		for _, chunk := range translator.Feed(msgId, model, evt) {
			chunkBytes, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", chunkBytes)
			chunkCount++
		}
		flusher.Flush()
	}
	if err := scanner.Err(); err != nil && IsVerbose() {
		log.Printf("❌ [VERBOSE] [%s] Scanner error: %v", requestId, err)
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()

	if IsVerbose() {
		log.Printf("✅ [VERBOSE] [%s] Streaming completed: %d chunks sent", requestId, chunkCount)
	}
}
