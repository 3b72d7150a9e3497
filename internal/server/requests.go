package server

import (
	"net/http"
	"strconv"

	"github.com/quailrun/poolrelay/internal/monitor"
)

// RecentRequestsHandler returns the newest request log entries.
// Query params: limit (default 100), since (minutes).
func RecentRequestsHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		since, _ := strconv.Atoi(r.URL.Query().Get("since"))
		writeJSON(w, http.StatusOK, map[string]any{
			"requests": mon.Recent(limit, since),
		})
	}
}

// RequestStatsHandler returns aggregated request counters.
func RequestStatsHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mon.Stats())
	}
}

// ClearRequestsHandler wipes the request log.
func ClearRequestsHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := mon.Clear(); err != nil {
			http.Error(w, "Failed to clear logs", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}
