package server

import (
	"net/http"
	"sort"

	"github.com/quailrun/poolrelay/internal/pool"
)

// ModelsHandler lists models observed in account quota reports, in
// chat-completions format. GET /v1/models
func ModelsHandler(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seen := make(map[string]bool)
		for _, a := range p.List() {
			for model := range a.Quota {
				seen[model] = true
			}
		}

		ids := make([]string, 0, len(seen))
		for id := range seen {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		data := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			data = append(data, map[string]any{
				"id":       id,
				"object":   "model",
				"owned_by": "poolrelay",
			})
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data":   data,
		})
	}
}
