package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/quailrun/poolrelay/internal/discovery"
	"github.com/quailrun/poolrelay/internal/pool"
)

// DiscoveryScanHandler lists importable credential files found on disk.
func DiscoveryScanHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		findings := discovery.Scan()
		log.Printf("🔍 Discovery scan found %d candidate file(s)", len(findings))
		writeJSON(w, http.StatusOK, map[string]any{
			"findings": findings,
		})
	}
}

// DiscoveryImportHandler imports the accounts from one discovered file.
func DiscoveryImportHandler(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
			http.Error(w, "Missing path", http.StatusBadRequest)
			return
		}

		doc, err := discovery.Load(req.Path)
		if err != nil {
			http.Error(w, "Failed to load file: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := pool.Import(p, doc); err != nil {
			http.Error(w, "Import failed: "+err.Error(), http.StatusBadRequest)
			return
		}

		log.Printf("📦 Imported %d account(s) from %s", len(doc.Accounts), req.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"imported": len(doc.Accounts),
		})
	}
}
