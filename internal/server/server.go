// Package server is the client-facing HTTP surface: the two completion
// endpoints, account management, and health.
package server

import (
	"net/http"
	"os"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/quailrun/poolrelay/internal/auth/antigravity"
	"github.com/quailrun/poolrelay/internal/monitor"
	"github.com/quailrun/poolrelay/internal/pool"
	"github.com/quailrun/poolrelay/internal/scheduler"
	"github.com/quailrun/poolrelay/internal/stream"
	"github.com/quailrun/poolrelay/internal/version"
	"gorm.io/gorm"
)

var verbose atomic.Bool

// SetVerbose toggles per-request payload logging.
func SetVerbose(on bool) {
	verbose.Store(on)
}

// IsVerbose reports whether payload logging is on.
func IsVerbose() bool {
	return verbose.Load()
}

// Server bundles the handler dependencies.
type Server struct {
	Pool       *pool.Pool
	Sched      *scheduler.Scheduler
	Flow       *antigravity.Flow
	DB         *gorm.DB
	Translator *stream.Translator
	Monitor    *monitor.Monitor
}

// Router builds the chi router. Completion endpoints sit behind API key
// auth; management endpoints behind the optional admin password.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestID)

	adminPassword := os.Getenv("POOLRELAY_ADMIN_PASSWORD")
	optionalAdminAuth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminPassword == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || pass != adminPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="PoolRelay Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	r.Get("/health", HealthHandler(s.Pool))

	// Account management
	r.Route("/api", func(r chi.Router) {
		r.Use(optionalAdminAuth)
		r.Get("/accounts", AccountsHandler(s.Pool))
		r.Post("/accounts", EnrollAccountHandler(s.Flow, s.Pool))
		r.Delete("/accounts/{email}", RemoveAccountHandler(s.Pool))
		r.Post("/accounts/{email}/refresh", RefreshAccountHandler(s.Pool, s.Flow))
		r.Get("/pool/export", ExportPoolHandler(s.Pool))
		r.Post("/pool/import", ImportPoolHandler(s.Pool))
		r.Get("/discovery", DiscoveryScanHandler())
		r.Post("/discovery/import", DiscoveryImportHandler(s.Pool))
		r.Get("/config/apikey", GetAPIKeyHandler(s.DB))
		r.Post("/config/apikey/regenerate", RegenerateAPIKeyHandler(s.DB))
		r.Post("/verbose", VerboseToggleHandler())
		r.Get("/requests", RecentRequestsHandler(s.Monitor))
		r.Get("/requests/stats", RequestStatsHandler(s.Monitor))
		r.Delete("/requests", ClearRequestsHandler(s.Monitor))
	})

	// Completion endpoints, both schemas under one prefix
	r.Route("/v1", func(r chi.Router) {
		r.Use(APIKeyAuth(s.DB))
		r.Post("/chat/completions", ChatCompletionsHandler(s.Sched, s.Translator, s.Monitor))
		r.Post("/messages", MessagesHandler(s.Sched, s.Monitor))
		r.Get("/models", ModelsHandler(s.Pool))
	})

	return r
}

// HealthHandler reports liveness and pool occupancy.
func HealthHandler(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"version":  version.Version,
			"accounts": p.Len(),
		})
	}
}
