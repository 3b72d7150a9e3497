package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/quailrun/poolrelay/internal/auth/antigravity"
	"github.com/quailrun/poolrelay/internal/db"
	"github.com/quailrun/poolrelay/internal/pool"
	"github.com/quailrun/poolrelay/internal/util"
	"gorm.io/gorm"
)

// AccountsHandler reports per-account status, error, and quota. GET /api/accounts
func AccountsHandler(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		accounts := p.List()
		out := make([]map[string]any, 0, len(accounts))
		for _, a := range accounts {
			status := "ok"
			var errMsg string
			switch {
			case a.Invalid:
				status = "invalid"
				errMsg = a.InvalidReason
			case a.RateLimited && now.Before(a.RateLimitResetAt):
				status = "rate_limited"
			}

			entry := map[string]any{
				"email":     a.Email,
				"source":    a.Source,
				"status":    status,
				"added_at":  a.AddedAt,
				"last_used": a.LastUsed,
			}
			if errMsg != "" {
				entry["error"] = errMsg
			}
			if status == "rate_limited" {
				entry["rate_limit_reset_at"] = a.RateLimitResetAt
			}
			if len(a.Quota) > 0 {
				entry["quota"] = a.Quota
			}
			out = append(out, entry)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"accounts":     out,
			"active_index": p.ActiveIndex(),
		})
	}
}

// EnrollAccountHandler starts the OAuth enrollment flow. POST /api/accounts
// The browser-side redirect lands on the flow's local callback listener; the
// exchange and pool insertion finish in the background.
func EnrollAccountHandler(flow *antigravity.Flow, p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authz := flow.BeginAuthorization()

		go func() {
			ctx := context.Background()
			code, err := flow.AwaitAuthorizationCode(ctx, authz.State)
			if err != nil {
				log.Printf("❌ Enrollment failed waiting for authorization: %v", err)
				return
			}
			tok, err := flow.ExchangeCode(ctx, code, authz.Verifier)
			if err != nil {
				log.Printf("❌ Enrollment code exchange failed: %v", err)
				return
			}
			email, err := flow.ResolveIdentity(ctx, tok.AccessToken)
			if err != nil {
				log.Printf("❌ Enrollment identity lookup failed: %v", err)
				return
			}
			project := flow.ResolveProject(ctx, tok.AccessToken)

			acct := pool.Account{
				Email:          email,
				Source:         "oauth",
				RefreshToken:   tok.RefreshToken,
				AccessToken:    tok.AccessToken,
				TokenExpiresAt: tok.Expiry,
				ProjectID:      project,
				AddedAt:        time.Now(),
			}
			if err := p.Upsert(acct); err != nil {
				log.Printf("❌ Enrollment failed to add %s: %v", email, err)
				return
			}
			log.Printf("✅ Enrolled account %s (token %s)", email, util.MaskSecret(tok.AccessToken))
		}()

		writeJSON(w, http.StatusAccepted, map[string]any{
			"authorization_url": authz.URL,
			"state":             authz.State,
		})
	}
}

// RemoveAccountHandler removes an account. DELETE /api/accounts/{email}
func RemoveAccountHandler(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")
		if err := p.Remove(email); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Account not found: " + email})
			return
		}
		log.Printf("🗑️ Removed account %s", email)
		writeJSON(w, http.StatusOK, map[string]any{"removed": email})
	}
}

// RefreshAccountHandler forces a credential refresh for one account.
// POST /api/accounts/{email}/refresh
func RefreshAccountHandler(p *pool.Pool, flow *antigravity.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")
		acct, ok := p.Get(email)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Account not found: " + email})
			return
		}

		tok, err := flow.Refresh(r.Context(), acct.RefreshToken)
		if err != nil {
			var rejected *antigravity.RefreshRejectedError
			if errors.As(err, &rejected) && rejected.Permanent {
				p.MarkInvalid(email, rejected.Error())
			}
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": "Refresh failed: " + err.Error()})
			return
		}

		p.UpdateCredential(email, tok.AccessToken, tok.Expiry, tok.RefreshToken)
		p.MarkHealthy(email)
		log.Printf("🔑 Refreshed credential for %s (token %s)", email, util.MaskSecret(tok.AccessToken))
		writeJSON(w, http.StatusOK, map[string]any{
			"email":      email,
			"expires_at": tok.Expiry,
		})
	}
}

// ExportPoolHandler dumps the pool in the JSON interchange format.
// GET /api/pool/export
func ExportPoolHandler(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pool.Export(p))
	}
}

// ImportPoolHandler loads accounts from the JSON interchange format.
// POST /api/pool/import
func ImportPoolHandler(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var doc pool.Document
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid document: " + err.Error()})
			return
		}
		if err := pool.Import(p, doc); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Import failed: " + err.Error()})
			return
		}
		log.Printf("📦 Imported %d accounts", len(doc.Accounts))
		writeJSON(w, http.StatusOK, map[string]any{"imported": len(doc.Accounts)})
	}
}

// GetAPIKeyHandler returns the configured API key. GET /api/config/apikey
func GetAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"api_key": db.GetAPIKey(database)})
	}
}

// RegenerateAPIKeyHandler rotates the API key. POST /api/config/apikey/regenerate
func RegenerateAPIKeyHandler(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := db.RegenerateAPIKey(database)
		log.Printf("🔑 API key regenerated")
		writeJSON(w, http.StatusOK, map[string]any{"api_key": key})
	}
}

// VerboseToggleHandler flips payload logging at runtime. POST /api/verbose
func VerboseToggleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid request body"})
			return
		}
		SetVerbose(body.Enabled)
		log.Printf("🔧 Verbose logging: %v", body.Enabled)
		writeJSON(w, http.StatusOK, map[string]any{"verbose": body.Enabled})
	}
}
