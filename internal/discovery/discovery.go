// Package discovery scans well-known local paths for credentials that can
// seed the account pool: exported pool documents and single OAuth
// credential files left behind by other tools.
package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quailrun/poolrelay/internal/pool"
)

// Source is one well-known location to scan.
type Source struct {
	Name        string
	Description string
	Paths       []string // candidate file paths, ~ expands to the home dir
}

// Sources lists every location Scan checks, in order.
var Sources = []Source{
	{
		Name:        "poolrelay",
		Description: "Exported pool document",
		Paths: []string{
			"~/.poolrelay/pool.json",
			"~/.config/poolrelay/pool.json",
		},
	},
	{
		Name:        "antigravity",
		Description: "Antigravity AI Tools",
		Paths: []string{
			"~/.gemini/antigravity/google_ai_credentials.json",
		},
	},
	{
		Name:        "gemini-cli",
		Description: "Gemini CLI",
		Paths: []string{
			"~/.config/gemini-cli/credentials.json",
			"~/.gemini-cli/credentials.json",
		},
	},
}

// Finding is one importable file. Tokens stay out of the JSON form; only
// emails are exposed for display.
type Finding struct {
	Source   string   `json:"source"`
	Path     string   `json:"path"`
	Accounts []string `json:"accounts"`

	doc pool.Document
}

// Document returns the parsed pool document behind the finding.
func (f Finding) Document() pool.Document {
	return f.doc
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Scan checks every source path and returns the files that parse.
func Scan() []Finding {
	var findings []Finding
	for _, src := range Sources {
		for _, p := range src.Paths {
			path := expandPath(p)
			doc, err := Load(path)
			if err != nil {
				continue
			}
			f := Finding{Source: src.Name, Path: path, doc: doc}
			for _, acct := range doc.Accounts {
				f.Accounts = append(f.Accounts, acct.Email)
			}
			findings = append(findings, f)
		}
	}
	return findings
}

// Load reads one file and normalizes it into a pool document. Both the
// pool interchange format and single-credential files are accepted.
func Load(path string) (pool.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pool.Document{}, err
	}

	var doc pool.Document
	if err := json.Unmarshal(data, &doc); err == nil && len(doc.Accounts) > 0 {
		return doc, nil
	}

	acct, err := parseCredentialFile(data)
	if err != nil {
		return pool.Document{}, fmt.Errorf("unrecognized credential file %s: %w", path, err)
	}
	return pool.Document{Accounts: []pool.DocumentAccount{acct}}, nil
}

// credentialFile is the single-account shape written by the external tools.
type credentialFile struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refresh_token"`
	ProjectID    string `json:"project_id"`
	ExpiresAt    int64  `json:"expires_at"` // unix seconds, informational only
}

func parseCredentialFile(data []byte) (pool.DocumentAccount, error) {
	var creds credentialFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return pool.DocumentAccount{}, err
	}
	if creds.RefreshToken == "" {
		return pool.DocumentAccount{}, fmt.Errorf("no refresh token")
	}
	email := creds.Email
	if email == "" {
		email = "unknown@" + fmt.Sprintf("%d", time.Now().Unix())
	}
	return pool.DocumentAccount{
		Email:        email,
		Source:       "discovered",
		RefreshToken: creds.RefreshToken,
		ProjectID:    creds.ProjectID,
		AddedAt:      time.Now(),
	}, nil
}
