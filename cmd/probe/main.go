// probe sends one request straight at the backend using a stored account,
// bypassing the gateway. Useful for checking credentials and model access.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/quailrun/poolrelay/internal/auth/antigravity"
	"github.com/quailrun/poolrelay/internal/convert"
	"github.com/quailrun/poolrelay/internal/db"
	"github.com/quailrun/poolrelay/internal/pool"
	"github.com/quailrun/poolrelay/internal/upstream"
	"github.com/quailrun/poolrelay/internal/util"
)

func main() {
	storePath := flag.String("store", "poolrelay.db", "path to the account store")
	email := flag.String("email", "", "account to use (default: first in store)")
	model := flag.String("model", "claude-sonnet-4-5", "model to request")
	prompt := flag.String("prompt", "Reply with the single word: ok", "user prompt")
	streaming := flag.Bool("stream", false, "use the streaming endpoint")
	timeout := flag.Duration("timeout", 2*time.Minute, "request timeout")
	flag.Parse()

	database, err := db.InitDB(*storePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	accounts, err := pool.NewGormStore(database).LoadAccounts()
	if err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}
	if len(accounts) == 0 {
		log.Fatal("No accounts in store; enroll one through the gateway first")
	}

	acct := accounts[0]
	if *email != "" {
		found := false
		for _, a := range accounts {
			if a.Email == *email {
				acct, found = a, true
				break
			}
		}
		if !found {
			log.Fatalf("Account %s not in store", *email)
		}
	}
	log.Printf("🔑 Using account %s (token %s)", acct.Email, util.MaskSecret(acct.AccessToken))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	creds := upstream.Credentials{AccessToken: acct.AccessToken, ProjectID: acct.ProjectID}
	if time.Until(acct.TokenExpiresAt) < time.Minute {
		log.Printf("🔄 Access token stale, refreshing")
		flow := antigravity.NewFlow(0, time.Minute)
		tok, err := flow.Refresh(ctx, acct.RefreshToken)
		if err != nil {
			log.Fatalf("Refresh failed: %v", err)
		}
		creds.AccessToken = tok.AccessToken
	}

	req := &convert.BackendRequest{
		Model:     *model,
		MaxTokens: 1024,
		Messages: []convert.BackendMessage{
			{Role: "user", Content: []convert.BackendBlock{{Type: "text", Text: *prompt}}},
		},
	}

	client := upstream.NewClient(*timeout, true)
	if *streaming {
		probeStream(ctx, client, creds, req)
		return
	}

	resp, err := client.Generate(ctx, creds, req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("status: %d\n%s\n", resp.StatusCode, body)
	if resp.StatusCode != 200 {
		os.Exit(1)
	}
}

func probeStream(ctx context.Context, client *upstream.Client, creds upstream.Credentials, req *convert.BackendRequest) {
	resp, err := client.Stream(ctx, creds, req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		log.Fatalf("status %d: %s", resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	frames := 0
	for scanner.Scan() {
		fmt.Println(scanner.Text())
		frames++
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("Stream read failed: %v", err)
	}
	log.Printf("✅ Stream finished: %d lines", frames)
}
