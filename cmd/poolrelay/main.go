package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/quailrun/poolrelay/internal/auth/antigravity"
	"github.com/quailrun/poolrelay/internal/config"
	"github.com/quailrun/poolrelay/internal/db"
	"github.com/quailrun/poolrelay/internal/monitor"
	"github.com/quailrun/poolrelay/internal/pool"
	"github.com/quailrun/poolrelay/internal/scheduler"
	"github.com/quailrun/poolrelay/internal/server"
	"github.com/quailrun/poolrelay/internal/stream"
	"github.com/quailrun/poolrelay/internal/upstream"
	"github.com/quailrun/poolrelay/internal/version"
)

func main() {
	configPath := flag.String("config", "poolrelay.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	server.SetVerbose(cfg.Verbose)

	database, err := db.InitDB(cfg.StorePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	store := pool.NewGormStore(database)
	accountPool := pool.New(cfg.Pool.MaxAccounts, pool.Settings{
		Cooldown:   cfg.Scheduler.Cooldown,
		MaxRetries: cfg.Scheduler.MaxRetries,
	}, store)

	accounts, err := store.LoadAccounts()
	if err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}
	for _, acct := range accounts {
		if err := accountPool.Upsert(acct); err != nil {
			log.Printf("⚠️ Skipping stored account %s: %v", acct.Email, err)
		}
	}
	log.Printf("📦 Loaded %d accounts from %s", accountPool.Len(), cfg.StorePath)

	flow := antigravity.NewFlow(cfg.Auth.CallbackPort, cfg.Auth.AuthorizationTimeout)
	backend := upstream.NewClient(cfg.Scheduler.BackendTimeout, cfg.Verbose)
	sched := scheduler.New(accountPool, scheduler.FlowRefresher{Flow: flow}, backend, scheduler.Config{
		MaxRetries:          cfg.Scheduler.MaxRetries,
		ShortLimitThreshold: cfg.Scheduler.ShortLimitThreshold,
	})

	accountPool.StartSweep(time.Minute)
	sched.StartRefreshLoop(5 * time.Minute)
	sched.StartQuotaPolling(backend, 10*time.Minute)

	srv := &server.Server{
		Pool:       accountPool,
		Sched:      sched,
		Flow:       flow,
		DB:         database,
		Translator: stream.NewTranslator(),
		Monitor:    monitor.New(database),
	}

	log.Printf("🚀 PoolRelay %s starting on %s", version.Version, cfg.Listen)
	log.Printf("🔌 OpenAI API: http://localhost%s/v1/chat/completions", cfg.Listen)
	log.Printf("🔌 Anthropic API: http://localhost%s/v1/messages", cfg.Listen)

	if err := http.ListenAndServe(cfg.Listen, srv.Router()); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
