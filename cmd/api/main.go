package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"carebridge.org/internal/action"
	"carebridge.org/internal/consent"
	"carebridge.org/internal/httpapi"
	"carebridge.org/internal/obs"
	"carebridge.org/internal/policy"
	"carebridge.org/internal/replay"
	"carebridge.org/internal/sessioncache"
	"carebridge.org/internal/store"
	pgstore "carebridge.org/internal/store/pg"
	"carebridge.org/internal/stream"
	"carebridge.org/internal/tools"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

// Tools the policy engine lets through, and the subset that needs the full
// consent/audit path.
var (
	allowedTools = []string{
		"appointment_book",
		"medication_refill_request",
		"consent_token_issue",
		"medication_list",
	}
	transactionalTools = []string{
		"appointment_book",
		"medication_refill_request",
	}
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx := context.Background()

	// Storage: Postgres when a DSN is configured, in-memory otherwise.
	var (
		db *sql.DB
		st store.Store
	)
	if dsn := os.Getenv("CAREBRIDGE_PG_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		st = pgstore.NewWithDB(db)
	} else {
		log.Println("CAREBRIDGE_PG_DSN not set, using in-memory store")
		st = store.NewMemory()
	}

	// Session cache: Redis when configured, in-memory otherwise.
	var cache sessioncache.Cache = sessioncache.NewMemory()
	var rdb *redis.Client
	if addr := os.Getenv("CAREBRIDGE_REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		cache = sessioncache.New(ctx, rdb)
	}

	events := policy.NewLog(st)
	consents := consent.New(st, events, consent.ConfigFromEnv())

	toolset := tools.NewToolset(st, cache, consents)
	registry := action.NewRegistry()
	tools.Register(registry, toolset)

	engine := policy.NewEngine(allowedTools, transactionalTools)
	ledger := action.NewLedger(st)

	exec := action.NewExecutor(registry, ledger, policy.NewGate(events), engine)
	if raw := os.Getenv("CAREBRIDGE_REPLAY_WINDOW_HOURS"); raw != "" {
		window, err := replay.ParseWindowHours(raw)
		if err != nil {
			log.Fatalf("CAREBRIDGE_REPLAY_WINDOW_HOURS: %v", err)
		}
		exec.Window = window
	}
	exec.Before = []action.BeforeHook{tools.NewConsentBeforeHook(consents, engine, exec.Now)}
	exec.After = []action.AfterHook{tools.NewOutcomeAfterHook(events, consents, engine, exec.Now)}
	exec.Deps = func(ctx context.Context) []policy.Dependency {
		var deps []policy.Dependency
		if db != nil {
			err := db.PingContext(ctx)
			deps = append(deps, policy.Dependency{
				Name:      "postgres",
				Available: err == nil,
				Detail:    errDetail(err),
			})
		}
		if rdb != nil {
			err := rdb.Ping(ctx).Err()
			deps = append(deps, policy.Dependency{
				Name:      "redis",
				Available: err == nil,
				Detail:    errDetail(err),
			})
		}
		return deps
	}

	api := httpapi.New(httpapi.Options{
		Ready:       httpapi.ReadyProbe{DB: db},
		Version:     version,
		Executor:    exec,
		Consents:    consents,
		Ledger:      ledger,
		Events:      events,
		Stream:      stream.New(),
		DisableAuth: os.Getenv("CAREBRIDGE_DISABLE_AUTH") == "1",
	})

	addr := os.Getenv("CAREBRIDGE_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting carebridge-api %s on %s", version, srv.Addr)

	// Expire confirmations nobody answered.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-exec.Window)
				if n, err := ledger.ExpireStale(sweepCtx, cutoff, 500); err != nil {
					log.Printf("expire stale confirmations: %v", err)
				} else if n > 0 {
					log.Printf("expired %d stale confirmations", n)
				}
			}
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if rdb != nil {
		_ = rdb.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
