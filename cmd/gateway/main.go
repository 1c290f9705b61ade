package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-snaptunnel/internal/capture"
	"github.com/technosupport/ts-snaptunnel/internal/config"
	"github.com/technosupport/ts-snaptunnel/internal/devauth"
	"github.com/technosupport/ts-snaptunnel/internal/events"
	"github.com/technosupport/ts-snaptunnel/internal/gateway"
	"github.com/technosupport/ts-snaptunnel/internal/leader"
	"github.com/technosupport/ts-snaptunnel/internal/notifier"
	"github.com/technosupport/ts-snaptunnel/internal/registry"
	"github.com/technosupport/ts-snaptunnel/internal/storage"
)

const notifierMaxRetries = 3

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		log.Fatalf("Output dir %s: %v", cfg.OutDir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared Redis client: registry cache + leader lock.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Redis ping error: %v", err)
	}

	// Registry: Postgres when configured, otherwise defaults-only.
	var store registry.Store
	if cfg.RegistryDSN != "" {
		db, err := sql.Open("postgres", cfg.RegistryDSN)
		if err != nil {
			log.Fatalf("Registry DB open error: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("Registry DB ping error: %v", err)
		}
		defer db.Close()
		store = registry.NewPostgresStore(db)
	} else {
		log.Printf("[Main] REGISTRY_DSN not set; device metadata and certificates unavailable")
		if cfg.RequireAuth {
			log.Fatalf("REQUIRE_AUTH=1 needs a registry for certificates")
		}
		store = registry.EmptyStore{}
	}
	cached := registry.NewCache(store, rdb)

	// Event pipeline: bus -> storage worker -> notifier.
	bus := events.NewBus()

	adapter, err := buildAdapter(cfg)
	if err != nil {
		log.Fatalf("Storage adapter error: %v", err)
	}
	worker := storage.NewWorker(bus, adapter, storage.WorkerConfig{
		Concurrency: cfg.StorageConcurrency,
		DeleteLocal: cfg.StorageDeleteLocal,
		UseDeviceTZ: cfg.UseDeviceTZOffset,
	})
	worker.Start(ctx)

	var note *notifier.Notifier
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1))
		if err != nil {
			log.Fatalf("NATS connect error: %v", err)
		}
		defer nc.Drain()
		note = notifier.New(nc, bus, notifierMaxRetries)
		// Detached from the run context so stored/failed events emitted
		// during the storage drain still go out; the notifier exits when
		// the bus closes.
		note.Start(context.WithoutCancel(ctx))
	} else {
		log.Printf("[Main] NATS_URL not set; downstream notifications disabled")
	}

	// Tunnel core, gated by the leader lock.
	runner := capture.NewRunner(cfg.OutDir, cfg.ProxyPort, cfg.CaptureTimeout)
	gw := gateway.New(cfg, devauth.New(cached), cached, runner, bus)

	lock := leader.NewLock(rdb)
	go lock.Run(ctx)
	go gw.RunLeaderLoop(ctx, lock)

	// Ops endpoint: health, readiness (leader only), metrics.
	opsRouter := chi.NewRouter()
	opsRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	opsRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !lock.AmLeader() {
			http.Error(w, "follower", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("leader"))
	})
	opsRouter.Handle("/metrics", promhttp.Handler())

	opsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:           opsRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[Main] ops endpoint on %s", opsSrv.Addr)
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Main] ops server: %v", err)
		}
	}()

	log.Printf("[Main] gateway up (ws=:%d proxy=127.0.0.1:%d storage=%s)",
		cfg.WSPort, cfg.ProxyPort, cfg.StorageMode)

	// Orderly shutdown on SIGTERM/SIGINT: listeners first, then the lock,
	// then drain storage.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("[Main] %v received, shutting down", sig)

	gw.Stop()
	cancel() // stops the leader loop and releases the lock

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	opsSrv.Shutdown(shutdownCtx)

	worker.Stop()
	bus.Close()
	if note != nil {
		note.Wait()
	}
	rdb.Close()
	log.Printf("[Main] bye")
}

func buildAdapter(cfg config.Config) (storage.Adapter, error) {
	switch cfg.StorageMode {
	case "s3":
		return storage.NewS3Adapter(storage.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
	default:
		root := cfg.StorageLocalDir
		if root == "" {
			root = cfg.OutDir + "-store"
		}
		return storage.NewLocalAdapter(root), nil
	}
}
