// main wires high-level dependencies: config, database, vault, stores, the
// intake service, the retention reaper, and the HTTP router. Business logic
// lives in the internal service packages.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"sapdash/internal/audit"
	auditstore "sapdash/internal/audit/store"
	"sapdash/internal/blob"
	"sapdash/internal/captcha"
	"sapdash/internal/intake/dupguard"
	"sapdash/internal/intake/handler"
	"sapdash/internal/intake/metrics"
	"sapdash/internal/intake/service"
	"sapdash/internal/intake/store"
	"sapdash/internal/jwttoken"
	"sapdash/internal/platform/config"
	"sapdash/internal/platform/httpserver"
	"sapdash/internal/platform/logger"
	"sapdash/internal/platform/middleware"
	platformredis "sapdash/internal/platform/redis"
	"sapdash/internal/retention"
	"sapdash/internal/vault"
	"sapdash/pkg/platform/tx"
)

func main() {
	_ = godotenv.Load()

	log := logger.New()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		log.Error("SAPDASH_DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}

	v, err := vault.New(vault.EnvSecretSource{})
	if err != nil {
		log.Error("failed to initialize vault", "error", err)
		os.Exit(1)
	}

	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	blobs, err := blob.NewFilesystem(cfg.BlobDir)
	if err != nil {
		log.Error("failed to initialize blob store", "error", err)
		os.Exit(1)
	}

	intakeStore := store.NewPostgres(db)
	auditor := audit.NewRecorder(auditstore.NewPostgres(db), log)
	m := metrics.New()

	var guard dupguard.Guard
	if redisClient != nil {
		guard = dupguard.NewRedisGuard(redisClient.Client, cfg.DupWindow)
	} else {
		guard = dupguard.NewStoreGuard(intakeStore, cfg.DupWindow)
	}

	svc := service.New(
		intakeStore,
		intakeStore,
		intakeStore,
		v,
		guard,
		auditor,
		tx.NewSQLRunner(db),
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithRetention(cfg.Retention()),
		service.WithBlobs(blobs),
	)

	reaper := retention.New(intakeStore, blobs, auditor, tx.NewSQLRunner(db), log,
		retention.WithInterval(cfg.ReaperInterval),
		retention.WithMetrics(m),
	)

	var verifier captcha.Verifier = captcha.AllowAll{}
	if cfg.CaptchaSecret != "" {
		verifier = captcha.NewRecaptcha(cfg.CaptchaSecret)
	}

	tokens := jwttoken.NewService(cfg.JWTSigningKey, cfg.JWTIssuer)
	requireAuth := middleware.RequireAuth(jwttoken.NewServiceAdapter(tokens), log)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RequestTime)
	router.Use(middleware.ClientMetadata)
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logger(log))
	router.Use(middleware.Timeout(30 * time.Second))

	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	handler.New(svc, blobs, verifier, log).Register(router, requireAuth)

	srv := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		err := reaper.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
