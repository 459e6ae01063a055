package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/api"
	"board-sync/authority"
	"board-sync/intake"
	"board-sync/replica"
	"board-sync/storage"
)

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.Fatal(err)
	}
	logger := newLogger(cfg)
	log.SetLevel(logger.GetLevel())
	log.SetFormatter(logger.Formatter)
	logger.Info("board sync starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := func(context.Context) error { return nil }
	if cfg.Tracing {
		shutdownTracing, err = setupTracing(ctx)
		if err != nil {
			log.Fatalf("tracing: %v", err)
		}
	}

	if cfg.Mode == "follower" {
		runFollower(ctx, cfg, logger)
		if err := shutdownTracing(context.Background()); err != nil {
			logger.WithError(err).Error("tracer shutdown")
		}
		return
	}

	lanes := cfg.Lanes
	if cfg.ConnStr != "" && cfg.LanesTable != "" {
		catalog, err := storage.NewLaneCatalog(cfg.ConnStr, cfg.LanesTable)
		if err != nil {
			log.Fatalf("lane catalog: %v", err)
		}
		if err := catalog.Ensure(ctx, cfg.Lanes); err != nil {
			log.Fatalf("lane catalog: %v", err)
		}
		if lanes, err = catalog.Lanes(ctx); err != nil {
			log.Fatalf("lane catalog: %v", err)
		}
	}
	logger.WithField("lanes", lanes).Info("lanes configured")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	board := authority.New(lanes,
		authority.WithLogger(logger),
		authority.WithObserver(api.NewMetrics(reg)),
		authority.WithQueueSize(cfg.AuthorityQueue),
		authority.WithSubscriberBuffer(cfg.SubscriberBuffer),
		authority.WithMonotonicStamp(cfg.Monotonic),
	)
	boardCtx, stopBoard := context.WithCancel(context.Background())
	go board.Run(boardCtx)

	var deduper api.Deduper
	if cfg.RedisConn != "" {
		rc := redis.NewClient(parseRedisOptions(cfg.RedisConn))
		defer rc.Close()
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
		mirror := storage.NewMirror(rc, storage.MirrorConfig{
			Channel:     cfg.MirrorChannel,
			SnapshotKey: cfg.MirrorSnapshotKey,
			TTL:         cfg.MirrorTTL,
		}, logger)
		go func() {
			if err := mirror.Run(ctx, board); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("mirror stopped")
			}
		}()
	}

	if cfg.PatchQueue != "" {
		q, err := storage.OpenQueue(ctx, cfg.ConnStr, cfg.PatchQueue)
		if err != nil {
			log.Fatalf("patch queue: %v", err)
		}
		worker := intake.NewWorker(intake.NewAzureQueue(q), board, logger)
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("intake stopped")
			}
		}()
	}

	auth, err := newAuthenticator(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := newEcho(reg)
	api.Register(e, board, auth, deduper, logger)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stopping the authority closes every subscription, which ends open sockets and streams.
	stopBoard()
	<-board.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Error("tracer shutdown")
	}
}

func newLogger(cfg config) *log.Logger {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.JSONLogs {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}

func newAuthenticator(cfg config) (api.Authenticator, error) {
	switch cfg.AuthMode {
	case "hs256":
		return api.NewSharedSecretAuth([]byte(cfg.AuthSecret)), nil
	case "jwks":
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.AuthDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		return api.NewAuth(jwks, cfg.AuthAudience, "https://"+cfg.AuthDomain+"/"), nil
	default:
		return api.NoAuth{}, nil
	}
}

func newEcho(reg *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "board_http",
		Registerer: reg,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/api/sync" || c.Path() == "/api/stream"
		},
	}))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))
	return e
}

// runFollower serves a read-only board kept in step with another process's
// Redis mirror. It owns no authority and accepts no operations.
func runFollower(ctx context.Context, cfg config, logger *log.Logger) {
	auth, err := newAuthenticator(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	rc := redis.NewClient(parseRedisOptions(cfg.RedisConn))
	defer rc.Close()

	view := replica.New(replica.WithLogger(logger))
	go storage.Follow(ctx, rc, storage.MirrorConfig{
		Channel:     cfg.MirrorChannel,
		SnapshotKey: cfg.MirrorSnapshotKey,
	}, view, logger.WithField("component", "follower"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e := newEcho(reg)
	api.RegisterViewer(e, view, auth, logger)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()
	logger.Info("following board mirror")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
}
