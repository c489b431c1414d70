package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"label-print-service/internal/api"
	"label-print-service/internal/audit"
	"label-print-service/internal/config"
	"label-print-service/internal/datadir"
	"label-print-service/internal/domain"
	"label-print-service/internal/label"
	"label-print-service/internal/observability"
	"label-print-service/internal/printer"
	"label-print-service/internal/printing"
	"label-print-service/internal/session"
	"label-print-service/internal/store"
	"label-print-service/internal/view"
	"label-print-service/web"
)

const (
	shutdownTimeout     = 30 * time.Second
	sessionSweepPeriod  = 10 * time.Minute
	startupProbeTimeout = 5 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("INFO: .env file not found or error loading, relying on system environment variables.")
	}

	// --- Configuration Loading ---
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: Error loading configuration: %v", err)
	}

	// --- Data Directory ---
	layout, err := datadir.Resolve(cfg.DataDir)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	if err := datadir.Ensure(layout, config.NewLogger(cfg, os.Stdout)); err != nil {
		log.Fatalf("FATAL: Failed to prepare data directory %s: %v", layout.Root, err)
	}
	appLog, err := os.OpenFile(layout.AppLogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("FATAL: Failed to open application log: %v", err)
	}
	defer appLog.Close()

	logger := config.NewLogger(cfg, io.MultiWriter(os.Stdout, appLog))
	slog.SetDefault(logger)
	logger.Info("starting service", slog.String("app_env", cfg.AppEnv), slog.String("data_dir", layout.Root))

	// --- Stores ---
	catalogs := store.NewCatalogSet(layout.CatalogPaths(), logger)
	if err := catalogs.Reload(); err != nil {
		logger.Warn("initial catalog load incomplete", slog.Any("error", err))
	}
	mappings := store.NewMappingFile(layout.PrintersPath())
	settings := store.NewSettingsFile(layout.SettingsPath())

	eventStore, closeEventStore, err := openEventLog(cfg, layout, logger)
	if err != nil {
		logger.Error("failed to open event log", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeEventStore()

	hub := api.NewEventHub(logger)
	eventLog := api.PublishingLog{EventLogger: eventStore, Hub: hub}
	recorder := audit.NewRecorder(layout.AuditPath(), logger)

	// --- Metrics and Printer Transport ---
	metrics := observability.NewMetrics()
	registerCatalogGauges(metrics, catalogs)

	printerClient := printer.NewClient(logger)
	printerClient.Port = cfg.Printer.Port
	printerClient.Timeout = cfg.Printer.Timeout
	printerClient.DryRun = cfg.Printer.DryRun
	printerClient.Observer = metrics
	if cfg.Printer.DryRun {
		logger.Warn("printer dry run enabled, payloads are logged instead of sent")
	}

	templates := os.DirFS(layout.Templates)
	svc := &printing.Service{
		Finder:    catalogs,
		Mappings:  mappings,
		Renderer:  label.NewRenderer(templates),
		Sender:    printerClient,
		Log:       eventLog,
		Audit:     recorder,
		Observer:  metrics,
		Templates: templates,
		Logger:    logger,
	}

	// --- Sessions and Auth ---
	sessionStore, memorySessions, closeSessions, err := openSessionStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open session store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeSessions()
	sessions := session.NewManager(sessionStore, cfg.Session.CookieName, cfg.Session.TTL, cfg.Session.Secure)
	csrf := session.NewCSRFManager(cfg.Session.CSRFSecret)
	if cfg.Session.CSRFSecret == "change-me" {
		logger.Warn("CSRF_SECRET is the default value")
	}

	auth, err := api.NewAdminAuth(cfg.Admin.Username, cfg.Admin.Password, cfg.Admin.ShutdownPassword, cfg.Admin.LoginTTL)
	if err != nil {
		logger.Error("failed to prepare admin credentials", slog.Any("error", err))
		os.Exit(1)
	}

	views, err := view.NewEngine()
	if err != nil {
		logger.Error("failed to parse page templates", slog.Any("error", err))
		os.Exit(1)
	}

	// --- Initialize API Handlers ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	grpcAPIHandler := api.NewGRPCHandler(catalogs, logger)
	httpAPIHandler := api.NewHTTPHandler(svc, recorder, auth, csrf, logger)
	webHandler := api.NewWebHandler(api.WebConfig{
		Views:    views,
		Printing: svc,
		Settings: settings,
		Sessions: sessions,
		CSRF:     csrf,
		Auth:     auth,
		Static:   web.Static,
		Shutdown: stop,
		Logger:   logger,
	})

	// --- Scheduled Jobs ---
	scheduler := gocron.NewScheduler(time.Local)
	if cfg.Catalog.ReloadInterval > 0 {
		if _, err := scheduler.Every(cfg.Catalog.ReloadInterval).WaitForSchedule().Do(func() {
			if err := catalogs.Reload(); err != nil {
				logger.Warn("catalog reload incomplete", slog.Any("error", err))
			}
			grpcAPIHandler.Refresh()
			logger.Debug("catalogs reloaded", slog.Any("counts", catalogs.Counts()))
		}); err != nil {
			logger.Error("failed to schedule catalog reload", slog.Any("error", err))
		}
	}
	if memorySessions != nil {
		if _, err := scheduler.Every(sessionSweepPeriod).WaitForSchedule().Do(func() {
			if n := memorySessions.Sweep(); n > 0 {
				logger.Debug("expired sessions removed", slog.Int("count", n))
			}
		}); err != nil {
			logger.Error("failed to schedule session sweep", slog.Any("error", err))
		}
	}
	scheduler.StartAsync()

	// --- Setup & Start HTTP Server ---
	router := api.NewRouter(api.MiddlewareConfig{
		Logger:         logger,
		Production:     cfg.IsProduction(),
		RequestTimeout: cfg.HttpServer.RequestTimeout,
		Sessions:       sessions,
		CSRF:           csrf,
		Metrics:        metrics,
		PrintPerMinute: cfg.RateLimit.PrintPerMinute,
		LoginPerMinute: cfg.RateLimit.LoginPerMinute,
		TrustProxy:     cfg.HttpServer.TrustProxy,
	}, httpAPIHandler, webHandler, hub, api.HealthHandler(catalogs))

	httpServer := &http.Server{
		Addr:         ":" + cfg.HttpServer.Port,
		Handler:      router,
		ReadTimeout:  cfg.HttpServer.TimeoutRead,
		WriteTimeout: cfg.HttpServer.TimeoutWrite,
		IdleTimeout:  cfg.HttpServer.TimeoutIdle,
	}

	go func() {
		logger.Info("HTTP server listening", slog.String("port", cfg.HttpServer.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server ListenAndServe error", slog.Any("error", err))
			stop()
		}
		logger.Info("HTTP server has stopped")
	}()

	// --- Setup & Start gRPC Server ---
	var grpcServer *grpc.Server
	if cfg.GrpcServer.Enabled {
		grpcServer = grpc.NewServer()
		grpcAPIHandler.Register(grpcServer)
		grpcListener, err := net.Listen("tcp", ":"+cfg.GrpcServer.Port)
		if err != nil {
			logger.Error("failed to listen for gRPC", slog.String("port", cfg.GrpcServer.Port), slog.Any("error", err))
			os.Exit(1)
		}
		go func() {
			logger.Info("gRPC server listening", slog.String("port", cfg.GrpcServer.Port))
			if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Error("gRPC server Serve error", slog.Any("error", err))
				stop()
			}
			logger.Info("gRPC server has stopped")
		}()
	}

	appendEvent(eventLog, logger, domain.EventStartup, fmt.Sprintf("http=%s,data_dir=%s", cfg.HttpServer.Port, layout.Root))

	// --- Graceful Shutdown ---
	shutdownComplete := make(chan struct{})
	go waitForShutdown(ctx, logger, httpServer, grpcServer, shutdownTimeout, func() {
		grpcAPIHandler.Shutdown()
		scheduler.Stop()
		hub.Close()
		appendEvent(eventLog, logger, domain.EventShutdown, "process exit")
	}, shutdownComplete)

	<-shutdownComplete
	logger.Info("service shutdown sequence finished")
}

// openEventLog returns the Postgres event log when EVENT_LOG_DSN is set and logs.csv
// otherwise.
func openEventLog(cfg *config.Config, layout datadir.Layout, logger *slog.Logger) (store.EventLogger, func(), error) {
	if cfg.EventLog.DSN == "" {
		return store.NewCSVEventLog(layout.EventLogPath()), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.EventLog.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), startupProbeTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	pg := store.NewPostgresEventLog(db, logger)
	if err := pg.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info("event log stored in postgres")
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Warn("error closing database connection", slog.Any("error", err))
		}
	}, nil
}

// openSessionStore connects to Redis when REDIS_ADDR is set. The in-memory store is
// returned separately so its expired entries can be swept.
func openSessionStore(cfg *config.Config, logger *slog.Logger) (session.Store, *session.MemoryStore, func(), error) {
	if cfg.Session.RedisAddr == "" {
		mem := session.NewMemoryStore()
		return mem, mem, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Session.RedisAddr, DB: cfg.Session.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), startupProbeTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Session.RedisAddr, err)
	}
	logger.Info("sessions stored in redis", slog.String("addr", cfg.Session.RedisAddr))
	return session.NewRedisStore(client), nil, func() {
		if err := client.Close(); err != nil {
			logger.Warn("error closing redis client", slog.Any("error", err))
		}
	}, nil
}

// registerCatalogGauges exposes the loaded product count of every catalog.
func registerCatalogGauges(metrics *observability.Metrics, catalogs api.CatalogCounter) {
	for _, kind := range domain.LabelKinds {
		metrics.Registerer().MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "label_catalog_products",
			Help:        "Products loaded per catalog.",
			ConstLabels: prometheus.Labels{"kind": string(kind)},
		}, func() float64 {
			return float64(catalogs.Counts()[kind])
		}))
	}
}

func appendEvent(l store.EventLogger, logger *slog.Logger, event, details string) {
	ctx, cancel := context.WithTimeout(context.Background(), startupProbeTimeout)
	defer cancel()
	if err := l.Append(ctx, domain.LogEntry{Event: event, Details: details}); err != nil {
		logger.Warn("failed to append event log", slog.String("event", event), slog.Any("error", err))
	}
}

func waitForShutdown(
	ctx context.Context,
	logger *slog.Logger,
	httpServer *http.Server,
	grpcServer *grpc.Server,
	timeout time.Duration,
	cleanup func(),
	shutdownComplete chan struct{},
) {
	defer close(shutdownComplete)

	<-ctx.Done()
	logger.Info("starting graceful shutdown")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
	defer cancelShutdown()

	stoppedGrpc := make(chan struct{})
	if grpcServer != nil {
		logger.Info("attempting to gracefully shut down gRPC server")
		go func() {
			grpcServer.GracefulStop()
			close(stoppedGrpc)
		}()
	}

	// The websocket feed is hijacked and ignored by Shutdown; cleanup closes it.
	cleanup()

	logger.Info("attempting to gracefully shut down HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server graceful shutdown failed", slog.Any("error", err))
	} else {
		logger.Info("HTTP server gracefully shut down")
	}

	if grpcServer != nil {
		select {
		case <-stoppedGrpc:
			logger.Info("gRPC server gracefully shut down")
		case <-shutdownCtx.Done():
			logger.Warn("gRPC server graceful shutdown timed out, forcing stop", slog.Any("error", shutdownCtx.Err()))
			grpcServer.Stop()
		}
	}

	logger.Info("graceful shutdown sequence completed")
}
