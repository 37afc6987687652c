package main

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"spatialsync/internal/core/ports"
	"spatialsync/internal/core/services"
	httphandlers "spatialsync/internal/handlers/http"
	"spatialsync/internal/infrastructure/distributed"
	"spatialsync/internal/infrastructure/middleware"
	"spatialsync/internal/infrastructure/monitoring"
	repositories "spatialsync/internal/infrastructure/repositories"
	triggerhub "spatialsync/internal/infrastructure/signal"
	"spatialsync/internal/infrastructure/storage"
	"spatialsync/pkg/config"
	"spatialsync/pkg/logger"
	"spatialsync/pkg/tracing"
)

var defaultConfigPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/root/configs/config.yaml",
	"config.yaml",
}

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	address := flag.String("address", "", "listen address (overrides ingest.address)")
	storageDir := flag.String("storage-dir", "", "directory for received frames (overrides ingest.storage_dir)")
	noStdin := flag.Bool("no-stdin", false, "do not trigger captures when Enter is pressed")
	flag.Parse()

	_ = godotenv.Load()

	cfg := loadConfig(*configPath)
	if *address != "" {
		cfg.Ingest.Address = *address
	}
	if *storageDir != "" {
		cfg.Ingest.StorageDir = *storageDir
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "spatialsync-ingest",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	store, err := storage.NewFileStore(cfg.Ingest.StorageDir)
	if err != nil {
		log.Fatalw("failed to prepare storage directory", "dir", cfg.Ingest.StorageDir, "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)

	metrics := monitoring.NewIngestCollector(prometheus.DefaultRegisterer)

	health := monitoring.NewHealthChecker(nil)
	health.AddStorageCheck(store.Dir(), 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}

	frameService := services.NewFrameService(repoFactory.CreateFrameCounterRepository(), store, metrics, nil, log)

	hub := triggerhub.NewTriggerHub(metrics, log)

	var bus ports.TriggerBus
	if client := repoFactory.RedisClient(); client != nil {
		bus = distributed.NewEventBus(client, uuid.NewString(), log)
	}
	triggerService := services.NewTriggerService(bus, hub, metrics, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := triggerService.Start(ctx); err != nil {
		log.Warnw("trigger bus unavailable, broadcasting locally", "error", err)
		triggerService = services.NewTriggerService(nil, hub, metrics, nil, log)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		gin.Logger(),
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	var uploadAuth []gin.HandlerFunc
	if cfg.Ingest.JWTSecret != "" {
		uploadAuth = append(uploadAuth, middleware.AuthMiddleware(services.NewDeviceAuth(cfg.Ingest.JWTSecret, 0, nil)))
		log.Info("device token required on /upload_frame")
	}

	httphandlers.NewFrameHandler(frameService, health, metrics, cfg.Ingest.MaxUploadBytes, log).SetupRoutes(router, uploadAuth...)
	httphandlers.NewTriggerHandler(triggerService, hub, log).SetupRoutes(router)
	router.GET("/ws", gin.WrapF(hub.HandleWebSocket))

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Ingest.Address,
		Handler:      router,
		ReadTimeout:  cfg.Ingest.ReadTimeout,
		WriteTimeout: cfg.Ingest.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting ingest server",
			"address", cfg.Ingest.Address,
			"storage_dir", store.Dir(),
			"endpoints", []string{"POST /upload_frame", "GET /health", "GET /ready", "GET /ws", "POST /trigger", "GET /clients"},
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if cfg.Ingest.StdinTrigger && !*noStdin {
		log.Info("Press ENTER to trigger frame capture on all connected devices")
		go watchStdin(ctx, os.Stdin, func() {
			if _, _, err := triggerService.Trigger(ctx, "stdin"); err != nil {
				log.Warnw("trigger failed", "error", err)
			}
		}, log)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down ingest server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Ingest.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Errorw("Error closing trigger bus", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error flushing traces", "error", err)
	}

	log.Info("Ingest server stopped")
}

// loadConfig reads path, or the first default location that loads.
// Defaults are used when nothing does.
func loadConfig(path string) *config.Config {
	paths := defaultConfigPaths
	if path != "" {
		paths = []string{path}
	}
	for _, p := range paths {
		if cfg, err := config.Load(p); err == nil {
			return cfg
		}
	}
	return config.DefaultConfig()
}

// watchStdin calls trigger for every empty line read from r.
func watchStdin(ctx context.Context, r io.Reader, trigger func(), log *zap.SugaredLogger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if strings.TrimSpace(scanner.Text()) == "" {
			trigger()
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warnw("stdin reader stopped", "error", err)
	}
}
