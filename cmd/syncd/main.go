package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/services"
	"spatialsync/internal/infrastructure/monitoring"
	"spatialsync/internal/infrastructure/notify"
	"spatialsync/internal/infrastructure/peer"
	"spatialsync/internal/infrastructure/scene"
	"spatialsync/internal/infrastructure/tracking"
	"spatialsync/internal/infrastructure/upload"
	"spatialsync/pkg/circuitbreaker"
	"spatialsync/pkg/config"
	"spatialsync/pkg/geometry"
	"spatialsync/pkg/logger"
	"spatialsync/pkg/retry"
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
	deviceName := flag.String("device", "", "device name (overrides device.name)")
	startHost := flag.Bool("host", false, "start hosting a session on launch")
	startClient := flag.Bool("join", false, "start browsing for a host on launch")
	uploadEndpoint := flag.String("upload", "", "frame server base URL (overrides upload.endpoint)")
	flag.Parse()

	_ = godotenv.Load()

	cfg := loadConfig(*configPath)
	if *deviceName != "" {
		cfg.Device.Name = *deviceName
	}
	if *uploadEndpoint != "" {
		cfg.Upload.Endpoint = *uploadEndpoint
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if *startHost && *startClient {
		log.Fatal("--host and --join are mutually exclusive")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "spatialsync-device",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trackingCfg := tracking.DefaultConfig()
	if o := geometry.ParseOrientation(cfg.Device.Orientation); o != geometry.OrientationUnknown {
		trackingCfg.Orientation = o
	}
	tracker := tracking.NewSimulated(trackingCfg, log.Named("tracking"))
	sceneEngine := scene.NewMemoryScene(nil, scene.DefaultHeartbeat, log.Named("scene"))

	transport := peer.NewTransport(peerConfig(cfg), peer.NewZeroconfDiscovery(cfg.Peer.ServiceName, cfg.Peer.Domain, log.Named("mdns")), log.Named("peer"))

	uploader := upload.NewHTTPUploader(upload.Config{
		Endpoint: cfg.Upload.Endpoint,
		Timeout:  cfg.Upload.Timeout,
		Breaker: circuitbreaker.Config{
			FailureThreshold:    cfg.Upload.FailureThreshold,
			SuccessThreshold:    1,
			Timeout:             cfg.Upload.OpenTimeout,
			MaxRequestsHalfOpen: 1,
		},
	}, tokenSource(cfg), log.Named("upload"))

	metrics := monitoring.NewEngineCollector(prometheus.DefaultRegisterer)

	coordinator := services.NewCoordinator(services.CoordinatorConfig{
		DeviceID:          cfg.Device.Name,
		DwellThreshold:    cfg.Session.DwellThreshold,
		RetryMargin:       cfg.Session.RetryMargin,
		SettleDelay:       cfg.Session.SettleDelay,
		InboxSize:         cfg.Session.InboxSize,
		PlacementDistance: cfg.Anchor.PlacementDistance,
		ShapeSignature:    cfg.Anchor.ShapeSignature,
		JPEGQuality:       cfg.Upload.JPEGQuality,
	}, services.Dependencies{
		Tracking:    tracker,
		Scene:       sceneEngine,
		Transport:   transport,
		Uploader:    uploader,
		Orientation: tracker,
		Metrics:     metrics,
		Logger:      log.Named("engine"),
		OnStatus: func(status string) {
			fmt.Println("status:", status)
		},
	})

	go tracker.Run(ctx)
	go sceneEngine.Run(ctx)

	coordinatorErr := make(chan error, 1)
	go func() { coordinatorErr <- coordinator.Run(ctx) }()

	if err := tracker.Restart(nil); err != nil {
		log.Fatalw("failed to start tracking", "error", err)
	}

	if cfg.Notify.Enabled {
		client := notify.NewClient(notify.Config{
			URL:            cfg.Notify.URL,
			DeviceName:     cfg.Device.Name,
			ReconnectDelay: cfg.Notify.ReconnectDelay,
		}, coordinator, log.Named("notify"))
		go func() {
			if err := client.Run(ctx); err != nil {
				log.Warnw("notification client stopped", "error", err)
			}
		}()
	}

	var metricsServer *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Monitoring.MetricsAddress, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warnw("metrics server failed", "error", err)
			}
		}()
	}

	switch {
	case *startHost:
		if err := coordinator.StartHost(ctx); err != nil {
			log.Errorw("failed to start hosting", "error", err)
		}
	case *startClient:
		if err := coordinator.StartClient(ctx); err != nil {
			log.Errorw("failed to join", "error", err)
		}
	}

	log.Infow("Device engine running", "device", cfg.Device.Name, "transport", cfg.Peer.TransportMode, "upload", cfg.Upload.Endpoint)
	go runCommands(ctx, os.Stdin, os.Stdout, coordinator, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	case err := <-coordinatorErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("engine stopped", "error", err)
		}
	}

	cancel()
	tracker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error flushing traces", "error", err)
	}
	log.Info("Device engine stopped")
}

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

func peerConfig(cfg *config.Config) peer.Config {
	pc := peer.DefaultConfig(domain.PeerID(cfg.Device.Name))
	pc.ListenAddress = cfg.Peer.ListenAddress
	pc.Mode = cfg.Peer.TransportMode
	pc.PingInterval = cfg.Peer.PingInterval
	pc.PongTimeout = cfg.Peer.PongTimeout
	pc.WriteTimeout = cfg.Peer.WriteTimeout
	pc.SendQueueSize = cfg.Peer.SendQueueSize

	dial := retry.DefaultConfig()
	dial.MaxAttempts = cfg.Peer.DialAttempts
	pc.Dial = dial

	for _, s := range cfg.Peer.ICEServers {
		pc.ICEServers = append(pc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if pc.Mode == peer.ModeWebRTC && len(pc.ICEServers) == 0 {
		pc.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return pc
}

// tokenSource signs a short-lived device token per upload when a shared
// secret is configured.
func tokenSource(cfg *config.Config) upload.TokenSource {
	if cfg.Upload.JWTSecret == "" {
		return nil
	}
	auth := services.NewDeviceAuth(cfg.Upload.JWTSecret, 5*time.Minute, nil)
	name := cfg.Device.Name
	return func() (string, error) { return auth.GenerateToken(name) }
}

// controller is the subset of the coordinator the command loop drives.
type controller interface {
	StartHost(ctx context.Context) error
	StopHost(ctx context.Context) error
	StartClient(ctx context.Context) error
	StopClient(ctx context.Context) error
	PlaceAnchor(ctx context.Context) error
	RemoveAnchor(ctx context.Context) error
	RequestCapture()
	Snapshot(ctx context.Context) (services.Snapshot, error)
}

const commandHelp = "commands: host, unhost, join, leave, place, remove, capture, status, help"

// runCommands reads one command per line from in until ctx is done or in
// is exhausted.
func runCommands(ctx context.Context, in io.Reader, out io.Writer, c controller, log *zap.SugaredLogger) {
	fmt.Fprintln(out, commandHelp)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := execute(ctx, strings.TrimSpace(scanner.Text()), out, c); err != nil {
			log.Warnw("command failed", "error", err)
			fmt.Fprintln(out, "error:", err)
		}
	}
}

func execute(ctx context.Context, command string, out io.Writer, c controller) error {
	switch command {
	case "":
		return nil
	case "host":
		return c.StartHost(ctx)
	case "unhost":
		return c.StopHost(ctx)
	case "join":
		return c.StartClient(ctx)
	case "leave":
		return c.StopClient(ctx)
	case "place":
		return c.PlaceAnchor(ctx)
	case "remove":
		return c.RemoveAnchor(ctx)
	case "capture":
		c.RequestCapture()
		return nil
	case "status":
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return err
		}
		printSnapshot(out, snap)
		return nil
	case "help":
		fmt.Fprintln(out, commandHelp)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func printSnapshot(out io.Writer, s services.Snapshot) {
	anchor := "none"
	if s.Anchor != nil {
		anchor = fmt.Sprintf("%s (%s, synchronized=%t)", s.Anchor.ObjectID, s.Anchor.Ownership, s.Anchor.Synchronized)
	}
	fmt.Fprintf(out, "role=%s peers=%d synchronized=%t mapping=%s anchor=%s\n",
		s.Role, len(s.Peers), s.Synchronized, s.Mapping, anchor)
	fmt.Fprintf(out, "status: %s\n", s.Status)
}
