package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"spatialsync/pkg/validation"
)

// Transport modes for peer links.
const (
	TransportWebSocket = "websocket"
	TransportWebRTC    = "webrtc"
)

type Config struct {
	Device struct {
		Name        string `yaml:"name"`
		Orientation string `yaml:"orientation"`
	} `yaml:"device"`

	Session struct {
		DwellThreshold time.Duration `yaml:"dwell_threshold"`
		RetryMargin    time.Duration `yaml:"retry_margin"`
		SettleDelay    time.Duration `yaml:"settle_delay"`
		InboxSize      int           `yaml:"inbox_size"`
	} `yaml:"session"`

	Anchor struct {
		PlacementDistance float64 `yaml:"placement_distance"`
		ShapeSignature    string  `yaml:"shape_signature"`
	} `yaml:"anchor"`

	Peer struct {
		ListenAddress string        `yaml:"listen_address"`
		ServiceName   string        `yaml:"service_name"`
		Domain        string        `yaml:"domain"`
		TransportMode string        `yaml:"transport_mode"`
		PingInterval  time.Duration `yaml:"ping_interval"`
		PongTimeout   time.Duration `yaml:"pong_timeout"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		SendQueueSize int           `yaml:"send_queue_size"`
		DialAttempts  int           `yaml:"dial_attempts"`
		ICEServers    []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"peer"`

	Upload struct {
		Endpoint         string        `yaml:"endpoint"`
		Timeout          time.Duration `yaml:"timeout"`
		JPEGQuality      int           `yaml:"jpeg_quality"`
		JWTSecret        string        `yaml:"jwt_secret"`
		FailureThreshold int           `yaml:"failure_threshold"`
		OpenTimeout      time.Duration `yaml:"open_timeout"`
	} `yaml:"upload"`

	Notify struct {
		Enabled        bool          `yaml:"enabled"`
		URL            string        `yaml:"url"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	} `yaml:"notify"`

	Ingest struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		StorageDir      string        `yaml:"storage_dir"`
		MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
		JWTSecret       string        `yaml:"jwt_secret"`
		StdinTrigger    bool          `yaml:"stdin_trigger"`
	} `yaml:"ingest"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsAddress    string `yaml:"metrics_address"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Device
	if err := validation.ValidateDeviceName(c.Device.Name); err != nil {
		return fmt.Errorf("device.name: %w", err)
	}

	// Session
	if c.Session.DwellThreshold <= 0 {
		return fmt.Errorf("session.dwell_threshold must be > 0")
	}
	if c.Session.RetryMargin < 0 {
		return fmt.Errorf("session.retry_margin must be >= 0")
	}
	if c.Session.SettleDelay < 0 {
		return fmt.Errorf("session.settle_delay must be >= 0")
	}
	if c.Session.InboxSize <= 0 {
		return fmt.Errorf("session.inbox_size must be > 0")
	}

	// Anchor
	if c.Anchor.PlacementDistance < 0 {
		return fmt.Errorf("anchor.placement_distance must be >= 0")
	}
	if c.Anchor.ShapeSignature == "" {
		return fmt.Errorf("anchor.shape_signature must not be empty")
	}

	// Peer
	if c.Peer.ListenAddress == "" {
		return fmt.Errorf("peer.listen_address must not be empty")
	}
	if c.Peer.ServiceName == "" {
		return fmt.Errorf("peer.service_name must not be empty")
	}
	if c.Peer.TransportMode != TransportWebSocket && c.Peer.TransportMode != TransportWebRTC {
		return fmt.Errorf("peer.transport_mode must be %q or %q", TransportWebSocket, TransportWebRTC)
	}
	if c.Peer.PingInterval <= 0 {
		return fmt.Errorf("peer.ping_interval must be > 0")
	}
	if c.Peer.PongTimeout <= c.Peer.PingInterval {
		return fmt.Errorf("peer.pong_timeout must be > peer.ping_interval")
	}
	if c.Peer.SendQueueSize <= 0 {
		return fmt.Errorf("peer.send_queue_size must be > 0")
	}
	if c.Peer.DialAttempts < 0 {
		return fmt.Errorf("peer.dial_attempts must be >= 0")
	}

	// Upload
	if err := validation.ValidateURL(c.Upload.Endpoint, "http", "https"); err != nil {
		return fmt.Errorf("upload.endpoint: %w", err)
	}
	if c.Upload.Timeout <= 0 {
		return fmt.Errorf("upload.timeout must be > 0")
	}
	if c.Upload.JPEGQuality < 1 || c.Upload.JPEGQuality > 100 {
		return fmt.Errorf("upload.jpeg_quality must be within [1, 100]")
	}
	if c.Upload.FailureThreshold <= 0 {
		return fmt.Errorf("upload.failure_threshold must be > 0")
	}

	// Notify
	if c.Notify.Enabled {
		if err := validation.ValidateURL(c.Notify.URL, "ws", "wss"); err != nil {
			return fmt.Errorf("notify.url: %w", err)
		}
	}

	// Ingest
	if c.Ingest.Address == "" {
		return fmt.Errorf("ingest.address must not be empty")
	}
	if c.Ingest.ReadTimeout <= 0 || c.Ingest.WriteTimeout <= 0 || c.Ingest.ShutdownTimeout <= 0 {
		return fmt.Errorf("ingest timeouts must be > 0")
	}
	if c.Ingest.StorageDir == "" {
		return fmt.Errorf("ingest.storage_dir must not be empty")
	}
	if c.Ingest.MaxUploadBytes <= 0 {
		return fmt.Errorf("ingest.max_upload_bytes must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsAddress == "" {
		return fmt.Errorf("monitoring.metrics_address must not be empty when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Device.Name = "spatialsync-device"
	cfg.Device.Orientation = "portrait"

	// The tracking engine needs about a second of data before its map is usable.
	cfg.Session.DwellThreshold = time.Second
	cfg.Session.RetryMargin = 50 * time.Millisecond
	cfg.Session.SettleDelay = 300 * time.Millisecond
	cfg.Session.InboxSize = 256

	cfg.Anchor.PlacementDistance = 0.5
	cfg.Anchor.ShapeSignature = "anchor/sphere/0.05"

	cfg.Peer.ListenAddress = ":7946"
	cfg.Peer.ServiceName = "_spatialsync._tcp"
	cfg.Peer.Domain = "local."
	cfg.Peer.TransportMode = TransportWebSocket
	cfg.Peer.PingInterval = 10 * time.Second
	cfg.Peer.PongTimeout = 30 * time.Second
	cfg.Peer.WriteTimeout = 10 * time.Second
	cfg.Peer.SendQueueSize = 64
	cfg.Peer.DialAttempts = 3

	cfg.Upload.Endpoint = "http://localhost:8080"
	cfg.Upload.Timeout = 15 * time.Second
	cfg.Upload.JPEGQuality = 85
	cfg.Upload.FailureThreshold = 5
	cfg.Upload.OpenTimeout = 30 * time.Second

	cfg.Notify.Enabled = false
	cfg.Notify.URL = "ws://localhost:8080/ws"
	cfg.Notify.ReconnectDelay = 5 * time.Second

	cfg.Ingest.Address = ":8080"
	cfg.Ingest.ReadTimeout = 30 * time.Second
	cfg.Ingest.WriteTimeout = 30 * time.Second
	cfg.Ingest.ShutdownTimeout = 15 * time.Second
	cfg.Ingest.StorageDir = "received_images"
	cfg.Ingest.MaxUploadBytes = 64 << 20
	cfg.Ingest.StdinTrigger = true

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsAddress = ":9090"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 30
	cfg.RateLimiting.HTTP.Burst = 60
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if name := os.Getenv("SPATIALSYNC_DEVICE_NAME"); name != "" {
		c.Device.Name = name
	}
	if addr := os.Getenv("SPATIALSYNC_PEER_ADDRESS"); addr != "" {
		c.Peer.ListenAddress = addr
	}
	if mode := os.Getenv("SPATIALSYNC_TRANSPORT_MODE"); mode != "" {
		c.Peer.TransportMode = mode
	}
	if endpoint := os.Getenv("SPATIALSYNC_UPLOAD_ENDPOINT"); endpoint != "" {
		c.Upload.Endpoint = endpoint
	}
	if url := os.Getenv("SPATIALSYNC_NOTIFY_URL"); url != "" {
		c.Notify.URL = url
		c.Notify.Enabled = true
	}
	if addr := os.Getenv("SPATIALSYNC_INGEST_ADDRESS"); addr != "" {
		c.Ingest.Address = addr
	}
	if dir := os.Getenv("SPATIALSYNC_STORAGE_DIR"); dir != "" {
		c.Ingest.StorageDir = dir
	}
	if level := os.Getenv("SPATIALSYNC_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("SPATIALSYNC_JWT_SECRET"); secret != "" {
		c.Upload.JWTSecret = secret
		c.Ingest.JWTSecret = secret
	}
}
