package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	// Peer configures the endpoint run by cmd/peer.
	Peer struct {
		ID             string `yaml:"id"`
		ServerID       string `yaml:"server_id"`
		Host           string `yaml:"host"`
		Port           int    `yaml:"port"`
		Path           string `yaml:"path"`
		Secure         bool   `yaml:"secure"`
		Key            string `yaml:"key"`
		ForceWebsocket bool   `yaml:"force_websocket"`
		ForceTURN      bool   `yaml:"force_turn"`
		DropICE        bool   `yaml:"drop_ice"`
		FetchICEConfig bool   `yaml:"fetch_ice_config"`
	} `yaml:"peer"`

	// Relay configures the signaling relay run by cmd/signal.
	Relay struct {
		Address           string        `yaml:"address"`
		Path              string        `yaml:"path"`
		Key               string        `yaml:"key"`
		InstanceID        string        `yaml:"instance_id"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		ReadTimeout       time.Duration `yaml:"read_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins    []string      `yaml:"allowed_origins"`
	} `yaml:"relay"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		// ICEConfigTTL is how long fetched ICE servers stay valid.
		ICEConfigTTL time.Duration `yaml:"ice_config_ttl"`
	} `yaml:"webrtc"`

	Session struct {
		HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
		ConnectTimeout     time.Duration `yaml:"connect_timeout"`
		BackoffBase        time.Duration `yaml:"backoff_base"`
		BackoffMaxExponent int           `yaml:"backoff_max_exponent"`
		MaxIDRetries       int           `yaml:"max_id_retries"`
		MaxPeerRetries     int           `yaml:"max_peer_retries"`
		MaxSignalRetries   int           `yaml:"max_signal_retries"` // 0 = unbounded
		TunnelQueueLimit   int           `yaml:"tunnel_queue_limit"`
	} `yaml:"session"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		PrometheusAddress string `yaml:"prometheus_address"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled   bool          `yaml:"enabled"`
		Address   string        `yaml:"address"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		PoolSize  int           `yaml:"pool_size"`
		KeyPrefix string        `yaml:"key_prefix"`
		LeaseTTL  time.Duration `yaml:"lease_ttl"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
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

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Peer
	if c.Peer.Port < 0 || c.Peer.Port > 65535 {
		return fmt.Errorf("peer.port must be between 0 and 65535")
	}

	// Relay
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.Key == "" {
		return fmt.Errorf("relay.key must not be empty")
	}
	if c.Relay.HeartbeatInterval <= 0 {
		return fmt.Errorf("relay.heartbeat_interval must be > 0")
	}
	if c.Relay.ReadTimeout <= c.Relay.HeartbeatInterval {
		return fmt.Errorf("relay.read_timeout must be > relay.heartbeat_interval")
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be > 0")
	}
	if c.Relay.ShutdownTimeout <= 0 {
		return fmt.Errorf("relay.shutdown_timeout must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Session
	if c.Session.HeartbeatTimeout <= 0 {
		return fmt.Errorf("session.heartbeat_timeout must be > 0")
	}
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be > 0")
	}
	if c.Session.BackoffBase <= 0 {
		return fmt.Errorf("session.backoff_base must be > 0")
	}
	if c.Session.BackoffMaxExponent < 0 {
		return fmt.Errorf("session.backoff_max_exponent must be >= 0")
	}
	if c.Session.MaxIDRetries < 0 || c.Session.MaxPeerRetries < 0 || c.Session.MaxSignalRetries < 0 {
		return fmt.Errorf("session retry maxima must be >= 0")
	}
	if c.Session.TunnelQueueLimit <= 0 {
		return fmt.Errorf("session.tunnel_queue_limit must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusAddress == "" {
		return fmt.Errorf("monitoring.prometheus_address must not be empty when prometheus_enabled=true")
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
		if c.Redis.LeaseTTL <= c.Relay.HeartbeatInterval {
			return fmt.Errorf("redis.lease_ttl must be > relay.heartbeat_interval when redis.enabled=true")
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
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
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
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
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

	cfg.Peer.Host = "localhost"
	cfg.Peer.Port = 9000
	cfg.Peer.Path = "/"
	cfg.Peer.Key = "peerjs"
	cfg.Peer.FetchICEConfig = true

	cfg.Relay.Address = ":9000"
	cfg.Relay.Path = "/"
	cfg.Relay.Key = "peerjs"
	cfg.Relay.HeartbeatInterval = 5 * time.Second
	cfg.Relay.ReadTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.ShutdownTimeout = 30 * time.Second
	cfg.Relay.AllowedOrigins = []string{"*"}

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
	cfg.WebRTC.ICEConfigTTL = time.Hour

	cfg.Session.HeartbeatTimeout = 10 * time.Second
	cfg.Session.ConnectTimeout = 10 * time.Second
	cfg.Session.BackoffBase = time.Second
	cfg.Session.BackoffMaxExponent = 3
	cfg.Session.MaxIDRetries = 20
	cfg.Session.MaxPeerRetries = 30
	cfg.Session.MaxSignalRetries = 0
	cfg.Session.TunnelQueueLimit = 256

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusAddress = ":9090"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "eterlink:"
	cfg.Redis.LeaseTTL = 30 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "eterlink"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("ETERLINK_PEER_ID"); id != "" {
		c.Peer.ID = id
	}
	if id := os.Getenv("ETERLINK_SERVER_ID"); id != "" {
		c.Peer.ServerID = id
	}
	if host := os.Getenv("ETERLINK_RELAY_HOST"); host != "" {
		c.Peer.Host = host
	}
	if port := os.Getenv("ETERLINK_RELAY_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Peer.Port = p
		}
	}
	if key := os.Getenv("ETERLINK_KEY"); key != "" {
		c.Peer.Key = key
		c.Relay.Key = key
	}
	if addr := os.Getenv("ETERLINK_RELAY_ADDRESS"); addr != "" {
		c.Relay.Address = addr
	}
	if addr := os.Getenv("ETERLINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if level := os.Getenv("ETERLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if v := os.Getenv("ETERLINK_FORCE_TURN"); v != "" {
		c.Peer.ForceTURN = parseBool(v)
	}
	if v := os.Getenv("ETERLINK_FORCE_WEBSOCKET"); v != "" {
		c.Peer.ForceWebsocket = parseBool(v)
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
