package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Upstream struct {
		ServerURL           string        `yaml:"server_url"`
		APIKey              string        `yaml:"api_key"`
		Username            string        `yaml:"username"`
		Password            string        `yaml:"password"`
		MaxStreamingBitrate int           `yaml:"max_streaming_bitrate"`
		RequestTimeout      time.Duration `yaml:"request_timeout"`
	} `yaml:"upstream"`

	Party struct {
		MaxUsers       int    `yaml:"max_users"`
		PersistentRoom string `yaml:"persistent_room"`
	} `yaml:"party"`

	Sync struct {
		DuplicateEpsilonSeconds float64       `yaml:"duplicate_epsilon_seconds"`
		SeekBufferDelay         time.Duration `yaml:"seek_buffer_delay"`
	} `yaml:"sync"`

	Tokens struct {
		Enabled       bool          `yaml:"enabled"`
		TTL           time.Duration `yaml:"ttl"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"tokens"`

	Signal struct {
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		SendBufferSize int           `yaml:"send_buffer_size"`
	} `yaml:"signal"`

	Auth struct {
		RequireLogin   bool          `yaml:"require_login"`
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		PartyCreation struct {
			PerHour int `yaml:"per_hour"`
		} `yaml:"party_creation"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Upstream.ServerURL == "" {
		return fmt.Errorf("upstream.server_url must not be empty")
	}
	if c.Upstream.RequestTimeout <= 0 {
		return fmt.Errorf("upstream.request_timeout must be > 0")
	}

	if c.Party.MaxUsers < 0 {
		return fmt.Errorf("party.max_users must be >= 0 (0 means unlimited)")
	}

	if c.Sync.DuplicateEpsilonSeconds < 0 {
		return fmt.Errorf("sync.duplicate_epsilon_seconds must be >= 0")
	}
	if c.Sync.SeekBufferDelay < 0 {
		return fmt.Errorf("sync.seek_buffer_delay must be >= 0")
	}

	if c.Tokens.Enabled {
		if c.Tokens.TTL <= 0 {
			return fmt.Errorf("tokens.ttl must be > 0 when tokens.enabled=true")
		}
		if c.Tokens.SweepInterval <= 0 {
			return fmt.Errorf("tokens.sweep_interval must be > 0 when tokens.enabled=true")
		}
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= 0 {
		return fmt.Errorf("signal.pong_timeout must be > 0")
	}
	if c.Signal.SendBufferSize <= 0 {
		return fmt.Errorf("signal.send_buffer_size must be > 0")
	}

	if c.Auth.RequireLogin {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.require_login=true")
		}
		if c.Auth.AccessTokenTTL <= 0 {
			return fmt.Errorf("auth.access_token_ttl must be > 0 when auth.require_login=true")
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.PartyCreation.PerHour <= 0 {
			return fmt.Errorf("rate_limiting.party_creation.per_hour must be > 0 when rate limiting is enabled")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file is not an error; defaults plus env are used.
func Load(configPath string) (*Config, error) {
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

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	// Segment proxying holds response writes open for the duration of the
	// transfer, so the write timeout is generous.
	cfg.Server.WriteTimeout = 120 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Upstream.ServerURL = "http://localhost:8096"
	cfg.Upstream.MaxStreamingBitrate = 8000000
	cfg.Upstream.RequestTimeout = 30 * time.Second

	cfg.Party.MaxUsers = 0

	cfg.Sync.DuplicateEpsilonSeconds = 0.3
	cfg.Sync.SeekBufferDelay = 1500 * time.Millisecond

	cfg.Tokens.Enabled = true
	cfg.Tokens.TTL = 24 * time.Hour
	cfg.Tokens.SweepInterval = 15 * time.Minute

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.SendBufferSize = 64

	cfg.Auth.RequireLogin = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.PartyCreation.PerHour = 5

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("WATCHPARTY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("WATCHPARTY_UPSTREAM_URL"); url != "" {
		c.Upstream.ServerURL = url
	}
	if key := os.Getenv("WATCHPARTY_UPSTREAM_API_KEY"); key != "" {
		c.Upstream.APIKey = key
	}
	if user := os.Getenv("WATCHPARTY_UPSTREAM_USERNAME"); user != "" {
		c.Upstream.Username = user
	}
	if pass := os.Getenv("WATCHPARTY_UPSTREAM_PASSWORD"); pass != "" {
		c.Upstream.Password = pass
	}
	if room := os.Getenv("WATCHPARTY_PERSISTENT_ROOM"); room != "" {
		c.Party.PersistentRoom = room
	}
	if v := os.Getenv("WATCHPARTY_REQUIRE_LOGIN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Auth.RequireLogin = b
		}
	}
	if secret := os.Getenv("WATCHPARTY_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if level := os.Getenv("WATCHPARTY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
