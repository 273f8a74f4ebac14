package config

import "time"

// Config represents the complete relay configuration
type Config struct {
	Server            ServerConfig        `yaml:"server"`
	Transform         TransformConfig     `yaml:"transform"`
	ResponseTransform TransformConfig     `yaml:"response_transform"`
	Sink              SinkConfig          `yaml:"sink"`
	Shutdown          ShutdownConfig      `yaml:"shutdown"`
	Logging           LoggingConfig       `yaml:"logging"`
	Tracing           TracingConfig       `yaml:"tracing"`
	Decompression     DecompressionConfig `yaml:"decompression"`
}

// ServerConfig defines the inbound HTTP listeners
type ServerConfig struct {
	Port              int           `yaml:"port"`
	HTTPSPort         int           `yaml:"https_port"`
	TLS               TLSConfig     `yaml:"tls"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
}

// TLSConfig defines TLS settings for the HTTPS listener
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// Watch reloads the certificate when either file changes on disk.
	Watch bool `yaml:"watch"`
}

// Enabled reports whether both certificate and key are configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// TransformConfig points at a transformation program on disk
type TransformConfig struct {
	File     string `yaml:"file"`
	Language string `yaml:"language"` // jsonata, expr, jmespath; inferred from extension when empty
}

// SinkConfig defines the optional downstream endpoint
type SinkConfig struct {
	URL                 string               `yaml:"url"`
	TokenFile           string               `yaml:"token_file"`
	DiscardResponseBody bool                 `yaml:"discard_response_body"`
	Timeout             time.Duration        `yaml:"timeout"` // 0 = bound only by the inbound request
	CAFile              string               `yaml:"ca_file"`
	InsecureSkipVerify  bool                 `yaml:"insecure_skip_verify"`
	CircuitBreaker      CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit           RateLimitConfig      `yaml:"rate_limit"`
}

// Enabled reports whether forwarding is configured.
func (s SinkConfig) Enabled() bool {
	return s.URL != ""
}

// CircuitBreakerConfig defines circuit breaker settings for the sink
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before opening (default 5)
	MaxRequests      int           `yaml:"max_requests"`      // requests allowed while half-open (default 1)
	Timeout          time.Duration `yaml:"timeout"`           // open duration before half-open (default 30s)
}

// RateLimitConfig limits outbound calls to the sink
type RateLimitConfig struct {
	Rate   int           `yaml:"rate"`   // requests per period; 0 disables
	Period time.Duration `yaml:"period"` // default 1s
	Burst  int           `yaml:"burst"`  // default = rate
}

// ShutdownConfig defines the connection drain timings
type ShutdownConfig struct {
	GracePeriod    time.Duration `yaml:"grace_period"`    // drain window after SIGINT (default 5s)
	ForceTimeout   time.Duration `yaml:"force_timeout"`   // hard exit deadline after force close begins (default 10s)
	DestroyTimeout time.Duration `yaml:"destroy_timeout"` // forced connection teardown after force close begins (default 7s)
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Format   string            `yaml:"format"` // json (default) or console
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // stdout, stderr or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// TracingConfig defines distributed tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers" redact:"true"`
}

// DecompressionConfig defines inbound body decompression
type DecompressionConfig struct {
	Enabled             bool     `yaml:"enabled"`
	Algorithms          []string `yaml:"algorithms"`            // gzip, deflate, br, zstd (default all)
	MaxDecompressedSize int64    `yaml:"max_decompressed_size"` // default 50 MiB
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			HTTPSPort:         8443,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxBodyBytes:      10 << 20,
		},
		Shutdown: ShutdownConfig{
			GracePeriod:    5 * time.Second,
			ForceTimeout:   10 * time.Second,
			DestroyTimeout: 7 * time.Second,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			ServiceName: "event-relay",
			SampleRate:  1.0,
		},
		Decompression: DecompressionConfig{
			Enabled:             true,
			MaxDecompressedSize: 50 << 20,
		},
	}
}
