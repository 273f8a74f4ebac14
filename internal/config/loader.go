package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Environment variables recognized on top of the YAML file. They keep the
// relay deployable with no config file at all.
const (
	EnvPort                  = "PORT"
	EnvHTTPSPort             = "HTTPS_PORT"
	EnvHTTPSCertPath         = "HTTPS_CERT_PATH"
	EnvHTTPSKeyPath          = "HTTPS_PK_PATH"
	EnvTransformFile         = "JSONATA_TRANSFORM_FILE_NAME"
	EnvResponseTransformFile = "JSONATA_RESPONSE_TRANSFORM_FILE_NAME"
	EnvDiscardResponseBody   = "JSONATA_DISCARD_RESPONSE_BODY"
	EnvSink                  = "K_SINK"
	EnvSinkTokenFile         = "K_SINK_TOKEN_FILE"
	EnvLogLevel              = "LOG_LEVEL"
	EnvOTLPEndpoint          = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

var validLanguages = map[string]bool{
	"":         true,
	"jsonata":  true,
	"expr":     true,
	"jmespath": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecretRegistry(),
	}
}

// RegisterSecretProvider adds a provider for ${scheme:reference} values.
func (l *Loader) RegisterSecretProvider(p SecretProvider) {
	l.secrets.Register(p)
}

// Load reads and parses a configuration file. An empty path yields the
// defaults with only the environment overlay applied.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		return l.Parse(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		expanded := l.expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyEnv overlays the deployment environment variables. Set variables win
// over file values.
func applyEnv(cfg *Config) error {
	if v, ok := lookup(EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup(EnvHTTPSPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvHTTPSPort, v)
		}
		cfg.Server.HTTPSPort = port
	}
	if v, ok := lookup(EnvHTTPSCertPath); ok {
		cfg.Server.TLS.CertFile = v
	}
	if v, ok := lookup(EnvHTTPSKeyPath); ok {
		cfg.Server.TLS.KeyFile = v
	}
	if v, ok := lookup(EnvTransformFile); ok {
		cfg.Transform.File = v
	}
	if v, ok := lookup(EnvResponseTransformFile); ok {
		cfg.ResponseTransform.File = v
	}
	if v, ok := lookup(EnvDiscardResponseBody); ok {
		discard, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: invalid boolean %q", EnvDiscardResponseBody, v)
		}
		cfg.Sink.DiscardResponseBody = discard
	}
	if v, ok := lookup(EnvSink); ok {
		cfg.Sink.URL = v
	}
	if v, ok := lookup(EnvSinkTokenFile); ok {
		cfg.Sink.TokenFile = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = v
	}
	return nil
}

// lookup returns a non-blank environment variable.
func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Transform.File == "" {
		return fmt.Errorf("transform.file is required (or set %s)", EnvTransformFile)
	}
	if !validLanguages[cfg.Transform.Language] {
		return fmt.Errorf("transform.language: unknown language %q", cfg.Transform.Language)
	}
	if !validLanguages[cfg.ResponseTransform.Language] {
		return fmt.Errorf("response_transform.language: unknown language %q", cfg.ResponseTransform.Language)
	}

	if cfg.ResponseTransform.File != "" && !cfg.Sink.Enabled() {
		return fmt.Errorf("response_transform.file requires sink.url (or %s)", EnvSink)
	}
	if cfg.Sink.DiscardResponseBody && cfg.ResponseTransform.File != "" {
		return fmt.Errorf("sink.discard_response_body cannot be combined with response_transform")
	}

	if cfg.Sink.Enabled() {
		u, err := url.Parse(cfg.Sink.URL)
		if err != nil {
			return fmt.Errorf("sink.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("sink.url: scheme must be http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("sink.url: host is required")
		}
	}
	if cfg.Sink.Timeout < 0 {
		return fmt.Errorf("sink.timeout must be >= 0")
	}
	if cfg.Sink.RateLimit.Rate < 0 || cfg.Sink.RateLimit.Burst < 0 {
		return fmt.Errorf("sink.rate_limit: rate and burst must be >= 0")
	}
	if cfg.Sink.CircuitBreaker.FailureThreshold < 0 || cfg.Sink.CircuitBreaker.MaxRequests < 0 {
		return fmt.Errorf("sink.circuit_breaker: thresholds must be >= 0")
	}

	if err := validatePort("server.port", cfg.Server.Port); err != nil {
		return err
	}
	if cfg.Server.TLS.Enabled() {
		if err := validatePort("server.https_port", cfg.Server.HTTPSPort); err != nil {
			return err
		}
		if cfg.Server.HTTPSPort == cfg.Server.Port {
			return fmt.Errorf("server.https_port must differ from server.port")
		}
	} else if (cfg.Server.TLS.CertFile == "") != (cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls: cert_file and key_file must be set together")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0")
	}

	sd := cfg.Shutdown
	if sd.GracePeriod <= 0 || sd.ForceTimeout <= 0 || sd.DestroyTimeout <= 0 {
		return fmt.Errorf("shutdown: grace_period, force_timeout and destroy_timeout must be > 0")
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

func validatePort(field string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s: invalid port %d", field, port)
	}
	return nil
}
