package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type staticProvider struct{ values map[string]string }

func (p staticProvider) Scheme() string { return "static" }

func (p staticProvider) Resolve(_ context.Context, ref string) (string, error) {
	return p.values[ref], nil
}

func TestSecretRefsResolved(t *testing.T) {
	clearEnv(t)
	t.Setenv("RELAY_TEST_SINK", "http://sink.example.com")

	tokenFile := filepath.Join(t.TempDir(), "otlp-token")
	if err := os.WriteFile(tokenFile, []byte("s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}

	yaml := `
transform:
  file: /etc/relay/transform.jsonata
sink:
  url: ${env:RELAY_TEST_SINK}
tracing:
  headers:
    authorization: ${file:` + tokenFile + `}
    x-plain: value
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Sink.URL != "http://sink.example.com" {
		t.Errorf("env secret not resolved: %q", cfg.Sink.URL)
	}
	if got := cfg.Tracing.Headers["authorization"]; got != "s3cret" {
		t.Errorf("file secret not resolved: %q", got)
	}
	if got := cfg.Tracing.Headers["x-plain"]; got != "value" {
		t.Errorf("plain header changed: %q", got)
	}
}

func TestSecretRefErrors(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		ref  string
		want string
	}{
		{"unset env", "${env:RELAY_TEST_DEFINITELY_UNSET}", "not set"},
		{"missing file", "${file:/nonexistent/relay/secret}", "reading secret file"},
		{"unknown scheme", "${vault:secret/relay}", "unknown secret provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := "transform:\n  file: /t.jsonata\nsink:\n  token_file: " + tt.ref + "\n"
			_, err := NewLoader().Parse([]byte(yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) || !strings.Contains(err.Error(), "Sink.TokenFile") {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestRegisterSecretProvider(t *testing.T) {
	clearEnv(t)

	l := NewLoader()
	l.RegisterSecretProvider(staticProvider{values: map[string]string{"sink": "http://static.example.com"}})

	cfg, err := l.Parse([]byte("transform:\n  file: /t.jsonata\nsink:\n  url: ${static:sink}\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Sink.URL != "http://static.example.com" {
		t.Errorf("custom provider not used: %q", cfg.Sink.URL)
	}
}

func TestRedact(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transform.File = "/t.jsonata"
	cfg.Tracing.Headers = map[string]string{"authorization": "Bearer abc", "empty": ""}

	redacted := Redact(cfg)
	if got := redacted.Tracing.Headers["authorization"]; got != RedactedValue {
		t.Errorf("expected header to be redacted, got %q", got)
	}
	if got := redacted.Tracing.Headers["empty"]; got != "" {
		t.Errorf("empty values stay empty, got %q", got)
	}
	if cfg.Tracing.Headers["authorization"] != "Bearer abc" {
		t.Error("Redact must not mutate the original config")
	}
	if redacted.Transform.File != "/t.jsonata" {
		t.Errorf("untagged fields must be kept, got %q", redacted.Transform.File)
	}

	out, err := Dump(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "Bearer abc") {
		t.Errorf("dump leaked a secret:\n%s", out)
	}
	if !strings.Contains(string(out), "/t.jsonata") {
		t.Errorf("dump is missing the transform file:\n%s", out)
	}
}
