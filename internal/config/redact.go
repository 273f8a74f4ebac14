package config

import (
	"reflect"

	"github.com/goccy/go-yaml"
)

// RedactedValue is the placeholder string used for redacted secrets.
const RedactedValue = "[REDACTED]"

// Redact returns a copy of cfg with every non-empty string tagged
// `redact:"true"` replaced by RedactedValue. The original is not mutated.
func Redact(cfg *Config) *Config {
	cp := *cfg
	walkStrings(reflect.ValueOf(&cp).Elem(), "", func(_, _ string, tag reflect.StructTag) (string, bool) {
		if tag.Get("redact") == "true" {
			return RedactedValue, true
		}
		return "", false
	})
	return &cp
}

// Dump renders the redacted effective configuration as YAML.
func Dump(cfg *Config) ([]byte, error) {
	return yaml.Marshal(Redact(cfg))
}
