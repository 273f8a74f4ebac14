package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
)

// SecretProvider resolves secret references for a given scheme.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// SecretRegistry manages named SecretProviders.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry creates a registry with the env and file providers.
func NewSecretRegistry() *SecretRegistry {
	r := &SecretRegistry{providers: make(map[string]SecretProvider)}
	r.Register(EnvProvider{})
	r.Register(FileProvider{})
	return r
}

// Register adds a provider to the registry. It overwrites any existing
// provider for the same scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Resolve looks up the provider for scheme and delegates resolution.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(ctx, reference)
}

// EnvProvider resolves ${env:NAME} from environment variables.
type EnvProvider struct{}

func (EnvProvider) Scheme() string { return "env" }

func (EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", ref)
	}
	return val, nil
}

// FileProvider resolves ${file:/path} by reading the file.
type FileProvider struct{}

func (FileProvider) Scheme() string { return "file" }

func (FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", ref, err)
	}
	// secret files usually end with a newline
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

// secretRefPattern matches a full-string secret reference: ${scheme:reference}
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// resolveSecretRefs resolves ${scheme:ref} strings in place, including the
// values of string maps.
func resolveSecretRefs(ctx context.Context, cfg *Config, registry *SecretRegistry) error {
	var resolveErr error
	walkStrings(reflect.ValueOf(cfg).Elem(), "", func(path, val string, _ reflect.StructTag) (string, bool) {
		if resolveErr != nil {
			return "", false
		}
		m := secretRefPattern.FindStringSubmatch(val)
		if m == nil {
			return "", false
		}
		resolved, err := registry.Resolve(ctx, m[1], m[2])
		if err != nil {
			resolveErr = fmt.Errorf("secret resolution failed for %s: %w", path, err)
			return "", false
		}
		return resolved, true
	})
	return resolveErr
}

// walkStrings visits every string field and every map[string]string value
// of a struct. When fn reports a replacement, the field is set and the map
// is replaced by an updated copy, so maps shared with another Config are
// never mutated.
func walkStrings(v reflect.Value, path string, fn func(path, val string, tag reflect.StructTag) (string, bool)) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := v.Field(i)
		sf := t.Field(i)
		if !f.CanSet() {
			continue
		}
		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}

		switch f.Kind() {
		case reflect.String:
			if f.String() == "" {
				continue
			}
			if s, ok := fn(fieldPath, f.String(), sf.Tag); ok {
				f.SetString(s)
			}
		case reflect.Struct:
			walkStrings(f, fieldPath, fn)
		case reflect.Map:
			m, ok := f.Interface().(map[string]string)
			if !ok || len(m) == 0 {
				continue
			}
			cp := make(map[string]string, len(m))
			for k, val := range m {
				cp[k] = val
				if val == "" {
					continue
				}
				if s, ok := fn(fieldPath+"["+k+"]", val, sf.Tag); ok {
					cp[k] = s
				}
			}
			f.Set(reflect.ValueOf(cp))
		}
	}
}
