package transform

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

func TestLanguageFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/etc/relay/transform.jsonata", LanguageJSONata},
		{"/etc/relay/transform.JSONATA", LanguageJSONata},
		{"transform.expr", LanguageExpr},
		{"transform.jmespath", LanguageJMESPath},
		{"transform.jp", LanguageJMESPath},
		{"transform", LanguageJSONata},
		{"transform.txt", LanguageJSONata},
	}

	for _, tt := range tests {
		if got := LanguageFromPath(tt.path); got != tt.want {
			t.Errorf("LanguageFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestEvaluateEngines(t *testing.T) {
	input := map[string]any{
		"specversion": "1.0",
		"type":        "dev.knative.sample",
		"data": map[string]any{
			"x":    float64(1),
			"name": "relay",
		},
	}

	tests := []struct {
		language string
		source   string
		want     any
	}{
		{LanguageJSONata, "data.x + 1", float64(2)},
		{LanguageJSONata, `{"kind": type, "n": data.name}`, map[string]any{"kind": "dev.knative.sample", "n": "relay"}},
		{LanguageJSONata, "data.missing", nil},
		{LanguageExpr, "data.x + 1", float64(2)},
		{LanguageExpr, `{"n": data.name, "v": specversion}`, map[string]any{"n": "relay", "v": "1.0"}},
		{LanguageJMESPath, "data.name", "relay"},
		{LanguageJMESPath, "{kind: type}", map[string]any{"kind": "dev.knative.sample"}},
	}

	for _, tt := range tests {
		t.Run(tt.language+"/"+tt.source, func(t *testing.T) {
			p, err := Compile(tt.language, tt.source)
			if err != nil {
				t.Fatalf("Compile failed: %v", err)
			}
			if p.Language() != tt.language {
				t.Errorf("Language() = %q, want %q", p.Language(), tt.language)
			}

			got, err := Invoke(context.Background(), p, input)
			if err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestExprNonObjectInput(t *testing.T) {
	p, err := Compile(LanguageExpr, `input + "!"`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	got, err := Invoke(context.Background(), p, "hello")
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got != "hello!" {
		t.Errorf("got %#v, want %q", got, "hello!")
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		language string
		source   string
	}{
		{LanguageJSONata, "data.x +"},
		{LanguageExpr, "data.x +"},
		{LanguageJMESPath, "data.["},
		{"xslt", "anything"},
	}

	for _, tt := range tests {
		if _, err := Compile(tt.language, tt.source); err == nil {
			t.Errorf("Compile(%q, %q) should fail", tt.language, tt.source)
		}
	}
}

func TestEvaluationError(t *testing.T) {
	tests := []struct {
		language string
		source   string
		input    any
	}{
		{LanguageJSONata, "data.name + 1", map[string]any{"data": map[string]any{"name": "relay"}}},
		{LanguageExpr, "input + 1", "not a number"},
		{LanguageJMESPath, "abs(name)", map[string]any{"name": "relay"}},
	}

	for _, tt := range tests {
		t.Run(tt.language, func(t *testing.T) {
			p, err := Compile(tt.language, tt.source)
			if err != nil {
				t.Fatalf("Compile failed: %v", err)
			}
			_, err = Invoke(context.Background(), p, tt.input)
			var evalErr *EvaluationError
			if !errors.As(err, &evalErr) {
				t.Fatalf("expected EvaluationError, got %v", err)
			}
			if evalErr.Error() == "" {
				t.Error("evaluation error should carry a message")
			}
		})
	}
}

func TestInvokeCanceledContext(t *testing.T) {
	p, err := Compile(LanguageJSONata, "1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Invoke(ctx, p, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCompileFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "transform.jsonata")
	if err := os.WriteFile(path, []byte("data.x + 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := CompileFile(path, "")
	if err != nil {
		t.Fatalf("CompileFile failed: %v", err)
	}
	if p.Language() != LanguageJSONata {
		t.Errorf("expected jsonata, got %s", p.Language())
	}

	// explicit language wins over the extension
	p, err = CompileFile(path, LanguageExpr)
	if err != nil {
		t.Fatalf("CompileFile failed: %v", err)
	}
	if p.Language() != LanguageExpr {
		t.Errorf("expected expr, got %s", p.Language())
	}

	_, err = CompileFile(filepath.Join(dir, "missing.jsonata"), "")
	var compileErr *CompileError
	if !errors.As(err, &compileErr) {
		t.Fatalf("expected CompileError for missing file, got %v", err)
	}

	bad := filepath.Join(dir, "bad.jsonata")
	if err := os.WriteFile(bad, []byte("data.x +"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := CompileFile(bad, ""); !errors.As(err, &compileErr) {
		t.Fatalf("expected CompileError for bad source, got %v", err)
	}
}

func TestConcurrentEvaluate(t *testing.T) {
	p, err := Compile(LanguageJSONata, "data.x * 2")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, err := Invoke(context.Background(), p, map[string]any{"data": map[string]any{"x": float64(n)}})
			if err != nil {
				errs <- err
				return
			}
			if got != float64(n*2) {
				errs <- errors.New("wrong result under concurrency")
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
