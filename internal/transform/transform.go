// Package transform compiles and evaluates the declarative programs that map
// one JSON-like value to another. Programs are compiled once and are safe for
// concurrent evaluation.
package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Supported languages.
const (
	LanguageJSONata  = "jsonata"
	LanguageExpr     = "expr"
	LanguageJMESPath = "jmespath"
)

// Program is a compiled, immutable transformation.
type Program interface {
	// Evaluate maps input to output. input holds the shapes produced by
	// encoding/json when unmarshalling into any.
	Evaluate(input any) (any, error)
	// Language names the engine that compiled the program.
	Language() string
}

// CompileError reports a program that failed to compile.
type CompileError struct {
	Source   string
	Language string
	Err      error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("failed to compile %s transform %s: %v", e.Language, e.Source, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// EvaluationError reports a program that raised during evaluation.
type EvaluationError struct {
	Err error
}

func (e *EvaluationError) Error() string { return e.Err.Error() }

func (e *EvaluationError) Unwrap() error { return e.Err }

// Compile compiles program source in the given language.
func Compile(language, source string) (Program, error) {
	switch language {
	case LanguageJSONata, "":
		return compileJSONata(source)
	case LanguageExpr:
		return compileExpr(source)
	case LanguageJMESPath:
		return compileJMESPath(source)
	default:
		return nil, fmt.Errorf("unknown transform language %q", language)
	}
}

// CompileFile reads and compiles a program file. When language is empty it is
// inferred from the file extension.
func CompileFile(path, language string) (Program, error) {
	if language == "" {
		language = LanguageFromPath(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CompileError{Source: path, Language: language, Err: err}
	}

	p, err := Compile(language, string(data))
	if err != nil {
		return nil, &CompileError{Source: path, Language: language, Err: err}
	}
	return p, nil
}

// LanguageFromPath infers the language from a file extension, defaulting to
// JSONata.
func LanguageFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".expr":
		return LanguageExpr
	case ".jmespath", ".jp":
		return LanguageJMESPath
	default:
		return LanguageJSONata
	}
}

// Invoke evaluates p against input. The caller's context is checked first so
// a request whose client already went away does no work.
func Invoke(ctx context.Context, p Program, input any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := p.Evaluate(input)
	if err != nil {
		return nil, &EvaluationError{Err: err}
	}
	return out, nil
}
