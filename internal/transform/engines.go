package transform

import (
	"errors"
	"fmt"

	jsonata "github.com/blues/jsonata-go"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/jmespath/go-jmespath"
)

// inputVar binds non-object inputs for the expr engine.
const inputVar = "input"

type jsonataProgram struct {
	compiled *jsonata.Expr
}

func compileJSONata(source string) (Program, error) {
	compiled, err := jsonata.Compile(source)
	if err != nil {
		return nil, err
	}
	return &jsonataProgram{compiled: compiled}, nil
}

// Evaluate returns nil when the expression matches nothing.
func (p *jsonataProgram) Evaluate(input any) (any, error) {
	out, err := p.compiled.Eval(input)
	if errors.Is(err, jsonata.ErrUndefined) {
		return nil, nil
	}
	return out, err
}

func (p *jsonataProgram) Language() string { return LanguageJSONata }

type exprProgram struct {
	program *vm.Program
}

func compileExpr(source string) (Program, error) {
	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	return &exprProgram{program: program}, nil
}

// Evaluate exposes object fields as top-level identifiers; any other input is
// bound to "input".
func (p *exprProgram) Evaluate(input any) (any, error) {
	env, ok := input.(map[string]any)
	if !ok {
		env = map[string]any{inputVar: input}
	}
	return expr.Run(p.program, env)
}

func (p *exprProgram) Language() string { return LanguageExpr }

type jmespathProgram struct {
	compiled *jmespath.JMESPath
}

func compileJMESPath(source string) (Program, error) {
	compiled, err := jmespath.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("invalid expression: %w", err)
	}
	return &jmespathProgram{compiled: compiled}, nil
}

func (p *jmespathProgram) Evaluate(input any) (any, error) {
	return p.compiled.Search(input)
}

func (p *jmespathProgram) Language() string { return LanguageJMESPath }
