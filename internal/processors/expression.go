package processors

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/yairfalse/vigil/pkg/domain"
)

// exprEnv is the type-checking environment for filter expressions.
// Every key here is available to expressions.
func exprEnv() map[string]interface{} {
	return map[string]interface{}{
		"id":         "",
		"timestamp":  int64(0),
		"event_type": "",
		"source":     "",
		"pid":        0,
		"ppid":       0,
		"uid":        0,
		"gid":        0,
		"comm":       "",
		"exe":        "",
		"data":       map[string]interface{}{},
	}
}

func eventEnv(e domain.Event) map[string]interface{} {
	data := e.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	return map[string]interface{}{
		"id":         e.ID,
		"timestamp":  int64(e.Timestamp),
		"event_type": string(e.Type),
		"source":     e.Source,
		"pid":        int(e.Process.PID),
		"ppid":       int(e.Process.PPID),
		"uid":        int(e.Process.UID),
		"gid":        int(e.Process.GID),
		"comm":       e.Process.Comm,
		"exe":        e.Process.Exe,
		"data":       data,
	}
}

// CompileExpression compiles a boolean filter expression against the event
// environment
func CompileExpression(expression string) (*vm.Program, error) {
	program, err := expr.Compile(expression, expr.Env(exprEnv()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", expression, err)
	}
	return program, nil
}

// ExpressionFilter drops events matching any of its expressions.
//
// Example: `comm == "sshd" && uid == 0`.
type ExpressionFilter struct {
	expressions []string
	programs    []*vm.Program
}

// NewExpressionFilter pre-compiles every expression
func NewExpressionFilter(expressions []string) (*ExpressionFilter, error) {
	programs := make([]*vm.Program, len(expressions))
	for i, e := range expressions {
		program, err := CompileExpression(e)
		if err != nil {
			return nil, err
		}
		programs[i] = program
	}
	return &ExpressionFilter{
		expressions: append([]string(nil), expressions...),
		programs:    programs,
	}, nil
}

// Name implements domain.Processor
func (f *ExpressionFilter) Name() string { return "expression-filter" }

// Process implements domain.Processor. A runtime evaluation failure is
// returned as an error and left to the pipeline's error policy.
func (f *ExpressionFilter) Process(ctx context.Context, event domain.Event) (*domain.Event, error) {
	if len(f.programs) == 0 {
		return &event, nil
	}

	for i, program := range f.programs {
		match, err := Match(program, event)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate %q: %w", f.expressions[i], err)
		}
		if match {
			return nil, nil
		}
	}
	return &event, nil
}
