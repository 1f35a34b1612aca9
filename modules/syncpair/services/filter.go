package services

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/openparcel/parcelsync/pkg/syncerr"
)

var newRecordFilterCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)))
}

var newRecordFilterCELProgram = func(env *cel.Env, ast *cel.Ast) (cel.Program, error) {
	return env.Program(ast)
}

var recordFilterProgramCache sync.Map

// CompileRecordFilter checks and compiles a pair's CEL record filter. The
// expression sees the source record as `record` and must evaluate to bool.
// An empty expression compiles to a match-everything filter.
func CompileRecordFilter(expr string) (*RecordFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &RecordFilter{}, nil
	}
	program, err := loadOrCompileRecordFilter(expr)
	if err != nil {
		return nil, syncerr.NewInvalidInput(fmt.Sprintf("filters.record: %v", err))
	}
	return &RecordFilter{program: program}, nil
}

// RecordFilter decides whether a source record participates in a sync run.
// The zero value matches everything.
type RecordFilter struct {
	program cel.Program
}

func (f *RecordFilter) Match(record map[string]any) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}
	out, _, err := f.program.Eval(map[string]any{"record": record})
	if err != nil {
		return false, syncerr.NewRecord(fmt.Sprintf("filter evaluation: %v", err))
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, syncerr.NewRecord("filter evaluation: non-boolean result")
	}
	return v, nil
}

func loadOrCompileRecordFilter(expr string) (cel.Program, error) {
	if cached, ok := recordFilterProgramCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newRecordFilterCELEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.New("expression must evaluate to bool")
	}
	program, err := newRecordFilterCELProgram(env, ast)
	if err != nil {
		return nil, err
	}
	recordFilterProgramCache.Store(expr, program)
	return program, nil
}
