package filter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/arloliu/rstream/types"
)

// CELFilter evaluates a compiled CEL expression against each message.
//
// Variables available to the expression:
//
//	offset        int                  stream offset of the message
//	filter_value  string               value indexed for server-side filtering
//	properties    map(string, string)  application properties
//	size          int                  body length in bytes
//	text          string               body as a string
//	json          dyn                  body parsed as JSON (null when not JSON)
//	ts_ms         int                  chunk timestamp in unix milliseconds
//
// An expression that fails at runtime or yields a non-bool drops the message.
type CELFilter struct {
	expr string
	prog cel.Program
}

var _ Predicate = (*CELFilter)(nil)

// CEL compiles expr into a predicate.
//
// Parameters:
//   - expr: CEL expression evaluating to bool
//
// Returns:
//   - *CELFilter: Compiled predicate
//   - error: Parse or type-check failure
//
// Example:
//
//	pred, err := filter.CEL(`filter_value == "eu" && properties["priority"] == "high"`)
func CEL(expr string) (*CELFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cel filter: empty expression")
	}

	env, err := cel.NewEnv(
		cel.Variable("offset", cel.IntType),
		cel.Variable("filter_value", cel.StringType),
		cel.Variable("properties", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("size", cel.IntType),
		cel.Variable("text", cel.StringType),
		cel.Variable("json", cel.DynType),
		cel.Variable("ts_ms", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel filter: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("cel filter: compile %q: %w", expr, iss.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("cel filter: %q evaluates to %s, want bool", expr, ast.OutputType())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel filter: program %q: %w", expr, err)
	}

	return &CELFilter{expr: expr, prog: prog}, nil
}

// MustCEL is like CEL but panics on error. Intended for static expressions.
func MustCEL(expr string) *CELFilter {
	f, err := CEL(expr)
	if err != nil {
		panic(err)
	}

	return f
}

// Match implements Predicate.
func (f *CELFilter) Match(msg types.Message) bool {
	var jsonObj any
	_ = json.Unmarshal(msg.Body, &jsonObj)

	props := msg.ApplicationProperties
	if props == nil {
		props = map[string]string{}
	}

	var ts int64
	if !msg.Timestamp.IsZero() {
		ts = msg.Timestamp.UnixMilli()
	}

	out, _, err := f.prog.Eval(map[string]any{
		"offset":       int64(msg.Offset), //nolint:gosec // offsets fit in int64
		"filter_value": msg.FilterValue,
		"properties":   props,
		"size":         int64(len(msg.Body)),
		"text":         string(msg.Body),
		"json":         jsonObj,
		"ts_ms":        ts,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)

	return ok && b
}

// String returns the source expression.
func (f *CELFilter) String() string { return f.expr }
