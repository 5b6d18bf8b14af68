package attributes

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultAnchorExpr selects marker events named tracemerge.sync.
const DefaultAnchorExpr = `name == "tracemerge.sync"`

// AnchorEnv is the environment an anchor expression runs against.
type AnchorEnv struct {
	Name     string `expr:"name"`
	Type     string `expr:"type"`
	Track    uint64 `expr:"track"`
	Sequence uint32 `expr:"sequence"`
	TS       uint64 `expr:"ts"`
	Source   string `expr:"source"`
}

// AnchorMatcher holds a compiled anchor predicate.
type AnchorMatcher struct {
	program *vm.Program
	rawExpr string
}

// NewAnchorMatcher compiles exprStr. An empty string selects
// DefaultAnchorExpr.
func NewAnchorMatcher(exprStr string) (*AnchorMatcher, error) {
	if exprStr == "" {
		exprStr = DefaultAnchorExpr
	}

	program, err := expr.Compile(exprStr, expr.Env(AnchorEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile anchor expression: %w", err)
	}

	return &AnchorMatcher{
		program: program,
		rawExpr: exprStr,
	}, nil
}

// Expr returns the source of the compiled expression.
func (m *AnchorMatcher) Expr() string {
	return m.rawExpr
}

// Match reports whether env is an anchor event.
func (m *AnchorMatcher) Match(env AnchorEnv) (bool, error) {
	output, err := expr.Run(m.program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate anchor expression: %w", err)
	}
	matched, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("anchor expression returned %T, want bool", output)
	}
	return matched, nil
}

// Attributes describes an anchor event as span attributes under prefix.
func Attributes(prefix string, env AnchorEnv) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(prefix+".name", env.Name),
		attribute.String(prefix+".source", env.Source),
		attribute.Int64(prefix+".ts", clampInt64(env.TS)),
		attribute.Int64(prefix+".sequence", int64(env.Sequence)),
	}
}

func clampInt64(v uint64) int64 {
	if v > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(v)
}
