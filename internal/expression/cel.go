package expression

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/rafaeljc/paygate/internal/trigger"
)

// CEL evaluates Common Expression Language predicates.
//
// The environment declares three map variables, params, user and device,
// plus semver helpers:
//
//	semverGreaterThan(device.appVersion, "2.4.0") && params.plan == "free"
type CEL struct {
	env *cel.Env

	// programs caches compiled programs by expression source.
	// Expected value type is cel.Program.
	programs sync.Map
}

// NewCEL builds the CEL environment.
func NewCEL() (*CEL, error) {
	attrMap := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("params", attrMap),
		cel.Variable("user", attrMap),
		cel.Variable("device", attrMap),
		cel.Function("semverGreaterThan",
			cel.Overload("semver_greater_than_string_string",
				[]*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				semverBinding(func(a, b *semver.Version) bool { return a.GreaterThan(b) }),
			),
		),
		cel.Function("semverLessThan",
			cel.Overload("semver_less_than_string_string",
				[]*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				semverBinding(func(a, b *semver.Version) bool { return a.LessThan(b) }),
			),
		),
		cel.Function("semverEquals",
			cel.Overload("semver_equals_string_string",
				[]*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				semverBinding(func(a, b *semver.Version) bool { return a.Equal(b) }),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CEL{env: env}, nil
}

func semverBinding(cmp func(a, b *semver.Version) bool) cel.OverloadOpt {
	return cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
		l, lok := lhs.Value().(string)
		r, rok := rhs.Value().(string)
		if !lok || !rok {
			return types.NewErr("semver comparison expects string arguments")
		}
		a, err := semver.NewVersion(l)
		if err != nil {
			return types.NewErr("invalid version %q: %v", l, err)
		}
		b, err := semver.NewVersion(r)
		if err != nil {
			return types.NewErr("invalid version %q: %v", r, err)
		}
		return types.Bool(cmp(a, b))
	})
}

// Validate compiles the expression and checks that it can yield a boolean.
func (c *CEL) Validate(expression string) error {
	_, err := c.program(expression)
	return err
}

// Evaluate runs the compiled program against attrs.
func (c *CEL) Evaluate(ctx context.Context, expression string, attrs trigger.Attributes) (bool, error) {
	prg, err := c.program(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.ContextEval(ctx, map[string]any(attrs))
	if err != nil {
		return false, fmt.Errorf("cel evaluation failed: %w", err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel expression returned %T, expected bool", out.Value())
	}
	return matched, nil
}

func (c *CEL) program(expression string) (cel.Program, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, ErrEmptyExpression
	}
	if cached, ok := c.programs.Load(expression); ok {
		return cached.(cel.Program), nil
	}

	ast, iss := c.env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, iss.Err())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: expression yields %s, expected bool", ErrInvalidExpression, out)
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	actual, _ := c.programs.LoadOrStore(expression, prg)
	return actual.(cel.Program), nil
}
