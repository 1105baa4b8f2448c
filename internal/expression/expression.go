// Package expression implements the pluggable predicate evaluators used by
// audience rules. Two dialects are supported: CEL (the default) and JSON Logic.
//
// Evaluators are safe for concurrent use. Compiled programs are cached per
// expression string since the same rules are evaluated for every event.
package expression

import (
	"context"
	"errors"
	"fmt"

	"github.com/rafaeljc/paygate/internal/trigger"
)

var (
	// ErrEmptyExpression is returned when an expression is empty or whitespace.
	ErrEmptyExpression = errors.New("invalid expression: empty or whitespace")

	// ErrInvalidExpression is returned when an expression does not compile.
	ErrInvalidExpression = errors.New("invalid expression")

	// ErrUnsupportedLanguage is returned when no evaluator is registered for a dialect.
	ErrUnsupportedLanguage = errors.New("unsupported expression language")
)

// Evaluator evaluates expressions of a single dialect.
type Evaluator interface {
	// Evaluate reports whether attrs satisfy the expression.
	Evaluate(ctx context.Context, expression string, attrs trigger.Attributes) (bool, error)

	// Validate checks that the expression compiles without evaluating it.
	Validate(expression string) error
}

// Router dispatches predicates to the evaluator registered for their language.
type Router struct {
	evaluators map[trigger.Language]Evaluator
	fallback   trigger.Language
}

// NewRouter creates a router. Predicates without a language use fallback.
func NewRouter(fallback trigger.Language, evaluators map[trigger.Language]Evaluator) *Router {
	return &Router{evaluators: evaluators, fallback: fallback}
}

// NewDefaultRouter registers the CEL and JSON Logic evaluators with CEL as fallback.
func NewDefaultRouter() (*Router, error) {
	celEval, err := NewCEL()
	if err != nil {
		return nil, err
	}
	return NewRouter(trigger.LanguageCEL, map[trigger.Language]Evaluator{
		trigger.LanguageCEL:       celEval,
		trigger.LanguageJSONLogic: NewJSONLogic(),
	}), nil
}

// Evaluate evaluates the predicate with the evaluator of its language.
func (r *Router) Evaluate(ctx context.Context, p trigger.Predicate, attrs trigger.Attributes) (bool, error) {
	ev, err := r.lookup(p.Language)
	if err != nil {
		return false, err
	}
	return ev.Evaluate(ctx, p.Expression, attrs)
}

// Validate checks that the predicate compiles in its language.
func (r *Router) Validate(p trigger.Predicate) error {
	ev, err := r.lookup(p.Language)
	if err != nil {
		return err
	}
	return ev.Validate(p.Expression)
}

func (r *Router) lookup(lang trigger.Language) (Evaluator, error) {
	if lang == "" {
		lang = r.fallback
	}
	ev, ok := r.evaluators[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	return ev, nil
}
