package expression

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/diegoholiveira/jsonlogic/v3"

	"github.com/rafaeljc/paygate/internal/trigger"
)

// JSONLogic evaluates JSON Logic (jsonlogic.com) predicates.
// Variables resolve against the attribute sections, e.g. {"var": "params.plan"}.
type JSONLogic struct{}

// NewJSONLogic returns a JSON Logic evaluator.
func NewJSONLogic() *JSONLogic {
	return &JSONLogic{}
}

// Evaluate applies the rule to attrs using JavaScript-like truthiness.
func (j *JSONLogic) Evaluate(ctx context.Context, expression string, attrs trigger.Attributes) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return false, ErrEmptyExpression
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	data, err := json.Marshal(attrs)
	if err != nil {
		return false, fmt.Errorf("failed to encode attributes: %w", err)
	}

	var out bytes.Buffer
	if err := jsonlogic.Apply(strings.NewReader(expression), bytes.NewReader(data), &out); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	var result any
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		return false, fmt.Errorf("failed to decode jsonlogic result: %w", err)
	}
	return isTruthy(result), nil
}

// Validate checks that the rule is JSON and applies cleanly to empty data.
func (j *JSONLogic) Validate(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return ErrEmptyExpression
	}

	var rule any
	if err := json.Unmarshal([]byte(expression), &rule); err != nil {
		return fmt.Errorf("%w: not valid JSON", ErrInvalidExpression)
	}

	var out bytes.Buffer
	if err := jsonlogic.Apply(strings.NewReader(expression), strings.NewReader("{}"), &out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	return nil
}

// isTruthy follows JavaScript-like truthiness rules.
func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
