// Package trigger holds the data model shared by the paywall decision core:
// triggers and their audience rules as delivered by remote config, experiment
// variants, occurrence limits and the evaluation results the pipeline branches on.
//
// Values in this package are plain data. Trigger and Rule values belong to a
// config snapshot and must be treated as read-only once the snapshot is published.
package trigger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Trigger binds an application event name to an ordered list of audience rules.
type Trigger struct {
	EventName string `json:"event_name"`

	// Rules are evaluated strictly in list order; the first firing rule wins.
	Rules []Rule `json:"rules"`
}

// Rule is a single audience rule. A rule without a Predicate always matches.
type Rule struct {
	ExperimentID      string          `json:"experiment_id"`
	ExperimentGroupID string          `json:"experiment_group_id"`
	VariantOptions    []VariantOption `json:"variants"`
	Predicate         *Predicate      `json:"predicate,omitempty"`
	Occurrence        *Occurrence     `json:"occurrence,omitempty"`
}

// MatchesAll reports whether the rule has no predicate.
func (r Rule) MatchesAll() bool {
	return r.Predicate == nil || strings.TrimSpace(r.Predicate.Expression) == ""
}

// Language identifies the dialect a predicate expression is written in.
type Language string

const (
	LanguageCEL       Language = "cel"
	LanguageJSONLogic Language = "jsonlogic"
)

// Predicate is an audience expression evaluated against event attributes.
type Predicate struct {
	Expression string   `json:"expression"`
	Language   Language `json:"language"`
}

// VariantType distinguishes the treatment arm from the holdout arm of an experiment.
type VariantType string

const (
	VariantTreatment VariantType = "TREATMENT"
	VariantHoldout   VariantType = "HOLDOUT"
)

// ParseVariantType normalizes a variant type read from config.
func ParseVariantType(s string) (VariantType, error) {
	switch VariantType(strings.ToUpper(strings.TrimSpace(s))) {
	case VariantTreatment:
		return VariantTreatment, nil
	case VariantHoldout:
		return VariantHoldout, nil
	default:
		return "", fmt.Errorf("unknown variant type %q", s)
	}
}

// VariantOption is one arm of an experiment together with its assignment weight.
type VariantOption struct {
	ID         string      `json:"id"`
	Type       VariantType `json:"type"`
	Percentage int         `json:"percentage"`
	PaywallID  string      `json:"paywall_id,omitempty"`
}

// Variant converts the option into the variant stored in assignments.
func (o VariantOption) Variant() Variant {
	return Variant{ID: o.ID, Type: o.Type, PaywallID: o.PaywallID}
}

// Variant is the arm a user has been assigned to for an experiment.
type Variant struct {
	ID        string      `json:"id"`
	Type      VariantType `json:"type"`
	PaywallID string      `json:"paywall_id,omitempty"`
}

// Experiment describes the experiment governing a decision and the chosen variant.
type Experiment struct {
	ID      string  `json:"id"`
	GroupID string  `json:"group_id"`
	Variant Variant `json:"variant"`
}

// Interval is the counting window of an occurrence limit: either unbounded
// or a whole number of minutes.
type Interval struct {
	minutes int
}

// Infinity returns an interval that counts every recorded occurrence.
func Infinity() Interval { return Interval{} }

// Minutes returns an interval covering the last n minutes. Non-positive
// values are treated as Infinity.
func Minutes(n int) Interval {
	if n <= 0 {
		return Interval{}
	}
	return Interval{minutes: n}
}

// IsInfinite reports whether the interval is unbounded.
func (i Interval) IsInfinite() bool { return i.minutes <= 0 }

// Duration returns the window length, zero when infinite.
func (i Interval) Duration() time.Duration {
	return time.Duration(i.minutes) * time.Minute
}

// Since returns the window start for the given instant. The zero time is
// returned for an infinite interval.
func (i Interval) Since(now time.Time) time.Time {
	if i.IsInfinite() {
		return time.Time{}
	}
	return now.Add(-i.Duration())
}

func (i Interval) String() string {
	if i.IsInfinite() {
		return "infinity"
	}
	return fmt.Sprintf("%dm", i.minutes)
}

// ParseInterval reads an interval from config: "infinity" (or empty) or a
// number of minutes, either as a number or a numeric string.
func ParseInterval(v any) (Interval, error) {
	switch x := v.(type) {
	case nil:
		return Infinity(), nil
	case int:
		return Minutes(x), nil
	case int64:
		return Minutes(int(x)), nil
	case float64:
		if x != float64(int(x)) {
			return Interval{}, fmt.Errorf("interval must be a whole number of minutes, got %v", x)
		}
		return Minutes(int(x)), nil
	case string:
		s := strings.TrimSpace(strings.ToLower(x))
		if s == "" || s == "infinity" {
			return Infinity(), nil
		}
		n, err := strconv.Atoi(strings.TrimSuffix(s, "m"))
		if err != nil {
			return Interval{}, fmt.Errorf("invalid interval %q", x)
		}
		return Minutes(n), nil
	default:
		return Interval{}, fmt.Errorf("invalid interval type %T", v)
	}
}

// MarshalJSON encodes the interval as "infinity" or a number of minutes.
func (i Interval) MarshalJSON() ([]byte, error) {
	if i.IsInfinite() {
		return []byte(`"infinity"`), nil
	}
	return []byte(strconv.Itoa(i.minutes)), nil
}

// UnmarshalJSON accepts the forms understood by ParseInterval.
func (i *Interval) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseInterval(raw)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Occurrence is a rate-limit descriptor attached to a rule.
type Occurrence struct {
	Key      string   `json:"key"`
	MaxCount int      `json:"max_count"`
	Interval Interval `json:"interval"`
}

// Event is an application event reported by the host app.
type Event struct {
	Name      string         `json:"name"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Attributes is the flattened data a predicate is evaluated against.
// Top-level keys are "params", "user" and "device".
type Attributes map[string]any

// NewAttributes assembles predicate input from an event and the host-supplied
// user and device attributes. Missing sections are replaced by empty maps so
// expressions can safely index them.
func NewAttributes(event Event, user, device map[string]any) Attributes {
	return Attributes{
		"params": orEmpty(event.Params),
		"user":   orEmpty(user),
		"device": orEmpty(device),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
