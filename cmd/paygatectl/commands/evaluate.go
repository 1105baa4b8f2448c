package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rafaeljc/paygate/internal/decisionapi"
	"github.com/rafaeljc/paygate/internal/trigger"
)

var (
	eventName string
	params    []string
	dryRun    bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <file>",
	Short: "Run an event through the trigger rules",
	Long: `Evaluate an event against a trigger config file and print the outcome.

Param values are read as JSON when they parse, and as strings otherwise.
With --dry-run the presentation result is printed instead, without
recording occurrences.

Examples:
  paygatectl evaluate paywalls.yaml --event campaign_trigger --param source=push
  paygatectl evaluate paywalls.yaml --event checkout --param cart_total=42 --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		event, err := buildEvent(eventName, params)
		if err != nil {
			return err
		}

		c, _, err := loadCore(cmd.Context(), cmd, args[0])
		if err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		defer c.Close()

		if dryRun {
			return printJSON(cmd.OutOrStdout(), decisionapi.NewResultResponse(
				c.Orchestrator.GetPresentationResult(cmd.Context(), event)))
		}
		return printJSON(cmd.OutOrStdout(), decisionapi.NewOutcomeResponse(
			c.Orchestrator.EvaluateRules(cmd.Context(), event)))
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&eventName, "event", "", "Event name (required)")
	evaluateCmd.Flags().StringArrayVar(&params, "param", nil, "Event param as key=value (repeatable)")
	evaluateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the presentation result without recording occurrences")
	_ = evaluateCmd.MarkFlagRequired("event")
	rootCmd.AddCommand(evaluateCmd)
}

// buildEvent parses key=value params into an event.
func buildEvent(name string, kvs []string) (trigger.Event, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return trigger.Event{}, fmt.Errorf("event name is required")
	}

	p := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		key, raw, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return trigger.Event{}, fmt.Errorf("invalid param %q: expected key=value", kv)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		p[key] = v
	}
	return trigger.Event{Name: name, Params: p, Timestamp: time.Now().UTC()}, nil
}
