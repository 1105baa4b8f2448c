package snapshot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/rafaeljc/paygate/internal/surface"
	"github.com/rafaeljc/paygate/internal/trigger"
)

// Source fetches config snapshots.
type Source interface {
	Fetch(ctx context.Context) (*Snapshot, error)
}

// document is the on-disk layout. Triggers and paywalls are lists because
// viper lower-cases map keys and event names are case sensitive.
type document struct {
	Triggers []triggerDoc         `mapstructure:"triggers"`
	Paywalls []surface.Descriptor `mapstructure:"paywalls"`
}

type triggerDoc struct {
	EventName string    `mapstructure:"event_name"`
	Rules     []ruleDoc `mapstructure:"rules"`
}

type ruleDoc struct {
	ExperimentID      string         `mapstructure:"experiment_id"`
	ExperimentGroupID string         `mapstructure:"experiment_group_id"`
	Variants          []variantDoc   `mapstructure:"variants"`
	Expression        string         `mapstructure:"expression"`
	Language          string         `mapstructure:"language"`
	Occurrence        *occurrenceDoc `mapstructure:"occurrence"`
}

type variantDoc struct {
	ID         string `mapstructure:"id"`
	Type       string `mapstructure:"type"`
	Percentage int    `mapstructure:"percentage"`
	PaywallID  string `mapstructure:"paywall_id"`
}

type occurrenceDoc struct {
	Key      string `mapstructure:"key"`
	MaxCount int    `mapstructure:"max_count"`
	Interval any    `mapstructure:"interval"`
}

// Parse reads a snapshot document. format is a viper config type such as
// "yaml" or "json".
func Parse(r io.Reader, format string) (*Snapshot, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("failed to read config document: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Snapshot, error) {
	var doc document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode config document: %w", err)
	}

	triggers := make(map[string]trigger.Trigger, len(doc.Triggers))
	for _, td := range doc.Triggers {
		if _, dup := triggers[td.EventName]; dup {
			return nil, fmt.Errorf("duplicate trigger %q", td.EventName)
		}
		t, err := td.toTrigger()
		if err != nil {
			return nil, fmt.Errorf("trigger %q: %w", td.EventName, err)
		}
		triggers[td.EventName] = t
	}

	paywalls := make(map[string]surface.Descriptor, len(doc.Paywalls))
	for _, p := range doc.Paywalls {
		if _, dup := paywalls[p.ID]; dup {
			return nil, fmt.Errorf("duplicate paywall %q", p.ID)
		}
		paywalls[p.ID] = p
	}

	return New(triggers, paywalls)
}

func (td triggerDoc) toTrigger() (trigger.Trigger, error) {
	rules := make([]trigger.Rule, 0, len(td.Rules))
	for i, rd := range td.Rules {
		rule := trigger.Rule{
			ExperimentID:      rd.ExperimentID,
			ExperimentGroupID: rd.ExperimentGroupID,
		}

		for _, vd := range rd.Variants {
			vt, err := trigger.ParseVariantType(vd.Type)
			if err != nil {
				return trigger.Trigger{}, fmt.Errorf("rule %d: %w", i, err)
			}
			rule.VariantOptions = append(rule.VariantOptions, trigger.VariantOption{
				ID:         vd.ID,
				Type:       vt,
				Percentage: vd.Percentage,
				PaywallID:  vd.PaywallID,
			})
		}

		if strings.TrimSpace(rd.Expression) != "" {
			lang := trigger.Language(strings.ToLower(rd.Language))
			if lang == "" {
				lang = trigger.LanguageCEL
			}
			rule.Predicate = &trigger.Predicate{Expression: rd.Expression, Language: lang}
		}

		if od := rd.Occurrence; od != nil {
			interval, err := trigger.ParseInterval(od.Interval)
			if err != nil {
				return trigger.Trigger{}, fmt.Errorf("rule %d: %w", i, err)
			}
			rule.Occurrence = &trigger.Occurrence{Key: od.Key, MaxCount: od.MaxCount, Interval: interval}
		}

		rules = append(rules, rule)
	}
	return trigger.Trigger{EventName: td.EventName, Rules: rules}, nil
}

// FileSource reads snapshots from a YAML or JSON file.
type FileSource struct {
	path   string
	logger *slog.Logger
}

// NewFileSource creates a source for path. The format is taken from the extension.
// If logger is nil, it defaults to slog.Default().
func NewFileSource(logger *slog.Logger, path string) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{path: path, logger: logger}
}

// Fetch reads and decodes the file.
func (s *FileSource) Fetch(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(s.path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	return decode(v)
}

// Watch calls onChange whenever the file is written, created or renamed
// into place, until ctx is done. The parent directory is watched so that
// editors replacing the file atomically are seen.
func (s *FileSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", target, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				s.logger.Debug("config file changed", slog.String("path", target), slog.String("op", ev.Op.String()))
				onChange()
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config file watcher error", slog.String("error", werr.Error()))
		}
	}
}
