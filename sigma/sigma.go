// Package sigma flags process events that match Sigma detection rules.
package sigma

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jnesss/procmon/metrics"
	"github.com/jnesss/procmon/types"
)

// EnabledDir is the subdirectory of the rules directory that is loaded and
// watched. Rules elsewhere under the rules directory are ignored.
const EnabledDir = "enabled_rules"

// Detector manages Sigma rules and evaluates events against them
type Detector struct {
	RulesDir string

	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Match is one rule that matched an event
type Match struct {
	RuleID     string
	Title      string
	Level      string
	Conditions []string
}

func fieldConfig() sigma.Config {
	return sigma.Config{
		Title: "procmon",
		FieldMappings: map[string]sigma.FieldMapping{
			"Image":           {TargetNames: []string{"Image"}},
			"ProcessId":       {TargetNames: []string{"ProcessId"}},
			"ParentProcessId": {TargetNames: []string{"ParentProcessId"}},
			"Hashes":          {TargetNames: []string{"Hashes"}},
			"md5":             {TargetNames: []string{"MD5"}},
			"EventType":       {TargetNames: []string{"EventType"}},
		},
	}
}

func evaluatorOptions() []evaluator.Option {
	return []evaluator.Option{
		evaluator.WithConfig(fieldConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		// aggregations need event history the detector does not keep
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
	}
}

// NewDetector creates the rules directory layout if needed and loads the
// enabled rules
func NewDetector(rulesDir string, logger *zap.Logger, m *metrics.Metrics) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		RulesDir:   rulesDir,
		logger:     logger,
		metrics:    m,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
	}

	for _, dir := range []string{d.enabledDir(), filepath.Join(rulesDir, "disabled_rules")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if _, err := d.LoadRules(); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return d, nil
}

func (d *Detector) enabledDir() string {
	return filepath.Join(d.RulesDir, EnabledDir)
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

// LoadRules replaces the active rule set with the rules currently in the
// enabled directory. Unreadable or invalid files are skipped.
func (d *Detector) LoadRules() (int, error) {
	entries, err := os.ReadDir(d.enabledDir())
	if err != nil {
		return 0, err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		path := filepath.Join(d.enabledDir(), entry.Name())
		rule, err := loadRuleFile(path)
		if err != nil {
			d.logger.Warn("Failed to load rule file", zap.String("path", path), zap.Error(err))
			continue
		}
		evaluators[rule.ID] = evaluator.ForRule(rule, evaluatorOptions()...)
		d.logger.Debug("Loaded rule", zap.String("title", rule.Title), zap.String("id", rule.ID))
	}

	d.mu.Lock()
	d.evaluators = evaluators
	d.mu.Unlock()

	d.logger.Info("Loaded Sigma rules", zap.Int("count", len(evaluators)), zap.String("dir", d.enabledDir()))
	return len(evaluators), nil
}

func loadRuleFile(path string) (sigma.Rule, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, err
	}
	if sigma.InferFileType(content) != sigma.RuleFile {
		return sigma.Rule{}, fmt.Errorf("file is not a Sigma rule: %s", path)
	}
	rule, err := sigma.ParseRule(content)
	if err != nil {
		return sigma.Rule{}, err
	}
	if rule.ID == "" {
		rule.ID = filepath.Base(path)
	}
	return rule, nil
}

// RuleCount returns the number of active rules
func (d *Detector) RuleCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.evaluators)
}

// Watch reloads the rules whenever a rule file in the enabled directory
// changes, until ctx is cancelled or Close is called
func (d *Detector) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(d.enabledDir()); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", d.enabledDir(), err)
	}

	d.watcher = watcher
	d.done = make(chan struct{})
	go d.watchFileChanges(ctx, watcher, d.done)

	d.logger.Info("Watching rules directory", zap.String("dir", d.enabledDir()))
	return nil
}

func (d *Detector) watchFileChanges(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	// editors emit bursts of events for one save
	const settle = 200 * time.Millisecond
	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				d.logger.Debug("Detected rule change", zap.String("file", event.Name), zap.String("op", event.Op.String()))
				timer.Reset(settle)
			}
		case <-timer.C:
			if _, err := d.LoadRules(); err != nil {
				d.logger.Error("Error reloading rules", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

// Close stops watching for rule changes
func (d *Detector) Close() error {
	if d.watcher == nil {
		return nil
	}
	err := d.watcher.Close()
	<-d.done
	d.watcher = nil
	return err
}

// EventFields maps an event to the field names rules are written against
func EventFields(e types.Event) map[string]interface{} {
	fields := map[string]interface{}{
		"Image":           e.ImageName,
		"ProcessId":       e.ProcessID,
		"ParentProcessId": e.ParentProcessID,
		"EventType":       eventType(e.Kind),
	}
	if !e.Timestamp.IsZero() {
		fields["UtcTime"] = e.Timestamp.UTC().Format("2006-01-02 15:04:05.000")
	}
	if e.HashValid {
		sum := strings.ToUpper(hex.EncodeToString(e.Hash[:]))
		fields["MD5"] = sum
		fields["Hashes"] = "MD5=" + sum
	}
	return fields
}

func eventType(k types.EventKind) string {
	if k == types.EventCreate {
		return "ProcessCreate"
	}
	return "ProcessTerminate"
}

// Check evaluates e against every active rule
func (d *Detector) Check(ctx context.Context, e types.Event) []Match {
	fields := EventFields(e)

	d.mu.RLock()
	defer d.mu.RUnlock()

	var matches []Match
	for _, ruleEvaluator := range d.evaluators {
		result, err := ruleEvaluator.Matches(ctx, fields)
		if err != nil {
			d.logger.Debug("Error evaluating rule", zap.String("rule", ruleEvaluator.Rule.ID), zap.Error(err))
			continue
		}
		if !result.Match {
			continue
		}

		var conditions []string
		for name, hit := range result.SearchResults {
			if hit {
				conditions = append(conditions, name)
			}
		}
		sort.Strings(conditions)

		matches = append(matches, Match{
			RuleID:     ruleEvaluator.Rule.ID,
			Title:      ruleEvaluator.Rule.Title,
			Level:      ruleEvaluator.Rule.Level,
			Conditions: conditions,
		})
		d.metrics.ObserveRuleMatch(ruleEvaluator.Rule.Title)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].RuleID < matches[j].RuleID })
	return matches
}
