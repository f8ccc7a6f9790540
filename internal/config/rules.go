package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Rule is one threshold variant. Rules are evaluated in ascending Priority
// order; the first rule whose tag matcher accepts the event wins. A rule
// with no TagKey matches everything and normally sits last as the default.
type Rule struct {
	Name      string  `json:"name"`
	Priority  int     `json:"priority"`
	TagKey    string  `json:"tag_key,omitempty"`
	TagValue  string  `json:"tag_value,omitempty"`
	Threshold float64 `json:"threshold"`
}

// Matches reports whether the rule applies to the given event tags.
func (r Rule) Matches(tags map[string]string) bool {
	if r.TagKey == "" {
		return true
	}
	v, ok := tags[r.TagKey]
	if !ok {
		return false
	}
	return r.TagValue == "" || r.TagValue == v
}

// RuleSet holds the active rules behind an atomic pointer so the hot path
// reads without locking while reloads swap the whole slice.
type RuleSet struct {
	rules atomic.Pointer[[]Rule]
}

// NewRuleSet builds a rule set containing only the default rule derived
// from the global threshold.
func NewRuleSet(defaultThreshold float64) *RuleSet {
	rs := &RuleSet{}
	rs.install([]Rule{{Name: "default", Priority: 1 << 30, Threshold: defaultThreshold}})
	return rs
}

// Match returns the first rule accepting the tags. The default rule
// guarantees a match.
func (rs *RuleSet) Match(tags map[string]string) Rule {
	rules := *rs.rules.Load()
	for _, r := range rules {
		if r.Matches(tags) {
			return r
		}
	}
	return rules[len(rules)-1]
}

// Rules returns the active rules, for the status API.
func (rs *RuleSet) Rules() []Rule {
	return *rs.rules.Load()
}

func (rs *RuleSet) install(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	rs.rules.Store(&rules)
}

// LoadFile replaces the active rules with the file contents plus the
// trailing default rule. Invalid files leave the active set untouched.
func (rs *RuleSet) LoadFile(path string, defaultThreshold float64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules: %w", err)
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parse rules: %w", err)
	}
	for _, r := range rules {
		if r.Threshold <= 0 {
			return fmt.Errorf("rule %q: threshold must be positive", r.Name)
		}
	}
	rules = append(rules, Rule{Name: "default", Priority: 1 << 30, Threshold: defaultThreshold})
	rs.install(rules)
	slog.Info("rules loaded", "path", path, "count", len(rules))
	return nil
}

// Watch reloads the rule file whenever it changes. Blocks until done is
// closed; run in its own goroutine.
func (rs *RuleSet) Watch(done <-chan struct{}, path string, defaultThreshold float64) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	for {
		select {
		case <-done:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := rs.LoadFile(path, defaultThreshold); err != nil {
				slog.Warn("rules reload failed, keeping previous set", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("rules watcher error", "error", err)
		}
	}
}
