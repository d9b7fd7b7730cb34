// Copyright (C) 2026 Taskweave Authors (oss@taskweave.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/taskweave-ai/taskweave/services/engine/graph"
	"github.com/taskweave-ai/taskweave/services/engine/result"
)

// TaskTemplate describes one task inside a rule expansion.
//
// DependsOn uses template-local names, rewritten to generated task ids at
// expansion time. Params string values support two substitutions:
//
//	$1..$9            - capture groups from the rule pattern
//	{{ref:NAME}}      - a reference to the template task NAME's output
//	{{ref:NAME:PATH}} - same, extracting PATH from the output
type TaskTemplate struct {
	Name      string         `yaml:"name" json:"name"`
	Action    string         `yaml:"action" json:"action"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Priority  string         `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// Rule maps a request pattern to a fixed task expansion.
type Rule struct {
	Name       string         `yaml:"name"`
	Pattern    string         `yaml:"pattern"`
	Confidence float64        `yaml:"confidence,omitempty"`
	Tasks      []TaskTemplate `yaml:"tasks"`

	re *regexp.Regexp
}

// compile prepares the rule's pattern (case-insensitive).
func (r *Rule) compile() error {
	re, err := regexp.Compile("(?i)" + r.Pattern)
	if err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	r.re = re
	if r.Confidence == 0 {
		r.Confidence = 1.0
	}
	return nil
}

// RuleSet is an ordered list of rules; the first match wins.
//
// Thread Safety: safe for concurrent use; Reload swaps the list atomically
// under a lock, so hot reload never exposes a half-built set.
type RuleSet struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRuleSet compiles the given rules in order.
func NewRuleSet(rules ...Rule) (*RuleSet, error) {
	rs := &RuleSet{}
	if err := rs.replace(rules); err != nil {
		return nil, err
	}
	return rs, nil
}

func (rs *RuleSet) replace(rules []Rule) error {
	compiled := make([]Rule, len(rules))
	copy(compiled, rules)
	for i := range compiled {
		if err := compiled[i].compile(); err != nil {
			return err
		}
	}
	rs.mu.Lock()
	rs.rules = compiled
	rs.mu.Unlock()
	return nil
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

// Match returns the first rule whose pattern matches the request, along
// with the capture groups (index 0 is the whole match).
func (rs *RuleSet) Match(request string) (*Rule, []string, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for i := range rs.rules {
		if m := rs.rules[i].re.FindStringSubmatch(request); m != nil {
			rule := rs.rules[i]
			return &rule, m, true
		}
	}
	return nil, nil, false
}

// ruleFile is the YAML document shape.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads an ordered rule list from a YAML file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}
	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	return NewRuleSet(doc.Rules...)
}

// Watch reloads the rule file whenever it changes on disk. It blocks until
// ctx is done; run it in its own goroutine. A file that fails to parse
// leaves the previous rule set in place.
func (rs *RuleSet) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting rule watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files rather than write in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %q: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			reloaded, err := LoadRules(path)
			if err != nil {
				logger.Warn("rule reload failed, keeping previous rules",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				continue
			}
			reloaded.mu.RLock()
			rules := reloaded.rules
			reloaded.mu.RUnlock()
			rs.mu.Lock()
			rs.rules = rules
			rs.mu.Unlock()
			logger.Info("rules reloaded",
				slog.String("path", path),
				slog.Int("count", len(rules)),
			)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("rule watcher error", slog.String("error", err.Error()))
		}
	}
}

// DefaultRules returns the built-in rule set: common read/compute and
// fetch/summarize request shapes.
func DefaultRules() *RuleSet {
	rs, err := NewRuleSet(
		Rule{
			Name:    "read-then-compute",
			Pattern: `read\s+(\S+?),?\s*(?:and\s+)?then\s+(?:compute|calculate)\s+(?:its\s+|the\s+)?(\w+)`,
			Tasks: []TaskTemplate{
				{
					Name:   "read input",
					Action: "read_file",
					Params: map[string]any{"path": "$1"},
				},
				{
					Name:      "compute statistic",
					Action:    "calculate",
					Params:    map[string]any{"op": "$2", "data": "{{ref:read input}}"},
					DependsOn: []string{"read input"},
				},
			},
		},
		Rule{
			Name:    "fetch-then-summarize",
			Pattern: `(?:fetch|download|get)\s+(https?://\S+),?\s*(?:and\s+)?then\s+summari[sz]e`,
			Tasks: []TaskTemplate{
				{
					Name:   "fetch url",
					Action: "http_get",
					Params: map[string]any{"url": "$1"},
				},
				{
					Name:      "summarize body",
					Action:    "summarize",
					Params:    map[string]any{"text": "{{ref:fetch url}}"},
					DependsOn: []string{"fetch url"},
				},
			},
		},
		Rule{
			Name:    "read-single-file",
			Pattern: `^\s*read\s+(\S+)\s*$`,
			Tasks: []TaskTemplate{
				{
					Name:   "read input",
					Action: "read_file",
					Params: map[string]any{"path": "$1"},
				},
			},
		},
	)
	if err != nil {
		// Built-in patterns are tested; a compile failure is a programmer error.
		panic(err)
	}
	return rs
}

// templateRef matches the {{ref:NAME}} / {{ref:NAME:PATH}} parameter syntax.
var templateRef = regexp.MustCompile(`^\{\{ref:([^:}]+)(?::([^}]+))?\}\}$`)

// expandTemplates builds tasks from templates, substituting captures and
// rewriting template-local names into generated task ids.
func expandTemplates(templates []TaskTemplate, captures []string) ([]*graph.Task, error) {
	idByName := make(map[string]string, len(templates))
	tasks := make([]*graph.Task, 0, len(templates))

	// First pass: create tasks so every template name has an id.
	for _, tpl := range templates {
		opts := []graph.TaskOption{}
		if p, err := parsePriority(tpl.Priority); err == nil && tpl.Priority != "" {
			opts = append(opts, graph.WithPriority(p))
		}
		t := graph.NewTask(tpl.Name, tpl.Action, opts...)
		if _, dup := idByName[tpl.Name]; dup {
			return nil, fmt.Errorf("duplicate template task name %q", tpl.Name)
		}
		idByName[tpl.Name] = t.ID
		tasks = append(tasks, t)
	}

	// Second pass: params and dependencies, now that ids exist.
	for i, tpl := range templates {
		params := make(map[string]any, len(tpl.Params))
		for k, v := range tpl.Params {
			expanded, err := expandValue(v, captures, idByName)
			if err != nil {
				return nil, fmt.Errorf("task %q param %q: %w", tpl.Name, k, err)
			}
			params[k] = expanded
		}
		if len(params) > 0 {
			tasks[i].Params = params
		}
		for _, dep := range tpl.DependsOn {
			id, ok := idByName[dep]
			if !ok {
				return nil, fmt.Errorf("task %q depends on unknown template task %q", tpl.Name, dep)
			}
			tasks[i].DependsOn = append(tasks[i].DependsOn, id)
		}
	}
	return tasks, nil
}

// expandValue substitutes captures and reference templates in one value.
func expandValue(v any, captures []string, idByName map[string]string) (any, error) {
	s, isString := v.(string)
	if !isString {
		return v, nil
	}

	if m := templateRef.FindStringSubmatch(s); m != nil {
		id, ok := idByName[m[1]]
		if !ok {
			return nil, fmt.Errorf("reference to unknown template task %q", m[1])
		}
		ref := result.Ref(id)
		if m[2] != "" {
			ref = ref.At(m[2])
		}
		return ref, nil
	}

	for i := len(captures) - 1; i >= 1; i-- {
		s = strings.ReplaceAll(s, fmt.Sprintf("$%d", i), captures[i])
	}
	return s, nil
}

// parsePriority maps a template priority name to graph.Priority.
func parsePriority(s string) (graph.Priority, error) {
	switch strings.ToLower(s) {
	case "critical":
		return graph.PriorityCritical, nil
	case "high":
		return graph.PriorityHigh, nil
	case "", "normal":
		return graph.PriorityNormal, nil
	case "low":
		return graph.PriorityLow, nil
	case "optional":
		return graph.PriorityOptional, nil
	default:
		return graph.PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}
