package processors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/yairfalse/vigil/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Rule is a named filter expression
type Rule struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Expression  string   `yaml:"expression" json:"expression"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Disabled    bool     `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// RuleSet is the on-disk rules file
type RuleSet struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// LoadRules reads a YAML rules file, or every .yaml/.yml file of a
// directory in name order
func LoadRules(path string) (*RuleSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	if !info.IsDir() {
		return loadRulesFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)

	merged := &RuleSet{}
	for _, f := range files {
		rs, err := loadRulesFile(f)
		if err != nil {
			return nil, err
		}
		merged.Rules = append(merged.Rules, rs.Rules...)
	}
	return merged, nil
}

func loadRulesFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rs, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// ParseRules decodes a YAML rules document
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	return &rs, nil
}

// Validate checks every rule and compiles its expression. All problems are
// reported together.
func (rs *RuleSet) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(rs.Rules))

	for i, r := range rs.Rules {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("rule %d: name is required", i))
		} else if _, dup := seen[r.Name]; dup {
			errs = append(errs, fmt.Errorf("rule %s: duplicate name", r.Name))
		}
		seen[r.Name] = struct{}{}

		if r.Expression == "" {
			errs = append(errs, fmt.Errorf("rule %s: expression is required", r.Name))
			continue
		}
		if _, err := CompileExpression(r.Expression); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Expressions returns the expressions of all enabled rules
func (rs *RuleSet) Expressions() []string {
	var out []string
	for _, r := range rs.Rules {
		if !r.Disabled {
			out = append(out, r.Expression)
		}
	}
	return out
}

// Match evaluates a compiled filter expression against an event
func Match(program *vm.Program, event domain.Event) (bool, error) {
	out, err := expr.Run(program, eventEnv(event))
	if err != nil {
		return false, err
	}
	match, _ := out.(bool)
	return match, nil
}

// Enabled returns the number of enabled rules
func (rs *RuleSet) Enabled() int {
	return len(rs.Expressions())
}

type compiledRules struct {
	rules  []Rule
	filter *ExpressionFilter
}

// RuleFilter drops events matching any enabled rule. The rule set can be
// replaced while the pipeline runs; an event sees either the old or the new
// set, never a mix.
type RuleFilter struct {
	current atomic.Pointer[compiledRules]
}

// NewRuleFilter creates a filter for rs. A nil rs starts with no rules.
func NewRuleFilter(rs *RuleSet) (*RuleFilter, error) {
	f := &RuleFilter{}
	if rs == nil {
		rs = &RuleSet{}
	}
	if err := f.Replace(rs); err != nil {
		return nil, err
	}
	return f, nil
}

// Replace validates and compiles rs, then swaps it in. On error the
// previous rules stay active.
func (f *RuleFilter) Replace(rs *RuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	filter, err := NewExpressionFilter(rs.Expressions())
	if err != nil {
		return err
	}
	f.current.Store(&compiledRules{
		rules:  append([]Rule(nil), rs.Rules...),
		filter: filter,
	})
	return nil
}

// Rules returns the active rules, disabled ones included
func (f *RuleFilter) Rules() []Rule {
	return append([]Rule(nil), f.current.Load().rules...)
}

// Name implements domain.Processor
func (f *RuleFilter) Name() string { return "rule-filter" }

// Process implements domain.Processor
func (f *RuleFilter) Process(ctx context.Context, event domain.Event) (*domain.Event, error) {
	return f.current.Load().filter.Process(ctx, event)
}
