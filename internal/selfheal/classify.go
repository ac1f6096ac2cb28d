package selfheal

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type FailureClass string

const (
	// ClassDeterministicPolicy marks a disallowed action. Never retried.
	ClassDeterministicPolicy FailureClass = "deterministic_policy"
	// ClassDeterministicContract marks structurally invalid step output.
	// Never retried.
	ClassDeterministicContract FailureClass = "deterministic_contract"
	// ClassDeterministicRepo marks a reproducible failure tied to repository
	// state. Retried via hard reset only.
	ClassDeterministicRepo FailureClass = "deterministic_repo"
	// ClassStuckNoProgress marks a tripped watchdog or repeated identical
	// failures.
	ClassStuckNoProgress FailureClass = "stuck_no_progress"
	// ClassTransientRuntime is everything else.
	ClassTransientRuntime FailureClass = "transient_runtime"
)

func validClass(c FailureClass) bool {
	switch c {
	case ClassDeterministicPolicy, ClassDeterministicContract, ClassDeterministicRepo, ClassStuckNoProgress, ClassTransientRuntime:
		return true
	}
	return false
}

// IsRetryable reports whether a failure class may escalate to a queue-level
// retry once local budgets are exhausted. Deterministic classes never do.
func IsRetryable(c FailureClass) bool {
	return c == ClassTransientRuntime || c == ClassStuckNoProgress
}

// Outcome carries the observable facts of one finished attempt.
// ExitCode below zero means the runtime never reported one.
type Outcome struct {
	Succeeded    bool
	ExitCode     int
	Message      string
	Hint         string
	WallTimedOut bool
	IdleTimedOut bool
}

// RuleMatch matches on any non-empty field; hints and message fragments are
// substring matches against the lowercased outcome.
type RuleMatch struct {
	Hints            []string `yaml:"hints"`
	MessageContains  []string `yaml:"message_contains"`
	ExitCodes        []int    `yaml:"exit_codes"`
	RequireUnchanged bool     `yaml:"require_unchanged_diff"`
}

type Rule struct {
	Name  string       `yaml:"name"`
	Class FailureClass `yaml:"class"`
	Match RuleMatch    `yaml:"match"`
}

type RulesConfig struct {
	Rules []Rule `yaml:"rules"`
}

// defaultRules capture the hint conventions the step runtimes emit. File
// rules are evaluated first and may shadow these.
var defaultRules = []Rule{
	{Name: "policy_hint", Class: ClassDeterministicPolicy, Match: RuleMatch{Hints: []string{"policy", "unauthorized", "forbidden"}}},
	{Name: "policy_message", Class: ClassDeterministicPolicy, Match: RuleMatch{MessageContains: []string{"permission denied", "operation not permitted", "disallowed action"}}},
	{Name: "contract_hint", Class: ClassDeterministicContract, Match: RuleMatch{Hints: []string{"contract", "malformed", "schema"}}},
	{Name: "contract_message", Class: ClassDeterministicContract, Match: RuleMatch{MessageContains: []string{"malformed result", "invalid output", "schema violation"}}},
	{Name: "repo_hint", Class: ClassDeterministicRepo, Match: RuleMatch{Hints: []string{"repo", "test_failure"}, RequireUnchanged: true}},
}

// Classifier applies the failure taxonomy in its fixed evaluation order:
// deterministic policy, deterministic contract, deterministic repo, stuck,
// transient. Rules are hot-swappable; see Watcher.
type Classifier struct {
	mu    sync.RWMutex
	rules []Rule
}

func NewClassifier(cfg RulesConfig) (*Classifier, error) {
	rules := make([]Rule, 0, len(cfg.Rules)+len(defaultRules))
	for _, r := range cfg.Rules {
		if !validClass(r.Class) {
			return nil, fmt.Errorf("rule %q: unknown failure class %q", r.Name, r.Class)
		}
		rules = append(rules, r)
	}
	rules = append(rules, defaultRules...)
	return &Classifier{rules: rules}, nil
}

func NewDefaultClassifier() *Classifier {
	c, _ := NewClassifier(RulesConfig{})
	return c
}

// LoadClassifierFromEnv reads AGENTQ_SELFHEAL_RULES_FILE when set;
// otherwise the built-in rules apply alone.
func LoadClassifierFromEnv() (*Classifier, string, error) {
	path := strings.TrimSpace(os.Getenv("AGENTQ_SELFHEAL_RULES_FILE"))
	if path == "" {
		return NewDefaultClassifier(), "", nil
	}
	cfg, err := loadRulesFile(path)
	if err != nil {
		return nil, "", err
	}
	c, err := NewClassifier(cfg)
	if err != nil {
		return nil, "", err
	}
	return c, path, nil
}

func loadRulesFile(path string) (RulesConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RulesConfig{}, fmt.Errorf("read rules file: %w", err)
	}
	var cfg RulesConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return RulesConfig{}, fmt.Errorf("parse rules file: %w", err)
	}
	return cfg, nil
}

// Reload swaps in the rule set from the file, keeping the old set on error.
func (c *Classifier) Reload(path string) error {
	cfg, err := loadRulesFile(path)
	if err != nil {
		return err
	}
	fresh, err := NewClassifier(cfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rules = fresh.rules
	c.mu.Unlock()
	return nil
}

// Classify maps a failed attempt to its class. noProgress reports whether
// the failure repeated the previous one exactly (same signature, same
// diff); unchangedDiff reports whether the attempt's diff hash alone
// matched the previous failure's.
func (c *Classifier) Classify(o Outcome, noProgress, unchangedDiff bool) FailureClass {
	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()

	// Deterministic classes win over watchdog classes regardless of rule
	// file ordering.
	for _, target := range []FailureClass{ClassDeterministicPolicy, ClassDeterministicContract, ClassDeterministicRepo} {
		for _, r := range rules {
			if r.Class != target {
				continue
			}
			if ruleMatches(r.Match, o, unchangedDiff) {
				return r.Class
			}
		}
	}
	if o.WallTimedOut || o.IdleTimedOut || noProgress {
		return ClassStuckNoProgress
	}
	return ClassTransientRuntime
}

func ruleMatches(m RuleMatch, o Outcome, unchangedDiff bool) bool {
	if m.RequireUnchanged && !unchangedDiff {
		return false
	}
	matched := false
	if len(m.Hints) > 0 {
		hint := strings.ToLower(o.Hint)
		for _, h := range m.Hints {
			if hint != "" && strings.Contains(hint, strings.ToLower(h)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(m.MessageContains) > 0 {
		msg := strings.ToLower(o.Message)
		found := false
		for _, frag := range m.MessageContains {
			if strings.Contains(msg, strings.ToLower(frag)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
		matched = true
	}
	if len(m.ExitCodes) > 0 {
		found := false
		for _, code := range m.ExitCodes {
			if o.ExitCode == code {
				found = true
				break
			}
		}
		if !found {
			return false
		}
		matched = true
	}
	return matched
}
