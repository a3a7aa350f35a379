package speedlayer

import (
	"context"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/lighthouse/bridge/internal/core"
)

// ============================================================================
// TIER 2 — POLICY RULES
// ============================================================================

// Rule is one declarative policy entry. Rules are ordered; the first match
// wins. Matching is pure computation, no I/O.
type Rule struct {
	Name string `yaml:"name"`
	// Kind restricts the rule to one command kind; empty matches all.
	Kind string `yaml:"kind,omitempty"`
	// Pattern is a regular expression applied to the command text.
	Pattern string `yaml:"pattern,omitempty"`
	// PathPrefix matches when the command's working directory (or the
	// text, for path-shaped commands) falls under the prefix.
	PathPrefix string `yaml:"path_prefix,omitempty"`
	Verdict    string `yaml:"verdict"`
	Reason     string `yaml:"reason"`

	re *regexp.Regexp
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// PolicyEngine evaluates the ordered rule set. Rules are compiled once at
// load; evaluation allocates nothing and performs no I/O.
type PolicyEngine struct {
	rules []Rule
}

// NewPolicyEngine compiles an in-memory rule set.
func NewPolicyEngine(rules []Rule) (*PolicyEngine, error) {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return nil, core.Validationf("policy rule %d has no name", i)
		}
		v := Verdict(r.Verdict)
		if v != VerdictAllow && v != VerdictDeny {
			return nil, core.Validationf("policy rule %q: verdict must be allow or deny", r.Name)
		}
		if r.Reason == "" {
			return nil, core.Validationf("policy rule %q has no reason code", r.Name)
		}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, core.Validationf("policy rule %q: bad pattern: %v", r.Name, err)
			}
			r.re = re
		}
		compiled[i] = r
	}
	return &PolicyEngine{rules: compiled}, nil
}

// LoadPolicyFile reads an ordered rule set from YAML.
func LoadPolicyFile(path string) (*PolicyEngine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.Validationf("policy file %s: %v", path, err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, core.Validationf("policy file %s: %v", path, err)
	}
	return NewPolicyEngine(f.Rules)
}

func (p *PolicyEngine) Name() string { return TierPolicy }

// Evaluate applies rules in order and returns the first match, abstaining
// when nothing matches.
func (p *PolicyEngine) Evaluate(_ context.Context, req *Request) (*Decision, error) {
	for i := range p.rules {
		r := &p.rules[i]
		if !r.matches(req.Command) {
			continue
		}
		return &Decision{
			Verdict:    Verdict(r.Verdict),
			Reason:     r.Reason,
			SourceTier: TierPolicy,
			Confidence: 1.0,
		}, nil
	}
	return nil, nil
}

func (r *Rule) matches(cmd Command) bool {
	if r.Kind != "" && r.Kind != cmd.Kind {
		return false
	}
	if r.re != nil && !r.re.MatchString(cmd.Text) {
		return false
	}
	if r.PathPrefix != "" {
		under := func(p string) bool {
			return p == r.PathPrefix || strings.HasPrefix(p, r.PathPrefix+"/")
		}
		if !under(cmd.Cwd) && !under(cmd.Text) {
			return false
		}
	}
	return true
}

// RuleCount reports the loaded rule count for the status endpoint.
func (p *PolicyEngine) RuleCount() int { return len(p.rules) }
