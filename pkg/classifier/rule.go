// Package classifier compiles a declarative, ordered rule list into a
// matcher and evaluates (tool, params) pairs against it, producing a
// tier, an optional context key, the name of the matching rule, and an
// optional duplicate-detection window override.
package classifier

import (
	"fmt"
	"regexp"

	"github.com/gocallosum/callosum/pkg/model"
)

// ToolPattern selects which tools a rule applies to: a literal name, a
// finite set of names, or the wildcard "any" (spelled "*" in the JSON
// rule file and matched here as MatchAny).
type ToolPattern struct {
	MatchAny bool
	Names    map[string]struct{}
}

// Matches reports whether tool satisfies the pattern.
func (p ToolPattern) Matches(tool string) bool {
	if p.MatchAny {
		return true
	}
	_, ok := p.Names[tool]
	return ok
}

// ParamConstraint restricts a single parameter to a literal value or a
// finite set of allowed values (string-coerced). All constraints in a
// rule must hold (logical AND).
type ParamConstraint struct {
	Param   string
	Allowed map[string]struct{}
}

func (c ParamConstraint) matches(params model.Params) bool {
	v, ok := params.String(c.Param)
	if !ok {
		return false
	}
	_, allowed := c.Allowed[v]
	return allowed
}

// Rule is a single compiled classifier entry. See RuleSpec for the
// uncompiled, JSON-decodable form.
type Rule struct {
	Name               string
	Tier               model.Tier
	ToolPattern        ToolPattern
	ParamConstraints   []ParamConstraint
	CommandPattern     *regexp.Regexp
	ContextKeyTemplate string
	RecentWindow       int64 // milliseconds; 0 means "use default"
}

// matches reports whether the rule applies to (tool, params). Missing
// params is treated as an empty map by the caller before this is invoked.
func (r Rule) matches(tool string, params model.Params) bool {
	if !r.ToolPattern.Matches(tool) {
		return false
	}
	for _, c := range r.ParamConstraints {
		if !c.matches(params) {
			return false
		}
	}
	if r.CommandPattern != nil {
		cmd, _ := params.String("command")
		if !r.CommandPattern.MatchString(cmd) {
			return false
		}
	}
	return true
}

// RuleSpec is the JSON-decodable form of a rule, as loaded from
// tiers.json. ToolPattern is either a string, an array of strings, or
// the literal "*". ParamConstraints maps a parameter name to either a
// single allowed value or an array of allowed values.
type RuleSpec struct {
	Name               string          `json:"name"`
	Tier               int             `json:"tier"`
	ToolPattern        interface{}     `json:"toolPattern"`
	ParamConstraints   map[string]any  `json:"paramConstraints,omitempty"`
	CommandPattern     string          `json:"commandPattern,omitempty"`
	ContextKeyTemplate string          `json:"contextKeyTemplate,omitempty"`
	RecentWindowMs     int64           `json:"recentWindow,omitempty"`
}

// RuleFile is the top-level tiers.json document.
type RuleFile struct {
	Description string     `json:"description,omitempty"`
	Rules       []RuleSpec `json:"rules"`
}

// Compile turns a RuleSpec into a Rule, validating tier range and
// regular expression syntax. A ConfigError-flavored error is returned
// for anything structurally wrong — the caller (classifier
// construction) refuses to start rather than silently degrading, per
// spec.md §7 ConfigError.
func (s RuleSpec) Compile() (Rule, error) {
	tier := model.Tier(s.Tier)
	if !tier.Valid() {
		return Rule{}, fmt.Errorf("rule %q: tier %d out of range 0-4", s.Name, s.Tier)
	}

	pattern, err := compileToolPattern(s.ToolPattern)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", s.Name, err)
	}

	constraints, err := compileParamConstraints(s.ParamConstraints)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", s.Name, err)
	}

	var cmdRe *regexp.Regexp
	if s.CommandPattern != "" {
		cmdRe, err = regexp.Compile(s.CommandPattern)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %q: commandPattern: %w", s.Name, err)
		}
	}

	return Rule{
		Name:               s.Name,
		Tier:               tier,
		ToolPattern:        pattern,
		ParamConstraints:   constraints,
		CommandPattern:     cmdRe,
		ContextKeyTemplate: s.ContextKeyTemplate,
		RecentWindow:       s.RecentWindowMs,
	}, nil
}

func compileToolPattern(raw interface{}) (ToolPattern, error) {
	switch v := raw.(type) {
	case nil:
		return ToolPattern{MatchAny: true}, nil
	case string:
		if v == "*" || v == "any" {
			return ToolPattern{MatchAny: true}, nil
		}
		return ToolPattern{Names: map[string]struct{}{v: {}}}, nil
	case []interface{}:
		names := make(map[string]struct{}, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return ToolPattern{}, fmt.Errorf("toolPattern: array elements must be strings")
			}
			names[s] = struct{}{}
		}
		return ToolPattern{Names: names}, nil
	default:
		return ToolPattern{}, fmt.Errorf("toolPattern: unsupported type %T", raw)
	}
}

func compileParamConstraints(raw map[string]any) ([]ParamConstraint, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]ParamConstraint, 0, len(raw))
	for param, allowedRaw := range raw {
		allowed := map[string]struct{}{}
		switch v := allowedRaw.(type) {
		case string:
			allowed[v] = struct{}{}
		case []interface{}:
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("paramConstraints[%s]: array elements must be strings", param)
				}
				allowed[s] = struct{}{}
			}
		default:
			return nil, fmt.Errorf("paramConstraints[%s]: unsupported type %T", param, allowedRaw)
		}
		out = append(out, ParamConstraint{Param: param, Allowed: allowed})
	}
	return out, nil
}
