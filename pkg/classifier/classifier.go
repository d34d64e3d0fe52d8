package classifier

import (
	"github.com/gocallosum/callosum/pkg/model"
	"github.com/gocallosum/callosum/pkg/template"
)

// defaultCatchAllName is the name given to the implicit terminal rule
// injected when a user-supplied rule list doesn't end with a universal
// tier-0 default. Enforcing this structurally means every call
// classifies, per spec.md §3's invariant.
const defaultCatchAllName = "default-catch-all"

// Result is the outcome of classifying a single (tool, params) pair.
type Result struct {
	Tier         model.Tier
	ContextKey   model.ContextKey // empty if the rule produced none
	RuleName     string
	RecentWindow int64 // milliseconds; 0 means "use the caller's default"
}

// Classifier evaluates (tool, params) pairs against a compiled,
// first-match-wins ordered rule list.
type Classifier struct {
	rules []Rule
}

// New compiles specs into a Classifier. If the last rule does not match
// every tool unconditionally at tier 0, an implicit terminal default is
// appended — the rule list always terminates with a universal default,
// enforced structurally rather than validated post hoc (spec.md §4.2,
// §9 "Rule-ordering discipline").
func New(specs []RuleSpec) (*Classifier, error) {
	rules := make([]Rule, 0, len(specs)+1)
	for _, s := range specs {
		r, err := s.Compile()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if !hasTerminalDefault(rules) {
		rules = append(rules, Rule{
			Name:        defaultCatchAllName,
			Tier:        model.TierReadOnly,
			ToolPattern: ToolPattern{MatchAny: true},
		})
	}
	return &Classifier{rules: rules}, nil
}

// hasTerminalDefault reports whether the last rule is an unconditional
// tier-0 catch-all: matches any tool, no param constraints, no command
// pattern.
func hasTerminalDefault(rules []Rule) bool {
	if len(rules) == 0 {
		return false
	}
	last := rules[len(rules)-1]
	return last.Tier == model.TierReadOnly &&
		last.ToolPattern.MatchAny &&
		len(last.ParamConstraints) == 0 &&
		last.CommandPattern == nil
}

// Classify evaluates tool/params against the compiled rule list in
// declaration order and returns the first match. A nil params map is
// treated as empty. Classification is a pure function: the same
// classifier and inputs always produce the same result.
func (c *Classifier) Classify(tool string, params model.Params) Result {
	if params == nil {
		params = model.Params{}
	}
	for _, r := range c.rules {
		if !r.matches(tool, params) {
			continue
		}
		var key model.ContextKey
		if r.ContextKeyTemplate != "" {
			key = model.ContextKey(template.Resolve(r.ContextKeyTemplate, tool, params))
		}
		return Result{
			Tier:         r.Tier,
			ContextKey:   key,
			RuleName:     r.Name,
			RecentWindow: r.RecentWindow,
		}
	}
	// Unreachable given the structural terminal-default guarantee, but
	// classification must be total regardless.
	return Result{Tier: model.TierReadOnly, RuleName: defaultCatchAllName}
}

// DefaultRules returns the built-in rule set used when no tiers.json is
// present (spec.md §6). It classifies email-sending exec commands and
// cron mutations at tier 3, destructive/config-apply actions at tier 4,
// chat/sub-session activity at tier 2, local mutation at tier 1, and
// everything else at tier 0.
func DefaultRules() []RuleSpec {
	return []RuleSpec{
		{
			Name:               "email-send",
			Tier:               3,
			ToolPattern:        "exec",
			CommandPattern:     `--mail-rcpt|--to\s+'?[^'\s]+@`,
			ContextKeyTemplate: "email:{commandRecipient}",
			RecentWindowMs:     3600000,
		},
		{
			Name:               "cron-mutation",
			Tier:               3,
			ToolPattern:        []interface{}{"cron_create", "cron_update", "cron_delete"},
			ContextKeyTemplate: "cron:{params.name|params.id|tool}",
		},
		{
			Name:               "channel-delete",
			Tier:               4,
			ToolPattern:        "message",
			ParamConstraints:   map[string]any{"action": "channel-delete"},
			ContextKeyTemplate: "message:channel-delete:{params.target|tool}",
		},
		{
			Name:               "config-apply",
			Tier:               4,
			ToolPattern:        "config_apply",
			ContextKeyTemplate: "config:{params.target|tool}",
		},
		{
			Name:               "delete",
			Tier:               4,
			ToolPattern:        []interface{}{"file_delete", "delete"},
			ContextKeyTemplate: "delete:{params.path|params.target|tool}",
		},
		{
			Name:               "thread-reply",
			Tier:               2,
			ToolPattern:        "message",
			ContextKeyTemplate: "channel:{params.target|tool}",
		},
		{
			Name:        "sub-session",
			Tier:        2,
			ToolPattern: "spawn_session",
		},
		{
			Name:           "exec-general",
			Tier:           1,
			ToolPattern:    "exec",
			CommandPattern: `.*`,
		},
		{
			Name:        "file-write",
			Tier:        1,
			ToolPattern: []interface{}{"file_write", "file_edit"},
		},
		{
			Name:        defaultCatchAllName,
			Tier:        0,
			ToolPattern: "*",
		},
	}
}
