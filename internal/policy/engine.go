package policy

import "github.com/tidwall/gjson"

// Target is the message a policy is evaluated against.
type Target struct {
	Direction string
	Kind      string
	Method    string
	ToolName  string
	Payload   string // the whole message as JSON
	Body      []byte // params, or result for responses
}

// MatchResult holds the outcome of evaluating all rules against a message.
type MatchResult struct {
	Action       Action
	MatchedRules []string
	Deny         *Rule
	Rewrites     []*Rule
	Audits       []*Rule
	Notices      []string
}

// Matched reports whether any rule matched.
func (m MatchResult) Matched() bool {
	return len(m.MatchedRules) > 0
}

// Engine evaluates rules against messages.
type Engine struct {
	config *Config
}

// NewEngine creates a policy evaluation engine. cfg must be compiled.
func NewEngine(cfg *Config) *Engine {
	return &Engine{config: cfg}
}

// Evaluate checks all rules against the target.
// Priority: deny > rewrite > audit. Rewrites accumulate in rule order.
func (e *Engine) Evaluate(t Target) MatchResult {
	var result MatchResult

	for i := range e.config.Rules {
		rule := &e.config.Rules[i]
		if !ruleMatches(rule, t) {
			continue
		}

		result.MatchedRules = append(result.MatchedRules, rule.Name)
		if rule.Notify != "" {
			result.Notices = append(result.Notices, rule.Notify)
		}

		switch rule.Action {
		case ActionDeny:
			if result.Deny == nil {
				result.Deny = rule
			}
			result.Action = ActionDeny
		case ActionRewrite:
			result.Rewrites = append(result.Rewrites, rule)
			if result.Action != ActionDeny {
				result.Action = ActionRewrite
			}
		case ActionAudit:
			result.Audits = append(result.Audits, rule)
			if result.Action == "" {
				result.Action = ActionAudit
			}
		}
	}

	return result
}

func ruleMatches(rule *Rule, t Target) bool {
	if rule.Direction != "" && rule.Direction != t.Direction {
		return false
	}

	if !contains(rule.Methods, t.Method) {
		return false
	}

	if len(rule.Kinds) > 0 && !contains(rule.Kinds, t.Kind) {
		return false
	}

	if len(rule.Tools) > 0 {
		if t.ToolName == "" || !contains(rule.Tools, t.ToolName) {
			return false
		}
	}

	for path, want := range rule.Where {
		if gjson.GetBytes(t.Body, path).String() != want {
			return false
		}
	}

	// All patterns must match (AND semantics)
	for _, re := range rule.compiledPatterns {
		if !re.MatchString(t.Payload) {
			return false
		}
	}

	return true
}

func contains(slice []string, s string) bool {
	for _, item := range slice {
		if item == s {
			return true
		}
	}
	return false
}
