package policy

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Action represents what to do when a rule matches.
type Action string

const (
	ActionDeny    Action = "deny"
	ActionRewrite Action = "rewrite"
	ActionAudit   Action = "audit"
)

// Rule represents a single policy rule. A rule applies to the methods it
// lists; every other condition narrows the match.
type Rule struct {
	Name      string            `yaml:"name"`
	Action    Action            `yaml:"action"`
	Methods   []string          `yaml:"methods"`
	Kinds     []string          `yaml:"kinds,omitempty"`     // request, response, notification
	Direction string            `yaml:"direction,omitempty"` // client_to_server or server_to_client
	Tools     []string          `yaml:"tools,omitempty"`
	Patterns  []string          `yaml:"patterns,omitempty"`  // regexes over the whole message
	Where     map[string]string `yaml:"where,omitempty"`     // gjson path -> expected value, on params/result
	Set       map[string]any    `yaml:"set,omitempty"`       // sjson path -> value, for rewrite
	Notify    string            `yaml:"notify,omitempty"`    // text of a log notification sent to the client
	ErrorCode int               `yaml:"error_code,omitempty"`
	Message   string            `yaml:"message,omitempty"`

	compiledPatterns []*regexp.Regexp
	setPaths         []string
}

// Config is the policy section of the configuration file.
type Config struct {
	Version  string         `yaml:"version"`
	Rules    []Rule         `yaml:"rules"`
	Scrubber ScrubberConfig `yaml:"scrubber"`
}

// ScrubberConfig controls PII scrubbing behavior.
type ScrubberConfig struct {
	Enabled        bool            `yaml:"enabled"`
	Methods        []string        `yaml:"methods"`
	CustomPatterns []CustomPattern `yaml:"custom_patterns"`
}

// CustomPattern allows users to define additional scrubbing patterns.
type CustomPattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Label   string `yaml:"label"`
}

// Compile validates every rule and pre-compiles its regex patterns.
func (c *Config) Compile() error {
	for i := range c.Rules {
		r := &c.Rules[i]
		switch r.Action {
		case ActionDeny, ActionAudit:
		case ActionRewrite:
			if len(r.Set) == 0 {
				return fmt.Errorf("rule %q: rewrite requires set", r.Name)
			}
		default:
			return fmt.Errorf("rule %q: unknown action %q", r.Name, r.Action)
		}
		if len(r.Methods) == 0 {
			return fmt.Errorf("rule %q: methods is required", r.Name)
		}

		r.compiledPatterns = r.compiledPatterns[:0]
		for _, p := range r.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("rule %q pattern %q: %w", r.Name, p, err)
			}
			r.compiledPatterns = append(r.compiledPatterns, re)
		}

		r.setPaths = r.setPaths[:0]
		for path := range r.Set {
			r.setPaths = append(r.setPaths, path)
		}
		sort.Strings(r.setPaths)
	}
	for _, cp := range c.Scrubber.CustomPatterns {
		if _, err := regexp.Compile(cp.Pattern); err != nil {
			return fmt.Errorf("scrubber pattern %q: %w", cp.Name, err)
		}
	}
	return nil
}

// Methods returns every method named by a rule, without duplicates.
func (c *Config) Methods() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range c.Rules {
		for _, m := range r.Methods {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// Apply rewrites body (params or result) with the rule's set paths. A nil
// body is treated as an empty object.
func (r *Rule) Apply(body []byte) ([]byte, error) {
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	out := body
	for _, path := range r.setPaths {
		var err error
		out, err = sjson.SetBytes(out, path, r.Set[path])
		if err != nil {
			return nil, fmt.Errorf("rule %q set %q: %w", r.Name, path, err)
		}
	}
	return out, nil
}

// ExtractToolName extracts the tool name from MCP tools/call params:
// {"name": "tool_name", "arguments": {...}}
func ExtractToolName(params []byte) string {
	if len(params) == 0 {
		return ""
	}
	return gjson.GetBytes(params, "name").String()
}
