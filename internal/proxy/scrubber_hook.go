package proxy

import (
	"context"
	"encoding/json"
	"regexp"
	"sync/atomic"

	"github.com/relaygate/relaygate/internal/jsonrpc"
	"github.com/relaygate/relaygate/internal/policy"
)

// piiPattern represents a named PII detection pattern.
type piiPattern struct {
	Name  string
	Regex *regexp.Regexp
	Label string // replacement label, e.g. "api_key" → [REDACTED:api_key]
}

// default PII patterns
var defaultPIIPatterns = []piiPattern{
	{Name: "openai_key", Regex: regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`), Label: "api_key"},
	{Name: "github_token", Regex: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`), Label: "api_key"},
	{Name: "aws_key", Regex: regexp.MustCompile(`AKIA[0-9A-Z]{16}`), Label: "api_key"},
	{Name: "email", Regex: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), Label: "email"},
	{Name: "ssn", Regex: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), Label: "ssn"},
	{Name: "ipv4", Regex: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), Label: "ip_address"},
}

// DefaultScrubMethods are scrubbed when the configuration names none.
var DefaultScrubMethods = []string{"tools/call", "resources/read", "prompts/get"}

// ScrubberHook redacts PII from response results and notification params
// of the methods it is registered for. Requests pass through.
type ScrubberHook struct {
	PassThrough

	patterns      []piiPattern
	totalScrubbed atomic.Int64
}

// NewScrubberHook creates a scrubber with default + custom patterns.
// Invalid custom patterns are skipped; policy.Config.Compile rejects them
// earlier.
func NewScrubberHook(customPatterns []policy.CustomPattern) *ScrubberHook {
	s := &ScrubberHook{
		patterns: append([]piiPattern{}, defaultPIIPatterns...),
	}

	for _, cp := range customPatterns {
		re, err := regexp.Compile(cp.Pattern)
		if err != nil {
			continue
		}
		s.patterns = append(s.patterns, piiPattern{
			Name:  cp.Name,
			Regex: re,
			Label: cp.Label,
		})
	}

	return s
}

// Register adds the hook for methods, or DefaultScrubMethods if empty.
func (s *ScrubberHook) Register(b *RegistryBuilder, methods []string) {
	if len(methods) == 0 {
		methods = DefaultScrubMethods
	}
	for _, m := range methods {
		b.Use(m, s)
	}
}

func (s *ScrubberHook) OnResponse(_ context.Context, resp *jsonrpc.Response) (Outcome, error) {
	if len(resp.Result) == 0 {
		return Forward(resp), nil
	}
	result, count := s.scrubJSON(resp.Result)
	if count == 0 {
		return Forward(resp), nil
	}
	s.totalScrubbed.Add(int64(count))
	return Forward(&jsonrpc.Response{ID: resp.ID, Result: result, Error: resp.Error}), nil
}

func (s *ScrubberHook) OnNotification(_ context.Context, n *jsonrpc.Notification) (Outcome, error) {
	if len(n.Params) == 0 {
		return Forward(n), nil
	}
	params, count := s.scrubJSON(n.Params)
	if count == 0 {
		return Forward(n), nil
	}
	s.totalScrubbed.Add(int64(count))
	return Forward(&jsonrpc.Notification{Method: n.Method, Params: params}), nil
}

// scrubJSON parses JSON, walks string values, applies PII regexes,
// and re-serializes. JSON structure keys are not modified.
func (s *ScrubberHook) scrubJSON(raw json.RawMessage) (json.RawMessage, int) {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return raw, 0
	}

	count := 0
	scrubbed := s.walkAndScrub(parsed, &count)
	if count == 0 {
		return raw, 0
	}

	result, err := json.Marshal(scrubbed)
	if err != nil {
		return raw, 0
	}
	return result, count
}

// walkAndScrub recursively walks a parsed JSON value and scrubs string values.
func (s *ScrubberHook) walkAndScrub(v any, count *int) any {
	switch val := v.(type) {
	case string:
		scrubbed, c := s.scrubString(val)
		*count += c
		return scrubbed
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, v := range val {
			result[k] = s.walkAndScrub(v, count)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, v := range val {
			result[i] = s.walkAndScrub(v, count)
		}
		return result
	default:
		return v
	}
}

// scrubString applies all PII patterns to a string.
func (s *ScrubberHook) scrubString(input string) (string, int) {
	count := 0
	result := input
	for _, p := range s.patterns {
		matches := p.Regex.FindAllStringIndex(result, -1)
		if len(matches) > 0 {
			count += len(matches)
			result = p.Regex.ReplaceAllString(result, "[REDACTED:"+p.Label+"]")
		}
	}
	return result, count
}

// TotalScrubbed returns the total number of PII items scrubbed.
func (s *ScrubberHook) TotalScrubbed() int64 {
	return s.totalScrubbed.Load()
}
