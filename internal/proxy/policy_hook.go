package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/relaygate/relaygate/internal/jsonrpc"
	"github.com/relaygate/relaygate/internal/policy"
)

// LogNotificationMethod is the MCP method used for notices sent to the client.
const LogNotificationMethod = "notifications/message"

// CodePolicyDenied is the error code used when a deny rule sets none.
const CodePolicyDenied = -32001

// PolicyHook evaluates policy rules against requests, notifications and
// the responses to requests it saw.
//
//   - deny drops the message. A denied request is answered with an error
//     response to its sender; a denied response is replaced by one.
//   - rewrite applies each matching rule's set paths to params (or result).
//   - audit logs the match and forwards unchanged.
//
// Rules with notify also emit a notifications/message to the client.
type PolicyHook struct {
	engine    *policy.Engine
	logger    *slog.Logger
	denied    atomic.Int64
	rewritten atomic.Int64
}

func NewPolicyHook(engine *policy.Engine, logger *slog.Logger) *PolicyHook {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PolicyHook{engine: engine, logger: logger}
}

// Register adds the hook for every method named by cfg's rules.
func (p *PolicyHook) Register(b *RegistryBuilder, cfg *policy.Config) {
	for _, m := range cfg.Methods() {
		b.Use(m, p)
	}
}

func (p *PolicyHook) OnRequest(ctx context.Context, req *jsonrpc.Request) (Outcome, error) {
	dir, _ := DirectionFromContext(ctx)
	result, err := p.evaluate(dir, req, req.Method, req.Params)
	if err != nil {
		return Outcome{}, err
	}
	if !result.Matched() {
		return Forward(req), nil
	}

	var out Outcome
	switch {
	case result.Deny != nil:
		p.denied.Add(1)
		p.logger.Warn("request denied by policy", "rule", result.Deny.Name, "method", req.Method, "id", req.ID)
		out = Drop().With(dir.Reverse(), jsonrpc.NewErrorResponse(req.ID, denyCode(result.Deny), denyMessage(result.Deny)))
	case len(result.Rewrites) > 0:
		params, err := p.rewrite(result.Rewrites, req.Params)
		if err != nil {
			return Outcome{}, err
		}
		out = Forward(&jsonrpc.Request{ID: req.ID, Method: req.Method, Params: params})
	default:
		out = Forward(req)
	}
	p.audit(result, req.Method, dir)
	return p.notify(out, result)
}

func (p *PolicyHook) OnResponse(ctx context.Context, resp *jsonrpc.Response) (Outcome, error) {
	dir, _ := DirectionFromContext(ctx)
	method := MethodFromContext(ctx)
	result, err := p.evaluate(dir, resp, method, resp.Result)
	if err != nil {
		return Outcome{}, err
	}
	if !result.Matched() {
		return Forward(resp), nil
	}

	var out Outcome
	switch {
	case result.Deny != nil:
		p.denied.Add(1)
		p.logger.Warn("response denied by policy", "rule", result.Deny.Name, "method", method, "id", resp.ID)
		out = Forward(jsonrpc.NewErrorResponse(resp.ID, denyCode(result.Deny), denyMessage(result.Deny)))
	case len(result.Rewrites) > 0 && len(resp.Result) > 0:
		body, err := p.rewrite(result.Rewrites, resp.Result)
		if err != nil {
			return Outcome{}, err
		}
		out = Forward(&jsonrpc.Response{ID: resp.ID, Result: body})
	default:
		out = Forward(resp)
	}
	p.audit(result, method, dir)
	return p.notify(out, result)
}

func (p *PolicyHook) OnNotification(ctx context.Context, n *jsonrpc.Notification) (Outcome, error) {
	dir, _ := DirectionFromContext(ctx)
	result, err := p.evaluate(dir, n, n.Method, n.Params)
	if err != nil {
		return Outcome{}, err
	}
	if !result.Matched() {
		return Forward(n), nil
	}

	var out Outcome
	switch {
	case result.Deny != nil:
		p.denied.Add(1)
		p.logger.Warn("notification denied by policy", "rule", result.Deny.Name, "method", n.Method)
		out = Drop()
	case len(result.Rewrites) > 0:
		params, err := p.rewrite(result.Rewrites, n.Params)
		if err != nil {
			return Outcome{}, err
		}
		out = Forward(&jsonrpc.Notification{Method: n.Method, Params: params})
	default:
		out = Forward(n)
	}
	p.audit(result, n.Method, dir)
	return p.notify(out, result)
}

// Denied returns how many messages deny rules have blocked.
func (p *PolicyHook) Denied() int64 {
	return p.denied.Load()
}

// Rewritten returns how many messages rewrite rules have changed.
func (p *PolicyHook) Rewritten() int64 {
	return p.rewritten.Load()
}

func (p *PolicyHook) evaluate(dir Direction, msg jsonrpc.Message, method string, body json.RawMessage) (policy.MatchResult, error) {
	raw, err := jsonrpc.ToValue(msg)
	if err != nil {
		return policy.MatchResult{}, Failed("encode message: %v", err)
	}
	target := policy.Target{
		Direction: dir.String(),
		Kind:      string(msg.Kind()),
		Method:    method,
		Payload:   string(raw),
		Body:      body,
	}
	if method == "tools/call" {
		if req, ok := msg.(*jsonrpc.Request); ok {
			target.ToolName = policy.ExtractToolName(req.Params)
		}
	}
	return p.engine.Evaluate(target), nil
}

func (p *PolicyHook) rewrite(rules []*policy.Rule, body json.RawMessage) (json.RawMessage, error) {
	out := []byte(body)
	for _, r := range rules {
		var err error
		out, err = r.Apply(out)
		if err != nil {
			return nil, &ProcessingError{Detail: "rewrite", Err: err}
		}
	}
	p.rewritten.Add(1)
	return out, nil
}

func (p *PolicyHook) audit(result policy.MatchResult, method string, dir Direction) {
	for _, r := range result.Audits {
		p.logger.Info("policy audit", "rule", r.Name, "method", method, "direction", dir)
	}
}

func (p *PolicyHook) notify(out Outcome, result policy.MatchResult) (Outcome, error) {
	for _, text := range result.Notices {
		var err error
		out, err = out.WithNotification(ToClient, LogNotificationMethod, map[string]any{
			"level":  "warning",
			"logger": "relaygate",
			"data":   text,
		})
		if err != nil {
			return Outcome{}, err
		}
	}
	return out, nil
}

func denyCode(r *policy.Rule) int {
	if r.ErrorCode != 0 {
		return r.ErrorCode
	}
	return CodePolicyDenied
}

func denyMessage(r *policy.Rule) string {
	if r.Message != "" {
		return r.Message
	}
	return "blocked by policy rule " + r.Name
}
