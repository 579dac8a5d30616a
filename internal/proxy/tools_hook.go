package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relaygate/relaygate/internal/jsonrpc"
	"github.com/relaygate/relaygate/internal/store"
)

// ToolsListMethod is the MCP method that advertises a server's tools.
const ToolsListMethod = "tools/list"

// PruneConfig controls tool pruning behavior.
type PruneConfig struct {
	UnusedSessions int      // prune tools with 0 calls in last N sessions (0=disabled)
	KeepTopK       int      // keep only top K most-used tools (0=disabled)
	AlwaysKeep     []string // tool names that should never be pruned
}

func (c PruneConfig) enabled() bool {
	return c.UnusedSessions > 0 || c.KeepTopK > 0
}

// ToolsHook sees tools/list responses through request correlation. It
// records the advertised tools in the store and optionally prunes
// rarely-used tools from the result.
type ToolsHook struct {
	PassThrough

	store       store.Store
	logger      *slog.Logger
	pruneConfig PruneConfig
	pruned      atomic.Int64
}

// NewToolsHook creates a tools/list hook.
func NewToolsHook(s store.Store, logger *slog.Logger, cfg PruneConfig) *ToolsHook {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ToolsHook{store: s, logger: logger, pruneConfig: cfg}
}

// Register adds the hook for tools/list.
func (th *ToolsHook) Register(b *RegistryBuilder) {
	b.Use(ToolsListMethod, th)
}

type toolInfo struct {
	raw         json.RawMessage
	name        string
	description string
	count       int
}

func (th *ToolsHook) OnResponse(ctx context.Context, resp *jsonrpc.Response) (Outcome, error) {
	if len(resp.Result) == 0 {
		return Forward(resp), nil
	}
	toolsField := gjson.GetBytes(resp.Result, "tools")
	if !toolsField.IsArray() {
		th.logger.Debug("tools/list result has no tools array", "id", resp.ID)
		return Forward(resp), nil
	}

	var tools []toolInfo
	toolsField.ForEach(func(_, v gjson.Result) bool {
		tools = append(tools, toolInfo{
			raw:         json.RawMessage(v.Raw),
			name:        v.Get("name").String(),
			description: v.Get("description").String(),
		})
		return true
	})

	sessionID := SessionIDFromContext(ctx)
	var records []store.ToolRecord
	for _, t := range tools {
		if t.name == "" {
			continue
		}
		records = append(records, store.ToolRecord{
			SessionID:   sessionID,
			ToolName:    t.name,
			Description: t.description,
		})
	}

	th.logger.Info("tools/list response",
		"session", sessionID,
		"tool_count", len(records),
	)

	if len(records) > 0 && th.store != nil {
		if err := th.store.RegisterTools(ctx, sessionID, records); err != nil {
			th.logger.Error("failed to register tools", "error", err)
		}
	}

	// If pruning is not configured, pass through unchanged
	if !th.pruneConfig.enabled() || th.store == nil {
		return Forward(resp), nil
	}

	// Get historical usage counts for pruning decisions
	usageCounts, err := th.store.GetToolUsageCounts(ctx, th.pruneConfig.UnusedSessions)
	if err != nil {
		th.logger.Error("failed to get usage counts for pruning", "error", err)
		return Forward(resp), nil
	}
	for i := range tools {
		tools[i].count = usageCounts[tools[i].name]
	}

	kept, pruned := th.applyPruning(tools)
	if pruned == 0 {
		return Forward(resp), nil
	}
	th.pruned.Add(int64(pruned))

	th.logger.Info("pruned tools from response",
		"kept", len(kept),
		"pruned", pruned,
	)

	// sjson keeps the other members of the result (nextCursor etc.)
	result, err := sjson.SetRawBytes(resp.Result, "tools", mustMarshal(kept))
	if err != nil {
		return Outcome{}, Failed("rebuild tools/list result: %v", err)
	}
	return Forward(&jsonrpc.Response{ID: resp.ID, Result: result}), nil
}

// Pruned returns the total number of tools removed from responses.
func (th *ToolsHook) Pruned() int64 {
	return th.pruned.Load()
}

func (th *ToolsHook) applyPruning(tools []toolInfo) (kept []json.RawMessage, pruned int) {
	alwaysKeep := make(map[string]bool)
	for _, name := range th.pruneConfig.AlwaysKeep {
		alwaysKeep[name] = true
	}

	keepSet := make(map[string]bool)

	// Strategy 1: Remove tools unused in last N sessions
	for _, t := range tools {
		if th.pruneConfig.UnusedSessions == 0 || alwaysKeep[t.name] || t.count > 0 {
			keepSet[t.name] = true
		}
	}

	// Strategy 2: Keep only top K (applied on top)
	if th.pruneConfig.KeepTopK > 0 {
		var inSet []toolInfo
		for _, t := range tools {
			if keepSet[t.name] && !alwaysKeep[t.name] {
				inSet = append(inSet, t)
			}
		}

		if len(inSet) > th.pruneConfig.KeepTopK {
			sort.SliceStable(inSet, func(i, j int) bool {
				return inSet[i].count > inSet[j].count
			})

			keepSet = make(map[string]bool)
			for i := 0; i < th.pruneConfig.KeepTopK; i++ {
				keepSet[inSet[i].name] = true
			}
		}
	}

	for name := range alwaysKeep {
		keepSet[name] = true
	}

	kept = []json.RawMessage{}
	for _, t := range tools {
		// unnamed entries are left alone
		if t.name == "" || keepSet[t.name] {
			kept = append(kept, t.raw)
		} else {
			pruned++
		}
	}
	return kept, pruned
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
