package store

import "time"

// Message kinds as recorded. Error responses get their own kind.
const (
	KindRequest      = "request"
	KindResponse     = "response"
	KindError        = "error"
	KindNotification = "notification"
)

// LogEntry is one frame written to a peer, or dropped before it got there.
type LogEntry struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"session_id"`
	Direction  string    `json:"direction"` // client_to_server or server_to_client
	Kind       string    `json:"kind"`
	Method     string    `json:"method,omitempty"`
	MsgID      string    `json:"msg_id,omitempty"` // JSON text of the id
	Payload    string    `json:"payload"`
	SizeBytes  int       `json:"size_bytes"`
	Injected   bool      `json:"injected,omitempty"`
	Dropped    bool      `json:"dropped,omitempty"`
	DropReason string    `json:"drop_reason,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
}

// Session is one proxy run against one server.
type Session struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Command   string     `json:"command"` // executable, or tcp://host:port
	Args      []string   `json:"args"`
}

// SessionSummary is a Session with its traffic totals.
type SessionSummary struct {
	Session
	MessageCount int `json:"message_count"`
	DroppedCount int `json:"dropped_count"`
}

// QueryFilter narrows Query. Zero fields match everything.
type QueryFilter struct {
	SessionID   string
	Direction   string
	Method      string
	Kind        string
	ToolName    string
	MsgID       string
	DroppedOnly bool
	Since       *time.Time
	Limit       int // 0 means 200
	Offset      int
}

// Stats holds aggregate traffic counts.
type Stats struct {
	TotalMessages     int            `json:"total_messages"`
	RequestCount      int            `json:"request_count"`
	ResponseCount     int            `json:"response_count"`
	NotificationCount int            `json:"notification_count"`
	ErrorCount        int            `json:"error_count"`
	DroppedCount      int            `json:"dropped_count"`
	InjectedCount     int            `json:"injected_count"`
	TotalBytes        int64          `json:"total_bytes"`
	MethodCounts      map[string]int `json:"method_counts"`
	DirectionCounts   map[string]int `json:"direction_counts"`
}

// ToolRecord is a tool advertised in a tools/list response.
type ToolRecord struct {
	SessionID   string `json:"session_id"`
	ToolName    string `json:"tool_name"`
	Description string `json:"description"`
}

// ToolAnalytics is the usage of one advertised tool.
type ToolAnalytics struct {
	ToolName     string `json:"tool_name"`
	Description  string `json:"description"`
	CallCount    int    `json:"call_count"`
	SessionsSeen int    `json:"sessions_seen"`
	LastUsed     string `json:"last_used,omitempty"`
}

// ToolAnalyticsSummary covers every advertised tool.
type ToolAnalyticsSummary struct {
	TotalAvailable int             `json:"total_available"`
	TotalUsed      int             `json:"total_used"`
	Tools          []ToolAnalytics `json:"tools"`
}
