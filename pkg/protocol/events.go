// Package protocol defines the normalized event stream the daemon exposes to
// remote clients. Every agent integration translates its native output into
// these events; consumers never see agent-specific formats.
package protocol

import "time"

// EventType identifies a normalized event. The colon-separated tag is the
// wire discriminator; unknown types are carried opaquely.
type EventType string

const (
	EventSessionStarted       EventType = "session:started"
	EventSessionStatusChanged EventType = "session:status_changed"
	EventSessionError         EventType = "session:error"
	EventSessionCompleted     EventType = "session:completed"

	EventMessageStart    EventType = "message:start"
	EventMessageDelta    EventType = "message:delta"
	EventMessageComplete EventType = "message:complete"

	EventThinkingStart    EventType = "thinking:start"
	EventThinkingDelta    EventType = "thinking:delta"
	EventThinkingComplete EventType = "thinking:complete"

	EventToolStart     EventType = "tool:start"
	EventToolExecuting EventType = "tool:executing"
	EventToolResult    EventType = "tool:result"
	EventToolError     EventType = "tool:error"

	EventApprovalRequested EventType = "approval:requested"
	EventApprovalResolved  EventType = "approval:resolved"

	EventEnvironmentInfo    EventType = "environment:info"
	EventResourceTokenUsage EventType = "resource:token_usage"

	EventFileChange EventType = "file:change"
	EventFileBatch  EventType = "file:batch"

	EventCustom EventType = "custom"
)

// timestampLayout renders timestamps as millisecond-precision ISO-8601 UTC.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp formats t in the wire timestamp layout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Event is the envelope for every normalized event. Seq and Timestamp are
// stamped by the sequencer; the remaining fields are type-specific and
// omitted when unused. Data carries payloads of unknown or custom event
// types opaquely.
type Event struct {
	Seq       int64     `json:"seq"`
	SessionID string    `json:"sessionId"`
	Timestamp string    `json:"timestamp"`
	Type      EventType `json:"type"`

	// Message and thinking fields. Content is a string on message:delta and
	// thinking:delta, and a []MessageBlock on message:complete.
	MessageID string `json:"messageId,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   any    `json:"content,omitempty"`
	Redacted  bool   `json:"redacted,omitempty"`

	// Tool call fields
	ToolCallID       string         `json:"toolCallId,omitempty"`
	ToolName         string         `json:"toolName,omitempty"`
	ToolInput        map[string]any `json:"toolInput,omitempty"`
	Category         ToolCategory   `json:"category,omitempty"`
	RiskLevel        RiskLevel      `json:"riskLevel,omitempty"`
	Description      string         `json:"description,omitempty"`
	RequiresApproval *bool          `json:"requiresApproval,omitempty"`
	Output           string         `json:"output,omitempty"`
	Duration         *int64         `json:"duration,omitempty"`

	// Approval fields
	RequestID  string           `json:"requestId,omitempty"`
	Preview    *ApprovalPreview `json:"preview,omitempty"`
	ExpiresAt  string           `json:"expiresAt,omitempty"`
	Approved   *bool            `json:"approved,omitempty"`
	ResolvedBy string           `json:"resolvedBy,omitempty"`
	Reason     string           `json:"reason,omitempty"`

	// Session lifecycle fields
	From        SessionStatus      `json:"from,omitempty"`
	To          SessionStatus      `json:"to,omitempty"`
	Code        string             `json:"code,omitempty"`
	Error       string             `json:"error,omitempty"`
	Recoverable *bool              `json:"recoverable,omitempty"`
	Summary     *CompletionSummary `json:"summary,omitempty"`

	// Environment and resource fields
	Environment *EnvironmentInfo `json:"environment,omitempty"`
	Usage       *TokenUsage      `json:"usage,omitempty"`

	// File change fields
	Path  string   `json:"path,omitempty"`
	Op    string   `json:"op,omitempty"`
	Paths []string `json:"paths,omitempty"`

	// Data carries protocol extensions and custom event payloads
	Data map[string]any `json:"data,omitempty"`
}

// MessageBlock is one entry in a message:complete content array.
type MessageBlock struct {
	Type  string         `json:"type"` // text | tool_use | thinking
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// ApprovalPreview summarizes a pending tool call for client review.
// Bash calls preview as a command; file mutations preview as a description.
type ApprovalPreview struct {
	Type       string `json:"type"` // command | description
	Command    string `json:"command,omitempty"`
	WorkingDir string `json:"workingDir,omitempty"`
	Text       string `json:"text,omitempty"`
}

// EnvironmentInfo describes the agent runtime, emitted once per session.
type EnvironmentInfo struct {
	Cwd            string   `json:"cwd,omitempty"`
	Model          string   `json:"model,omitempty"`
	Version        string   `json:"version,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
}

// TokenUsage reports token consumption deltas for a session.
type TokenUsage struct {
	InputTokens              int64 `json:"inputTokens"`
	OutputTokens             int64 `json:"outputTokens"`
	CacheCreationInputTokens int64 `json:"cacheCreationInputTokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cacheReadInputTokens,omitempty"`
}

// CompletionSummary rolls up a finished session turn.
type CompletionSummary struct {
	DurationMs   int64       `json:"durationMs"`
	NumTurns     int         `json:"numTurns"`
	TotalCostUSD float64     `json:"totalCostUsd,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
	Result       string      `json:"result,omitempty"`
}

// Bool returns a pointer to b, for the envelope's optional bool fields.
func Bool(b bool) *bool {
	return &b
}

// Int64 returns a pointer to v, for the envelope's optional numeric fields.
func Int64(v int64) *int64 {
	return &v
}
