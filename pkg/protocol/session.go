package protocol

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	StatusStarting        SessionStatus = "starting"
	StatusRunning         SessionStatus = "running"
	StatusThinking        SessionStatus = "thinking"
	StatusWaitingInput    SessionStatus = "waiting_for_input"
	StatusWaitingApproval SessionStatus = "waiting_for_approval"
	StatusPaused          SessionStatus = "paused"
	StatusIdle            SessionStatus = "idle"
	StatusCompleted       SessionStatus = "completed"
	StatusError           SessionStatus = "error"
)

// Session describes a discovered or active agent session.
type Session struct {
	ID             string        `json:"id"`
	AgentID        string        `json:"agentId"`
	Name           string        `json:"name,omitempty"`
	ProjectPath    string        `json:"projectPath,omitempty"`
	Status         SessionStatus `json:"status"`
	CreatedAt      string        `json:"createdAt,omitempty"`
	LastActivity   string        `json:"lastActivity,omitempty"`
	LastMessage    string        `json:"lastMessage,omitempty"`
	Model          string        `json:"model,omitempty"`
	PermissionMode string        `json:"permissionMode,omitempty"`
	Live           bool          `json:"live"`
}

// IntegrationMethod describes how an adapter talks to its agent.
type IntegrationMethod string

const (
	IntegrationSDK       IntegrationMethod = "sdk"
	IntegrationHTTP      IntegrationMethod = "http"
	IntegrationPTY       IntegrationMethod = "pty"
	IntegrationFileWatch IntegrationMethod = "file-watch"
	IntegrationMCP       IntegrationMethod = "mcp"
)

// Capabilities advertises what an adapter supports.
type Capabilities struct {
	ProtocolVersion string            `json:"protocolVersion"`
	AgentName       string            `json:"agentName"`
	DisplayName     string            `json:"displayName"`
	Icon            string            `json:"icon,omitempty"`
	AgentVersion    string            `json:"agentVersion,omitempty"`
	Integration     IntegrationMethod `json:"integration"`
	Features        Features          `json:"features"`
}

// Features is the nested feature-flag block of Capabilities.
type Features struct {
	Discovery  bool `json:"discovery"`
	Attach     bool `json:"attach"`
	Start      bool `json:"start"`
	Resume     bool `json:"resume"`
	Approvals  bool `json:"approvals"`
	History    bool `json:"history"`
	Thinking   bool `json:"thinking"`
	FileEvents bool `json:"fileEvents"`
	TokenUsage bool `json:"tokenUsage"`
}

// ProtocolVersion is the current normalized protocol version.
const ProtocolVersion = "1"
