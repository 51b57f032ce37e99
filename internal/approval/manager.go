// Package approval implements the permission gate between agent hook
// callbacks and remote reviewers. A hook call blocks until a client decides,
// a policy short-circuits, or the request times out.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uplinkd/uplink/internal/common/logger"
	"github.com/uplinkd/uplink/internal/events"
	"github.com/uplinkd/uplink/internal/events/bus"
	"github.com/uplinkd/uplink/pkg/protocol"
)

// Decision is the hook response.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	// DecisionAsk defers to the agent's own local prompt.
	DecisionAsk Decision = "ask"
)

// Resolvers, as reported in approval:resolved events.
const (
	ResolvedByUser    = "user"
	ResolvedByPolicy  = "policy"
	ResolvedByTimeout = "timeout"
)

// Permission modes an agent can run under.
const (
	ModeBypassPermissions = "bypassPermissions"
	ModeAcceptEdits       = "acceptEdits"
	ModePlan              = "plan"
)

// HookInput is the payload the agent's permission hook posts for each tool
// call it wants vetted.
type HookInput struct {
	SessionID      string         `json:"session_id"`
	ToolName       string         `json:"tool_name"`
	ToolUseID      string         `json:"tool_use_id"`
	ToolInput      map[string]any `json:"tool_input"`
	Cwd            string         `json:"cwd"`
	PermissionMode string         `json:"permission_mode,omitempty"`
}

// Broadcaster delivers approval events to subscribed clients. The manager
// hands over partial events; the broadcaster stamps and fans them out.
type Broadcaster interface {
	BroadcastEvent(sessionID string, partial protocol.Event)
}

// Config tunes the manager.
type Config struct {
	// Threshold is the minimum risk level that requires review.
	Threshold protocol.RiskLevel
	// Timeout bounds how long a hook call may block.
	Timeout time.Duration
	// RequireClient short-circuits to ask when no reviewer is connected.
	RequireClient bool
}

// pendingApproval is one in-flight request. The resolver channel has
// capacity 1 so the winning resolution never blocks.
type pendingApproval struct {
	requestID  string
	toolCallID string
	sessionID  string
	toolName   string
	riskLevel  protocol.RiskLevel
	createdAt  time.Time
	expiresAt  time.Time
	resolver   chan Decision
	timer      *time.Timer
}

// Manager owns the pending approval table.
type Manager struct {
	cfg         Config
	logger      *logger.Logger
	broadcaster Broadcaster
	clientCount func() int
	audit       *AuditStore
	bus         bus.EventBus

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewManager builds the manager. audit and eventBus are optional.
func NewManager(cfg Config, broadcaster Broadcaster, clientCount func() int, audit *AuditStore, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 290 * time.Second
	}
	if cfg.Threshold == "" {
		cfg.Threshold = protocol.RiskMedium
	}
	return &Manager{
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "approval")),
		broadcaster: broadcaster,
		clientCount: clientCount,
		audit:       audit,
		bus:         eventBus,
		pending:     make(map[string]*pendingApproval),
	}
}

// RequestApproval runs the decision procedure for one tool call. It blocks
// until a client resolves the request, the timeout fires, or ctx is
// cancelled; policy short-circuits return immediately.
func (m *Manager) RequestApproval(ctx context.Context, input HookInput) Decision {
	risk := protocol.AssessRisk(input.ToolName, input.ToolInput)

	if d, by, reason := m.policyDecision(input, risk); d != "" {
		m.logger.Debug("approval short-circuited",
			zap.String("tool", input.ToolName),
			zap.String("decision", string(d)),
			zap.String("why", reason))
		m.recordAudit(AuditRecord{
			RequestID:  uuid.New().String(),
			SessionID:  input.SessionID,
			ToolName:   input.ToolName,
			RiskLevel:  string(risk),
			Decision:   string(d),
			ResolvedBy: by,
			Reason:     reason,
			CreatedAt:  time.Now().UTC(),
			ResolvedAt: time.Now().UTC(),
		})
		return d
	}

	now := time.Now().UTC()
	p := &pendingApproval{
		requestID:  uuid.New().String(),
		toolCallID: input.ToolUseID,
		sessionID:  input.SessionID,
		toolName:   input.ToolName,
		riskLevel:  risk,
		createdAt:  now,
		expiresAt:  now.Add(m.cfg.Timeout),
		resolver:   make(chan Decision, 1),
	}
	p.timer = time.AfterFunc(m.cfg.Timeout, func() {
		m.ResolveApproval(p.requestID, DecisionAsk, ResolvedByTimeout, "")
	})

	m.mu.Lock()
	m.pending[p.requestID] = p
	m.mu.Unlock()

	m.broadcaster.BroadcastEvent(input.SessionID, protocol.Event{
		Type:        protocol.EventApprovalRequested,
		RequestID:   p.requestID,
		ToolCallID:  input.ToolUseID,
		ToolName:    input.ToolName,
		ToolInput:   input.ToolInput,
		RiskLevel:   risk,
		Description: protocol.DescribeToolCall(input.ToolName, input.ToolInput),
		ExpiresAt:   protocol.Timestamp(p.expiresAt),
		Preview:     buildPreview(input),
	})

	select {
	case d := <-p.resolver:
		return d
	case <-ctx.Done():
		// Hook connection dropped; resolve so the broadcast invariant
		// holds, then fall back to the agent's local prompt.
		m.ResolveApproval(p.requestID, DecisionAsk, ResolvedByTimeout, "hook request cancelled")
		select {
		case d := <-p.resolver:
			return d
		default:
			return DecisionAsk
		}
	}
}

// policyDecision evaluates the short-circuit rules in order. An empty
// decision means the request needs a reviewer.
func (m *Manager) policyDecision(input HookInput, risk protocol.RiskLevel) (Decision, string, string) {
	switch {
	case input.PermissionMode == ModeBypassPermissions:
		return DecisionAllow, ResolvedByPolicy, "bypassPermissions mode"
	case input.PermissionMode == ModePlan && input.ToolName == protocol.ToolWrite:
		return DecisionAllow, ResolvedByPolicy, "plan mode write"
	case input.PermissionMode == ModeAcceptEdits && isEditTool(input.ToolName):
		return DecisionAllow, ResolvedByPolicy, "acceptEdits mode"
	case risk.Less(m.cfg.Threshold):
		return DecisionAllow, ResolvedByPolicy, "below review threshold"
	case m.cfg.RequireClient && m.clientCount() == 0:
		return DecisionAsk, ResolvedByPolicy, "no reviewer connected"
	}
	return "", "", ""
}

func isEditTool(name string) bool {
	return name == protocol.ToolWrite || name == protocol.ToolEdit || name == protocol.ToolNotebookEdit
}

// ResolveApproval completes a pending request. Returns false when the
// request is unknown or already resolved; duplicate resolutions have no side
// effects.
func (m *Manager) ResolveApproval(requestID string, decision Decision, resolvedBy, reason string) bool {
	m.mu.Lock()
	p, ok := m.pending[requestID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, requestID)
	m.mu.Unlock()

	p.timer.Stop()
	p.resolver <- decision

	m.broadcaster.BroadcastEvent(p.sessionID, protocol.Event{
		Type:       protocol.EventApprovalResolved,
		RequestID:  requestID,
		Approved:   protocol.Bool(decision == DecisionAllow),
		ResolvedBy: resolvedBy,
		Reason:     reason,
	})

	m.recordAudit(AuditRecord{
		RequestID:  requestID,
		SessionID:  p.sessionID,
		ToolName:   p.toolName,
		RiskLevel:  string(p.riskLevel),
		Decision:   string(decision),
		ResolvedBy: resolvedBy,
		Reason:     reason,
		CreatedAt:  p.createdAt,
		ResolvedAt: time.Now().UTC(),
	})

	if m.bus != nil {
		_ = m.bus.Publish(context.Background(), events.SubjectApprovalsResolved, bus.NewEvent(
			events.ApprovalResolved, events.Source, map[string]any{
				"requestId":  requestID,
				"sessionId":  p.sessionID,
				"approved":   decision == DecisionAllow,
				"resolvedBy": resolvedBy,
			}))
	}
	return true
}

// HandleCommand applies approve/deny commands. Returns true iff the command
// was recognised and applied to a pending request; anything else is left for
// the caller to route onward.
func (m *Manager) HandleCommand(cmd protocol.Command) bool {
	switch cmd.Command {
	case protocol.CommandApproveToolCall:
		return m.ResolveApproval(cmd.RequestID, DecisionAllow, ResolvedByUser, "")
	case protocol.CommandDenyToolCall:
		return m.ResolveApproval(cmd.RequestID, DecisionDeny, ResolvedByUser, cmd.Reason)
	default:
		return false
	}
}

// PendingCount reports in-flight requests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Cleanup synchronously resolves every pending request with ask so no hook
// call is left blocking. Called during shutdown before the transports close.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.ResolveApproval(id, DecisionAsk, ResolvedByPolicy, "daemon shutting down")
	}
}

func (m *Manager) recordAudit(rec AuditRecord) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(rec); err != nil {
		m.logger.Warn("failed to record approval audit entry", zap.Error(err))
	}
}

// buildPreview summarizes the tool call for the reviewer: commands show the
// command line, file mutations show a one-line description. Other tools get
// no preview.
func buildPreview(input HookInput) *protocol.ApprovalPreview {
	switch input.ToolName {
	case protocol.ToolBash:
		command, _ := input.ToolInput["command"].(string)
		return &protocol.ApprovalPreview{
			Type:       "command",
			Command:    command,
			WorkingDir: input.Cwd,
		}
	case protocol.ToolWrite, protocol.ToolEdit:
		path, _ := input.ToolInput["file_path"].(string)
		return &protocol.ApprovalPreview{
			Type: "description",
			Text: input.ToolName + " " + path,
		}
	}
	return nil
}
