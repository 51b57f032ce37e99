package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/uplinkd/uplink/internal/common/logger"
	"github.com/uplinkd/uplink/pkg/protocol"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (b *fakeBroadcaster) BroadcastEvent(sessionID string, partial protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	partial.SessionID = sessionID
	b.events = append(b.events, partial)
}

func (b *fakeBroadcaster) byType(t protocol.EventType) []protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []protocol.Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestManager(t *testing.T, cfg Config, clients int) (*Manager, *fakeBroadcaster) {
	t.Helper()
	bc := &fakeBroadcaster{}
	m := NewManager(cfg, bc, func() int { return clients }, nil, nil, logger.Default())
	return m, bc
}

func waitForPending(t *testing.T, m *Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.PendingCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("pending count = %d, want %d", m.PendingCount(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRequestApproval_RoutedAndApproved(t *testing.T) {
	m, bc := newTestManager(t, Config{Threshold: protocol.RiskMedium}, 1)

	input := HookInput{
		SessionID: "s1",
		ToolName:  protocol.ToolWrite,
		ToolUseID: "tc1",
		ToolInput: map[string]any{"file_path": "/tmp/foo.ts"},
		Cwd:       "/tmp",
	}

	result := make(chan Decision, 1)
	go func() { result <- m.RequestApproval(context.Background(), input) }()
	waitForPending(t, m, 1)

	requested := bc.byType(protocol.EventApprovalRequested)
	if len(requested) != 1 {
		t.Fatalf("approval:requested count = %d, want 1", len(requested))
	}
	req := requested[0]
	if req.RiskLevel != protocol.RiskMedium || req.ToolCallID != "tc1" {
		t.Errorf("requested = %+v", req)
	}
	if req.Preview == nil || req.Preview.Type != "description" || req.Preview.Text != "Write /tmp/foo.ts" {
		t.Errorf("preview = %+v", req.Preview)
	}
	if req.ExpiresAt == "" {
		t.Error("requested event missing expiresAt")
	}

	if !m.HandleCommand(protocol.Command{
		Command:   protocol.CommandApproveToolCall,
		RequestID: req.RequestID,
	}) {
		t.Fatal("HandleCommand did not apply approve_tool_call")
	}

	if d := <-result; d != DecisionAllow {
		t.Errorf("decision = %s, want allow", d)
	}

	resolved := bc.byType(protocol.EventApprovalResolved)
	if len(resolved) != 1 {
		t.Fatalf("approval:resolved count = %d, want 1", len(resolved))
	}
	res := resolved[0]
	if res.RequestID != req.RequestID || res.Approved == nil || !*res.Approved || res.ResolvedBy != ResolvedByUser {
		t.Errorf("resolved = %+v", res)
	}
	if m.PendingCount() != 0 {
		t.Errorf("pending count after resolve = %d", m.PendingCount())
	}
}

func TestRequestApproval_DeniedWithReason(t *testing.T) {
	m, bc := newTestManager(t, Config{Threshold: protocol.RiskMedium}, 1)

	result := make(chan Decision, 1)
	go func() {
		result <- m.RequestApproval(context.Background(), HookInput{
			SessionID: "s1",
			ToolName:  protocol.ToolBash,
			ToolUseID: "tc2",
			ToolInput: map[string]any{"command": "rm -rf build"},
		})
	}()
	waitForPending(t, m, 1)

	req := bc.byType(protocol.EventApprovalRequested)[0]
	if req.Preview == nil || req.Preview.Type != "command" || req.Preview.Command != "rm -rf build" {
		t.Errorf("bash preview = %+v", req.Preview)
	}

	m.HandleCommand(protocol.Command{
		Command:   protocol.CommandDenyToolCall,
		RequestID: req.RequestID,
		Reason:    "too broad",
	})
	if d := <-result; d != DecisionDeny {
		t.Errorf("decision = %s, want deny", d)
	}
	res := bc.byType(protocol.EventApprovalResolved)[0]
	if res.Approved == nil || *res.Approved || res.Reason != "too broad" {
		t.Errorf("resolved = %+v", res)
	}
}

func TestRequestApproval_NoClientFallsThroughToAsk(t *testing.T) {
	m, bc := newTestManager(t, Config{Threshold: protocol.RiskMedium, RequireClient: true}, 0)

	d := m.RequestApproval(context.Background(), HookInput{
		SessionID: "s1",
		ToolName:  protocol.ToolWrite,
		ToolInput: map[string]any{"file_path": "/tmp/foo.ts"},
	})
	if d != DecisionAsk {
		t.Errorf("decision = %s, want ask", d)
	}
	if len(bc.byType(protocol.EventApprovalRequested)) != 0 {
		t.Error("no reviewer connected: nothing should be broadcast")
	}
	if m.PendingCount() != 0 {
		t.Errorf("pending count = %d, want 0", m.PendingCount())
	}
}

func TestRequestApproval_BypassModeAllows(t *testing.T) {
	m, bc := newTestManager(t, Config{Threshold: protocol.RiskMedium}, 1)

	d := m.RequestApproval(context.Background(), HookInput{
		SessionID:      "s1",
		ToolName:       protocol.ToolBash,
		ToolInput:      map[string]any{"command": "sudo rm -rf /"},
		PermissionMode: ModeBypassPermissions,
	})
	if d != DecisionAllow {
		t.Errorf("decision = %s, want allow", d)
	}
	if m.PendingCount() != 0 || len(bc.events) != 0 {
		t.Error("bypass mode must not create a pending record or broadcast")
	}
}

func TestRequestApproval_AcceptEditsAllowsFileTools(t *testing.T) {
	m, _ := newTestManager(t, Config{Threshold: protocol.RiskLow}, 1)
	for _, tool := range []string{protocol.ToolWrite, protocol.ToolEdit, protocol.ToolNotebookEdit} {
		d := m.RequestApproval(context.Background(), HookInput{
			ToolName:       tool,
			PermissionMode: ModeAcceptEdits,
		})
		if d != DecisionAllow {
			t.Errorf("acceptEdits %s = %s, want allow", tool, d)
		}
	}
}

func TestRequestApproval_BelowThresholdAllows(t *testing.T) {
	m, bc := newTestManager(t, Config{Threshold: protocol.RiskMedium}, 1)

	d := m.RequestApproval(context.Background(), HookInput{
		ToolName:  protocol.ToolRead,
		ToolInput: map[string]any{"file_path": "/etc/hosts"},
	})
	if d != DecisionAllow {
		t.Errorf("decision = %s, want allow", d)
	}
	if len(bc.events) != 0 {
		t.Error("below-threshold calls must not broadcast")
	}
}

func TestRequestApproval_TimeoutResolvesAsk(t *testing.T) {
	m, bc := newTestManager(t, Config{Threshold: protocol.RiskMedium, Timeout: 30 * time.Millisecond}, 1)

	d := m.RequestApproval(context.Background(), HookInput{
		SessionID: "s1",
		ToolName:  protocol.ToolWrite,
		ToolInput: map[string]any{"file_path": "/tmp/a"},
	})
	if d != DecisionAsk {
		t.Errorf("decision = %s, want ask", d)
	}
	resolved := bc.byType(protocol.EventApprovalResolved)
	if len(resolved) != 1 || resolved[0].ResolvedBy != ResolvedByTimeout {
		t.Errorf("resolved = %+v", resolved)
	}
}

func TestResolveApproval_DuplicateReturnsFalse(t *testing.T) {
	m, _ := newTestManager(t, Config{Threshold: protocol.RiskMedium}, 1)

	go m.RequestApproval(context.Background(), HookInput{
		SessionID: "s1",
		ToolName:  protocol.ToolWrite,
		ToolInput: map[string]any{"file_path": "/tmp/a"},
	})
	waitForPending(t, m, 1)

	m.mu.Lock()
	var requestID string
	for id := range m.pending {
		requestID = id
	}
	m.mu.Unlock()

	if !m.ResolveApproval(requestID, DecisionAllow, ResolvedByUser, "") {
		t.Fatal("first resolution should succeed")
	}
	if m.ResolveApproval(requestID, DecisionDeny, ResolvedByUser, "") {
		t.Error("duplicate resolution should return false")
	}
	if m.ResolveApproval("unknown", DecisionAllow, ResolvedByUser, "") {
		t.Error("unknown request id should return false")
	}
}

func TestCleanup_ResolvesAllPending(t *testing.T) {
	m, bc := newTestManager(t, Config{Threshold: protocol.RiskMedium}, 1)

	results := make(chan Decision, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- m.RequestApproval(context.Background(), HookInput{
				SessionID: "s1",
				ToolName:  protocol.ToolWrite,
				ToolInput: map[string]any{"file_path": "/tmp/a"},
			})
		}()
	}
	waitForPending(t, m, 2)

	m.Cleanup()

	for i := 0; i < 2; i++ {
		if d := <-results; d != DecisionAsk {
			t.Errorf("cleanup decision = %s, want ask", d)
		}
	}
	if m.PendingCount() != 0 {
		t.Errorf("pending after cleanup = %d", m.PendingCount())
	}
	if len(bc.byType(protocol.EventApprovalResolved)) != 2 {
		t.Error("every pending request must broadcast a resolution")
	}
}

func TestHandleCommand_UnrelatedCommandReturnsFalse(t *testing.T) {
	m, _ := newTestManager(t, Config{}, 1)
	if m.HandleCommand(protocol.Command{Command: protocol.CommandSendMessage}) {
		t.Error("send_message is not an approval command")
	}
}
