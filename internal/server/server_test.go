package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uplinkd/uplink/internal/approval"
	"github.com/uplinkd/uplink/internal/common/logger"
	"github.com/uplinkd/uplink/pkg/protocol"
	"github.com/uplinkd/uplink/pkg/wire"
)

func newTestServer(t *testing.T, hooks Hooks, cfg approval.Config) (*Server, *httptest.Server, *Hub) {
	t.Helper()
	log := logger.Default()
	seq := protocol.NewSequencer()
	hub := NewHub(hooks, nil, seq, nil, log)
	approvals := approval.NewManager(cfg, hub, hub.ClientCount, nil, nil, log)
	hub.SetApprovals(approvals)
	srv := New(hub, approvals, log)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts, hub
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *wire.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wire.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return &msg
}

func send(t *testing.T, conn *websocket.Conn, msg *wire.Message) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatal(err)
	}
}

func authenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, &wire.Message{Type: wire.TypeAuth, Token: "tok"})
	if msg := readFrame(t, conn); msg.Type != wire.TypeAuthSuccess {
		t.Fatalf("expected auth_success, got %s", msg.Type)
	}
}

func TestAuth_HappyPath(t *testing.T) {
	var gotToken string
	hooks := Hooks{
		OnAuth: func(token string) (bool, string) {
			gotToken = token
			return true, "user-1"
		},
		GetCapabilities: func() []protocol.Capabilities {
			return []protocol.Capabilities{{AgentName: "claude"}}
		},
		GetSessions: func(ctx context.Context) []protocol.Session {
			return []protocol.Session{{ID: "s1", AgentID: "claude"}}
		},
	}
	_, ts, _ := newTestServer(t, hooks, approval.Config{})
	conn := dialWS(t, ts)

	send(t, conn, &wire.Message{Type: wire.TypeAuth, Token: "secret"})

	success := readFrame(t, conn)
	if success.Type != wire.TypeAuthSuccess {
		t.Fatalf("expected auth_success, got %s", success.Type)
	}
	if len(success.Capabilities) != 1 || success.Capabilities[0].AgentName != "claude" {
		t.Errorf("capabilities = %+v", success.Capabilities)
	}
	if gotToken != "secret" {
		t.Errorf("token passed to OnAuth = %q", gotToken)
	}

	list := readFrame(t, conn)
	if list.Type != wire.TypeSessionsList || len(list.Sessions) != 1 {
		t.Fatalf("expected sessions_list with 1 session, got %+v", list)
	}
}

func TestAuth_InvalidTokenCloses4002(t *testing.T) {
	hooks := Hooks{OnAuth: func(string) (bool, string) { return false, "" }}
	_, ts, _ := newTestServer(t, hooks, approval.Config{})
	conn := dialWS(t, ts)

	send(t, conn, &wire.Message{Type: wire.TypeAuth, Token: "bad"})

	errFrame := readFrame(t, conn)
	if errFrame.Type != wire.TypeAuthError {
		t.Fatalf("expected auth_error, got %s", errFrame.Type)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, wire.CloseAuthFailed) {
		t.Errorf("expected close %d, got %v", wire.CloseAuthFailed, err)
	}
}

func TestAuth_TimeoutCloses4001(t *testing.T) {
	old := authTimeout
	authTimeout = 100 * time.Millisecond
	defer func() { authTimeout = old }()

	_, ts, _ := newTestServer(t, Hooks{}, approval.Config{})
	conn := dialWS(t, ts)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, wire.CloseAuthTimeout) {
		t.Errorf("expected close %d, got %v", wire.CloseAuthTimeout, err)
	}
}

func TestAuth_MessagesBeforeAuthRejected(t *testing.T) {
	hooks := Hooks{OnAuth: func(string) (bool, string) { return true, "" }}
	_, ts, _ := newTestServer(t, hooks, approval.Config{})
	conn := dialWS(t, ts)

	send(t, conn, &wire.Message{Type: wire.TypeSubscribe})

	errFrame := readFrame(t, conn)
	if errFrame.Type != wire.TypeError || errFrame.Code != wire.ErrorNotAuthenticated {
		t.Fatalf("expected NOT_AUTHENTICATED error, got %+v", errFrame)
	}

	// The connection stays usable; auth still works afterwards.
	authenticate(t, conn)
}

func TestPingPong(t *testing.T) {
	hooks := Hooks{OnAuth: func(string) (bool, string) { return true, "" }}
	_, ts, _ := newTestServer(t, hooks, approval.Config{})
	conn := dialWS(t, ts)
	authenticate(t, conn)

	send(t, conn, &wire.Message{Type: wire.TypePing})
	if msg := readFrame(t, conn); msg.Type != wire.TypePong {
		t.Fatalf("expected pong, got %s", msg.Type)
	}
}

func TestSubscribe_ReplaysHistoryThenCompletes(t *testing.T) {
	seq := protocol.NewSequencer()
	e1 := seq.NewEvent("s1", protocol.Event{Type: protocol.EventMessageStart})
	e2 := seq.NewEvent("s1", protocol.Event{Type: protocol.EventMessageComplete})
	hooks := Hooks{
		OnAuth: func(string) (bool, string) { return true, "" },
		GetSessionHistory: func(ctx context.Context, sessionID string) ([]protocol.Event, error) {
			if sessionID != "s1" {
				t.Errorf("history requested for %q", sessionID)
			}
			return []protocol.Event{e1, e2}, nil
		},
	}
	_, ts, _ := newTestServer(t, hooks, approval.Config{})
	conn := dialWS(t, ts)
	authenticate(t, conn)

	send(t, conn, &wire.Message{Type: wire.TypeSubscribe, SessionIDs: []string{"s1"}})

	first := readFrame(t, conn)
	second := readFrame(t, conn)
	complete := readFrame(t, conn)
	if first.Type != wire.TypeACPEvent || first.Event.Seq != 1 {
		t.Errorf("first frame = %+v", first)
	}
	if second.Type != wire.TypeACPEvent || second.Event.Seq != 2 {
		t.Errorf("second frame = %+v", second)
	}
	if complete.Type != wire.TypeHistoryComplete || complete.SessionID != "s1" {
		t.Errorf("expected history_complete for s1, got %+v", complete)
	}
}

func TestSubscribe_HistoryErrorStillCompletes(t *testing.T) {
	hooks := Hooks{
		OnAuth: func(string) (bool, string) { return true, "" },
		OnSubscribe: func(ctx context.Context, sessionID string) error {
			return context.DeadlineExceeded
		},
	}
	_, ts, _ := newTestServer(t, hooks, approval.Config{})
	conn := dialWS(t, ts)
	authenticate(t, conn)

	send(t, conn, &wire.Message{Type: wire.TypeSubscribe, SessionIDs: []string{"gone"}})
	if msg := readFrame(t, conn); msg.Type != wire.TypeHistoryComplete {
		t.Fatalf("expected history_complete despite error, got %s", msg.Type)
	}
}

func TestBroadcastACPEvent_OnlySubscribedClients(t *testing.T) {
	hooks := Hooks{OnAuth: func(string) (bool, string) { return true, "" }}
	_, ts, hub := newTestServer(t, hooks, approval.Config{})

	subscribed := dialWS(t, ts)
	authenticate(t, subscribed)
	send(t, subscribed, &wire.Message{Type: wire.TypeSubscribe, SessionIDs: []string{"s1"}})
	if msg := readFrame(t, subscribed); msg.Type != wire.TypeHistoryComplete {
		t.Fatalf("expected history_complete, got %s", msg.Type)
	}

	other := dialWS(t, ts)
	authenticate(t, other)
	send(t, other, &wire.Message{Type: wire.TypeSubscribe, SessionIDs: []string{"s2"}})
	if msg := readFrame(t, other); msg.Type != wire.TypeHistoryComplete {
		t.Fatalf("expected history_complete, got %s", msg.Type)
	}

	hub.BroadcastEvent("s1", protocol.Event{Type: protocol.EventMessageDelta})

	got := readFrame(t, subscribed)
	if got.Type != wire.TypeACPEvent || got.Event.SessionID != "s1" {
		t.Errorf("subscribed client frame = %+v", got)
	}

	// The other client must not receive s1 events; a ping/pong round trip
	// proves nothing else was queued first.
	send(t, other, &wire.Message{Type: wire.TypePing})
	if msg := readFrame(t, other); msg.Type != wire.TypePong {
		t.Errorf("unsubscribed client received %s, want only pong", msg.Type)
	}
}

func TestSubscribeAll_ReceivesEverySession(t *testing.T) {
	hooks := Hooks{
		OnAuth:      func(string) (bool, string) { return true, "" },
		GetSessions: func(ctx context.Context) []protocol.Session { return nil },
	}
	_, ts, hub := newTestServer(t, hooks, approval.Config{})
	conn := dialWS(t, ts)
	authenticate(t, conn)
	if msg := readFrame(t, conn); msg.Type != wire.TypeSessionsList {
		t.Fatalf("expected sessions_list after auth, got %s", msg.Type)
	}

	send(t, conn, &wire.Message{Type: wire.TypeSubscribe})
	// No sessions yet, so no replay; give the subscription a moment.
	time.Sleep(50 * time.Millisecond)

	hub.BroadcastEvent("brand-new", protocol.Event{Type: protocol.EventMessageDelta})
	got := readFrame(t, conn)
	if got.Type != wire.TypeACPEvent || got.Event.SessionID != "brand-new" {
		t.Errorf("frame = %+v", got)
	}
}

func TestSubscribe_EmptySessionIDsMeansAll(t *testing.T) {
	hooks := Hooks{
		OnAuth:      func(string) (bool, string) { return true, "" },
		GetSessions: func(ctx context.Context) []protocol.Session { return nil },
	}
	_, ts, hub := newTestServer(t, hooks, approval.Config{})
	conn := dialWS(t, ts)
	authenticate(t, conn)
	if msg := readFrame(t, conn); msg.Type != wire.TypeSessionsList {
		t.Fatalf("expected sessions_list after auth, got %s", msg.Type)
	}

	// An explicit empty array subscribes to everything, same as omitting
	// sessionIds.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","sessionIds":[]}`)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	hub.BroadcastEvent("any-session", protocol.Event{Type: protocol.EventMessageDelta})
	got := readFrame(t, conn)
	if got.Type != wire.TypeACPEvent || got.Event.SessionID != "any-session" {
		t.Errorf("frame = %+v", got)
	}
}

func TestSubscribe_LiveEventsHeldUntilReplayFlushed(t *testing.T) {
	seq := protocol.NewSequencer()
	e1 := seq.NewEvent("s1", protocol.Event{Type: protocol.EventMessageStart})
	e2 := seq.NewEvent("s1", protocol.Event{Type: protocol.EventMessageDelta})
	e3 := seq.NewEvent("s1", protocol.Event{Type: protocol.EventMessageComplete})

	fetching := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	hooks := Hooks{
		OnAuth: func(string) (bool, string) { return true, "" },
		GetSessionHistory: func(ctx context.Context, sessionID string) ([]protocol.Event, error) {
			once.Do(func() { close(fetching) })
			<-release
			return []protocol.Event{e1, e2}, nil
		},
	}
	_, ts, hub := newTestServer(t, hooks, approval.Config{})
	conn := dialWS(t, ts)
	authenticate(t, conn)

	send(t, conn, &wire.Message{Type: wire.TypeSubscribe, SessionIDs: []string{"s1"}})
	<-fetching

	// Broadcast while the snapshot fetch is in flight: one event the
	// snapshot already covers and one newer. The replayed events must land
	// first, and the overlapping one only once.
	hub.BroadcastACPEvent(e2)
	hub.BroadcastACPEvent(e3)
	close(release)

	wantSeqs := []int64{1, 2}
	for _, want := range wantSeqs {
		frame := readFrame(t, conn)
		if frame.Type != wire.TypeACPEvent || frame.Event.Seq != want {
			t.Fatalf("frame = %+v, want acp_event seq %d", frame, want)
		}
	}
	if frame := readFrame(t, conn); frame.Type != wire.TypeHistoryComplete {
		t.Fatalf("expected history_complete, got %+v", frame)
	}
	if frame := readFrame(t, conn); frame.Type != wire.TypeACPEvent || frame.Event.Seq != 3 {
		t.Fatalf("expected buffered seq 3 after replay, got %+v", frame)
	}

	// Nothing else queued: the overlapping seq 2 was not delivered twice.
	send(t, conn, &wire.Message{Type: wire.TypePing})
	if msg := readFrame(t, conn); msg.Type != wire.TypePong {
		t.Errorf("received %s, want only pong", msg.Type)
	}
}

func TestUnregister_LateEnqueueIsDropped(t *testing.T) {
	log := logger.Default()
	hub := NewHub(Hooks{}, nil, protocol.NewSequencer(), nil, log)
	c := newClient("c1", nil, hub, log)
	hub.register(c)

	hub.unregister(c)
	// A replay goroutine finishing after the disconnect must hit the closed
	// flag, not a closed channel.
	c.enqueue(&wire.Message{Type: wire.TypeHistoryComplete, SessionID: "s1"})
	c.flushPending("s1", 0)
	hub.unregister(c) // idempotent
}

func TestCommand_RoutedToApprovalsFirst(t *testing.T) {
	commandRouted := false
	hooks := Hooks{
		OnAuth: func(string) (bool, string) { return true, "" },
		OnCommand: func(ctx context.Context, sessionID string, cmd protocol.Command) error {
			commandRouted = true
			return nil
		},
	}
	_, ts, _ := newTestServer(t, hooks, approval.Config{Threshold: protocol.RiskMedium})
	conn := dialWS(t, ts)
	authenticate(t, conn)
	send(t, conn, &wire.Message{Type: wire.TypeSubscribe, SessionIDs: []string{"s1"}})
	if msg := readFrame(t, conn); msg.Type != wire.TypeHistoryComplete {
		t.Fatalf("expected history_complete, got %s", msg.Type)
	}

	// Raise a pending approval through the hook endpoint.
	decisionCh := make(chan string, 1)
	go func() {
		body, _ := json.Marshal(approval.HookInput{
			SessionID: "s1",
			ToolName:  protocol.ToolWrite,
			ToolUseID: "tc1",
			ToolInput: map[string]any{"file_path": "/tmp/foo.ts"},
		})
		resp, err := http.Post(ts.URL+"/api/hooks/approve", "application/json", bytes.NewReader(body))
		if err != nil {
			decisionCh <- "error: " + err.Error()
			return
		}
		defer resp.Body.Close()
		var out map[string]string
		json.NewDecoder(resp.Body).Decode(&out)
		decisionCh <- out["decision"]
	}()

	requested := readFrame(t, conn)
	if requested.Type != wire.TypeACPEvent || requested.Event.Type != protocol.EventApprovalRequested {
		t.Fatalf("expected approval:requested, got %+v", requested)
	}
	if p := requested.Event.Preview; p == nil || p.Type != "description" || p.Text != "Write /tmp/foo.ts" {
		t.Errorf("preview = %+v", requested.Event.Preview)
	}

	send(t, conn, &wire.Message{
		Type:      wire.TypeCommand,
		SessionID: "s1",
		Command: &protocol.Command{
			Command:   protocol.CommandApproveToolCall,
			RequestID: requested.Event.RequestID,
		},
	})

	if d := <-decisionCh; d != "allow" {
		t.Errorf("hook decision = %q, want allow", d)
	}
	resolved := readFrame(t, conn)
	if resolved.Event == nil || resolved.Event.Type != protocol.EventApprovalResolved {
		t.Errorf("expected approval:resolved broadcast, got %+v", resolved)
	}
	if commandRouted {
		t.Error("approval command must not reach OnCommand")
	}
}

func TestCommand_ForwardedWhenNotApproval(t *testing.T) {
	var mu sync.Mutex
	var gotSession string
	hooks := Hooks{
		OnAuth: func(string) (bool, string) { return true, "" },
		OnCommand: func(ctx context.Context, sessionID string, cmd protocol.Command) error {
			mu.Lock()
			gotSession = sessionID
			mu.Unlock()
			return nil
		},
	}
	_, ts, _ := newTestServer(t, hooks, approval.Config{})
	conn := dialWS(t, ts)
	authenticate(t, conn)

	send(t, conn, &wire.Message{
		Type:      wire.TypeCommand,
		SessionID: "s1",
		Command:   &protocol.Command{Command: protocol.CommandSendMessage, Content: "hi"},
	})
	send(t, conn, &wire.Message{Type: wire.TypePing})
	if msg := readFrame(t, conn); msg.Type != wire.TypePong {
		t.Fatalf("got %s", msg.Type)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotSession != "s1" {
		t.Errorf("OnCommand sessionID = %q", gotSession)
	}
}

func TestCommand_MissingFieldsRejected(t *testing.T) {
	hooks := Hooks{OnAuth: func(string) (bool, string) { return true, "" }}
	_, ts, _ := newTestServer(t, hooks, approval.Config{})
	conn := dialWS(t, ts)
	authenticate(t, conn)

	send(t, conn, &wire.Message{Type: wire.TypeCommand})
	errFrame := readFrame(t, conn)
	if errFrame.Type != wire.TypeError || errFrame.Code != wire.ErrorInvalidMessage {
		t.Fatalf("expected INVALID_MESSAGE, got %+v", errFrame)
	}
}

func TestStartSession_RefreshesRoster(t *testing.T) {
	var started bool
	hooks := Hooks{
		OnAuth: func(string) (bool, string) { return true, "" },
		GetSessions: func(ctx context.Context) []protocol.Session {
			if started {
				return []protocol.Session{{ID: "fresh", AgentID: "claude"}}
			}
			return nil
		},
		OnStartSession: func(ctx context.Context, agent, projectPath, prompt string) error {
			started = true
			return nil
		},
	}
	_, ts, _ := newTestServer(t, hooks, approval.Config{})
	conn := dialWS(t, ts)
	authenticate(t, conn)
	if msg := readFrame(t, conn); msg.Type != wire.TypeSessionsList {
		t.Fatalf("expected initial sessions_list, got %s", msg.Type)
	}

	send(t, conn, &wire.Message{
		Type:        wire.TypeStartSession,
		Agent:       "claude",
		ProjectPath: "/tmp/proj",
		Prompt:      "do the thing",
	})

	list := readFrame(t, conn)
	if list.Type != wire.TypeSessionsList || len(list.Sessions) != 1 || list.Sessions[0].ID != "fresh" {
		t.Fatalf("expected refreshed sessions_list, got %+v", list)
	}
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	hooks := Hooks{OnAuth: func(string) (bool, string) { return true, "" }}
	_, ts, _ := newTestServer(t, hooks, approval.Config{})
	conn := dialWS(t, ts)
	authenticate(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)); err != nil {
		t.Fatal(err)
	}
	send(t, conn, &wire.Message{Type: wire.TypePing})
	if msg := readFrame(t, conn); msg.Type != wire.TypePong {
		t.Errorf("unknown frame produced %s, want silent ignore", msg.Type)
	}
}

func TestHookHealth(t *testing.T) {
	_, ts, _ := newTestServer(t, Hooks{}, approval.Config{})

	resp, err := http.Get(ts.URL + "/api/hooks/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		OK      bool `json:"ok"`
		Pending int  `json:"pending"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.OK || out.Pending != 0 {
		t.Errorf("health = %+v", out)
	}
}

func TestHookApprove_Validation(t *testing.T) {
	_, ts, _ := newTestServer(t, Hooks{}, approval.Config{})

	resp, err := http.Post(ts.URL+"/api/hooks/approve", "application/json",
		strings.NewReader(`{"tool_input":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing fields: status = %d, want 400", resp.StatusCode)
	}

	big := strings.Repeat("x", maxHookBodyBytes+1)
	resp, err = http.Post(ts.URL+"/api/hooks/approve", "application/json",
		strings.NewReader(`{"session_id":"s","tool_name":"Bash","tool_input":{"command":"`+big+`"}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: status = %d, want 413", resp.StatusCode)
	}
}

func TestHookApprove_BypassMode(t *testing.T) {
	_, ts, _ := newTestServer(t, Hooks{}, approval.Config{Threshold: protocol.RiskMedium})

	body, _ := json.Marshal(approval.HookInput{
		SessionID:      "s1",
		ToolName:       protocol.ToolBash,
		ToolInput:      map[string]any{"command": "sudo make install"},
		PermissionMode: approval.ModeBypassPermissions,
	})
	resp, err := http.Post(ts.URL+"/api/hooks/approve", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	if out["decision"] != "allow" {
		t.Errorf("decision = %q, want allow", out["decision"])
	}
}

func TestNotFoundRoute(t *testing.T) {
	_, ts, _ := newTestServer(t, Hooks{}, approval.Config{})
	resp, err := http.Get(ts.URL + "/api/unknown")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
