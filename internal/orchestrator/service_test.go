package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/uplinkd/uplink/internal/adapter"
	"github.com/uplinkd/uplink/internal/common/logger"
	"github.com/uplinkd/uplink/pkg/protocol"
)

type fakeSession struct {
	mu       sync.Mutex
	id       string
	history  []protocol.Event
	handlers []adapter.EventHandler
	executed []protocol.Command
	detached bool
}

func (f *fakeSession) ID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (f *fakeSession) setID(id string) {
	f.mu.Lock()
	f.id = id
	f.mu.Unlock()
}

func (f *fakeSession) Capabilities() protocol.Capabilities { return protocol.Capabilities{} }

func (f *fakeSession) OnEvent(h adapter.EventHandler) func() {
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeSession) emit(ev protocol.Event) {
	f.mu.Lock()
	handlers := append([]adapter.EventHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (f *fakeSession) Execute(ctx context.Context, cmd protocol.Command) error {
	f.mu.Lock()
	f.executed = append(f.executed, cmd)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) GetHistory(ctx context.Context) ([]protocol.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Event(nil), f.history...), nil
}

func (f *fakeSession) Refresh(ctx context.Context) error { return nil }

func (f *fakeSession) Detach() error {
	f.mu.Lock()
	f.detached = true
	f.mu.Unlock()
	return nil
}

type fakeAgent struct {
	mu        sync.Mutex
	id        string
	installed bool
	sessions  []protocol.Session
	open      map[string]*fakeSession
	attaches  int
	started   []adapter.StartOptions
	startSess *fakeSession
	watchCB   adapter.DiscoveryHandler
	cancelled bool
}

func newFakeAgent(id string) *fakeAgent {
	return &fakeAgent{id: id, installed: true, open: make(map[string]*fakeSession)}
}

func (f *fakeAgent) ID() string { return f.id }
func (f *fakeAgent) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{AgentName: f.id}
}
func (f *fakeAgent) IsInstalled(ctx context.Context) bool { return f.installed }
func (f *fakeAgent) Version(ctx context.Context) string   { return "1.0.0" }
func (f *fakeAgent) DataPaths() adapter.DataPaths         { return adapter.DataPaths{} }

func (f *fakeAgent) DiscoverSessions(ctx context.Context) ([]protocol.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Session(nil), f.sessions...), nil
}

func (f *fakeAgent) WatchSessions(cb adapter.DiscoveryHandler) (func(), error) {
	f.mu.Lock()
	f.watchCB = cb
	f.mu.Unlock()
	return func() { f.mu.Lock(); f.cancelled = true; f.mu.Unlock() }, nil
}

func (f *fakeAgent) fireDiscovery(ev adapter.DiscoveryEvent) {
	f.mu.Lock()
	cb := f.watchCB
	f.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (f *fakeAgent) AttachToSession(ctx context.Context, sessionID string) (adapter.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attaches++
	sess, ok := f.open[sessionID]
	if !ok {
		return nil, adapter.ErrSessionNotFound
	}
	return sess, nil
}

func (f *fakeAgent) StartSession(ctx context.Context, opts adapter.StartOptions) (adapter.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, opts)
	if f.startSess == nil {
		return nil, errors.New("no session configured")
	}
	return f.startSess, nil
}

type fakeHub struct {
	mu     sync.Mutex
	events []protocol.Event
	lists  [][]protocol.Session
}

func (f *fakeHub) BroadcastACPEvent(ev protocol.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeHub) BroadcastSessionsList(sessions []protocol.Session) {
	f.mu.Lock()
	f.lists = append(f.lists, sessions)
	f.mu.Unlock()
}

func newTestService(t *testing.T, agents ...*fakeAgent) (*Service, *fakeHub) {
	t.Helper()
	reg := adapter.NewRegistry()
	for _, a := range agents {
		reg.Register(a)
	}
	svc := NewService(Config{}, reg, nil, logger.Default())
	hub := &fakeHub{}
	svc.SetBroadcaster(hub)
	t.Cleanup(svc.Stop)
	return svc, hub
}

func TestStart_SeedsCatalogueAndWatches(t *testing.T) {
	agent := newFakeAgent("claude")
	now := time.Now()
	agent.sessions = []protocol.Session{
		{ID: "old", AgentID: "claude", LastActivity: protocol.Timestamp(now.Add(-time.Hour))},
		{ID: "new", AgentID: "claude", LastActivity: protocol.Timestamp(now)},
	}
	svc, _ := newTestService(t, agent)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	sessions := svc.Sessions(context.Background())
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != "new" || sessions[1].ID != "old" {
		t.Errorf("order = %s, %s; want newest first", sessions[0].ID, sessions[1].ID)
	}
	if agent.watchCB == nil {
		t.Error("WatchSessions was not called")
	}
}

func TestStart_SkipsUninstalledAgents(t *testing.T) {
	agent := newFakeAgent("claude")
	agent.installed = false
	agent.sessions = []protocol.Session{{ID: "s1"}}
	svc, _ := newTestService(t, agent)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := svc.Sessions(context.Background()); len(got) != 0 {
		t.Errorf("got %d sessions from uninstalled agent", len(got))
	}
	if agent.watchCB != nil {
		t.Error("uninstalled agent should not be watched")
	}
}

func TestDiscovery_UpsertBroadcastsRoster(t *testing.T) {
	agent := newFakeAgent("claude")
	svc, hub := newTestService(t, agent)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	agent.fireDiscovery(adapter.DiscoveryEvent{
		Kind:    adapter.DiscoverySessionCreated,
		Session: protocol.Session{ID: "s1", Name: "fix the tests"},
	})

	sessions := svc.Sessions(context.Background())
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Fatalf("catalogue = %+v", sessions)
	}
	if sessions[0].AgentID != "claude" {
		t.Errorf("agent ID not stamped: %+v", sessions[0])
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.lists) != 1 {
		t.Fatalf("got %d roster broadcasts, want 1", len(hub.lists))
	}
}

func TestDiscovery_RemovedDropsAndDetaches(t *testing.T) {
	agent := newFakeAgent("claude")
	sess := &fakeSession{id: "s1"}
	agent.open["s1"] = sess
	agent.sessions = []protocol.Session{{ID: "s1", AgentID: "claude"}}
	svc, _ := newTestService(t, agent)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := svc.subscribe(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	agent.fireDiscovery(adapter.DiscoveryEvent{
		Kind:    adapter.DiscoverySessionRemoved,
		Session: protocol.Session{ID: "s1"},
	})

	if got := svc.Sessions(context.Background()); len(got) != 0 {
		t.Errorf("catalogue still has %d sessions", len(got))
	}
	sess.mu.Lock()
	detached := sess.detached
	sess.mu.Unlock()
	if !detached {
		t.Error("removed session was not detached")
	}
}

func TestSubscribe_AttachIsIdempotent(t *testing.T) {
	agent := newFakeAgent("claude")
	agent.open["s1"] = &fakeSession{id: "s1"}
	agent.sessions = []protocol.Session{{ID: "s1", AgentID: "claude"}}
	svc, _ := newTestService(t, agent)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := svc.subscribe(context.Background(), "s1"); err != nil {
			t.Fatal(err)
		}
	}

	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.attaches != 1 {
		t.Errorf("AttachToSession called %d times, want 1", agent.attaches)
	}
}

func TestSubscribe_UnknownSession(t *testing.T) {
	agent := newFakeAgent("claude")
	svc, _ := newTestService(t, agent)

	err := svc.subscribe(context.Background(), "nope")
	if !errors.Is(err, adapter.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestAttachedSession_EventsReachHub(t *testing.T) {
	agent := newFakeAgent("claude")
	sess := &fakeSession{id: "s1"}
	agent.open["s1"] = sess
	svc, hub := newTestService(t, agent)

	if err := svc.subscribe(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	sess.emit(protocol.Event{Seq: 1, SessionID: "s1", Type: protocol.EventMessageDelta})

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.events) != 1 || hub.events[0].SessionID != "s1" {
		t.Errorf("hub events = %+v", hub.events)
	}
}

func TestSessionHistory_DelegatesToSession(t *testing.T) {
	agent := newFakeAgent("claude")
	agent.open["s1"] = &fakeSession{
		id:      "s1",
		history: []protocol.Event{{Seq: 1}, {Seq: 2}},
	}
	svc, _ := newTestService(t, agent)

	got, err := svc.sessionHistory(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Seq != 2 {
		t.Errorf("history = %+v", got)
	}
}

func TestCommand_RoutedToSession(t *testing.T) {
	agent := newFakeAgent("claude")
	sess := &fakeSession{id: "s1"}
	agent.open["s1"] = sess
	svc, _ := newTestService(t, agent)

	cmd := protocol.Command{Command: protocol.CommandSendMessage, Content: "hello"}
	if err := svc.command(context.Background(), "s1", cmd); err != nil {
		t.Fatal(err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.executed) != 1 || sess.executed[0].Content != "hello" {
		t.Errorf("executed = %+v", sess.executed)
	}
}

func TestStartSession_UnknownAgent(t *testing.T) {
	svc, _ := newTestService(t, newFakeAgent("claude"))

	err := svc.StartSession(context.Background(), "mystery", "/tmp/p", "hi")
	if !errors.Is(err, adapter.ErrAgentNotFound) {
		t.Errorf("err = %v, want ErrAgentNotFound", err)
	}
}

func TestStartSession_RegistersLiveSession(t *testing.T) {
	agent := newFakeAgent("claude")
	live := &fakeSession{id: "prov-1"}
	agent.startSess = live
	svc, hub := newTestService(t, agent)

	if err := svc.StartSession(context.Background(), "claude", "/tmp/proj", "build it"); err != nil {
		t.Fatal(err)
	}

	agent.mu.Lock()
	if len(agent.started) != 1 || agent.started[0].Prompt != "build it" || agent.started[0].ProjectPath != "/tmp/proj" {
		t.Errorf("start options = %+v", agent.started)
	}
	agent.mu.Unlock()

	sessions := svc.Sessions(context.Background())
	if len(sessions) != 1 || !sessions[0].Live || sessions[0].Status != protocol.StatusStarting {
		t.Fatalf("catalogue = %+v", sessions)
	}

	live.emit(protocol.Event{Seq: 1, SessionID: "prov-1"})
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.events) != 1 {
		t.Errorf("live session events not forwarded: %d", len(hub.events))
	}
}

func TestSessions_RekeysLiveSessionAfterAgentReportsID(t *testing.T) {
	agent := newFakeAgent("claude")
	live := &fakeSession{id: "prov-1"}
	agent.startSess = live
	svc, _ := newTestService(t, agent)

	if err := svc.StartSession(context.Background(), "claude", "/tmp/proj", "go"); err != nil {
		t.Fatal(err)
	}
	live.setID("real-id")

	sessions := svc.Sessions(context.Background())
	if len(sessions) != 1 || sessions[0].ID != "real-id" {
		t.Fatalf("catalogue after rekey = %+v", sessions)
	}
	// Commands addressed to the new ID reach the same session.
	if err := svc.command(context.Background(), "real-id", protocol.Command{Command: protocol.CommandCancel}); err != nil {
		t.Fatal(err)
	}
	live.mu.Lock()
	defer live.mu.Unlock()
	if len(live.executed) != 1 {
		t.Errorf("executed = %+v", live.executed)
	}
}

func TestTerminateSession_SendsTerminateCommand(t *testing.T) {
	agent := newFakeAgent("claude")
	sess := &fakeSession{id: "s1"}
	agent.open["s1"] = sess
	svc, _ := newTestService(t, agent)

	if err := svc.terminateSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.executed) != 1 || sess.executed[0].Command != protocol.CommandTerminate {
		t.Errorf("executed = %+v", sess.executed)
	}
}

func TestAuthenticate(t *testing.T) {
	reg := adapter.NewRegistry()
	open := NewService(Config{}, reg, nil, logger.Default())
	if ok, user := open.authenticate("anything"); !ok || user != "local" {
		t.Errorf("open daemon rejected token: ok=%v user=%q", ok, user)
	}

	locked := NewService(Config{Token: "s3cret"}, reg, nil, logger.Default())
	if ok, _ := locked.authenticate("s3cret"); !ok {
		t.Error("valid token rejected")
	}
	if ok, _ := locked.authenticate("wrong"); ok {
		t.Error("invalid token accepted")
	}
}

func TestCapabilities_OnlyInstalledAgents(t *testing.T) {
	installed := newFakeAgent("claude")
	missing := newFakeAgent("ghost")
	missing.installed = false
	svc, _ := newTestService(t, installed, missing)

	caps := svc.capabilities()
	if len(caps) != 1 || caps[0].AgentName != "claude" {
		t.Errorf("capabilities = %+v", caps)
	}
}

func TestStop_CancelsWatchersAndDetaches(t *testing.T) {
	agent := newFakeAgent("claude")
	sess := &fakeSession{id: "s1"}
	agent.open["s1"] = sess
	svc, _ := newTestService(t, agent)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := svc.subscribe(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	svc.Stop()

	agent.mu.Lock()
	cancelled := agent.cancelled
	agent.mu.Unlock()
	if !cancelled {
		t.Error("watcher not cancelled")
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.detached {
		t.Error("session not detached on stop")
	}
}
