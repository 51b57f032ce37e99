// Package orchestrator maintains the session catalogue across all installed
// agent adapters and bridges adapter event streams into the WebSocket hub.
// It owns the lazy attach lifecycle: sessions are only opened when a client
// subscribes to them.
package orchestrator

import (
	"context"
	"crypto/subtle"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/uplinkd/uplink/internal/adapter"
	"github.com/uplinkd/uplink/internal/common/logger"
	"github.com/uplinkd/uplink/internal/events"
	"github.com/uplinkd/uplink/internal/events/bus"
	"github.com/uplinkd/uplink/internal/server"
	"github.com/uplinkd/uplink/pkg/protocol"
)

// Broadcaster is the hub surface the orchestrator pushes into.
type Broadcaster interface {
	BroadcastACPEvent(ev protocol.Event)
	BroadcastSessionsList(sessions []protocol.Session)
}

// Config tunes the orchestrator.
type Config struct {
	// Token authenticates WebSocket clients. Empty accepts any token.
	Token string
}

// attachedSession pairs an open adapter session with its event
// subscription so Detach can tear both down.
type attachedSession struct {
	session adapter.Session
	unsub   func()
	live    bool
}

// Service wires adapters, the catalogue, and the hub together.
type Service struct {
	cfg      Config
	registry *adapter.Registry
	eventBus bus.EventBus
	logger   *logger.Logger

	mu        sync.RWMutex
	catalogue map[string]protocol.Session
	attached  map[string]*attachedSession
	cancels   []func()

	broadcaster Broadcaster
}

// NewService builds the orchestrator. eventBus is optional.
func NewService(cfg Config, registry *adapter.Registry, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		cfg:       cfg,
		registry:  registry,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
		catalogue: make(map[string]protocol.Session),
		attached:  make(map[string]*attachedSession),
	}
}

// SetBroadcaster binds the hub. Must be called before Start.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// Start seeds the catalogue from every installed adapter and begins
// watching for catalogue changes.
func (s *Service) Start(ctx context.Context) error {
	for _, a := range s.registry.List() {
		if !a.IsInstalled(ctx) {
			s.logger.Info("agent not installed, skipping", zap.String("agent", a.ID()))
			continue
		}

		sessions, err := a.DiscoverSessions(ctx)
		if err != nil {
			s.logger.Warn("session discovery failed",
				zap.String("agent", a.ID()),
				zap.Error(err))
		}
		s.mu.Lock()
		for _, sess := range sessions {
			s.catalogue[sess.ID] = sess
		}
		s.mu.Unlock()

		agentID := a.ID()
		cancel, err := a.WatchSessions(func(ev adapter.DiscoveryEvent) {
			s.handleDiscovery(agentID, ev)
		})
		if err != nil {
			s.logger.Warn("session watch failed",
				zap.String("agent", agentID),
				zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.cancels = append(s.cancels, cancel)
		s.mu.Unlock()

		s.logger.Info("watching agent sessions",
			zap.String("agent", agentID),
			zap.Int("sessions", len(sessions)))
	}
	return nil
}

// Stop cancels the watchers and detaches every open session. Live agent
// processes keep running.
func (s *Service) Stop() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	open := make([]*attachedSession, 0, len(s.attached))
	for _, at := range s.attached {
		open = append(open, at)
	}
	s.attached = make(map[string]*attachedSession)
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, at := range open {
		at.unsub()
		if err := at.session.Detach(); err != nil {
			s.logger.Warn("detach failed",
				zap.String("session_id", at.session.ID()),
				zap.Error(err))
		}
	}
}

// handleDiscovery applies one catalogue change and notifies clients.
func (s *Service) handleDiscovery(agentID string, ev adapter.DiscoveryEvent) {
	var orphan *attachedSession
	s.mu.Lock()
	switch ev.Kind {
	case adapter.DiscoverySessionRemoved:
		delete(s.catalogue, ev.Session.ID)
		if at, ok := s.attached[ev.Session.ID]; ok && !at.live {
			delete(s.attached, ev.Session.ID)
			orphan = at
		}
	default:
		sess := ev.Session
		sess.AgentID = agentID
		if at, ok := s.attached[sess.ID]; ok {
			sess.Live = at.live
		}
		s.catalogue[sess.ID] = sess
	}
	s.mu.Unlock()

	if orphan != nil {
		orphan.unsub()
		orphan.session.Detach()
	}

	s.broadcastSessions(context.Background())
	s.publishSessionsChanged(ev)
}

func (s *Service) publishSessionsChanged(ev adapter.DiscoveryEvent) {
	if s.eventBus == nil {
		return
	}
	eventType := events.SessionUpdated
	switch ev.Kind {
	case adapter.DiscoverySessionCreated:
		eventType = events.SessionCreated
	case adapter.DiscoverySessionRemoved:
		eventType = events.SessionRemoved
	}
	busEvent := bus.NewEvent(eventType, events.Source, map[string]any{
		"session_id": ev.Session.ID,
		"agent_id":   ev.Session.AgentID,
	})
	if err := s.eventBus.Publish(context.Background(), events.SubjectSessionsChanged, busEvent); err != nil {
		s.logger.Debug("bus publish failed", zap.Error(err))
	}
}

func (s *Service) broadcastSessions(ctx context.Context) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.BroadcastSessionsList(s.Sessions(ctx))
}

// Sessions returns the catalogue, most recently active first.
func (s *Service) Sessions(ctx context.Context) []protocol.Session {
	s.rekeyLiveSessions()

	s.mu.RLock()
	out := make([]protocol.Session, 0, len(s.catalogue))
	for _, sess := range s.catalogue {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	// LastActivity is an RFC 3339 UTC timestamp with a fixed layout, so
	// lexicographic order is chronological order.
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity != out[j].LastActivity {
			return out[i].LastActivity > out[j].LastActivity
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// rekeyLiveSessions reconciles catalogue keys for live sessions whose
// provisional ID was replaced once the agent reported the real one.
func (s *Service) rekeyLiveSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, at := range s.attached {
		actual := at.session.ID()
		if actual == key {
			continue
		}
		delete(s.attached, key)
		s.attached[actual] = at
		if sess, ok := s.catalogue[key]; ok {
			delete(s.catalogue, key)
			sess.ID = actual
			if _, exists := s.catalogue[actual]; !exists {
				s.catalogue[actual] = sess
			}
		}
	}
}

// ensureAttached opens the session if it is not already open. Idempotent
// per session ID.
func (s *Service) ensureAttached(ctx context.Context, sessionID string) (adapter.Session, error) {
	s.rekeyLiveSessions()

	s.mu.RLock()
	at, ok := s.attached[sessionID]
	entry, known := s.catalogue[sessionID]
	s.mu.RUnlock()
	if ok {
		return at.session, nil
	}

	var candidates []adapter.Adapter
	if known && entry.AgentID != "" {
		a, ok := s.registry.Get(entry.AgentID)
		if !ok {
			return nil, adapter.ErrAgentNotFound
		}
		candidates = []adapter.Adapter{a}
	} else {
		candidates = s.registry.List()
	}

	for _, a := range candidates {
		sess, err := a.AttachToSession(ctx, sessionID)
		if err != nil {
			continue
		}
		return s.adopt(sessionID, a.ID(), sess, false), nil
	}
	return nil, adapter.ErrSessionNotFound
}

// adopt registers an open session and forwards its event stream into the
// hub. Returns the winning session when another caller attached first.
func (s *Service) adopt(sessionID, agentID string, sess adapter.Session, live bool) adapter.Session {
	s.mu.Lock()
	if existing, ok := s.attached[sessionID]; ok {
		s.mu.Unlock()
		sess.Detach()
		return existing.session
	}
	unsub := sess.OnEvent(func(ev protocol.Event) {
		if s.broadcaster != nil {
			s.broadcaster.BroadcastACPEvent(ev)
		}
	})
	s.attached[sessionID] = &attachedSession{session: sess, unsub: unsub, live: live}
	if entry, ok := s.catalogue[sessionID]; ok {
		entry.Live = live
		s.catalogue[sessionID] = entry
	}
	s.mu.Unlock()
	return sess
}

// Hooks exposes the orchestrator as the hub's callback surface.
func (s *Service) Hooks() server.Hooks {
	return server.Hooks{
		OnAuth:             s.authenticate,
		GetCapabilities:    s.capabilities,
		GetSessions:        s.Sessions,
		OnSubscribe:        s.subscribe,
		GetSessionHistory:  s.sessionHistory,
		OnCommand:          s.command,
		OnStartSession:     s.StartSession,
		OnTerminateSession: s.terminateSession,
	}
}

func (s *Service) authenticate(token string) (bool, string) {
	if s.cfg.Token == "" {
		return true, "local"
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1 {
		return true, "local"
	}
	return false, ""
}

func (s *Service) capabilities() []protocol.Capabilities {
	ctx := context.Background()
	out := make([]protocol.Capabilities, 0)
	for _, a := range s.registry.List() {
		if !a.IsInstalled(ctx) {
			continue
		}
		out = append(out, a.Capabilities())
	}
	return out
}

func (s *Service) subscribe(ctx context.Context, sessionID string) error {
	_, err := s.ensureAttached(ctx, sessionID)
	return err
}

func (s *Service) sessionHistory(ctx context.Context, sessionID string) ([]protocol.Event, error) {
	sess, err := s.ensureAttached(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.GetHistory(ctx)
}

func (s *Service) command(ctx context.Context, sessionID string, cmd protocol.Command) error {
	sess, err := s.ensureAttached(ctx, sessionID)
	if err != nil {
		return err
	}
	return sess.Execute(ctx, cmd)
}

// StartSession launches a new live session on the requested agent and
// registers it in the catalogue.
func (s *Service) StartSession(ctx context.Context, agentID, projectPath, prompt string) error {
	a, ok := s.registry.Get(agentID)
	if !ok {
		return adapter.ErrAgentNotFound
	}

	sess, err := a.StartSession(ctx, adapter.StartOptions{
		ProjectPath: projectPath,
		Prompt:      prompt,
	})
	if err != nil {
		return err
	}

	id := sess.ID()
	s.mu.Lock()
	s.catalogue[id] = protocol.Session{
		ID:          id,
		AgentID:     agentID,
		ProjectPath: projectPath,
		Status:      protocol.StatusStarting,
		Live:        true,
	}
	s.mu.Unlock()
	s.adopt(id, agentID, sess, true)

	s.publishSessionsChanged(adapter.DiscoveryEvent{
		Kind:    adapter.DiscoverySessionCreated,
		Session: protocol.Session{ID: id, AgentID: agentID},
	})
	s.logger.Info("started session",
		zap.String("agent", agentID),
		zap.String("session_id", id),
		zap.String("project_path", projectPath))
	return nil
}

func (s *Service) terminateSession(ctx context.Context, sessionID string) error {
	sess, err := s.ensureAttached(ctx, sessionID)
	if err != nil {
		return err
	}
	return sess.Execute(ctx, protocol.Command{
		Command:   protocol.CommandTerminate,
		SessionID: sessionID,
	})
}
