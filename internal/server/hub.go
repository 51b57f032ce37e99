// Package server exposes the daemon's WebSocket endpoint for remote clients
// and the HTTP endpoints the agent permission hook calls. Both share one
// listener.
package server

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/uplinkd/uplink/internal/common/logger"
	"github.com/uplinkd/uplink/internal/events"
	"github.com/uplinkd/uplink/internal/events/bus"
	"github.com/uplinkd/uplink/pkg/protocol"
	"github.com/uplinkd/uplink/pkg/wire"
)

// Hooks are the orchestrator callbacks the transport invokes. Nil hooks
// disable the corresponding feature.
type Hooks struct {
	// OnAuth validates a client token.
	OnAuth func(token string) (valid bool, userID string)
	// GetCapabilities lists installed adapter capabilities for auth_success.
	GetCapabilities func() []protocol.Capabilities
	// GetSessions returns the current session roster.
	GetSessions func(ctx context.Context) []protocol.Session
	// OnClientAuthenticated is notified after a successful handshake.
	OnClientAuthenticated func(clientID, userID string)
	// OnSubscribe prepares a session for streaming (lazy attach).
	OnSubscribe func(ctx context.Context, sessionID string) error
	// GetSessionHistory returns buffered events for replay.
	GetSessionHistory func(ctx context.Context, sessionID string) ([]protocol.Event, error)
	// OnCommand routes a non-approval command to its session.
	OnCommand func(ctx context.Context, sessionID string, cmd protocol.Command) error
	// OnStartSession launches a new agent session.
	OnStartSession func(ctx context.Context, agent, projectPath, prompt string) error
	// OnTerminateSession stops a session's agent process.
	OnTerminateSession func(ctx context.Context, sessionID string) error
}

// ApprovalRouter intercepts approve/deny commands before session routing.
type ApprovalRouter interface {
	HandleCommand(cmd protocol.Command) bool
}

// Hub tracks connected clients and fans events out to subscribers.
type Hub struct {
	hooks     Hooks
	approvals ApprovalRouter
	seq       *protocol.Sequencer
	bus       bus.EventBus
	logger    *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub builds the hub. approvals and eventBus are optional.
func NewHub(hooks Hooks, approvals ApprovalRouter, seq *protocol.Sequencer, eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		hooks:     hooks,
		approvals: approvals,
		seq:       seq,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "ws_hub")),
		clients:   make(map[*Client]bool),
	}
}

// SetApprovals binds the approval router. The hub and the approval manager
// reference each other, so one side has to be bound after construction.
func (h *Hub) SetApprovals(a ApprovalRouter) {
	h.approvals = a
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("client_id", c.id))
}

// unregister drops the client and closes its send side via closeSend, so a
// late enqueue from a replay goroutine lands on the closed flag instead of a
// closed channel.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.closeSend()
	h.logger.Debug("client disconnected", zap.String("client_id", c.id))
	h.notifyClients(events.ClientDisconnected, c.id)
}

// ClientCount reports authenticated clients; the approval manager uses it to
// decide whether anyone can review a request.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.isAuthenticated() {
			n++
		}
	}
	return n
}

// BroadcastACPEvent delivers an already-stamped event to every authenticated
// client subscribed to its session. Clients mid-replay for the session buffer
// the event until their snapshot is flushed; closed clients are skipped
// silently.
func (h *Hub) BroadcastACPEvent(ev protocol.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.isAuthenticated() && c.isSubscribed(ev.SessionID) {
			c.deliverEvent(ev)
		}
	}
}

// BroadcastEvent stamps a partial event for the session and broadcasts it.
// This is the approval manager's path into the stream.
func (h *Hub) BroadcastEvent(sessionID string, partial protocol.Event) {
	h.BroadcastACPEvent(h.seq.NewEvent(sessionID, partial))
}

// BroadcastSessionsList pushes the full roster to every authenticated client.
func (h *Hub) BroadcastSessionsList(sessions []protocol.Session) {
	frame := wire.NewSessionsList(sessions)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.isAuthenticated() {
			c.enqueue(frame)
		}
	}
}

// CloseAll disconnects every client; used during shutdown after the approval
// manager has drained its pending requests.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.closeSend()
	}
}

func (h *Hub) notifyClients(eventType, clientID string) {
	if h.bus == nil {
		return
	}
	_ = h.bus.Publish(context.Background(), events.SubjectClientsChanged,
		bus.NewEvent(eventType, events.Source, map[string]any{"clientId": clientID}))
}
