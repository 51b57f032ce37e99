package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uplinkd/uplink/internal/adapter"
	"github.com/uplinkd/uplink/internal/common/logger"
	"github.com/uplinkd/uplink/internal/events"
	"github.com/uplinkd/uplink/pkg/protocol"
	"github.com/uplinkd/uplink/pkg/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Server ping interval (must be less than pongWait)
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024
)

// authTimeout bounds the auth handshake; a var so tests can shorten it.
var authTimeout = 10 * time.Second

// Client is one WebSocket connection. Until the auth handshake completes it
// can do nothing but authenticate.
type Client struct {
	id     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan *wire.Message
	logger *logger.Logger

	mu            sync.RWMutex
	authenticated bool
	userID        string
	subscribeAll  bool
	subscriptions map[string]bool
	// pendingReplay holds live events per session while that session's
	// history replay is in flight; flushed after history_complete.
	pendingReplay map[string][]protocol.Event
	closed        bool
	closeCode     int

	authTimer *time.Timer
}

func newClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		id:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan *wire.Message, 256),
		subscriptions: make(map[string]bool),
		pendingReplay: make(map[string][]protocol.Event),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

func (c *Client) isAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// isSubscribed reports whether events for the session should reach this
// client: either a subscribe-all or an explicit subscription.
func (c *Client) isSubscribed(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribeAll || c.subscriptions[sessionID]
}

// enqueue queues a frame for delivery. Frames to a closed or slow client are
// dropped silently.
func (c *Client) enqueue(msg *wire.Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("client send buffer full, dropping frame",
			zap.String("type", string(msg.Type)))
	}
}

// closeSend marks the client closed and closes the send channel; writePump
// drains buffered frames, writes the close frame, and tears the socket down.
func (c *Client) closeSend() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
}

func (c *Client) setCloseCode(code int) {
	c.mu.Lock()
	c.closeCode = code
	c.mu.Unlock()
}

// readPump reads frames until the connection drops. Unparseable frames get
// an INVALID_MESSAGE error; unknown frame types are ignored.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.authTimer = time.AfterFunc(authTimeout, func() {
		if c.isAuthenticated() {
			return
		}
		c.logger.Debug("auth timeout")
		c.setCloseCode(wire.CloseAuthTimeout)
		c.hub.unregister(c)
	})
	defer c.authTimer.Stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		msg, err := wire.Parse(data)
		if err != nil {
			c.enqueue(wire.NewError(wire.ErrorInvalidMessage, "invalid message format"))
			continue
		}
		c.handleFrame(ctx, msg)
	}
}

func (c *Client) handleFrame(ctx context.Context, msg *wire.Message) {
	if !c.isAuthenticated() {
		if msg.Type != wire.TypeAuth {
			c.enqueue(wire.NewError(wire.ErrorNotAuthenticated, "authenticate first"))
			return
		}
		c.handleAuth(ctx, msg)
		return
	}

	switch msg.Type {
	case wire.TypePing:
		c.enqueue(&wire.Message{Type: wire.TypePong})
	case wire.TypeSubscribe:
		c.handleSubscribe(ctx, msg)
	case wire.TypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case wire.TypeCommand:
		c.handleCommand(ctx, msg)
	case wire.TypeStartSession:
		c.handleStartSession(ctx, msg)
	case wire.TypeTerminateSession:
		c.handleTerminateSession(ctx, msg)
	default:
		// Unknown (and repeated auth) frames are ignored.
	}
}

func (c *Client) handleAuth(ctx context.Context, msg *wire.Message) {
	valid, userID := true, ""
	if c.hub.hooks.OnAuth != nil {
		valid, userID = c.hub.hooks.OnAuth(msg.Token)
	}
	if !valid {
		c.logger.Debug("authentication failed")
		c.setCloseCode(wire.CloseAuthFailed)
		c.enqueue(&wire.Message{Type: wire.TypeAuthError, Message: "authentication failed"})
		c.hub.unregister(c)
		return
	}

	c.authTimer.Stop()
	c.mu.Lock()
	c.authenticated = true
	c.userID = userID
	c.mu.Unlock()

	var caps []protocol.Capabilities
	if c.hub.hooks.GetCapabilities != nil {
		caps = c.hub.hooks.GetCapabilities()
	}
	if caps == nil {
		caps = []protocol.Capabilities{}
	}
	c.enqueue(&wire.Message{Type: wire.TypeAuthSuccess, Capabilities: caps})

	if c.hub.hooks.GetSessions != nil {
		c.enqueue(wire.NewSessionsList(c.hub.hooks.GetSessions(ctx)))
	}
	if c.hub.hooks.OnClientAuthenticated != nil {
		c.hub.hooks.OnClientAuthenticated(c.id, userID)
	}
	c.hub.notifyClients(events.ClientConnected, c.id)
	c.logger.Info("client authenticated", zap.String("user_id", userID))
}

// handleSubscribe unions the requested ids into the client's subscription
// set. An omitted or empty sessionIds means all sessions. Each newly
// subscribed session gets a concurrent history replay that must not block
// live events for the rest; live events for a session in replay are held in
// pendingReplay so the snapshot lands first.
func (c *Client) handleSubscribe(ctx context.Context, msg *wire.Message) {
	var newIDs []string

	if len(msg.SessionIDs) == 0 {
		var roster []protocol.Session
		if c.hub.hooks.GetSessions != nil {
			roster = c.hub.hooks.GetSessions(ctx)
		}
		c.mu.Lock()
		if !c.subscribeAll {
			c.subscribeAll = true
			for _, s := range roster {
				if c.subscriptions[s.ID] {
					continue
				}
				if _, replaying := c.pendingReplay[s.ID]; replaying {
					continue
				}
				c.pendingReplay[s.ID] = nil
				newIDs = append(newIDs, s.ID)
			}
		}
		c.mu.Unlock()
	} else {
		c.mu.Lock()
		for _, id := range msg.SessionIDs {
			if !c.subscriptions[id] {
				c.subscriptions[id] = true
				c.pendingReplay[id] = nil
				newIDs = append(newIDs, id)
			}
		}
		c.mu.Unlock()
	}

	for _, id := range newIDs {
		go c.replayHistory(ctx, id)
	}
}

func (c *Client) handleUnsubscribe(msg *wire.Message) {
	c.mu.Lock()
	for _, id := range msg.SessionIDs {
		delete(c.subscriptions, id)
	}
	c.mu.Unlock()
}

// replayHistory streams the session's buffered events followed by
// history_complete, then flushes the live events held back in the meantime.
// The completion marker is sent even when the fetch fails so clients can
// stop waiting.
func (c *Client) replayHistory(ctx context.Context, sessionID string) {
	var history []protocol.Event
	attached := true
	if c.hub.hooks.OnSubscribe != nil {
		if err := c.hub.hooks.OnSubscribe(ctx, sessionID); err != nil {
			c.logger.Debug("subscribe hook failed",
				zap.String("session_id", sessionID), zap.Error(err))
			attached = false
		}
	}
	if attached && c.hub.hooks.GetSessionHistory != nil {
		var err error
		history, err = c.hub.hooks.GetSessionHistory(ctx, sessionID)
		if err != nil {
			c.logger.Debug("history fetch failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	var maxSeq int64
	for _, ev := range history {
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
		c.enqueue(wire.NewACPEvent(ev))
	}
	c.enqueue(&wire.Message{Type: wire.TypeHistoryComplete, SessionID: sessionID})
	c.flushPending(sessionID, maxSeq)
}

// deliverEvent routes a live event to the client, holding it back while a
// history replay for its session is in flight.
func (c *Client) deliverEvent(ev protocol.Event) {
	c.mu.Lock()
	if buf, replaying := c.pendingReplay[ev.SessionID]; replaying {
		c.pendingReplay[ev.SessionID] = append(buf, ev)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.enqueue(wire.NewACPEvent(ev))
}

// flushPending reopens the live path for the session and delivers the events
// buffered during replay, skipping any the snapshot already covered. Done
// under the client lock so a concurrent deliverEvent cannot jump the queue.
func (c *Client) flushPending(sessionID string, maxSeq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buffered := c.pendingReplay[sessionID]
	delete(c.pendingReplay, sessionID)
	if c.closed {
		return
	}
	for _, ev := range buffered {
		if ev.Seq <= maxSeq {
			continue
		}
		select {
		case c.send <- wire.NewACPEvent(ev):
		default:
			c.logger.Warn("client send buffer full, dropping frame",
				zap.String("type", string(wire.TypeACPEvent)))
		}
	}
}

func (c *Client) handleCommand(ctx context.Context, msg *wire.Message) {
	if msg.Command == nil || msg.SessionID == "" {
		c.enqueue(wire.NewError(wire.ErrorInvalidMessage, "command requires sessionId and command"))
		return
	}
	cmd := *msg.Command
	cmd.SessionID = msg.SessionID

	if c.hub.approvals != nil && c.hub.approvals.HandleCommand(cmd) {
		return
	}
	if c.hub.hooks.OnCommand == nil {
		return
	}
	if err := c.hub.hooks.OnCommand(ctx, msg.SessionID, cmd); err != nil {
		c.enqueue(wire.NewError(commandErrorCode(err), err.Error()))
	}
}

func (c *Client) handleStartSession(ctx context.Context, msg *wire.Message) {
	if c.hub.hooks.OnStartSession == nil {
		return
	}
	if msg.Agent == "" || msg.ProjectPath == "" {
		c.enqueue(wire.NewError(wire.ErrorInvalidMessage, "start_session requires agent and projectPath"))
		return
	}
	if err := c.hub.hooks.OnStartSession(ctx, msg.Agent, msg.ProjectPath, msg.Prompt); err != nil {
		c.enqueue(wire.NewError(commandErrorCode(err), err.Error()))
		return
	}
	if c.hub.hooks.GetSessions != nil {
		c.hub.BroadcastSessionsList(c.hub.hooks.GetSessions(ctx))
	}
}

func (c *Client) handleTerminateSession(ctx context.Context, msg *wire.Message) {
	if c.hub.hooks.OnTerminateSession == nil || msg.SessionID == "" {
		return
	}
	if err := c.hub.hooks.OnTerminateSession(ctx, msg.SessionID); err != nil {
		c.enqueue(wire.NewError(commandErrorCode(err), err.Error()))
	}
}

func commandErrorCode(err error) string {
	switch {
	case errors.Is(err, adapter.ErrSessionNotFound):
		return wire.ErrorSessionNotFound
	case errors.Is(err, adapter.ErrAgentNotFound):
		return wire.ErrorAgentNotFound
	default:
		return wire.ErrorInternal
	}
}

// writePump delivers queued frames and keeps the connection alive with
// pings. When the send channel closes it flushes what is buffered, writes
// the close frame, and drops the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.mu.RLock()
				code := c.closeCode
				c.mu.RUnlock()
				if code == 0 {
					code = websocket.CloseNormalClosure
				}
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
