// Package adapter defines the contract between the daemon core and agent
// integrations. Each supported agent ships an Adapter that discovers its
// sessions and translates agent output into normalized protocol events.
package adapter

import (
	"context"
	"errors"

	"github.com/uplinkd/uplink/pkg/protocol"
)

// ErrSessionNotFound is returned when a session ID does not resolve to a
// known session.
var ErrSessionNotFound = errors.New("session not found")

// ErrAgentNotFound is returned when no adapter matches the requested agent.
var ErrAgentNotFound = errors.New("agent not found")

// ErrNotRunning is returned for commands that need a live agent process
// behind the session.
var ErrNotRunning = errors.New("session is not running")

// ErrSessionBusy is returned when a new prompt arrives while the agent
// process is still working on the previous one.
var ErrSessionBusy = errors.New("session is busy")

// DiscoveryEventKind classifies a catalogue change.
type DiscoveryEventKind string

const (
	DiscoverySessionCreated DiscoveryEventKind = "session_created"
	DiscoverySessionUpdated DiscoveryEventKind = "session_updated"
	DiscoverySessionRemoved DiscoveryEventKind = "session_removed"
)

// DiscoveryEvent reports a change in the adapter's session catalogue.
type DiscoveryEvent struct {
	Kind    DiscoveryEventKind
	Session protocol.Session
}

// DiscoveryHandler receives catalogue changes. Called from the adapter's
// watch goroutine; handlers must not block.
type DiscoveryHandler func(DiscoveryEvent)

// DataPaths describes where an agent keeps its local state.
type DataPaths struct {
	Root     string // agent home directory
	Projects string // per-project session logs
	Logs     string // diagnostic logs, if separate
}

// StartOptions configures a new live session.
type StartOptions struct {
	ProjectPath    string
	Prompt         string
	Model          string
	PermissionMode string
	AgentOptions   map[string]any
	Env            []string
}

// Adapter integrates one agent family with the daemon.
type Adapter interface {
	// ID is the stable agent identifier (e.g. "claude").
	ID() string

	// Capabilities advertises what this adapter supports.
	Capabilities() protocol.Capabilities

	// IsInstalled reports whether the agent binary is usable on this machine.
	IsInstalled(ctx context.Context) bool

	// Version reports the installed agent version, or "" when unknown.
	Version(ctx context.Context) string

	// DataPaths returns the agent's local data locations.
	DataPaths() DataPaths

	// DiscoverSessions enumerates the agent's known sessions, most recently
	// updated first.
	DiscoverSessions(ctx context.Context) ([]protocol.Session, error)

	// WatchSessions invokes cb on catalogue changes until the returned
	// cancel function is called. Cancel is idempotent.
	WatchSessions(cb DiscoveryHandler) (func(), error)

	// AttachToSession opens a read-only session over an existing agent
	// session. Returns ErrSessionNotFound for unknown IDs.
	AttachToSession(ctx context.Context, sessionID string) (Session, error)

	// StartSession launches a new agent process and returns the live session.
	StartSession(ctx context.Context, opts StartOptions) (Session, error)
}

// EventHandler receives normalized events from a session, in order.
type EventHandler func(protocol.Event)

// Session is an open handle on one agent session, attached or live.
type Session interface {
	// ID returns the session identifier.
	ID() string

	// Capabilities reports what the owning adapter supports.
	Capabilities() protocol.Capabilities

	// OnEvent registers a handler for the session's event stream and returns
	// an unsubscribe function. Multiple handlers may be active; unsubscribe
	// is idempotent.
	OnEvent(handler EventHandler) (unsubscribe func())

	// Execute runs a command against the session.
	Execute(ctx context.Context, cmd protocol.Command) error

	// GetHistory returns a snapshot of buffered events. It waits for the
	// initial read of the session's backing log to finish first.
	GetHistory(ctx context.Context) ([]protocol.Event, error)

	// Refresh forces a re-read of the session's backing state.
	Refresh(ctx context.Context) error

	// Detach stops event delivery and releases the session's resources.
	// Live sessions keep their agent process running.
	Detach() error
}
