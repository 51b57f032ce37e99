// Package events provides notification subjects and event types for the
// daemon's internal bus. The bus carries coarse notifications for sidecar
// observers; the ordered per-session event stream stays in-process.
package events

// Subjects for bus notifications.
const (
	SubjectSessionsChanged   = "uplink.sessions.changed"
	SubjectApprovalsResolved = "uplink.approvals.resolved"
	SubjectClientsChanged    = "uplink.clients.changed"
)

// Event types for the session catalogue.
const (
	SessionCreated = "session.created"
	SessionUpdated = "session.updated"
	SessionRemoved = "session.removed"
)

// Event types for approvals.
const (
	ApprovalResolved = "approval.resolved"
)

// Event types for remote clients.
const (
	ClientConnected    = "client.connected"
	ClientDisconnected = "client.disconnected"
)

// Source identifies this daemon as the event producer.
const Source = "uplinkd"
