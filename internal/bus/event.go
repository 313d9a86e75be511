package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the daemon. Subscribers filter by
// namespace prefix, e.g. "message." or "conn.".
const (
	KindChannelConnected    = "conn.connected"
	KindChannelDisconnected = "conn.disconnected"
	KindChannelUnreachable  = "conn.unreachable"
	KindChannelError        = "conn.error"

	KindMessageUpserted   = "message.upserted"
	KindMessageStatus     = "message.status_changed"
	KindMessageSendFailed = "message.send_failed"

	KindConversationUpdated = "conversation.updated"

	KindSyncStarted   = "sync.started"
	KindSyncCompleted = "sync.completed"
	KindSyncFailed    = "sync.failed"

	KindAlertRaised    = "alert.raised"
	KindAlertCleared   = "alert.cleared"
	KindAlertDismissed = "alert.dismissed"
)
