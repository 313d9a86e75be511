package gateway

// Wire event kinds pushed by the gateway on the event socket.
const (
	EventStatusUpdated       = "message:statusUpdated"
	EventMessageCreated      = "message:created"
	EventConversationUpdated = "conversation:updated"
)

// StatusUpdate is the payload of a message:statusUpdated event. Sequence is a
// monotonic tag assigned by the gateway; consumers resolve out-of-order
// delivery with it.
type StatusUpdate struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
	Sequence       int64  `json:"sequence"`
	Timestamp      int64  `json:"timestamp"`
}

// MessageRecord is the payload of a message:created event and the message
// shape inside a snapshot.
type MessageRecord struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
	ContentKind    string `json:"contentKind"`
	AttachmentRef  string `json:"attachmentRef,omitempty"`
	FromMe         bool   `json:"fromMe"`
	Status         string `json:"status"`
	Sequence       int64  `json:"sequence"`
	Timestamp      int64  `json:"timestamp"`
}

// ConversationUpdate is the payload of a conversation:updated event and the
// conversation shape inside a snapshot.
type ConversationUpdate struct {
	ConversationID       string `json:"conversationId"`
	ContactName          string `json:"contactName,omitempty"`
	Status               string `json:"status"`
	LastMessagePreview   string `json:"lastMessagePreview,omitempty"`
	LastMessageTimestamp int64  `json:"lastMessageTimestamp,omitempty"`
}

// Snapshot is the full server-side state returned by the snapshot endpoint.
type Snapshot struct {
	Conversations []ConversationUpdate `json:"conversations"`
	Messages      []MessageRecord      `json:"messages"`
	MaxSequence   int64                `json:"maxSequence"`
}

// SendRequest is an outbound send-message request.
type SendRequest struct {
	ConversationID string `json:"conversationId"`
	ClientMsgID    string `json:"clientMsgId"`
	Body           string `json:"body"`
	AttachmentRef  string `json:"attachmentRef,omitempty"`
}

// SendResult is the gateway's synchronous answer to a send request. Delivery
// confirmation arrives later as a statusUpdated event.
type SendResult struct {
	MessageID string `json:"messageId"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}
