package store

// Conversation represents a synced conversation.
type Conversation struct {
	ID                 string `json:"id"`
	ContactName        string `json:"contactName"`
	Status             string `json:"status"` // active, archived, blocked
	UnreadCount        int    `json:"unreadCount"`
	LastMessageAt      int64  `json:"lastMessageAt"`
	LastMessagePreview string `json:"lastMessagePreview"`
}

// Message represents a synced message with its delivery state.
type Message struct {
	ID             int64  `json:"-"`
	ConversationID string `json:"conversationId"`
	MsgID          string `json:"msgId"`
	Body           string `json:"body"`
	ContentKind    string `json:"contentKind"` // text, image, document
	AttachmentRef  string `json:"attachmentRef,omitempty"`
	FromMe         bool   `json:"fromMe"`
	Status         string `json:"status"` // pending, sending, delivered, failed
	Sequence       int64  `json:"sequence"`
	Timestamp      int64  `json:"timestamp"`
	UpdatedAt      int64  `json:"updatedAt"`
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID             int64  `json:"-"`
	ClientMsgID    string `json:"clientMsgId"`
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
	AttachmentRef  string `json:"attachmentRef,omitempty"`
	Status         string `json:"status"` // queued, sending, sent, failed
	ErrorMessage   string `json:"errorMessage,omitempty"`
	ServerMsgID    string `json:"serverMsgId,omitempty"`
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message `json:"message"`
	Snippet string  `json:"snippet"`
}
