package chat

// Message is the canonical, persisted form of a chat message. The id is a
// ULID assigned by the room coordinator, so lexicographic order matches
// persistence order. Timestamp is server receipt time in unix ms.
type Message struct {
	ID           string `json:"id"`
	RoomID       string `json:"roomId"`
	SenderID     string `json:"senderId"`
	Text         string `json:"text"`
	Timestamp    int64  `json:"ts"`
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar,omitempty"`
	Nonce        string `json:"nonce,omitempty"`
}

// RoomSummary is the mutable per-conversation row the dashboard sidebar
// reads: last message, timestamp and unread counter.
type RoomSummary struct {
	RoomID      string `json:"roomId"`
	Title       string `json:"title"`
	ClientID    string `json:"clientId"`
	LastMessage string `json:"lastMessage"`
	LastTS      int64  `json:"lastTs"`
	Unread      int64  `json:"unread"`
}

// Frame is what a session sends over the socket.
type Frame struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
	IsTyping bool   `json:"isTyping,omitempty"`
}

// Wire event types pushed to sessions.
const (
	EventConnected  = "connected"
	EventUserJoined = "user_joined"
	EventMessage    = "message"
	EventTyping     = "typing"
	EventUserLeft   = "user_left"
)

// ConnectedEvent acknowledges a successful join, sent to the new session only.
type ConnectedEvent struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	SenderID string `json:"senderId"`
}

// PresenceEvent announces a join or leave to the other sessions.
type PresenceEvent struct {
	Type        string `json:"type"`
	SenderID    string `json:"senderId"`
	DisplayName string `json:"displayName"`
	Timestamp   int64  `json:"timestamp"`
}

// MessageEvent carries a canonical message to sessions other than the sender.
type MessageEvent struct {
	Type string `json:"type"`
	Message
}

// TypingEvent relays a typing indicator; never persisted.
type TypingEvent struct {
	Type        string `json:"type"`
	SenderID    string `json:"senderId"`
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}
