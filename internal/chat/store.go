package chat

import "context"

// Store is the durable message store consumed by the room coordinators
// and the REST surface. PgStore is the production implementation.
type Store interface {
	Ping(ctx context.Context) error

	CreateMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, roomID string) ([]Message, error)
	UpdateRoomSummary(ctx context.Context, roomID, lastMessage string, ts int64) error

	FindOrCreateConversation(ctx context.Context, clientID, title string) (*RoomSummary, error)
	ListConversations(ctx context.Context) ([]RoomSummary, error)
	ResetUnread(ctx context.Context, roomID string) error
}
