package chat

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum frame size allowed from peer.

	sendQueueSize = 256
)

// Session is one live connection plus its sender identity. It is owned by
// exactly one room coordinator; everything mutable about it (membership,
// the send channel's close) is touched only from that room's run loop.
type Session struct {
	room *Room
	conn *websocket.Conn

	// Buffered channel of outbound frames, consumed by writePump.
	send chan []byte

	SenderID    string
	DisplayName string
	AvatarURL   string
	JoinedAt    time.Time
}

func newSession(room *Room, conn *websocket.Conn, senderID, displayName, avatarURL string) *Session {
	return &Session{
		room:        room,
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
		SenderID:    senderID,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		JoinedAt:    time.Now(),
	}
}

// readPump pumps frames from the websocket into the room coordinator.
func (s *Session) readPump() {
	defer func() {
		s.room.leave(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.room.log.Debug().Err(err).Str("sender", s.SenderID).Msg("socket read error")
			}
			break
		}
		if !s.room.forward(s, data) {
			// Room evicted underneath a pruned session.
			break
		}
	}
}

// writePump pumps frames from the room to the websocket connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The room closed the channel.
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
