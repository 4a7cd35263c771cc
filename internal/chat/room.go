package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"clientportal/internal/metrics"
)

var ErrRoomClosed = errors.New("room coordinator closed")

const persistTimeout = 5 * time.Second

// Draft is a message payload before the coordinator canonicalizes it.
type Draft struct {
	SenderID     string
	SenderName   string
	SenderAvatar string
	Text         string
	Nonce        string
}

type inboundFrame struct {
	sess *Session
	data []byte
}

type submitRequest struct {
	draft Draft
	reply chan submitResult
}

type submitResult struct {
	msg *Message
	err error
}

type relayRequest struct {
	msg             *Message
	excludeSenderID string
}

// Room is the single-writer coordinator for one conversation. Its run
// loop is the only goroutine that touches the session set, and every
// mutation - join, leave, socket frame, REST relay - enters through it.
// Rooms are independent; there is no cross-room state.
type Room struct {
	ID string

	store Store
	log   zerolog.Logger

	sessions map[*Session]bool

	register   chan *Session
	unregister chan *Session
	frames     chan inboundFrame
	submits    chan submitRequest
	relays     chan relayRequest

	idleEvict time.Duration
	onEvict   func(*Room)

	// mu guards closed and pending only. pending counts enqueues that
	// have been reserved but not yet received by the run loop, so idle
	// eviction cannot race an in-flight send.
	mu      sync.Mutex
	closed  bool
	pending int
}

func newRoom(id string, store Store, log zerolog.Logger, idleEvict time.Duration, onEvict func(*Room)) *Room {
	return &Room{
		ID:         id,
		store:      store,
		log:        log.With().Str("room", id).Logger(),
		sessions:   make(map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		frames:     make(chan inboundFrame),
		submits:    make(chan submitRequest),
		relays:     make(chan relayRequest),
		idleEvict:  idleEvict,
		onEvict:    onEvict,
	}
}

func (r *Room) reserve() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.pending++
	return true
}

func (r *Room) release() {
	r.mu.Lock()
	r.pending--
	r.mu.Unlock()
}

// join registers the session with the coordinator. It returns false if
// the room was already evicted; the caller should grab a fresh one.
func (r *Room) join(s *Session) bool {
	if !r.reserve() {
		return false
	}
	r.register <- s
	return true
}

func (r *Room) leave(s *Session) {
	if !r.reserve() {
		return
	}
	r.unregister <- s
}

// forward hands a raw socket frame to the run loop.
func (r *Room) forward(s *Session, data []byte) bool {
	if !r.reserve() {
		return false
	}
	r.frames <- inboundFrame{sess: s, data: data}
	return true
}

// Submit persists a REST-originated message through the serialized room
// path and fans it out to live sessions, excluding the sender's own.
func (r *Room) Submit(ctx context.Context, draft Draft) (*Message, error) {
	if !r.reserve() {
		return nil, ErrRoomClosed
	}
	reply := make(chan submitResult, 1)
	r.submits <- submitRequest{draft: draft, reply: reply}

	select {
	case res := <-reply:
		return res.msg, res.err
	case <-ctx.Done():
		// The write itself still completes inside the run loop.
		return nil, ctx.Err()
	}
}

// Relay broadcasts an already-persisted message to live sessions through
// the same serialized path, preserving per-room ordering.
func (r *Room) Relay(msg *Message, excludeSenderID string) error {
	if !r.reserve() {
		return ErrRoomClosed
	}
	r.relays <- relayRequest{msg: msg, excludeSenderID: excludeSenderID}
	return nil
}

// run is the coordinator loop. It is the only goroutine that reads or
// writes r.sessions, which makes the set single-writer by construction.
func (r *Room) run() {
	idle := time.NewTimer(r.idleEvict)
	defer idle.Stop()

	for {
		select {
		case s := <-r.register:
			r.release()
			r.sessions[s] = true
			metrics.ActiveSessions.Inc()

			ack, _ := json.Marshal(ConnectedEvent{Type: EventConnected, RoomID: r.ID, SenderID: s.SenderID})
			r.deliver(s, ack)

			joined, _ := json.Marshal(PresenceEvent{
				Type:        EventUserJoined,
				SenderID:    s.SenderID,
				DisplayName: s.DisplayName,
				Timestamp:   time.Now().UnixMilli(),
			})
			r.broadcast(joined, s)

		case s := <-r.unregister:
			r.release()
			if _, ok := r.sessions[s]; !ok {
				break
			}
			delete(r.sessions, s)
			close(s.send)
			metrics.ActiveSessions.Dec()

			left, _ := json.Marshal(PresenceEvent{
				Type:        EventUserLeft,
				SenderID:    s.SenderID,
				DisplayName: s.DisplayName,
				Timestamp:   time.Now().UnixMilli(),
			})
			r.broadcast(left, nil)

		case in := <-r.frames:
			r.release()
			r.handleFrame(in.sess, in.data)

		case req := <-r.submits:
			r.release()
			msg, err := r.persistAndBroadcast(req.draft, nil)
			req.reply <- submitResult{msg: msg, err: err}

		case req := <-r.relays:
			r.release()
			payload, _ := json.Marshal(MessageEvent{Type: EventMessage, Message: *req.msg})
			r.broadcastExceptSender(payload, req.excludeSenderID)

		case <-idle.C:
			r.mu.Lock()
			if r.pending == 0 && len(r.sessions) == 0 {
				r.closed = true
				r.mu.Unlock()
				r.onEvict(r)
				return
			}
			r.mu.Unlock()
			idle.Reset(r.idleEvict)
		}
	}
}

// handleFrame parses one inbound socket frame. Malformed or unknown
// frames are logged and dropped; they never crash the coordinator.
func (r *Room) handleFrame(s *Session, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		metrics.DroppedFrames.WithLabelValues("malformed").Inc()
		r.log.Warn().Err(err).Str("sender", s.SenderID).Msg("malformed frame dropped")
		return
	}

	switch f.Type {
	case EventMessage:
		if strings.TrimSpace(f.Text) == "" {
			metrics.DroppedFrames.WithLabelValues("malformed").Inc()
			return
		}
		draft := Draft{
			SenderID:     s.SenderID,
			SenderName:   s.DisplayName,
			SenderAvatar: s.AvatarURL,
			Text:         f.Text,
			Nonce:        f.Nonce,
		}
		// Socket senders get no error frame on persistence failure;
		// the drop is logged and counted inside persistAndBroadcast.
		r.persistAndBroadcast(draft, s)

	case EventTyping:
		payload, _ := json.Marshal(TypingEvent{
			Type:        EventTyping,
			SenderID:    s.SenderID,
			DisplayName: s.DisplayName,
			IsTyping:    f.IsTyping,
		})
		r.broadcast(payload, s)

	default:
		metrics.DroppedFrames.WithLabelValues("unknown_type").Inc()
		r.log.Warn().Str("type", f.Type).Str("sender", s.SenderID).Msg("unknown frame type dropped")
	}
}

// persistAndBroadcast canonicalizes a draft, stores it durably, updates
// the room summary, then fans it out. The message must be stored before
// any session sees it; a store failure drops it entirely.
func (r *Room) persistAndBroadcast(draft Draft, origin *Session) (*Message, error) {
	msg := &Message{
		ID:           ulid.Make().String(),
		RoomID:       r.ID,
		SenderID:     draft.SenderID,
		Text:         draft.Text,
		Timestamp:    time.Now().UnixMilli(),
		SenderName:   draft.SenderName,
		SenderAvatar: draft.SenderAvatar,
		Nonce:        draft.Nonce,
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	start := time.Now()
	err := r.store.CreateMessage(ctx, msg)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistFailures.Inc()
		metrics.DroppedFrames.WithLabelValues("persist_error").Inc()
		r.log.Error().Err(err).Str("sender", draft.SenderID).Msg("message dropped: store write failed")
		return nil, err
	}
	metrics.MessagesPersisted.Inc()

	if err := r.store.UpdateRoomSummary(ctx, r.ID, msg.Text, msg.Timestamp); err != nil {
		// The message is durable; a stale sidebar is better than a lost fan-out.
		r.log.Warn().Err(err).Msg("room summary update failed")
	}

	payload, _ := json.Marshal(MessageEvent{Type: EventMessage, Message: *msg})
	if origin != nil {
		r.broadcast(payload, origin)
	} else {
		r.broadcastExceptSender(payload, draft.SenderID)
	}
	return msg, nil
}

func (r *Room) broadcast(payload []byte, except *Session) {
	for s := range r.sessions {
		if s == except {
			continue
		}
		r.deliver(s, payload)
	}
}

func (r *Room) broadcastExceptSender(payload []byte, senderID string) {
	for s := range r.sessions {
		if senderID != "" && s.SenderID == senderID {
			continue
		}
		r.deliver(s, payload)
	}
}

// deliver enqueues a payload for one session. A full queue means a dead
// or hopelessly slow consumer: that session alone is pruned, and the
// rest of the broadcast proceeds.
func (r *Room) deliver(s *Session, payload []byte) {
	select {
	case s.send <- payload:
		metrics.BroadcastDeliveries.Inc()
	default:
		delete(r.sessions, s)
		close(s.send)
		metrics.ActiveSessions.Dec()
		metrics.PrunedSessions.Inc()
		r.log.Warn().Str("sender", s.SenderID).Msg("session pruned: send queue full")
	}
}
