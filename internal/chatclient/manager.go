// Package chatclient is the client-side session manager for the portal
// chat: it owns one websocket per active conversation and keeps a
// locally-reconciled, duplicate-free, time-ordered message list despite
// races between optimistic sends, REST responses and pushed events.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"clientportal/internal/chat"
)

// State is the connection state machine:
// Disconnected -> Connecting -> Connected, back to Disconnected on
// close or error. Connect is safe from any state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

// EntryState tracks how a local message entry was established.
type EntryState int

const (
	// EntryOptimistic entries carry a temp id and await confirmation.
	EntryOptimistic EntryState = iota
	// EntryConfirmed entries were swapped in from the send response.
	EntryConfirmed
	// EntryRemote entries arrived via broadcast only.
	EntryRemote
)

// Entry is one message in the manager's local ordered list.
type Entry struct {
	Message chat.Message
	State   EntryState
	TempID  string // set while optimistic
}

// Backend is the REST surface the manager talks to for sends and resync.
type Backend interface {
	PostMessage(ctx context.Context, roomID, text, nonce string) (*chat.Message, error)
	ListMessages(ctx context.Context, roomID string) ([]chat.Message, error)
}

// Handlers receive manager events. All handlers must be registered
// before Connect is called; events delivered between connection
// establishment and handler attachment would otherwise be lost.
type Handlers struct {
	OnConnected func()
	OnMessages  func(entries []Entry)
	OnTyping    func(senderID, displayName string, isTyping bool)
	OnPresence  func(senderID, displayName string, joined bool)
	OnError     func(err error)
}

var (
	ErrHandlersNotRegistered = errors.New("handlers must be registered before connect")
	ErrNotConnected          = errors.New("not connected")
)

// Manager keeps one outward connection for one active conversation.
type Manager struct {
	backend Backend
	wsBase  string // e.g. ws://host:8080
	log     zerolog.Logger

	senderID    string
	displayName string
	avatarURL   string

	// Typing protocol windows; overridable in tests.
	TypingIdle  time.Duration
	TypingClear time.Duration

	mu       sync.Mutex
	roomID   string
	state    State
	conn     *websocket.Conn
	gen      int // connection generation; stale read loops and dials bail out
	entries  []Entry
	handlers Handlers
	ready    bool // handlers registered

	wmu sync.Mutex // serializes socket writes

	typingTimer *time.Timer            // local idle timer
	peerTimers  map[string]*time.Timer // remote auto-clear timers
	peerNames   map[string]string

	// sendFrame is swappable so tests can capture outbound frames.
	sendFrame func(v any) error
}

func NewManager(backend Backend, wsBase, roomID, senderID, displayName string, log zerolog.Logger) *Manager {
	m := &Manager{
		backend:     backend,
		wsBase:      wsBase,
		roomID:      roomID,
		senderID:    senderID,
		displayName: displayName,
		log:         log.With().Str("room", roomID).Logger(),
		TypingIdle:  1500 * time.Millisecond,
		TypingClear: 3 * time.Second,
		peerTimers:  make(map[string]*time.Timer),
		peerNames:   make(map[string]string),
	}
	m.sendFrame = m.writeFrame
	return m
}

// Register attaches event handlers. It must be called before Connect.
func (m *Manager) Register(h Handlers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = h
	m.ready = true
}

// State reports the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Entries returns a snapshot of the local message list.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Connect dials the room's websocket. Calling it again from any state is
// safe and replaces the prior connection.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if !m.ready {
		m.mu.Unlock()
		return ErrHandlersNotRegistered
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.gen++
	gen := m.gen
	roomID := m.roomID
	m.state = Connecting
	m.mu.Unlock()

	wsURL := fmt.Sprintf("%s/ws/%s?senderId=%s&displayName=%s&avatar=%s",
		m.wsBase, url.PathEscape(roomID),
		url.QueryEscape(m.senderID), url.QueryEscape(m.displayName), url.QueryEscape(m.avatarURL))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		m.mu.Lock()
		if gen == m.gen {
			m.state = Disconnected
		}
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		// A newer Connect raced us; it owns the manager now.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	m.mu.Unlock()

	go m.readLoop(conn, gen)
	return nil
}

// Switch moves the manager to another conversation: the old connection
// is dropped, local state is cleared, and responses still in flight for
// the old room are ignored when they land.
func (m *Manager) Switch(ctx context.Context, roomID string) error {
	m.StopTyping()
	m.mu.Lock()
	m.roomID = roomID
	m.entries = nil
	m.log = m.log.With().Str("room", roomID).Logger()
	m.mu.Unlock()
	return m.Connect(ctx)
}

// Close tears the connection down and returns to Disconnected.
func (m *Manager) Close() {
	m.StopTyping()
	m.mu.Lock()
	m.gen++
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = Disconnected
	m.mu.Unlock()
}

// Send runs the optimistic send protocol: the entry is shown
// immediately under a temp id, then swapped for the canonical message
// from the server, or removed (with the error surfaced) on failure.
func (m *Manager) Send(ctx context.Context, text string) error {
	m.StopTyping()

	tempID := "tmp-" + uuid.NewString()
	nonce := uuid.NewString()

	m.mu.Lock()
	roomID := m.roomID
	m.entries = append(m.entries, Entry{
		State:  EntryOptimistic,
		TempID: tempID,
		Message: chat.Message{
			RoomID:     roomID,
			SenderID:   m.senderID,
			SenderName: m.displayName,
			Text:       text,
			Timestamp:  time.Now().UnixMilli(),
			Nonce:      nonce,
		},
	})
	onMessages := m.handlers.OnMessages
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	if onMessages != nil {
		onMessages(snapshot)
	}

	msg, err := m.backend.PostMessage(ctx, roomID, text, nonce)

	m.mu.Lock()
	if m.roomID != roomID {
		// Stale response: the user switched rooms mid-flight. The old
		// room's entries are gone already; just drop it.
		m.mu.Unlock()
		m.log.Debug().Str("tempId", tempID).Msg("stale send response ignored")
		return nil
	}
	idx := m.indexOfTempLocked(tempID)
	if err != nil {
		if idx >= 0 {
			m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
		}
		onMessages = m.handlers.OnMessages
		snapshot = m.snapshotLocked()
		m.mu.Unlock()
		if onMessages != nil {
			onMessages(snapshot)
		}
		return fmt.Errorf("send failed: %w", err)
	}
	if idx >= 0 {
		m.entries[idx] = Entry{State: EntryConfirmed, Message: *msg}
	}
	// idx < 0 means a resync replaced the list while the send was in
	// flight; the authoritative history already contains the message.
	onMessages = m.handlers.OnMessages
	snapshot = m.snapshotLocked()
	m.mu.Unlock()
	if onMessages != nil {
		onMessages(snapshot)
	}
	return nil
}

// readLoop dispatches pushed events until the connection dies.
func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(gen, err)
			return
		}
		m.dispatch(gen, data)
	}
}

func (m *Manager) handleDisconnect(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = Disconnected
	m.conn = nil
	onError := m.handlers.OnError
	m.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

// resync replaces the local list with the store's authoritative history.
// Optimistic entries that never got confirmed are discarded: those sends
// either failed or will come back in the history.
func (m *Manager) resync(gen int) {
	m.mu.Lock()
	roomID := m.roomID
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msgs, err := m.backend.ListMessages(ctx, roomID)

	m.mu.Lock()
	if gen != m.gen || m.roomID != roomID {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.state = Connected
		onError := m.handlers.OnError
		m.mu.Unlock()
		m.log.Warn().Err(err).Msg("resync failed")
		if onError != nil {
			onError(err)
		}
		return
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		state := EntryRemote
		if msg.SenderID == m.senderID {
			state = EntryConfirmed
		}
		entries = append(entries, Entry{State: state, Message: msg})
	}
	m.entries = entries
	m.state = Connected
	onConnected := m.handlers.OnConnected
	onMessages := m.handlers.OnMessages
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if onConnected != nil {
		onConnected()
	}
	if onMessages != nil {
		onMessages(snapshot)
	}
}

func (m *Manager) dispatch(gen int, data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		m.log.Warn().Err(err).Msg("malformed event dropped")
		return
	}

	switch probe.Type {
	case chat.EventConnected:
		m.resync(gen)

	case chat.EventMessage:
		var ev chat.MessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			m.log.Warn().Err(err).Msg("malformed message event dropped")
			return
		}
		m.handleBroadcast(gen, ev.Message)

	case chat.EventTyping:
		var ev chat.TypingEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		m.handleTyping(ev.SenderID, ev.DisplayName, ev.IsTyping)

	case chat.EventUserJoined, chat.EventUserLeft:
		var ev chat.PresenceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		m.mu.Lock()
		onPresence := m.handlers.OnPresence
		m.mu.Unlock()
		if onPresence != nil {
			onPresence(ev.SenderID, ev.DisplayName, probe.Type == chat.EventUserJoined)
		}

	default:
		m.log.Debug().Str("type", probe.Type).Msg("unknown event ignored")
	}
}

// handleBroadcast reconciles one pushed message into the local list.
func (m *Manager) handleBroadcast(gen int, msg chat.Message) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	appended := m.reconcileLocked(msg)
	onMessages := m.handlers.OnMessages
	var snapshot []Entry
	if appended {
		snapshot = m.snapshotLocked()
	}
	m.mu.Unlock()
	if appended && onMessages != nil {
		onMessages(snapshot)
	}
}

func (m *Manager) indexOfTempLocked(tempID string) int {
	for i, e := range m.entries {
		if e.State == EntryOptimistic && e.TempID == tempID {
			return i
		}
	}
	return -1
}

func (m *Manager) snapshotLocked() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Manager) writeFrame(v any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return conn.WriteJSON(v)
}
