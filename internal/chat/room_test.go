package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeStore struct {
	mu          sync.Mutex
	messages    []Message
	failCreate  bool
	summaries   int
	lastSummary string
	unreadReset bool
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CreateMessage(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return errors.New("store down")
	}
	f.messages = append(f.messages, *msg)
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, roomID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.messages {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateRoomSummary(_ context.Context, _ string, lastMessage string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries++
	f.lastSummary = lastMessage
	return nil
}

func (f *fakeStore) FindOrCreateConversation(_ context.Context, clientID, title string) (*RoomSummary, error) {
	return &RoomSummary{RoomID: "room-" + clientID, ClientID: clientID, Title: title}, nil
}

func (f *fakeStore) ListConversations(context.Context) ([]RoomSummary, error) { return nil, nil }

func (f *fakeStore) ResetUnread(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreadReset = true
	return nil
}

func (f *fakeStore) stored() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.messages))
	copy(out, f.messages)
	return out
}

func newTestRoom(store Store) *Room {
	r := newRoom("room1", store, zerolog.Nop(), time.Hour, func(*Room) {})
	go r.run()
	return r
}

func newTestSession(senderID, displayName string) *Session {
	return &Session{
		send:        make(chan []byte, sendQueueSize),
		SenderID:    senderID,
		DisplayName: displayName,
	}
}

func recvEvent(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case data, ok := <-s.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var ev map[string]any
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("bad event payload: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func expectNoEvent(t *testing.T, s *Session) {
	t.Helper()
	select {
	case data, ok := <-s.send:
		if ok {
			t.Fatalf("unexpected event: %s", data)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func frame(t *testing.T, f Frame) []byte {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestJoinAckAndPresence(t *testing.T) {
	r := newTestRoom(&fakeStore{})

	a := newTestSession("userA", "Ann")
	r.join(a)
	ack := recvEvent(t, a)
	if ack["type"] != EventConnected || ack["roomId"] != "room1" || ack["senderId"] != "userA" {
		t.Fatalf("bad connected ack: %v", ack)
	}

	b := newTestSession("userB", "Bob")
	r.join(b)
	if ev := recvEvent(t, b); ev["type"] != EventConnected {
		t.Fatalf("expected connected ack for b, got %v", ev)
	}

	// The ack goes to the new session only; existing sessions see user_joined.
	joined := recvEvent(t, a)
	if joined["type"] != EventUserJoined || joined["senderId"] != "userB" || joined["displayName"] != "Bob" {
		t.Fatalf("bad user_joined: %v", joined)
	}
}

func TestMessagePersistedBeforeBroadcast(t *testing.T) {
	store := &fakeStore{}
	r := newTestRoom(store)

	a := newTestSession("userA", "Ann")
	b := newTestSession("userB", "Bob")
	r.join(a)
	recvEvent(t, a)
	r.join(b)
	recvEvent(t, b)
	recvEvent(t, a) // user_joined

	r.forward(a, frame(t, Frame{Type: EventMessage, Text: "hi", Nonce: "n1"}))

	ev := recvEvent(t, b)
	if ev["type"] != EventMessage || ev["text"] != "hi" || ev["senderId"] != "userA" {
		t.Fatalf("bad message event: %v", ev)
	}
	if ev["senderName"] != "Ann" {
		t.Fatalf("sender name not resolved from session: %v", ev)
	}
	if ev["nonce"] != "n1" {
		t.Fatalf("nonce not carried through: %v", ev)
	}
	if ev["id"] == "" || ev["ts"] == nil {
		t.Fatalf("message not canonicalized: %v", ev)
	}

	// Sender's own session gets nothing.
	expectNoEvent(t, a)

	msgs := store.stored()
	if len(msgs) != 1 || msgs[0].Text != "hi" || msgs[0].ID != ev["id"] {
		t.Fatalf("stored message mismatch: %+v", msgs)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.summaries != 1 || store.lastSummary != "hi" {
		t.Fatalf("summary not updated: %d %q", store.summaries, store.lastSummary)
	}
}

func TestPersistFailureDropsMessageEntirely(t *testing.T) {
	store := &fakeStore{failCreate: true}
	r := newTestRoom(store)

	a := newTestSession("userA", "Ann")
	b := newTestSession("userB", "Bob")
	r.join(a)
	recvEvent(t, a)
	r.join(b)
	recvEvent(t, b)
	recvEvent(t, a)

	r.forward(a, frame(t, Frame{Type: EventMessage, Text: "doomed"}))

	expectNoEvent(t, b)
	expectNoEvent(t, a)
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.summaries != 0 {
		t.Fatal("summary must not be updated when the write fails")
	}
}

func TestConcurrentSubmitsExactlyOnceInPersistOrder(t *testing.T) {
	const n = 25
	store := &fakeStore{}
	r := newTestRoom(store)

	a := newTestSession("userA", "Ann")
	b := newTestSession("userB", "Bob")
	r.join(a)
	recvEvent(t, a)
	r.join(b)
	recvEvent(t, b)
	recvEvent(t, a)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Submit(context.Background(), Draft{
				SenderID:   "userA",
				SenderName: "Ann",
				Text:       fmt.Sprintf("msg-%d", i),
			})
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	var prevID string
	for i := 0; i < n; i++ {
		ev := recvEvent(t, b)
		if ev["type"] != EventMessage {
			t.Fatalf("unexpected event: %v", ev)
		}
		id := ev["id"].(string)
		if seen[id] {
			t.Fatalf("message %s delivered twice", id)
		}
		seen[id] = true
		// ULIDs are assigned inside the serialized loop, so receipt
		// order must match persistence order.
		if id <= prevID {
			t.Fatalf("out of order: %s after %s", id, prevID)
		}
		prevID = id
	}
	expectNoEvent(t, b)
	expectNoEvent(t, a) // sender's sessions excluded

	if got := len(store.stored()); got != n {
		t.Fatalf("stored %d of %d messages", got, n)
	}
}

func TestTypingBroadcastNotPersisted(t *testing.T) {
	store := &fakeStore{}
	r := newTestRoom(store)

	a := newTestSession("userA", "Ann")
	b := newTestSession("userB", "Bob")
	r.join(a)
	recvEvent(t, a)
	r.join(b)
	recvEvent(t, b)
	recvEvent(t, a)

	r.forward(a, frame(t, Frame{Type: EventTyping, IsTyping: true}))

	ev := recvEvent(t, b)
	if ev["type"] != EventTyping || ev["senderId"] != "userA" || ev["isTyping"] != true {
		t.Fatalf("bad typing event: %v", ev)
	}
	expectNoEvent(t, a)
	if len(store.stored()) != 0 {
		t.Fatal("typing must never be persisted")
	}
}

func TestMalformedAndUnknownFramesDropped(t *testing.T) {
	r := newTestRoom(&fakeStore{})

	a := newTestSession("userA", "Ann")
	b := newTestSession("userB", "Bob")
	r.join(a)
	recvEvent(t, a)
	r.join(b)
	recvEvent(t, b)
	recvEvent(t, a)

	r.forward(a, []byte("{this is not json"))
	r.forward(a, frame(t, Frame{Type: "presence_probe"}))
	r.forward(a, frame(t, Frame{Type: EventMessage, Text: "   "}))
	expectNoEvent(t, b)

	// The coordinator survives and still processes valid frames.
	r.forward(a, frame(t, Frame{Type: EventMessage, Text: "still alive"}))
	if ev := recvEvent(t, b); ev["text"] != "still alive" {
		t.Fatalf("coordinator did not recover: %v", ev)
	}
}

func TestDeliveryFailurePrunesOnlyThatSession(t *testing.T) {
	store := &fakeStore{}
	r := newTestRoom(store)

	a := newTestSession("userA", "Ann")
	b := &Session{send: make(chan []byte, 1), SenderID: "userB", DisplayName: "Bob"}
	c := newTestSession("userC", "Cleo")

	r.join(a)
	recvEvent(t, a)
	r.join(b)
	recvEvent(t, b)
	recvEvent(t, a)
	r.join(c)
	recvEvent(t, c)
	recvEvent(t, a)
	recvEvent(t, b)

	// Fill b's queue so the next delivery to it fails.
	r.forward(a, frame(t, Frame{Type: EventTyping, IsTyping: true}))
	if ev := recvEvent(t, c); ev["type"] != EventTyping {
		t.Fatalf("expected typing at c, got %v", ev)
	}

	r.forward(a, frame(t, Frame{Type: EventMessage, Text: "hello"}))

	// The broadcast still reaches every remaining session.
	if ev := recvEvent(t, c); ev["type"] != EventMessage || ev["text"] != "hello" {
		t.Fatalf("c missed the broadcast: %v", ev)
	}

	// b was pruned: its queue holds the typing event, then closes.
	if ev := recvEvent(t, b); ev["type"] != EventTyping {
		t.Fatalf("unexpected event at b: %v", ev)
	}
	select {
	case _, ok := <-b.send:
		if ok {
			t.Fatal("expected b's channel closed after prune")
		}
	case <-time.After(time.Second):
		t.Fatal("b was not pruned")
	}

	if len(store.stored()) != 1 {
		t.Fatal("message should persist despite one failed delivery")
	}
}

func TestLeaveBroadcastsUserLeft(t *testing.T) {
	r := newTestRoom(&fakeStore{})

	a := newTestSession("userA", "Ann")
	b := newTestSession("userB", "Bob")
	r.join(a)
	recvEvent(t, a)
	r.join(b)
	recvEvent(t, b)
	recvEvent(t, a)

	r.leave(b)
	ev := recvEvent(t, a)
	if ev["type"] != EventUserLeft || ev["senderId"] != "userB" {
		t.Fatalf("bad user_left: %v", ev)
	}
}

func TestRelayExcludesSenderIdentity(t *testing.T) {
	r := newTestRoom(&fakeStore{})

	a := newTestSession("userA", "Ann")
	b := newTestSession("userB", "Bob")
	r.join(a)
	recvEvent(t, a)
	r.join(b)
	recvEvent(t, b)
	recvEvent(t, a)

	msg := &Message{ID: "01ABC", RoomID: "room1", SenderID: "userA", Text: "via rest", Timestamp: time.Now().UnixMilli()}
	if err := r.Relay(msg, "userA"); err != nil {
		t.Fatal(err)
	}

	if ev := recvEvent(t, b); ev["type"] != EventMessage || ev["text"] != "via rest" {
		t.Fatalf("relay did not reach b: %v", ev)
	}
	expectNoEvent(t, a)
}
