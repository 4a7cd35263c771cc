package chatclient

import (
	"testing"

	"github.com/rs/zerolog"

	"clientportal/internal/chat"
)

func newTestManager(backend Backend) *Manager {
	m := NewManager(backend, "ws://unused", "room1", "me", "Me", zerolog.Nop())
	m.sendFrame = func(any) error { return nil }
	m.Register(Handlers{})
	return m
}

func remoteMsg(id, senderID, text, nonce string, ts int64) chat.Message {
	return chat.Message{ID: id, RoomID: "room1", SenderID: senderID, Text: text, Nonce: nonce, Timestamp: ts}
}

func TestDedupDiscardsOwnSender(t *testing.T) {
	m := newTestManager(nil)
	m.entries = []Entry{{State: EntryConfirmed, Message: remoteMsg("01A", "me", "hi", "", 1000)}}

	if m.reconcileLocked(remoteMsg("01A", "me", "hi", "", 1000)) {
		t.Fatal("own-sender broadcast must be discarded")
	}
	// Even a never-seen message from self is discarded: the local entry
	// already exists as optimistic or confirmed.
	if m.reconcileLocked(remoteMsg("01B", "me", "other", "", 2000)) {
		t.Fatal("own-sender broadcast must be discarded regardless of id")
	}
	if len(m.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(m.entries))
	}
}

func TestDedupByMessageID(t *testing.T) {
	m := newTestManager(nil)
	m.entries = []Entry{{State: EntryRemote, Message: remoteMsg("01A", "peer", "hi", "", 1000)}}

	if m.reconcileLocked(remoteMsg("01A", "peer", "hi", "", 5000)) {
		t.Fatal("duplicate id must be discarded")
	}
	if len(m.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(m.entries))
	}
}

func TestDedupByNonce(t *testing.T) {
	m := newTestManager(nil)
	m.entries = []Entry{{State: EntryRemote, Message: remoteMsg("01A", "peer", "hi", "n-1", 1000)}}

	if m.reconcileLocked(remoteMsg("01B", "peer", "hi again", "n-1", 9000)) {
		t.Fatal("shared nonce must be discarded")
	}
}

func TestDedupTextHeuristicWithinWindow(t *testing.T) {
	m := newTestManager(nil)
	m.entries = []Entry{{State: EntryRemote, Message: remoteMsg("01A", "peer", "hi", "", 1000)}}

	// Same text within 2000 ms of the existing entry collapses.
	if m.reconcileLocked(remoteMsg("01B", "peer", "hi", "", 2900)) {
		t.Fatal("same text within the window must collapse")
	}
	// Outside the window it is a genuinely new message.
	if !m.reconcileLocked(remoteMsg("01C", "peer", "hi", "", 3100)) {
		t.Fatal("same text outside the window must append")
	}
	if len(m.entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(m.entries))
	}
}

func TestDedupAppendsRemoteInArrivalOrder(t *testing.T) {
	m := newTestManager(nil)

	if !m.reconcileLocked(remoteMsg("01A", "peer", "one", "", 1000)) {
		t.Fatal("first append failed")
	}
	if !m.reconcileLocked(remoteMsg("01B", "peer", "two", "", 5000)) {
		t.Fatal("second append failed")
	}
	if m.entries[0].Message.Text != "one" || m.entries[1].Message.Text != "two" {
		t.Fatalf("arrival order not preserved: %+v", m.entries)
	}
	for _, e := range m.entries {
		if e.State != EntryRemote {
			t.Fatalf("expected remote state, got %v", e.State)
		}
	}
}
