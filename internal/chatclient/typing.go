package chatclient

import (
	"time"

	"clientportal/internal/chat"
)

// InputActivity reports a non-empty input change. It emits isTyping=true
// immediately (redundant emissions are fine) and arms the idle timer
// that emits isTyping=false after TypingIdle without further activity.
func (m *Manager) InputActivity() {
	_ = m.sendFrame(chat.Frame{Type: chat.EventTyping, IsTyping: true})

	m.mu.Lock()
	if m.typingTimer != nil {
		m.typingTimer.Stop()
	}
	m.typingTimer = time.AfterFunc(m.TypingIdle, m.typingIdleFired)
	m.mu.Unlock()
}

func (m *Manager) typingIdleFired() {
	m.mu.Lock()
	m.typingTimer = nil
	m.mu.Unlock()
	_ = m.sendFrame(chat.Frame{Type: chat.EventTyping, IsTyping: false})
}

// StopTyping emits isTyping=false immediately and cancels the idle
// timer. Called on send and when the user leaves the view.
func (m *Manager) StopTyping() {
	m.mu.Lock()
	if m.typingTimer != nil {
		m.typingTimer.Stop()
		m.typingTimer = nil
	}
	m.mu.Unlock()
	_ = m.sendFrame(chat.Frame{Type: chat.EventTyping, IsTyping: false})
}

// handleTyping applies a remote typing event. A true indicator arms a
// TypingClear auto-clear timer so an abrupt peer disconnect cannot leave
// the indicator stuck; a false indicator clears immediately.
func (m *Manager) handleTyping(senderID, displayName string, isTyping bool) {
	m.mu.Lock()
	if t, ok := m.peerTimers[senderID]; ok {
		t.Stop()
		delete(m.peerTimers, senderID)
		delete(m.peerNames, senderID)
	}
	if isTyping {
		m.peerNames[senderID] = displayName
		m.peerTimers[senderID] = time.AfterFunc(m.TypingClear, func() {
			m.clearPeer(senderID)
		})
	}
	onTyping := m.handlers.OnTyping
	m.mu.Unlock()

	if onTyping != nil {
		onTyping(senderID, displayName, isTyping)
	}
}

func (m *Manager) clearPeer(senderID string) {
	m.mu.Lock()
	if _, ok := m.peerTimers[senderID]; !ok {
		m.mu.Unlock()
		return
	}
	name := m.peerNames[senderID]
	delete(m.peerTimers, senderID)
	delete(m.peerNames, senderID)
	onTyping := m.handlers.OnTyping
	m.mu.Unlock()

	if onTyping != nil {
		onTyping(senderID, name, false)
	}
}

// TypingPeers returns the ids of peers currently showing as typing.
func (m *Manager) TypingPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peerTimers))
	for id := range m.peerTimers {
		out = append(out, id)
	}
	return out
}
