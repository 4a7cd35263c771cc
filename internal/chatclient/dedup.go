package chatclient

import "clientportal/internal/chat"

// nearDuplicateWindowMs is the fallback window for collapsing two
// same-text deliveries that lack a shared nonce. It can falsely collapse
// genuinely repeated short messages sent within the window; the nonce
// and id checks run first so this only fires for senders that omit the
// nonce.
const nearDuplicateWindowMs = 2000

// reconcileLocked applies the inbound dedup rules to one broadcast
// message and appends it as a remote entry when none of them match.
// Rules, in order:
//  1. own senderId - already represented by an optimistic/confirmed entry
//  2. known message id
//  3. shared nonce
//  4. identical text within nearDuplicateWindowMs
//
// Callers must hold m.mu.
func (m *Manager) reconcileLocked(msg chat.Message) bool {
	if msg.SenderID == m.senderID {
		return false
	}
	for _, e := range m.entries {
		if e.Message.ID != "" && e.Message.ID == msg.ID {
			return false
		}
		if msg.Nonce != "" && e.Message.Nonce == msg.Nonce {
			return false
		}
		if e.Message.Text == msg.Text && absInt64(e.Message.Timestamp-msg.Timestamp) <= nearDuplicateWindowMs {
			return false
		}
	}
	m.entries = append(m.entries, Entry{State: EntryRemote, Message: msg})
	return true
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
