package core

import (
	"scuffedchat/models"
)

// Status summarises connection and lock state for the UI
type Status struct {
	Connection           models.ConnectionState `json:"connection"`
	TransportError       string                 `json:"transport_error,omitempty"`
	AccountLock          models.LockState       `json:"account_lock"`
	PassphraseConfigured bool                   `json:"passphrase_configured"`
	Suppressed           int                    `json:"suppressed"`
	UnreadTotal          int                    `json:"unread_total"`
	PendingSends         int                    `json:"pending_sends"`
}

// Snapshot is an immutable view of the session published after every loop
// turn. Readers never observe a half-applied event.
type Snapshot struct {
	Version       uint64                    `json:"version"`
	Notifications []models.NotificationItem `json:"notifications"`
	Conversations []models.Conversation     `json:"conversations"`
	Peers         map[string]models.Peer    `json:"peers"`
	Status        Status                    `json:"status"`
}

// Conversation returns the conversation with peerID, if loaded
func (s *Snapshot) Conversation(peerID string) (models.Conversation, bool) {
	for _, c := range s.Conversations {
		if c.PeerID == peerID {
			return c, true
		}
	}
	return models.Conversation{}, false
}

func (s *Session) buildSnapshot() *Snapshot {
	s.version++
	peers := make(map[string]models.Peer, len(s.peers))
	for id, p := range s.peers {
		peers[id] = p
	}
	status := Status{
		Connection:           s.conn,
		AccountLock:          s.machine.State(),
		PassphraseConfigured: s.machine.Configured(),
		Suppressed:           s.agg.Suppressed(),
		UnreadTotal:          s.store.UnreadTotal(),
		PendingSends:         s.store.PendingCount(),
	}
	if s.transportErr != nil {
		status.TransportError = s.transportErr.Error()
	}
	return &Snapshot{
		Version:       s.version,
		Notifications: s.agg.Items(),
		Conversations: s.store.Conversations(),
		Peers:         peers,
		Status:        status,
	}
}
