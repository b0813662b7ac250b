package models

import (
	"fmt"
	"time"
)

// ReadState tracks delivery of a single message
type ReadState string

const (
	ReadStateSent      ReadState = "sent"
	ReadStateDelivered ReadState = "delivered"
	ReadStateRead      ReadState = "read"
)

// LockState is either the account lock or a conversation's bucket
type LockState string

const (
	LockStateNormal LockState = "normal"
	LockStateLocked LockState = "locked"
)

// ConversationKey identifies the conversation between two users.
// Key(a, b) and Key(b, a) are equal.
type ConversationKey struct {
	Low  string `json:"low"`
	High string `json:"high"`
}

// Key builds the normalized key for the pair (a, b)
func Key(a, b string) ConversationKey {
	if a > b {
		a, b = b, a
	}
	return ConversationKey{Low: a, High: b}
}

// Peer returns the member of the pair that is not self
func (k ConversationKey) Peer(self string) string {
	if k.Low == self {
		return k.High
	}
	return k.Low
}

func (k ConversationKey) String() string {
	return fmt.Sprintf("%s:%s", k.Low, k.High)
}

// Message represents a chat message between two users
type Message struct {
	ID              string          `json:"id"`
	ClientRef       string          `json:"client_ref,omitempty"` // temp id of the optimistic send, if any
	ConversationKey ConversationKey `json:"conversation_key"`
	SenderID        string          `json:"sender_id"`
	RecipientID     string          `json:"recipient_id"`
	Body            string          `json:"body"`
	CreatedAt       time.Time       `json:"created_at"`
	Seq             int64           `json:"seq,omitempty"` // server sequence, 0 when unknown
	ReadState       ReadState       `json:"read_state"`
	Locked          bool            `json:"locked"` // sender's lock state at send time
	SendFailed      bool            `json:"send_failed,omitempty"`
}

// Pending reports whether the message is an unacknowledged optimistic send
func (m Message) Pending() bool {
	return m.ClientRef != "" && m.ID == m.ClientRef
}

// Draft is an outbound message before the server has seen it
type Draft struct {
	SenderID    string
	RecipientID string
	Body        string
	CreatedAt   time.Time
}

// Conversation is a read snapshot of the history with one peer
type Conversation struct {
	Key         ConversationKey `json:"key"`
	PeerID      string          `json:"peer_id"`
	Messages    []Message       `json:"messages"`
	UnreadCount int             `json:"unread_count"`
	LockState   LockState       `json:"lock_state"`
}
