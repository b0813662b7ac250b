package models

import "time"

// EventKind tags the variant of a DomainEvent
type EventKind string

const (
	EventFriendRequestCreated   EventKind = "friend_request_created"
	EventMessageCreated         EventKind = "message_created"
	EventConnectionStateChanged EventKind = "connection_state_changed"
)

// ConnectionState of the realtime transport
type ConnectionState string

const (
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
)

// DomainEvent is a tagged union; exactly one payload matches Kind.
type DomainEvent struct {
	Kind          EventKind
	FriendRequest *FriendRequest
	Message       *Message
	Connection    *ConnectionChange
}

// ConnectionChange is the payload of EventConnectionStateChanged
type ConnectionChange struct {
	State       ConnectionState
	Reconnected bool // true on Connected after a prior disconnect
	Err         error
	At          time.Time
}

// FriendRequestEvent wraps a friend request into a DomainEvent
func FriendRequestEvent(req FriendRequest) DomainEvent {
	return DomainEvent{Kind: EventFriendRequestCreated, FriendRequest: &req}
}

// MessageEvent wraps a message into a DomainEvent
func MessageEvent(msg Message) DomainEvent {
	return DomainEvent{Kind: EventMessageCreated, Message: &msg}
}

// ConnectionEvent wraps a transport state change into a DomainEvent
func ConnectionEvent(change ConnectionChange) DomainEvent {
	return DomainEvent{Kind: EventConnectionStateChanged, Connection: &change}
}

// WebSocketMessage is the envelope of every frame on the UI socket
type WebSocketMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
