package models

import "time"

// FriendStatus represents the status of a friend request
type FriendStatus string

const (
	FriendStatusPending  FriendStatus = "pending"
	FriendStatusAccepted FriendStatus = "accepted"
	FriendStatusDeclined FriendStatus = "declined"
)

// FriendRequest represents an incoming friend request
type FriendRequest struct {
	ID        string       `json:"id"`
	From      Peer         `json:"from"`
	Status    FriendStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}
