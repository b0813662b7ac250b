package models

import (
	"fmt"
	"time"
)

// NotificationKind tags the variant of a NotificationItem
type NotificationKind string

const (
	KindFriendRequest NotificationKind = "friend_request"
	KindMessage       NotificationKind = "message"
)

// NotificationItem is one entry of the merged notification feed
type NotificationItem struct {
	ID             string           `json:"id"`
	Kind           NotificationKind `json:"kind"`
	EntityID       string           `json:"entity_id"` // friendship id or message id
	SourcePeer     Peer             `json:"source_peer"`
	PayloadSummary string           `json:"payload_summary"`
	CreatedAt      time.Time        `json:"created_at"`
	Consumed       bool             `json:"consumed"`
}

// NotificationID derives the dedup identity of an item
func NotificationID(kind NotificationKind, entityID string) string {
	return fmt.Sprintf("%s:%s", kind, entityID)
}
