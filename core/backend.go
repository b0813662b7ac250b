// Package core composes the conversation store, the notification
// aggregator, the chat lock and the read-receipt reconciler into one
// session driven by a single event loop.
package core

import (
	"context"
	"errors"
	"time"

	"scuffedchat/models"
	"scuffedchat/notify"
	"scuffedchat/receipts"
	"scuffedchat/retry"
)

var (
	// ErrClosed is returned by operations on a session that has shut down
	ErrClosed = errors.New("session closed")
	// ErrEmptyMessage is returned for blank outbound messages
	ErrEmptyMessage = errors.New("message body is empty")
	// ErrSendInFlight is returned when retrying a send the backend has not answered yet
	ErrSendInFlight = errors.New("send still in flight")
)

// Backend is the remote side of the session. Calls may block on the
// network and are never made from the event loop.
type Backend interface {
	CurrentUserID() string
	FetchConversationHistory(ctx context.Context, peerID string, sinceSeq int64, limit int) ([]models.Message, error)
	SendMessage(ctx context.Context, peerID, body, clientRef string) (models.Message, error)
	UpdateReadState(ctx context.Context, ids []string) error
	SetAccountLock(ctx context.Context, locked bool, passphrase string) error
	ConfigureLockPassphrase(ctx context.Context, passphrase string) error
	AccountLockStatus(ctx context.Context) (models.LockStatus, error)
	PendingFriendRequests(ctx context.Context) ([]models.FriendRequest, error)
	RespondFriendRequest(ctx context.Context, requestID string, accept bool) error
	GetPeer(ctx context.Context, id string) (models.Peer, error)
}

// Options tune a Session. Zero values fall back to defaults.
type Options struct {
	SendTimeout      time.Duration
	ReadDebounce     time.Duration
	HistoryLimit     int
	MaxNotifications int
	ExpiryTick       time.Duration
	BackendRetry     retry.Config
}

func (o Options) withDefaults() Options {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 15 * time.Second
	}
	if o.ReadDebounce <= 0 {
		o.ReadDebounce = receipts.DefaultDebounce
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 100
	}
	if o.MaxNotifications <= 0 {
		o.MaxNotifications = notify.DefaultMaxItems
	}
	if o.ExpiryTick <= 0 {
		o.ExpiryTick = time.Second
		if o.SendTimeout/4 < o.ExpiryTick {
			o.ExpiryTick = o.SendTimeout / 4
		}
	}
	if o.BackendRetry.BaseDelay <= 0 {
		o.BackendRetry = retry.DefaultConfig()
	}
	return o
}
