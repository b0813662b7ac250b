// Package events adapts the backend's change feed into domain events.
//
// A Source delivers events at least once from the moment it connects;
// whatever happens while it is disconnected is recovered by a resync, which
// the source requests through its Resyncer hook whenever it reconnects.
package events

import (
	"context"
	"errors"

	"scuffedchat/models"
)

// ErrAlreadySubscribed is returned by Subscribe on an active source
var ErrAlreadySubscribed = errors.New("source already subscribed")

// Source is a subscription to the events of one account
type Source interface {
	// Subscribe starts delivery for selfID. The channel is closed after
	// Unsubscribe or when ctx is done.
	Subscribe(ctx context.Context, selfID string) (<-chan models.DomainEvent, error)
	Unsubscribe()
}

// Resyncer pulls whatever was missed while the source was disconnected
type Resyncer func(ctx context.Context)

// emit delivers ev unless ctx is done first
func emit(ctx context.Context, out chan<- models.DomainEvent, ev models.DomainEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
