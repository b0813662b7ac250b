// Package notify merges friend requests and unseen messages into one
// deduplicated, time ordered and bounded notification feed.
package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"scuffedchat/models"
)

// DefaultMaxItems caps the feed when no limit is configured
const DefaultMaxItems = 50

const summaryLength = 80

// View is what the aggregator needs to know about chat state when it
// decides whether a message may surface.
type View interface {
	// Focused reports whether the conversation with peerID is open on screen
	Focused(peerID string) bool
	// AccountLock is the account-wide lock state
	AccountLock() models.LockState
	// ConversationLock is the bucket of the conversation with peerID
	ConversationLock(peerID string) models.LockState
	// IsRead reports whether the stored copy of msg is already read
	IsRead(msg models.Message) bool
	// Peer returns the profile of id when it has been fetched
	Peer(id string) (models.Peer, bool)
}

// Aggregator owns the notification list. It is not safe for concurrent use.
type Aggregator struct {
	self       string
	maxItems   int
	items      []*models.NotificationItem // newest first, consumed items kept as tombstones
	byID       map[string]*models.NotificationItem
	suppressed int
	now        func() time.Time
	logger     zerolog.Logger
}

// New creates an aggregator for selfID holding at most maxItems entries
func New(selfID string, maxItems int, logger zerolog.Logger) *Aggregator {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Aggregator{
		self:     selfID,
		maxItems: maxItems,
		byID:     make(map[string]*models.NotificationItem),
		now:      time.Now,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// Ingest turns an event into a notification item. It returns nil when the
// event does not surface: duplicates, own messages, focused or locked
// conversations, connection changes. Malformed events are logged and
// reported through the error value; Ingest never panics on bad input.
func (a *Aggregator) Ingest(ev models.DomainEvent, view View) (*models.NotificationItem, error) {
	switch ev.Kind {
	case models.EventFriendRequestCreated:
		if ev.FriendRequest == nil {
			return nil, a.malformed(ev, "friend request event without payload")
		}
		return a.ingestFriendRequest(*ev.FriendRequest, view)
	case models.EventMessageCreated:
		if ev.Message == nil {
			return nil, a.malformed(ev, "message event without payload")
		}
		return a.ingestMessage(*ev.Message, view)
	case models.EventConnectionStateChanged:
		return nil, nil
	default:
		return nil, a.malformed(ev, "unknown event kind")
	}
}

func (a *Aggregator) ingestFriendRequest(req models.FriendRequest, view View) (*models.NotificationItem, error) {
	if req.ID == "" || req.From.ID == "" {
		return nil, a.malformed(models.FriendRequestEvent(req), "friend request without id or sender")
	}
	if req.Status != "" && req.Status != models.FriendStatusPending {
		return nil, nil
	}
	item := &models.NotificationItem{
		ID:         models.NotificationID(models.KindFriendRequest, req.ID),
		Kind:       models.KindFriendRequest,
		EntityID:   req.ID,
		SourcePeer: a.sourcePeer(req.From, view),
		CreatedAt:  req.CreatedAt,
	}
	return a.add(item), nil
}

func (a *Aggregator) ingestMessage(msg models.Message, view View) (*models.NotificationItem, error) {
	if msg.ID == "" || msg.SenderID == "" {
		return nil, a.malformed(models.MessageEvent(msg), "message without id or sender")
	}
	if msg.SenderID == a.self || msg.Pending() {
		return nil, nil
	}
	if view != nil {
		if view.Focused(msg.SenderID) {
			return nil, nil
		}
		if msg.Locked ||
			view.AccountLock() == models.LockStateLocked ||
			view.ConversationLock(msg.SenderID) == models.LockStateLocked {
			a.suppressed++
			return nil, nil
		}
		if view.IsRead(msg) {
			return nil, nil
		}
	} else if msg.Locked {
		a.suppressed++
		return nil, nil
	}

	item := &models.NotificationItem{
		ID:             models.NotificationID(models.KindMessage, msg.ID),
		Kind:           models.KindMessage,
		EntityID:       msg.ID,
		SourcePeer:     a.sourcePeer(models.Peer{ID: msg.SenderID}, view),
		PayloadSummary: summarize(msg.Body),
		CreatedAt:      msg.CreatedAt,
	}
	return a.add(item), nil
}

// sourcePeer completes a bare peer from the view's directory
func (a *Aggregator) sourcePeer(peer models.Peer, view View) models.Peer {
	if peer.Known() || view == nil {
		return peer
	}
	if known, ok := view.Peer(peer.ID); ok {
		return known
	}
	return peer
}

func (a *Aggregator) add(item *models.NotificationItem) *models.NotificationItem {
	if _, ok := a.byID[item.ID]; ok {
		return nil
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = a.now()
	}

	pos := sort.Search(len(a.items), func(i int) bool {
		return newer(item, a.items[i])
	})
	a.items = append(a.items, nil)
	copy(a.items[pos+1:], a.items[pos:])
	a.items[pos] = item
	a.byID[item.ID] = item

	a.evict()
	if _, ok := a.byID[item.ID]; !ok {
		return nil
	}
	out := *item
	return &out
}

// evict trims the list to maxItems, oldest consumed entries first and then
// the oldest live ones.
func (a *Aggregator) evict() {
	for len(a.items) > a.maxItems {
		victim := -1
		for i := len(a.items) - 1; i >= 0; i-- {
			if a.items[i].Consumed {
				victim = i
				break
			}
		}
		if victim < 0 {
			victim = len(a.items) - 1
		}
		delete(a.byID, a.items[victim].ID)
		a.items = append(a.items[:victim], a.items[victim+1:]...)
	}
}

// Consume marks the item with id as acted upon. It reports whether a live
// item changed.
func (a *Aggregator) Consume(id string) bool {
	item, ok := a.byID[id]
	if !ok || item.Consumed {
		return false
	}
	item.Consumed = true
	return true
}

// ConsumeFriendRequest consumes the item for friendshipID
func (a *Aggregator) ConsumeFriendRequest(friendshipID string) bool {
	return a.Consume(models.NotificationID(models.KindFriendRequest, friendshipID))
}

// ConsumeMessagesFrom consumes every live message item sent by peerID and
// returns their ids.
func (a *Aggregator) ConsumeMessagesFrom(peerID string) []string {
	var ids []string
	for _, item := range a.items {
		if item.Kind != models.KindMessage || item.Consumed || item.SourcePeer.ID != peerID {
			continue
		}
		item.Consumed = true
		ids = append(ids, item.ID)
	}
	return ids
}

// RefreshPeer updates the profile shown on items from peer
func (a *Aggregator) RefreshPeer(peer models.Peer) {
	for _, item := range a.items {
		if item.SourcePeer.ID == peer.ID {
			item.SourcePeer = peer
		}
	}
}

// Items returns copies of the live items, newest first
func (a *Aggregator) Items() []models.NotificationItem {
	out := make([]models.NotificationItem, 0, len(a.items))
	for _, item := range a.items {
		if !item.Consumed {
			out = append(out, *item)
		}
	}
	return out
}

// Len counts every retained entry, consumed ones included
func (a *Aggregator) Len() int {
	return len(a.items)
}

// Suppressed counts messages kept out of the feed by the chat lock
func (a *Aggregator) Suppressed() int {
	return a.suppressed
}

// ClearSuppressed resets the silent counter
func (a *Aggregator) ClearSuppressed() {
	a.suppressed = 0
}

func (a *Aggregator) malformed(ev models.DomainEvent, reason string) error {
	err := fmt.Errorf("%w: %s", models.ErrMalformedEvent, reason)
	a.logger.Warn().Str("kind", string(ev.Kind)).Err(err).Msg("Dropping event")
	return err
}

func newer(a, b *models.NotificationItem) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func summarize(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(body) <= summaryLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:summaryLength-1]) + "…"
}
