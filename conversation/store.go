// Package conversation keeps per-peer message history, unread counters and
// the lock bucket of every conversation the signed-in account takes part in.
//
// A Store is not safe for concurrent use. It is owned by the session event
// loop and every method runs to completion inside one loop turn.
package conversation

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"scuffedchat/models"
)

// ApplyResult describes what a mutation did to a conversation
type ApplyResult struct {
	Key         models.ConversationKey
	Message     models.Message
	Inserted    bool // a new entry was placed
	Replaced    bool // an optimistic entry was swapped for its server copy
	Duplicate   bool // the id was already present; only read state may have changed
	ReadChanged bool // a duplicate upgraded the stored copy to Read
	Position    int
	Rescroll    bool // placed before the tail, the view has to re-scroll
}

// Scope selects what SetLock applies to
type Scope struct {
	AccountWide bool
	Key         models.ConversationKey
}

// AccountScope is the scope of the account-wide lock
func AccountScope() Scope {
	return Scope{AccountWide: true}
}

// Guard carries what the caller has established before a lock transition
type Guard struct {
	PassphraseConfigured bool
	Verified             bool
}

type conversation struct {
	key      models.ConversationKey
	messages []models.Message
	ids      map[string]struct{}
	unread   int
	lock     models.LockState
	touched  time.Time
}

type pendingSend struct {
	key      models.ConversationKey
	deadline time.Time
}

// Store holds every conversation of one account
type Store struct {
	self        string
	sendTimeout time.Duration
	accountLock models.LockState
	convs       map[models.ConversationKey]*conversation
	pending     map[string]pendingSend // temp id -> deadline
	now         func() time.Time
}

// New creates an empty store for selfID. Optimistic sends not echoed within
// sendTimeout are marked failed by ExpirePending.
func New(selfID string, sendTimeout time.Duration) *Store {
	return &Store{
		self:        selfID,
		sendTimeout: sendTimeout,
		accountLock: models.LockStateNormal,
		convs:       make(map[models.ConversationKey]*conversation),
		pending:     make(map[string]pendingSend),
		now:         time.Now,
	}
}

// SetClock replaces the time source
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Self returns the account the store belongs to
func (s *Store) Self() string {
	return s.self
}

// Open makes sure a conversation with peerID exists and returns its key
func (s *Store) Open(peerID string) models.ConversationKey {
	key := models.Key(s.self, peerID)
	s.ensure(key)
	return key
}

func (s *Store) ensure(key models.ConversationKey) *conversation {
	c, ok := s.convs[key]
	if !ok {
		// new conversations join the bucket the account is in right now
		c = &conversation{
			key:  key,
			ids:  make(map[string]struct{}),
			lock: s.accountLock,
		}
		s.convs[key] = c
	}
	return c
}

// ApplyIncoming stores a message received from the backend. Applying the same
// id twice is a no-op apart from upgrading the read state. A message whose
// ClientRef names an optimistic entry replaces that entry in place.
func (s *Store) ApplyIncoming(msg models.Message) (ApplyResult, error) {
	if msg.ID == "" || msg.SenderID == "" || msg.RecipientID == "" {
		return ApplyResult{}, fmt.Errorf("%w: message without id or participants", models.ErrMalformedEvent)
	}
	if msg.SenderID != s.self && msg.RecipientID != s.self {
		return ApplyResult{}, fmt.Errorf("%w: message %s does not involve %s", models.ErrMalformedEvent, msg.ID, s.self)
	}

	key := models.Key(msg.SenderID, msg.RecipientID)
	msg.ConversationKey = key
	if msg.ReadState == "" {
		msg.ReadState = models.ReadStateDelivered
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	c := s.ensure(key)
	c.touched = s.now()

	if _, ok := c.ids[msg.ID]; ok {
		pos := c.indexOf(msg.ID)
		existing := &c.messages[pos]
		readChanged := false
		if msg.ReadState == models.ReadStateRead && existing.ReadState != models.ReadStateRead {
			existing.ReadState = models.ReadStateRead
			readChanged = true
		}
		// the temp entry may still be waiting if the echo lacked a ClientRef
		if msg.ClientRef != "" && msg.ClientRef != msg.ID {
			s.dropTemp(c, msg.ClientRef)
		}
		c.recount(s.self)
		pos = c.indexOf(msg.ID)
		return ApplyResult{Key: key, Message: c.messages[pos], Duplicate: true, ReadChanged: readChanged, Position: pos}, nil
	}

	if msg.ClientRef != "" && msg.ClientRef != msg.ID {
		if _, ok := c.ids[msg.ClientRef]; ok {
			pos := c.indexOf(msg.ClientRef)
			prev := c.messages[pos]
			msg.SendFailed = false
			if prev.ReadState == models.ReadStateRead {
				msg.ReadState = models.ReadStateRead
			}
			c.messages[pos] = msg
			delete(c.ids, msg.ClientRef)
			c.ids[msg.ID] = struct{}{}
			delete(s.pending, msg.ClientRef)
			c.recount(s.self)
			return ApplyResult{Key: key, Message: msg, Replaced: true, Position: pos}, nil
		}
	}

	pos := c.insert(msg)
	c.recount(s.self)
	return ApplyResult{
		Key:      key,
		Message:  msg,
		Inserted: true,
		Position: pos,
		Rescroll: pos < len(c.messages)-1,
	}, nil
}

// ApplyOptimisticSend appends draft as a Sent message under a fresh temp id
func (s *Store) ApplyOptimisticSend(draft models.Draft) (models.Message, error) {
	if draft.RecipientID == "" || draft.RecipientID == s.self {
		return models.Message{}, fmt.Errorf("invalid recipient %q", draft.RecipientID)
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = s.now()
	}

	tempID := "tmp-" + uuid.NewString()
	key := models.Key(s.self, draft.RecipientID)
	msg := models.Message{
		ID:              tempID,
		ClientRef:       tempID,
		ConversationKey: key,
		SenderID:        s.self,
		RecipientID:     draft.RecipientID,
		Body:            draft.Body,
		CreatedAt:       draft.CreatedAt,
		ReadState:       models.ReadStateSent,
	}

	c := s.ensure(key)
	c.touched = s.now()
	c.insert(msg)
	c.recount(s.self)
	s.pending[tempID] = pendingSend{key: key, deadline: s.now().Add(s.sendTimeout)}
	return msg, nil
}

// Acknowledge reconciles the optimistic entry tempID with the message the
// backend returned for it. If the realtime echo already landed, the temp
// entry is removed instead so exactly one copy remains.
func (s *Store) Acknowledge(tempID string, server models.Message) (ApplyResult, error) {
	server.ClientRef = tempID
	return s.ApplyIncoming(server)
}

// Fail marks the optimistic entry tempID as failed
func (s *Store) Fail(tempID string) (models.Message, error) {
	c, pos, err := s.locateTemp(tempID)
	if err != nil {
		return models.Message{}, err
	}
	delete(s.pending, tempID)
	c.messages[pos].SendFailed = true
	return c.messages[pos], nil
}

// PrepareRetry clears the failure marker on tempID and restarts its timeout.
// The returned message is what should be sent again.
func (s *Store) PrepareRetry(tempID string) (models.Message, error) {
	c, pos, err := s.locateTemp(tempID)
	if err != nil {
		return models.Message{}, err
	}
	c.messages[pos].SendFailed = false
	s.pending[tempID] = pendingSend{key: c.key, deadline: s.now().Add(s.sendTimeout)}
	return c.messages[pos], nil
}

// ExpirePending marks every optimistic send older than its deadline as failed
// and forgets its temp id mapping.
func (s *Store) ExpirePending(now time.Time) []models.Message {
	var failed []models.Message
	for tempID, p := range s.pending {
		if now.Before(p.deadline) {
			continue
		}
		delete(s.pending, tempID)
		c := s.convs[p.key]
		if c == nil {
			continue
		}
		if pos := c.indexOf(tempID); pos >= 0 {
			c.messages[pos].SendFailed = true
			failed = append(failed, c.messages[pos])
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].CreatedAt.Before(failed[j].CreatedAt) })
	return failed
}

// PendingCount is the number of optimistic sends awaiting their echo
func (s *Store) PendingCount() int {
	return len(s.pending)
}

// MarkRead sets Read on every incoming message of key up to and including
// upToMessageID (all of them when it is empty). It returns the ids that
// changed; calling it again returns none.
func (s *Store) MarkRead(key models.ConversationKey, upToMessageID string) ([]string, error) {
	c, ok := s.convs[key]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", key, models.ErrNotFound)
	}
	limit := len(c.messages) - 1
	if upToMessageID != "" {
		limit = c.indexOf(upToMessageID)
		if limit < 0 {
			return nil, fmt.Errorf("message %s in %s: %w", upToMessageID, key, models.ErrNotFound)
		}
	}

	var changed []string
	for i := 0; i <= limit; i++ {
		m := &c.messages[i]
		if m.SenderID == s.self || m.ReadState == models.ReadStateRead {
			continue
		}
		m.ReadState = models.ReadStateRead
		changed = append(changed, m.ID)
	}
	c.recount(s.self)
	return changed, nil
}

// UnreadIDs lists the incoming messages of key that are not yet read
func (s *Store) UnreadIDs(key models.ConversationKey) []string {
	c, ok := s.convs[key]
	if !ok {
		return nil
	}
	var ids []string
	for _, m := range c.messages {
		if m.SenderID != s.self && m.ReadState != models.ReadStateRead {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// SetLock moves the account or a single conversation into state. Locking
// needs a configured passphrase; unlocking needs a verified one.
func (s *Store) SetLock(scope Scope, state models.LockState, guard Guard) error {
	current := s.accountLock
	if !scope.AccountWide {
		c, ok := s.convs[scope.Key]
		if !ok {
			return fmt.Errorf("conversation %s: %w", scope.Key, models.ErrNotFound)
		}
		current = c.lock
	}
	if current == state {
		return nil
	}

	switch state {
	case models.LockStateLocked:
		if !guard.PassphraseConfigured {
			return &models.LockStateError{Requested: state, Cause: models.ErrLockNotConfigured}
		}
	case models.LockStateNormal:
		if !guard.Verified {
			return &models.LockStateError{Requested: state, Cause: models.ErrUnlockNotVerified}
		}
	default:
		return fmt.Errorf("unknown lock state %q", state)
	}

	if !scope.AccountWide {
		s.convs[scope.Key].lock = state
		return nil
	}
	s.accountLock = state
	for _, c := range s.convs {
		c.lock = state
	}
	return nil
}

// AccountLock returns the account-wide lock state
func (s *Store) AccountLock() models.LockState {
	return s.accountLock
}

// LockState returns the bucket of key; unknown conversations report the
// bucket they would be created in.
func (s *Store) LockState(key models.ConversationKey) models.LockState {
	if c, ok := s.convs[key]; ok {
		return c.lock
	}
	return s.accountLock
}

// MergeHistory applies a fetched page of history by id. Local read state is
// never downgraded and optimistic entries are kept.
func (s *Store) MergeHistory(msgs []models.Message) ([]ApplyResult, error) {
	results := make([]ApplyResult, 0, len(msgs))
	for _, m := range msgs {
		r, err := s.ApplyIncoming(m)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// MaxSeq is the highest server sequence seen in key, 0 if none
func (s *Store) MaxSeq(key models.ConversationKey) int64 {
	c, ok := s.convs[key]
	if !ok {
		return 0
	}
	var highest int64
	for _, m := range c.messages {
		if m.Seq > highest {
			highest = m.Seq
		}
	}
	return highest
}

// Empty removes every message of key. The conversation itself stays.
func (s *Store) Empty(key models.ConversationKey) {
	c, ok := s.convs[key]
	if !ok {
		return
	}
	for _, m := range c.messages {
		delete(s.pending, m.ID)
	}
	c.messages = nil
	c.ids = make(map[string]struct{})
	c.unread = 0
}

// Find looks a message up by id within key
func (s *Store) Find(key models.ConversationKey, id string) (models.Message, bool) {
	c, ok := s.convs[key]
	if !ok {
		return models.Message{}, false
	}
	pos := c.indexOf(id)
	if pos < 0 {
		return models.Message{}, false
	}
	return c.messages[pos], true
}

// Conversation returns a copy of the conversation with key
func (s *Store) Conversation(key models.ConversationKey) (models.Conversation, bool) {
	c, ok := s.convs[key]
	if !ok {
		return models.Conversation{}, false
	}
	return c.snapshot(s.self), true
}

// Conversations returns copies of all conversations, most recently active first
func (s *Store) Conversations() []models.Conversation {
	list := make([]*conversation, 0, len(s.convs))
	for _, c := range s.convs {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].lastActivity().Equal(list[j].lastActivity()) {
			return list[i].lastActivity().After(list[j].lastActivity())
		}
		return list[i].key.String() < list[j].key.String()
	})

	out := make([]models.Conversation, 0, len(list))
	for _, c := range list {
		out = append(out, c.snapshot(s.self))
	}
	return out
}

// UnreadTotal sums unread counts over all conversations
func (s *Store) UnreadTotal() int {
	total := 0
	for _, c := range s.convs {
		total += c.unread
	}
	return total
}

func (s *Store) locateTemp(tempID string) (*conversation, int, error) {
	for _, c := range s.convs {
		if pos := c.indexOf(tempID); pos >= 0 && c.messages[pos].Pending() {
			return c, pos, nil
		}
	}
	return nil, -1, fmt.Errorf("optimistic message %s: %w", tempID, models.ErrNotFound)
}

func (s *Store) dropTemp(c *conversation, tempID string) {
	pos := c.indexOf(tempID)
	if pos < 0 || !c.messages[pos].Pending() {
		return
	}
	c.messages = append(c.messages[:pos], c.messages[pos+1:]...)
	delete(c.ids, tempID)
	delete(s.pending, tempID)
}

// insert places msg after every entry it does not precede. Existing entries
// never move relative to each other.
func (c *conversation) insert(msg models.Message) int {
	pos := len(c.messages)
	for pos > 0 && precedes(msg, c.messages[pos-1]) {
		pos--
	}
	c.messages = append(c.messages, models.Message{})
	copy(c.messages[pos+1:], c.messages[pos:])
	c.messages[pos] = msg
	c.ids[msg.ID] = struct{}{}
	return pos
}

// precedes orders by CreatedAt, then by server Seq when both carry one.
// Anything else keeps arrival order.
func precedes(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Seq > 0 && b.Seq > 0 {
		return a.Seq < b.Seq
	}
	return false
}

func (c *conversation) indexOf(id string) int {
	if _, ok := c.ids[id]; !ok {
		return -1
	}
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *conversation) recount(self string) {
	n := 0
	for _, m := range c.messages {
		if m.SenderID != self && m.ReadState != models.ReadStateRead {
			n++
		}
	}
	c.unread = n
}

func (c *conversation) lastActivity() time.Time {
	if n := len(c.messages); n > 0 {
		return c.messages[n-1].CreatedAt
	}
	return c.touched
}

func (c *conversation) snapshot(self string) models.Conversation {
	msgs := make([]models.Message, len(c.messages))
	copy(msgs, c.messages)
	return models.Conversation{
		Key:         c.key,
		PeerID:      c.key.Peer(self),
		Messages:    msgs,
		UnreadCount: c.unread,
		LockState:   c.lock,
	}
}
