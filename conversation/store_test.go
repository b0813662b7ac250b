package conversation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scuffedchat/models"
)

const (
	self = "user-self"
	peer = "user-peer"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func incoming(id string, at int) models.Message {
	return models.Message{
		ID:          id,
		SenderID:    peer,
		RecipientID: self,
		Body:        "body " + id,
		CreatedAt:   base.Add(time.Duration(at) * time.Second),
	}
}

func bodies(c models.Conversation) []string {
	var out []string
	for _, m := range c.Messages {
		out = append(out, m.ID)
	}
	return out
}

func newStore() *Store {
	s := New(self, 10*time.Second)
	s.SetClock(func() time.Time { return base })
	return s
}

func TestApplyIncoming_Idempotent(t *testing.T) {
	s := newStore()

	_, err := s.ApplyIncoming(incoming("m1", 1))
	require.NoError(t, err)
	res, err := s.ApplyIncoming(incoming("m1", 1))
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	assert.False(t, res.ReadChanged)
	conv, ok := s.Conversation(models.Key(self, peer))
	require.True(t, ok)
	assert.Len(t, conv.Messages, 1)
	assert.Equal(t, 1, conv.UnreadCount)

	read := incoming("m1", 1)
	read.ReadState = models.ReadStateRead
	res, err = s.ApplyIncoming(read)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, res.ReadChanged)

	res, err = s.ApplyIncoming(read)
	require.NoError(t, err)
	assert.False(t, res.ReadChanged)
	conv, _ = s.Conversation(models.Key(self, peer))
	assert.Zero(t, conv.UnreadCount)
}

func TestApplyIncoming_OrdersByCreatedAt(t *testing.T) {
	s := newStore()

	for _, m := range []models.Message{incoming("c3", 3), incoming("c1", 1), incoming("c2", 2)} {
		_, err := s.ApplyIncoming(m)
		require.NoError(t, err)
	}

	conv, _ := s.Conversation(models.Key(self, peer))
	assert.Equal(t, []string{"c1", "c2", "c3"}, bodies(conv))
}

func TestApplyIncoming_LateMessageFlagsRescroll(t *testing.T) {
	s := newStore()

	res, err := s.ApplyIncoming(incoming("a", 10))
	require.NoError(t, err)
	assert.False(t, res.Rescroll)

	res, err = s.ApplyIncoming(incoming("b", 5))
	require.NoError(t, err)
	assert.True(t, res.Rescroll)
	assert.Equal(t, 0, res.Position)

	res, err = s.ApplyIncoming(incoming("c", 20))
	require.NoError(t, err)
	assert.False(t, res.Rescroll)
}

func TestApplyIncoming_TiesUseSeqThenArrival(t *testing.T) {
	s := newStore()

	a := incoming("a", 1)
	a.Seq = 2
	b := incoming("b", 1)
	b.Seq = 1
	c := incoming("c", 1)

	for _, m := range []models.Message{a, b, c} {
		_, err := s.ApplyIncoming(m)
		require.NoError(t, err)
	}

	conv, _ := s.Conversation(models.Key(self, peer))
	assert.Equal(t, []string{"b", "a", "c"}, bodies(conv))
}

func TestApplyIncoming_RejectsForeignMessage(t *testing.T) {
	s := newStore()

	_, err := s.ApplyIncoming(models.Message{ID: "x", SenderID: "a", RecipientID: "b"})
	assert.True(t, errors.Is(err, models.ErrMalformedEvent))

	_, err = s.ApplyIncoming(models.Message{SenderID: peer, RecipientID: self})
	assert.True(t, errors.Is(err, models.ErrMalformedEvent))
}

func TestOptimisticSend_AckReconciles(t *testing.T) {
	s := newStore()

	tmp, err := s.ApplyOptimisticSend(models.Draft{RecipientID: peer, Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, models.ReadStateSent, tmp.ReadState)
	assert.True(t, tmp.Pending())
	assert.Equal(t, 1, s.PendingCount())

	server := models.Message{ID: "srv-1", SenderID: self, RecipientID: peer, Body: "hi", CreatedAt: base, Seq: 7}
	res, err := s.Acknowledge(tmp.ID, server)
	require.NoError(t, err)
	assert.True(t, res.Replaced)

	// realtime echo of the same row
	echo := server
	echo.ClientRef = tmp.ID
	_, err = s.ApplyIncoming(echo)
	require.NoError(t, err)

	conv, _ := s.Conversation(models.Key(self, peer))
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "srv-1", conv.Messages[0].ID)
	assert.Equal(t, 0, s.PendingCount())
	assert.Equal(t, 0, conv.UnreadCount)
}

func TestOptimisticSend_EchoBeforeAck(t *testing.T) {
	s := newStore()

	tmp, err := s.ApplyOptimisticSend(models.Draft{RecipientID: peer, Body: "hi"})
	require.NoError(t, err)

	echo := models.Message{ID: "srv-1", ClientRef: tmp.ID, SenderID: self, RecipientID: peer, Body: "hi", CreatedAt: base}
	res, err := s.ApplyIncoming(echo)
	require.NoError(t, err)
	assert.True(t, res.Replaced)

	res, err = s.Acknowledge(tmp.ID, models.Message{ID: "srv-1", SenderID: self, RecipientID: peer, Body: "hi", CreatedAt: base})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	conv, _ := s.Conversation(models.Key(self, peer))
	assert.Equal(t, []string{"srv-1"}, bodies(conv))
}

func TestOptimisticSend_EchoWithoutClientRef(t *testing.T) {
	s := newStore()

	tmp, err := s.ApplyOptimisticSend(models.Draft{RecipientID: peer, Body: "hi"})
	require.NoError(t, err)

	_, err = s.ApplyIncoming(models.Message{ID: "srv-1", SenderID: self, RecipientID: peer, Body: "hi", CreatedAt: base})
	require.NoError(t, err)

	_, err = s.Acknowledge(tmp.ID, models.Message{ID: "srv-1", SenderID: self, RecipientID: peer, Body: "hi", CreatedAt: base})
	require.NoError(t, err)

	conv, _ := s.Conversation(models.Key(self, peer))
	assert.Equal(t, []string{"srv-1"}, bodies(conv))
	assert.Equal(t, 0, s.PendingCount())
}

func TestOptimisticSend_TimeoutMarksFailed(t *testing.T) {
	s := newStore()

	tmp, err := s.ApplyOptimisticSend(models.Draft{RecipientID: peer, Body: "hi"})
	require.NoError(t, err)

	assert.Empty(t, s.ExpirePending(base.Add(5*time.Second)))
	failed := s.ExpirePending(base.Add(11 * time.Second))
	require.Len(t, failed, 1)
	assert.Equal(t, tmp.ID, failed[0].ID)
	assert.True(t, failed[0].SendFailed)
	assert.Equal(t, 0, s.PendingCount())

	conv, _ := s.Conversation(models.Key(self, peer))
	require.Len(t, conv.Messages, 1)
	assert.True(t, conv.Messages[0].SendFailed)

	retry, err := s.PrepareRetry(tmp.ID)
	require.NoError(t, err)
	assert.False(t, retry.SendFailed)
	assert.Equal(t, 1, s.PendingCount())

	// a late ack still reconciles the failed entry
	_, err = s.Acknowledge(tmp.ID, models.Message{ID: "srv-9", SenderID: self, RecipientID: peer, CreatedAt: base})
	require.NoError(t, err)
	conv, _ = s.Conversation(models.Key(self, peer))
	assert.Equal(t, []string{"srv-9"}, bodies(conv))
	assert.False(t, conv.Messages[0].SendFailed)
}

func TestFail_UnknownTemp(t *testing.T) {
	s := newStore()
	_, err := s.Fail("tmp-missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestMarkRead_UpTo(t *testing.T) {
	s := newStore()
	key := models.Key(self, peer)
	for i, id := range []string{"m1", "m2", "m3"} {
		_, err := s.ApplyIncoming(incoming(id, i+1))
		require.NoError(t, err)
	}
	_, err := s.ApplyOptimisticSend(models.Draft{RecipientID: peer, Body: "mine", CreatedAt: base.Add(10 * time.Second)})
	require.NoError(t, err)

	changed, err := s.MarkRead(key, "m2")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, changed)

	conv, _ := s.Conversation(key)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, []string{"m3"}, s.UnreadIDs(key))

	changed, err = s.MarkRead(key, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"m3"}, changed)

	changed, err = s.MarkRead(key, "")
	require.NoError(t, err)
	assert.Empty(t, changed)

	conv, _ = s.Conversation(key)
	assert.Equal(t, 0, conv.UnreadCount)
	// own messages keep their send state
	assert.Equal(t, models.ReadStateSent, conv.Messages[3].ReadState)
}

func TestMarkRead_Unknown(t *testing.T) {
	s := newStore()
	_, err := s.MarkRead(models.Key(self, "nobody"), "")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	key := s.Open(peer)
	_, err = s.MarkRead(key, "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestMergeHistory_NeverDowngradesRead(t *testing.T) {
	s := newStore()
	key := models.Key(self, peer)
	_, err := s.ApplyIncoming(incoming("m1", 1))
	require.NoError(t, err)
	_, err = s.MarkRead(key, "")
	require.NoError(t, err)
	tmp, err := s.ApplyOptimisticSend(models.Draft{RecipientID: peer, Body: "in flight", CreatedAt: base.Add(10 * time.Second)})
	require.NoError(t, err)

	stale := incoming("m1", 1)
	stale.ReadState = models.ReadStateDelivered
	_, err = s.MergeHistory([]models.Message{stale, incoming("m2", 2)})
	require.NoError(t, err)

	conv, _ := s.Conversation(key)
	assert.Equal(t, []string{"m1", "m2", tmp.ID}, bodies(conv))
	assert.Equal(t, models.ReadStateRead, conv.Messages[0].ReadState)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestSetLock_Guards(t *testing.T) {
	s := newStore()
	key := s.Open(peer)

	err := s.SetLock(AccountScope(), models.LockStateLocked, Guard{})
	var lockErr *models.LockStateError
	require.True(t, errors.As(err, &lockErr))
	assert.True(t, errors.Is(err, models.ErrLockNotConfigured))

	require.NoError(t, s.SetLock(AccountScope(), models.LockStateLocked, Guard{PassphraseConfigured: true}))
	assert.Equal(t, models.LockStateLocked, s.AccountLock())
	assert.Equal(t, models.LockStateLocked, s.LockState(key))

	// conversations created while locked join the locked bucket
	other := s.Open("user-other")
	assert.Equal(t, models.LockStateLocked, s.LockState(other))

	err = s.SetLock(AccountScope(), models.LockStateNormal, Guard{PassphraseConfigured: true})
	assert.True(t, errors.Is(err, models.ErrUnlockNotVerified))

	require.NoError(t, s.SetLock(AccountScope(), models.LockStateNormal, Guard{Verified: true}))
	assert.Equal(t, models.LockStateNormal, s.LockState(key))

	// repeating the current state is a no-op
	assert.NoError(t, s.SetLock(AccountScope(), models.LockStateNormal, Guard{}))
}

func TestEmpty_KeepsConversation(t *testing.T) {
	s := newStore()
	key := models.Key(self, peer)
	_, err := s.ApplyIncoming(incoming("m1", 1))
	require.NoError(t, err)

	s.Empty(key)

	conv, ok := s.Conversation(key)
	require.True(t, ok)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, 0, conv.UnreadCount)
	assert.Equal(t, int64(0), s.MaxSeq(key))
}

func TestConversations_MostRecentFirst(t *testing.T) {
	s := newStore()
	_, err := s.ApplyIncoming(incoming("old", 1))
	require.NoError(t, err)
	_, err = s.ApplyIncoming(models.Message{ID: "new", SenderID: "user-b", RecipientID: self, CreatedAt: base.Add(time.Minute)})
	require.NoError(t, err)

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "user-b", convs[0].PeerID)
	assert.Equal(t, peer, convs[1].PeerID)
	assert.Equal(t, 2, s.UnreadTotal())
}
