package notify

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scuffedchat/models"
)

const self = "user-self"

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeView struct {
	focused     string
	accountLock models.LockState
	convLocks   map[string]models.LockState
	read        map[string]bool
	peers       map[string]models.Peer
}

func (v *fakeView) Focused(peerID string) bool { return v.focused == peerID }

func (v *fakeView) AccountLock() models.LockState {
	if v.accountLock == "" {
		return models.LockStateNormal
	}
	return v.accountLock
}

func (v *fakeView) ConversationLock(peerID string) models.LockState {
	if st, ok := v.convLocks[peerID]; ok {
		return st
	}
	return models.LockStateNormal
}

func (v *fakeView) IsRead(msg models.Message) bool { return v.read[msg.ID] }

func (v *fakeView) Peer(id string) (models.Peer, bool) {
	p, ok := v.peers[id]
	return p, ok
}

func friendRequest(id, from string, at int) models.DomainEvent {
	return models.FriendRequestEvent(models.FriendRequest{
		ID:        id,
		From:      models.Peer{ID: from},
		Status:    models.FriendStatusPending,
		CreatedAt: base.Add(time.Duration(at) * time.Second),
	})
}

func message(id, from string, at int) models.DomainEvent {
	return models.MessageEvent(models.Message{
		ID:          id,
		SenderID:    from,
		RecipientID: self,
		Body:        "hello from " + from,
		CreatedAt:   base.Add(time.Duration(at) * time.Second),
	})
}

func itemIDs(items []models.NotificationItem) []string {
	var out []string
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestIngest_FriendRequestDedup(t *testing.T) {
	a := New(self, 10, zerolog.Nop())

	item, err := a.Ingest(friendRequest("f1", "user-a", 1), &fakeView{})
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, models.KindFriendRequest, item.Kind)
	assert.Empty(t, item.PayloadSummary)

	item, err = a.Ingest(friendRequest("f1", "user-a", 1), &fakeView{})
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.Len(t, a.Items(), 1)
}

func TestIngest_MessageItems(t *testing.T) {
	a := New(self, 10, zerolog.Nop())
	view := &fakeView{}

	_, err := a.Ingest(message("m1", "user-p", 10), view)
	require.NoError(t, err)
	_, err = a.Ingest(message("m2", "user-p", 12), view)
	require.NoError(t, err)
	_, err = a.Ingest(friendRequest("f1", "user-q", 11), view)
	require.NoError(t, err)

	items := a.Items()
	assert.Equal(t, []string{"message:m2", "friend_request:f1", "message:m1"}, itemIDs(items))
	assert.Equal(t, "hello from user-p", items[0].PayloadSummary)
}

func TestIngest_SkipsFocusedAndOwnAndRead(t *testing.T) {
	a := New(self, 10, zerolog.Nop())

	item, err := a.Ingest(message("m1", "user-p", 1), &fakeView{focused: "user-p"})
	require.NoError(t, err)
	assert.Nil(t, item)

	own := models.MessageEvent(models.Message{ID: "m2", SenderID: self, RecipientID: "user-p", CreatedAt: base})
	item, err = a.Ingest(own, &fakeView{})
	require.NoError(t, err)
	assert.Nil(t, item)

	item, err = a.Ingest(message("m3", "user-p", 3), &fakeView{read: map[string]bool{"m3": true}})
	require.NoError(t, err)
	assert.Nil(t, item)

	assert.Empty(t, a.Items())
}

func TestIngest_LockGating(t *testing.T) {
	a := New(self, 10, zerolog.Nop())

	item, err := a.Ingest(message("m1", "user-p", 1), &fakeView{accountLock: models.LockStateLocked})
	require.NoError(t, err)
	assert.Nil(t, item)

	item, err = a.Ingest(message("m2", "user-p", 2), &fakeView{convLocks: map[string]models.LockState{"user-p": models.LockStateLocked}})
	require.NoError(t, err)
	assert.Nil(t, item)

	locked := message("m3", "user-p", 3)
	locked.Message.Locked = true
	item, err = a.Ingest(locked, &fakeView{})
	require.NoError(t, err)
	assert.Nil(t, item)

	assert.Empty(t, a.Items())
	assert.Equal(t, 3, a.Suppressed())

	// friend requests are not gated by the chat lock
	item, err = a.Ingest(friendRequest("f1", "user-q", 4), &fakeView{accountLock: models.LockStateLocked})
	require.NoError(t, err)
	assert.NotNil(t, item)

	a.ClearSuppressed()
	assert.Equal(t, 0, a.Suppressed())
}

func TestIngest_MalformedIsDropped(t *testing.T) {
	a := New(self, 10, zerolog.Nop())

	cases := []models.DomainEvent{
		{Kind: "bogus"},
		{Kind: models.EventMessageCreated},
		{Kind: models.EventFriendRequestCreated},
		models.FriendRequestEvent(models.FriendRequest{ID: "f1"}),
		models.MessageEvent(models.Message{Body: "no id"}),
	}
	for i, ev := range cases {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			var (
				item *models.NotificationItem
				err  error
			)
			assert.NotPanics(t, func() { item, err = a.Ingest(ev, &fakeView{}) })
			assert.Nil(t, item)
			assert.True(t, errors.Is(err, models.ErrMalformedEvent))
		})
	}

	item, err := a.Ingest(models.ConnectionEvent(models.ConnectionChange{State: models.Connected}), nil)
	assert.NoError(t, err)
	assert.Nil(t, item)
}

func TestConsume_KeepsTombstone(t *testing.T) {
	a := New(self, 10, zerolog.Nop())
	_, err := a.Ingest(friendRequest("f1", "user-a", 1), &fakeView{})
	require.NoError(t, err)

	assert.True(t, a.ConsumeFriendRequest("f1"))
	assert.False(t, a.ConsumeFriendRequest("f1"))
	assert.Empty(t, a.Items())

	// redelivery of the same event does not resurrect it
	item, err := a.Ingest(friendRequest("f1", "user-a", 1), &fakeView{})
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.Empty(t, a.Items())
}

func TestConsumeMessagesFrom(t *testing.T) {
	a := New(self, 10, zerolog.Nop())
	view := &fakeView{}
	for i, ev := range []models.DomainEvent{
		message("m1", "user-p", 1),
		message("m2", "user-p", 2),
		message("m3", "user-q", 3),
		friendRequest("f1", "user-p", 4),
	} {
		_, err := a.Ingest(ev, view)
		require.NoError(t, err, "event %d", i)
	}

	consumed := a.ConsumeMessagesFrom("user-p")
	assert.ElementsMatch(t, []string{"message:m1", "message:m2"}, consumed)
	assert.Equal(t, []string{"friend_request:f1", "message:m3"}, itemIDs(a.Items()))
}

func TestEviction_ConsumedFirstThenOldest(t *testing.T) {
	a := New(self, 3, zerolog.Nop())
	view := &fakeView{}

	for i := 1; i <= 3; i++ {
		_, err := a.Ingest(message(fmt.Sprintf("m%d", i), "user-p", i), view)
		require.NoError(t, err)
	}
	require.True(t, a.Consume("message:m2"))

	_, err := a.Ingest(message("m4", "user-p", 4), view)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Len())
	assert.Equal(t, []string{"message:m4", "message:m3", "message:m1"}, itemIDs(a.Items()))

	_, err = a.Ingest(message("m5", "user-p", 5), view)
	require.NoError(t, err)
	assert.Equal(t, []string{"message:m5", "message:m4", "message:m3"}, itemIDs(a.Items()))

	// an item older than everything in a full list is evicted at once
	item, err := a.Ingest(message("m0", "user-p", 0), view)
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.Equal(t, 3, a.Len())
}

func TestRefreshPeer(t *testing.T) {
	a := New(self, 10, zerolog.Nop())
	_, err := a.Ingest(message("m1", "user-p", 1), &fakeView{})
	require.NoError(t, err)

	a.RefreshPeer(models.Peer{ID: "user-p", DisplayName: "Pat", AvatarRef: "avatars/pat.png"})

	items := a.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "Pat", items[0].SourcePeer.DisplayName)
}

func TestIngest_FillsSourcePeerFromView(t *testing.T) {
	a := New(self, 10, zerolog.Nop())
	pat := models.Peer{ID: "user-p", DisplayName: "Pat", AvatarRef: "avatars/pat.png"}
	view := &fakeView{peers: map[string]models.Peer{"user-p": pat}}

	item, err := a.Ingest(message("m1", "user-p", 1), view)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, pat, item.SourcePeer)

	item, err = a.Ingest(friendRequest("f1", "user-p", 2), view)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, pat, item.SourcePeer)

	// a profile carried by the event wins over the directory
	carried := models.FriendRequestEvent(models.FriendRequest{
		ID:        "f2",
		From:      models.Peer{ID: "user-p", DisplayName: "Patricia"},
		Status:    models.FriendStatusPending,
		CreatedAt: base,
	})
	item, err = a.Ingest(carried, view)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "Patricia", item.SourcePeer.DisplayName)

	item, err = a.Ingest(message("m2", "user-q", 3), view)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, models.Peer{ID: "user-q"}, item.SourcePeer)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "a b c", summarize("  a\n b\tc "))

	long := strings.Repeat("x", 200)
	got := summarize(long)
	assert.Equal(t, summaryLength, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}
