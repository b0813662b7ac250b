package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scuffedchat/models"
	"scuffedchat/retry"
)

type fakeFeed struct {
	mu       sync.Mutex
	msgs     []models.Message
	requests []models.FriendRequest
	fail     bool
}

func (f *fakeFeed) LatestSeq(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("db down")
	}
	var seq int64
	for _, m := range f.msgs {
		if m.Seq > seq {
			seq = m.Seq
		}
	}
	return seq, nil
}

func (f *fakeFeed) MessagesAfter(ctx context.Context, afterSeq int64, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("db down")
	}
	var out []models.Message
	for _, m := range f.msgs {
		if m.Seq > afterSeq && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeFeed) PendingFriendRequests(ctx context.Context) ([]models.FriendRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("db down")
	}
	return append([]models.FriendRequest(nil), f.requests...), nil
}

func (f *fakeFeed) add(msg models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func (f *fakeFeed) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func TestPoller_DeliversOnlyNewRows(t *testing.T) {
	feed := &fakeFeed{
		msgs:     []models.Message{{ID: "old", SenderID: "user-p", RecipientID: self, Seq: 1}},
		requests: []models.FriendRequest{{ID: "f-old", From: models.Peer{ID: "user-q"}}},
	}
	p := NewPoller(feed, 10*time.Millisecond, nil, zerolog.Nop())
	ch, err := p.Subscribe(context.Background(), self)
	require.NoError(t, err)
	defer p.Unsubscribe()

	assert.Equal(t, models.Connecting, next(t, ch).Connection.State)
	assert.Equal(t, models.Connected, next(t, ch).Connection.State)

	feed.add(models.Message{ID: "new", SenderID: "user-p", RecipientID: self, Seq: 2})
	ev := next(t, ch)
	require.Equal(t, models.EventMessageCreated, ev.Kind)
	assert.Equal(t, "new", ev.Message.ID)

	feed.mu.Lock()
	feed.requests = append(feed.requests, models.FriendRequest{ID: "f-new", From: models.Peer{ID: "user-r"}})
	feed.mu.Unlock()
	ev = next(t, ch)
	require.Equal(t, models.EventFriendRequestCreated, ev.Kind)
	assert.Equal(t, "f-new", ev.FriendRequest.ID)
}

func TestPoller_ReconnectTriggersResync(t *testing.T) {
	feed := &fakeFeed{}
	resynced := make(chan struct{}, 1)
	p := NewPoller(feed, 10*time.Millisecond, func(ctx context.Context) {
		select {
		case resynced <- struct{}{}:
		default:
		}
	}, zerolog.Nop())
	p.reconnect = retry.Config{MaxRetries: -1, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}

	ch, err := p.Subscribe(context.Background(), self)
	require.NoError(t, err)
	defer p.Unsubscribe()

	assert.Equal(t, models.Connecting, next(t, ch).Connection.State)
	assert.Equal(t, models.Connected, next(t, ch).Connection.State)

	feed.setFail(true)
	down := next(t, ch)
	assert.Equal(t, models.Disconnected, down.Connection.State)
	assert.ErrorIs(t, down.Connection.Err, models.ErrTransport)

	feed.setFail(false)
	up := next(t, ch)
	assert.Equal(t, models.Connected, up.Connection.State)
	assert.True(t, up.Connection.Reconnected)

	select {
	case <-resynced:
	case <-time.After(time.Second):
		t.Fatal("resync hook was not called")
	}
}

func TestPoller_UnsubscribeClosesChannel(t *testing.T) {
	p := NewPoller(&fakeFeed{}, 10*time.Millisecond, nil, zerolog.Nop())
	ch, err := p.Subscribe(context.Background(), self)
	require.NoError(t, err)

	p.Unsubscribe()
	for range ch {
	}
	p.Unsubscribe()

	_, err = p.Subscribe(context.Background(), "")
	assert.Error(t, err)
}
