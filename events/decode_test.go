package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scuffedchat/models"
)

const self = "user-self"

func changeJSON(table, typ, record string) json.RawMessage {
	return json.RawMessage(`{"ids":[1],"data":{"schema":"public","table":"` + table +
		`","type":"` + typ + `","commit_timestamp":"2026-03-01T12:00:00Z","record":` + record + `}}`)
}

func TestDecodeChange_Message(t *testing.T) {
	ev, err := DecodeChange(changeJSON("messages", "INSERT",
		`{"id":"m1","sender_id":"user-p","recipient_id":"user-self","body":"hi","created_at":"2026-03-01T12:00:00.123456+00:00","seq":7,"read_at":null,"locked":false}`), self)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, models.EventMessageCreated, ev.Kind)

	msg := ev.Message
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, models.Key("user-p", self), msg.ConversationKey)
	assert.Equal(t, int64(7), msg.Seq)
	assert.Equal(t, models.ReadStateDelivered, msg.ReadState)
	assert.True(t, msg.CreatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)))
}

func TestDecodeChange_OwnEchoCarriesClientRef(t *testing.T) {
	ev, err := DecodeChange(changeJSON("messages", "INSERT",
		`{"id":"m2","client_ref":"tmp-1","sender_id":"user-self","recipient_id":"user-p","body":"yo","created_at":1772366400000,"seq":8}`), self)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "tmp-1", ev.Message.ClientRef)
	assert.Equal(t, models.ReadStateSent, ev.Message.ReadState)
	assert.Equal(t, int64(1772366400000), ev.Message.CreatedAt.UnixMilli())
}

func TestDecodeChange_ReadAndLocked(t *testing.T) {
	ev, err := DecodeChange(changeJSON("messages", "INSERT",
		`{"id":"m3","sender_id":"user-p","recipient_id":"user-self","body":"x","created_at":"2026-03-01 12:00:00","read_at":"2026-03-01 12:01:00","locked":true}`), self)
	require.NoError(t, err)
	assert.Equal(t, models.ReadStateRead, ev.Message.ReadState)
	assert.True(t, ev.Message.Locked)
}

func TestDecodeChange_FriendRequest(t *testing.T) {
	ev, err := DecodeChange(changeJSON("friends", "INSERT",
		`{"id":"f1","user_id":"user-q","friend_id":"user-self","status":"pending","created_at":"2026-03-01T12:00:00Z"}`), self)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.EventFriendRequestCreated, ev.Kind)
	assert.Equal(t, "f1", ev.FriendRequest.ID)
	assert.Equal(t, "user-q", ev.FriendRequest.From.ID)

	ev, err = DecodeChange(changeJSON("friends", "INSERT",
		`{"id":"f2","user_id":"user-q","friend_id":"user-self","status":"accepted"}`), self)
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = DecodeChange(changeJSON("friends", "INSERT",
		`{"id":"f3","user_id":"user-self","friend_id":"user-q","status":"pending"}`), self)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestDecodeChange_Ignored(t *testing.T) {
	ev, err := DecodeChange(changeJSON("messages", "UPDATE", `{"id":"m1"}`), self)
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = DecodeChange(changeJSON("profiles", "INSERT", `{"id":"u1"}`), self)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestDecodeChange_Malformed(t *testing.T) {
	cases := map[string]json.RawMessage{
		"not json":        json.RawMessage(`{`),
		"no data":         json.RawMessage(`{"ids":[]}`),
		"bad record":      changeJSON("messages", "INSERT", `"oops"`),
		"missing id":      changeJSON("messages", "INSERT", `{"sender_id":"user-p","recipient_id":"user-self"}`),
		"foreign":         changeJSON("messages", "INSERT", `{"id":"m9","sender_id":"user-a","recipient_id":"user-b"}`),
		"bad timestamp":   changeJSON("messages", "INSERT", `{"id":"m9","sender_id":"user-p","recipient_id":"user-self","created_at":"yesterday"}`),
		"friend no owner": changeJSON("friends", "INSERT", `{"id":"f9","friend_id":"user-self"}`),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			ev, err := DecodeChange(payload, self)
			assert.Nil(t, ev)
			assert.ErrorIs(t, err, models.ErrMalformedEvent)
		})
	}
}
