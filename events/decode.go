package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"scuffedchat/models"
)

// frame is a Phoenix channel message (serializer vsn 1.0.0)
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type changePayload struct {
	Data *change `json:"data"`
}

type change struct {
	Schema string          `json:"schema"`
	Table  string          `json:"table"`
	Type   string          `json:"type"`
	Record json.RawMessage `json:"record"`
}

type messageRecord struct {
	ID          string    `json:"id"`
	ClientRef   *string   `json:"client_ref"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Body        string    `json:"body"`
	CreatedAt   timestamp `json:"created_at"`
	Seq         int64     `json:"seq"`
	ReadAt      timestamp `json:"read_at"`
	Locked      bool      `json:"locked"`
}

type friendRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	FriendID  string    `json:"friend_id"`
	Status    string    `json:"status"`
	CreatedAt timestamp `json:"created_at"`
}

// timestamp accepts Postgres timestamptz text or unix milliseconds
type timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999Z07:00",
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999Z07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999",
}

func (t *timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("timestamp %s: %w", data, err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

// DecodeChange turns a postgres_changes payload into a domain event for
// selfID. It returns nil, nil for changes that carry no event (other tables,
// updates, requests that are no longer pending). Anything it cannot
// interpret yields an error wrapping models.ErrMalformedEvent.
func DecodeChange(payload json.RawMessage, selfID string) (*models.DomainEvent, error) {
	var p changePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedEvent, err)
	}
	if p.Data == nil || len(p.Data.Record) == 0 {
		return nil, fmt.Errorf("%w: change without record", models.ErrMalformedEvent)
	}
	if p.Data.Type != "INSERT" {
		return nil, nil
	}

	switch p.Data.Table {
	case "messages":
		return decodeMessage(p.Data.Record, selfID)
	case "friends":
		return decodeFriendRequest(p.Data.Record, selfID)
	default:
		return nil, nil
	}
}

func decodeMessage(raw json.RawMessage, selfID string) (*models.DomainEvent, error) {
	var rec messageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: message record: %v", models.ErrMalformedEvent, err)
	}
	if rec.ID == "" || rec.SenderID == "" || rec.RecipientID == "" {
		return nil, fmt.Errorf("%w: message record missing id or participants", models.ErrMalformedEvent)
	}
	if rec.SenderID != selfID && rec.RecipientID != selfID {
		return nil, fmt.Errorf("%w: message %s does not involve %s", models.ErrMalformedEvent, rec.ID, selfID)
	}

	msg := models.Message{
		ID:              rec.ID,
		ConversationKey: models.Key(rec.SenderID, rec.RecipientID),
		SenderID:        rec.SenderID,
		RecipientID:     rec.RecipientID,
		Body:            rec.Body,
		CreatedAt:       rec.CreatedAt.Time,
		Seq:             rec.Seq,
		ReadState:       models.ReadStateDelivered,
		Locked:          rec.Locked,
	}
	if rec.ClientRef != nil {
		msg.ClientRef = *rec.ClientRef
	}
	if rec.SenderID == selfID {
		msg.ReadState = models.ReadStateSent
	}
	if !rec.ReadAt.IsZero() {
		msg.ReadState = models.ReadStateRead
	}
	ev := models.MessageEvent(msg)
	return &ev, nil
}

func decodeFriendRequest(raw json.RawMessage, selfID string) (*models.DomainEvent, error) {
	var rec friendRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: friend record: %v", models.ErrMalformedEvent, err)
	}
	if rec.ID == "" || rec.UserID == "" {
		return nil, fmt.Errorf("%w: friend record missing id or requester", models.ErrMalformedEvent)
	}
	// the subscription filter is friend_id=self; anything else is someone else's row
	if rec.FriendID != selfID {
		return nil, nil
	}
	status := models.FriendStatus(rec.Status)
	if status == "" {
		status = models.FriendStatusPending
	}
	if status != models.FriendStatusPending {
		return nil, nil
	}

	ev := models.FriendRequestEvent(models.FriendRequest{
		ID:        rec.ID,
		From:      models.Peer{ID: rec.UserID},
		Status:    status,
		CreatedAt: rec.CreatedAt.Time,
	})
	return &ev, nil
}
