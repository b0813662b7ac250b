package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"scuffedchat/models"
)

const messageColumns = "seq, id, client_ref, sender_id, recipient_id, body, created_at, read_at, locked"

// FetchConversationHistory returns messages exchanged with peerID in seq
// order. With sinceSeq > 0 it returns up to limit messages after sinceSeq,
// otherwise the latest limit messages.
func (a *Account) FetchConversationHistory(ctx context.Context, peerID string, sinceSeq int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	order := "DESC"
	if sinceSeq > 0 {
		order = "ASC"
	}
	rows, err := a.db.query(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE ((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))
		  AND seq > ?
		ORDER BY seq `+order+`
		LIMIT ?`,
		a.userID, peerID, peerID, a.userID, sinceSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch history with %s: %w", peerID, err)
	}
	defer rows.Close()

	messages, err := a.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if order == "DESC" {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}

// SendMessage stores an outbound message. clientRef is echoed back so the
// sender can match the row to its optimistic copy.
func (a *Account) SendMessage(ctx context.Context, peerID, body, clientRef string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, fmt.Errorf("%w: empty body", models.ErrSendRejected)
	}
	if peerID == a.userID {
		return models.Message{}, fmt.Errorf("%w: cannot message yourself", models.ErrSendRejected)
	}
	if _, err := a.GetPeer(ctx, peerID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Message{}, fmt.Errorf("%w: recipient not found", models.ErrSendRejected)
		}
		return models.Message{}, err
	}

	status, err := a.AccountLockStatus(ctx)
	if err != nil {
		return models.Message{}, err
	}
	// the account may have been locked from another client
	if status.Locked {
		return models.Message{}, fmt.Errorf("%w: account locked", models.ErrSendRejected)
	}

	id := uuid.NewString()
	createdAt := a.now()
	var ref interface{}
	if clientRef != "" {
		ref = clientRef
	}
	_, err = a.db.exec(ctx,
		"INSERT INTO messages (id, client_ref, sender_id, recipient_id, body, created_at, locked) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, ref, a.userID, peerID, body, millis(createdAt), status.Locked,
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}

	row := a.db.queryRow(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	msg, err := a.scanMessage(row)
	if err != nil {
		return models.Message{}, fmt.Errorf("reload message %s: %w", id, err)
	}
	return msg, nil
}

// UpdateReadState marks ids as read. Only messages addressed to the
// current user are touched and already read ones keep their timestamp.
func (a *Account) UpdateReadState(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, millis(a.now()), a.userID)
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := a.db.exec(ctx,
		"UPDATE messages SET read_at = ? WHERE recipient_id = ? AND read_at IS NULL AND id IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return fmt.Errorf("update read state: %w", err)
	}
	return nil
}

// LatestSeq is the highest seq visible to the current user
func (a *Account) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := a.db.queryRow(ctx,
		"SELECT MAX(seq) FROM messages WHERE sender_id = ? OR recipient_id = ?",
		a.userID, a.userID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return seq.Int64, nil
}

// MessagesAfter returns messages involving the current user with seq
// greater than afterSeq, oldest first.
func (a *Account) MessagesAfter(ctx context.Context, afterSeq int64, limit int) ([]models.Message, error) {
	rows, err := a.db.query(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE (sender_id = ? OR recipient_id = ?) AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`,
		a.userID, a.userID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("messages after %d: %w", afterSeq, err)
	}
	defer rows.Close()
	return a.scanMessages(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (a *Account) scanMessage(row rowScanner) (models.Message, error) {
	var (
		msg       models.Message
		clientRef sql.NullString
		createdAt int64
		readAt    sql.NullInt64
	)
	if err := row.Scan(&msg.Seq, &msg.ID, &clientRef, &msg.SenderID, &msg.RecipientID,
		&msg.Body, &createdAt, &readAt, &msg.Locked); err != nil {
		return models.Message{}, err
	}

	msg.ClientRef = clientRef.String
	msg.CreatedAt = fromMillis(createdAt)
	msg.ConversationKey = models.Key(msg.SenderID, msg.RecipientID)
	switch {
	case readAt.Valid:
		msg.ReadState = models.ReadStateRead
	case msg.SenderID == a.userID:
		msg.ReadState = models.ReadStateSent
	default:
		msg.ReadState = models.ReadStateDelivered
	}
	return msg, nil
}

func (a *Account) scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		msg, err := a.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
