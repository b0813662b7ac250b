package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"scuffedchat/models"
)

// SendFriendRequest asks toID to become a friend of the current user
func (a *Account) SendFriendRequest(ctx context.Context, toID string) (models.FriendRequest, error) {
	if toID == a.userID {
		return models.FriendRequest{}, fmt.Errorf("cannot befriend yourself")
	}
	if _, err := a.GetPeer(ctx, toID); err != nil {
		return models.FriendRequest{}, err
	}

	req := models.FriendRequest{
		ID:        uuid.NewString(),
		From:      models.Peer{ID: a.userID},
		Status:    models.FriendStatusPending,
		CreatedAt: a.now().UTC().Truncate(time.Millisecond),
	}
	_, err := a.db.exec(ctx,
		"INSERT INTO friends (id, user_id, friend_id, status, created_at) VALUES (?, ?, ?, ?, ?)",
		req.ID, a.userID, toID, string(req.Status), millis(req.CreatedAt),
	)
	if err != nil {
		return models.FriendRequest{}, fmt.Errorf("create friend request: %w", err)
	}
	return req, nil
}

// PendingFriendRequests lists requests addressed to the current user
func (a *Account) PendingFriendRequests(ctx context.Context) ([]models.FriendRequest, error) {
	rows, err := a.db.query(ctx,
		`SELECT f.id, f.user_id, COALESCE(p.display_name, ''), COALESCE(p.avatar, ''), f.status, f.created_at
		FROM friends f
		LEFT JOIN profiles p ON p.id = f.user_id
		WHERE f.friend_id = ? AND f.status = 'pending'
		ORDER BY f.created_at ASC`,
		a.userID,
	)
	if err != nil {
		return nil, fmt.Errorf("pending friend requests: %w", err)
	}
	defer rows.Close()

	var requests []models.FriendRequest
	for rows.Next() {
		var (
			req       models.FriendRequest
			status    string
			createdAt int64
		)
		if err := rows.Scan(&req.ID, &req.From.ID, &req.From.DisplayName, &req.From.AvatarRef, &status, &createdAt); err != nil {
			return nil, err
		}
		req.Status = models.FriendStatus(status)
		req.CreatedAt = fromMillis(createdAt)
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// RespondFriendRequest accepts or declines a pending request sent to the
// current user.
func (a *Account) RespondFriendRequest(ctx context.Context, requestID string, accept bool) error {
	status := models.FriendStatusDeclined
	if accept {
		status = models.FriendStatusAccepted
	}
	result, err := a.db.exec(ctx,
		"UPDATE friends SET status = ? WHERE id = ? AND friend_id = ? AND status = 'pending'",
		string(status), requestID, a.userID,
	)
	if err != nil {
		return fmt.Errorf("respond to friend request: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("friend request %s: %w", requestID, models.ErrNotFound)
	}
	return nil
}
