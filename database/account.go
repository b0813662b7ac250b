package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"scuffedchat/models"
)

// Account is the backend as seen by one signed-in user
type Account struct {
	db     *DB
	userID string
	now    func() time.Time
}

// Account scopes queries to userID
func (db *DB) Account(userID string) *Account {
	return &Account{db: db, userID: userID, now: time.Now}
}

// CurrentUserID returns the id of the signed-in user
func (a *Account) CurrentUserID() string {
	return a.userID
}

// UpsertProfile creates or updates a profile row
func (db *DB) UpsertProfile(ctx context.Context, peer models.Peer) error {
	if peer.ID == "" {
		return fmt.Errorf("profile id is required")
	}
	_, err := db.exec(ctx,
		`INSERT INTO profiles (id, display_name, avatar, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, avatar = excluded.avatar`,
		peer.ID, peer.DisplayName, peer.AvatarRef, millis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", peer.ID, err)
	}
	return nil
}

// GetPeer loads the public profile of id
func (a *Account) GetPeer(ctx context.Context, id string) (models.Peer, error) {
	peer := models.Peer{}
	err := a.db.queryRow(ctx,
		"SELECT id, display_name, avatar FROM profiles WHERE id = ?",
		id,
	).Scan(&peer.ID, &peer.DisplayName, &peer.AvatarRef)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Peer{}, fmt.Errorf("profile %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Peer{}, fmt.Errorf("get profile %s: %w", id, err)
	}
	return peer, nil
}
