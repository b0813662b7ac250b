package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"scuffedchat/lock"
	"scuffedchat/models"
)

func (a *Account) lockRow(ctx context.Context) (hash string, locked bool, err error) {
	err = a.db.queryRow(ctx,
		"SELECT passphrase_hash, locked FROM account_locks WHERE user_id = ?",
		a.userID,
	).Scan(&hash, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load lock state: %w", err)
	}
	return hash, locked, nil
}

// AccountLockStatus reports whether a passphrase exists and the account is locked
func (a *Account) AccountLockStatus(ctx context.Context) (models.LockStatus, error) {
	hash, locked, err := a.lockRow(ctx)
	if err != nil {
		return models.LockStatus{}, err
	}
	return models.LockStatus{PassphraseConfigured: hash != "", Locked: locked}, nil
}

// ConfigureLockPassphrase stores the bcrypt hash of passphrase. Changing an
// existing passphrase does not change the lock state.
func (a *Account) ConfigureLockPassphrase(ctx context.Context, passphrase string) error {
	hash, err := lock.HashPassphrase(passphrase)
	if err != nil {
		return err
	}
	_, err = a.db.exec(ctx,
		`INSERT INTO account_locks (user_id, passphrase_hash, locked, updated_at) VALUES (?, ?, FALSE, ?)
		ON CONFLICT(user_id) DO UPDATE SET passphrase_hash = excluded.passphrase_hash, updated_at = excluded.updated_at`,
		a.userID, hash, millis(a.now()),
	)
	if err != nil {
		return fmt.Errorf("store passphrase: %w", err)
	}
	return nil
}

// SetAccountLock locks or unlocks the account. Unlocking verifies
// passphrase and fails with models.ErrAuth on mismatch; locking needs a
// configured passphrase but does not check it.
func (a *Account) SetAccountLock(ctx context.Context, locked bool, passphrase string) error {
	hash, _, err := a.lockRow(ctx)
	if err != nil {
		return err
	}
	if hash == "" {
		return models.ErrLockNotConfigured
	}
	if !locked {
		if err := lock.VerifyPassphrase(hash, passphrase); err != nil {
			return err
		}
	}

	_, err = a.db.exec(ctx,
		"UPDATE account_locks SET locked = ?, updated_at = ? WHERE user_id = ?",
		locked, millis(a.now()), a.userID,
	)
	if err != nil {
		return fmt.Errorf("set lock: %w", err)
	}
	return nil
}
