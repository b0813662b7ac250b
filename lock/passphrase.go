package lock

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"scuffedchat/models"
)

// MinPassphraseLength is the shortest passphrase accepted
const MinPassphraseLength = 4

// ValidatePassphrase checks a new passphrase before it is stored
func ValidatePassphrase(passphrase string) error {
	if len(strings.TrimSpace(passphrase)) < MinPassphraseLength {
		return fmt.Errorf("passphrase must be at least %d characters", MinPassphraseLength)
	}
	return nil
}

// HashPassphrase returns the bcrypt hash stored for the account
func HashPassphrase(passphrase string) (string, error) {
	if err := ValidatePassphrase(passphrase); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(passphrase), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash passphrase: %w", err)
	}
	return string(hash), nil
}

// VerifyPassphrase compares passphrase with a stored hash and returns
// models.ErrAuth on mismatch.
func VerifyPassphrase(hash, passphrase string) error {
	if hash == "" {
		return models.ErrLockNotConfigured
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(passphrase))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return models.ErrAuth
	}
	if err != nil {
		return fmt.Errorf("verify passphrase: %w", err)
	}
	return nil
}
