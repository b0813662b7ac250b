package models

import "errors"

var (
	// ErrTransport is a realtime connection failure
	ErrTransport = errors.New("realtime transport error")
	// ErrSendRejected means the backend refused an outbound message
	ErrSendRejected = errors.New("message send rejected")
	// ErrLockNotConfigured means no lock passphrase is set for the account
	ErrLockNotConfigured = errors.New("chat lock passphrase not configured")
	// ErrAuth means passphrase verification failed
	ErrAuth = errors.New("authentication failed")
	// ErrChatLocked blocks outbound send while the account is locked
	ErrChatLocked = errors.New("chat is locked")
	// ErrUnlockNotVerified means an unlock was attempted without a verified passphrase
	ErrUnlockNotVerified = errors.New("unlock requires verified passphrase")
	// ErrMalformedEvent is an event the core cannot interpret
	ErrMalformedEvent = errors.New("malformed event")
	// ErrNotFound is returned for unknown conversations, messages or requests
	ErrNotFound = errors.New("not found")
)

// LockStateError is returned when a lock transition guard fails
type LockStateError struct {
	Requested LockState
	Cause     error
}

func (e *LockStateError) Error() string {
	return "cannot set lock state " + string(e.Requested) + ": " + e.Cause.Error()
}

func (e *LockStateError) Unwrap() error {
	return e.Cause
}
