// Package lock implements the account-wide chat lock.
//
// Normal -> Locked needs a configured passphrase and an explicit toggle.
// Locked -> Normal needs the passphrase to be verified by the backend.
// While Locked, outbound sends are refused; inbound messages are still stored
// but kept out of notifications.
package lock

import (
	"errors"

	"scuffedchat/conversation"
	"scuffedchat/models"
)

// ErrToggleInProgress is returned while a previous toggle awaits the backend
var ErrToggleInProgress = errors.New("lock toggle already in progress")

// Transition is a toggle that has passed its local guards and now waits for
// the backend.
type Transition struct {
	From   models.LockState
	Target models.LockState
}

// NeedsPassphrase reports whether the backend must verify a passphrase
func (t Transition) NeedsPassphrase() bool {
	return t.Target == models.LockStateNormal
}

// Machine holds the lock state of the signed-in account. It is not safe for
// concurrent use.
type Machine struct {
	state      models.LockState
	configured bool
	inFlight   bool
}

// New returns a machine in the Normal state with no passphrase configured
func New() *Machine {
	return &Machine{state: models.LockStateNormal}
}

// Restore loads the state reported by the backend into the machine and the
// conversation buckets.
func (m *Machine) Restore(status models.LockStatus, store *conversation.Store) error {
	m.configured = status.PassphraseConfigured
	target := models.LockStateNormal
	if status.Locked {
		target = models.LockStateLocked
	}
	// the backend is authoritative here, nothing to verify locally
	if err := store.SetLock(conversation.AccountScope(), target, conversation.Guard{PassphraseConfigured: true, Verified: true}); err != nil {
		return err
	}
	m.state = target
	return nil
}

// State returns the current lock state
func (m *Machine) State() models.LockState {
	return m.state
}

// Configured reports whether a passphrase is set
func (m *Machine) Configured() bool {
	return m.configured
}

// SetConfigured records that a passphrase was stored by the backend
func (m *Machine) SetConfigured(configured bool) {
	m.configured = configured
}

// CheckSend refuses outbound messages while the account is locked
func (m *Machine) CheckSend() error {
	if m.state == models.LockStateLocked {
		return models.ErrChatLocked
	}
	return nil
}

// Begin validates a toggle and reserves it until Complete or Abort
func (m *Machine) Begin() (Transition, error) {
	if m.inFlight {
		return Transition{}, ErrToggleInProgress
	}
	t := Transition{From: m.state, Target: models.LockStateLocked}
	if m.state == models.LockStateLocked {
		t.Target = models.LockStateNormal
	}
	if t.Target == models.LockStateLocked && !m.configured {
		return Transition{}, &models.LockStateError{Requested: t.Target, Cause: models.ErrLockNotConfigured}
	}
	m.inFlight = true
	return t, nil
}

// Complete applies t once the backend accepted it. verified tells whether the
// backend checked the passphrase.
func (m *Machine) Complete(t Transition, verified bool, store *conversation.Store) error {
	m.inFlight = false
	guard := conversation.Guard{PassphraseConfigured: m.configured, Verified: verified}
	if err := store.SetLock(conversation.AccountScope(), t.Target, guard); err != nil {
		return err
	}
	m.state = t.Target
	return nil
}

// Abort releases a reserved toggle without changing state
func (m *Machine) Abort() {
	m.inFlight = false
}
