package models

// Peer is a counterpart user as seen from the signed-in account
type Peer struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
}

// Known reports whether the profile fields have been fetched
func (p Peer) Known() bool {
	return p.DisplayName != ""
}

// LockStatus is the account lock configuration reported by the backend
type LockStatus struct {
	PassphraseConfigured bool `json:"passphrase_configured"`
	Locked               bool `json:"locked"`
}
