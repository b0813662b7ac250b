package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"scuffedchat/lock"
	"scuffedchat/middleware"
)

type passphraseRequest struct {
	Passphrase string `json:"passphrase"`
}

// GetMe returns the account the server runs as
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         user.UserID,
		"email":      user.Email,
		"expires_at": user.ExpiresAt,
	})
}

// GetStatus returns connection and lock state
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// ToggleLock locks the account, or unlocks it with the passphrase in the body
func (h *Handler) ToggleLock(w http.ResponseWriter, r *http.Request) {
	var req passphraseRequest
	// locking needs no body
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	state, err := h.svc.ToggleLock(r.Context(), req.Passphrase)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lock_state": string(state)})
}

// ConfigurePassphrase sets the lock passphrase
func (h *Handler) ConfigurePassphrase(w http.ResponseWriter, r *http.Request) {
	var req passphraseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := lock.ValidatePassphrase(req.Passphrase); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.ConfigurePassphrase(r.Context(), req.Passphrase); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
