package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"scuffedchat/models"
)

type sendMessageRequest struct {
	Body string `json:"body"`
}

// GetConversations returns every loaded conversation, most recent first
func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	conversations := h.svc.Snapshot().Conversations
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

// GetConversation returns the conversation with a peer without focusing it
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	peerID := mux.Vars(r)["peerId"]
	conv, ok := h.svc.Conversation(peerID)
	if !ok {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// OpenConversation focuses a conversation and marks it read
func (h *Handler) OpenConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.OpenConversation(r.Context(), mux.Vars(r)["peerId"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// CloseConversation unfocuses a conversation
func (h *Handler) CloseConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CloseConversation(r.Context(), mux.Vars(r)["peerId"]); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SendMessage queues an outbound message and returns its optimistic copy
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Body == "" {
		writeError(w, http.StatusBadRequest, "Message body is required")
		return
	}

	msg, err := h.svc.SendChatMessage(r.Context(), mux.Vars(r)["peerId"], req.Body)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

// RetrySend resends a failed message
func (h *Handler) RetrySend(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.RetrySend(r.Context(), mux.Vars(r)["tempId"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}
