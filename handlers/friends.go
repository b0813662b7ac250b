package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"scuffedchat/models"
)

// GetNotifications returns the live notification feed
func (h *Handler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	items := h.svc.Notifications()
	if items == nil {
		items = []models.NotificationItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// ConsumeNotification dismisses one notification
func (h *Handler) ConsumeNotification(w http.ResponseWriter, r *http.Request) {
	consumed, err := h.svc.ConsumeNotification(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if !consumed {
		writeError(w, http.StatusNotFound, "Notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AcceptFriendRequest accepts a pending friend request
func (h *Handler) AcceptFriendRequest(w http.ResponseWriter, r *http.Request) {
	h.respondFriendRequest(w, r, true)
}

// DeclineFriendRequest declines a pending friend request
func (h *Handler) DeclineFriendRequest(w http.ResponseWriter, r *http.Request) {
	h.respondFriendRequest(w, r, false)
}

func (h *Handler) respondFriendRequest(w http.ResponseWriter, r *http.Request, accept bool) {
	requestID := mux.Vars(r)["id"]
	if err := h.svc.RespondFriendRequest(r.Context(), requestID, accept); err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := models.FriendStatusDeclined
	if accept {
		status = models.FriendStatusAccepted
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": requestID, "status": string(status)})
}
