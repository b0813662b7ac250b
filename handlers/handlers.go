package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"scuffedchat/core"
	"scuffedchat/lock"
	"scuffedchat/models"
)

// Service is the session API the HTTP layer drives
type Service interface {
	Snapshot() *core.Snapshot
	Notifications() []models.NotificationItem
	Conversation(peerID string) (models.Conversation, bool)
	Status() core.Status
	OpenConversation(ctx context.Context, peerID string) (models.Conversation, error)
	CloseConversation(ctx context.Context, peerID string) error
	SendChatMessage(ctx context.Context, peerID, body string) (models.Message, error)
	RetrySend(ctx context.Context, tempID string) (models.Message, error)
	ToggleLock(ctx context.Context, passphrase string) (models.LockState, error)
	ConfigurePassphrase(ctx context.Context, passphrase string) error
	RespondFriendRequest(ctx context.Context, requestID string, accept bool) error
	ConsumeNotification(ctx context.Context, id string) (bool, error)
}

// PublicConfig is what the UI needs to talk to Supabase directly
type PublicConfig struct {
	SupabaseURL     string `json:"supabaseUrl"`
	SupabaseAnonKey string `json:"supabaseAnonKey"`
}

// Handler serves the local API of one session
type Handler struct {
	svc    Service
	hub    *Hub
	config PublicConfig
	logger zerolog.Logger
}

// New creates the API handler
func New(svc Service, hub *Hub, config PublicConfig, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:    svc,
		hub:    hub,
		config: config,
		logger: logger.With().Str("component", "http").Logger(),
	}
}

// Routes registers every endpoint on r behind authMW
func (h *Handler) Routes(r *mux.Router, authMW mux.MiddlewareFunc) {
	r.HandleFunc("/api/config", h.GetConfig).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(authMW)
	api.HandleFunc("/me", h.GetMe).Methods(http.MethodGet)
	api.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/notifications", h.GetNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}/consume", h.ConsumeNotification).Methods(http.MethodPost)
	api.HandleFunc("/conversations", h.GetConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{peerId}", h.GetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{peerId}/open", h.OpenConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{peerId}/close", h.CloseConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{peerId}/messages", h.SendMessage).Methods(http.MethodPost)
	api.HandleFunc("/messages/{tempId}/retry", h.RetrySend).Methods(http.MethodPost)
	api.HandleFunc("/lock/toggle", h.ToggleLock).Methods(http.MethodPost)
	api.HandleFunc("/lock/passphrase", h.ConfigurePassphrase).Methods(http.MethodPost)
	api.HandleFunc("/friends/requests/{id}/accept", h.AcceptFriendRequest).Methods(http.MethodPost)
	api.HandleFunc("/friends/requests/{id}/decline", h.DeclineFriendRequest).Methods(http.MethodPost)

	r.Handle("/ws", authMW(http.HandlerFunc(h.HandleWebSocket)))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps session errors onto status codes
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var lockErr *models.LockStateError
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrChatLocked):
		writeError(w, http.StatusLocked, err.Error())
	case errors.Is(err, models.ErrAuth):
		writeError(w, http.StatusForbidden, "Passphrase verification failed")
	case errors.As(err, &lockErr),
		errors.Is(err, models.ErrLockNotConfigured),
		errors.Is(err, lock.ErrToggleInProgress),
		errors.Is(err, core.ErrSendInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrSendRejected):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, core.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrClosed), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "Session is not running")
	default:
		h.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

// GetConfig returns the public Supabase settings
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config)
}
