package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	myMiddleware "clientportal/internal/middleware"
	"clientportal/internal/user"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin is enforced by the CORS layer on the router.
	},
}

// DirectoryService resolves sender identities for messages composed
// outside a live connection.
type DirectoryService interface {
	Lookup(ctx context.Context, senderID string) (*user.User, error)
	Remember(ctx context.Context, u *user.User) error
}

// Handler is the stateless entry point mapping conversation ids to room
// coordinators. It holds no per-room state of its own.
type Handler struct {
	registry  *Registry
	store     Store
	directory DirectoryService
	log       zerolog.Logger
}

func NewHandler(registry *Registry, store Store, directory DirectoryService, log zerolog.Logger) *Handler {
	return &Handler{
		registry:  registry,
		store:     store,
		directory: directory,
		log:       log,
	}
}

// ServeWs validates identity parameters and forwards the upgrade to the
// conversation's coordinator. Identity must be rejected before any
// session or socket exists.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	senderID := r.URL.Query().Get("senderId")
	displayName := r.URL.Query().Get("displayName")

	if senderID == "" || displayName == "" {
		h.error(w, http.StatusBadRequest, "senderId and displayName are required")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		h.error(w, http.StatusUpgradeRequired, "websocket upgrade required")
		return
	}

	avatarURL := r.URL.Query().Get("avatar")
	identity := &user.User{ID: senderID, DisplayName: displayName, AvatarURL: avatarURL}
	if err := h.directory.Remember(r.Context(), identity); err != nil {
		h.log.Warn().Err(err).Str("sender", senderID).Msg("identity upsert failed")
	}
	if avatarURL == "" {
		if known, err := h.directory.Lookup(r.Context(), senderID); err == nil {
			avatarURL = known.AvatarURL
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	s := newSession(nil, conn, senderID, displayName, avatarURL)
	h.registry.Join(roomID, s)

	go s.writePump()
	go s.readPump()
}

type postMessageRequest struct {
	Text  string `json:"text"`
	Nonce string `json:"nonce,omitempty"`
}

// PostMessage is the optimistic-send path: it persists through the
// room's serialized coordinator and fans out to live sessions, excluding
// the sender's own. The canonical message comes back to the caller.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	senderID, ok := r.Context().Value(myMiddleware.SenderKey).(string)
	displayName, ok2 := r.Context().Value(myMiddleware.UsernameKey).(string)
	if !ok || !ok2 {
		h.error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		h.error(w, http.StatusBadRequest, "text is required")
		return
	}

	draft := Draft{
		SenderID:   senderID,
		SenderName: displayName,
		Text:       req.Text,
		Nonce:      req.Nonce,
	}
	if identity, err := h.directory.Lookup(r.Context(), senderID); err == nil {
		draft.SenderAvatar = identity.AvatarURL
		if identity.DisplayName != "" {
			draft.SenderName = identity.DisplayName
		}
	}

	msg, err := h.registry.Submit(r.Context(), roomID, draft)
	if err != nil {
		h.error(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	h.json(w, http.StatusCreated, msg)
}

type relayRequestBody struct {
	Message         Message `json:"message"`
	ExcludeSenderID string  `json:"excludeSenderId,omitempty"`
}

// Relay fans an externally persisted message out to live sessions
// through the same serialized room path as socket-originated events.
func (h *Handler) Relay(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	var req relayRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message.ID == "" || req.Message.Text == "" {
		h.error(w, http.StatusBadRequest, "message id and text are required")
		return
	}

	req.Message.RoomID = roomID
	h.registry.Relay(roomID, &req.Message, req.ExcludeSenderID)

	w.WriteHeader(http.StatusAccepted)
}

type messagesResponse struct {
	RoomID   string    `json:"roomId"`
	Messages []Message `json:"messages"`
}

// GetMessages returns the full ordered history for a room; clients call
// it on every `connected` ack to resync. Reading history clears unread.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	msgs, err := h.store.ListMessages(r.Context(), roomID)
	if err != nil {
		h.error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if err := h.store.ResetUnread(r.Context(), roomID); err != nil {
		h.log.Warn().Err(err).Str("room", roomID).Msg("unread reset failed")
	}
	if msgs == nil {
		msgs = []Message{}
	}

	h.json(w, http.StatusOK, messagesResponse{RoomID: roomID, Messages: msgs})
}

type startConversationRequest struct {
	ClientID string `json:"clientId"`
	Title    string `json:"title,omitempty"`
}

// StartConversation finds or creates the conversation for a client
// identity. Called by the portal when a client first opens the chat.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.ClientID) == "" {
		h.error(w, http.StatusBadRequest, "clientId is required")
		return
	}

	sum, err := h.store.FindOrCreateConversation(r.Context(), req.ClientID, req.Title)
	if err != nil {
		h.error(w, http.StatusInternalServerError, "failed to provision conversation")
		return
	}

	h.json(w, http.StatusOK, sum)
}

// ListConversations returns summaries for the dashboard sidebar.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	sums, err := h.store.ListConversations(r.Context())
	if err != nil {
		h.error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if sums == nil {
		sums = []RoomSummary{}
	}
	h.json(w, http.StatusOK, sums)
}

// Health reports store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	h.json(w, code, map[string]any{
		"status":    status,
		"rooms":     h.registry.Len(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) error(w http.ResponseWriter, code int, msg string) {
	h.json(w, code, map[string]string{"error": msg})
}
