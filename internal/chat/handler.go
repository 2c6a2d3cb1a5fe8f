package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	myMiddleware "alumni-chat/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Handler struct {
	hub      *Hub
	gateway  *Gateway
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, gateway *Gateway, log *zap.Logger, checkOrigin func(*http.Request) bool) *Handler {
	return &Handler{
		hub:     hub,
		gateway: gateway,
		log:     log.Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeWs verifies the credential before upgrading. A rejected handshake
// gets a plain 401 and never reaches the presence tracker.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, err := h.gateway.Authenticate(myMiddleware.ExtractToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.Info("websocket upgrade failed", zap.Int64("user_id", userID), zap.Error(errors.Join(ErrTransport, err)))
		return
	}

	conn := h.gateway.Register(userID, username)
	client := NewClient(h.hub, h.gateway, ws, conn, h.log)
	go client.WritePump()
	go client.ReadPump()
}

type startConversationRequest struct {
	TargetID int64 `json:"target_id"`
}

type createGroupRequest struct {
	Title string `json:"title"`
}

type contentConversationRequest struct {
	ContentID string `json:"content_id"`
	Title     string `json:"title"`
	OwnerID   int64  `json:"owner_id"`
}

type conversationResponse struct {
	ConversationID int64 `json:"conversation_id"`
	*Conversation
}

// StartConversation finds or creates the direct conversation with target_id.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidArgument)
		return
	}
	conv, err := h.hub.OpenDirect(r.Context(), userID, req.TargetID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{ConversationID: conv.ID, Conversation: conv})
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidArgument)
		return
	}
	conv, err := h.hub.CreateGroup(r.Context(), userID, req.Title)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conversationResponse{ConversationID: conv.ID, Conversation: conv})
}

// StartContentConversation is called when the caller responds to a posting
// owned by owner_id.
func (h *Handler) StartContentConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req contentConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidArgument)
		return
	}
	conv, err := h.hub.OpenContentConversation(r.Context(), req.ContentID, req.Title, userID, req.OwnerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{ConversationID: conv.ID, Conversation: conv})
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	convs, err := h.hub.Conversations(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if convs == nil {
		convs = []*Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) JoinConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	convID, ok := h.conversationID(w, r)
	if !ok {
		return
	}
	role, err := h.hub.Join(r.Context(), convID, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MembershipPayload{ConversationID: convID, UserID: userID, Role: role})
}

func (h *Handler) LeaveConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	convID, ok := h.conversationID(w, r)
	if !ok {
		return
	}
	if err := h.hub.Leave(r.Context(), convID, userID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetChatHistory serves GET /api/conversations/{id}/messages?before=&limit=.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	convID, ok := h.conversationID(w, r)
	if !ok {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, ErrInvalidArgument)
			return
		}
		limit = n
	}

	page, err := h.hub.History(r.Context(), userID, convID, r.URL.Query().Get("before"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []*Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, _, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return 0, false
	}
	return userID, true
}

func (h *Handler) conversationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, ErrInvalidArgument)
		return 0, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code, msg := PublicError(err)
	status := http.StatusServiceUnavailable
	switch code {
	case "unauthorized":
		status = http.StatusUnauthorized
	case "forbidden":
		status = http.StatusForbidden
	case "not_found":
		status = http.StatusNotFound
	case "invalid":
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
