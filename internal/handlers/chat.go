package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/dmrelay/internal/apperr"
	"github.com/pliu/dmrelay/internal/middleware"
	"github.com/pliu/dmrelay/internal/relay"
)

type ChatHandler struct {
	Relay   *relay.Service
	Limiter *middleware.RateLimiter
	Log     *zap.Logger
}

type SendMessageRequest struct {
	ReceiverID  string `json:"receiverId"`
	Body        string `json:"body"`
	ClientToken string `json:"clientToken,omitempty"`
}

func (h *ChatHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *ChatHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if code := apperr.Code(err); code == "storage" || code == "internal" {
		h.logger().Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, err)
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	if h.Limiter != nil && !h.Limiter.Allow(userID) {
		h.fail(w, r, apperr.ErrRateLimited)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, apperr.Validation("invalid request body"))
		return
	}

	msg, err := h.Relay.Send(r.Context(), userID, req.ReceiverID, req.Body, req.ClientToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	counterpartID := mux.Vars(r)["counterpartId"]

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.fail(w, r, apperr.Validation("invalid limit %q", s))
			return
		}
		limit = n
	}

	page, err := h.Relay.History(r.Context(), userID, userID, counterpartID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	messageID, err := strconv.ParseInt(mux.Vars(r)["messageId"], 10, 64)
	if err != nil {
		h.fail(w, r, apperr.Validation("invalid message id"))
		return
	}

	if err := h.Relay.Delete(r.Context(), userID, messageID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *ChatHandler) GetUnreadCounts(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	counts, err := h.Relay.UnreadCounts(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	if err := h.Relay.MarkRead(r.Context(), userID, mux.Vars(r)["counterpartId"]); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *ChatHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["userId"]

	online, err := h.Relay.IsOnline(r.Context(), target)
	if err != nil {
		h.fail(w, r, apperr.Storage("presence lookup", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": target, "online": online})
}
