package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/chatrelay/session-relay/internal/audit"
	apperrors "github.com/chatrelay/session-relay/internal/errors"
	"github.com/chatrelay/session-relay/internal/httputil"
	"github.com/chatrelay/session-relay/internal/model"
	"github.com/chatrelay/session-relay/internal/service"
)

// RelayHandler is the synchronous surface for callers that do not hold a
// viewer stream. It shares the single session with every viewer.
type RelayHandler struct {
	gateway *service.Gateway

	sendGuards    []func(http.Handler) http.Handler
	codeGuards    []func(http.Handler) http.Handler
	webhookGuards []func(http.Handler) http.Handler
}

type RelayOption func(*RelayHandler)

// WithSendGuards wraps POST /send-message.
func WithSendGuards(mws ...func(http.Handler) http.Handler) RelayOption {
	return func(h *RelayHandler) { h.sendGuards = append(h.sendGuards, mws...) }
}

// WithCodeGuards wraps POST /generate-qr.
func WithCodeGuards(mws ...func(http.Handler) http.Handler) RelayOption {
	return func(h *RelayHandler) { h.codeGuards = append(h.codeGuards, mws...) }
}

// WithWebhookGuards wraps POST /webhook, typically with rate limiting and
// signature verification.
func WithWebhookGuards(mws ...func(http.Handler) http.Handler) RelayOption {
	return func(h *RelayHandler) { h.webhookGuards = append(h.webhookGuards, mws...) }
}

func NewRelayHandler(gateway *service.Gateway, opts ...RelayOption) *RelayHandler {
	h := &RelayHandler{gateway: gateway}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *RelayHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.Status)
	r.Get("/conversations", h.Conversations)
	r.Post("/logout", h.Logout)
	r.With(h.sendGuards...).Post("/send-message", h.SendMessage)
	r.With(h.codeGuards...).Post("/generate-qr", h.GenerateCode)
	r.With(h.webhookGuards...).Post("/webhook", h.Webhook)

	return r
}

// GET /status
func (h *RelayHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := h.gateway.Status()

	label := "disconnected"
	if status.Ready {
		label = "connected"
	}

	resp := map[string]any{
		"status":         label,
		"state":          status.State,
		"whatsapp_ready": status.Ready,
		"connections":    status.Connections,
		"timestamp":      time.Now().UnixMilli(),
	}
	if status.Ready && status.Device != nil {
		resp["device"] = status.Device
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /send-message
// Accepts {to, body} and the legacy {to, message} form.
func (h *RelayHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To      string  `json:"to"`
		Body    *string `json:"body"`
		Message string  `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return
	}

	body := req.Message
	if req.Body != nil {
		body = *req.Body
	}

	msg, err := h.gateway.SendMessageOnce(req.To, body)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Message sent",
		"id":        msg.ID,
		"timestamp": msg.Timestamp.UnixMilli(),
	})
}

// GET /conversations
func (h *RelayHandler) Conversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": model.FormatConversations(h.gateway.Conversations()),
		"timestamp":     time.Now().UnixMilli(),
	})
}

// POST /generate-qr
// Issues a fresh pairing code. Refused while a device is connected.
func (h *RelayHandler) GenerateCode(w http.ResponseWriter, r *http.Request) {
	issued, err := h.gateway.IssueCode()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventCodeIssued})

	writeJSON(w, http.StatusOK, map[string]any{
		"qr":         issued.Code,
		"timestamp":  time.Now().UnixMilli(),
		"expires_in": issued.ExpiresIn.Milliseconds(),
	})
}

// POST /logout
func (h *RelayHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.Disconnect(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventSessionLogout})

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Device disconnected",
	})
}

// POST /webhook
// Event frames pushed by an external bridge. Signature verification runs
// as a webhook guard in front of this handler.
func (h *RelayHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Failed to read request body"))
		return
	}

	if err := h.gateway.Ingest(r.Context(), body); err != nil {
		if !apperrors.IsAppError(err) {
			log.Error().Err(err).Msg("failed to ingest webhook event")
		}
		httputil.WriteError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventWebhookAccepted})

	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}
