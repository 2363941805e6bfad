package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/chatrelay/session-relay/internal/audit"
	apperrors "github.com/chatrelay/session-relay/internal/errors"
	"github.com/chatrelay/session-relay/internal/httputil"
	"github.com/chatrelay/session-relay/internal/util"
)

const (
	SignatureHeader = "X-Relay-Signature"
	signaturePrefix = "sha256="
)

// SignatureMiddleware verifies the hex HMAC-SHA256 of the request body sent
// by an external bridge in X-Relay-Signature. The "sha256=" prefix is
// optional.
type SignatureMiddleware struct {
	secret string
}

func NewSignatureMiddleware(secret string) *SignatureMiddleware {
	return &SignatureMiddleware{secret: secret}
}

func (m *SignatureMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.secret == "" {
			log.Warn().Msg("webhook signature verification bypassed: WEBHOOK_SECRET is not configured")
			next.ServeHTTP(w, r)
			return
		}

		signature := strings.TrimPrefix(r.Header.Get(SignatureHeader), signaturePrefix)
		if signature == "" {
			m.reject(w, r, "missing signature")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Error().Err(err).Msg("signature middleware: failed to read body")
			httputil.WriteError(w, apperrors.ValidationError("Failed to read request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		computed := util.HmacSHA256(m.secret, string(body))
		if !util.ConstantTimeEqual(computed, strings.ToLower(signature)) {
			m.reject(w, r, "invalid signature")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *SignatureMiddleware) reject(w http.ResponseWriter, r *http.Request, reason string) {
	log.Warn().Str("reason", reason).Msg("signature middleware: request rejected")
	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventWebhookRejected,
		Details: map[string]interface{}{"reason": reason},
	})
	httputil.WriteError(w, apperrors.InvalidSignature())
}
