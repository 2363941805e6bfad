package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/chatrelay/session-relay/internal/audit"
	apperrors "github.com/chatrelay/session-relay/internal/errors"
	"github.com/chatrelay/session-relay/internal/httputil"
	"github.com/chatrelay/session-relay/internal/model"
	"github.com/chatrelay/session-relay/internal/service"
	"github.com/chatrelay/session-relay/internal/util"
)

type OnboardingService interface {
	Validate(ctx context.Context, token string) (*service.OnboardingTokenView, error)
	Complete(ctx context.Context, token string, profile model.ClientProfile) (*model.Client, error)
}

type OnboardingHandler struct {
	onboarding OnboardingService
}

func NewOnboardingHandler(onboarding OnboardingService) *OnboardingHandler {
	return &OnboardingHandler{onboarding: onboarding}
}

func (h *OnboardingHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{token}", h.Validate)
	r.Post("/{token}/complete", h.Complete)

	return r
}

// GET /onboarding/{token}
func (h *OnboardingHandler) Validate(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	view, err := h.onboarding.Validate(r.Context(), token)
	if err != nil {
		h.fail(w, r, token, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"token": view,
	})
}

// POST /onboarding/{token}/complete
func (h *OnboardingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var profile model.ClientProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return
	}

	client, err := h.onboarding.Complete(r.Context(), token, profile)
	if err != nil {
		h.fail(w, r, token, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"client":  client,
	})
}

func (h *OnboardingHandler) fail(w http.ResponseWriter, r *http.Request, token string, err error) {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeTokenNotFound, apperrors.ErrCodeTokenExpired, apperrors.ErrCodeTokenAlreadyUsed:
		audit.LogFromRequest(r, audit.Event{
			Type: audit.EventOnboardingRejected,
			Details: map[string]interface{}{
				"token":  util.MaskCode(token),
				"reason": string(apperrors.GetCode(err)),
			},
		})
	case apperrors.ErrCodeInternal, apperrors.ErrCodeDatabase:
		log.Error().Err(err).Str("token", util.MaskCode(token)).Msg("onboarding request failed")
	}

	httputil.WriteError(w, err)
}
