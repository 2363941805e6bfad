package service

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/chatrelay/session-relay/internal/audit"
	"github.com/chatrelay/session-relay/internal/database"
	apperrors "github.com/chatrelay/session-relay/internal/errors"
	"github.com/chatrelay/session-relay/internal/model"
	"github.com/chatrelay/session-relay/internal/repository"
	"github.com/chatrelay/session-relay/internal/util"
)

type OnboardingTokenView struct {
	ClientID  *string       `json:"clientId,omitempty"`
	ExpiresAt time.Time     `json:"expiresAt"`
	Client    *model.Client `json:"client,omitempty"`
}

// OnboardingService completes client onboarding against the collaborator
// record store. The session path never depends on it.
type OnboardingService struct {
	db      *database.DB
	tokens  repository.OnboardingTokenRepository
	clients repository.ClientRepository
	now     func() time.Time
}

func NewOnboardingService(db *database.DB) *OnboardingService {
	return &OnboardingService{
		db:      db,
		tokens:  repository.NewOnboardingTokenRepository(db.DB),
		clients: repository.NewClientRepository(db.DB),
		now:     time.Now,
	}
}

// Validate checks that token can still be used and returns what the
// onboarding form needs to prefill.
func (s *OnboardingService) Validate(ctx context.Context, token string) (*OnboardingTokenView, error) {
	t, err := s.checkToken(ctx, s.tokens, token)
	if err != nil {
		return nil, err
	}

	view := &OnboardingTokenView{ClientID: t.ClientID, ExpiresAt: t.ExpiresAt}
	if t.ClientID != nil {
		client, err := s.clients.FindByID(ctx, *t.ClientID)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		view.Client = client
	}
	return view, nil
}

// Complete consumes token and stores profile on the linked client, creating
// the client when the token is not linked to one. Both writes commit together.
func (s *OnboardingService) Complete(ctx context.Context, token string, profile model.ClientProfile) (*model.Client, error) {
	if err := validateProfile(&profile); err != nil {
		return nil, err
	}

	var client *model.Client
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		tokens := repository.NewOnboardingTokenRepository(tx)
		clients := repository.NewClientRepository(tx)

		t, err := s.checkToken(ctx, tokens, token)
		if err != nil {
			return err
		}

		onboardedAt := s.now()
		client, err = clients.UpsertProfile(ctx, model.UpsertClientParams{
			ID:               t.ClientID,
			CompanyName:      profile.CompanyName,
			ContactEmail:     profile.ContactEmail,
			Industry:         profile.Industry,
			Notes:            profile.Notes,
			OnboardingStatus: model.OnboardingStatusCompleted,
			OnboardedAt:      &onboardedAt,
		})
		if err != nil {
			return apperrors.Database(err)
		}
		if client == nil {
			return apperrors.NotFound("Client")
		}

		claimed, err := tokens.MarkUsed(ctx, token, client.ID)
		if err != nil {
			return apperrors.Database(err)
		}
		if !claimed {
			return apperrors.TokenAlreadyUsed()
		}
		return nil
	})
	if err != nil {
		if apperrors.IsAppError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("complete onboarding: %w", err)
	}

	audit.Log(ctx, audit.Event{
		Type:     audit.EventOnboardingCompleted,
		ClientID: client.ID,
		Details:  map[string]interface{}{"token": util.MaskCode(token)},
	})

	log.Info().
		Str("clientId", client.ID).
		Msg("onboarding completed")

	return client, nil
}

// DeleteExpired removes expired and consumed tokens.
func (s *OnboardingService) DeleteExpired(ctx context.Context) (int64, error) {
	return s.tokens.DeleteExpired(ctx)
}

func (s *OnboardingService) checkToken(
	ctx context.Context,
	tokens repository.OnboardingTokenRepository,
	token string,
) (*model.OnboardingToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperrors.TokenNotFound()
	}

	t, err := tokens.FindByToken(ctx, token)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if t == nil {
		return nil, apperrors.TokenNotFound()
	}
	if t.Used() {
		return nil, apperrors.TokenAlreadyUsed()
	}
	if t.Expired(s.now()) {
		return nil, apperrors.TokenExpired()
	}
	return t, nil
}

func validateProfile(p *model.ClientProfile) error {
	p.CompanyName = strings.TrimSpace(p.CompanyName)
	p.ContactEmail = strings.TrimSpace(p.ContactEmail)
	p.Industry = strings.TrimSpace(p.Industry)
	p.Notes = strings.TrimSpace(p.Notes)

	if p.CompanyName == "" {
		return apperrors.MissingRequired("companyName")
	}
	if p.ContactEmail == "" {
		return apperrors.MissingRequired("contactEmail")
	}
	if _, err := mail.ParseAddress(p.ContactEmail); err != nil {
		return apperrors.InvalidInput("contactEmail", "not a valid email address")
	}
	return nil
}
