package repository

import (
	"context"

	"github.com/chatrelay/session-relay/internal/database"
	"github.com/chatrelay/session-relay/internal/model"
)

type OnboardingTokenRepository interface {
	FindByToken(ctx context.Context, token string) (*model.OnboardingToken, error)
	// MarkUsed claims an unused, unexpired token and links it to clientID.
	// It reports false when the token was already used, expired or missing.
	MarkUsed(ctx context.Context, token string, clientID string) (bool, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

type onboardingTokenRepo struct {
	db database.DBTX
}

func NewOnboardingTokenRepository(db database.DBTX) OnboardingTokenRepository {
	return &onboardingTokenRepo{db: db}
}

func (r *onboardingTokenRepo) FindByToken(ctx context.Context, token string) (*model.OnboardingToken, error) {
	var t model.OnboardingToken
	err := r.db.GetContext(ctx, &t, `
		SELECT * FROM onboarding_tokens
		WHERE token = $1
	`, token)
	return HandleNotFound(&t, err)
}

func (r *onboardingTokenRepo) MarkUsed(ctx context.Context, token string, clientID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE onboarding_tokens SET
			used_at = NOW(),
			client_id = $2,
			updated_at = NOW()
		WHERE token = $1 AND used_at IS NULL AND expires_at > NOW()
	`, token, clientID)
	if err != nil {
		return false, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *onboardingTokenRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM onboarding_tokens
		WHERE expires_at < NOW() OR used_at IS NOT NULL
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
