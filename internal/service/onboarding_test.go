package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/session-relay/internal/database"
	apperrors "github.com/chatrelay/session-relay/internal/errors"
	"github.com/chatrelay/session-relay/internal/model"
)

var (
	onboardingTokenColumns = []string{
		"id", "token", "client_id", "client_data", "created_by",
		"expires_at", "used_at", "created_at", "updated_at",
	}
	onboardingClientColumns = []string{
		"id", "user_id", "company_name", "contact_email", "industry", "notes",
		"onboarding_status", "onboarded_at", "created_at", "updated_at",
	}
)

func newTestOnboardingService(t *testing.T, now time.Time) (*OnboardingService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := NewOnboardingService(&database.DB{DB: sqlx.NewDb(db, "sqlmock")})
	svc.now = func() time.Time { return now }
	return svc, mock
}

func tokenRow(now time.Time, clientID any, expiresAt time.Time, usedAt any) *sqlmock.Rows {
	return sqlmock.NewRows(onboardingTokenColumns).
		AddRow("tok-id", "onboard-token-1", clientID, nil, "admin-1", expiresAt, usedAt, now, now)
}

func validProfile() model.ClientProfile {
	return model.ClientProfile{
		CompanyName:  " Acme ",
		ContactEmail: "ops@acme.test",
		Industry:     "retail",
	}
}

func TestOnboardingService_Validate(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	t.Run("returns the token view with its client", func(t *testing.T) {
		svc, mock := newTestOnboardingService(t, now)

		mock.ExpectQuery(`SELECT \* FROM onboarding_tokens`).
			WithArgs("onboard-token-1").
			WillReturnRows(tokenRow(now, "client-1", now.Add(time.Hour), nil))
		mock.ExpectQuery(`SELECT \* FROM clients`).
			WithArgs("client-1").
			WillReturnRows(sqlmock.NewRows(onboardingClientColumns).
				AddRow("client-1", nil, "Acme", "ops@acme.test", nil, nil, "pending", nil, now, now))

		view, err := svc.Validate(ctx, "onboard-token-1")
		require.NoError(t, err)
		assert.Equal(t, "client-1", *view.ClientID)
		require.NotNil(t, view.Client)
		assert.Equal(t, "Acme", *view.Client.CompanyName)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown token", func(t *testing.T) {
		svc, mock := newTestOnboardingService(t, now)

		mock.ExpectQuery(`SELECT \* FROM onboarding_tokens`).
			WillReturnRows(sqlmock.NewRows(onboardingTokenColumns))

		_, err := svc.Validate(ctx, "nope")
		assert.Equal(t, apperrors.ErrCodeTokenNotFound, apperrors.GetCode(err))
	})

	t.Run("blank token never reaches the store", func(t *testing.T) {
		svc, mock := newTestOnboardingService(t, now)

		_, err := svc.Validate(ctx, "  ")
		assert.Equal(t, apperrors.ErrCodeTokenNotFound, apperrors.GetCode(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired token", func(t *testing.T) {
		svc, mock := newTestOnboardingService(t, now)

		mock.ExpectQuery(`SELECT \* FROM onboarding_tokens`).
			WillReturnRows(tokenRow(now, nil, now.Add(-time.Minute), nil))

		_, err := svc.Validate(ctx, "onboard-token-1")
		assert.Equal(t, apperrors.ErrCodeTokenExpired, apperrors.GetCode(err))
	})

	t.Run("used token", func(t *testing.T) {
		svc, mock := newTestOnboardingService(t, now)

		mock.ExpectQuery(`SELECT \* FROM onboarding_tokens`).
			WillReturnRows(tokenRow(now, nil, now.Add(time.Hour), now.Add(-time.Minute)))

		_, err := svc.Validate(ctx, "onboard-token-1")
		assert.Equal(t, apperrors.ErrCodeTokenAlreadyUsed, apperrors.GetCode(err))
	})

	t.Run("database failure", func(t *testing.T) {
		svc, mock := newTestOnboardingService(t, now)

		mock.ExpectQuery(`SELECT \* FROM onboarding_tokens`).
			WillReturnError(errors.New("connection refused"))

		_, err := svc.Validate(ctx, "onboard-token-1")
		assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.GetCode(err))
	})
}

func TestOnboardingService_Complete(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	t.Run("creates the client and consumes the token in one transaction", func(t *testing.T) {
		svc, mock := newTestOnboardingService(t, now)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT \* FROM onboarding_tokens`).
			WithArgs("onboard-token-1").
			WillReturnRows(tokenRow(now, nil, now.Add(time.Hour), nil))
		mock.ExpectQuery(`INSERT INTO clients`).
			WithArgs("Acme", "ops@acme.test", "retail", nil, model.OnboardingStatusCompleted, now).
			WillReturnRows(sqlmock.NewRows(onboardingClientColumns).
				AddRow("client-9", nil, "Acme", "ops@acme.test", "retail", nil, "completed", now, now, now))
		mock.ExpectExec(`UPDATE onboarding_tokens`).
			WithArgs("onboard-token-1", "client-9").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		client, err := svc.Complete(ctx, "onboard-token-1", validProfile())
		require.NoError(t, err)
		assert.Equal(t, "client-9", client.ID)
		assert.Equal(t, model.OnboardingStatusCompleted, client.OnboardingStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("updates the linked client", func(t *testing.T) {
		svc, mock := newTestOnboardingService(t, now)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT \* FROM onboarding_tokens`).
			WillReturnRows(tokenRow(now, "client-1", now.Add(time.Hour), nil))
		mock.ExpectQuery(`UPDATE clients SET`).
			WithArgs("client-1", "Acme", "ops@acme.test", "retail", nil, model.OnboardingStatusCompleted, now).
			WillReturnRows(sqlmock.NewRows(onboardingClientColumns).
				AddRow("client-1", nil, "Acme", "ops@acme.test", "retail", nil, "completed", now, now, now))
		mock.ExpectExec(`UPDATE onboarding_tokens`).
			WithArgs("onboard-token-1", "client-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		client, err := svc.Complete(ctx, "onboard-token-1", validProfile())
		require.NoError(t, err)
		assert.Equal(t, "client-1", client.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("token reuse is rejected and rolled back", func(t *testing.T) {
		svc, mock := newTestOnboardingService(t, now)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT \* FROM onboarding_tokens`).
			WillReturnRows(tokenRow(now, "client-1", now.Add(time.Hour), now.Add(-time.Minute)))
		mock.ExpectRollback()

		_, err := svc.Complete(ctx, "onboard-token-1", validProfile())
		assert.Equal(t, apperrors.ErrCodeTokenAlreadyUsed, apperrors.GetCode(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("losing the claim race rolls back the client write", func(t *testing.T) {
		svc, mock := newTestOnboardingService(t, now)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT \* FROM onboarding_tokens`).
			WillReturnRows(tokenRow(now, nil, now.Add(time.Hour), nil))
		mock.ExpectQuery(`INSERT INTO clients`).
			WillReturnRows(sqlmock.NewRows(onboardingClientColumns).
				AddRow("client-9", nil, "Acme", "ops@acme.test", "retail", nil, "completed", now, now, now))
		mock.ExpectExec(`UPDATE onboarding_tokens`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := svc.Complete(ctx, "onboard-token-1", validProfile())
		assert.Equal(t, apperrors.ErrCodeTokenAlreadyUsed, apperrors.GetCode(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("validates the profile before touching the store", func(t *testing.T) {
		svc, mock := newTestOnboardingService(t, now)

		_, err := svc.Complete(ctx, "onboard-token-1", model.ClientProfile{ContactEmail: "ops@acme.test"})
		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))

		_, err = svc.Complete(ctx, "onboard-token-1", model.ClientProfile{CompanyName: "Acme"})
		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))

		_, err = svc.Complete(ctx, "onboard-token-1", model.ClientProfile{CompanyName: "Acme", ContactEmail: "nope"})
		assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOnboardingService_DeleteExpired(t *testing.T) {
	svc, mock := newTestOnboardingService(t, time.Now())

	mock.ExpectExec(`DELETE FROM onboarding_tokens`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := svc.DeleteExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
