package repository

import (
	"context"

	"github.com/chatrelay/session-relay/internal/database"
	"github.com/chatrelay/session-relay/internal/model"
)

type ClientRepository interface {
	FindByID(ctx context.Context, id string) (*model.Client, error)
	// UpsertProfile updates the client named by params.ID, or inserts a new
	// client when params.ID is nil.
	UpsertProfile(ctx context.Context, params model.UpsertClientParams) (*model.Client, error)
}

type clientRepo struct {
	db database.DBTX
}

func NewClientRepository(db database.DBTX) ClientRepository {
	return &clientRepo{db: db}
}

func (r *clientRepo) FindByID(ctx context.Context, id string) (*model.Client, error) {
	var c model.Client
	err := r.db.GetContext(ctx, &c, `
		SELECT * FROM clients
		WHERE id = $1
	`, id)
	return HandleNotFound(&c, err)
}

func (r *clientRepo) UpsertProfile(ctx context.Context, params model.UpsertClientParams) (*model.Client, error) {
	var c model.Client

	if params.ID != nil {
		err := r.db.GetContext(ctx, &c, `
			UPDATE clients SET
				company_name = $2,
				contact_email = $3,
				industry = $4,
				notes = $5,
				onboarding_status = $6,
				onboarded_at = $7,
				updated_at = NOW()
			WHERE id = $1
			RETURNING *
		`, *params.ID, params.CompanyName, params.ContactEmail, nullable(params.Industry),
			nullable(params.Notes), params.OnboardingStatus, params.OnboardedAt)
		return HandleNotFound(&c, err)
	}

	err := r.db.GetContext(ctx, &c, `
		INSERT INTO clients (company_name, contact_email, industry, notes, onboarding_status, onboarded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, params.CompanyName, params.ContactEmail, nullable(params.Industry),
		nullable(params.Notes), params.OnboardingStatus, params.OnboardedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
