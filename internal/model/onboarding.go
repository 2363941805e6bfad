package model

import (
	"encoding/json"
	"time"
)

type OnboardingToken struct {
	ID         string           `db:"id" json:"id"`
	Token      string           `db:"token" json:"-"`
	ClientID   *string          `db:"client_id" json:"clientId,omitempty"`
	ClientData *json.RawMessage `db:"client_data" json:"clientData,omitempty"`
	CreatedBy  string           `db:"created_by" json:"createdBy"`
	ExpiresAt  time.Time        `db:"expires_at" json:"expiresAt"`
	UsedAt     *time.Time       `db:"used_at" json:"usedAt,omitempty"`
	CreatedAt  time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time        `db:"updated_at" json:"updatedAt"`
}

func (t *OnboardingToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t *OnboardingToken) Used() bool {
	return t.UsedAt != nil
}

type Client struct {
	ID               string           `db:"id" json:"id"`
	UserID           *string          `db:"user_id" json:"userId,omitempty"`
	CompanyName      *string          `db:"company_name" json:"companyName,omitempty"`
	ContactEmail     *string          `db:"contact_email" json:"contactEmail,omitempty"`
	Industry         *string          `db:"industry" json:"industry,omitempty"`
	Notes            *string          `db:"notes" json:"notes,omitempty"`
	OnboardingStatus OnboardingStatus `db:"onboarding_status" json:"onboardingStatus"`
	OnboardedAt      *time.Time       `db:"onboarded_at" json:"onboardedAt,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updatedAt"`
}

// ClientProfile is the data a client submits when completing onboarding.
type ClientProfile struct {
	CompanyName  string `json:"companyName"`
	ContactEmail string `json:"contactEmail"`
	Industry     string `json:"industry"`
	Notes        string `json:"notes"`
}

type UpsertClientParams struct {
	ID               *string
	CompanyName      string
	ContactEmail     string
	Industry         string
	Notes            string
	OnboardingStatus OnboardingStatus
	OnboardedAt      *time.Time
}
