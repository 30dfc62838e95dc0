package profile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("user not found")
	ErrEmailTaken = errors.New("an account with this email already exists")
)

type Repository interface {
	Create(ctx context.Context, p *UserProfile) error
	GetByID(ctx context.Context, id uuid.UUID) (*UserProfile, error)
	GetByEmail(ctx context.Context, email string) (*UserProfile, error)
	ListPending(ctx context.Context) ([]*UserProfile, error)
	ListByRole(ctx context.Context, role Role, limit, offset int) ([]*UserProfile, int, error)
	ListByOrganization(ctx context.Context, role Role, organization string) ([]*UserProfile, error)
	CountByRole(ctx context.Context) (map[Role]int, error)

	// Field-level updates; each touches only its own columns.
	SetVerified(ctx context.Context, id uuid.UUID) error
	SetRejected(ctx context.Context, id uuid.UUID) error
	TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	SetDeviceToken(ctx context.Context, id uuid.UUID, token *string) error

	DeviceTokens(ctx context.Context, userIDs []string) (map[string]string, error)
	RoleDeviceTokens(ctx context.Context, role string) ([]string, error)
}
