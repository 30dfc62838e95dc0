package profile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/platform/auth"
	"github.com/lifeline/dispatch/internal/platform/blobstore"
	"github.com/lifeline/dispatch/internal/platform/notification"
)

const MinPasswordLength = 6

var (
	ErrRejected   = errors.New("account has been rejected")
	ErrNotPending = errors.New("account is not pending verification")
)

type Registration struct {
	Email           string `json:"email" form:"email"`
	Password        string `json:"password" form:"password"`
	ConfirmPassword string `json:"confirm_password" form:"confirm_password"`
	Role            string `json:"role" form:"role"`
	DisplayName     string `json:"display_name" form:"display_name"`
	PhoneNumber     string `json:"phone_number" form:"phone_number"`
	Organization    string `json:"organization" form:"organization"`
}

// Upload is one optional identity document sent with a registration.
type Upload struct {
	Kind        DocumentKind
	FileName    string
	ContentType string
	Content     io.Reader
}

type Service struct {
	repo     Repository
	blobs    blobstore.Store
	notifier notification.Notifier
	logger   zerolog.Logger
}

func NewService(repo Repository, blobs blobstore.Store, notifier notification.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		blobs:    blobs,
		notifier: notifier,
		logger:   logger.With().Str("component", "profile").Logger(),
	}
}

func validateCredentials(email, password string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", fmt.Errorf("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", fmt.Errorf("invalid email address")
	}
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return strings.ToLower(email), nil
}

// Register creates an unverified service account and stores its documents.
func (s *Service) Register(ctx context.Context, reg Registration, uploads []Upload) (*UserProfile, error) {
	email, err := validateCredentials(reg.Email, reg.Password)
	if err != nil {
		return nil, err
	}
	if reg.Password != reg.ConfirmPassword {
		return nil, fmt.Errorf("passwords do not match")
	}
	if strings.TrimSpace(reg.Role) == "" {
		return nil, fmt.Errorf("role is required")
	}
	role, err := ParseRole(reg.Role)
	if err != nil {
		return nil, err
	}
	if !role.IsService() {
		return nil, fmt.Errorf("role %q cannot be registered publicly", role)
	}

	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lookup email: %w", err)
	}

	hash, err := auth.HashPassword(reg.Password)
	if err != nil {
		return nil, err
	}

	p := &UserProfile{
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Verified:     boolPtr(false),
		DisplayName:  strPtr(strings.TrimSpace(reg.DisplayName)),
		PhoneNumber:  strPtr(strings.TrimSpace(reg.PhoneNumber)),
		Organization: strPtr(strings.TrimSpace(reg.Organization)),
	}

	for _, u := range uploads {
		if u.Content == nil {
			continue
		}
		obj, err := s.blobs.Upload(ctx, "documents/"+string(u.Kind), u.FileName, u.ContentType, u.Content)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", u.Kind, err)
		}
		p.Documents.set(u.Kind, obj.URL)
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	s.logger.Info().Str("user_id", p.ID.String()).Str("role", string(role)).Msg("registration pending verification")
	s.notify(func() error {
		return s.notifier.NotifyRole(ctx, string(RoleAdmin), notification.TplRegistrationPending, map[string]string{
			"name": p.Name(),
			"role": string(role),
		})
	})
	return p, nil
}

// CreateAdmin provisions a verified administrator.
func (s *Service) CreateAdmin(ctx context.Context, email, password, name string) (*UserProfile, error) {
	email, err := validateCredentials(email, password)
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	p := &UserProfile{
		Email:        email,
		PasswordHash: hash,
		Role:         RoleAdmin,
		Verified:     boolPtr(true),
		DisplayName:  strPtr(strings.TrimSpace(name)),
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*UserProfile, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*UserProfile, error) {
	return s.repo.GetByEmail(ctx, email)
}

func (s *Service) ListPending(ctx context.Context) ([]*UserProfile, error) {
	return s.repo.ListPending(ctx)
}

func (s *Service) ListByRole(ctx context.Context, role Role, limit, offset int) ([]*UserProfile, int, error) {
	return s.repo.ListByRole(ctx, role, limit, offset)
}

func (s *Service) ListByOrganization(ctx context.Context, role Role, organization string) ([]*UserProfile, error) {
	return s.repo.ListByOrganization(ctx, role, organization)
}

func (s *Service) CountByRole(ctx context.Context) (map[Role]int, error) {
	return s.repo.CountByRole(ctx)
}

// Verify approves a pending account. Verifying an approved account is a no-op.
func (s *Service) Verify(ctx context.Context, id uuid.UUID) (*UserProfile, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Rejected {
		return nil, ErrRejected
	}
	if p.IsVerified() {
		return p, nil
	}
	if err := s.repo.SetVerified(ctx, id); err != nil {
		return nil, fmt.Errorf("verify user: %w", err)
	}
	p.Verified = boolPtr(true)

	s.logger.Info().Str("user_id", id.String()).Msg("user verified")
	s.notify(func() error {
		return s.notifier.NotifyUser(ctx, id.String(), notification.TplAccountVerified, map[string]string{"role": string(p.Role)})
	})
	return p, nil
}

// Reject is terminal: the profile keeps verified=NULL and rejected=true.
func (s *Service) Reject(ctx context.Context, id uuid.UUID) (*UserProfile, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Rejected {
		return p, nil
	}
	if p.IsVerified() {
		return nil, ErrNotPending
	}
	if err := s.repo.SetRejected(ctx, id); err != nil {
		return nil, fmt.Errorf("reject user: %w", err)
	}
	p.Verified = nil
	p.Rejected = true

	s.logger.Info().Str("user_id", id.String()).Msg("user rejected")
	s.notify(func() error {
		return s.notifier.NotifyUser(ctx, id.String(), notification.TplAccountRejected, map[string]string{"role": string(p.Role)})
	})
	return p, nil
}

func (s *Service) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.repo.TouchLastLogin(ctx, id, at)
}

// SetDeviceToken stores the push target; an empty token clears it.
func (s *Service) SetDeviceToken(ctx context.Context, id uuid.UUID, token string) error {
	return s.repo.SetDeviceToken(ctx, id, strPtr(strings.TrimSpace(token)))
}

func (s *Service) notify(fn func() error) {
	if s.notifier == nil {
		return
	}
	if err := fn(); err != nil {
		s.logger.Warn().Err(err).Msg("notification failed")
	}
}
