package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/platform/auth"
)

var (
	ErrInvalidCredentials = errors.New("Invalid email or password. Please try again.")
	ErrPendingApproval    = errors.New(msgPendingSignIn)
	ErrAccountRejected    = errors.New("Your account registration was rejected by an administrator.")
)

type ProfileStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*profile.UserProfile, error)
	GetByEmail(ctx context.Context, email string) (*profile.UserProfile, error)
	TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Authenticator exchanges credentials for a signed session token.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (*Login, error)
}

type Login struct {
	Token     string               `json:"token"`
	ExpiresAt time.Time            `json:"expires_at"`
	Profile   *profile.UserProfile `json:"profile"`
	Claims    *auth.Claims         `json:"-"`
}

type Service struct {
	profiles ProfileStore
	issuer   *auth.Issuer
	revoker  auth.Revoker
	policy   Policy
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(profiles ProfileStore, issuer *auth.Issuer, revoker auth.Revoker, policy Policy, logger zerolog.Logger) *Service {
	return &Service{
		profiles: profiles,
		issuer:   issuer,
		revoker:  revoker,
		policy:   policy,
		logger:   logger.With().Str("component", "session").Logger(),
		now:      time.Now,
	}
}

func (s *Service) Policy() Policy { return s.policy }

// Get satisfies ProfileFetcher so a Controller can resolve through the service.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*profile.UserProfile, error) {
	return s.profiles.GetByID(ctx, id)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (*Login, error) {
	p, err := s.profiles.GetByEmail(ctx, email)
	if errors.Is(err, profile.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if err := auth.CheckPassword(p.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}

	switch Gate(p, s.policy) {
	case PendingApproval:
		s.logger.Info().Str("user_id", p.ID.String()).Msg("sign-in refused: pending approval")
		return nil, ErrPendingApproval
	case Rejected:
		s.logger.Info().Str("user_id", p.ID.String()).Msg("sign-in refused: rejected")
		return nil, ErrAccountRejected
	}

	now := s.now().UTC()
	if err := s.profiles.TouchLastLogin(ctx, p.ID, now); err != nil {
		s.logger.Warn().Err(err).Str("user_id", p.ID.String()).Msg("failed to record last login")
	} else {
		p.LastLogin = &now
	}

	token, claims, err := s.issuer.Issue(p.ID.String(), string(p.Role))
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", p.ID.String()).Str("role", string(p.Role)).Msg("signed in")
	return &Login{Token: token, ExpiresAt: claims.ExpiresAt.Time, Profile: p, Claims: claims}, nil
}

// SignOut revokes a single token until it expires.
func (s *Service) SignOut(ctx context.Context, claims *auth.Claims) error {
	if claims == nil {
		return nil
	}
	return s.revoker.Revoke(ctx, claims)
}

// ForceSignOut revokes every token issued to the user so far.
func (s *Service) ForceSignOut(ctx context.Context, userID string) error {
	return s.revoker.RevokeUser(ctx, userID, s.now())
}

// Resolve builds the snapshot for an already verified token, applying the
// same gate as a Controller.
func (s *Service) Resolve(ctx context.Context, claims *auth.Claims) Snapshot {
	if claims == nil {
		return Snapshot{State: StateUnauthenticated}
	}
	user := &AuthUser{ID: claims.Subject}

	id, err := uuid.Parse(claims.Subject)
	var p *profile.UserProfile
	if err == nil {
		p, err = s.profiles.GetByID(ctx, id)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", claims.Subject).Msg("profile fetch failed")
		return Snapshot{State: StateError, CurrentUser: user, Error: msgProfileLoadFailed, Notice: profileErrorNotice()}
	}
	user.Email = p.Email

	switch Gate(p, s.policy) {
	case Allow:
		return Snapshot{State: StateAuthorized, CurrentUser: user, Profile: p, Role: p.Role}
	case Rejected:
		s.forceSignOut(ctx, claims.Subject)
		return Snapshot{State: StateUnauthenticated, Notice: rejectedNotice(p.Role)}
	default:
		s.forceSignOut(ctx, claims.Subject)
		return Snapshot{State: StateUnauthenticated, Notice: pendingNotice(p.Role)}
	}
}

func (s *Service) forceSignOut(ctx context.Context, userID string) {
	if err := s.ForceSignOut(ctx, userID); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("force sign-out failed")
	}
}
