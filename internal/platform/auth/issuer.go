package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims carried by every access token. Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

var ErrInvalidToken = errors.New("invalid token")

// Forced sign-out compares iat against its cutoff at millisecond precision.
func init() {
	jwt.TimePrecision = time.Millisecond
}

// Issuer signs and verifies HS256 access tokens.
type Issuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(signingKey, issuer string, ttl time.Duration) *Issuer {
	return &Issuer{key: []byte(signingKey), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue returns a signed token for the user together with its claims.
func (i *Issuer) Issue(userID, role string) (string, *Claims, error) {
	now := i.now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Role: role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return token, claims, nil
}

// Parse verifies signature, issuer and expiry.
func (i *Issuer) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing subject or id", ErrInvalidToken)
	}
	return claims, nil
}

// TTL is the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}
