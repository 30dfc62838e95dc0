package auth

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revoker invalidates tokens before their natural expiry. Revoke drops a
// single token (sign-out); RevokeUser drops every token issued to a user up
// to and including cutoff, compared at millisecond precision (forced
// sign-out).
type Revoker interface {
	Revoke(ctx context.Context, claims *Claims) error
	RevokeUser(ctx context.Context, userID string, cutoff time.Time) error
	IsRevoked(ctx context.Context, claims *Claims) (bool, error)
}

func issuedAt(claims *Claims) time.Time {
	if claims.IssuedAt == nil {
		return time.Time{}
	}
	return claims.IssuedAt.Time
}

func expiresAt(claims *Claims) time.Time {
	if claims.ExpiresAt == nil {
		return time.Now()
	}
	return claims.ExpiresAt.Time
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

type userCutoff struct {
	cutoff    time.Time
	expiresAt time.Time
}

// MemoryRevoker keeps revocations in process memory with periodic cleanup of
// entries whose tokens would have expired anyway.
type MemoryRevoker struct {
	mu      sync.RWMutex
	tokens  map[string]time.Time // jti -> token expiry
	users   map[string]userCutoff
	ttl     time.Duration
	done    chan struct{}
	closeMu sync.Once
}

// NewMemoryRevoker starts a cleanup goroutine; call Close to stop it. ttl is
// the access-token lifetime, used to expire per-user cutoffs.
func NewMemoryRevoker(ttl time.Duration) *MemoryRevoker {
	s := &MemoryRevoker{
		tokens: make(map[string]time.Time),
		users:  make(map[string]userCutoff),
		ttl:    ttl,
		done:   make(chan struct{}),
	}
	go s.cleanupLoop(5 * time.Minute)
	return s
}

func (s *MemoryRevoker) Revoke(_ context.Context, claims *Claims) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[claims.ID] = expiresAt(claims)
	return nil
}

func (s *MemoryRevoker) RevokeUser(_ context.Context, userID string, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = userCutoff{cutoff: cutoff.Truncate(time.Millisecond), expiresAt: cutoff.Add(s.ttl)}
	return nil
}

func (s *MemoryRevoker) IsRevoked(_ context.Context, claims *Claims) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tokens[claims.ID]; ok {
		return true, nil
	}
	if u, ok := s.users[claims.Subject]; ok && !issuedAt(claims).After(u.cutoff) {
		return true, nil
	}
	return false, nil
}

// Count returns the number of individually revoked tokens.
func (s *MemoryRevoker) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

func (s *MemoryRevoker) Close() error {
	s.closeMu.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryRevoker) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup(time.Now())
		}
	}
}

func (s *MemoryRevoker) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, exp := range s.tokens {
		if now.After(exp) {
			delete(s.tokens, jti)
		}
	}
	for id, u := range s.users {
		if now.After(u.expiresAt) {
			delete(s.users, id)
		}
	}
}

// ---------------------------------------------------------------------------
// Redis store
// ---------------------------------------------------------------------------

// RedisRevoker shares revocations between server instances. Keys expire
// together with the tokens they cover.
type RedisRevoker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisRevoker(client *redis.Client, ttl time.Duration) *RedisRevoker {
	return &RedisRevoker{client: client, ttl: ttl, prefix: "dispatch:revoked:"}
}

func (r *RedisRevoker) tokenKey(jti string) string { return r.prefix + "jti:" + jti }
func (r *RedisRevoker) userKey(id string) string   { return r.prefix + "user:" + id }

func (r *RedisRevoker) Revoke(ctx context.Context, claims *Claims) error {
	ttl := time.Until(expiresAt(claims))
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.tokenKey(claims.ID), "1", ttl).Err()
}

func (r *RedisRevoker) RevokeUser(ctx context.Context, userID string, cutoff time.Time) error {
	return r.client.Set(ctx, r.userKey(userID), strconv.FormatInt(cutoff.UnixMilli(), 10), r.ttl).Err()
}

func (r *RedisRevoker) IsRevoked(ctx context.Context, claims *Claims) (bool, error) {
	n, err := r.client.Exists(ctx, r.tokenKey(claims.ID)).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	value, err := r.client.Get(ctx, r.userKey(claims.Subject)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	cutoff, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return false, err
	}
	return issuedAt(claims).UnixMilli() <= cutoff, nil
}
