package fleet

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/platform/db"
)

const (
	PGChannel    = "fleet_changed"
	RedisChannel = "fleet:changed"
)

// ChangeSource wakes the feed whenever the ambulance set may have changed.
// Wake-ups coalesce: several changes may arrive as one tick.
type ChangeSource interface {
	Changes(ctx context.Context) (<-chan struct{}, error)
	Signal(ctx context.Context) error
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// LocalSignal is an in-process ChangeSource.
type LocalSignal struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func NewLocalSignal() *LocalSignal {
	return &LocalSignal{subs: make(map[chan struct{}]struct{})}
}

func (s *LocalSignal) Changes(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *LocalSignal) Signal(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		wake(ch)
	}
	return nil
}

// PGSource listens on the fleet_changed channel fed by the ambulances
// trigger. Signal is a no-op because every write already notifies.
type PGSource struct {
	listener *db.Listener
	logger   zerolog.Logger
}

func NewPGSource(listener *db.Listener, logger zerolog.Logger) *PGSource {
	return &PGSource{listener: listener, logger: logger}
}

func (s *PGSource) Changes(ctx context.Context) (<-chan struct{}, error) {
	payloads := make(chan string, 16)
	out := make(chan struct{}, 1)

	go func() {
		if err := s.listener.Listen(ctx, payloads); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("fleet listener stopped")
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-payloads:
				wake(out)
			}
		}
	}()
	return out, nil
}

func (s *PGSource) Signal(context.Context) error { return nil }

// RedisSource fans change signals out over Redis pub/sub so that several
// server instances share one feed.
type RedisSource struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

func NewRedisSource(client *redis.Client, logger zerolog.Logger) *RedisSource {
	return &RedisSource{client: client, channel: RedisChannel, logger: logger}
}

func (s *RedisSource) Changes(ctx context.Context) (<-chan struct{}, error) {
	sub := s.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	out := make(chan struct{}, 1)
	msgs := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					s.logger.Warn().Msg("fleet pub/sub channel closed")
					return
				}
				wake(out)
			}
		}
	}()
	return out, nil
}

func (s *RedisSource) Signal(ctx context.Context) error {
	return s.client.Publish(ctx, s.channel, "changed").Err()
}
