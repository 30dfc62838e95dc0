package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Listener holds a dedicated pool connection in LISTEN mode and forwards
// NOTIFY payloads for one channel. The connection is re-acquired after a
// failure.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	retry   time.Duration
	logger  zerolog.Logger
}

func NewListener(pool *pgxpool.Pool, channel string, logger zerolog.Logger) *Listener {
	return &Listener{
		pool:    pool,
		channel: channel,
		retry:   2 * time.Second,
		logger:  logger.With().Str("component", "pg_listener").Str("channel", channel).Logger(),
	}
}

// Listen blocks until ctx is cancelled, sending each payload on out.
func (l *Listener) Listen(ctx context.Context, out chan<- string) error {
	for {
		err := l.listenOnce(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn().Err(err).Dur("retry_in", l.retry).Msg("listener disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context, out chan<- string) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer func() {
		// Drop the subscription before the connection goes back to the pool.
		_, _ = conn.Exec(context.Background(), "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	l.logger.Debug().Msg("listening")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		select {
		case out <- n.Payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
