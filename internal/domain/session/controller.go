package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/platform/notification"
)

// EventSource pushes auth events. A nil user means the session ended.
type EventSource interface {
	Events() <-chan *AuthUser
}

type ProfileFetcher interface {
	Get(ctx context.Context, id uuid.UUID) (*profile.UserProfile, error)
}

type SignOuter interface {
	ForceSignOut(ctx context.Context, userID string) error
}

// ChannelSource is an EventSource fed by Push.
type ChannelSource struct {
	mu     sync.Mutex
	ch     chan *AuthUser
	closed bool
}

func NewChannelSource(buffer int) *ChannelSource {
	if buffer <= 0 {
		buffer = 8
	}
	return &ChannelSource{ch: make(chan *AuthUser, buffer)}
}

func (s *ChannelSource) Events() <-chan *AuthUser { return s.ch }

// Push enqueues an event without blocking. It reports false when the source
// is closed or its buffer is full.
func (s *ChannelSource) Push(u *AuthUser) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- u:
		return true
	default:
		return false
	}
}

func (s *ChannelSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type fetchResult struct {
	seq     uint64
	user    *AuthUser
	profile *profile.UserProfile
	err     error
}

// Controller turns auth events into session snapshots. Events are handled in
// arrival order; a profile fetch still in flight when the next event arrives
// is cancelled and its result dropped.
type Controller struct {
	source    EventSource
	profiles  ProfileFetcher
	signOuter SignOuter
	policy    Policy
	logger    zerolog.Logger

	mu        sync.Mutex
	current   Snapshot
	watchers  map[int]func(Snapshot)
	nextWatch int
	seq       uint64

	// serializes observer delivery so every watcher sees snapshots in order
	deliver sync.Mutex
}

func NewController(source EventSource, profiles ProfileFetcher, signOuter SignOuter, policy Policy, logger zerolog.Logger) *Controller {
	return &Controller{
		source:    source,
		profiles:  profiles,
		signOuter: signOuter,
		policy:    policy,
		logger:    logger.With().Str("component", "session").Logger(),
		current:   Snapshot{State: StateUnauthenticated, Loading: true},
		watchers:  make(map[int]func(Snapshot)),
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Guard evaluates the current snapshot for a dashboard bound to expected.
func (c *Controller) Guard(expected profile.Role) Decision {
	return c.Snapshot().Guard(expected)
}

// Watch calls fn with the current snapshot and then with every later one.
// The returned dispose stops delivery and is safe to call more than once.
func (c *Controller) Watch(fn func(Snapshot)) (dispose func()) {
	c.deliver.Lock()
	c.mu.Lock()
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = fn
	snap := c.current
	c.mu.Unlock()
	fn(snap)
	c.deliver.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}

func (c *Controller) publish(s Snapshot) {
	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	c.current = s
	ids := make([]int, 0, len(c.watchers))
	for id := range c.watchers {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.mu.Lock()
		fn, ok := c.watchers[id]
		c.mu.Unlock()
		if ok {
			fn(s)
		}
	}
}

// Run processes events until ctx ends or the source closes.
func (c *Controller) Run(ctx context.Context) {
	events := c.source.Events()
	var (
		pending     chan fetchResult
		cancelFetch context.CancelFunc = func() {}
	)
	defer func() { cancelFetch() }()

	for {
		select {
		case <-ctx.Done():
			return

		case u, ok := <-events:
			if !ok {
				return
			}
			cancelFetch()
			pending = nil
			c.seq++

			if u == nil {
				c.publish(Snapshot{State: StateUnauthenticated})
				continue
			}

			c.publish(Snapshot{State: StateResolving, Loading: true, CurrentUser: u})

			fctx, cancel := context.WithCancel(ctx)
			cancelFetch = cancel
			pending = make(chan fetchResult, 1)
			go c.fetch(fctx, c.seq, u, pending)

		case r := <-pending:
			pending = nil
			cancelFetch()
			if r.seq != c.seq {
				continue
			}
			c.resolve(ctx, r)
		}
	}
}

func (c *Controller) fetch(ctx context.Context, seq uint64, u *AuthUser, out chan<- fetchResult) {
	r := fetchResult{seq: seq, user: u}
	id, err := uuid.Parse(u.ID)
	if err != nil {
		r.err = fmt.Errorf("invalid user id %q", u.ID)
	} else {
		r.profile, r.err = c.profiles.Get(ctx, id)
	}
	out <- r
}

func (c *Controller) resolve(ctx context.Context, r fetchResult) {
	if r.err != nil {
		c.logger.Warn().Err(r.err).Str("user_id", r.user.ID).Msg("profile fetch failed")
		c.publish(Snapshot{
			State:       StateError,
			CurrentUser: r.user,
			Error:       msgProfileLoadFailed,
			Notice:      profileErrorNotice(),
		})
		return
	}

	p := r.profile
	switch Gate(p, c.policy) {
	case Allow:
		c.publish(Snapshot{
			State:       StateAuthorized,
			CurrentUser: r.user,
			Profile:     p,
			Role:        p.Role,
		})
		return
	case Rejected:
		c.deny(ctx, r.user, rejectedNotice(p.Role))
	default:
		c.deny(ctx, r.user, pendingNotice(p.Role))
	}
}

func (c *Controller) deny(ctx context.Context, u *AuthUser, notice *notification.Notice) {
	if c.signOuter != nil {
		if err := c.signOuter.ForceSignOut(ctx, u.ID); err != nil {
			c.logger.Error().Err(err).Str("user_id", u.ID).Msg("force sign-out failed")
		}
	}
	c.logger.Info().Str("user_id", u.ID).Msg("session denied by verification gate")
	c.publish(Snapshot{State: StateRejectedUnverified, Loading: true, Notice: notice})
	c.publish(Snapshot{State: StateUnauthenticated, Notice: notice})
}
