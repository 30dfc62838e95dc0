// Package dashboard holds the four role dashboards. Each one lives exactly
// as long as its socket: it mounts when the session is authorized for its
// role and is torn down when the socket closes or the session ends.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/platform/notification"
)

// Event types sent to the client.
const (
	EventView     = "view"
	EventNotice   = "notice"
	EventRoute    = "route"
	EventSession  = "session"
	EventRedirect = "redirect"
	EventWatch    = "geolocation_options"
)

// Action outcomes as reported to metrics.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
	OutcomeNoop    = "noop"
)

// Sink receives everything a dashboard emits. *websocket.Client satisfies it.
type Sink interface {
	Emit(eventType string, payload interface{}) bool
}

type Metrics interface {
	SessionMounted(role string)
	SessionUnmounted(role string)
	ActionCompleted(action, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) SessionMounted(string)          {}
func (nopMetrics) SessionUnmounted(string)        {}
func (nopMetrics) ActionCompleted(string, string) {}

// Action is one inbound request from the client, e.g.
// {"action":"prepare","id":"..."}.
type Action struct {
	Name string          `json:"action"`
	ID   string          `json:"id,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// ParseAction decodes an inbound message and keeps the raw payload for
// action-specific fields.
func ParseAction(data []byte) (Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("invalid message: %w", err)
	}
	if a.Name == "" {
		return a, fmt.Errorf("action is required")
	}
	a.Raw = append(json.RawMessage(nil), data...)
	return a, nil
}

// Decode unmarshals the raw message into v.
func (a Action) Decode(v interface{}) error {
	if len(a.Raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(a.Raw, v)
}

type Controller interface {
	Mount(ctx context.Context) error
	Handle(ctx context.Context, a Action) error
	Teardown()
}

// lifecycle is the liveness guard shared by every dashboard. Once Teardown
// runs, callbacks and late results become no-ops and nothing more reaches
// the sink.
type lifecycle struct {
	role    profile.Role
	sink    Sink
	metrics Metrics
	logger  zerolog.Logger

	mu        sync.Mutex
	live      bool
	mounted   bool
	disposers []func()
}

func newLifecycle(role profile.Role, sink Sink, metrics Metrics, logger zerolog.Logger) lifecycle {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return lifecycle{
		role:    role,
		sink:    sink,
		metrics: metrics,
		logger:  logger.With().Str("component", "dashboard").Str("role", string(role)).Logger(),
		live:    true,
	}
}

// start marks the dashboard mounted; it fails after Teardown.
func (l *lifecycle) start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.live || l.mounted {
		return l.live
	}
	l.mounted = true
	l.metrics.SessionMounted(string(l.role))
	return true
}

// onLive runs fn under the guard and reports whether it ran.
func (l *lifecycle) onLive(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.live {
		return false
	}
	fn()
	return true
}

// own registers a disposer for Teardown. If the dashboard is already gone
// the disposer runs at once.
func (l *lifecycle) own(dispose func()) {
	l.mu.Lock()
	if l.live {
		l.disposers = append(l.disposers, dispose)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	dispose()
}

func (l *lifecycle) Teardown() {
	l.mu.Lock()
	if !l.live {
		l.mu.Unlock()
		return
	}
	l.live = false
	disposers := l.disposers
	l.disposers = nil
	mounted := l.mounted
	l.mu.Unlock()

	// Disposers run outside the lock: a feed callback blocked on the guard
	// must be able to finish.
	for i := len(disposers) - 1; i >= 0; i-- {
		disposers[i]()
	}
	if mounted {
		l.metrics.SessionUnmounted(string(l.role))
	}
}

// emit and notice must be called under the guard.
func (l *lifecycle) emit(eventType string, payload interface{}) {
	l.sink.Emit(eventType, payload)
}

func (l *lifecycle) notice(n notification.Notice) {
	l.sink.Emit(EventNotice, n)
}

// mutate runs request, then commits only if it succeeded and the dashboard
// is still live. A failure leaves local state alone and emits a transient
// notice.
func (l *lifecycle) mutate(ctx context.Context, action string, request func(ctx context.Context) error, commit func(), failure string) error {
	err := request(ctx)

	outcome := OutcomeOK
	ran := l.onLive(func() {
		if err != nil {
			outcome = OutcomeFailed
			l.notice(notification.Failure(failure))
			return
		}
		commit()
	})
	if !ran {
		outcome = OutcomeDropped
	}
	l.metrics.ActionCompleted(action, outcome)

	if err != nil {
		l.logger.Warn().Err(err).Str("action", action).Str("outcome", outcome).Msg("dashboard action failed")
		if ran {
			return err
		}
	}
	return nil
}

// noop records an action that was skipped because it had already happened.
func (l *lifecycle) noop(action string) {
	l.metrics.ActionCompleted(action, OutcomeNoop)
}

func (l *lifecycle) unknownAction(a Action) error {
	l.onLive(func() {
		l.notice(notification.Notice{
			Kind:        notification.KindInfo,
			Title:       "Unknown action",
			Description: fmt.Sprintf("%q is not available on the %s dashboard.", a.Name, l.role),
		})
	})
	return fmt.Errorf("unknown action %q", a.Name)
}
