package dashboard

import (
	"context"
	"net/http"
	"sync"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/domain/session"
	"github.com/lifeline/dispatch/internal/platform/auth"
	"github.com/lifeline/dispatch/internal/platform/notification"
	"github.com/lifeline/dispatch/internal/platform/websocket"
)

// Inbound message types handled by the socket itself rather than the
// dashboard.
const (
	MsgPosition      = "position"
	MsgPositionError = "position_error"
	MsgSignOut       = "sign_out"
)

// SessionService is satisfied by *session.Service.
type SessionService interface {
	session.ProfileFetcher
	session.SignOuter
	SignOut(ctx context.Context, claims *auth.Claims) error
	Policy() session.Policy
}

type Handler struct {
	hub      *websocket.Hub
	upgrader *gorillawebsocket.Upgrader
	issuer   *auth.Issuer
	revoker  auth.Revoker
	sessions SessionService
	deps     Deps
	logger   zerolog.Logger
}

func NewHandler(hub *websocket.Hub, upgrader *gorillawebsocket.Upgrader, issuer *auth.Issuer, revoker auth.Revoker, sessions SessionService, deps Deps, logger zerolog.Logger) *Handler {
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	return &Handler{
		hub:      hub,
		upgrader: upgrader,
		issuer:   issuer,
		revoker:  revoker,
		sessions: sessions,
		deps:     deps,
		logger:   logger.With().Str("component", "dashboard_ws").Logger(),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/dashboard/:role", h.Serve)
}

// Serve authenticates the socket, then runs a session for it. The dashboard
// for the requested role mounts once the session is authorized for that
// role; any other outcome sends a redirect and closes the socket.
func (h *Handler) Serve(c echo.Context) error {
	role, err := profile.ParseRole(c.Param("role"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown dashboard")
	}
	token, ok := auth.TokenFromRequest(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed bearer token")
	}
	claims, err := h.issuer.Parse(token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	if h.revoker != nil {
		revoked, err := h.revoker.IsRevoked(c.Request().Context(), claims)
		if err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "token revocation check failed")
		}
		if revoked {
			return echo.NewHTTPError(http.StatusUnauthorized, "token has been revoked")
		}
	}

	conn, err := websocket.Upgrade(c, h.upgrader)
	if err != nil {
		// the upgrader has already answered the request
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	client := h.hub.NewClient(conn, []string{
		websocket.UserTopic(claims.Subject),
		websocket.RoleTopic(claims.Role),
	})

	b := h.bind(role, claims, client)
	h.hub.Serve(client, b.onMessage)
	b.close()
	return nil
}

// binding ties one socket to its session controller and dashboard.
type binding struct {
	h         *Handler
	role      profile.Role
	claims    *auth.Claims
	sink      Sink
	closer    func()
	events    *session.ChannelSource
	session   *session.Controller
	positions *ClientPositions
	ctx       context.Context
	cancel    context.CancelFunc
	unwatch   func()
	logger    zerolog.Logger

	mu        sync.Mutex
	dashboard Controller
	done      bool
}

func (h *Handler) bind(role profile.Role, claims *auth.Claims, client *websocket.Client) *binding {
	return h.start(role, claims, client, client.Close)
}

func (h *Handler) start(role profile.Role, claims *auth.Claims, sink Sink, closer func()) *binding {
	ctx, cancel := context.WithCancel(context.Background())
	b := &binding{
		h:         h,
		role:      role,
		claims:    claims,
		sink:      sink,
		closer:    closer,
		events:    session.NewChannelSource(4),
		positions: NewClientPositions(),
		ctx:       ctx,
		cancel:    cancel,
		logger:    h.logger.With().Str("user_id", claims.Subject).Str("dashboard", string(role)).Logger(),
	}
	b.session = session.NewController(b.events, h.sessions, h.sessions, h.sessions.Policy(), h.logger)
	b.events.Push(&session.AuthUser{ID: claims.Subject})
	go b.session.Run(ctx)
	b.unwatch = b.session.Watch(b.onSnapshot)
	return b
}

type sessionView struct {
	session.Snapshot
	Authenticated bool   `json:"authenticated"`
	DashboardPath string `json:"dashboard_path,omitempty"`
}

func (b *binding) onSnapshot(s session.Snapshot) {
	b.sink.Emit(EventSession, sessionView{Snapshot: s, Authenticated: s.IsAuthenticated(), DashboardPath: s.DashboardPath()})

	switch d := s.Guard(b.role); d.Verdict {
	case session.Render:
		b.mount(s)
	case session.Redirect:
		b.redirect(d.To)
	}
}

func (b *binding) mount(s session.Snapshot) {
	b.mu.Lock()
	if b.done || b.dashboard != nil {
		b.mu.Unlock()
		return
	}
	ctrl, err := b.h.deps.New(s.Profile, b.sink, b.positions)
	if err != nil {
		b.mu.Unlock()
		b.logger.Error().Err(err).Msg("dashboard unavailable")
		b.redirect(session.LoginPath)
		return
	}
	b.dashboard = ctrl
	b.mu.Unlock()

	if err := ctrl.Mount(b.ctx); err != nil {
		b.logger.Warn().Err(err).Msg("dashboard mount failed")
	}
}

func (b *binding) redirect(to string) {
	d := b.detach()
	if d != nil {
		d.Teardown()
	}
	b.sink.Emit(EventRedirect, map[string]string{"to": to})
	b.closer()
}

// detach marks the binding finished and hands back the mounted dashboard.
func (b *binding) detach() Controller {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.dashboard
	b.dashboard = nil
	b.done = true
	return d
}

func (b *binding) current() Controller {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dashboard
}

func (b *binding) onMessage(data []byte) {
	a, err := ParseAction(data)
	if err != nil {
		b.sink.Emit(EventNotice, notification.Notice{
			Kind:        notification.KindInfo,
			Title:       "Invalid message",
			Description: err.Error(),
		})
		return
	}

	switch a.Name {
	case MsgPosition:
		var f Fix
		if err := a.Decode(&f); err != nil {
			b.logger.Debug().Err(err).Msg("bad position message")
			return
		}
		b.positions.Push(f)

	case MsgPositionError:
		var e PositionError
		if err := a.Decode(&e); err != nil {
			b.logger.Debug().Err(err).Msg("bad position error message")
			return
		}
		b.positions.Fail(e)

	case MsgSignOut:
		if err := b.h.sessions.SignOut(b.ctx, b.claims); err != nil {
			b.logger.Warn().Err(err).Msg("sign-out failed")
		}
		b.events.Push(nil)

	default:
		d := b.current()
		if d == nil {
			b.sink.Emit(EventNotice, notification.Notice{
				Kind:        notification.KindInfo,
				Title:       "Please wait",
				Description: "Your dashboard is still loading.",
			})
			return
		}
		if err := d.Handle(b.ctx, a); err != nil {
			b.logger.Debug().Err(err).Str("action", a.Name).Msg("dashboard action")
		}
	}
}

// close runs after the socket is gone: nothing is emitted past this point.
func (b *binding) close() {
	b.cancel()
	b.unwatch()
	if d := b.detach(); d != nil {
		d.Teardown()
	}
	b.positions.Close()
	b.events.Close()
}
