// Package notification delivers user-facing notices. A notice goes to the
// recipient's open dashboards through the WebSocket hub and, when the user
// has registered a device token, as a Firebase Cloud Messaging push.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/platform/websocket"
)

// Kind classifies a notice by the error category it reports.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindProfile     Kind = "profile"
	KindMutation    Kind = "mutation"
	KindGeolocation Kind = "geolocation"
	KindInfo        Kind = "info"
)

// Notice is a transient toast shown to a user.
type Notice struct {
	Kind        Kind   `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Destructive bool   `json:"destructive,omitempty"`
}

// Failure builds the destructive notice shown when a dashboard action fails.
func Failure(description string) Notice {
	return Notice{Kind: KindMutation, Title: "Action failed", Description: description, Destructive: true}
}

// Notifier sends notices to users who are not the caller.
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, templateID string, data map[string]string) error
	NotifyRole(ctx context.Context, role string, templateID string, data map[string]string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable notice.
type Template struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

const (
	TplRegistrationPending = "registration-pending"
	TplAccountVerified     = "account-verified"
	TplAccountRejected     = "account-rejected"
	TplIncomingPatient     = "incoming-patient"
	TplHospitalPrepared    = "hospital-prepared"
	TplRouteCleared        = "route-cleared"
)

// TemplateEngine manages notice templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:    TplRegistrationPending,
			Kind:  KindProfile,
			Title: "New registration",
			Body:  "{{name}} registered as {{role}} and is waiting for verification.",
		},
		{
			ID:    TplAccountVerified,
			Kind:  KindAuth,
			Title: "Account verified",
			Body:  "Your {{role}} account has been approved. You can now log in.",
		},
		{
			ID:    TplAccountRejected,
			Kind:  KindAuth,
			Title: "Account not approved",
			Body:  "Your {{role}} account registration was rejected by an administrator.",
		},
		{
			ID:    TplIncomingPatient,
			Kind:  KindInfo,
			Title: "Incoming ambulance",
			Body:  "Ambulance {{vehicle_id}} is en route with a {{severity}} severity patient.",
		},
		{
			ID:    TplHospitalPrepared,
			Kind:  KindInfo,
			Title: "Hospital prepared",
			Body:  "{{hospital}} is ready to receive your patient.",
		},
		{
			ID:    TplRouteCleared,
			Kind:  KindInfo,
			Title: "Route cleared",
			Body:  "Traffic control has cleared the route for {{vehicle_id}}.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement. Keys absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (Notice, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return Notice{}, fmt.Errorf("template %q not found", templateID)
	}

	title, body := t.Title, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		title = strings.ReplaceAll(title, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return Notice{Kind: t.Kind, Title: title, Description: body}, nil
}

// ---------------------------------------------------------------------------
// Push delivery
// ---------------------------------------------------------------------------

// PushSender delivers a notice to one device.
type PushSender interface {
	Push(ctx context.Context, deviceToken string, n Notice) error
}

// TokenStore resolves device tokens. Users without a token are omitted.
type TokenStore interface {
	DeviceTokens(ctx context.Context, userIDs []string) (map[string]string, error)
	RoleDeviceTokens(ctx context.Context, role string) ([]string, error)
}

// Recorder receives delivery counts; telemetry.Provider satisfies it.
type Recorder interface {
	NotificationSent(channel, kind string)
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Dispatcher implements Notifier over the WebSocket hub plus optional push.
type Dispatcher struct {
	publisher websocket.EventPublisher
	templates *TemplateEngine
	push      PushSender
	tokens    TokenStore
	recorder  Recorder
	logger    zerolog.Logger
}

// NewDispatcher wires socket delivery. push and tokens may be nil, in which
// case notices only reach open dashboards.
func NewDispatcher(pub websocket.EventPublisher, tpl *TemplateEngine, push PushSender, tokens TokenStore, rec Recorder, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		publisher: pub,
		templates: tpl,
		push:      push,
		tokens:    tokens,
		recorder:  rec,
		logger:    logger,
	}
}

func (d *Dispatcher) NotifyUser(ctx context.Context, userID, templateID string, data map[string]string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	n, err := d.templates.Render(templateID, data)
	if err != nil {
		return err
	}
	if err := d.publish(ctx, websocket.UserTopic(userID), n); err != nil {
		return err
	}

	if d.push != nil && d.tokens != nil {
		tokens, err := d.tokens.DeviceTokens(ctx, []string{userID})
		if err != nil {
			d.logger.Warn().Err(err).Str("user_id", userID).Msg("notification: device token lookup failed")
			return nil
		}
		if tok, ok := tokens[userID]; ok {
			d.pushAll(ctx, []string{tok}, n)
		}
	}
	return nil
}

func (d *Dispatcher) NotifyRole(ctx context.Context, role, templateID string, data map[string]string) error {
	if role == "" {
		return errors.New("role is required")
	}
	n, err := d.templates.Render(templateID, data)
	if err != nil {
		return err
	}
	if err := d.publish(ctx, websocket.RoleTopic(role), n); err != nil {
		return err
	}

	if d.push != nil && d.tokens != nil {
		tokens, err := d.tokens.RoleDeviceTokens(ctx, role)
		if err != nil {
			d.logger.Warn().Err(err).Str("role", role).Msg("notification: device token lookup failed")
			return nil
		}
		d.pushAll(ctx, tokens, n)
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, topic string, n Notice) error {
	ev, err := websocket.NewEvent("notice", topic, n)
	if err != nil {
		return err
	}
	if err := d.publisher.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	d.record("socket", n.Kind)
	return nil
}

// pushAll is best effort: failures are logged, never returned.
func (d *Dispatcher) pushAll(ctx context.Context, tokens []string, n Notice) {
	sent := 0
	for _, tok := range tokens {
		if err := d.push.Push(ctx, tok, n); err != nil {
			d.logger.Warn().Err(err).Str("title", n.Title).Msg("notification: push failed")
			continue
		}
		sent++
		d.record("push", n.Kind)
	}
	if len(tokens) > 0 {
		d.logger.Debug().Int("sent", sent).Int("total", len(tokens)).Str("title", n.Title).Msg("notification: push delivered")
	}
}

func (d *Dispatcher) record(channel string, kind Kind) {
	if d.recorder != nil {
		d.recorder.NotificationSent(channel, string(kind))
	}
}

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// PushCall records a single call to Push.
type PushCall struct {
	Token  string
	Notice Notice
}

// MockPushSender is a test double for PushSender.
type MockPushSender struct {
	mu         sync.Mutex
	calls      []PushCall
	ShouldFail bool
}

func (m *MockPushSender) Push(_ context.Context, token string, n Notice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, PushCall{Token: token, Notice: n})
	if m.ShouldFail {
		return errors.New("push failed")
	}
	return nil
}

// Calls returns a copy of recorded push calls.
func (m *MockPushSender) Calls() []PushCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PushCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// NotifyCall records a single call made through MockNotifier.
type NotifyCall struct {
	UserID     string
	Role       string
	TemplateID string
	Data       map[string]string
}

// MockNotifier records notices instead of delivering them.
type MockNotifier struct {
	mu    sync.Mutex
	calls []NotifyCall
}

func (m *MockNotifier) NotifyUser(_ context.Context, userID, templateID string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, NotifyCall{UserID: userID, TemplateID: templateID, Data: data})
	return nil
}

func (m *MockNotifier) NotifyRole(_ context.Context, role, templateID string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, NotifyCall{Role: role, TemplateID: templateID, Data: data})
	return nil
}

func (m *MockNotifier) Calls() []NotifyCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NotifyCall, len(m.calls))
	copy(out, m.calls)
	return out
}
