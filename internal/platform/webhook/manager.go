// Package webhook delivers dispatch events to external systems, such as
// traffic control points, as HMAC-SHA256 signed JSON POSTs with retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Endpoint is a configured delivery target.
type Endpoint struct {
	URL    string   `json:"url"`
	Secret string   `json:"-"`
	Events []string `json:"events"`
}

// Event is the body POSTed to every matching endpoint.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ResourceID string          `json:"resource_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// DeliveryAttempt is the outcome of delivering one event to one endpoint,
// after retries.
type DeliveryAttempt struct {
	EndpointURL  string        `json:"endpoint_url"`
	EventType    string        `json:"event_type"`
	EventID      string        `json:"event_id"`
	Signature    string        `json:"signature"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body"`
	Duration     time.Duration `json:"duration_ns"`
	Attempt      int           `json:"attempt"`
	Status       string        `json:"status"` // "success", "failed"
	Error        string        `json:"error,omitempty"`
}

// SignPayload computes the hex-encoded HMAC-SHA256 of payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// ParseEndpoints builds one endpoint per URL, all sharing secret and the
// event subscriptions. Blank entries are skipped.
func ParseEndpoints(urls []string, secret string, events []string) ([]Endpoint, error) {
	var out []Endpoint
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := validateURL(raw); err != nil {
			return nil, fmt.Errorf("webhook %q: %w", raw, err)
		}
		out = append(out, Endpoint{URL: raw, Secret: secret, Events: events})
	}
	return out, nil
}

// eventMatches supports exact types, "*", and "ambulance.*" prefixes.
func eventMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep Endpoint) matches(eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, pat := range ep.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithRetryDelays sets the waits between attempts; len(delays) is the number
// of retries after the first attempt.
func WithRetryDelays(delays ...time.Duration) ManagerOption {
	return func(m *Manager) { m.retryDelays = delays }
}

type Manager struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger
	wg          sync.WaitGroup
}

func NewManager(endpoints []Endpoint, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		endpoints:   endpoints,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		logger:      logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Publish delivers the event in the background. It returns once the payload
// is encoded; delivery failures are logged. The caller's cancellation does
// not abort delivery.
func (m *Manager) Publish(ctx context.Context, eventType, resourceID string, payload interface{}) error {
	if len(m.endpoints) == 0 {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	event := Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		ResourceID: resourceID,
		Payload:    body,
		Timestamp:  time.Now().UTC(),
	}

	bg := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, a := range m.Deliver(bg, event) {
			if a.Status != "success" {
				m.logger.Warn().
					Str("event_id", a.EventID).
					Str("event_type", a.EventType).
					Str("url", a.EndpointURL).
					Int("attempts", a.Attempt).
					Str("error", a.Error).
					Msg("webhook delivery failed")
			}
		}
	}()
	return nil
}

// Wait blocks until every background delivery has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Deliver sends the event to every matching endpoint and returns one
// attempt per endpoint.
func (m *Manager) Deliver(ctx context.Context, event Event) []DeliveryAttempt {
	var results []DeliveryAttempt
	for _, ep := range m.endpoints {
		if !ep.matches(event.Type) {
			continue
		}
		results = append(results, *m.deliverWithRetry(ctx, ep, event))
	}
	return results
}

func (m *Manager) deliverWithRetry(ctx context.Context, ep Endpoint, event Event) *DeliveryAttempt {
	attempt := m.DeliverToEndpoint(ctx, ep, event)
	for i, delay := range m.retryDelays {
		if attempt.Status == "success" || !retryable(attempt.StatusCode) {
			break
		}
		select {
		case <-ctx.Done():
			attempt.Error = ctx.Err().Error()
			return attempt
		case <-time.After(delay):
		}
		attempt = m.DeliverToEndpoint(ctx, ep, event)
		attempt.Attempt = i + 2
	}
	return attempt
}

// retryable: transport errors (0), 429 and 5xx.
func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

// DeliverToEndpoint signs the event and POSTs it once.
func (m *Manager) DeliverToEndpoint(ctx context.Context, ep Endpoint, event Event) *DeliveryAttempt {
	payload, _ := json.Marshal(event)
	sig := SignPayload(payload, ep.Secret)
	now := time.Now()

	attempt := &DeliveryAttempt{
		EndpointURL: ep.URL,
		EventType:   event.Type,
		EventID:     event.ID,
		Signature:   sig,
		Attempt:     1,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		attempt.Status = "failed"
		attempt.Error = err.Error()
		return attempt
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+sig)
	req.Header.Set("X-Webhook-Event", event.Type)
	req.Header.Set("X-Webhook-Timestamp", now.UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	attempt.Duration = time.Since(start)

	if err != nil {
		attempt.Status = "failed"
		attempt.Error = err.Error()
		return attempt
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	attempt.ResponseBody = string(bodyBytes)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Status = "success"
	} else {
		attempt.Status = "failed"
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return attempt
}
