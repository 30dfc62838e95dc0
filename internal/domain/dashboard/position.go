package dashboard

import (
	"fmt"
	"sync"
	"time"
)

// Fix is one device position report.
type Fix struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type PositionErrorCode int

// Codes follow the browser geolocation API.
const (
	PermissionDenied    PositionErrorCode = 1
	PositionUnavailable PositionErrorCode = 2
	PositionTimeout     PositionErrorCode = 3
)

type PositionError struct {
	Code    PositionErrorCode `json:"code"`
	Message string            `json:"message,omitempty"`
}

func (e PositionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("position error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("position error %d", e.Code)
}

// WatchOptions are the geolocation options the client is asked to watch
// with. Durations are milliseconds.
type WatchOptions struct {
	EnableHighAccuracy bool  `json:"enableHighAccuracy"`
	MaximumAge         int64 `json:"maximumAge"`
	Timeout            int64 `json:"timeout"`
}

var DefaultWatchOptions = WatchOptions{
	EnableHighAccuracy: true,
	MaximumAge:         10000,
	Timeout:            5000,
}

// PositionSource delivers position fixes until stopped. After an error the
// watch ends on its own. stop must not be called from inside onFix or
// onError.
type PositionSource interface {
	Watch(onFix func(Fix), onError func(PositionError)) (stop func())
}

// ClientPositions is a PositionSource fed by the socket: the client watches
// its own geolocation and forwards each fix. One watch is active at a time.
type ClientPositions struct {
	call sync.Mutex // held while a callback runs

	mu     sync.Mutex
	watch  *positionWatch
	closed bool
}

type positionWatch struct {
	onFix   func(Fix)
	onError func(PositionError)
}

func NewClientPositions() *ClientPositions {
	return &ClientPositions{}
}

func (p *ClientPositions) Watch(onFix func(Fix), onError func(PositionError)) func() {
	w := &positionWatch{onFix: onFix, onError: onError}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return func() {}
	}
	p.watch = w
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.call.Lock()
			p.mu.Lock()
			if p.watch == w {
				p.watch = nil
			}
			p.mu.Unlock()
			p.call.Unlock()
		})
	}
}

// Push delivers a fix to the active watch. It reports false when nobody is
// watching.
func (p *ClientPositions) Push(f Fix) bool {
	p.call.Lock()
	defer p.call.Unlock()

	p.mu.Lock()
	w := p.watch
	p.mu.Unlock()
	if w == nil {
		return false
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	w.onFix(f)
	return true
}

// Fail delivers an error and ends the active watch.
func (p *ClientPositions) Fail(e PositionError) bool {
	p.call.Lock()
	defer p.call.Unlock()

	p.mu.Lock()
	w := p.watch
	p.watch = nil
	p.mu.Unlock()
	if w == nil {
		return false
	}
	w.onError(e)
	return true
}

// Watching reports whether a watch is active.
func (p *ClientPositions) Watching() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watch != nil
}

func (p *ClientPositions) Close() {
	p.call.Lock()
	defer p.call.Unlock()
	p.mu.Lock()
	p.closed = true
	p.watch = nil
	p.mu.Unlock()
}
