// Package telemetry exposes Prometheus metrics for the dispatch server: HTTP
// request metrics plus counters and gauges for the fleet feed, dashboard
// sessions and dashboard actions.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	MetricsEnabled *bool // nil = enabled
	// RuntimeCollectors registers Go runtime and process collectors.
	RuntimeCollectors bool
}

func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "dispatch-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Provider owns a private Prometheus registry so tests and multiple servers
// in one process do not collide on the default registerer.
type Provider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpActive   prometheus.Gauge

	feedPushes      prometheus.Counter
	feedSubscribers prometheus.Gauge
	feedFetchErrors prometheus.Counter
	sessions        *prometheus.GaugeVec
	mutations       *prometheus.CounterVec
	notifications   *prometheus.CounterVec

	dbActive prometheus.Gauge
	dbIdle   prometheus.Gauge
}

func NewProvider(cfg TelemetryConfig) *Provider {
	cfg.applyDefaults()
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": cfg.ServiceName, "env": cfg.Environment}

	p := &Provider{
		cfg:      cfg,
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total", Help: "HTTP requests by method, route and status.", ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds", Help: "HTTP request latency.", Buckets: durationBuckets, ConstLabels: constLabels,
		}, []string{"method", "route"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_active_requests", Help: "In-flight HTTP requests.", ConstLabels: constLabels,
		}),
		feedPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_fleet_feed_pushes_total", Help: "Full fleet snapshots delivered to subscribers.", ConstLabels: constLabels,
		}),
		feedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_fleet_feed_subscribers", Help: "Active fleet feed subscriptions.", ConstLabels: constLabels,
		}),
		feedFetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_fleet_feed_fetch_errors_total", Help: "Failed fleet snapshot queries.", ConstLabels: constLabels,
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_dashboard_sessions", Help: "Mounted dashboards by role.", ConstLabels: constLabels,
		}, []string{"role"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_dashboard_actions_total", Help: "Dashboard actions by outcome.", ConstLabels: constLabels,
		}, []string{"action", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_notifications_total", Help: "Notices delivered by channel and kind.", ConstLabels: constLabels,
		}, []string{"channel", "kind"}),
		dbActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_active_connections", Help: "Acquired database connections.", ConstLabels: constLabels,
		}),
		dbIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_connections", Help: "Idle database connections.", ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		p.httpRequests, p.httpDuration, p.httpActive,
		p.feedPushes, p.feedSubscribers, p.feedFetchErrors,
		p.sessions, p.mutations, p.notifications,
		p.dbActive, p.dbIdle,
	)
	if cfg.RuntimeCollectors {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return p
}

// Registry exposes the underlying registry for tests.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// MetricsMiddleware records request count and latency by route template.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}

			p.httpActive.Inc()
			start := time.Now()

			err := next(c)

			p.httpActive.Dec()
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			p.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry}))
}

// FeedPushed counts one snapshot delivery.
func (p *Provider) FeedPushed() { p.feedPushes.Inc() }

// FeedFetchFailed counts one failed snapshot query.
func (p *Provider) FeedFetchFailed() { p.feedFetchErrors.Inc() }

func (p *Provider) FeedSubscribed()   { p.feedSubscribers.Inc() }
func (p *Provider) FeedUnsubscribed() { p.feedSubscribers.Dec() }

func (p *Provider) SessionMounted(role string)   { p.sessions.WithLabelValues(role).Inc() }
func (p *Provider) SessionUnmounted(role string) { p.sessions.WithLabelValues(role).Dec() }

// ActionCompleted records a dashboard action. outcome is "ok", "failed" or
// "dropped" (result arrived after teardown).
func (p *Provider) ActionCompleted(action, outcome string) {
	p.mutations.WithLabelValues(action, outcome).Inc()
}

func (p *Provider) NotificationSent(channel, kind string) {
	p.notifications.WithLabelValues(channel, kind).Inc()
}

// SetDBPool copies pool statistics into gauges.
func (p *Provider) SetDBPool(active, idle int32) {
	p.dbActive.Set(float64(active))
	p.dbIdle.Set(float64(idle))
}

// WatchPool samples pool stats every interval until ctx is done.
func (p *Provider) WatchPool(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := pool.Stat()
			p.SetDBPool(s.AcquiredConns(), s.IdleConns())
		}
	}
}
