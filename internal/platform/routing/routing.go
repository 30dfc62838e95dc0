// Package routing asks a directions provider for route alternatives and
// picks the fastest one, preferring traffic-aware durations.
package routing

import (
	"context"
	"errors"
	"time"
)

var ErrNoRoutes = errors.New("no routes returned")

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Leg struct {
	Duration          time.Duration  `json:"duration"`
	DurationInTraffic *time.Duration `json:"duration_in_traffic,omitempty"`
	DistanceMeters    int            `json:"distance_meters"`
	DurationText      string         `json:"duration_text,omitempty"`
	DistanceText      string         `json:"distance_text,omitempty"`
}

type Route struct {
	Summary  string `json:"summary"`
	Legs     []Leg  `json:"legs"`
	Polyline string `json:"polyline,omitempty"`
}

// Provider returns driving alternatives between two points.
type Provider interface {
	Directions(ctx context.Context, origin, destination Point) ([]Route, error)
}

// EffectiveDuration is the first leg's duration in traffic, falling back to
// its plain duration. A route without legs has no usable duration.
func EffectiveDuration(r Route) (time.Duration, bool) {
	if len(r.Legs) == 0 {
		return 0, false
	}
	leg := r.Legs[0]
	if leg.DurationInTraffic != nil {
		return *leg.DurationInTraffic, true
	}
	return leg.Duration, true
}

// SelectFastest returns the index of the route with the lowest effective
// duration. Ties keep the earliest route.
func SelectFastest(routes []Route) (int, error) {
	best := -1
	var bestDur time.Duration
	for i, r := range routes {
		d, ok := EffectiveDuration(r)
		if !ok {
			continue
		}
		if best == -1 || d < bestDur {
			best, bestDur = i, d
		}
	}
	if best == -1 {
		return -1, ErrNoRoutes
	}
	return best, nil
}

// HeavyTraffic reports whether traffic adds more than 20% to the first leg.
func HeavyTraffic(r Route) bool {
	if len(r.Legs) == 0 || r.Legs[0].DurationInTraffic == nil {
		return false
	}
	leg := r.Legs[0]
	return float64(*leg.DurationInTraffic) > 1.2*float64(leg.Duration)
}

// Plan is the outcome of a route request.
type Plan struct {
	Route        Route         `json:"route"`
	Index        int           `json:"index"`
	Alternatives int           `json:"alternatives"`
	Effective    time.Duration `json:"effective_duration"`
	HeavyTraffic bool          `json:"heavy_traffic"`
}

// PlanRoute fetches alternatives and selects the fastest.
func PlanRoute(ctx context.Context, p Provider, origin, destination Point) (*Plan, error) {
	routes, err := p.Directions(ctx, origin, destination)
	if err != nil {
		return nil, err
	}
	idx, err := SelectFastest(routes)
	if err != nil {
		return nil, err
	}
	eff, _ := EffectiveDuration(routes[idx])
	return &Plan{
		Route:        routes[idx],
		Index:        idx,
		Alternatives: len(routes),
		Effective:    eff,
		HeavyTraffic: HeavyTraffic(routes[idx]),
	}, nil
}

// StaticProvider returns fixed routes; used in tests and when no maps key is
// configured.
type StaticProvider struct {
	Routes []Route
	Err    error
}

func (s *StaticProvider) Directions(ctx context.Context, _, _ Point) ([]Route, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]Route, len(s.Routes))
	copy(out, s.Routes)
	return out, nil
}
