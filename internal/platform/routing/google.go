package routing

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"googlemaps.github.io/maps"
)

// GoogleDirections asks the Directions API for driving alternatives with
// live traffic.
type GoogleDirections struct {
	client *maps.Client
}

// NewGoogleDirections builds a client for the API at baseURL, the scheme and
// host only ("https://maps.googleapis.com"). An empty baseURL keeps the SDK
// default.
func NewGoogleDirections(baseURL, apiKey string, httpClient *http.Client) (*GoogleDirections, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("maps api key is not configured")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	opts := []maps.ClientOption{maps.WithAPIKey(apiKey), maps.WithHTTPClient(httpClient)}
	if baseURL != "" {
		opts = append(opts, maps.WithBaseURL(strings.TrimRight(baseURL, "/")))
	}
	c, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &GoogleDirections{client: c}, nil
}

func formatPoint(p Point) string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lng, 'f', -1, 64)
}

func (g *GoogleDirections) Directions(ctx context.Context, origin, destination Point) ([]Route, error) {
	found, _, err := g.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:        formatPoint(origin),
		Destination:   formatPoint(destination),
		Mode:          maps.TravelModeDriving,
		Alternatives:  true,
		DepartureTime: "now",
		TrafficModel:  maps.TrafficModelBestGuess,
	})
	if err != nil {
		if strings.Contains(err.Error(), "ZERO_RESULTS") {
			return nil, ErrNoRoutes
		}
		return nil, fmt.Errorf("directions: %w", err)
	}
	if len(found) == 0 {
		return nil, ErrNoRoutes
	}

	routes := make([]Route, 0, len(found))
	for _, r := range found {
		route := Route{Summary: r.Summary, Polyline: r.OverviewPolyline.Points}
		for _, l := range r.Legs {
			leg := Leg{
				Duration:       l.Duration,
				DistanceMeters: l.Distance.Meters,
				DurationText:   l.Duration.Round(time.Minute).String(),
				DistanceText:   l.Distance.HumanReadable,
			}
			// zero means the response carried no traffic estimate
			if l.DurationInTraffic > 0 {
				d := l.DurationInTraffic
				leg.DurationInTraffic = &d
			}
			route.Legs = append(route.Legs, leg)
		}
		routes = append(routes, route)
	}
	return routes, nil
}
