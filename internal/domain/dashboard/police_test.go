package dashboard

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/domain/fleet"
)

func newPoliceDashboard(t *testing.T, env *fleetEnv, feed *fakeFeed, sink *recordingSink, metrics *countingMetrics) *PoliceDashboard {
	t.Helper()
	d := NewPoliceDashboard(PoliceConfig{Fleet: env.svc, Feed: feed, Sink: sink, Metrics: metrics, Logger: zerolog.Nop()})
	if err := d.Mount(context.Background()); err != nil {
		t.Fatalf("mount: %v", err)
	}
	return d
}

func TestPoliceDashboard_ClearRoute(t *testing.T) {
	env := newFleetEnv()
	feed := newFakeFeed()
	sink := &recordingSink{}
	metrics := newCountingMetrics()

	onDuty := env.put(t, ambulance("AMB-1", fleet.StatusOnDuty, "City General"))
	available := env.put(t, ambulance("AMB-2", fleet.StatusAvailable, ""))
	feed.push([]fleet.Ambulance{onDuty, available})

	d := newPoliceDashboard(t, env, feed, sink, metrics)
	if v := d.View(); len(v.Active) != 2 || v.OnDuty != 1 {
		t.Fatalf("expected 2 active, 1 on duty, got %+v", v)
	}

	if err := d.Handle(context.Background(), Action{Name: ActionClearRoute, ID: onDuty.ID.String()}); err != nil {
		t.Fatalf("clear route: %v", err)
	}
	if !d.View().Active[0].Cleared() {
		t.Error("expected local record cleared")
	}
	if !env.get(t, onDuty.ID).Cleared() {
		t.Error("expected persisted record cleared")
	}
	n := sink.lastNotice(t)
	if n.Title != "Route cleared" || n.Description != "Notifications sent to traffic control points." {
		t.Errorf("unexpected notice: %+v", n)
	}

	if err := d.Handle(context.Background(), Action{Name: ActionClearRoute, ID: onDuty.ID.String()}); err != nil {
		t.Fatalf("second clear: %v", err)
	}
	if metrics.outcome(ActionClearRoute, OutcomeNoop) != 1 {
		t.Error("expected the repeat to be a local no-op")
	}
}

func TestPoliceDashboard_ClearRouteNotOnDuty(t *testing.T) {
	env := newFleetEnv()
	feed := newFakeFeed()
	sink := &recordingSink{}

	available := env.put(t, ambulance("AMB-2", fleet.StatusAvailable, ""))
	feed.push([]fleet.Ambulance{available})
	d := newPoliceDashboard(t, env, feed, sink, newCountingMetrics())

	if err := d.Handle(context.Background(), Action{Name: ActionClearRoute, ID: available.ID.String()}); err == nil {
		t.Fatal("expected error for an ambulance that is not on duty")
	}
	if d.View().Active[0].Cleared() {
		t.Error("expected local state unchanged")
	}
	n := sink.lastNotice(t)
	if n.Title != "Action failed" || n.Description != "Could not process your request. Please try again." {
		t.Errorf("unexpected notice: %+v", n)
	}
}

func TestPoliceDashboard_TeardownDuringRequest(t *testing.T) {
	env := newFleetEnv()
	feed := newFakeFeed()
	sink := &recordingSink{}
	metrics := newCountingMetrics()

	onDuty := env.put(t, ambulance("AMB-1", fleet.StatusOnDuty, "City General"))
	feed.push([]fleet.Ambulance{onDuty})

	gated := newGatedFleet(env.svc)
	d := NewPoliceDashboard(PoliceConfig{Fleet: gated, Feed: feed, Sink: sink, Metrics: metrics, Logger: zerolog.Nop()})
	if err := d.Mount(context.Background()); err != nil {
		t.Fatalf("mount: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Handle(context.Background(), Action{Name: ActionClearRoute, ID: onDuty.ID.String()}) }()
	<-gated.entered
	d.Teardown()
	before := sink.count()
	close(gated.release)
	<-done

	if sink.count() != before {
		t.Error("expected nothing emitted after teardown")
	}
	if metrics.unmounted["police"] != 1 {
		t.Error("expected the dashboard to be unmounted")
	}
}
