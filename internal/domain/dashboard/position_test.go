package dashboard

import (
	"testing"
)

func TestClientPositions_DeliversUntilStopped(t *testing.T) {
	p := NewClientPositions()
	var fixes []Fix
	stop := p.Watch(func(f Fix) { fixes = append(fixes, f) }, func(PositionError) {})

	if !p.Push(Fix{Lat: 1, Lng: 2}) {
		t.Fatal("expected an active watch to accept the fix")
	}
	if len(fixes) != 1 || fixes[0].Timestamp.IsZero() {
		t.Fatalf("expected one stamped fix, got %+v", fixes)
	}

	stop()
	stop()
	if p.Push(Fix{Lat: 3, Lng: 4}) {
		t.Error("expected push after stop to be refused")
	}
	if len(fixes) != 1 {
		t.Errorf("expected no delivery after stop, got %d fixes", len(fixes))
	}
}

func TestClientPositions_ErrorEndsWatch(t *testing.T) {
	p := NewClientPositions()
	var got []PositionError
	p.Watch(func(Fix) {}, func(e PositionError) { got = append(got, e) })

	if !p.Fail(PositionError{Code: PermissionDenied, Message: "denied"}) {
		t.Fatal("expected the error to be delivered")
	}
	if p.Watching() {
		t.Error("expected the watch to end after an error")
	}
	if p.Fail(PositionError{Code: PositionTimeout}) {
		t.Error("expected a second error to find no watch")
	}
	if len(got) != 1 || got[0].Code != PermissionDenied {
		t.Errorf("unexpected errors: %+v", got)
	}
}

func TestClientPositions_Close(t *testing.T) {
	p := NewClientPositions()
	p.Watch(func(Fix) { t.Error("unexpected fix") }, func(PositionError) {})
	p.Close()
	if p.Push(Fix{}) {
		t.Error("expected push after close to be refused")
	}
	stop := p.Watch(func(Fix) { t.Error("unexpected fix") }, func(PositionError) {})
	stop()
	if p.Watching() {
		t.Error("expected no watch after close")
	}
}

func TestPositionError_Error(t *testing.T) {
	if got := (PositionError{Code: PositionTimeout}).Error(); got != "position error 3" {
		t.Errorf("unexpected message %q", got)
	}
	if got := (PositionError{Code: PermissionDenied, Message: "denied"}).Error(); got != "position error 1: denied" {
		t.Errorf("unexpected message %q", got)
	}
}
