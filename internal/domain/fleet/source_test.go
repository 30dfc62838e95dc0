package fleet

import (
	"context"
	"testing"
	"time"
)

func TestLocalSignal_CoalescesAndFansOut(t *testing.T) {
	s := NewLocalSignal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := s.Changes(ctx)
	b, _ := s.Changes(ctx)

	s.Signal(ctx)
	s.Signal(ctx)
	s.Signal(ctx)

	for name, ch := range map[string]<-chan struct{}{"a": a, "b": b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("%s: no tick", name)
		}
		select {
		case <-ch:
			t.Errorf("%s: ticks should coalesce", name)
		default:
		}
	}
}

func TestLocalSignal_UnsubscribesOnCancel(t *testing.T) {
	s := NewLocalSignal()
	ctx, cancel := context.WithCancel(context.Background())
	s.Changes(ctx)
	cancel()

	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		n := len(s.subs)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
