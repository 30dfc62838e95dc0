package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type setRecorder struct {
	mu   sync.Mutex
	sets [][]Ambulance
}

func (r *setRecorder) record(set []Ambulance) {
	r.mu.Lock()
	r.sets = append(r.sets, set)
	r.mu.Unlock()
}

func (r *setRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

func (r *setRecorder) last() []Ambulance {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sets) == 0 {
		return nil
	}
	return r.sets[len(r.sets)-1]
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type countingMetrics struct {
	mu                             sync.Mutex
	pushes, failures, subs, unsubs int
}

func (m *countingMetrics) FeedPushed()       { m.mu.Lock(); m.pushes++; m.mu.Unlock() }
func (m *countingMetrics) FeedFetchFailed()  { m.mu.Lock(); m.failures++; m.mu.Unlock() }
func (m *countingMetrics) FeedSubscribed()   { m.mu.Lock(); m.subs++; m.mu.Unlock() }
func (m *countingMetrics) FeedUnsubscribed() { m.mu.Lock(); m.unsubs++; m.mu.Unlock() }

type failingLister struct{ err error }

func (f failingLister) ListActive(context.Context) ([]Ambulance, error) { return nil, f.err }

func seedFleet(repo *MemoryRepository) {
	repo.Put(Ambulance{ID: uuid.New(), VehicleID: "AMB-1", Status: StatusOnDuty})
	repo.Put(Ambulance{ID: uuid.New(), VehicleID: "AMB-2", Status: StatusAvailable})
	repo.Put(Ambulance{ID: uuid.New(), VehicleID: "AMB-3", Status: StatusMaintenance})
	repo.Put(Ambulance{ID: uuid.New(), VehicleID: "AMB-4", Status: StatusReturning})
}

func TestFeed_RefreshDeliversNormalizedActiveSet(t *testing.T) {
	repo := NewMemoryRepository()
	seedFleet(repo)
	metrics := &countingMetrics{}
	feed := NewFeed(repo, NewLocalSignal(), metrics, zerolog.Nop())

	rec := &setRecorder{}
	dispose := feed.Subscribe(rec.record)
	defer dispose()

	feed.Refresh(context.Background())
	waitUntil(t, func() bool { return rec.count() == 1 })

	set := rec.last()
	if len(set) != 2 {
		t.Fatalf("expected 2 active records, got %d", len(set))
	}
	for _, a := range set {
		if !a.Status.Active() {
			t.Errorf("inactive record delivered: %s", a.Status)
		}
		if a.ETA == nil || *a.ETA != DefaultETA || a.PatientInfo == nil {
			t.Errorf("record not normalized: %+v", a)
		}
	}
	if metrics.pushes != 1 || metrics.subs != 1 {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestFeed_LateSubscriberGetsCurrentSet(t *testing.T) {
	repo := NewMemoryRepository()
	seedFleet(repo)
	feed := NewFeed(repo, NewLocalSignal(), nil, zerolog.Nop())
	feed.Refresh(context.Background())

	rec := &setRecorder{}
	dispose := feed.Subscribe(rec.record)
	defer dispose()

	waitUntil(t, func() bool { return rec.count() == 1 })
	if len(rec.last()) != 2 {
		t.Errorf("late subscriber got %d records", len(rec.last()))
	}
}

func TestFeed_SubscriberBeforeFirstLoadGetsNothing(t *testing.T) {
	feed := NewFeed(NewMemoryRepository(), NewLocalSignal(), nil, zerolog.Nop())
	rec := &setRecorder{}
	dispose := feed.Subscribe(rec.record)
	defer dispose()

	time.Sleep(20 * time.Millisecond)
	if rec.count() != 0 {
		t.Error("no set should be delivered before the first load")
	}
}

func TestFeed_DisposeStopsCallbacks(t *testing.T) {
	repo := NewMemoryRepository()
	seedFleet(repo)
	metrics := &countingMetrics{}
	feed := NewFeed(repo, NewLocalSignal(), metrics, zerolog.Nop())

	rec := &setRecorder{}
	dispose := feed.Subscribe(rec.record)
	feed.Refresh(context.Background())
	waitUntil(t, func() bool { return rec.count() == 1 })

	dispose()
	dispose()

	for i := 0; i < 5; i++ {
		feed.Refresh(context.Background())
	}
	time.Sleep(20 * time.Millisecond)

	if rec.count() != 1 {
		t.Errorf("callbacks after dispose: got %d sets", rec.count())
	}
	if feed.SubscriberCount() != 0 {
		t.Error("subscriber not removed")
	}
	if metrics.unsubs != 1 {
		t.Errorf("unsubscribe counted %d times", metrics.unsubs)
	}
}

func TestFeed_DisposeWaitsForRunningCallback(t *testing.T) {
	repo := NewMemoryRepository()
	seedFleet(repo)
	feed := NewFeed(repo, NewLocalSignal(), nil, zerolog.Nop())

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	var mu sync.Mutex
	dispose := feed.Subscribe(func([]Ambulance) {
		close(entered)
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
	})
	feed.Refresh(context.Background())
	<-entered

	done := make(chan struct{})
	go func() {
		dispose()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("dispose returned while a callback was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Error("callback should have completed before dispose returned")
	}
}

func TestFeed_FetchFailureKeepsPreviousSet(t *testing.T) {
	metrics := &countingMetrics{}
	feed := NewFeed(failingLister{err: errors.New("db down")}, NewLocalSignal(), metrics, zerolog.Nop())
	rec := &setRecorder{}
	dispose := feed.Subscribe(rec.record)
	defer dispose()

	feed.Refresh(context.Background())
	time.Sleep(20 * time.Millisecond)

	if rec.count() != 0 {
		t.Error("failed fetch must not deliver")
	}
	if _, ready := feed.Latest(); ready {
		t.Error("feed should not be ready after a failed first load")
	}
	if metrics.failures != 1 {
		t.Errorf("failures = %d", metrics.failures)
	}
}

func TestFeed_RunFollowsSignals(t *testing.T) {
	repo := NewMemoryRepository()
	signal := NewLocalSignal()
	feed := NewFeed(repo, signal, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	rec := &setRecorder{}
	dispose := feed.Subscribe(rec.record)
	defer dispose()

	waitUntil(t, func() bool { _, ready := feed.Latest(); return ready })

	id := uuid.New()
	repo.Put(Ambulance{ID: id, VehicleID: "AMB-9", Status: StatusAvailable})
	signal.Signal(ctx)

	waitUntil(t, func() bool {
		set := rec.last()
		return len(set) == 1 && set[0].ID == id
	})

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestFeed_SetsAreIndependentCopies(t *testing.T) {
	repo := NewMemoryRepository()
	seedFleet(repo)
	feed := NewFeed(repo, NewLocalSignal(), nil, zerolog.Nop())

	a, b := &setRecorder{}, &setRecorder{}
	da := feed.Subscribe(a.record)
	db := feed.Subscribe(b.record)
	defer da()
	defer db()

	feed.Refresh(context.Background())
	waitUntil(t, func() bool { return a.count() == 1 && b.count() == 1 })

	a.last()[0].VehicleID = "mutated"
	if b.last()[0].VehicleID == "mutated" {
		t.Error("subscribers share the same backing array")
	}
}
