package fleet

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type ActiveLister interface {
	ListActive(ctx context.Context) ([]Ambulance, error)
}

type FeedMetrics interface {
	FeedPushed()
	FeedFetchFailed()
	FeedSubscribed()
	FeedUnsubscribed()
}

type nopMetrics struct{}

func (nopMetrics) FeedPushed()       {}
func (nopMetrics) FeedFetchFailed()  {}
func (nopMetrics) FeedSubscribed()   {}
func (nopMetrics) FeedUnsubscribed() {}

// Feed republishes the normalized active ambulance set to subscribers. Every
// delivery is the complete set; subscribers replace whatever they held.
type Feed struct {
	lister  ActiveLister
	source  ChangeSource
	metrics FeedMetrics
	logger  zerolog.Logger

	mu     sync.Mutex
	latest []Ambulance
	ready  bool
	subs   map[*subscription]struct{}
}

func NewFeed(lister ActiveLister, source ChangeSource, metrics FeedMetrics, logger zerolog.Logger) *Feed {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Feed{
		lister:  lister,
		source:  source,
		metrics: metrics,
		logger:  logger.With().Str("component", "fleet_feed").Logger(),
		subs:    make(map[*subscription]struct{}),
	}
}

// Subscribe registers fn. A subscriber that joins after the first load gets
// the current set right away. Callbacks for one subscriber never overlap and
// arrive in order. dispose is idempotent; once it returns no callback is
// running or will start. It must not be called from inside fn.
func (f *Feed) Subscribe(fn func([]Ambulance)) (dispose func()) {
	s := &subscription{fn: fn, wake: make(chan struct{}, 1)}
	go s.loop()

	f.mu.Lock()
	f.subs[s] = struct{}{}
	if f.ready {
		s.offer(f.latest)
	}
	f.mu.Unlock()
	f.metrics.FeedSubscribed()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, s)
			f.mu.Unlock()
			s.stop()
			f.metrics.FeedUnsubscribed()
		})
	}
}

// Latest returns the last delivered set.
func (f *Feed) Latest() ([]Ambulance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copySet(f.latest), f.ready
}

func (f *Feed) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Run loads the set once and then again on every change tick, until ctx ends.
func (f *Feed) Run(ctx context.Context) error {
	changes, err := f.source.Changes(ctx)
	if err != nil {
		return err
	}
	f.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			f.Refresh(ctx)
		}
	}
}

// Refresh re-queries the active set and pushes it. On a query failure the
// previous set stays current.
func (f *Feed) Refresh(ctx context.Context) {
	items, err := f.lister.ListActive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Error().Err(err).Msg("failed to load active fleet")
			f.metrics.FeedFetchFailed()
		}
		return
	}

	set := make([]Ambulance, 0, len(items))
	for _, a := range items {
		if !a.Status.Active() {
			continue
		}
		set = append(set, Normalize(a))
	}

	f.mu.Lock()
	f.latest = set
	f.ready = true
	for s := range f.subs {
		s.offer(set)
	}
	n := len(f.subs)
	f.mu.Unlock()

	f.metrics.FeedPushed()
	f.logger.Debug().Int("records", len(set)).Int("subscribers", n).Msg("fleet pushed")
}

func copySet(set []Ambulance) []Ambulance {
	if set == nil {
		return nil
	}
	out := make([]Ambulance, len(set))
	copy(out, set)
	return out
}

type subscription struct {
	fn   func([]Ambulance)
	wake chan struct{}

	mu      sync.Mutex
	pending []Ambulance
	has     bool
	stopped bool

	// held for the duration of each callback
	call sync.Mutex
}

// offer replaces any undelivered set with the newer one.
func (s *subscription) offer(set []Ambulance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.pending = copySet(set)
	if s.pending == nil {
		s.pending = []Ambulance{}
	}
	s.has = true
	wake(s.wake)
}

func (s *subscription) loop() {
	for range s.wake {
		s.call.Lock()
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			s.call.Unlock()
			return
		}
		set, has := s.pending, s.has
		s.pending, s.has = nil, false
		s.mu.Unlock()

		if has {
			s.fn(set)
		}
		s.call.Unlock()
	}
}

func (s *subscription) stop() {
	s.call.Lock()
	defer s.call.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.wake)
	}
}
