package prometheusexporter

import (
	"time"

	"github.com/promsink/promsink/internal/model"
)

// entry is one live series: its latest absolute state and the deadline after
// which it stops being exposed.
type entry struct {
	metric    model.Metric
	expiresAt time.Time
}

// store holds the absolute state of every live series, preserving first
// insertion order so exposition output is stable between scrapes.
//
// It is not safe for concurrent use, the sink serializes access.
type store struct {
	entries map[string]*entry
	order   []string
	window  time.Duration
	nowFn   func() time.Time
}

func newStore(window time.Duration, nowFn func() time.Time) *store {
	if nowFn == nil {
		nowFn = time.Now
	}

	return &store{
		entries: map[string]*entry{},
		order:   []string{},
		window:  window,
		nowFn:   nowFn,
	}
}

// update inserts or overwrites a series with its new absolute state and
// pushes the expiration deadline one window from now. Existing series keep
// their position in the exposition order.
func (s *store) update(metric model.Metric) {
	key := metric.SeriesKey()
	deadline := s.nowFn().Add(s.window)

	e, ok := s.entries[key]
	if !ok {
		s.entries[key] = &entry{metric: metric, expiresAt: deadline}
		s.order = append(s.order, key)
		return
	}

	e.metric = metric
	e.expiresAt = deadline
}

// expiredSet reports whether the series holds a set already past its deadline
// that no sweep has removed yet. Such a set must not merge with incoming
// data: its unique values belong to the closed window.
func (s *store) expiredSet(key string) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}

	if _, isSet := e.metric.Value.(model.Set); !isSet {
		return false
	}

	return s.nowFn().After(e.expiresAt)
}

// sweep removes every series past its deadline and returns their keys, so
// the caller can release any per-series state of its own.
func (s *store) sweep() []string {
	now := s.nowFn()

	removed := []string{}
	kept := s.order[:0]
	for _, key := range s.order {
		if now.After(s.entries[key].expiresAt) {
			delete(s.entries, key)
			removed = append(removed, key)
			continue
		}
		kept = append(kept, key)
	}
	s.order = kept

	return removed
}

// unexpired returns the live metrics in insertion order, skipping series past
// their deadline even when no sweep has removed them yet: a series never
// appears in a scrape after its deadline.
func (s *store) unexpired() []model.Metric {
	now := s.nowFn()

	metrics := make([]model.Metric, 0, len(s.order))
	for _, key := range s.order {
		e := s.entries[key]
		if now.After(e.expiresAt) {
			continue
		}
		metrics = append(metrics, e.metric)
	}

	return metrics
}

func (s *store) len() int {
	return len(s.entries)
}
