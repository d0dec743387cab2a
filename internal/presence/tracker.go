// Package presence implements a timeout-driven arrival/departure state
// machine. It has no clock of its own: every transition is driven by the
// event time the caller passes in.
package presence

import (
	"cmp"
	"slices"
	"time"
)

// DefaultDepartureTimeout is how long an entity may go unseen before it departs.
const DefaultDepartureTimeout = 30 * time.Second

// Kind is the type of a lifecycle transition.
type Kind int

const (
	Arrival Kind = iota
	Departure
)

func (k Kind) String() string {
	if k == Arrival {
		return "arrival"
	}
	return "departure"
}

// Transition is emitted when an entity arrives or departs.
type Transition[K cmp.Ordered] struct {
	Kind Kind
	ID   K

	// At is the arrival time for arrivals and the last sighting for departures.
	At        time.Time
	ArrivedAt time.Time
	Frame     int
	Duration  time.Duration
}

type episode struct {
	arrivedAt    time.Time
	lastSeen     time.Time
	arrivalFrame int
}

// Tracker holds the open presence episodes of one pipeline. It is not safe
// for concurrent use.
type Tracker[K cmp.Ordered] struct {
	timeout time.Duration
	present map[K]*episode
}

// NewTracker creates a tracker. A non-positive timeout uses DefaultDepartureTimeout.
func NewTracker[K cmp.Ordered](timeout time.Duration) *Tracker[K] {
	if timeout <= 0 {
		timeout = DefaultDepartureTimeout
	}
	return &Tracker[K]{
		timeout: timeout,
		present: make(map[K]*episode),
	}
}

// Observe records a sighting. It returns an arrival the first time id is seen
// in an episode; later sightings only refresh the last-seen time.
func (t *Tracker[K]) Observe(id K, at time.Time, frame int) (Transition[K], bool) {
	if ep, ok := t.present[id]; ok {
		if at.After(ep.lastSeen) {
			ep.lastSeen = at
		}
		return Transition[K]{}, false
	}

	t.present[id] = &episode{arrivedAt: at, lastSeen: at, arrivalFrame: frame}
	return Transition[K]{
		Kind:      Arrival,
		ID:        id,
		At:        at,
		ArrivedAt: at,
		Frame:     frame,
	}, true
}

// Sweep departs every entity unseen for longer than the timeout as of now.
// Departures are returned in identifier order.
func (t *Tracker[K]) Sweep(now time.Time) []Transition[K] {
	return t.depart(func(ep *episode) bool {
		return now.Sub(ep.lastSeen) > t.timeout
	})
}

// DepartAll closes every open episode, used when the stream ends.
func (t *Tracker[K]) DepartAll() []Transition[K] {
	return t.depart(func(*episode) bool { return true })
}

// Present reports whether id has an open episode.
func (t *Tracker[K]) Present(id K) bool {
	_, ok := t.present[id]
	return ok
}

// Len returns the number of open episodes.
func (t *Tracker[K]) Len() int { return len(t.present) }

func (t *Tracker[K]) depart(due func(*episode) bool) []Transition[K] {
	var ids []K
	for id, ep := range t.present {
		if due(ep) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	out := make([]Transition[K], 0, len(ids))
	for _, id := range ids {
		ep := t.present[id]
		out = append(out, Transition[K]{
			Kind:      Departure,
			ID:        id,
			At:        ep.lastSeen,
			ArrivedAt: ep.arrivedAt,
			Frame:     ep.arrivalFrame,
			Duration:  ep.lastSeen.Sub(ep.arrivedAt),
		})
		delete(t.present, id)
	}
	return out
}
