package presence

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2022, 3, 20, 10, 0, 0, 0, time.UTC)

func TestObserveEmitsOneArrivalPerEpisode(t *testing.T) {
	tr := NewTracker[string](30 * time.Second)

	arr, ok := tr.Observe("ЭП20-076", t0, 25)
	require.True(t, ok)
	want := Transition[string]{Kind: Arrival, ID: "ЭП20-076", At: t0, ArrivedAt: t0, Frame: 25}
	if diff := cmp.Diff(want, arr); diff != "" {
		t.Errorf("arrival mismatch (-want +got):\n%s", diff)
	}

	_, ok = tr.Observe("ЭП20-076", t0.Add(time.Second), 50)
	assert.False(t, ok)
	assert.True(t, tr.Present("ЭП20-076"))
}

func TestSweepDepartsAfterTimeout(t *testing.T) {
	tr := NewTracker[string](30 * time.Second)
	tr.Observe("ЭП20-076", t0, 1)

	assert.Empty(t, tr.Sweep(t0.Add(30*time.Second)), "exactly the timeout is not enough")

	deps := tr.Sweep(t0.Add(31 * time.Second))
	require.Len(t, deps, 1)
	assert.Equal(t, Departure, deps[0].Kind)
	assert.Equal(t, "ЭП20-076", deps[0].ID)
	assert.Equal(t, t0, deps[0].At)
	assert.Equal(t, time.Duration(0), deps[0].Duration)

	assert.Empty(t, tr.Sweep(t0.Add(60*time.Second)))
	assert.Empty(t, tr.Sweep(t0.Add(600*time.Second)))
	assert.False(t, tr.Present("ЭП20-076"))
}

func TestDepartureDurationIsLastSeenMinusArrival(t *testing.T) {
	tr := NewTracker[string](30 * time.Second)
	tr.Observe("A", t0, 1)
	tr.Observe("A", t0.Add(40*time.Second), 100)
	lastSeen := t0.Add(45 * time.Second)
	tr.Observe("A", lastSeen, 120)

	deps := tr.Sweep(lastSeen.Add(30*time.Second + time.Millisecond))
	require.Len(t, deps, 1)
	assert.Equal(t, 45*time.Second, deps[0].Duration)
	assert.Equal(t, lastSeen, deps[0].At)
	assert.Equal(t, t0, deps[0].ArrivedAt)
}

func TestArrivalsAndDeparturesAlternate(t *testing.T) {
	tr := NewTracker[string](10 * time.Second)
	var kinds []Kind
	at := t0
	for cycle := 0; cycle < 3; cycle++ {
		for i := 0; i < 3; i++ {
			if arr, ok := tr.Observe("X", at, i); ok {
				kinds = append(kinds, arr.Kind)
			}
			at = at.Add(time.Second)
		}
		at = at.Add(20 * time.Second)
		for _, d := range tr.Sweep(at) {
			kinds = append(kinds, d.Kind)
		}
	}
	assert.Equal(t, []Kind{Arrival, Departure, Arrival, Departure, Arrival, Departure}, kinds)
}

func TestSweepOnlyDepartsStaleEntities(t *testing.T) {
	tr := NewTracker[string](30 * time.Second)
	tr.Observe("old", t0, 1)
	tr.Observe("new", t0.Add(20*time.Second), 2)

	deps := tr.Sweep(t0.Add(35 * time.Second))
	require.Len(t, deps, 1)
	assert.Equal(t, "old", deps[0].ID)
	assert.Equal(t, 1, tr.Len())
}

func TestDepartAllClosesEveryEpisodeInOrder(t *testing.T) {
	tr := NewTracker[int](0)
	tr.Observe(3, t0, 1)
	tr.Observe(1, t0, 1)
	tr.Observe(2, t0.Add(time.Second), 2)

	deps := tr.DepartAll()
	require.Len(t, deps, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{deps[0].ID, deps[1].ID, deps[2].ID})
	assert.Equal(t, 0, tr.Len())
	assert.Empty(t, tr.DepartAll())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "arrival", Arrival.String())
	assert.Equal(t, "departure", Departure.String())
}
