package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/argus/internal/models"
)

func person(id int, cx, cy float64) models.Detection {
	return models.Detection{
		Class:      "person",
		BBox:       models.BBox{cx - 20, cy - 50, cx + 20, cy + 50},
		Confidence: 0.9,
		TrackID:    &id,
	}
}

func ids(tracked []Tracked) []int {
	out := make([]int, len(tracked))
	for i, tr := range tracked {
		out[i] = tr.ID
	}
	return out
}

func TestStableRawIDStaysConstant(t *testing.T) {
	r := NewResolver(DefaultConfig())
	for frame := 1; frame <= 50; frame++ {
		got := r.Resolve(frame, []models.Detection{person(4, 100+float64(frame)*3, 200)})
		require.Len(t, got, 1)
		assert.Equal(t, 4, got[0].ID)
	}
}

func TestReappearingDetectionKeepsIdentity(t *testing.T) {
	r := NewResolver(DefaultConfig())

	got := r.Resolve(1, []models.Detection{person(1, 100, 100)})
	require.Equal(t, []int{1}, ids(got))

	for frame := 2; frame <= 10; frame++ {
		assert.Empty(t, r.Resolve(frame, nil))
	}

	got = r.Resolve(11, []models.Detection{person(7, 110, 102)})
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ID)
	assert.Equal(t, 7, got[0].RawID)
}

func TestGhostWindowBoundary(t *testing.T) {
	t.Run("frame delta 29 matches", func(t *testing.T) {
		r := NewResolver(DefaultConfig())
		r.Resolve(1, []models.Detection{person(1, 100, 100)})
		got := r.Resolve(30, []models.Detection{person(9, 120, 100)})
		assert.Equal(t, []int{1}, ids(got))
	})

	t.Run("frame delta 30 gets a new identity", func(t *testing.T) {
		r := NewResolver(DefaultConfig())
		r.Resolve(1, []models.Detection{person(1, 100, 100)})
		got := r.Resolve(31, []models.Detection{person(9, 120, 100)})
		assert.Equal(t, []int{9}, ids(got))
	})
}

func TestDistantDetectionIsNotMatched(t *testing.T) {
	r := NewResolver(DefaultConfig())
	r.Resolve(1, []models.Detection{person(1, 100, 100)})
	got := r.Resolve(2, []models.Detection{person(5, 400, 100)})
	assert.Equal(t, []int{5}, ids(got))
}

func TestSmallerRawIDIsKept(t *testing.T) {
	r := NewResolver(DefaultConfig())
	r.Resolve(1, []models.Detection{person(8, 100, 100)})
	got := r.Resolve(2, []models.Detection{person(3, 105, 100)})
	assert.Equal(t, []int{3}, ids(got))
}

func TestClaimedRawIDFallsBackToGhost(t *testing.T) {
	r := NewResolver(DefaultConfig())
	r.Resolve(1, []models.Detection{person(2, 100, 100), person(6, 600, 100)})

	// The engine reports raw id 2 twice. The first keeps 2; the second sits
	// next to ghost 6 and is forced onto it even though 6 > 2.
	got := r.Resolve(2, []models.Detection{person(2, 102, 100), person(2, 605, 100)})
	assert.ElementsMatch(t, []int{2, 6}, ids(got))
}

func TestDuplicateIdentityKeepsFirst(t *testing.T) {
	r := NewResolver(DefaultConfig())
	r.Resolve(1, []models.Detection{person(1, 100, 100)})

	// Both raw ids sit next to ghost 1; raw 4 resolves to 1 first, raw 5
	// resolves to 1 as well and is dropped.
	got := r.Resolve(2, []models.Detection{person(5, 104, 100), person(4, 101, 100)})
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ID)
	assert.Equal(t, 4, got[0].RawID)
}

func TestDetectionsWithoutRawIDAreDropped(t *testing.T) {
	r := NewResolver(DefaultConfig())
	d := person(1, 100, 100)
	d.TrackID = nil
	assert.Empty(t, r.Resolve(1, []models.Detection{d}))
}

func TestGhostRegistryRefreshAndPrune(t *testing.T) {
	r := NewResolver(DefaultConfig())
	r.Resolve(1, []models.Detection{person(1, 100, 100)})
	r.Resolve(5, []models.Detection{person(1, 130, 100)})

	g, ok := r.Ghost(1)
	require.True(t, ok)
	assert.Equal(t, Ghost{X: 130, Y: 100, LastSeen: 5}, g)

	r.Resolve(40, nil)
	_, ok = r.Ghost(1)
	assert.False(t, ok)
}
