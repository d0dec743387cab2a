// Package tracking turns the perception engine's short-lived track ids into
// stable logical identities.
//
// Perception trackers reassign ids after brief occlusions. The resolver keeps
// the last known center of every logical id (a "ghost") for a short window of
// frames and maps a new raw id onto the nearest recent ghost.
package tracking

import (
	"math"
	"sort"

	"github.com/bdougie/argus/internal/models"
)

// Config holds the ghost matching thresholds.
type Config struct {
	// GhostWindow is the number of frames a ghost stays eligible for matching.
	GhostWindow int
	// MaxDistance is the largest center displacement, in pixels, that still matches.
	MaxDistance float64
}

// DefaultConfig returns the thresholds used in production.
func DefaultConfig() Config {
	return Config{
		GhostWindow: 30,
		MaxDistance: 150,
	}
}

// Ghost is the last sighting of a logical identity.
type Ghost struct {
	X, Y     float64
	LastSeen int
}

// Tracked is a detection carrying its stabilized identity.
type Tracked struct {
	models.Detection
	ID    int
	RawID int
}

// Resolver owns the ghost registry of one video source. It is not safe for
// concurrent use; each pipeline owns its own resolver.
type Resolver struct {
	cfg    Config
	ghosts map[int]Ghost
}

// NewResolver creates a resolver with an empty ghost registry
func NewResolver(cfg Config) *Resolver {
	return &Resolver{
		cfg:    cfg,
		ghosts: make(map[int]Ghost),
	}
}

// Resolve stabilizes the ids of one frame's detections. Detections without a
// raw id are dropped, and at most one detection is returned per logical id;
// when two raw ids collapse onto the same identity the first one (lowest raw
// id) wins.
func (r *Resolver) Resolve(frame int, detections []models.Detection) []Tracked {
	candidates := make([]models.Detection, 0, len(detections))
	for _, d := range detections {
		if d.TrackID != nil {
			candidates = append(candidates, d)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return *candidates[i].TrackID < *candidates[j].TrackID
	})

	used := make(map[int]bool, len(candidates))
	out := make([]Tracked, 0, len(candidates))

	for _, d := range candidates {
		raw := *d.TrackID
		cx, cy := d.BBox.Center()
		if math.IsNaN(cx) || math.IsNaN(cy) || math.IsInf(cx, 0) || math.IsInf(cy, 0) {
			continue
		}

		id := raw
		if ghost, ok := r.nearest(frame, cx, cy); ok {
			switch {
			case ghost < id:
				id = ghost
			case ghost != id && used[id]:
				id = ghost
			}
		}

		if used[id] {
			continue
		}
		used[id] = true
		r.ghosts[id] = Ghost{X: cx, Y: cy, LastSeen: frame}
		out = append(out, Tracked{Detection: d, ID: id, RawID: raw})
	}

	r.prune(frame)
	return out
}

// Ghost returns the registry entry for a logical id.
func (r *Resolver) Ghost(id int) (Ghost, bool) {
	g, ok := r.ghosts[id]
	return g, ok
}

// nearest finds the closest eligible ghost within MaxDistance. Ties go to the
// smaller id so results do not depend on map iteration order.
func (r *Resolver) nearest(frame int, x, y float64) (int, bool) {
	best, bestDist := 0, math.Inf(1)
	found := false
	for id, g := range r.ghosts {
		if frame-g.LastSeen >= r.cfg.GhostWindow {
			continue
		}
		dist := math.Hypot(x-g.X, y-g.Y)
		if dist >= r.cfg.MaxDistance {
			continue
		}
		if dist < bestDist || (dist == bestDist && id < best) {
			best, bestDist, found = id, dist, true
		}
	}
	return best, found
}

// prune forgets ghosts that can no longer match.
func (r *Resolver) prune(frame int) {
	for id, g := range r.ghosts {
		if frame-g.LastSeen >= r.cfg.GhostWindow {
			delete(r.ghosts, id)
		}
	}
}
