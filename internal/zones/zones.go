// Package zones decides whether a point on the ground plane lies inside a
// source's configured danger polygon.
package zones

import (
	"sync"

	"github.com/bdougie/argus/internal/models"
)

const (
	Safe   = "Safe Zone"
	Danger = "Danger Zone"
)

// Manager stores one polygon per video source.
type Manager struct {
	mu    sync.RWMutex
	zones map[string]models.Polygon
}

// NewManager creates an empty zone manager
func NewManager() *Manager {
	return &Manager{zones: make(map[string]models.Polygon)}
}

// Set replaces the polygon for sourceID. An empty polygon removes the zone.
func (m *Manager) Set(sourceID string, polygon models.Polygon) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(polygon) == 0 {
		delete(m.zones, sourceID)
		return
	}
	m.zones[sourceID] = append(models.Polygon(nil), polygon...)
}

// Get returns a copy of the polygon for sourceID, or nil.
func (m *Manager) Get(sourceID string) models.Polygon {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.zones[sourceID]
	if !ok {
		return nil
	}
	return append(models.Polygon(nil), p...)
}

// Classify reports Danger when (x, y), in pixels, falls inside or on the edge
// of the source's polygon scaled to frameW x frameH. Sources without a usable
// polygon are always Safe.
func (m *Manager) Classify(sourceID string, x, y float64, frameW, frameH int) string {
	m.mu.RLock()
	poly := m.zones[sourceID]
	m.mu.RUnlock()

	if len(poly) < 3 {
		return Safe
	}

	px := make([]float64, len(poly))
	py := make([]float64, len(poly))
	for i, p := range poly {
		px[i] = p.X * float64(frameW)
		py[i] = p.Y * float64(frameH)
	}

	if contains(px, py, x, y) {
		return Danger
	}
	return Safe
}

// contains is an even-odd ray cast that counts points on an edge as inside.
func contains(px, py []float64, x, y float64) bool {
	n := len(px)
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		if onSegment(px[j], py[j], px[i], py[i], x, y) {
			return true
		}
		if (py[i] > y) != (py[j] > y) {
			xCross := px[i] + (y-py[i])*(px[j]-px[i])/(py[j]-py[i])
			if x < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

const eps = 1e-9

func onSegment(x1, y1, x2, y2, x, y float64) bool {
	cross := (x2-x1)*(y-y1) - (y2-y1)*(x-x1)
	if cross > eps || cross < -eps {
		return false
	}
	return x >= min(x1, x2)-eps && x <= max(x1, x2)+eps &&
		y >= min(y1, y2)-eps && y <= max(y1, y2)+eps
}
