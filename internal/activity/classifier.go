// Package activity derives a coarse activity label for a worker from a short
// history of box centers and pose keypoints.
package activity

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/bdougie/argus/internal/models"
	"github.com/bdougie/argus/internal/ring"
)

// Activity labels.
const (
	Analyzing = "Analyzing"
	Walking   = "Walking"
	Working   = "Working"
	Sitting   = "Sitting"
	Standing  = "Standing"
)

// COCO keypoint indices of the wrists.
const (
	leftWrist  = 9
	rightWrist = 10
)

// Config holds the decision tree thresholds.
type Config struct {
	HistorySize       int
	MinSamples        int
	WalkDisplacement  float64
	StillDisplacement float64
	WristStdDev       float64
	SitAspectRatio    float64
}

// DefaultConfig returns the thresholds used in production.
func DefaultConfig() Config {
	return Config{
		HistorySize:       30,
		MinSamples:        5,
		WalkDisplacement:  20,
		StillDisplacement: 10,
		WristStdDev:       2.0,
		SitAspectRatio:    0.8,
	}
}

type point struct{ x, y float64 }

// History is the bounded motion and pose memory of one worker.
type History struct {
	positions *ring.Buffer[point]
	keypoints *ring.Buffer[[]models.Keypoint]
}

// NewHistory allocates a history holding at most size samples of each kind.
func NewHistory(size int) *History {
	return &History{
		positions: ring.New[point](size),
		keypoints: ring.New[[]models.Keypoint](size),
	}
}

// Len returns the number of recorded positions.
func (h *History) Len() int { return h.positions.Len() }

// Displacement is the distance between the oldest and newest retained centers.
func (h *History) Displacement() float64 {
	first, ok := h.positions.First()
	if !ok {
		return 0
	}
	last, _ := h.positions.Last()
	return math.Hypot(last.x-first.x, last.y-first.y)
}

// Classifier is stateless; all state lives in History.
type Classifier struct {
	cfg Config
}

// NewClassifier creates a classifier
func NewClassifier(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify records the current sighting in h and returns the activity label.
// kpts may be nil when the pose model produced nothing for this worker.
func (c *Classifier) Classify(h *History, box models.BBox, kpts []models.Keypoint) string {
	cx, cy := box.Center()
	h.positions.Push(point{cx, cy})
	if len(kpts) > 0 {
		h.keypoints.Push(kpts)
	}

	if h.positions.Len() < c.cfg.MinSamples {
		return Analyzing
	}

	moved := h.Displacement()
	if moved > c.cfg.WalkDisplacement {
		return Walking
	}

	if h.keypoints.Len() > c.cfg.MinSamples && c.handsActive(h) {
		return Working
	}

	if len(kpts) == 0 {
		if moved < c.cfg.StillDisplacement {
			return Standing
		}
		return Walking
	}

	if box.Width() > box.Height()*c.cfg.SitAspectRatio && moved < c.cfg.StillDisplacement {
		return Sitting
	}
	return Standing
}

// handsActive averages the per-axis population standard deviation of both
// wrists over the keypoint history. Samples without wrists are skipped.
func (c *Classifier) handsActive(h *History) bool {
	var series [4][]float64
	for _, kp := range h.keypoints.Items() {
		if len(kp) <= rightWrist {
			continue
		}
		series[0] = append(series[0], kp[leftWrist].X)
		series[1] = append(series[1], kp[leftWrist].Y)
		series[2] = append(series[2], kp[rightWrist].X)
		series[3] = append(series[3], kp[rightWrist].Y)
	}
	if len(series[0]) <= c.cfg.MinSamples {
		return false
	}

	var sum float64
	for _, s := range series {
		sum += stat.PopStdDev(s, nil)
	}
	return sum/float64(len(series)) > c.cfg.WristStdDev
}
