// Package embeddings builds fixed-size pose signatures for incident similarity search.
package embeddings

import (
	"math"

	"github.com/bdougie/argus/internal/models"
)

// Keypoints is the number of COCO pose landmarks in a signature.
const Keypoints = 17

// Dim is the length of a pose signature vector.
const Dim = Keypoints * 2

// MinConfidence is the landmark confidence below which a keypoint is treated as missing.
const MinConfidence = 0.3

// PoseVector encodes keypoints relative to their detection box, so the same
// posture yields the same vector wherever the worker stands. Coordinates are
// scaled to [0, 1] against the box; missing or low-confidence landmarks are
// zero. Returns nil when the box is degenerate or no keypoint is usable.
func PoseVector(box models.BBox, kpts []models.Keypoint) []float32 {
	w, h := box.Width(), box.Height()
	if w <= 0 || h <= 0 || len(kpts) == 0 {
		return nil
	}

	vec := make([]float32, Dim)
	used := 0
	for i, k := range kpts {
		if i >= Keypoints {
			break
		}
		if k.Conf < MinConfidence {
			continue
		}
		vec[2*i] = float32(clamp((k.X - box[0]) / w))
		vec[2*i+1] = float32(clamp((k.Y - box[1]) / h))
		used++
	}
	if used == 0 {
		return nil
	}
	return vec
}

// Distance is the euclidean distance between two signatures, matching
// pgvector's <-> operator. Vectors of different length are infinitely apart.
func Distance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
