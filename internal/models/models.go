package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BBox is an axis-aligned box in pixel coordinates: [x1, y1, x2, y2].
type BBox [4]float64

// Width returns the horizontal extent of the box.
func (b BBox) Width() float64 { return b[2] - b[0] }

// Height returns the vertical extent of the box.
func (b BBox) Height() float64 { return b[3] - b[1] }

// Center returns the centroid of the box.
func (b BBox) Center() (float64, float64) {
	return (b[0] + b[2]) / 2, (b[1] + b[3]) / 2
}

// Foot returns the bottom-center of the box, where a standing subject touches the ground.
func (b BBox) Foot() (float64, float64) {
	return (b[0] + b[2]) / 2, b[3]
}

// Keypoint is a single pose landmark.
type Keypoint struct {
	X    float64
	Y    float64
	Conf float64
}

// UnmarshalJSON accepts the perception engine's [x, y] or [x, y, conf] triples.
func (k *Keypoint) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("keypoint: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("keypoint: want at least 2 values, got %d", len(raw))
	}
	k.X, k.Y = raw[0], raw[1]
	k.Conf = 1
	if len(raw) > 2 {
		k.Conf = raw[2]
	}
	return nil
}

// MarshalJSON writes the keypoint as an [x, y, conf] triple.
func (k Keypoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{k.X, k.Y, k.Conf})
}

// Detection is one object reported by the perception engine for a frame
type Detection struct {
	Class      string     `json:"class"`
	BBox       BBox       `json:"bbox"`
	Confidence float64    `json:"confidence"`
	TrackID    *int       `json:"track_id,omitempty"`
	Keypoints  []Keypoint `json:"keypoints,omitempty"`
}

// TrainReading is a raw train identification produced by the recognition engine.
type TrainReading struct {
	Model      string  `json:"model"`
	Number     string  `json:"number"`
	Confidence float64 `json:"confidence"`
}

// Frame represents the perception output for one frame of a video source
type Frame struct {
	Index      int         `json:"frame"`
	Width      int         `json:"width,omitempty"`
	Height     int         `json:"height,omitempty"`
	FPS        float64     `json:"fps,omitempty"`
	Detections []Detection `json:"detections"`

	// Recognition results recorded alongside the detections, if any.
	TimestampText string        `json:"timestamp_text,omitempty"`
	Train         *TrainReading `json:"train,omitempty"`

	// Image is a path to the decoded frame, Video the path of the source video.
	Image string `json:"image,omitempty"`
	Video string `json:"video,omitempty"`
}

// Point is a normalized (0-1) polygon vertex.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is an ordered list of normalized vertices.
type Polygon []Point

// EventKind discriminates emitted events.
type EventKind string

const (
	KindNoHelmet       EventKind = "no_helmet"
	KindNoMask         EventKind = "no_mask"
	KindNoGlove        EventKind = "no_glove"
	KindFall           EventKind = "fall_detected"
	KindZoneIntrusion  EventKind = "zone_intrusion"
	KindTrainArrival   EventKind = "train_arrival"
	KindTrainDeparture EventKind = "train_departure"
)

// IsTrain reports whether the kind belongs to the train lifecycle.
func (k EventKind) IsTrain() bool {
	return k == KindTrainArrival || k == KindTrainDeparture
}

// Event is a write-once incident or train lifecycle record handed to storage.
type Event struct {
	ID       uuid.UUID `json:"id"`
	SourceID string    `json:"source_id"`
	CameraID string    `json:"camera_id,omitempty"`
	Kind     EventKind `json:"kind"`
	EntityID string    `json:"entity_id"`

	// VideoTime is the offset from the start of the video, Timestamp the
	// event time on the video's own clock.
	VideoTime time.Duration `json:"video_time"`
	Timestamp time.Time     `json:"timestamp"`
	RealTime  string        `json:"real_time,omitempty"`

	FrameIndex *int    `json:"frame_index,omitempty"`
	BBox       *BBox   `json:"bbox,omitempty"`
	Confidence float64 `json:"confidence"`

	Activity string `json:"activity,omitempty"`
	Zone     string `json:"zone,omitempty"`

	// Train lifecycle fields.
	TrainModel  string        `json:"train_model,omitempty"`
	TrainNumber string        `json:"train_number,omitempty"`
	ArrivedAt   *time.Time    `json:"arrived_at,omitempty"`
	Dwell       time.Duration `json:"dwell,omitempty"`

	Pose      []float32 `json:"pose,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
