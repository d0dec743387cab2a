package recognition

import (
	"context"
	"strings"

	"github.com/bdougie/argus/internal/models"
)

// RecordedRecognizer serves the readings the recognition engine stored in
// the detection stream next to each frame.
type RecordedRecognizer struct{}

// Timestamp returns the recorded timestamp text.
func (RecordedRecognizer) Timestamp(_ context.Context, frame models.Frame) (string, error) {
	if strings.TrimSpace(frame.TimestampText) == "" {
		return "", ErrNotFound
	}
	return frame.TimestampText, nil
}

// Train returns the recorded train reading.
func (RecordedRecognizer) Train(_ context.Context, frame models.Frame) (models.TrainReading, error) {
	if frame.Train == nil || frame.Train.Number == "" {
		return models.TrainReading{}, ErrNotFound
	}
	return *frame.Train, nil
}
