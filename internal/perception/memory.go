package perception

import (
	"context"
	"io"

	"github.com/bdougie/argus/internal/models"
)

// SliceSource replays frames held in memory.
type SliceSource struct {
	frames []models.Frame
	next   int
}

// NewSliceSource returns a source over frames.
func NewSliceSource(frames []models.Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

func (s *SliceSource) Next(ctx context.Context) (models.Frame, error) {
	if err := ctx.Err(); err != nil {
		return models.Frame{}, err
	}
	if s.next >= len(s.frames) {
		return models.Frame{}, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

func (s *SliceSource) Close() error { return nil }
