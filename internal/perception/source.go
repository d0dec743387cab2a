// Package perception reads per-frame detection records produced by the
// external perception engine.
package perception

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bdougie/argus/internal/models"
)

// ErrMalformedRecord marks a stream line that is not a valid frame record.
var ErrMalformedRecord = errors.New("perception: malformed record")

// maxLineSize bounds a single frame record. Pose-heavy frames run to a few hundred KiB.
const maxLineSize = 8 << 20

// Source yields frames in order. Next returns io.EOF once the stream is exhausted.
type Source interface {
	Next(ctx context.Context) (models.Frame, error)
	Close() error
}

// JSONLSource reads one JSON frame record per line.
type JSONLSource struct {
	path    string
	file    io.Closer
	scanner *bufio.Scanner
	logger  *slog.Logger

	line    int
	skipped int
	video   string
}

// OpenJSONL opens a detection stream file.
func OpenJSONL(path string, logger *slog.Logger) (*JSONLSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open detection stream: %w", err)
	}
	s := NewJSONLSource(f, logger)
	s.path = path
	s.file = f
	return s, nil
}

// NewJSONLSource reads frame records from r. Relative image and video paths
// are kept as-is since there is no stream file to resolve them against.
func NewJSONLSource(r io.Reader, logger *slog.Logger) *JSONLSource {
	if logger == nil {
		logger = slog.Default()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &JSONLSource{scanner: sc, logger: logger}
}

// Next returns the next well-formed frame. Malformed lines are skipped.
func (s *JSONLSource) Next(ctx context.Context) (models.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Frame{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return models.Frame{}, fmt.Errorf("read detection stream: %w", err)
			}
			return models.Frame{}, io.EOF
		}
		s.line++

		data := bytes.TrimSpace(s.scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		frame, err := decodeFrame(data)
		if err != nil {
			s.skipped++
			s.logger.Debug("skipping detection record", "line", s.line, "error", err)
			continue
		}
		s.resolve(&frame)
		return frame, nil
	}
}

// Skipped returns how many malformed lines have been dropped so far.
func (s *JSONLSource) Skipped() int { return s.skipped }

// Close releases the underlying file, if any.
func (s *JSONLSource) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

func decodeFrame(data []byte) (models.Frame, error) {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return models.Frame{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if frame.Index < 0 {
		return models.Frame{}, fmt.Errorf("%w: negative frame index %d", ErrMalformedRecord, frame.Index)
	}
	return frame, nil
}

// resolve makes media paths absolute and carries the video path forward, so
// only the first record of a stream needs to name it.
func (s *JSONLSource) resolve(frame *models.Frame) {
	dir := ""
	if s.path != "" {
		dir = filepath.Dir(s.path)
	}
	if frame.Image != "" && dir != "" && !filepath.IsAbs(frame.Image) {
		frame.Image = filepath.Join(dir, frame.Image)
	}
	if frame.Video == "" {
		frame.Video = s.video
		return
	}
	if dir != "" && !filepath.IsAbs(frame.Video) {
		frame.Video = filepath.Join(dir, frame.Video)
	}
	s.video = frame.Video
}
