package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bdougie/argus/internal/embeddings"
	"github.com/bdougie/argus/internal/models"
)

// DefaultBatchSize is the number of events buffered before a write
const DefaultBatchSize = 10

// ErrInvalidSourceID is returned for source ids that cannot name a single
// directory entry.
var ErrInvalidSourceID = errors.New("storage: invalid source id")

// ValidateSourceID rejects empty ids, path separators and dot segments.
func ValidateSourceID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || !filepath.IsLocal(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSourceID, id)
	}
	return nil
}

// ErrZoneNotFound is returned when no polygon is stored for a source.
var ErrZoneNotFound = errors.New("storage: zone not found")

// Store defines the interface for persisting derived events and zones
type Store interface {
	// InsertEvents writes a batch of events. Either all are stored or none.
	InsertEvents(ctx context.Context, events []models.Event) error

	SaveZone(ctx context.Context, sourceID string, polygon models.Polygon) error
	LoadZone(ctx context.Context, sourceID string) (models.Polygon, error)
	LoadZones(ctx context.Context) (map[string]models.Polygon, error)

	Close() error
}

// EventLister is implemented by stores that can read events back.
type EventLister interface {
	Events(ctx context.Context, sourceID string, limit int) ([]models.Event, error)
}

// SimilarityFinder is implemented by stores that index incident poses.
type SimilarityFinder interface {
	SimilarIncidents(ctx context.Context, pose []float32, limit int) ([]SimilarIncident, error)
}

var (
	_ Store            = (*SQLiteStore)(nil)
	_ Store            = (*PostgresStore)(nil)
	_ Store            = (*JSONFileStore)(nil)
	_ EventLister      = (*SQLiteStore)(nil)
	_ EventLister      = (*JSONFileStore)(nil)
	_ SimilarityFinder = (*PostgresStore)(nil)
	_ SimilarityFinder = (*SQLiteStore)(nil)
	_ SimilarityFinder = (*JSONFileStore)(nil)
)

// Batcher buffers events and writes them to a Store in batches
type Batcher struct {
	store  Store
	size   int
	logger *slog.Logger

	mu      sync.Mutex
	pending []models.Event
}

// NewBatcher creates a batcher that writes once size events are pending
func NewBatcher(store Store, size int, logger *slog.Logger) *Batcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{store: store, size: size, logger: logger}
}

// AddEvent adds an event to the batch and flushes if the batch is full.
// A failed flush keeps the events for the next attempt.
func (b *Batcher) AddEvent(ctx context.Context, e models.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, e)

	// Write when batch is full
	if len(b.pending) >= b.size {
		if err := b.flush(ctx); err != nil {
			b.logger.Error("flushing events", "pending", len(b.pending), "error", err)
			return err
		}
	}
	return nil
}

// Flush writes all pending events
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flush(ctx)
}

// Pending returns the number of buffered events.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher) flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	if b.store == nil {
		b.logger.Debug("no store configured, discarding events", "count", len(b.pending))
		b.pending = nil
		return nil
	}
	if err := b.store.InsertEvents(ctx, b.pending); err != nil {
		return fmt.Errorf("insert %d events: %w", len(b.pending), err)
	}
	b.logger.Debug("flushed events", "count", len(b.pending))
	b.pending = nil // Clear the batch
	return nil
}

// splitEvents separates worker incidents from train lifecycle events.
func splitEvents(events []models.Event) (incidents, trains []models.Event) {
	for _, e := range events {
		if e.Kind.IsTrain() {
			trains = append(trains, e)
		} else {
			incidents = append(incidents, e)
		}
	}
	return incidents, trains
}

// rankByPose orders incidents carrying a pose by distance to pose, nearest first.
func rankByPose(pose []float32, incidents []models.Event, limit int) []SimilarIncident {
	var out []SimilarIncident
	for _, e := range incidents {
		if len(e.Pose) != len(pose) || e.Kind.IsTrain() {
			continue
		}
		out = append(out, SimilarIncident{
			ID:        e.ID.String(),
			SourceID:  e.SourceID,
			Kind:      e.Kind,
			TrackID:   e.EntityID,
			Timestamp: e.Timestamp,
			Activity:  e.Activity,
			Distance:  embeddings.Distance(pose, e.Pose),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func checkPose(pose []float32) error {
	if len(pose) != embeddings.Dim {
		return fmt.Errorf("pose signature has %d values, want %d", len(pose), embeddings.Dim)
	}
	return nil
}
