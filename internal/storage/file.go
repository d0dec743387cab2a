package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bdougie/argus/internal/models"
)

// JSONFileStore keeps events and zones as JSON documents under a directory:
// <dir>/<source>/events.json and <dir>/zones.json.
type JSONFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewJSONFileStore creates a file store rooted at dir
func NewJSONFileStore(dir string) (*JSONFileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &JSONFileStore{dir: dir}, nil
}

func (s *JSONFileStore) eventsPath(sourceID string) (string, error) {
	if err := ValidateSourceID(sourceID); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, sourceID, "events.json"), nil
}

// InsertEvents appends events to each source's events file
func (s *JSONFileStore) InsertEvents(_ context.Context, events []models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySource := make(map[string][]models.Event)
	for _, e := range events {
		bySource[e.SourceID] = append(bySource[e.SourceID], e)
	}

	paths := make(map[string]string, len(bySource))
	for sourceID := range bySource {
		path, err := s.eventsPath(sourceID)
		if err != nil {
			return err
		}
		paths[sourceID] = path
	}

	for sourceID, batch := range bySource {
		path := paths[sourceID]

		var existing []models.Event
		if err := readJSON(path, &existing); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read existing events: %w", err)
		}
		if err := writeJSON(path, append(existing, batch...)); err != nil {
			return fmt.Errorf("failed to write events: %w", err)
		}
	}
	return nil
}

// Events returns up to limit most recent events of a source in time order.
func (s *JSONFileStore) Events(_ context.Context, sourceID string, limit int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.eventsPath(sourceID)
	if err != nil {
		return nil, err
	}
	var events []models.Event
	if err := readJSON(path, &events); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// SimilarIncidents scans every source's events for the nearest poses.
func (s *JSONFileStore) SimilarIncidents(_ context.Context, pose []float32, limit int) ([]SimilarIncident, error) {
	if err := checkPose(pose); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	var all []models.Event
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var events []models.Event
		if err := readJSON(filepath.Join(s.dir, entry.Name(), "events.json"), &events); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		all = append(all, events...)
	}
	return rankByPose(pose, all, limit), nil
}

func (s *JSONFileStore) SaveZone(_ context.Context, sourceID string, polygon models.Polygon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	zones, err := s.zones()
	if err != nil {
		return err
	}
	if len(polygon) == 0 {
		delete(zones, sourceID)
	} else {
		zones[sourceID] = polygon
	}
	return writeJSON(filepath.Join(s.dir, "zones.json"), zones)
}

func (s *JSONFileStore) LoadZone(_ context.Context, sourceID string) (models.Polygon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	zones, err := s.zones()
	if err != nil {
		return nil, err
	}
	p, ok := zones[sourceID]
	if !ok {
		return nil, ErrZoneNotFound
	}
	return p, nil
}

func (s *JSONFileStore) LoadZones(_ context.Context) (map[string]models.Polygon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zones()
}

func (s *JSONFileStore) Close() error { return nil }

func (s *JSONFileStore) zones() (map[string]models.Polygon, error) {
	zones := make(map[string]models.Polygon)
	if err := readJSON(filepath.Join(s.dir, "zones.json"), &zones); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read zones: %w", err)
	}
	return zones, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON replaces path atomically via a temp file and rename.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
