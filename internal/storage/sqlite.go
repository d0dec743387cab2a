package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/bdougie/argus/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists events and zones in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates it
// to the latest schema. Use ":memory:" for a throwaway database.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	if err := migrateUp(db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrateUp(db *sql.DB, logger *slog.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if logger != nil {
		m.Log = &migrateLogger{logger: logger}
	}
	// m is not closed: that would close db.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger on top of slog.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (l *migrateLogger) Verbose() bool { return false }

// InsertEvents writes all events in a single transaction.
func (s *SQLiteStore) InsertEvents(ctx context.Context, events []models.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	incidents, trains := splitEvents(events)
	for _, e := range incidents {
		var bbox, pose any
		if e.BBox != nil {
			b, _ := json.Marshal(e.BBox)
			bbox = string(b)
		}
		if len(e.Pose) > 0 {
			p, _ := json.Marshal(e.Pose)
			pose = string(p)
		}
		var frame any
		if e.FrameIndex != nil {
			frame = *e.FrameIndex
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO incidents (id, source_id, camera_id, kind, track_id, video_ms, timestamp,
				real_time, frame_index, bbox, confidence, action, zone, pose, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID.String(), e.SourceID, e.CameraID, string(e.Kind), e.EntityID, e.VideoTime.Milliseconds(),
			formatTime(e.Timestamp), e.RealTime, frame, bbox, e.Confidence, e.Activity, e.Zone, pose,
			formatTime(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert incident: %w", err)
		}
	}

	for _, e := range trains {
		var arrived any
		if e.ArrivedAt != nil {
			arrived = formatTime(*e.ArrivedAt)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO train_events (id, source_id, camera_id, kind, train_id, model, number,
				confidence, video_ms, timestamp, arrived_at, dwell_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID.String(), e.SourceID, e.CameraID, string(e.Kind), e.EntityID, e.TrainModel, e.TrainNumber,
			e.Confidence, e.VideoTime.Milliseconds(), formatTime(e.Timestamp), arrived, e.Dwell.Milliseconds(),
			formatTime(e.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert train event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Events returns up to limit of the most recent events of a source, oldest first.
func (s *SQLiteStore) Events(ctx context.Context, sourceID string, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = -1
	}

	var events []models.Event

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, camera_id, kind, track_id, video_ms, timestamp, real_time, frame_index,
			bbox, confidence, action, zone, pose, created_at
		FROM incidents WHERE source_id = ? ORDER BY timestamp DESC LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	for rows.Next() {
		var (
			e                        models.Event
			id, kind, ts, created    string
			camera, realTime, action sql.NullString
			zone, bbox, pose         sql.NullString
			videoMs                  int64
			frame                    sql.NullInt64
		)
		if err := rows.Scan(&id, &camera, &kind, &e.EntityID, &videoMs, &ts, &realTime, &frame,
			&bbox, &e.Confidence, &action, &zone, &pose, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		e.SourceID = sourceID
		e.ID, _ = uuid.Parse(id)
		e.Kind = models.EventKind(kind)
		e.CameraID, e.RealTime, e.Activity, e.Zone = camera.String, realTime.String, action.String, zone.String
		e.VideoTime = time.Duration(videoMs) * time.Millisecond
		e.Timestamp, e.CreatedAt = parseTime(ts), parseTime(created)
		if frame.Valid {
			f := int(frame.Int64)
			e.FrameIndex = &f
		}
		if bbox.Valid {
			var b models.BBox
			if json.Unmarshal([]byte(bbox.String), &b) == nil {
				e.BBox = &b
			}
		}
		if pose.Valid {
			_ = json.Unmarshal([]byte(pose.String), &e.Pose)
		}
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, camera_id, kind, train_id, model, number, confidence, video_ms, timestamp,
			arrived_at, dwell_ms, created_at
		FROM train_events WHERE source_id = ? ORDER BY timestamp DESC LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query train events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e                     models.Event
			id, kind, ts, created string
			camera, model, number sql.NullString
			arrived               sql.NullString
			videoMs               int64
			dwellMs               sql.NullInt64
		)
		if err := rows.Scan(&id, &camera, &kind, &e.EntityID, &model, &number, &e.Confidence, &videoMs,
			&ts, &arrived, &dwellMs, &created); err != nil {
			return nil, fmt.Errorf("failed to scan train event: %w", err)
		}
		e.SourceID = sourceID
		e.ID, _ = uuid.Parse(id)
		e.Kind = models.EventKind(kind)
		e.CameraID, e.TrainModel, e.TrainNumber = camera.String, model.String, number.String
		e.VideoTime = time.Duration(videoMs) * time.Millisecond
		e.Timestamp, e.CreatedAt = parseTime(ts), parseTime(created)
		e.Dwell = time.Duration(dwellMs.Int64) * time.Millisecond
		if arrived.Valid {
			at := parseTime(arrived.String)
			e.ArrivedAt = &at
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// SimilarIncidents ranks every incident that has a pose by distance to pose.
func (s *SQLiteStore) SimilarIncidents(ctx context.Context, pose []float32, limit int) ([]SimilarIncident, error) {
	if err := checkPose(pose); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, kind, track_id, timestamp, COALESCE(action, ''), pose
		FROM incidents WHERE pose IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar incidents: %w", err)
	}
	defer rows.Close()

	var candidates []models.Event
	for rows.Next() {
		var (
			e                 models.Event
			id, kind, ts, raw string
		)
		if err := rows.Scan(&id, &e.SourceID, &kind, &e.EntityID, &ts, &e.Activity, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &e.Pose); err != nil {
			continue
		}
		e.ID, _ = uuid.Parse(id)
		e.Kind = models.EventKind(kind)
		e.Timestamp = parseTime(ts)
		candidates = append(candidates, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rankByPose(pose, candidates, limit), nil
}

// SaveZone upserts a source's polygon; an empty polygon removes it.
func (s *SQLiteStore) SaveZone(ctx context.Context, sourceID string, polygon models.Polygon) error {
	if len(polygon) == 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM zones WHERE source_id = ?`, sourceID); err != nil {
			return fmt.Errorf("failed to delete zone: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(polygon)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO zones (source_id, polygon, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET polygon = excluded.polygon, updated_at = excluded.updated_at`,
		sourceID, string(data), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save zone: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadZone(ctx context.Context, sourceID string) (models.Polygon, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT polygon FROM zones WHERE source_id = ?`, sourceID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrZoneNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load zone: %w", err)
	}

	var p models.Polygon
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to decode zone %s: %w", sourceID, err)
	}
	return p, nil
}

func (s *SQLiteStore) LoadZones(ctx context.Context) (map[string]models.Polygon, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_id, polygon FROM zones`)
	if err != nil {
		return nil, fmt.Errorf("failed to load zones: %w", err)
	}
	defer rows.Close()

	zones := make(map[string]models.Polygon)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var p models.Polygon
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("failed to decode zone %s: %w", id, err)
		}
		zones[id] = p
	}
	return zones, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
