package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/argus/internal/embeddings"
	"github.com/bdougie/argus/internal/models"
)

// PostgresStore manages interaction with PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// SimilarIncident is an incident ranked by pose distance to a query.
type SimilarIncident struct {
	ID        string           `json:"id"`
	SourceID  string           `json:"source_id"`
	Kind      models.EventKind `json:"kind"`
	TrackID   string           `json:"track_id"`
	Timestamp time.Time        `json:"timestamp"`
	Activity  string           `json:"activity,omitempty"`
	Distance  float64          `json:"distance"`
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	// Connect to PostgreSQL
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// InitSchema creates the database schema if it doesn't exist
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	// Create tables
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS incidents (
            id UUID PRIMARY KEY,
            source_id TEXT NOT NULL,
            camera_id TEXT,
            kind TEXT NOT NULL,
            track_id TEXT NOT NULL,
            video_ms BIGINT NOT NULL,
            timestamp TIMESTAMPTZ NOT NULL,
            real_time TEXT,
            frame_index INTEGER,
            bbox DOUBLE PRECISION[],
            confidence DOUBLE PRECISION NOT NULL,
            action TEXT,
            zone TEXT,
            pose vector(%d),
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS train_events (
            id UUID PRIMARY KEY,
            source_id TEXT NOT NULL,
            camera_id TEXT,
            kind TEXT NOT NULL,
            train_id TEXT NOT NULL,
            model TEXT,
            number TEXT,
            confidence DOUBLE PRECISION NOT NULL,
            video_ms BIGINT NOT NULL,
            timestamp TIMESTAMPTZ NOT NULL,
            arrived_at TIMESTAMPTZ,
            dwell_ms BIGINT,
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS zones (
            source_id TEXT PRIMARY KEY,
            polygon JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        );
    `, embeddings.Dim))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	// Create indexes
	_, err = s.pool.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_incidents_source ON incidents(source_id, timestamp);
        CREATE INDEX IF NOT EXISTS idx_train_events_source ON train_events(source_id, timestamp);
        CREATE INDEX IF NOT EXISTS idx_incidents_pose ON incidents USING ivfflat (pose vector_l2_ops) WITH (lists = 100);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}

	return nil
}

// InsertEvents writes a batch of events in one round trip inside a transaction.
func (s *PostgresStore) InsertEvents(ctx context.Context, events []models.Event) error {
	incidents, trains := splitEvents(events)

	batch := &pgx.Batch{}
	for _, e := range incidents {
		var bbox []float64
		if e.BBox != nil {
			bbox = e.BBox[:]
		}
		var pose *pgvector.Vector
		if len(e.Pose) == embeddings.Dim {
			v := pgvector.NewVector(e.Pose)
			pose = &v
		}
		batch.Queue(`
            INSERT INTO incidents (id, source_id, camera_id, kind, track_id, video_ms, timestamp,
                real_time, frame_index, bbox, confidence, action, zone, pose, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			e.ID, e.SourceID, e.CameraID, string(e.Kind), e.EntityID, e.VideoTime.Milliseconds(),
			e.Timestamp, e.RealTime, e.FrameIndex, bbox, e.Confidence, e.Activity, e.Zone, pose, e.CreatedAt)
	}
	for _, e := range trains {
		batch.Queue(`
            INSERT INTO train_events (id, source_id, camera_id, kind, train_id, model, number,
                confidence, video_ms, timestamp, arrived_at, dwell_ms, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			e.ID, e.SourceID, e.CameraID, string(e.Kind), e.EntityID, e.TrainModel, e.TrainNumber,
			e.Confidence, e.VideoTime.Milliseconds(), e.Timestamp, e.ArrivedAt, e.Dwell.Milliseconds(), e.CreatedAt)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to store events: %w", err)
	}
	return tx.Commit(ctx)
}

// SimilarIncidents finds the incidents whose pose is nearest to pose
func (s *PostgresStore) SimilarIncidents(ctx context.Context, pose []float32, limit int) ([]SimilarIncident, error) {
	if err := checkPose(pose); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id::text, source_id, kind, track_id, timestamp, COALESCE(action, ''),
        pose <-> $1 AS distance
        FROM incidents
        WHERE pose IS NOT NULL
        ORDER BY pose <-> $1
        LIMIT $2`,
		pgvector.NewVector(pose), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar incidents: %w", err)
	}
	defer rows.Close()

	// Process results
	var results []SimilarIncident
	for rows.Next() {
		var r SimilarIncident
		var kind string
		if err := rows.Scan(&r.ID, &r.SourceID, &kind, &r.TrackID, &r.Timestamp, &r.Activity, &r.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		r.Kind = models.EventKind(kind)
		results = append(results, r)
	}

	return results, rows.Err()
}

func (s *PostgresStore) SaveZone(ctx context.Context, sourceID string, polygon models.Polygon) error {
	if len(polygon) == 0 {
		if _, err := s.pool.Exec(ctx, "DELETE FROM zones WHERE source_id = $1", sourceID); err != nil {
			return fmt.Errorf("failed to delete zone: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(polygon)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO zones (source_id, polygon, updated_at) VALUES ($1, $2, $3)
        ON CONFLICT (source_id) DO UPDATE SET polygon = EXCLUDED.polygon, updated_at = EXCLUDED.updated_at`,
		sourceID, data, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save zone: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadZone(ctx context.Context, sourceID string) (models.Polygon, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, "SELECT polygon FROM zones WHERE source_id = $1", sourceID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrZoneNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load zone: %w", err)
	}

	var p models.Polygon
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode zone %s: %w", sourceID, err)
	}
	return p, nil
}

func (s *PostgresStore) LoadZones(ctx context.Context) (map[string]models.Polygon, error) {
	rows, err := s.pool.Query(ctx, "SELECT source_id, polygon FROM zones")
	if err != nil {
		return nil, fmt.Errorf("failed to load zones: %w", err)
	}
	defer rows.Close()

	zones := make(map[string]models.Polygon)
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var p models.Polygon
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode zone %s: %w", id, err)
		}
		zones[id] = p
	}
	return zones, rows.Err()
}
