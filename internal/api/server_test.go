package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/argus/internal/analyzer"
	"github.com/bdougie/argus/internal/models"
	"github.com/bdougie/argus/internal/perception"
	"github.com/bdougie/argus/internal/storage"
)

type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (models.Frame, error) {
	<-ctx.Done()
	return models.Frame{}, ctx.Err()
}

func (blockingSource) Close() error { return nil }

func open(path string) (perception.Source, error) {
	switch path {
	case "live":
		return blockingSource{}, nil
	case "empty":
		return perception.NewSliceSource(nil), nil
	}
	return nil, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
}

func setupTestServer(t *testing.T) (*Server, *analyzer.Manager, *storage.JSONFileStore) {
	t.Helper()
	store, err := storage.NewJSONFileStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	m := analyzer.NewManager(ctx, analyzer.ManagerOptions{Store: store, Open: open})
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
	return NewServer(m, store, nil), m, store
}

func do(t *testing.T, s *Server, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

var square = models.Polygon{{X: 0.1, Y: 0.1}, {X: 0.9, Y: 0.1}, {X: 0.9, Y: 0.9}, {X: 0.1, Y: 0.9}}

func TestSetZoneWritesThrough(t *testing.T) {
	s, m, store := setupTestServer(t)

	code, _ := do(t, s, http.MethodPut, "/api/zones/cam01", ZoneRequest{Polygon: square})
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, square, m.Zones().Get("cam01"))
	stored, err := store.LoadZone(context.Background(), "cam01")
	require.NoError(t, err)
	assert.Equal(t, square, stored)

	code, body := do(t, s, http.MethodGet, "/api/zones/cam01", nil)
	require.Equal(t, http.StatusOK, code)
	var got ZoneResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, ZoneResponse{SourceID: "cam01", Polygon: square}, got)

	// Other sources are untouched.
	assert.Nil(t, m.Zones().Get("cam02"))
}

func TestSetZoneEmptyClears(t *testing.T) {
	s, m, store := setupTestServer(t)

	code, _ := do(t, s, http.MethodPut, "/api/zones/cam01", ZoneRequest{Polygon: square})
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, s, http.MethodPut, "/api/zones/cam01", ZoneRequest{})
	require.Equal(t, http.StatusOK, code)

	assert.Nil(t, m.Zones().Get("cam01"))
	_, err := store.LoadZone(context.Background(), "cam01")
	assert.ErrorIs(t, err, storage.ErrZoneNotFound)

	code, _ = do(t, s, http.MethodGet, "/api/zones/cam01", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSetZoneRejectsInvalidPolygons(t *testing.T) {
	s, _, _ := setupTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"two vertices", ZoneRequest{Polygon: square[:2]}},
		{"out of range", ZoneRequest{Polygon: models.Polygon{{X: 0, Y: 0}, {X: 2, Y: 0}, {X: 0, Y: 1}}}},
		{"not json", "polygon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, s, http.MethodPut, "/api/zones/cam01", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Contains(t, string(body), "error")
		})
	}
}

func TestGetZoneLoadsFromStore(t *testing.T) {
	s, m, store := setupTestServer(t)
	require.NoError(t, store.SaveZone(context.Background(), "cam03", square))

	code, body := do(t, s, http.MethodGet, "/api/zones/cam03", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"source_id":"cam03"`)
	assert.Equal(t, square, m.Zones().Get("cam03"))
}

func TestPipelineLifecycle(t *testing.T) {
	s, _, _ := setupTestServer(t)

	code, body := do(t, s, http.MethodPost, "/api/pipelines", PipelineRequest{Path: "live", SourceID: "cam01"})
	require.Equal(t, http.StatusAccepted, code)
	var st analyzer.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, analyzer.StateRunning, st.State)
	firstRun := st.RunID

	code, _ = do(t, s, http.MethodPost, "/api/pipelines", PipelineRequest{Path: "live", SourceID: "cam01"})
	assert.Equal(t, http.StatusConflict, code)

	code, body = do(t, s, http.MethodPost, "/api/pipelines/cam01/reprocess", nil)
	require.Equal(t, http.StatusAccepted, code)
	require.NoError(t, json.Unmarshal(body, &st))
	assert.NotEqual(t, firstRun, st.RunID)

	code, body = do(t, s, http.MethodGet, "/api/pipelines", nil)
	require.Equal(t, http.StatusOK, code)
	var list []analyzer.Status
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "cam01", list[0].SourceID)

	code, body = do(t, s, http.MethodDelete, "/api/pipelines/cam01", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, analyzer.StateCanceled, st.State)
}

func TestPipelineErrors(t *testing.T) {
	s, _, _ := setupTestServer(t)

	code, _ := do(t, s, http.MethodPost, "/api/pipelines", PipelineRequest{Path: "live"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := do(t, s, http.MethodPost, "/api/pipelines", PipelineRequest{Path: "missing.jsonl", SourceID: "cam01"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), "missing.jsonl")

	code, _ = do(t, s, http.MethodDelete, "/api/pipelines/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, s, http.MethodPost, "/api/pipelines/nope/reprocess", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListEvents(t *testing.T) {
	s, _, store := setupTestServer(t)

	t0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	var events []models.Event
	for i := 0; i < 3; i++ {
		events = append(events, models.Event{
			ID:        uuid.New(),
			SourceID:  "cam01",
			Kind:      models.KindFall,
			EntityID:  "1",
			Timestamp: t0.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, store.InsertEvents(context.Background(), events))

	code, body := do(t, s, http.MethodGet, "/api/events/cam01?limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	var got []models.Event
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 2)
	assert.Equal(t, events[1].ID, got[0].ID)
	assert.Equal(t, events[2].ID, got[1].ID)

	code, body = do(t, s, http.MethodGet, "/api/events/cam09", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body))

	code, _ = do(t, s, http.MethodGet, "/api/events/cam01?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListEventsUnsupportedStore(t *testing.T) {
	m := analyzer.NewManager(context.Background(), analyzer.ManagerOptions{Open: open})
	s := NewServer(m, nil, nil)

	code, _ := do(t, s, http.MethodGet, "/api/events/cam01", nil)
	assert.Equal(t, http.StatusNotImplemented, code)

	// Without a store, zones live only in memory.
	code, _ = do(t, s, http.MethodPut, "/api/zones/cam01", ZoneRequest{Polygon: square})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, square, m.Zones().Get("cam01"))
}

// poseStore indexes poses in memory.
type poseStore struct {
	*storage.JSONFileStore
	limit int
}

func (p *poseStore) SimilarIncidents(_ context.Context, pose []float32, limit int) ([]storage.SimilarIncident, error) {
	p.limit = limit
	return []storage.SimilarIncident{{ID: "a", SourceID: "cam01", Kind: models.KindFall, TrackID: "4", Distance: 0.25}}, nil
}

func TestSimilarIncidents(t *testing.T) {
	files, err := storage.NewJSONFileStore(t.TempDir())
	require.NoError(t, err)
	store := &poseStore{JSONFileStore: files}
	m := analyzer.NewManager(context.Background(), analyzer.ManagerOptions{Open: open})
	s := NewServer(m, store, nil)

	code, body := do(t, s, http.MethodPost, "/api/incidents/similar", SimilarRequest{Pose: make([]float32, 34)})
	require.Equal(t, http.StatusOK, code)
	var got []storage.SimilarIncident
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 1)
	assert.Equal(t, "4", got[0].TrackID)
	assert.Equal(t, 10, store.limit)

	code, _ = do(t, s, http.MethodPost, "/api/incidents/similar", SimilarRequest{Pose: make([]float32, 3)})
	assert.Equal(t, http.StatusBadRequest, code)

	s = NewServer(m, nil, nil)
	code, _ = do(t, s, http.MethodPost, "/api/incidents/similar", SimilarRequest{Pose: make([]float32, 34)})
	assert.Equal(t, http.StatusNotImplemented, code)
}

func posed(v float32) []float32 {
	pose := make([]float32, 34)
	for i := range pose {
		pose[i] = v
	}
	return pose
}

func TestSimilarIncidentsFromFileStore(t *testing.T) {
	s, _, store := setupTestServer(t)

	near := models.Event{ID: uuid.New(), SourceID: "cam01", Kind: models.KindFall, EntityID: "1", Pose: posed(0.5)}
	far := models.Event{ID: uuid.New(), SourceID: "cam02", Kind: models.KindNoHelmet, EntityID: "2", Pose: posed(0.9)}
	bare := models.Event{ID: uuid.New(), SourceID: "cam02", Kind: models.KindZoneIntrusion, EntityID: "3"}
	require.NoError(t, store.InsertEvents(context.Background(), []models.Event{far, near, bare}))

	code, body := do(t, s, http.MethodPost, "/api/incidents/similar", SimilarRequest{Pose: posed(0.45)})
	require.Equal(t, http.StatusOK, code)
	var got []storage.SimilarIncident
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got, 2)
	assert.Equal(t, near.ID.String(), got[0].ID)
	assert.Equal(t, far.ID.String(), got[1].ID)
	assert.Less(t, got[0].Distance, got[1].Distance)
}

func TestStartPipelineRejectsUnsafeSourceID(t *testing.T) {
	s, m, _ := setupTestServer(t)

	for _, id := range []string{"../escaped", "a/b", `a\b`, "..", "."} {
		code, body := do(t, s, http.MethodPost, "/api/pipelines", PipelineRequest{Path: "empty", SourceID: id})
		assert.Equal(t, http.StatusBadRequest, code, id)
		assert.Contains(t, string(body), "invalid source id", id)
	}
	assert.Empty(t, m.Status())
}
