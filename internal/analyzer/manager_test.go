package analyzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/argus/internal/models"
	"github.com/bdougie/argus/internal/perception"
	"github.com/bdougie/argus/internal/timeutil"
)

// blockingSource yields nothing until its context is canceled.
type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (models.Frame, error) {
	<-ctx.Done()
	return models.Frame{}, ctx.Err()
}

func (blockingSource) Close() error { return nil }

// fakeOpener serves in-memory streams by path.
type fakeOpener struct {
	mu      sync.Mutex
	streams map[string][]models.Frame
	opened  map[string]int
}

func (f *fakeOpener) open(path string) (perception.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opened == nil {
		f.opened = make(map[string]int)
	}
	f.opened[path]++
	if path == "live" {
		return blockingSource{}, nil
	}
	frames, ok := f.streams[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
	}
	return perception.NewSliceSource(frames), nil
}

func fallStream(n int) []models.Frame {
	var frames []models.Frame
	for i := 0; i < n; i++ {
		frames = append(frames, models.Frame{Index: i, Detections: []models.Detection{person(1, models.BBox{100, 100, 230, 200}, true)}})
	}
	return frames
}

func newTestManager(t *testing.T, opener *fakeOpener, store *memStore) *Manager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(ctx, ManagerOptions{
		Config: testConfig(),
		Store:  store,
		Clock:  timeutil.NewMockClock(t0),
		Open:   opener.open,
	})
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
	return m
}

func TestManagerRunsSourceToCompletion(t *testing.T) {
	opener := &fakeOpener{streams: map[string][]models.Frame{"a.jsonl": fallStream(5)}}
	store := newMemStore()
	m := newTestManager(t, opener, store)

	require.NoError(t, m.Start("a.jsonl", "cam01"))
	m.Wait()

	st := m.Status()
	require.Len(t, st, 1)
	assert.Equal(t, "cam01", st[0].SourceID)
	assert.Equal(t, StateDone, st[0].State)
	assert.Equal(t, 5, st[0].Stats.Frames)
	assert.NotEmpty(t, st[0].RunID)
	assert.Len(t, store.byKind(models.KindFall), 1)
}

func TestManagerRejectsDuplicateStart(t *testing.T) {
	m := newTestManager(t, &fakeOpener{}, newMemStore())

	require.NoError(t, m.Start("live", "cam01"))
	err := m.Start("live", "cam01")
	assert.ErrorIs(t, err, ErrPipelineRunning)

	// Other sources are independent.
	require.NoError(t, m.Start("live", "cam02"))

	require.NoError(t, m.Stop("cam01"))
	st := m.Status()
	require.Len(t, st, 2)
	assert.Equal(t, StateCanceled, st[0].State)
	assert.Equal(t, StateRunning, st[1].State)
}

func TestManagerStopUnknown(t *testing.T) {
	m := newTestManager(t, &fakeOpener{}, newMemStore())
	assert.ErrorIs(t, m.Stop("nope"), ErrUnknownSource)
	assert.ErrorIs(t, m.Reprocess("nope"), ErrUnknownSource)
}

func TestManagerStartOpenError(t *testing.T) {
	m := newTestManager(t, &fakeOpener{}, newMemStore())
	err := m.Start("missing.jsonl", "cam01")
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, m.Status())
}

func TestManagerReprocess(t *testing.T) {
	opener := &fakeOpener{streams: map[string][]models.Frame{"a.jsonl": fallStream(5)}}
	store := newMemStore()
	m := newTestManager(t, opener, store)

	require.NoError(t, m.Start("a.jsonl", "cam01"))
	m.Wait()
	require.NoError(t, m.Reprocess("cam01"))
	m.Wait()

	assert.Equal(t, 2, opener.opened["a.jsonl"])
	// Each run derives from scratch, so the incident is found again.
	assert.Len(t, store.byKind(models.KindFall), 2)
}

func TestManagerReprocessRunning(t *testing.T) {
	opener := &fakeOpener{}
	m := newTestManager(t, opener, newMemStore())

	require.NoError(t, m.Start("live", "cam01"))
	firstRun := m.Status()[0].RunID

	done := make(chan error, 1)
	go func() { done <- m.Reprocess("cam01") }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reprocess did not stop the running pipeline")
	}

	st := m.Status()
	require.Len(t, st, 1)
	assert.Equal(t, StateRunning, st[0].State)
	assert.NotEqual(t, firstRun, st[0].RunID)
	assert.Equal(t, 2, opener.opened["live"])
}

func TestProcessAll(t *testing.T) {
	opener := &fakeOpener{streams: map[string][]models.Frame{
		"a.jsonl": fallStream(3),
		"b.jsonl": fallStream(3),
		"c.jsonl": fallStream(3),
	}}
	store := newMemStore()
	m := newTestManager(t, opener, store)

	err := m.ProcessAll(context.Background(), []Job{
		{Path: "a.jsonl", SourceID: "a"},
		{Path: "b.jsonl", SourceID: "b"},
		{Path: "c.jsonl", SourceID: "c"},
	})
	require.NoError(t, err)

	falls := store.byKind(models.KindFall)
	require.Len(t, falls, 3)
	sources := map[string]bool{}
	for _, e := range falls {
		sources[e.SourceID] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, sources)
}

func TestProcessAllReportsFailures(t *testing.T) {
	opener := &fakeOpener{streams: map[string][]models.Frame{"a.jsonl": fallStream(3)}}
	store := newMemStore()
	m := newTestManager(t, opener, store)

	err := m.ProcessAll(context.Background(), []Job{
		{Path: "a.jsonl", SourceID: "a"},
		{Path: "gone.jsonl", SourceID: "gone"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "gone")
	assert.Len(t, store.byKind(models.KindFall), 1)
}

func TestManagerDefaultOpenReadsJSONL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cam01.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"frame": 0, "detections": []}`+"\n"), 0o644))

	store := newMemStore()
	m := NewManager(context.Background(), ManagerOptions{Store: store})
	require.NoError(t, m.ProcessAll(context.Background(), []Job{{Path: path, SourceID: "cam01"}}))

	err := m.ProcessAll(context.Background(), []Job{{Path: filepath.Join(dir, "nope.jsonl"), SourceID: "x"}})
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
