package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdougie/argus/internal/perception"
	"github.com/bdougie/argus/internal/recognition"
	"github.com/bdougie/argus/internal/storage"
	"github.com/bdougie/argus/internal/timeutil"
	"github.com/bdougie/argus/internal/zones"
)

// DefaultMaxWorkers bounds how many sources are processed at once in batch mode.
const DefaultMaxWorkers = 4

var (
	// ErrPipelineRunning is returned when a source already has an active pipeline.
	ErrPipelineRunning = errors.New("analyzer: pipeline already running")
	// ErrUnknownSource is returned for a source that was never started.
	ErrUnknownSource = errors.New("analyzer: unknown source")
)

// Pipeline states reported by Status.
const (
	StateRunning  = "running"
	StateDone     = "done"
	StateFailed   = "failed"
	StateCanceled = "canceled"
)

// OpenFunc opens the detection stream at path.
type OpenFunc func(path string) (perception.Source, error)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Config     Config
	Zones      *zones.Manager
	Recognizer recognition.Recognizer
	Store      storage.Store
	Clock      timeutil.Clock
	Logger     *slog.Logger
	// Open defaults to reading JSON-lines detection files.
	Open       OpenFunc
	MaxWorkers int
}

// Status describes the latest pipeline of a source.
type Status struct {
	SourceID   string    `json:"source_id"`
	Path       string    `json:"path"`
	RunID      string    `json:"run_id"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Stats      Stats     `json:"stats"`
}

type run struct {
	path     string
	pipeline *Pipeline
	cancel   context.CancelFunc
	done     chan struct{}

	started  time.Time
	finished time.Time
	err      error
}

func (r *run) running() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Manager runs independent pipelines for many sources. The zone engine, the
// recognizer and the store are shared; derivation state is not.
type Manager struct {
	opts ManagerOptions
	ctx  context.Context

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// NewManager creates a manager whose pipelines stop when ctx is canceled.
func NewManager(ctx context.Context, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Zones == nil {
		opts.Zones = zones.NewManager()
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.Open == nil {
		logger := opts.Logger
		opts.Open = func(path string) (perception.Source, error) {
			return perception.OpenJSONL(path, logger)
		}
	}
	return &Manager{opts: opts, ctx: ctx, runs: make(map[string]*run)}
}

// Zones returns the shared zone engine.
func (m *Manager) Zones() *zones.Manager { return m.opts.Zones }

func (m *Manager) newPipeline(path, sourceID string) (*Pipeline, error) {
	src, err := m.opts.Open(path)
	if err != nil {
		return nil, err
	}
	return NewPipeline(sourceID, src, m.opts.Config, Deps{
		Zones:      m.opts.Zones,
		Recognizer: m.opts.Recognizer,
		Store:      m.opts.Store,
		Clock:      m.opts.Clock,
		Logger:     m.opts.Logger,
	}), nil
}

// Start launches a pipeline for sourceID reading path in the background.
func (m *Manager) Start(path, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.runs[sourceID]; ok && r.running() {
		return fmt.Errorf("%w: %s", ErrPipelineRunning, sourceID)
	}
	return m.startLocked(path, sourceID)
}

func (m *Manager) startLocked(path, sourceID string) error {
	p, err := m.newPipeline(path, sourceID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(m.ctx)
	r := &run{
		path:     path,
		pipeline: p,
		cancel:   cancel,
		done:     make(chan struct{}),
		started:  m.opts.Clock.Now(),
	}
	m.runs[sourceID] = r

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		err := p.Run(ctx)

		m.mu.Lock()
		r.err = err
		r.finished = m.opts.Clock.Now()
		m.mu.Unlock()
		close(r.done)

		if err != nil && !errors.Is(err, context.Canceled) {
			m.opts.Logger.Error("pipeline failed", "source", sourceID, "error", err)
		}
	}()
	return nil
}

// Reprocess restarts a source from the beginning of its stream, stopping the
// current run first if there is one.
func (m *Manager) Reprocess(sourceID string) error {
	m.mu.Lock()
	r, ok := m.runs[sourceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}

	r.cancel()
	<-r.done

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.runs[sourceID]; cur != r && cur.running() {
		return fmt.Errorf("%w: %s", ErrPipelineRunning, sourceID)
	}
	return m.startLocked(r.path, sourceID)
}

// Stop cancels a source's pipeline and waits for it to flush and exit.
func (m *Manager) Stop(sourceID string) error {
	m.mu.Lock()
	r, ok := m.runs[sourceID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	r.cancel()
	<-r.done
	return nil
}

// Status reports the latest run of every source, ordered by source id.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.runs))
	for id, r := range m.runs {
		s := Status{
			SourceID:   id,
			Path:       r.path,
			RunID:      r.pipeline.RunID().String(),
			StartedAt:  r.started,
			FinishedAt: r.finished,
			Stats:      r.pipeline.Stats(),
		}
		switch {
		case r.running():
			s.State = StateRunning
		case r.err == nil:
			s.State = StateDone
		case errors.Is(r.err, context.Canceled):
			s.State = StateCanceled
		default:
			s.State = StateFailed
			s.Error = r.err.Error()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Wait blocks until every started pipeline has returned.
func (m *Manager) Wait() { m.wg.Wait() }

// Job is one source to process in batch mode.
type Job struct {
	Path     string
	SourceID string
}

// ProcessAll runs the jobs to completion with at most MaxWorkers pipelines at a time.
func (m *Manager) ProcessAll(ctx context.Context, jobs []Job) error {
	workChan := make(chan Job, len(jobs))
	errorsChan := make(chan error, len(jobs))

	var wg sync.WaitGroup

	remaining := atomic.Int64{}
	remaining.Store(int64(len(jobs)))

	// Start worker pool
	for i := 0; i < m.opts.MaxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range workChan {
				p, err := m.newPipeline(job.Path, job.SourceID)
				if err == nil {
					err = p.Run(ctx)
				}
				if err != nil {
					errorsChan <- fmt.Errorf("%s: %w", job.SourceID, err)
				}

				left := remaining.Add(-1)
				m.opts.Logger.Info("source processed", "source", job.SourceID, "remaining", left, "ok", err == nil)
			}
		}()
	}

	// Send work to workers
	for _, job := range jobs {
		workChan <- job
	}
	close(workChan)

	// Wait for all workers to finish
	wg.Wait()
	close(errorsChan)

	// Check for any errors
	var errs []error
	var msgs []string
	for err := range errorsChan {
		errs = append(errs, err)
		msgs = append(msgs, err.Error())
	}
	if len(errs) > 0 {
		m.opts.Logger.Error("encountered errors during processing", "errors", strings.Join(msgs, "; "))
		return errors.Join(errs...)
	}
	return nil
}
