// Package analyzer drives the per-source frame loop: identity resolution,
// zone and activity classification, violation aggregation and the train
// lifecycle, handing every emitted event to storage.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/argus/internal/activity"
	"github.com/bdougie/argus/internal/embeddings"
	"github.com/bdougie/argus/internal/models"
	"github.com/bdougie/argus/internal/perception"
	"github.com/bdougie/argus/internal/presence"
	"github.com/bdougie/argus/internal/recognition"
	"github.com/bdougie/argus/internal/storage"
	"github.com/bdougie/argus/internal/timeutil"
	"github.com/bdougie/argus/internal/tracking"
	"github.com/bdougie/argus/internal/violations"
	"github.com/bdougie/argus/internal/zones"
)

// Config holds the orchestration parameters of a pipeline.
type Config struct {
	CameraID string

	// FrameStep runs worker derivation on every FrameStep-th frame only.
	FrameStep int
	// DefaultFPS and the default frame size apply until the stream reports its own.
	DefaultFPS    float64
	DefaultWidth  int
	DefaultHeight int

	// TimestampInterval is the video time between two reads of the on-screen clock.
	TimestampInterval time.Duration
	// TrainInterval is the video time between two train recognition attempts.
	TrainInterval time.Duration
	// TrainGate stops train recognition once a train has arrived in this run.
	TrainGate          bool
	MinTrainConfidence float64
	DepartureTimeout   time.Duration

	// FlushEveryFrames flushes buffered events every so many frames; zero means once per second of video.
	FlushEveryFrames int
	BatchSize        int

	PersonClass    string
	IgnoredClasses []string

	Tracking   tracking.Config
	Activity   activity.Config
	Violations violations.Config
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		CameraID:           "CAM-01",
		FrameStep:          3,
		DefaultFPS:         25,
		DefaultWidth:       1920,
		DefaultHeight:      1080,
		TimestampInterval:  10 * time.Second,
		TrainInterval:      time.Second,
		TrainGate:          true,
		MinTrainConfidence: 0.3,
		DepartureTimeout:   presence.DefaultDepartureTimeout,
		BatchSize:          storage.DefaultBatchSize,
		PersonClass:        "person",
		IgnoredClasses:     []string{"train"},
		Tracking:           tracking.DefaultConfig(),
		Activity:           activity.DefaultConfig(),
		Violations:         violations.DefaultConfig(),
	}
}

// Stats counts what a pipeline has done so far.
type Stats struct {
	Frames      int `json:"frames"`
	Sampled     int `json:"sampled"`
	Workers     int `json:"workers"`
	Incidents   int `json:"incidents"`
	Arrivals    int `json:"arrivals"`
	Departures  int `json:"departures"`
	FlushErrors int `json:"flush_errors"`
	// Skipped counts malformed records the source dropped.
	Skipped int `json:"skipped"`
}

// skipCounter is implemented by sources that drop malformed records.
type skipCounter interface {
	Skipped() int
}

// Deps are the services a pipeline shares with the rest of the process.
type Deps struct {
	Zones      *zones.Manager
	Recognizer recognition.Recognizer
	Store      storage.Store
	Clock      timeutil.Clock
	Logger     *slog.Logger
}

// Pipeline processes one source sequentially. Its derivation state is owned
// by Run and never shared.
type Pipeline struct {
	sourceID string
	runID    uuid.UUID
	cfg      Config
	src      perception.Source

	zones      *zones.Manager
	recognizer recognition.Recognizer
	batcher    *storage.Batcher
	clock      timeutil.Clock
	logger     *slog.Logger

	resolver   *tracking.Resolver
	classifier *activity.Classifier
	aggregator *violations.Aggregator
	trains     *presence.Tracker[string]
	trainInfo  map[string]recognition.Train
	workers    map[int]*Worker

	// Video clock: a frame at offset d maps to base+d.
	base     time.Time
	realTime string

	fps           float64
	width, height int
	trainLocated  bool

	nextTimestamp int
	nextTrain     int
	nextFlush     int

	mu    sync.Mutex
	stats Stats
}

// NewPipeline wires a pipeline for sourceID over src.
func NewPipeline(sourceID string, src perception.Source, cfg Config, deps Deps) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Zones == nil {
		deps.Zones = zones.NewManager()
	}
	if deps.Recognizer == nil {
		deps.Recognizer = recognition.RecordedRecognizer{}
	}
	if cfg.FrameStep <= 0 {
		cfg.FrameStep = 1
	}
	if cfg.DefaultFPS <= 0 {
		cfg.DefaultFPS = 25
	}

	runID := uuid.New()
	return &Pipeline{
		sourceID:   sourceID,
		runID:      runID,
		cfg:        cfg,
		src:        src,
		zones:      deps.Zones,
		recognizer: deps.Recognizer,
		batcher:    storage.NewBatcher(deps.Store, cfg.BatchSize, deps.Logger),
		clock:      deps.Clock,
		logger:     deps.Logger.With("source", sourceID, "run", runID.String()),
		resolver:   tracking.NewResolver(cfg.Tracking),
		classifier: activity.NewClassifier(cfg.Activity),
		aggregator: violations.NewAggregator(cfg.Violations, deps.Clock),
		trains:     presence.NewTracker[string](cfg.DepartureTimeout),
		trainInfo:  make(map[string]recognition.Train),
		workers:    make(map[int]*Worker),
		fps:        cfg.DefaultFPS,
		width:      cfg.DefaultWidth,
		height:     cfg.DefaultHeight,
	}
}

// RunID identifies this run in logs.
func (p *Pipeline) RunID() uuid.UUID { return p.runID }

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Worker returns the derived state of a logical worker. Only safe once Run has returned.
func (p *Pipeline) Worker(id int) (*Worker, bool) {
	w, ok := p.workers[id]
	return w, ok
}

// Run processes frames until the source is exhausted or ctx is canceled.
// Buffered events are always flushed before returning, even on cancellation.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.src.Close()
	p.logger.Info("pipeline started")

	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		frame, err := p.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			p.finish(ctx)
			break
		}
		if err != nil {
			runErr = fmt.Errorf("read frame: %w", err)
			break
		}

		p.processFrame(ctx, frame)
		p.countSkipped()

		if frame.Index >= p.nextFlush {
			p.nextFlush = frame.Index + p.flushInterval()
			if err := p.batcher.Flush(ctx); err != nil {
				p.count(func(s *Stats) { s.FlushErrors++ })
				p.logger.Error("flushing events", "pending", p.batcher.Pending(), "error", err)
			}
		}
	}

	p.countSkipped()

	// The final flush must happen even when ctx is already canceled.
	flushErr := p.batcher.Flush(context.WithoutCancel(ctx))
	if flushErr != nil {
		p.logger.Error("final flush failed", "pending", p.batcher.Pending(), "error", flushErr)
	}

	st := p.Stats()
	p.logger.Info("pipeline finished",
		"frames", st.Frames,
		"workers", st.Workers,
		"incidents", st.Incidents,
		"arrivals", st.Arrivals,
		"departures", st.Departures,
		"skipped", st.Skipped,
	)
	return errors.Join(runErr, flushErr)
}

func (p *Pipeline) processFrame(ctx context.Context, frame models.Frame) {
	if frame.FPS > 0 {
		p.fps = frame.FPS
	}
	if frame.Width > 0 && frame.Height > 0 {
		p.width, p.height = frame.Width, frame.Height
	}
	p.count(func(s *Stats) { s.Frames++ })

	offset := p.offset(frame.Index)
	if p.base.IsZero() {
		p.base = p.clock.Now().UTC()
	}
	if frame.Index >= p.nextTimestamp {
		p.nextTimestamp = frame.Index + p.framesIn(p.cfg.TimestampInterval)
		p.readClock(ctx, frame, offset)
	}
	now := p.base.Add(offset)

	if frame.Index >= p.nextTrain && !(p.cfg.TrainGate && p.trainLocated) {
		p.nextTrain = frame.Index + p.framesIn(p.cfg.TrainInterval)
		p.recognizeTrain(ctx, frame, now, offset)
	}
	for _, dep := range p.trains.Sweep(now) {
		p.departed(ctx, dep)
	}

	if frame.Index%p.cfg.FrameStep != 0 {
		return
	}
	p.count(func(s *Stats) { s.Sampled++ })

	var persons, objects []models.Detection
	for _, d := range frame.Detections {
		switch {
		case d.Class == p.cfg.PersonClass:
			persons = append(persons, d)
		case slices.Contains(p.cfg.IgnoredClasses, d.Class):
		default:
			objects = append(objects, d)
		}
	}

	for _, t := range p.resolver.Resolve(frame.Index, persons) {
		w, ok := p.workers[t.ID]
		if !ok {
			w = newWorker(t.ID, p.cfg.Activity.HistorySize)
			p.workers[t.ID] = w
			p.count(func(s *Stats) { s.Workers++ })
		}

		footX, footY := t.BBox.Foot()
		w.Zone = p.zones.Classify(p.sourceID, footX, footY, p.width, p.height)
		w.Activity = p.classifier.Classify(w.History, t.BBox, t.Keypoints)

		res := p.aggregator.Evaluate(w.Violations, violations.Input{
			Box:     t.BBox,
			HasPose: len(t.Keypoints) > 0,
			Zone:    w.Zone,
			Objects: objects,
		})
		if res.Suppressed {
			p.logger.Debug("alert suppressed by cooldown", "worker", t.ID, "kinds", res.Kinds)
		}
		if !res.Emitted {
			continue
		}

		index := frame.Index
		box := t.BBox
		p.emit(ctx, models.Event{
			Kind:       res.Alert,
			EntityID:   strconv.Itoa(t.ID),
			VideoTime:  offset,
			Timestamp:  now,
			FrameIndex: &index,
			BBox:       &box,
			Confidence: t.Confidence,
			Activity:   w.Activity,
			Zone:       w.Zone,
			Pose:       embeddings.PoseVector(t.BBox, t.Keypoints),
		})
		p.count(func(s *Stats) { s.Incidents++ })
		p.logger.Warn("incident",
			"kind", res.Alert,
			"worker", t.ID,
			"activity", w.Activity,
			"zone", w.Zone,
			"risk", w.Violations.RiskScore,
			"video_time", offset.Round(time.Millisecond),
		)
	}
}

// readClock re-anchors the video clock on the timestamp burned into the frame.
func (p *Pipeline) readClock(ctx context.Context, frame models.Frame, offset time.Duration) {
	text, err := p.recognizer.Timestamp(ctx, frame)
	if err != nil {
		if !errors.Is(err, recognition.ErrNotFound) {
			p.logger.Warn("timestamp recognition failed", "frame", frame.Index, "error", err)
		}
		return
	}
	p.realTime = text

	read, err := recognition.ParseTimestamp(text, p.base.Add(offset))
	if err != nil {
		p.logger.Debug("dropping unreadable timestamp", "frame", frame.Index, "text", text, "error", err)
		return
	}
	p.base = read.Add(-offset)
}

func (p *Pipeline) recognizeTrain(ctx context.Context, frame models.Frame, now time.Time, offset time.Duration) {
	reading, err := p.recognizer.Train(ctx, frame)
	if err != nil {
		if !errors.Is(err, recognition.ErrNotFound) {
			p.logger.Warn("train recognition failed", "frame", frame.Index, "error", err)
		}
		return
	}
	train, err := recognition.Identify(reading, p.cfg.MinTrainConfidence)
	if err != nil {
		p.logger.Debug("ignoring train reading", "frame", frame.Index, "model", reading.Model,
			"number", reading.Number, "confidence", reading.Confidence)
		return
	}

	id := train.ID()
	arrival, ok := p.trains.Observe(id, now, frame.Index)
	if !ok {
		return
	}
	p.trainInfo[id] = train
	p.trainLocated = true

	index := arrival.Frame
	p.emit(ctx, models.Event{
		Kind:        models.KindTrainArrival,
		EntityID:    id,
		VideoTime:   offset,
		Timestamp:   arrival.At,
		FrameIndex:  &index,
		Confidence:  train.Confidence,
		TrainModel:  train.Model,
		TrainNumber: train.Number,
	})
	p.count(func(s *Stats) { s.Arrivals++ })
	p.logger.Info("train arrival", "train", id, "at", arrival.At, "frame", arrival.Frame)
}

func (p *Pipeline) departed(ctx context.Context, dep presence.Transition[string]) {
	train := p.trainInfo[dep.ID]
	delete(p.trainInfo, dep.ID)

	arrivedAt := dep.ArrivedAt
	videoTime := dep.At.Sub(p.base)
	if videoTime < 0 {
		videoTime = 0
	}
	p.emit(ctx, models.Event{
		Kind:        models.KindTrainDeparture,
		EntityID:    dep.ID,
		VideoTime:   videoTime,
		Timestamp:   dep.At,
		Confidence:  1.0,
		TrainModel:  train.Model,
		TrainNumber: train.Number,
		ArrivedAt:   &arrivedAt,
		Dwell:       dep.Duration,
	})
	p.count(func(s *Stats) { s.Departures++ })
	p.logger.Info("train departure", "train", dep.ID, "at", dep.At, "dwell", dep.Duration)
}

// finish closes every open presence episode at the end of the stream.
func (p *Pipeline) finish(ctx context.Context) {
	for _, dep := range p.trains.DepartAll() {
		p.departed(ctx, dep)
	}
}

func (p *Pipeline) emit(ctx context.Context, e models.Event) {
	e.ID = uuid.New()
	e.SourceID = p.sourceID
	e.CameraID = p.cfg.CameraID
	e.RealTime = p.realTime
	e.CreatedAt = p.clock.Now().UTC()

	// A failed batch stays buffered for the next flush.
	if err := p.batcher.AddEvent(ctx, e); err != nil {
		p.count(func(s *Stats) { s.FlushErrors++ })
	}
}

func (p *Pipeline) count(update func(*Stats)) {
	p.mu.Lock()
	update(&p.stats)
	p.mu.Unlock()
}

func (p *Pipeline) countSkipped() {
	if sc, ok := p.src.(skipCounter); ok {
		n := sc.Skipped()
		p.count(func(s *Stats) { s.Skipped = n })
	}
}

func (p *Pipeline) offset(index int) time.Duration {
	return time.Duration(float64(index) * float64(time.Second) / p.fps)
}

// framesIn converts a video duration into a frame count, at least one.
func (p *Pipeline) framesIn(d time.Duration) int {
	n := int(d.Seconds() * p.fps)
	if n < 1 {
		return 1
	}
	return n
}

func (p *Pipeline) flushInterval() int {
	if p.cfg.FlushEveryFrames > 0 {
		return p.cfg.FlushEveryFrames
	}
	return p.framesIn(time.Second)
}
