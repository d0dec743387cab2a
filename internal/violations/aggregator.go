// Package violations combines PPE association, a fall heuristic and zone
// membership into debounced, rate-limited incidents per worker.
package violations

import (
	"time"

	"github.com/bdougie/argus/internal/models"
	"github.com/bdougie/argus/internal/ring"
	"github.com/bdougie/argus/internal/timeutil"
	"github.com/bdougie/argus/internal/zones"
)

// DefaultClasses maps perception classes that signal missing PPE to incident kinds.
var DefaultClasses = map[string]models.EventKind{
	"head_nohelmet": models.KindNoHelmet,
	"face_nomask":   models.KindNoMask,
	"hand_noglove":  models.KindNoGlove,
}

// Config holds the association margins, debounce and scoring parameters.
type Config struct {
	// Margins expand the worker box when associating PPE detections.
	MarginX float64
	MarginY float64

	// FallAspect is the width/height ratio above which a posed worker is down.
	FallAspect float64

	WindowSize int
	StableHits int

	// Cooldown is the minimum processing time between two alerts for one worker.
	Cooldown time.Duration

	HelmetPoints  int
	DefaultPoints int

	Classes map[string]models.EventKind
}

// DefaultConfig returns the parameters used in production.
func DefaultConfig() Config {
	return Config{
		MarginX:       40,
		MarginY:       60,
		FallAspect:    1.2,
		WindowSize:    10,
		StableHits:    2,
		Cooldown:      1500 * time.Millisecond,
		HelmetPoints:  10,
		DefaultPoints: 5,
		Classes:       DefaultClasses,
	}
}

// State is the per-worker debounce memory.
type State struct {
	windows   map[models.EventKind]*ring.Buffer[bool]
	RiskScore int
	LastAlert time.Time
}

// NewState returns an empty state with no alert history.
func NewState() *State {
	return &State{windows: make(map[models.EventKind]*ring.Buffer[bool])}
}

// Hits returns the number of hits currently in the kind's window.
func (s *State) Hits(kind models.EventKind) int {
	w, ok := s.windows[kind]
	if !ok {
		return 0
	}
	return w.Count(isHit)
}

func isHit(v bool) bool { return v }

// Input is what the aggregator needs to know about one worker in one frame.
type Input struct {
	Box     models.BBox
	HasPose bool
	Zone    string
	// Objects are the frame's non-person detections.
	Objects []models.Detection
}

// Result describes the outcome of one evaluation.
type Result struct {
	// Kinds are the violations detected this frame, in discovery order.
	Kinds []models.EventKind
	// Points is the amount added to the risk score.
	Points int
	// Alert is set when an incident must be emitted.
	Alert   models.EventKind
	Emitted bool
	// Suppressed is set when a stable kind was held back by the cooldown.
	Suppressed bool
}

// Aggregator evaluates workers against the configured rules.
type Aggregator struct {
	cfg   Config
	clock timeutil.Clock
}

// NewAggregator creates an aggregator. A nil clock uses the real clock.
func NewAggregator(cfg Config, clock timeutil.Clock) *Aggregator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.Classes == nil {
		cfg.Classes = DefaultClasses
	}
	return &Aggregator{cfg: cfg, clock: clock}
}

// Evaluate updates st with this frame's observations and reports whether an
// incident should be emitted.
func (a *Aggregator) Evaluate(st *State, in Input) Result {
	kinds := a.detect(in)

	var res Result
	res.Kinds = kinds

	present := make(map[models.EventKind]bool, len(kinds))
	for _, k := range kinds {
		present[k] = true
		a.window(st, k).Push(true)
		if k == models.KindNoHelmet {
			res.Points += a.cfg.HelmetPoints
		} else {
			res.Points += a.cfg.DefaultPoints
		}
	}
	// Windows of kinds not seen this frame decay.
	for k, w := range st.windows {
		if !present[k] {
			w.Push(false)
		}
	}
	st.RiskScore += res.Points

	stable, ok := a.firstStable(st, kinds)
	if !ok {
		return res
	}

	now := a.clock.Now()
	if !st.LastAlert.IsZero() && now.Sub(st.LastAlert) < a.cfg.Cooldown {
		res.Suppressed = true
		return res
	}

	res.Alert = stable
	res.Emitted = true
	st.LastAlert = now
	for _, k := range kinds {
		st.windows[k].Clear()
	}
	return res
}

// detect lists the violation kinds present this frame, deduplicated, in the
// order PPE association, fall, zone.
func (a *Aggregator) detect(in Input) []models.EventKind {
	var kinds []models.EventKind
	seen := make(map[models.EventKind]bool)
	add := func(k models.EventKind) {
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}

	for _, obj := range in.Objects {
		kind, ok := a.cfg.Classes[obj.Class]
		if !ok {
			continue
		}
		if a.near(in.Box, obj.BBox) {
			add(kind)
		}
	}

	if in.HasPose && in.Box.Width() > in.Box.Height()*a.cfg.FallAspect {
		add(models.KindFall)
	}

	if in.Zone == zones.Danger {
		add(models.KindZoneIntrusion)
	}
	return kinds
}

// near reports whether obj's center lies within the worker box expanded by the margins.
func (a *Aggregator) near(worker, obj models.BBox) bool {
	cx, cy := obj.Center()
	return cx > worker[0]-a.cfg.MarginX && cx < worker[2]+a.cfg.MarginX &&
		cy > worker[1]-a.cfg.MarginY && cy < worker[3]+a.cfg.MarginY
}

func (a *Aggregator) firstStable(st *State, kinds []models.EventKind) (models.EventKind, bool) {
	for _, k := range kinds {
		if st.Hits(k) >= a.cfg.StableHits {
			return k, true
		}
	}
	return "", false
}

func (a *Aggregator) window(st *State, k models.EventKind) *ring.Buffer[bool] {
	w, ok := st.windows[k]
	if !ok {
		w = ring.New[bool](a.cfg.WindowSize)
		st.windows[k] = w
	}
	return w
}
