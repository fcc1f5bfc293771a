package l5capture

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/surface.report/internal/config"
	"github.com/banshee-data/surface.report/internal/survey"
	"github.com/banshee-data/surface.report/internal/survey/l1markers"
	"github.com/banshee-data/surface.report/internal/survey/l2align"
	"github.com/banshee-data/surface.report/internal/survey/l3homography"
	"github.com/banshee-data/surface.report/internal/survey/l4detect"
)

// Reason explains a capture decision.
type Reason string

const (
	ReasonNotActive            Reason = "not_active"
	ReasonComplete             Reason = "complete"
	ReasonLowQuality           Reason = "low_quality"
	ReasonTooSoon              Reason = "too_soon"
	ReasonInsufficientMovement Reason = "insufficient_movement"
	ReasonReady                Reason = "ready"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	ShouldCapture bool    `json:"should_capture"`
	Reason        Reason  `json:"reason"`
	Quality       float64 `json:"quality"`
	Movement      float64 `json:"movement"` // pixels since the last capture, 0 if none
}

// Observation is the per-frame state offered to the controller.
type Observation struct {
	Alignment l2align.AlignmentStatus
	Markers   []l1markers.FiducialMarker // fresh markers
	Objects   []l4detect.DetectedObject
	Transform l3homography.CoordinateTransform
}

// ControllerConfig holds the capture gate thresholds.
type ControllerConfig struct {
	MinQuality      float64       // default: 0.75
	MissingWeight   float64       // quality penalty per missing marker fraction (default: 1.0)
	StaleWeight     float64       // quality penalty per stale marker fraction (default: 0.5)
	MinSpacing      time.Duration // default: 1.5s
	MinMovement     float64       // pixels (default: 40)
	TargetPositions int           // default: 5
}

// DefaultControllerConfig returns the default gate thresholds.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfigFromTuning(config.EmptyTuningConfig())
}

// ControllerConfigFromTuning builds a ControllerConfig from a loaded TuningConfig.
func ControllerConfigFromTuning(cfg *config.TuningConfig) ControllerConfig {
	return ControllerConfig{
		MinQuality:      cfg.GetMinAlignmentQuality(),
		MissingWeight:   cfg.GetMissingMarkerWeight(),
		StaleWeight:     cfg.GetStaleMarkerWeight(),
		MinSpacing:      cfg.GetMinCaptureSpacing(),
		MinMovement:     cfg.GetMinMovementPx(),
		TargetPositions: cfg.GetTargetPositions(),
	}
}

// Controller runs one capture session at a time. It is driven
// synchronously from the frame loop and never blocks.
type Controller struct {
	cfg     ControllerConfig
	state   State
	session *ScanSession

	hasLast bool
	// lastPosition is the camera position at the last capture. It is
	// unset when that capture had no markers to place the camera.
	lastPosition survey.Point
	hasPosition  bool
}

// NewController creates a Controller in StateNotStarted.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.TargetPositions < 1 {
		cfg.TargetPositions = 1
	}
	return &Controller{cfg: cfg}
}

// Start discards any current session and begins a new one.
func (c *Controller) Start(now time.Time) ScanSession {
	positions := targetPositions(c.cfg.TargetPositions)
	c.session = &ScanSession{
		ID:        uuid.New().String(),
		StartedAt: now,
		Positions: positions,
		Needed:    len(positions),
	}
	c.state = StateActive
	c.hasLast, c.hasPosition = false, false
	survey.Opsf("l5capture: session %s started with %d positions", c.session.ID, len(positions))
	return c.session.Clone()
}

// State returns the controller's state.
func (c *Controller) State() State {
	return c.state
}

// Session returns a copy of the current session.
func (c *Controller) Session() (ScanSession, bool) {
	if c.session == nil {
		return ScanSession{}, false
	}
	return c.session.Clone(), true
}

// Abandon drops the current session without completing it.
func (c *Controller) Abandon() {
	if c.session != nil {
		survey.Opsf("l5capture: session %s abandoned at %d/%d", c.session.ID, c.session.Completed, c.session.Needed)
	}
	c.session = nil
	c.state = StateNotStarted
	c.hasLast, c.hasPosition = false, false
}

// Quality scores an alignment status with the configured penalties.
func (c *Controller) Quality(a l2align.AlignmentStatus) float64 {
	return a.Quality(c.cfg.MissingWeight, c.cfg.StaleWeight)
}

// Evaluate decides whether obs should be captured at now. All three gates
// must pass: alignment quality, spacing since the last capture, and camera
// movement since the last capture. Movement is skipped before the first
// capture and after a capture made without markers.
func (c *Controller) Evaluate(obs Observation, now time.Time) Decision {
	d := Decision{Quality: c.Quality(obs.Alignment)}
	switch c.state {
	case StateComplete:
		d.Reason = ReasonComplete
		return d
	case StateActive:
	default:
		d.Reason = ReasonNotActive
		return d
	}

	if d.Quality < c.cfg.MinQuality {
		d.Reason = ReasonLowQuality
		return d
	}
	if c.hasLast {
		if now.Sub(c.session.LastCaptureAt) < c.cfg.MinSpacing {
			d.Reason = ReasonTooSoon
			return d
		}
	}
	if c.hasPosition {
		pos, ok := cameraPosition(obs.Markers)
		if ok {
			d.Movement = pos.Distance(c.lastPosition)
		}
		if !ok || d.Movement < c.cfg.MinMovement {
			d.Reason = ReasonInsufficientMovement
			return d
		}
	}
	d.ShouldCapture = true
	d.Reason = ReasonReady
	return d
}

// Capture freezes obs into the lowest-priority uncaptured slot. It reports
// false, changing nothing, unless the session is active.
func (c *Controller) Capture(obs Observation, now time.Time) bool {
	if c.state != StateActive || c.session == nil {
		return false
	}
	slot := c.nextSlot()
	if slot < 0 {
		return false
	}

	p := &c.session.Positions[slot]
	p.Captured = true
	p.CapturedAt = now
	p.Alignment = obs.Alignment.Clone()
	p.Transform = obs.Transform
	p.Quality = c.Quality(obs.Alignment)
	p.Markers = make([]l1markers.FiducialMarker, len(obs.Markers))
	for i, m := range obs.Markers {
		p.Markers[i] = m.Clone()
	}
	p.Objects = make([]l4detect.DetectedObject, len(obs.Objects))
	for i, o := range obs.Objects {
		p.Objects[i] = o.Clone()
	}

	c.session.Completed++
	c.session.LastCaptureAt = now
	c.session.Confidence = c.meanQuality()
	c.lastPosition, c.hasPosition = cameraPosition(obs.Markers)
	c.hasLast = true

	survey.Opsf("l5capture: captured %s (%d/%d) quality=%.2f objects=%d",
		p.Name, c.session.Completed, c.session.Needed, p.Quality, len(p.Objects))

	if c.session.Completed >= c.session.Needed {
		c.session.Complete = true
		c.state = StateComplete
		survey.Opsf("l5capture: session %s complete, confidence=%.2f", c.session.ID, c.session.Confidence)
	}
	return true
}

// nextSlot returns the index of the uncaptured slot with the lowest
// priority number, or -1.
func (c *Controller) nextSlot() int {
	best := -1
	for i, p := range c.session.Positions {
		if p.Captured {
			continue
		}
		if best < 0 || p.Priority < c.session.Positions[best].Priority {
			best = i
		}
	}
	return best
}

func (c *Controller) meanQuality() float64 {
	var qs []float64
	for _, p := range c.session.Positions {
		if p.Captured {
			qs = append(qs, p.Quality)
		}
	}
	if len(qs) == 0 {
		return 0
	}
	return math.Max(0, math.Min(1, stat.Mean(qs, nil)))
}

// String summarises the controller for logs.
func (c *Controller) String() string {
	if c.session == nil {
		return fmt.Sprintf("controller{%s}", c.state)
	}
	return fmt.Sprintf("controller{%s %d/%d}", c.state, c.session.Completed, c.session.Needed)
}
