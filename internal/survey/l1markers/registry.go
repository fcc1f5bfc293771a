package l1markers

import (
	"math"
	"sort"
	"time"

	"github.com/banshee-data/surface.report/internal/config"
	"github.com/banshee-data/surface.report/internal/survey"
)

// Pose is the optional pose estimate a decoder may attach to a detection.
type Pose struct {
	Center   survey.Point `json:"center"`
	Rotation float64      `json:"rotation"` // radians, image x-axis to marker top edge
	Width    float64      `json:"width"`    // marker edge length in pixels
}

// RawDetection is one decoder record for a single marker in a single frame.
// Corners, when present, run top-left, top-right, bottom-right, bottom-left
// around the printed marker.
type RawDetection struct {
	Corners []survey.Point `json:"corners,omitempty"`
	Pose    *Pose          `json:"pose,omitempty"`
}

// FiducialMarker is the registry's record of the latest detection of one label.
type FiducialMarker struct {
	Label    survey.GridLabel `json:"label"`
	Corners  []survey.Point   `json:"corners,omitempty"`
	Pose     *Pose            `json:"pose,omitempty"`
	Center   survey.Point     `json:"center"`
	Extent   float64          `json:"extent"` // mean edge length in pixels
	LastSeen time.Time        `json:"last_seen"`
}

// HasCorners reports whether the marker carries usable corner geometry.
func (m FiducialMarker) HasCorners() bool {
	return len(m.Corners) >= 2
}

// Outline returns the marker's footprint in frame pixels: its corners when
// at least three are known, otherwise a square of the pose width turned by
// the pose rotation. It is nil when neither is available.
func (m FiducialMarker) Outline() []survey.Point {
	if len(m.Corners) >= 3 {
		return append([]survey.Point(nil), m.Corners...)
	}
	if m.Pose == nil || m.Extent <= 0 {
		return nil
	}
	h := m.Extent / 2
	cos, sin := math.Cos(m.Pose.Rotation), math.Sin(m.Pose.Rotation)
	out := make([]survey.Point, 0, 4)
	for _, o := range []survey.Point{{X: -h, Y: -h}, {X: h, Y: -h}, {X: h, Y: h}, {X: -h, Y: h}} {
		out = append(out, survey.Pt(m.Center.X+o.X*cos-o.Y*sin, m.Center.Y+o.X*sin+o.Y*cos))
	}
	return out
}

// Clone returns a deep copy of the marker.
func (m FiducialMarker) Clone() FiducialMarker {
	out := m
	if m.Corners != nil {
		out.Corners = append([]survey.Point(nil), m.Corners...)
	}
	if m.Pose != nil {
		p := *m.Pose
		out.Pose = &p
	}
	return out
}

// Snapshot partitions the registry's markers at one instant. Markers past
// the cleanup threshold appear in neither list.
type Snapshot struct {
	Fresh []FiducialMarker
	Stale []FiducialMarker
}

// FreshLabels returns the labels of the fresh markers in correspondence order.
func (s Snapshot) FreshLabels() []survey.GridLabel {
	out := make([]survey.GridLabel, len(s.Fresh))
	for i, m := range s.Fresh {
		out[i] = m.Label
	}
	return out
}

// AllFresh reports whether every grid label is currently fresh.
func (s Snapshot) AllFresh() bool {
	return len(s.Fresh) == len(survey.AllGridLabels)
}

// RegistryConfig holds the ageing thresholds.
type RegistryConfig struct {
	FreshWindow  time.Duration // A marker is stale once now-lastSeen exceeds this
	CleanupAfter time.Duration // A marker is evicted once now-lastSeen exceeds this
}

// DefaultRegistryConfig returns the default ageing thresholds.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfigFromTuning(config.EmptyTuningConfig())
}

// RegistryConfigFromTuning builds a RegistryConfig from a loaded TuningConfig.
func RegistryConfigFromTuning(cfg *config.TuningConfig) RegistryConfig {
	return RegistryConfig{
		FreshWindow:  cfg.GetMarkerFreshWindow(),
		CleanupAfter: cfg.GetMarkerCleanupAfter(),
	}
}

// Registry keeps the most recent detection of each grid label. It holds no
// history: a new detection replaces the previous record for its label.
type Registry struct {
	cfg      RegistryConfig
	markers  map[survey.GridLabel]*FiducialMarker
	rejected int
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.CleanupAfter < cfg.FreshWindow {
		cfg.CleanupAfter = cfg.FreshWindow
	}
	return &Registry{
		cfg:     cfg,
		markers: make(map[survey.GridLabel]*FiducialMarker, len(survey.AllGridLabels)),
	}
}

// Observe records a decoder detection. Unknown payloads and malformed
// detections are dropped and counted; they never produce an error.
func (r *Registry) Observe(payload string, det RawDetection, now time.Time) {
	label, ok := survey.ParseGridLabel(payload)
	if !ok {
		r.rejected++
		survey.Tracef("l1markers: ignoring unknown marker payload %q", payload)
		return
	}
	marker, ok := buildMarker(label, det, now)
	if !ok {
		r.rejected++
		survey.Tracef("l1markers: ignoring malformed detection for %s", label)
		return
	}
	r.markers[label] = &marker
}

// Snapshot returns copies of the fresh and stale markers at now, each sorted
// in correspondence order.
func (r *Registry) Snapshot(now time.Time) Snapshot {
	var snap Snapshot
	for _, m := range r.markers {
		age := now.Sub(m.LastSeen)
		switch {
		case age > r.cfg.CleanupAfter:
			continue
		case age > r.cfg.FreshWindow:
			snap.Stale = append(snap.Stale, m.Clone())
		default:
			snap.Fresh = append(snap.Fresh, m.Clone())
		}
	}
	sortMarkers(snap.Fresh)
	sortMarkers(snap.Stale)
	return snap
}

// Prune evicts every marker last seen more than CleanupAfter before now and
// returns the evicted labels in correspondence order.
func (r *Registry) Prune(now time.Time) []survey.GridLabel {
	var evicted []survey.GridLabel
	for label, m := range r.markers {
		if now.Sub(m.LastSeen) > r.cfg.CleanupAfter {
			delete(r.markers, label)
			evicted = append(evicted, label)
		}
	}
	survey.SortLabels(evicted)
	return evicted
}

// Get returns a copy of the record for label, if one is held.
func (r *Registry) Get(label survey.GridLabel) (FiducialMarker, bool) {
	m, ok := r.markers[label]
	if !ok {
		return FiducialMarker{}, false
	}
	return m.Clone(), true
}

// Len returns the number of markers currently held, including stale ones.
func (r *Registry) Len() int {
	return len(r.markers)
}

// Rejected returns the number of detections dropped as contract violations.
func (r *Registry) Rejected() int {
	return r.rejected
}

// Reset forgets every marker.
func (r *Registry) Reset() {
	r.markers = make(map[survey.GridLabel]*FiducialMarker, len(survey.AllGridLabels))
	r.rejected = 0
}

func buildMarker(label survey.GridLabel, det RawDetection, now time.Time) (FiducialMarker, bool) {
	m := FiducialMarker{Label: label, LastSeen: now}

	if det.Pose != nil {
		if !validPose(*det.Pose) {
			return m, false
		}
		p := *det.Pose
		m.Pose = &p
	}

	for _, c := range det.Corners {
		if !c.IsFinite() {
			return m, false
		}
	}

	switch {
	case len(det.Corners) >= 3:
		m.Corners = append([]survey.Point(nil), det.Corners...)
		m.Center = survey.Centroid(m.Corners)
		m.Extent = meanEdgeLength(m.Corners)
	case m.Pose != nil:
		m.Center = m.Pose.Center
		m.Extent = m.Pose.Width
		if len(det.Corners) == 2 {
			m.Corners = append([]survey.Point(nil), det.Corners...)
		}
	default:
		return m, false
	}

	if !(m.Extent > 0) || math.IsInf(m.Extent, 0) || !m.Center.IsFinite() {
		return m, false
	}
	return m, true
}

// validPose rejects non-finite fields and a negative width. A zero width is
// allowed when corners supply the extent.
func validPose(p Pose) bool {
	finite := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
	return p.Center.IsFinite() && finite(p.Rotation) && finite(p.Width) && p.Width >= 0
}

// meanEdgeLength returns the mean side length of the closed corner polygon.
func meanEdgeLength(corners []survey.Point) float64 {
	var total float64
	for i := range corners {
		total += corners[i].Distance(corners[(i+1)%len(corners)])
	}
	return total / float64(len(corners))
}

func sortMarkers(ms []FiducialMarker) {
	sort.Slice(ms, func(i, j int) bool {
		return ms[i].Label.Index() < ms[j].Label.Index()
	})
}
