package l2align

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/surface.report/internal/config"
	"github.com/banshee-data/surface.report/internal/survey"
	"github.com/banshee-data/surface.report/internal/survey/l1markers"
)

// MinFreshMarkers is the number of fresh markers needed for a non-trivial
// estimate.
const MinFreshMarkers = 3

// AlignmentStatus is the computed alignment of the current frame against the
// target layout. A label appears in at most one of fresh, Stale and Missing.
type AlignmentStatus struct {
	Aligned     bool               `json:"aligned"`
	Translation survey.Point       `json:"translation"` // pixels, observed minus expected
	Rotation    float64            `json:"rotation"`    // radians in (-pi, pi]
	Scale       float64            `json:"scale"`       // observed / target marker width
	Missing     []survey.GridLabel `json:"missing"`
	Stale       []survey.GridLabel `json:"stale"`
	FreshCount  int                `json:"fresh_count"`
	KnownCount  int                `json:"known_count"`
}

// Quality scores the status as 1 minus proportional penalties for missing
// and stale markers, clamped to [0, 1].
func (s AlignmentStatus) Quality(missingWeight, staleWeight float64) float64 {
	if s.KnownCount == 0 {
		return 0
	}
	total := float64(s.KnownCount)
	q := 1.0 - missingWeight*float64(len(s.Missing))/total - staleWeight*float64(len(s.Stale))/total
	return math.Max(0, math.Min(1, q))
}

// Clone returns a deep copy of the status.
func (s AlignmentStatus) Clone() AlignmentStatus {
	out := s
	out.Missing = append([]survey.GridLabel(nil), s.Missing...)
	out.Stale = append([]survey.GridLabel(nil), s.Stale...)
	return out
}

// EstimatorConfig describes the target layout and the alignment tolerances.
type EstimatorConfig struct {
	FrameWidth          float64 // pixels
	FrameHeight         float64 // pixels
	TargetMarkerWidthPx float64 // on-screen marker edge length when aligned

	// Surface geometry used to place the markers in the target layout.
	SurfaceWidthMM  float64
	SurfaceHeightMM float64
	MarkerMarginMM  float64
	MarkerSizeMM    float64

	TranslationTolerancePx float64 // max |translation|
	RotationTolerance      float64 // radians
	ScaleTolerance         float64 // max |scale-1|
}

// DefaultEstimatorConfig returns the default layout and tolerances.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfigFromTuning(config.EmptyTuningConfig())
}

// EstimatorConfigFromTuning builds an EstimatorConfig from a loaded TuningConfig.
func EstimatorConfigFromTuning(cfg *config.TuningConfig) EstimatorConfig {
	return EstimatorConfig{
		FrameWidth:             float64(cfg.GetFrameWidth()),
		FrameHeight:            float64(cfg.GetFrameHeight()),
		TargetMarkerWidthPx:    cfg.GetTargetMarkerWidthPx(),
		SurfaceWidthMM:         cfg.GetSurfaceWidthMM(),
		SurfaceHeightMM:        cfg.GetSurfaceHeightMM(),
		MarkerMarginMM:         cfg.GetMarkerMarginMM(),
		MarkerSizeMM:           cfg.GetMarkerSizeMM(),
		TranslationTolerancePx: cfg.GetTranslationTolerancePx(),
		RotationTolerance:      cfg.GetRotationToleranceDeg() * math.Pi / 180,
		ScaleTolerance:         cfg.GetScaleTolerance(),
	}
}

// Estimator evaluates marker snapshots against the target layout.
type Estimator struct {
	cfg    EstimatorConfig
	layout map[survey.GridLabel]survey.Point
}

// NewEstimator creates an Estimator and precomputes the expected on-screen
// position of every grid label.
func NewEstimator(cfg EstimatorConfig) *Estimator {
	return &Estimator{cfg: cfg, layout: targetLayout(cfg)}
}

// Expected returns the on-screen position label occupies when the camera is
// perfectly aligned.
func (e *Estimator) Expected(label survey.GridLabel) (survey.Point, bool) {
	p, ok := e.layout[label]
	return p, ok
}

// Evaluate computes the alignment status for the given fresh and stale
// markers. known lists every label the layout expects; labels that are
// neither fresh nor stale are reported missing.
func (e *Estimator) Evaluate(fresh, stale []l1markers.FiducialMarker, known []survey.GridLabel) AlignmentStatus {
	isKnown := make(map[survey.GridLabel]bool, len(known))
	for _, l := range known {
		isKnown[l] = true
	}

	freshSet := make(map[survey.GridLabel]bool, len(fresh))
	var usable []l1markers.FiducialMarker
	for _, m := range fresh {
		if !isKnown[m.Label] || freshSet[m.Label] {
			continue
		}
		freshSet[m.Label] = true
		usable = append(usable, m)
	}
	staleSet := make(map[survey.GridLabel]bool, len(stale))
	for _, m := range stale {
		if isKnown[m.Label] && !freshSet[m.Label] {
			staleSet[m.Label] = true
		}
	}

	status := AlignmentStatus{
		Scale:      1,
		FreshCount: len(usable),
		KnownCount: len(known),
	}
	for _, l := range known {
		switch {
		case freshSet[l]:
		case staleSet[l]:
			status.Stale = append(status.Stale, l)
		default:
			status.Missing = append(status.Missing, l)
		}
	}
	survey.SortLabels(status.Stale)
	survey.SortLabels(status.Missing)

	if len(usable) < MinFreshMarkers {
		return status
	}

	ref := usable[0]
	if expected, ok := e.layout[ref.Label]; ok {
		status.Translation = ref.Center.Sub(expected)
	}
	status.Rotation = e.rotation(ref, usable)
	status.Scale = e.scale(usable)

	status.Aligned = status.Translation.Norm() <= e.cfg.TranslationTolerancePx &&
		math.Abs(status.Rotation) <= e.cfg.RotationTolerance &&
		math.Abs(status.Scale-1) <= e.cfg.ScaleTolerance &&
		len(status.Missing) == 0 &&
		len(status.Stale) == 0
	return status
}

// rotation prefers the reference marker's own top edge, then its decoder
// pose, then the vector from the reference to another fresh marker compared
// with the same vector in the target layout.
func (e *Estimator) rotation(ref l1markers.FiducialMarker, fresh []l1markers.FiducialMarker) float64 {
	if ref.HasCorners() {
		edge := ref.Corners[1].Sub(ref.Corners[0])
		if edge.Norm() > 0 {
			return survey.NormalizeAngle(edge.Angle())
		}
	}
	if ref.Pose != nil {
		return survey.NormalizeAngle(ref.Pose.Rotation)
	}
	refExpected, ok := e.layout[ref.Label]
	if !ok {
		return 0
	}
	for _, other := range fresh[1:] {
		otherExpected, ok := e.layout[other.Label]
		if !ok {
			continue
		}
		observed := other.Center.Sub(ref.Center)
		expected := otherExpected.Sub(refExpected)
		if observed.Norm() == 0 || expected.Norm() == 0 {
			continue
		}
		return survey.NormalizeAngle(observed.Angle() - expected.Angle())
	}
	return 0
}

func (e *Estimator) scale(fresh []l1markers.FiducialMarker) float64 {
	if e.cfg.TargetMarkerWidthPx <= 0 {
		return 1
	}
	extents := make([]float64, len(fresh))
	for i, m := range fresh {
		extents[i] = m.Extent
	}
	return stat.Mean(extents, nil) / e.cfg.TargetMarkerWidthPx
}

// targetLayout places the marker centres of the surface, inset by the marker
// margin, centred in the frame at the scale where a marker spans
// TargetMarkerWidthPx.
func targetLayout(cfg EstimatorConfig) map[survey.GridLabel]survey.Point {
	pxPerMM := 1.0
	if cfg.MarkerSizeMM > 0 {
		pxPerMM = cfg.TargetMarkerWidthPx / cfg.MarkerSizeMM
	}
	center := survey.Pt(cfg.FrameWidth/2, cfg.FrameHeight/2)
	halfW := (cfg.SurfaceWidthMM/2 - cfg.MarkerMarginMM) * pxPerMM
	halfH := (cfg.SurfaceHeightMM/2 - cfg.MarkerMarginMM) * pxPerMM
	return map[survey.GridLabel]survey.Point{
		survey.LabelA: center.Add(survey.Pt(-halfW, -halfH)),
		survey.LabelB: center.Add(survey.Pt(halfW, -halfH)),
		survey.LabelC: center.Add(survey.Pt(halfW, halfH)),
		survey.LabelD: center.Add(survey.Pt(-halfW, halfH)),
	}
}
