package l2align

import (
	"math"
	"testing"
	"time"

	"github.com/banshee-data/surface.report/internal/survey"
	"github.com/banshee-data/surface.report/internal/survey/l1markers"
	"github.com/banshee-data/surface.report/internal/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// cornerMarker builds a marker the way the registry would from four corners.
func cornerMarker(label survey.GridLabel, center survey.Point, size, rot float64) l1markers.FiducialMarker {
	return l1markers.FiducialMarker{
		Label:    label,
		Corners:  testutil.SquareCorners(center, size, rot),
		Center:   center,
		Extent:   size,
		LastSeen: now,
	}
}

// alignedMarkers returns one marker per label placed exactly on the layout.
func alignedMarkers(t *testing.T, e *Estimator, size float64, offset survey.Point, rot float64, labels ...survey.GridLabel) []l1markers.FiducialMarker {
	t.Helper()
	out := make([]l1markers.FiducialMarker, 0, len(labels))
	for _, l := range labels {
		p, ok := e.Expected(l)
		require.True(t, ok)
		out = append(out, cornerMarker(l, p.Add(offset), size, rot))
	}
	return out
}

func TestTargetLayout(t *testing.T) {
	t.Parallel()
	e := NewEstimator(DefaultEstimatorConfig())

	want := map[survey.GridLabel]survey.Point{
		survey.LabelA: {X: 260, Y: 103},
		survey.LabelB: {X: 1020, Y: 103},
		survey.LabelC: {X: 1020, Y: 617},
		survey.LabelD: {X: 260, Y: 617},
	}
	for l, p := range want {
		got, ok := e.Expected(l)
		require.True(t, ok)
		testutil.AssertPointNear(t, p, got, 1e-9)
	}
}

func TestEvaluateTooFewFresh(t *testing.T) {
	t.Parallel()
	e := NewEstimator(DefaultEstimatorConfig())

	cases := []struct {
		name  string
		fresh []survey.GridLabel
	}{
		{"none", nil},
		{"one", []survey.GridLabel{survey.LabelA}},
		{"two", []survey.GridLabel{survey.LabelA, survey.LabelC}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fresh := alignedMarkers(t, e, 60, survey.Pt(300, 200), 0.4, tc.fresh...)
			s := e.Evaluate(fresh, nil, survey.AllGridLabels)

			assert.False(t, s.Aligned)
			assert.Equal(t, survey.Point{}, s.Translation)
			assert.Zero(t, s.Rotation)
			assert.Equal(t, 1.0, s.Scale)
			assert.Equal(t, len(tc.fresh), s.FreshCount)
			assert.Len(t, s.Missing, 4-len(tc.fresh))
			assert.Empty(t, s.Stale)
		})
	}
}

func TestEvaluateAligned(t *testing.T) {
	t.Parallel()
	e := NewEstimator(DefaultEstimatorConfig())
	fresh := alignedMarkers(t, e, 60, survey.Pt(5, -3), 0.01, survey.AllGridLabels...)

	s := e.Evaluate(fresh, nil, survey.AllGridLabels)

	assert.True(t, s.Aligned)
	testutil.AssertPointNear(t, survey.Pt(5, -3), s.Translation, 1e-9)
	assert.InDelta(t, 0.01, s.Rotation, 1e-9)
	assert.InDelta(t, 1.0, s.Scale, 1e-9)
	assert.Empty(t, s.Missing)
	assert.Empty(t, s.Stale)
	assert.Equal(t, 4, s.FreshCount)
	assert.Equal(t, 1.0, s.Quality(1, 0.5))
}

func TestEvaluateGateIsConjunctive(t *testing.T) {
	t.Parallel()
	e := NewEstimator(DefaultEstimatorConfig())
	deg := math.Pi / 180

	cases := []struct {
		name   string
		size   float64
		offset survey.Point
		rot    float64
	}{
		{"translated", 60, survey.Pt(50, 0), 0},
		{"rotated", 60, survey.Point{}, 10 * deg},
		{"too small", 45, survey.Point{}, 0},
		{"too large", 75, survey.Point{}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fresh := alignedMarkers(t, e, tc.size, tc.offset, tc.rot, survey.AllGridLabels...)
			s := e.Evaluate(fresh, nil, survey.AllGridLabels)
			assert.False(t, s.Aligned)
			assert.Empty(t, s.Missing)
		})
	}
}

func TestEvaluateStaleMarkerBlocksAlignment(t *testing.T) {
	t.Parallel()
	e := NewEstimator(DefaultEstimatorConfig())
	fresh := alignedMarkers(t, e, 60, survey.Point{}, 0, survey.LabelA, survey.LabelB, survey.LabelC)
	stale := alignedMarkers(t, e, 60, survey.Point{}, 0, survey.LabelD)

	s := e.Evaluate(fresh, stale, survey.AllGridLabels)

	assert.False(t, s.Aligned)
	assert.Equal(t, 3, s.FreshCount)
	if diff := cmp.Diff([]survey.GridLabel{survey.LabelD}, s.Stale); diff != "" {
		t.Errorf("stale mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, s.Missing)
	assert.InDelta(t, 1.0, s.Scale, 1e-9)
	assert.InDelta(t, 0.875, s.Quality(1, 0.5), 1e-12)
}

func TestEvaluateLabelInOneSetOnly(t *testing.T) {
	t.Parallel()
	e := NewEstimator(DefaultEstimatorConfig())
	fresh := alignedMarkers(t, e, 60, survey.Point{}, 0, survey.LabelA, survey.LabelB, survey.LabelA)
	stale := alignedMarkers(t, e, 60, survey.Point{}, 0, survey.LabelB, survey.LabelC)

	s := e.Evaluate(fresh, stale, survey.AllGridLabels)

	assert.Equal(t, 2, s.FreshCount)
	assert.Equal(t, []survey.GridLabel{survey.LabelC}, s.Stale)
	assert.Equal(t, []survey.GridLabel{survey.LabelD}, s.Missing)
}

func TestEvaluateRotationFallbacks(t *testing.T) {
	t.Parallel()
	e := NewEstimator(DefaultEstimatorConfig())

	t.Run("pose", func(t *testing.T) {
		var fresh []l1markers.FiducialMarker
		for _, l := range survey.AllGridLabels {
			p, _ := e.Expected(l)
			fresh = append(fresh, l1markers.FiducialMarker{
				Label: l, Center: p, Extent: 60,
				Pose: &l1markers.Pose{Center: p, Width: 60, Rotation: -0.05},
			})
		}
		s := e.Evaluate(fresh, nil, survey.AllGridLabels)
		assert.InDelta(t, -0.05, s.Rotation, 1e-12)
		assert.False(t, s.Aligned)
	})

	t.Run("marker vector", func(t *testing.T) {
		// Rotate the whole layout about the frame centre by 0.2 rad.
		center := survey.Pt(640, 360)
		theta := 0.2
		var fresh []l1markers.FiducialMarker
		for _, l := range []survey.GridLabel{survey.LabelB, survey.LabelC, survey.LabelD} {
			p, _ := e.Expected(l)
			d := p.Sub(center)
			rotated := center.Add(survey.Pt(
				d.X*math.Cos(theta)-d.Y*math.Sin(theta),
				d.X*math.Sin(theta)+d.Y*math.Cos(theta),
			))
			fresh = append(fresh, l1markers.FiducialMarker{Label: l, Center: rotated, Extent: 60})
		}
		s := e.Evaluate(fresh, nil, survey.AllGridLabels)
		assert.InDelta(t, theta, s.Rotation, 1e-9)
		assert.Equal(t, []survey.GridLabel{survey.LabelA}, s.Missing)
	})
}

func TestQuality(t *testing.T) {
	t.Parallel()
	s := AlignmentStatus{
		KnownCount: 4,
		Missing:    []survey.GridLabel{survey.LabelA},
		Stale:      []survey.GridLabel{survey.LabelB},
	}
	assert.InDelta(t, 0.625, s.Quality(1, 0.5), 1e-12)

	s.Missing = survey.AllGridLabels
	assert.Equal(t, 0.0, s.Quality(1, 0.5))
	assert.Equal(t, 0.0, AlignmentStatus{}.Quality(1, 0.5))
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()
	s := AlignmentStatus{Missing: []survey.GridLabel{survey.LabelA}}
	c := s.Clone()
	c.Missing[0] = survey.LabelD
	assert.Equal(t, survey.LabelA, s.Missing[0])
}
