package l3homography

import (
	"time"

	"github.com/banshee-data/surface.report/internal/survey"
	"github.com/banshee-data/surface.report/internal/survey/l1markers"
)

// Tracker recomputes the transform on every frame where all four grid
// markers are fresh and otherwise keeps serving the last valid one, flagged
// stale.
type Tracker struct {
	est      *Estimator
	current  CoordinateTransform
	solves   int
	failures int
}

// NewTracker creates a Tracker with no transform.
func NewTracker(est *Estimator) *Tracker {
	return &Tracker{est: est}
}

// Update feeds the current fresh markers and returns the transform to use
// for this frame.
func (t *Tracker) Update(fresh []l1markers.FiducialMarker, now time.Time) CoordinateTransform {
	src, ok := correspondences(fresh)
	if !ok {
		if t.current.Valid {
			t.current.Stale = true
		}
		return t.current
	}

	next := t.est.Estimate(src, now)
	if !next.Valid {
		t.failures++
		if t.current.Valid {
			t.current.Stale = true
		}
		return t.current
	}
	t.solves++
	t.current = next
	return t.current
}

// Current returns the transform held by the tracker.
func (t *Tracker) Current() CoordinateTransform {
	return t.current
}

// Solves returns the number of successful four-point solves.
func (t *Tracker) Solves() int { return t.solves }

// Failures returns the number of four-marker frames whose solve was rejected.
func (t *Tracker) Failures() int { return t.failures }

// Reset drops the held transform.
func (t *Tracker) Reset() {
	t.current = CoordinateTransform{}
	t.solves, t.failures = 0, 0
}

// correspondences returns the marker centres in correspondence order when
// every grid label is present exactly once.
func correspondences(fresh []l1markers.FiducialMarker) ([]survey.Point, bool) {
	if len(fresh) != Correspondences {
		return nil, false
	}
	src := make([]survey.Point, Correspondences)
	seen := make([]bool, Correspondences)
	for _, m := range fresh {
		i := m.Label.Index()
		if i < 0 || i >= Correspondences || seen[i] {
			return nil, false
		}
		seen[i] = true
		src[i] = m.Center
	}
	return src, true
}
