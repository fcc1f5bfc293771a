package l3homography

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/surface.report/internal/config"
	"github.com/banshee-data/surface.report/internal/survey"
)

// Correspondences is the number of point pairs a solve needs.
const Correspondences = 4

// minRankRatio is the smallest ratio of the eighth to the first singular
// value accepted as a full-rank DLT system.
const minRankRatio = 1e-10

// CoordinateTransform maps camera pixels to surface millimetres. The zero
// value is invalid.
type CoordinateTransform struct {
	Matrix          [9]float64 `json:"matrix"` // row-major 3x3
	Valid           bool       `json:"valid"`
	Stale           bool       `json:"stale"` // retained from an earlier frame
	SurfaceWidthMM  float64    `json:"surface_width_mm"`
	SurfaceHeightMM float64    `json:"surface_height_mm"`
	ComputedAt      time.Time  `json:"computed_at"`
	Epsilon         float64    `json:"-"` // |w| below this projects to nothing
}

// Transform applies the matrix to p. It reports false for an invalid
// transform or when the homogeneous divisor is numerically zero.
func (t CoordinateTransform) Transform(p survey.Point) (survey.Point, bool) {
	if !t.Valid {
		return survey.Point{}, false
	}
	h := t.Matrix
	u := h[0]*p.X + h[1]*p.Y + h[2]
	v := h[3]*p.X + h[4]*p.Y + h[5]
	w := h[6]*p.X + h[7]*p.Y + h[8]
	if math.Abs(w) < t.epsilon() {
		return survey.Point{}, false
	}
	out := survey.Pt(u/w, v/w)
	if !out.IsFinite() {
		return survey.Point{}, false
	}
	return out, true
}

// TransformPtr is Transform returning nil when no projection exists.
func (t CoordinateTransform) TransformPtr(p survey.Point) *survey.Point {
	out, ok := t.Transform(p)
	if !ok {
		return nil
	}
	return &out
}

// Inverse returns the surface-to-camera transform. The result is invalid if
// t is invalid or singular.
func (t CoordinateTransform) Inverse() CoordinateTransform {
	out := CoordinateTransform{
		SurfaceWidthMM:  t.SurfaceWidthMM,
		SurfaceHeightMM: t.SurfaceHeightMM,
		ComputedAt:      t.ComputedAt,
		Stale:           t.Stale,
		Epsilon:         t.Epsilon,
	}
	if !t.Valid {
		return out
	}
	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(3, 3, t.Matrix[:])); err != nil {
		return out
	}
	m, ok := normalise(&inv)
	if !ok {
		return out
	}
	out.Matrix = m
	out.Valid = true
	return out
}

func (t CoordinateTransform) epsilon() float64 {
	if t.Epsilon > 0 {
		return t.Epsilon
	}
	return 1e-9
}

// EstimatorConfig describes the destination rectangle and numeric limits.
type EstimatorConfig struct {
	SurfaceWidthMM  float64
	SurfaceHeightMM float64
	MarkerMarginMM  float64 // marker centres are inset this far from each edge
	DivisorEpsilon  float64
}

// DefaultEstimatorConfig returns the default surface geometry.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfigFromTuning(config.EmptyTuningConfig())
}

// EstimatorConfigFromTuning builds an EstimatorConfig from a loaded TuningConfig.
func EstimatorConfigFromTuning(cfg *config.TuningConfig) EstimatorConfig {
	return EstimatorConfig{
		SurfaceWidthMM:  cfg.GetSurfaceWidthMM(),
		SurfaceHeightMM: cfg.GetSurfaceHeightMM(),
		MarkerMarginMM:  cfg.GetMarkerMarginMM(),
		DivisorEpsilon:  cfg.GetDivisorEpsilon(),
	}
}

// Estimator solves transforms onto a fixed destination rectangle.
type Estimator struct {
	cfg EstimatorConfig
	dst [Correspondences]survey.Point
}

// NewEstimator creates an Estimator for the configured surface.
func NewEstimator(cfg EstimatorConfig) *Estimator {
	m := cfg.MarkerMarginMM
	w, h := cfg.SurfaceWidthMM, cfg.SurfaceHeightMM
	return &Estimator{
		cfg: cfg,
		dst: [Correspondences]survey.Point{
			{X: m, Y: m},
			{X: w - m, Y: m},
			{X: w - m, Y: h - m},
			{X: m, Y: h - m},
		},
	}
}

// Destinations returns the surface positions of the marker centres in
// correspondence order.
func (e *Estimator) Destinations() []survey.Point {
	return append([]survey.Point(nil), e.dst[:]...)
}

// Estimate solves the transform from exactly four camera-space marker
// centres given in correspondence order (A, B, C, D). Any other count, or a
// degenerate configuration, yields an invalid transform.
func (e *Estimator) Estimate(src []survey.Point, now time.Time) CoordinateTransform {
	out := CoordinateTransform{
		SurfaceWidthMM:  e.cfg.SurfaceWidthMM,
		SurfaceHeightMM: e.cfg.SurfaceHeightMM,
		ComputedAt:      now,
		Epsilon:         e.cfg.DivisorEpsilon,
	}
	if len(src) != Correspondences {
		survey.Tracef("l3homography: need %d correspondences, got %d", Correspondences, len(src))
		return out
	}
	for _, p := range src {
		if !p.IsFinite() {
			return out
		}
	}
	if collinear(src) {
		survey.Diagf("l3homography: degenerate correspondences %v", src)
		return out
	}

	m, ok := solveDLT(src, e.dst[:])
	if !ok {
		survey.Diagf("l3homography: DLT solve failed for %v", src)
		return out
	}
	out.Matrix = m
	out.Valid = true

	// A correct solve reproduces its own correspondences.
	for i, p := range src {
		got, ok := out.Transform(p)
		if !ok || got.Distance(e.dst[i]) > 1e-6*math.Max(1, e.dst[i].Norm()) {
			survey.Diagf("l3homography: reprojection check failed at %d", i)
			return CoordinateTransform{
				SurfaceWidthMM:  out.SurfaceWidthMM,
				SurfaceHeightMM: out.SurfaceHeightMM,
				ComputedAt:      now,
				Epsilon:         out.Epsilon,
			}
		}
	}
	return out
}

// collinear reports whether any three of the points are (nearly) collinear,
// relative to the spread of the point set.
func collinear(pts []survey.Point) bool {
	c := survey.Centroid(pts)
	var spread float64
	for _, p := range pts {
		spread = math.Max(spread, p.Distance(c))
	}
	if spread == 0 {
		return true
	}
	tol := 1e-6 * spread * spread
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			for k := j + 1; k < len(pts); k++ {
				if survey.TriangleArea(pts[i], pts[j], pts[k]) < tol {
					return true
				}
			}
		}
	}
	return false
}

// solveDLT solves dst ~ H * src with Hartley normalisation. The null vector
// of the 8x9 system is the right singular vector of the smallest singular
// value.
func solveDLT(src, dst []survey.Point) ([9]float64, bool) {
	tSrc, nSrc := hartley(src)
	tDst, nDst := hartley(dst)

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range nSrc {
		x, y := nSrc[i].X, nSrc[i].Y
		u, v := nDst[i].X, nDst[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return [9]float64{}, false
	}
	values := svd.Values(nil)
	if len(values) < 8 || values[0] == 0 || values[7]/values[0] < minRankRatio {
		return [9]float64{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	hn := mat.NewDense(3, 3, mat.Col(nil, 8, &v))

	// H = Tdst^-1 * Hn * Tsrc
	var tDstInv mat.Dense
	if err := tDstInv.Inverse(tDst); err != nil {
		return [9]float64{}, false
	}
	var h mat.Dense
	h.Product(&tDstInv, hn, tSrc)
	return normalise(&h)
}

// hartley returns the similarity that moves the points' centroid to the
// origin and scales their mean distance from it to sqrt(2), plus the
// transformed points.
func hartley(pts []survey.Point) (*mat.Dense, []survey.Point) {
	c := survey.Centroid(pts)
	var mean float64
	for _, p := range pts {
		mean += p.Distance(c)
	}
	mean /= float64(len(pts))
	s := 1.0
	if mean > 0 {
		s = math.Sqrt2 / mean
	}
	out := make([]survey.Point, len(pts))
	for i, p := range pts {
		out[i] = p.Sub(c).Scale(s)
	}
	return mat.NewDense(3, 3, []float64{
		s, 0, -s * c.X,
		0, s, -s * c.Y,
		0, 0, 1,
	}), out
}

// normalise scales h so that h[2][2] is 1 where possible, or to unit
// Frobenius norm otherwise, and rejects non-finite results.
func normalise(h *mat.Dense) ([9]float64, bool) {
	var out [9]float64
	scale := h.At(2, 2)
	if math.Abs(scale) < 1e-12 {
		scale = mat.Norm(h, 2)
	}
	if scale == 0 || math.IsNaN(scale) {
		return out, false
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			v := h.At(r, c) / scale
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return out, false
			}
			out[r*3+c] = v
		}
	}
	return out, true
}
