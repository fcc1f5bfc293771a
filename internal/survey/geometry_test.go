package survey

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPointOps(t *testing.T) {
	t.Parallel()
	a := Pt(1, 2)
	b := Pt(4, 6)
	assert.InDelta(t, 5.0, a.Distance(b), 1e-12)
	assert.Equal(t, Pt(5, 8), a.Add(b))
	assert.Equal(t, Pt(3, 4), b.Sub(a))
	assert.Equal(t, Pt(2, 4), a.Scale(2))
	assert.InDelta(t, 5.0, b.Sub(a).Norm(), 1e-12)
	assert.InDelta(t, math.Pi/2, Pt(0, 3).Angle(), 1e-12)
}

func TestCentroid(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Point{}, Centroid(nil))
	c := Centroid([]Point{Pt(0, 0), Pt(2, 0), Pt(2, 2), Pt(0, 2)})
	assert.InDelta(t, 1.0, c.X, 1e-12)
	assert.InDelta(t, 1.0, c.Y, 1e-12)
}

func TestNormalizeAngle(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, math.Pi, NormalizeAngle(-math.Pi), 1e-12)
	assert.InDelta(t, -math.Pi/2, NormalizeAngle(3*math.Pi/2), 1e-12)
	assert.InDelta(t, 0.1, NormalizeAngle(0.1+4*math.Pi), 1e-9)
}

func TestIsFinite(t *testing.T) {
	t.Parallel()
	assert.True(t, Pt(1, 2).IsFinite())
	assert.False(t, Pt(math.NaN(), 0).IsFinite())
	assert.False(t, Pt(0, math.Inf(1)).IsFinite())
}

func TestTriangleArea(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 2.0, TriangleArea(Pt(0, 0), Pt(2, 0), Pt(0, 2)), 1e-12)
	assert.InDelta(t, 0.0, TriangleArea(Pt(0, 0), Pt(1, 1), Pt(2, 2)), 1e-12)
}

func TestPolygonDistance(t *testing.T) {
	t.Parallel()
	square := []Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}}

	tests := []struct {
		name string
		p    Point
		want float64
	}{
		{"inside", Pt(5, 5), 0},
		{"right of edge", Pt(13, 5), 3},
		{"above edge", Pt(5, -2), 2},
		{"past corner", Pt(13, 14), 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, PolygonDistance(tt.p, square), 1e-12)
		})
	}

	assert.True(t, InPolygon(Pt(1, 9), square))
	assert.False(t, InPolygon(Pt(-1, 5), square))
	assert.False(t, InPolygon(Pt(0.5, 0.5), square[:2]), "degenerate polygons contain nothing")
	assert.True(t, math.IsInf(PolygonDistance(Pt(0, 0), nil), 1))

	// Rotated diamond.
	diamond := []Point{{0, -5}, {5, 0}, {0, 5}, {-5, 0}}
	assert.True(t, InPolygon(Pt(0, 0), diamond))
	assert.False(t, InPolygon(Pt(4, 4), diamond))
	assert.InDelta(t, math.Sqrt2*1.5, PolygonDistance(Pt(4, 4), diamond), 1e-12)
}
