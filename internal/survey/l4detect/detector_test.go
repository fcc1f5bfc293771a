package l4detect

import (
	"image"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/banshee-data/surface.report/internal/survey"
	"github.com/banshee-data/surface.report/internal/survey/l3homography"
	"github.com/banshee-data/surface.report/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func twoDiscFrame(a, b survey.Point) *image.Gray {
	img := testutil.NewGrayFrame(320, 240, 30)
	testutil.DrawDisc(img, a, 15, 220)
	testutil.DrawDisc(img, b, 12, 220)
	return img
}

func TestGaussianKernel(t *testing.T) {
	t.Parallel()
	k := gaussianKernel(9)
	require.Len(t, k, 9)
	var sum float64
	for i, v := range k {
		sum += v
		assert.InDelta(t, k[len(k)-1-i], v, 1e-15, "symmetric")
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
	assert.Greater(t, k[4], k[3])

	// sigma = 0.3*((9-1)*0.5-1)+0.8 = 1.7
	sigma := 1.7
	assert.InDelta(t, math.Exp(-1/(2*sigma*sigma)), k[3]/k[4], 1e-12)
}

func TestSobelFlatFrameHasNoEdges(t *testing.T) {
	t.Parallel()
	e := sobel(planeFromGray(testutil.NewGrayFrame(40, 30, 128)), 100)
	assert.Equal(t, 0, e.edgeCount())
}

func TestFindCandidatesDiscs(t *testing.T) {
	t.Parallel()
	cfg := DefaultDetectorConfig()
	cands := FindCandidates(twoDiscFrame(survey.Pt(80, 80), survey.Pt(220, 150)), cfg)

	require.Len(t, cands, 2)
	byX := map[bool]Candidate{cands[0].Center.X < 150: cands[0], cands[1].Center.X < 150: cands[1]}
	left, right := byX[true], byX[false]

	testutil.AssertPointNear(t, survey.Pt(80, 80), left.Center, 3)
	assert.InDelta(t, 15, left.Radius, 3)
	testutil.AssertPointNear(t, survey.Pt(220, 150), right.Center, 3)
	assert.InDelta(t, 12, right.Radius, 3)
	for _, c := range cands {
		assert.GreaterOrEqual(t, c.Confidence, cfg.ConfidenceThreshold)
		assert.LessOrEqual(t, c.Confidence, 1.0)
	}
}

func TestFindCandidatesEmptyFrame(t *testing.T) {
	t.Parallel()
	assert.Empty(t, FindCandidates(testutil.NewGrayFrame(200, 150, 90), DefaultDetectorConfig()))
}

func TestFindCandidatesColourAndOffsetInput(t *testing.T) {
	t.Parallel()
	gray := twoDiscFrame(survey.Pt(80, 80), survey.Pt(220, 150))
	cfg := DefaultDetectorConfig()

	fromGray := FindCandidates(gray, cfg)
	fromRGBA := FindCandidates(testutil.ToRGBA(gray), cfg)
	assert.Equal(t, fromGray, fromRGBA)

	// A sub-image keeps reporting positions in the parent frame.
	sub := gray.SubImage(image.Rect(40, 40, 140, 140))
	cands := FindCandidates(sub, cfg)
	require.Len(t, cands, 1)
	testutil.AssertPointNear(t, survey.Pt(80, 80), cands[0].Center, 3)
}

func TestFindCandidatesDownscalesWideFrames(t *testing.T) {
	t.Parallel()
	img := testutil.NewGrayFrame(640, 480, 30)
	testutil.DrawDisc(img, survey.Pt(200, 160), 24, 220)

	cfg := DefaultDetectorConfig()
	cfg.MaxFrameWidth = 320
	cands := FindCandidates(img, cfg)

	require.Len(t, cands, 1)
	testutil.AssertPointNear(t, survey.Pt(200, 160), cands[0].Center, 5)
	assert.InDelta(t, 24, cands[0].Radius, 5)
}

func TestSuppressOverlapsKeepsStrongest(t *testing.T) {
	t.Parallel()
	cands := []Candidate{
		{Center: survey.Pt(0, 0), Confidence: 0.7},
		{Center: survey.Pt(5, 0), Confidence: 0.9},
		{Center: survey.Pt(11, 0), Confidence: 0.9, Strength: 10},
		{Center: survey.Pt(40, 0), Confidence: 0.65},
	}
	kept := suppressOverlaps(cands, 12)
	require.Len(t, kept, 2)
	assert.Equal(t, survey.Pt(11, 0), kept[0].Center, "strength breaks the confidence tie")
	assert.Equal(t, survey.Pt(40, 0), kept[1].Center)
}

func TestSuppressOverlapsSeparation(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		var cands []Candidate
		for i := 0; i < 200; i++ {
			cands = append(cands, Candidate{
				Center:     survey.Pt(rng.Float64()*200, rng.Float64()*200),
				Confidence: rng.Float64(),
			})
		}
		kept := suppressOverlaps(cands, 12)
		require.NotEmpty(t, kept)
		for i := range kept {
			for j := i + 1; j < len(kept); j++ {
				assert.GreaterOrEqual(t, kept[i].Center.Distance(kept[j].Center), 12.0)
			}
		}
	}
}

func TestDetectorTracksIdentity(t *testing.T) {
	t.Parallel()
	d := NewDetector(DefaultDetectorConfig())

	first := d.Detect(twoDiscFrame(survey.Pt(80, 80), survey.Pt(220, 150)), nil, t0)
	require.Len(t, first, 2)
	ids := map[string]bool{first[0].ID: true, first[1].ID: true}
	assert.Len(t, ids, 2)
	for _, o := range first {
		assert.Nil(t, o.SurfacePosition, "no transform yet")
		assert.Equal(t, 1, o.Hits)
	}

	second := d.Detect(twoDiscFrame(survey.Pt(84, 82), survey.Pt(216, 150)), nil, t0.Add(100*time.Millisecond))
	require.Len(t, second, 2)
	for _, o := range second {
		assert.True(t, ids[o.ID], "object %s should keep its identity", o.ID)
		assert.Equal(t, 2, o.Hits)
		assert.Equal(t, t0, o.FirstSeen)
	}

	// Moving one disc far beyond the match distance creates a new object.
	third := d.Detect(twoDiscFrame(survey.Pt(84, 82), survey.Pt(150, 200)), nil, t0.Add(200*time.Millisecond))
	require.Len(t, third, 2)
	newIDs := 0
	for _, o := range third {
		if !ids[o.ID] {
			newIDs++
		}
	}
	assert.Equal(t, 1, newIDs)
	held, created, _ := d.Stats()
	assert.Equal(t, 3, held)
	assert.Equal(t, 3, created)
}

func TestDetectorEvictionIsExplicit(t *testing.T) {
	t.Parallel()
	cfg := DefaultDetectorConfig()
	cfg.StaleAfter = time.Second
	d := NewDetector(cfg)
	frame := twoDiscFrame(survey.Pt(80, 80), survey.Pt(220, 150))
	first := d.Detect(frame, nil, t0)
	require.Len(t, first, 2)

	assert.Empty(t, d.Evict(t0.Add(time.Second)))
	assert.Len(t, d.Objects(), 2)

	// Stale objects are not matched even before eviction.
	later := d.Detect(frame, nil, t0.Add(1500*time.Millisecond))
	for _, o := range later {
		assert.NotEqual(t, first[0].ID, o.ID)
		assert.NotEqual(t, first[1].ID, o.ID)
	}
	assert.Len(t, d.Objects(), 4)

	evicted := d.Evict(t0.Add(1500 * time.Millisecond))
	assert.Len(t, evicted, 2)
	_, ok := d.Get(first[0].ID)
	assert.False(t, ok)
	held, _, evictedTotal := d.Stats()
	assert.Equal(t, 2, held)
	assert.Equal(t, 2, evictedTotal)

	d.Reset()
	assert.Empty(t, d.Objects())
}

func TestDetectorProjectsWithValidTransform(t *testing.T) {
	t.Parallel()
	d := NewDetector(DefaultDetectorConfig())
	frame := twoDiscFrame(survey.Pt(80, 80), survey.Pt(220, 150))

	halve := l3homography.CoordinateTransform{
		Matrix: [9]float64{0.5, 0, 0, 0, 0.5, 0, 0, 0, 1},
		Valid:  true,
	}
	objs := d.Detect(frame, &halve, t0)
	require.Len(t, objs, 2)
	for _, o := range objs {
		require.NotNil(t, o.SurfacePosition)
		testutil.AssertPointNear(t, o.Center.Scale(0.5), *o.SurfacePosition, 1e-9)
	}

	invalid := l3homography.CoordinateTransform{Matrix: halve.Matrix}
	objs = d.Detect(frame, &invalid, t0.Add(100*time.Millisecond))
	for _, o := range objs {
		assert.Nil(t, o.SurfacePosition)
	}
}

func TestDetectedObjectClone(t *testing.T) {
	t.Parallel()
	p := survey.Pt(1, 2)
	o := DetectedObject{ID: "cone_x", SurfacePosition: &p}
	c := o.Clone()
	c.SurfacePosition.X = 99
	assert.Equal(t, 1.0, o.SurfacePosition.X)
}

// markerSheet draws four checkered markers inset from the frame corners and
// a row of discs across the middle. It returns the frame, the marker
// outlines and the disc centres.
func markerSheet(w, h int, markerSize float64) (*image.Gray, []Region, []survey.Point) {
	img := testutil.NewGrayFrame(w, h, 30)
	inset := markerSize
	centres := []survey.Point{
		{X: inset, Y: inset},
		{X: float64(w) - inset, Y: inset},
		{X: float64(w) - inset, Y: float64(h) - inset},
		{X: inset, Y: float64(h) - inset},
	}
	var regions []Region
	for _, c := range centres {
		testutil.DrawChecker(img, c, markerSize, 4)
		regions = append(regions, Region(testutil.SquareCorners(c, markerSize, 0)))
	}
	var discs []survey.Point
	for i := 0; i < 6; i++ {
		p := survey.Pt(float64(w)/4+float64(i)*float64(w)/10, float64(h)/2)
		testutil.DrawDisc(img, p, 12, 220)
		discs = append(discs, p)
	}
	return img, regions, discs
}

func assertFindsDiscs(t *testing.T, discs []survey.Point, centres []survey.Point) {
	t.Helper()
	require.Len(t, centres, len(discs))
	for _, want := range discs {
		nearest := math.Inf(1)
		for _, c := range centres {
			nearest = math.Min(nearest, c.Distance(want))
		}
		assert.LessOrEqual(t, nearest, 3.0, "disc at %v", want)
	}
}

func TestFindCandidatesIgnoresMarkerRegions(t *testing.T) {
	t.Parallel()
	img, regions, discs := markerSheet(640, 360, 60)
	cfg := DefaultDetectorConfig()

	bare := FindCandidates(img, cfg)
	assert.Greater(t, len(bare), len(discs), "checkered markers look like circles to the scorer")

	cands := FindCandidates(img, cfg, regions...)
	var centres []survey.Point
	for _, c := range cands {
		centres = append(centres, c.Center)
		for _, r := range regions {
			assert.Greater(t, survey.PolygonDistance(c.Center, r), c.Radius, "candidate %v touches a marker", c.Center)
		}
	}
	assertFindsDiscs(t, discs, centres)
}

func TestDetectSkipsMarkers(t *testing.T) {
	t.Parallel()
	img, regions, discs := markerSheet(640, 360, 60)
	d := NewDetector(DefaultDetectorConfig())

	objs := d.Detect(img, nil, t0, regions...)
	var centres []survey.Point
	for _, o := range objs {
		centres = append(centres, o.Center)
	}
	assertFindsDiscs(t, discs, centres)
	held, created, _ := d.Stats()
	assert.Equal(t, len(discs), held)
	assert.Equal(t, len(discs), created)
}

func TestFindCandidatesSameForAnyWorkerCount(t *testing.T) {
	t.Parallel()
	img, regions, _ := markerSheet(640, 360, 60)
	cfg := DefaultDetectorConfig()

	cfg.Workers = 1
	serial := FindCandidates(img, cfg, regions...)
	for _, n := range []int{2, 3, 7} {
		cfg.Workers = n
		assert.Equal(t, serial, FindCandidates(img, cfg, regions...), "workers=%d", n)
	}
}

func TestFindCandidatesIgnoresDegenerateRegions(t *testing.T) {
	t.Parallel()
	frame := twoDiscFrame(survey.Pt(80, 80), survey.Pt(220, 150))
	cfg := DefaultDetectorConfig()
	want := FindCandidates(frame, cfg)

	got := FindCandidates(frame, cfg,
		Region{survey.Pt(80, 80), survey.Pt(90, 90)},
		Region{survey.Pt(math.NaN(), 0), survey.Pt(1, 1), survey.Pt(2, 0)},
	)
	assert.Equal(t, want, got)
}

func BenchmarkDetect720p(b *testing.B) {
	img, regions, _ := markerSheet(1280, 720, 60)
	d := NewDetector(DefaultDetectorConfig())
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Detect(img, nil, t0.Add(time.Duration(i)*100*time.Millisecond), regions...)
	}
}

func BenchmarkFindCandidates720pNoRegions(b *testing.B) {
	img, _, _ := markerSheet(1280, 720, 60)
	cfg := DefaultDetectorConfig()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		FindCandidates(img, cfg)
	}
}
