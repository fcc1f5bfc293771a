package l4detect

import (
	"image"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/banshee-data/surface.report/internal/survey"
)

// Candidate is one circle accepted by the scorer, before tracking.
type Candidate struct {
	Center     survey.Point
	Radius     float64
	Confidence float64 // fraction of sampled rim points on an edge pixel
	Strength   float64 // mean gradient magnitude at the sampled rim points
}

// Region is a closed polygon in frame pixels where no cone is searched for,
// typically a fiducial marker outline. A circle is rejected when its rim
// would come within the edge spread of the polygon.
type Region []survey.Point

// ring holds the integer sample offsets for one radius.
type ring struct {
	radius int
	dx, dy []int
	// dup counts samples that land on a pixel already sampled, so
	// hits can exceed the distinct edge pixels under the ring by dup.
	dup int
	// inner is the half-width of the largest axis-aligned box that no
	// sample falls in.
	inner int
}

func buildRings(cfg DetectorConfig) []ring {
	var rings []ring
	for r := cfg.MinRadius; r <= cfg.MaxRadius; r += cfg.RadiusStep {
		rg := ring{
			radius: r,
			dx:     make([]int, cfg.Samples),
			dy:     make([]int, cfg.Samples),
			inner:  int(math.Floor(float64(r)/math.Sqrt2)) - 1,
		}
		seen := make(map[[2]int]bool, cfg.Samples)
		for i := 0; i < cfg.Samples; i++ {
			a := 2 * math.Pi * float64(i) / float64(cfg.Samples)
			rg.dx[i] = int(math.Round(float64(r) * math.Cos(a)))
			rg.dy[i] = int(math.Round(float64(r) * math.Sin(a)))
			k := [2]int{rg.dx[i], rg.dy[i]}
			if seen[k] {
				rg.dup++
			}
			seen[k] = true
		}
		rings = append(rings, rg)
	}
	return rings
}

// FindCandidates runs the stateless part of detection on a frame and
// returns the suppressed candidate list in frame coordinates, strongest
// first. Circles touching any of the exclude regions are not reported.
func FindCandidates(frame image.Image, cfg DetectorConfig, exclude ...Region) []Candidate {
	cfg = cfg.sanitised()
	gray := toGray(frame)
	work, factor := downscale(gray, cfg.MaxFrameWidth)
	origin := frame.Bounds().Min

	edges := sobel(blur(planeFromGray(work), cfg.BlurKernelSize), cfg.EdgeThreshold)
	sc := newScorer(edges, cfg, newExclusion(exclude, origin, factor))
	raw := sc.run()
	kept := suppressOverlaps(raw, cfg.OverlapRadius/factor)

	for i := range kept {
		kept[i].Center = survey.Pt(
			kept[i].Center.X*factor+float64(origin.X),
			kept[i].Center.Y*factor+float64(origin.Y),
		)
		kept[i].Radius *= factor
	}
	survey.Tracef("l4detect: %d edge px, %d raw candidates, %d kept, %d regions excluded",
		edges.edgeCount(), len(raw), len(kept), len(exclude))
	return kept
}

// exclusion holds the excluded regions in work-image coordinates with their
// bounding boxes.
type exclusion struct {
	polys [][]survey.Point
	boxes []image.Rectangle
}

func newExclusion(regions []Region, origin image.Point, factor float64) *exclusion {
	ex := &exclusion{}
	for _, r := range regions {
		if len(r) < 3 {
			continue
		}
		poly := make([]survey.Point, len(r))
		box := image.Rectangle{Min: image.Pt(math.MaxInt32, math.MaxInt32), Max: image.Pt(math.MinInt32, math.MinInt32)}
		finite := true
		for i, p := range r {
			if !p.IsFinite() {
				finite = false
				break
			}
			q := survey.Pt((p.X-float64(origin.X))/factor, (p.Y-float64(origin.Y))/factor)
			poly[i] = q
			box.Min.X = min(box.Min.X, int(math.Floor(q.X)))
			box.Min.Y = min(box.Min.Y, int(math.Floor(q.Y)))
			box.Max.X = max(box.Max.X, int(math.Ceil(q.X)))
			box.Max.Y = max(box.Max.Y, int(math.Ceil(q.Y)))
		}
		if !finite {
			continue
		}
		ex.polys = append(ex.polys, poly)
		ex.boxes = append(ex.boxes, box)
	}
	return ex
}

// distance returns the distance from (x, y) to the nearest region, or +Inf
// when no region is within reach.
func (ex *exclusion) distance(x, y, reach int) float64 {
	best := math.Inf(1)
	p := survey.Pt(float64(x), float64(y))
	for i, b := range ex.boxes {
		if x < b.Min.X-reach || x > b.Max.X+reach || y < b.Min.Y-reach || y > b.Max.Y+reach {
			continue
		}
		best = math.Min(best, survey.PolygonDistance(p, ex.polys[i]))
	}
	return best
}

// scorer evaluates grid centres against the ring set.
type scorer struct {
	e       *edgeMap
	cfg     DetectorConfig
	rings   []ring
	ex      *exclusion
	need    int
	maxMiss int
	// margin is how far edges spread from a region boundary after blur
	// and Sobel, in work pixels.
	margin float64
	// centreBound and centreInner gate a centre before any ring is tried.
	centreBound int
	centreInner int
}

func newScorer(e *edgeMap, cfg DetectorConfig, ex *exclusion) *scorer {
	s := &scorer{
		e:      e,
		cfg:    cfg,
		rings:  buildRings(cfg),
		ex:     ex,
		need:   int(math.Ceil(cfg.ConfidenceThreshold * float64(cfg.Samples))),
		margin: float64(cfg.BlurKernelSize/2 + 2),
	}
	s.maxMiss = cfg.Samples - s.need
	maxDup := 0
	s.centreInner = math.MaxInt
	for _, rg := range s.rings {
		maxDup = max(maxDup, rg.dup)
		s.centreInner = min(s.centreInner, rg.inner)
	}
	s.centreBound = s.need - maxDup
	return s
}

// annulus counts edge pixels in the box of half-width outer around (cx, cy)
// minus the box of half-width inner.
func (s *scorer) annulus(cx, cy, outer, inner int) int {
	n := s.e.countBox(cx-outer, cy-outer, cx+outer+1, cy+outer+1)
	if inner >= 0 {
		n -= s.e.countBox(cx-inner, cy-inner, cx+inner+1, cy+inner+1)
	}
	return n
}

// run scores every grid row, splitting rows across workers. Output is in
// row-major order regardless of the worker count.
func (s *scorer) run() []Candidate {
	step := s.cfg.GridStep
	rows := (s.e.h + step - 1) / step
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = max(1, min(workers, rows))

	parts := make([][]Candidate, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo, hi := rows*w/workers, rows*(w+1)/workers
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			parts[w] = s.scoreRows(lo*step, min(hi*step, s.e.h))
		}(w, lo, hi)
	}
	wg.Wait()

	var out []Candidate
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// scoreRows keeps each centre's best radius in rows [y0, y1) when it clears
// the confidence threshold.
func (s *scorer) scoreRows(y0, y1 int) []Candidate {
	e, cfg := s.e, s.cfg
	reach := cfg.MaxRadius + int(math.Ceil(s.margin))

	var out []Candidate
	for cy := y0; cy < y1; cy += cfg.GridStep {
		for cx := 0; cx < e.w; cx += cfg.GridStep {
			if s.annulus(cx, cy, cfg.MaxRadius, s.centreInner) < s.centreBound {
				continue
			}
			clearance := s.ex.distance(cx, cy, reach)
			if clearance <= s.margin {
				continue
			}
			best := Candidate{Confidence: -1}
			for _, rg := range s.rings {
				if float64(rg.radius)+s.margin > clearance {
					break
				}
				if s.annulus(cx, cy, rg.radius, rg.inner) < s.need-rg.dup {
					continue
				}
				hits, misses := 0, 0
				var strength float64
				for i := range rg.dx {
					x, y := cx+rg.dx[i], cy+rg.dy[i]
					if x < 0 || y < 0 || x >= e.w || y >= e.h || !e.mask[y*e.w+x] {
						misses++
						if misses > s.maxMiss {
							break
						}
						continue
					}
					hits++
					strength += e.mag[y*e.w+x]
				}
				if misses > s.maxMiss {
					continue
				}
				conf := float64(hits) / float64(cfg.Samples)
				meanStrength := strength / float64(cfg.Samples)
				if conf > best.Confidence || (conf == best.Confidence && meanStrength > best.Strength) {
					best = Candidate{
						Center:     survey.Pt(float64(cx), float64(cy)),
						Radius:     float64(rg.radius),
						Confidence: conf,
						Strength:   meanStrength,
					}
				}
			}
			if best.Confidence >= cfg.ConfidenceThreshold {
				out = append(out, best)
			}
		}
	}
	return out
}

// suppressOverlaps keeps the highest-confidence candidate within each
// overlap radius. No two returned centres are closer than radius.
func suppressOverlaps(cands []Candidate, radius float64) []Candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Strength > b.Strength
	})
	var kept []Candidate
	for _, c := range cands {
		overlaps := false
		for _, k := range kept {
			if c.Center.Distance(k.Center) < radius {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}
	return kept
}
