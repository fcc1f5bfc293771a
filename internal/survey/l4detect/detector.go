package l4detect

import (
	"fmt"
	"image"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/surface.report/internal/survey"
	"github.com/banshee-data/surface.report/internal/survey/l3homography"
)

// DetectedObject is a tracked cone. SurfacePosition is nil until a valid
// transform was available on the frame that last updated the object.
type DetectedObject struct {
	ID              string        `json:"id"`
	Center          survey.Point  `json:"center"` // camera pixels
	SurfacePosition *survey.Point `json:"surface_position,omitempty"`
	Radius          float64       `json:"radius"` // pixels
	Confidence      float64       `json:"confidence"`
	FirstSeen       time.Time     `json:"first_seen"`
	LastSeen        time.Time     `json:"last_seen"`
	Hits            int           `json:"hits"`
}

// Clone returns a deep copy of the object.
func (o DetectedObject) Clone() DetectedObject {
	out := o
	if o.SurfacePosition != nil {
		p := *o.SurfacePosition
		out.SurfacePosition = &p
	}
	return out
}

// Detector finds cones in frames and keeps an arena of tracked objects
// keyed by ID. Each pipeline owns its own Detector.
type Detector struct {
	cfg     DetectorConfig
	objects map[string]*DetectedObject

	created int
	evicted int

	mu sync.RWMutex
}

// NewDetector creates a Detector with an empty arena.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{
		cfg:     cfg.sanitised(),
		objects: make(map[string]*DetectedObject),
	}
}

// Config returns the detector's effective configuration.
func (d *Detector) Config() DetectorConfig {
	return d.cfg
}

// Detect finds cones in frame, matches them against tracked objects and
// returns copies of the objects seen in this frame, strongest first. When
// transform is non-nil and valid each centre is also projected onto the
// surface. Circles touching an exclude region, such as a fiducial marker,
// are ignored. Objects past StaleAfter are never matched; call Evict to
// remove them.
func (d *Detector) Detect(frame image.Image, transform *l3homography.CoordinateTransform, now time.Time, exclude ...Region) []DetectedObject {
	cands := FindCandidates(frame, d.cfg, exclude...)

	d.mu.Lock()
	defer d.mu.Unlock()

	matched := make(map[string]bool, len(cands))
	out := make([]DetectedObject, 0, len(cands))
	for _, c := range cands {
		obj := d.nearestLocked(c.Center, matched, now)
		if obj == nil {
			obj = &DetectedObject{
				ID:        fmt.Sprintf("cone_%s", uuid.NewString()),
				FirstSeen: now,
			}
			d.objects[obj.ID] = obj
			d.created++
		}
		matched[obj.ID] = true

		obj.Center = c.Center
		obj.Radius = c.Radius
		obj.Confidence = math.Max(0, math.Min(1, c.Confidence))
		obj.LastSeen = now
		obj.Hits++
		obj.SurfacePosition = nil
		if transform != nil && transform.Valid {
			obj.SurfacePosition = transform.TransformPtr(c.Center)
		}
		out = append(out, obj.Clone())
	}
	return out
}

// nearestLocked returns the closest live, not yet matched object within
// MatchDistance of p.
func (d *Detector) nearestLocked(p survey.Point, matched map[string]bool, now time.Time) *DetectedObject {
	var best *DetectedObject
	bestDist := d.cfg.MatchDistance
	for id, obj := range d.objects {
		if matched[id] || d.isStale(obj, now) {
			continue
		}
		dist := obj.Center.Distance(p)
		if dist > bestDist {
			continue
		}
		// Equal distances resolve to the older object, then the lower ID.
		if best == nil || dist < bestDist || olderThan(obj, best) {
			best = obj
			bestDist = dist
		}
	}
	return best
}

func olderThan(a, b *DetectedObject) bool {
	if !a.FirstSeen.Equal(b.FirstSeen) {
		return a.FirstSeen.Before(b.FirstSeen)
	}
	return a.ID < b.ID
}

func (d *Detector) isStale(obj *DetectedObject, now time.Time) bool {
	return now.Sub(obj.LastSeen) > d.cfg.StaleAfter
}

// Evict removes every object not seen within StaleAfter of now and returns
// the removed IDs in sorted order.
func (d *Detector) Evict(now time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for id, obj := range d.objects {
		if d.isStale(obj, now) {
			delete(d.objects, id)
			ids = append(ids, id)
		}
	}
	d.evicted += len(ids)
	sort.Strings(ids)
	return ids
}

// Objects returns copies of every tracked object, stale ones included,
// ordered by first sighting.
func (d *Detector) Objects() []DetectedObject {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]DetectedObject, 0, len(d.objects))
	for _, obj := range d.objects {
		out = append(out, obj.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a copy of the object with the given ID.
func (d *Detector) Get(id string) (DetectedObject, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	obj, ok := d.objects[id]
	if !ok {
		return DetectedObject{}, false
	}
	return obj.Clone(), true
}

// Stats returns the number of objects held, created and evicted.
func (d *Detector) Stats() (held, created, evicted int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.objects), d.created, d.evicted
}

// Reset drops every tracked object.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects = make(map[string]*DetectedObject)
	d.created, d.evicted = 0, 0
}
