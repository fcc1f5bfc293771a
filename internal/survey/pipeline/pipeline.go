package pipeline

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/surface.report/internal/survey"
	"github.com/banshee-data/surface.report/internal/survey/l1markers"
	"github.com/banshee-data/surface.report/internal/survey/l2align"
	"github.com/banshee-data/surface.report/internal/survey/l3homography"
	"github.com/banshee-data/surface.report/internal/survey/l4detect"
	"github.com/banshee-data/surface.report/internal/survey/l5capture"
	"github.com/banshee-data/surface.report/internal/survey/l6consensus"
	"github.com/banshee-data/surface.report/internal/timeutil"
)

// MarkerRecord is one fiducial decoder output for a frame.
type MarkerRecord struct {
	Payload   string                 `json:"payload"`
	Detection l1markers.RawDetection `json:"detection"`
}

// Frame is one unit of work: a raster frame plus the decoder's marker
// records for it. Image may be nil, in which case cone detection is
// skipped.
type Frame struct {
	Image     image.Image
	Markers   []MarkerRecord
	Timestamp time.Time
}

// FrameResult reports everything the pipeline derived from one frame.
type FrameResult struct {
	Timestamp time.Time `json:"timestamp"`
	// Dropped is set when the frame was throttled or arrived while another
	// frame was in flight; only its marker records were ingested.
	Dropped bool `json:"dropped"`

	Fresh          []survey.GridLabel               `json:"fresh"`
	EvictedMarkers []survey.GridLabel               `json:"evicted_markers,omitempty"`
	Alignment      l2align.AlignmentStatus          `json:"alignment"`
	Transform      l3homography.CoordinateTransform `json:"transform"`
	Objects        []l4detect.DetectedObject        `json:"objects,omitempty"`
	EvictedObjects []string                         `json:"evicted_objects,omitempty"`
	Decision       l5capture.Decision               `json:"decision"`
	Captured       bool                             `json:"captured"`
	State          l5capture.State                  `json:"state"`
}

// Stats counts frames by outcome.
type Stats struct {
	Processed uint64 `json:"processed"`
	Throttled uint64 `json:"throttled"`
	Busy      uint64 `json:"busy"`
}

// Pipeline owns one instance of every layer. Create one per measurement
// run; nothing is shared between pipelines.
type Pipeline struct {
	cfg Config

	registry   *l1markers.Registry
	alignment  *l2align.Estimator
	transforms *l3homography.Tracker
	detector   *l4detect.Detector
	controller *l5capture.Controller
	consensus  *l6consensus.Processor

	minFrameInterval  time.Duration
	lastProcessedTime time.Time
	lastObs           *l5capture.Observation

	frameMu   sync.Mutex // held while a frame is in flight
	ingestMu  sync.Mutex // guards the registry for dropped frames
	processed atomic.Uint64
	throttled atomic.Uint64
	busy      atomic.Uint64
}

// New creates a Pipeline from cfg.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:              cfg,
		registry:         l1markers.NewRegistry(cfg.Registry),
		alignment:        l2align.NewEstimator(cfg.Alignment),
		transforms:       l3homography.NewTracker(l3homography.NewEstimator(cfg.Homography)),
		detector:         l4detect.NewDetector(cfg.Detector),
		controller:       l5capture.NewController(cfg.Capture),
		consensus:        l6consensus.NewProcessor(cfg.Consensus),
		minFrameInterval: timeutil.FrameInterval(cfg.MaxFrameRate),
	}
}

// StartSession begins a new capture session, discarding any current one.
func (p *Pipeline) StartSession(now time.Time) l5capture.ScanSession {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()
	return p.controller.Start(now)
}

// AbandonSession drops the current session.
func (p *Pipeline) AbandonSession() {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()
	p.controller.Abandon()
}

// Session returns a copy of the current session.
func (p *Pipeline) Session() (l5capture.ScanSession, bool) {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()
	return p.controller.Session()
}

// Stats returns the frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Throttled: p.throttled.Load(),
		Busy:      p.busy.Load(),
	}
}

// ProcessFrame runs one frame through every layer. It never blocks on
// another frame: if one is already in flight this frame is dropped.
func (p *Pipeline) ProcessFrame(f Frame) FrameResult {
	if !p.frameMu.TryLock() {
		p.ingest(f)
		p.busy.Add(1)
		return FrameResult{Timestamp: f.Timestamp, Dropped: true}
	}
	defer p.frameMu.Unlock()

	now := f.Timestamp
	p.ingest(f)

	if p.minFrameInterval > 0 && !p.lastProcessedTime.IsZero() && now.Sub(p.lastProcessedTime) < p.minFrameInterval {
		count := p.throttled.Add(1)
		if count%50 == 0 {
			survey.Diagf("pipeline: throttled %d frames (max %.0f fps)", count, p.cfg.MaxFrameRate)
		}
		return FrameResult{Timestamp: now, Dropped: true, State: p.controller.State()}
	}
	p.lastProcessedTime = now
	p.processed.Add(1)

	p.ingestMu.Lock()
	evicted := p.registry.Prune(now)
	snap := p.registry.Snapshot(now)
	p.ingestMu.Unlock()

	res := FrameResult{
		Timestamp:      now,
		Fresh:          snap.FreshLabels(),
		EvictedMarkers: evicted,
	}
	res.Alignment = p.alignment.Evaluate(snap.Fresh, snap.Stale, survey.AllGridLabels)
	res.Transform = p.transforms.Update(snap.Fresh, now)

	if f.Image != nil {
		transform := res.Transform
		res.Objects = p.detector.Detect(f.Image, &transform, now, markerRegions(snap.Fresh)...)
	}
	res.EvictedObjects = p.detector.Evict(now)

	obs := l5capture.Observation{
		Alignment: res.Alignment,
		Markers:   snap.Fresh,
		Objects:   res.Objects,
		Transform: res.Transform,
	}
	p.lastObs = &obs
	res.Decision = p.controller.Evaluate(obs, now)
	if p.cfg.AutoCapture && res.Decision.ShouldCapture {
		res.Captured = p.controller.Capture(obs, now)
	}
	res.State = p.controller.State()

	survey.Tracef("pipeline: frame %s fresh=%v aligned=%t transform=%t objects=%d decision=%s",
		now.Format(time.RFC3339Nano), res.Fresh, res.Alignment.Aligned, res.Transform.Valid,
		len(res.Objects), res.Decision.Reason)
	return res
}

// Capture freezes the most recently processed frame into the next slot
// regardless of the gate. It reports false when no session is active or no
// frame has been processed.
func (p *Pipeline) Capture() bool {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()
	if p.lastObs == nil {
		return false
	}
	return p.controller.Capture(*p.lastObs, p.lastProcessedTime)
}

func (p *Pipeline) ingest(f Frame) {
	p.ingestMu.Lock()
	defer p.ingestMu.Unlock()
	for _, m := range f.Markers {
		p.registry.Observe(m.Payload, m.Detection, f.Timestamp)
	}
}

// markerRegions returns the outlines of the given markers so the detector
// does not mistake printed marker patterns for cones.
func markerRegions(markers []l1markers.FiducialMarker) []l4detect.Region {
	out := make([]l4detect.Region, 0, len(markers))
	for _, m := range markers {
		if o := m.Outline(); o != nil {
			out = append(out, l4detect.Region(o))
		}
	}
	return out
}
