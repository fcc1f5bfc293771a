package l6consensus

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/surface.report/internal/config"
	"github.com/banshee-data/surface.report/internal/survey"
	"github.com/banshee-data/surface.report/internal/survey/l4detect"
	"github.com/banshee-data/surface.report/internal/survey/l5capture"
)

// ErrSessionIncomplete is returned when Process is called before the
// session has filled every capture slot. It indicates a driver bug.
var ErrSessionIncomplete = errors.New("l6consensus: session is not complete")

// SurfaceObservation is one detected cone with a surface position, tagged
// with the capture it came from.
type SurfaceObservation struct {
	CaptureID  string                  `json:"capture_id"`
	Object     l4detect.DetectedObject `json:"object"`
	Position   survey.Point            `json:"position"` // mm
	Confidence float64                 `json:"confidence"`
}

// ClusteredObservation is one reconciled cone position.
type ClusteredObservation struct {
	ID         string                    `json:"id"`
	Position   survey.Point              `json:"position"` // mm, confidence-weighted
	Confidence float64                   `json:"confidence"`
	Variance   float64                   `json:"variance"` // mean member distance from Position, mm
	Supporters []l4detect.DetectedObject `json:"supporters"`
	Captures   []string                  `json:"captures"` // capture ID per supporter
}

// QualityMetrics summarises a consensus run.
type QualityMetrics struct {
	TotalObservations     int     `json:"total_observations"`
	ClusteredObservations int     `json:"clustered_observations"`
	OutlierCount          int     `json:"outlier_count"`
	ClusterCount          int     `json:"cluster_count"`
	SkippedNoSurface      int     `json:"skipped_no_surface"`
	SkippedStaleTransform int     `json:"skipped_stale_transform"`
	MeanImageQuality      float64 `json:"mean_image_quality"`
	MeanClusterConfidence float64 `json:"mean_cluster_confidence"`
	SpatialAccuracy       float64 `json:"spatial_accuracy"`
	MeanVariance          float64 `json:"mean_variance"`
}

// Result is the output of Process.
type Result struct {
	SessionID  string                 `json:"session_id"`
	Clusters   []ClusteredObservation `json:"clusters"`
	Outliers   []SurfaceObservation   `json:"outliers"`
	Confidence float64                `json:"confidence"`
	Metrics    QualityMetrics         `json:"metrics"`
}

// ProcessorConfig holds the clustering parameters.
type ProcessorConfig struct {
	ClusterRadiusMM   float64 // default: 15
	MinConsensus      int     // minimum supporters for a cluster (default: 2)
	ConsensusBonus    float64 // confidence bonus per supporter beyond the first (default: 0.05)
	ConsensusBonusCap float64 // default: 0.2
	VariancePenalty   float64 // penalty at variance equal to the radius (default: 0.2)
}

// DefaultProcessorConfig returns the default clustering parameters.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfigFromTuning(config.EmptyTuningConfig())
}

// ProcessorConfigFromTuning builds a ProcessorConfig from a loaded TuningConfig.
func ProcessorConfigFromTuning(cfg *config.TuningConfig) ProcessorConfig {
	return ProcessorConfig{
		ClusterRadiusMM:   cfg.GetClusterRadiusMM(),
		MinConsensus:      cfg.GetMinConsensus(),
		ConsensusBonus:    cfg.GetConsensusBonus(),
		ConsensusBonusCap: cfg.GetConsensusBonusCap(),
		VariancePenalty:   cfg.GetVariancePenalty(),
	}
}

// Processor reconciles completed sessions. It holds no state between runs
// and is safe for concurrent use.
type Processor struct {
	cfg ProcessorConfig
}

// NewProcessor creates a Processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.MinConsensus < 1 {
		cfg.MinConsensus = 1
	}
	return &Processor{cfg: cfg}
}

// Process clusters every surface observation in a complete session.
func (p *Processor) Process(session l5capture.ScanSession) (Result, error) {
	if !session.Complete {
		return Result{}, fmt.Errorf("process session %s (%d/%d captured): %w",
			session.ID, session.Completed, session.Needed, ErrSessionIncomplete)
	}

	obs, noSurface, staleTransform := Collect(session)
	res := Result{SessionID: session.ID}
	res.Metrics.TotalObservations = len(obs)
	res.Metrics.SkippedNoSurface = noSurface
	res.Metrics.SkippedStaleTransform = staleTransform
	res.Metrics.MeanImageQuality = meanImageQuality(session)

	clustered := make([]bool, len(obs))
	for seed := range obs {
		if clustered[seed] {
			continue
		}
		members := p.gather(obs, clustered, seed)
		if len(members) < p.cfg.MinConsensus {
			continue
		}
		for _, m := range members {
			clustered[m] = true
		}
		res.Clusters = append(res.Clusters, p.buildCluster(obs, members))
	}

	for i, o := range obs {
		if !clustered[i] {
			res.Outliers = append(res.Outliers, o)
		}
	}

	p.score(&res)
	survey.Diagf("l6consensus: session %s: %d observations, %d clusters, %d outliers, confidence=%.3f",
		session.ID, len(obs), len(res.Clusters), len(res.Outliers), res.Confidence)
	return res, nil
}

// Collect returns every detected object with a surface position, in slot
// order then detection order. Objects in slots captured under a retained
// (stale) transform are left out, since their surface positions came from
// an earlier camera pose. It also returns how many objects lacked a surface
// position and how many were dropped for a stale transform.
func Collect(session l5capture.ScanSession) (obs []SurfaceObservation, noSurface, staleTransform int) {
	for _, pos := range session.Positions {
		if !pos.Captured {
			continue
		}
		if pos.Transform.Stale {
			staleTransform += len(pos.Objects)
			continue
		}
		for _, obj := range pos.Objects {
			if obj.SurfacePosition == nil || !obj.SurfacePosition.IsFinite() {
				noSurface++
				continue
			}
			obs = append(obs, SurfaceObservation{
				CaptureID:  pos.ID,
				Object:     obj.Clone(),
				Position:   *obj.SurfacePosition,
				Confidence: math.Max(0, math.Min(1, obj.Confidence)),
			})
		}
	}
	return obs, noSurface, staleTransform
}

// gather returns the seed plus every unclustered observation within the
// clustering radius of it, in observation order. Because seeds are visited
// in order and claim members immediately, an observation within reach of
// two seeds joins the first.
func (p *Processor) gather(obs []SurfaceObservation, clustered []bool, seed int) []int {
	members := []int{seed}
	for j := range obs {
		if j == seed || clustered[j] {
			continue
		}
		if obs[seed].Position.Distance(obs[j].Position) <= p.cfg.ClusterRadiusMM {
			members = append(members, j)
		}
	}
	return members
}

func (p *Processor) buildCluster(obs []SurfaceObservation, members []int) ClusteredObservation {
	xs := make([]float64, len(members))
	ys := make([]float64, len(members))
	ws := make([]float64, len(members))
	c := ClusteredObservation{
		ID:         uuid.New().String(),
		Supporters: make([]l4detect.DetectedObject, len(members)),
		Captures:   make([]string, len(members)),
	}
	for i, m := range members {
		xs[i] = obs[m].Position.X
		ys[i] = obs[m].Position.Y
		ws[i] = obs[m].Confidence
		c.Supporters[i] = obs[m].Object.Clone()
		c.Captures[i] = obs[m].CaptureID
	}

	weights := ws
	if floats.Sum(ws) == 0 {
		weights = nil
	}
	c.Position = survey.Pt(stat.Mean(xs, weights), stat.Mean(ys, weights))

	dists := make([]float64, len(members))
	for i, m := range members {
		dists[i] = obs[m].Position.Distance(c.Position)
	}
	c.Variance = stat.Mean(dists, nil)

	n := float64(len(members))
	bonus := math.Min(p.cfg.ConsensusBonus*(n-1), p.cfg.ConsensusBonusCap)
	penalty := 0.0
	if p.cfg.ClusterRadiusMM > 0 {
		penalty = p.cfg.VariancePenalty * c.Variance / p.cfg.ClusterRadiusMM
	}
	c.Confidence = clamp01(stat.Mean(ws, nil) + bonus - penalty)
	return c
}

// score fills the aggregate metrics. With no clusters the session
// confidence is 0.
func (p *Processor) score(res *Result) {
	m := &res.Metrics
	m.ClusterCount = len(res.Clusters)
	m.OutlierCount = len(res.Outliers)
	m.ClusteredObservations = m.TotalObservations - m.OutlierCount
	if len(res.Clusters) == 0 {
		return
	}

	confs := make([]float64, len(res.Clusters))
	vars := make([]float64, len(res.Clusters))
	for i, c := range res.Clusters {
		confs[i] = c.Confidence
		vars[i] = c.Variance
	}
	m.MeanClusterConfidence = stat.Mean(confs, nil)
	m.MeanVariance = stat.Mean(vars, nil)
	if p.cfg.ClusterRadiusMM > 0 {
		m.SpatialAccuracy = clamp01(1 - m.MeanVariance/p.cfg.ClusterRadiusMM)
	}
	res.Confidence = clamp01((m.MeanImageQuality + m.MeanClusterConfidence + m.SpatialAccuracy) / 3)
}

func meanImageQuality(session l5capture.ScanSession) float64 {
	var qs []float64
	for _, pos := range session.Positions {
		if pos.Captured {
			qs = append(qs, pos.Quality)
		}
	}
	if len(qs) == 0 {
		return 0
	}
	return clamp01(stat.Mean(qs, nil))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
