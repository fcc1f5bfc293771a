package l4detect

import (
	"time"

	"github.com/banshee-data/surface.report/internal/config"
)

// DetectorConfig holds the detector and tracking parameters.
type DetectorConfig struct {
	BlurKernelSize      int     // Gaussian kernel size in pixels, odd (default: 9)
	EdgeThreshold       float64 // Sobel magnitude for an edge pixel (default: 100)
	GridStep            int     // Candidate centre spacing in pixels (default: 2)
	MinRadius           int     // Smallest radius tried in pixels (default: 6)
	MaxRadius           int     // Largest radius tried in pixels (default: 30)
	RadiusStep          int     // Radius increment in pixels (default: 1)
	Samples             int     // Points sampled around each circle (default: 32)
	ConfidenceThreshold float64 // Minimum edge fraction to keep a candidate (default: 0.6)
	OverlapRadius       float64 // Suppression radius between accepted candidates (default: 12)
	MatchDistance       float64 // Max centre distance to update a tracked object (default: 20)
	StaleAfter          time.Duration
	MaxFrameWidth       int // Wider frames are downscaled before detection (default: 1920)
	Workers             int // Goroutines scoring row bands; 0 uses GOMAXPROCS
}

// DefaultDetectorConfig returns the default detector parameters.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfigFromTuning(config.EmptyTuningConfig())
}

// DetectorConfigFromTuning builds a DetectorConfig from a loaded TuningConfig.
func DetectorConfigFromTuning(cfg *config.TuningConfig) DetectorConfig {
	return DetectorConfig{
		BlurKernelSize:      cfg.GetBlurKernelSize(),
		EdgeThreshold:       cfg.GetEdgeThreshold(),
		GridStep:            cfg.GetGridStepPx(),
		MinRadius:           cfg.GetMinRadiusPx(),
		MaxRadius:           cfg.GetMaxRadiusPx(),
		RadiusStep:          cfg.GetRadiusStepPx(),
		Samples:             cfg.GetCircleSamples(),
		ConfidenceThreshold: cfg.GetDetectionConfidence(),
		OverlapRadius:       cfg.GetOverlapRadiusPx(),
		MatchDistance:       cfg.GetMatchDistancePx(),
		StaleAfter:          cfg.GetObjectStaleAfter(),
		MaxFrameWidth:       cfg.GetMaxFrameWidth(),
	}
}

// sanitised fills zero or out-of-range values with usable minimums.
func (c DetectorConfig) sanitised() DetectorConfig {
	if c.BlurKernelSize > 1 && c.BlurKernelSize%2 == 0 {
		c.BlurKernelSize++
	}
	if c.GridStep < 1 {
		c.GridStep = 1
	}
	if c.RadiusStep < 1 {
		c.RadiusStep = 1
	}
	if c.MinRadius < 1 {
		c.MinRadius = 1
	}
	if c.MaxRadius < c.MinRadius {
		c.MaxRadius = c.MinRadius
	}
	if c.Samples < 8 {
		c.Samples = 8
	}
	return c
}
