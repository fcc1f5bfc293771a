package pipeline

import (
	"github.com/banshee-data/surface.report/internal/config"
	"github.com/banshee-data/surface.report/internal/survey/l1markers"
	"github.com/banshee-data/surface.report/internal/survey/l2align"
	"github.com/banshee-data/surface.report/internal/survey/l3homography"
	"github.com/banshee-data/surface.report/internal/survey/l4detect"
	"github.com/banshee-data/surface.report/internal/survey/l5capture"
	"github.com/banshee-data/surface.report/internal/survey/l6consensus"
)

// Config holds the configuration of every layer plus the frame cadence.
type Config struct {
	Registry   l1markers.RegistryConfig
	Alignment  l2align.EstimatorConfig
	Homography l3homography.EstimatorConfig
	Detector   l4detect.DetectorConfig
	Capture    l5capture.ControllerConfig
	Consensus  l6consensus.ProcessorConfig

	// MaxFrameRate caps how often frames are fully processed. Marker
	// detections from dropped frames are still recorded so freshness stays
	// accurate. Zero disables throttling.
	MaxFrameRate float64

	// AutoCapture captures whenever the controller reports ShouldCapture.
	AutoCapture bool
}

// DefaultConfig returns the default configuration with auto-capture on.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Registry:     l1markers.RegistryConfigFromTuning(cfg),
		Alignment:    l2align.EstimatorConfigFromTuning(cfg),
		Homography:   l3homography.EstimatorConfigFromTuning(cfg),
		Detector:     l4detect.DetectorConfigFromTuning(cfg),
		Capture:      l5capture.ControllerConfigFromTuning(cfg),
		Consensus:    l6consensus.ProcessorConfigFromTuning(cfg),
		MaxFrameRate: cfg.GetMaxFrameRate(),
		AutoCapture:  true,
	}
}
