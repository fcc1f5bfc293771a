package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the root configuration for the measurement pipeline. Every
// field is optional: a nil field falls back to the default returned by its
// Get* accessor, so partial JSON files are safe.
type TuningConfig struct {
	// Surface geometry (millimetres)
	SurfaceWidthMM  *float64 `json:"surface_width_mm,omitempty"`
	SurfaceHeightMM *float64 `json:"surface_height_mm,omitempty"`
	MarkerMarginMM  *float64 `json:"marker_margin_mm,omitempty"`
	MarkerSizeMM    *float64 `json:"marker_size_mm,omitempty"`

	// Marker registry
	MarkerFreshWindow  *string `json:"marker_fresh_window,omitempty"`  // duration string like "2s"
	MarkerCleanupAfter *string `json:"marker_cleanup_after,omitempty"` // duration string like "3s"

	// Alignment
	FrameWidth             *int     `json:"frame_width,omitempty"`
	FrameHeight            *int     `json:"frame_height,omitempty"`
	TargetMarkerWidthPx    *float64 `json:"target_marker_width_px,omitempty"`
	TranslationTolerancePx *float64 `json:"translation_tolerance_px,omitempty"`
	RotationToleranceDeg   *float64 `json:"rotation_tolerance_deg,omitempty"`
	ScaleTolerance         *float64 `json:"scale_tolerance,omitempty"`

	// Homography
	DivisorEpsilon *float64 `json:"divisor_epsilon,omitempty"`

	// Cone detector
	BlurKernelSize      *int     `json:"blur_kernel_size,omitempty"`
	EdgeThreshold       *float64 `json:"edge_threshold,omitempty"`
	GridStepPx          *int     `json:"grid_step_px,omitempty"`
	MinRadiusPx         *int     `json:"min_radius_px,omitempty"`
	MaxRadiusPx         *int     `json:"max_radius_px,omitempty"`
	RadiusStepPx        *int     `json:"radius_step_px,omitempty"`
	CircleSamples       *int     `json:"circle_samples,omitempty"`
	DetectionConfidence *float64 `json:"detection_confidence,omitempty"`
	OverlapRadiusPx     *float64 `json:"overlap_radius_px,omitempty"`
	MatchDistancePx     *float64 `json:"match_distance_px,omitempty"`
	ObjectStaleAfter    *string  `json:"object_stale_after,omitempty"` // duration string like "1s"
	MaxFrameWidth       *int     `json:"max_frame_width,omitempty"`

	// Capture session
	MinAlignmentQuality *float64 `json:"min_alignment_quality,omitempty"`
	MissingMarkerWeight *float64 `json:"missing_marker_weight,omitempty"`
	StaleMarkerWeight   *float64 `json:"stale_marker_weight,omitempty"`
	MinCaptureSpacing   *string  `json:"min_capture_spacing,omitempty"` // duration string like "1.5s"
	MinMovementPx       *float64 `json:"min_movement_px,omitempty"`
	TargetPositions     *int     `json:"target_positions,omitempty"`

	// Consensus
	ClusterRadiusMM   *float64 `json:"cluster_radius_mm,omitempty"`
	MinConsensus      *int     `json:"min_consensus,omitempty"`
	ConsensusBonus    *float64 `json:"consensus_bonus,omitempty"`
	ConsensusBonusCap *float64 `json:"consensus_bonus_cap,omitempty"`
	VariancePenalty   *float64 `json:"variance_penalty,omitempty"`

	// Frame cadence
	MaxFrameRate *float64 `json:"max_frame_rate,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated with
// its default value.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		SurfaceWidthMM:         ptrFloat64(420),
		SurfaceHeightMM:        ptrFloat64(297),
		MarkerMarginMM:         ptrFloat64(20),
		MarkerSizeMM:           ptrFloat64(30),
		MarkerFreshWindow:      ptrString("2s"),
		MarkerCleanupAfter:     ptrString("3s"),
		FrameWidth:             ptrInt(1280),
		FrameHeight:            ptrInt(720),
		TargetMarkerWidthPx:    ptrFloat64(60),
		TranslationTolerancePx: ptrFloat64(40),
		RotationToleranceDeg:   ptrFloat64(5),
		ScaleTolerance:         ptrFloat64(0.15),
		DivisorEpsilon:         ptrFloat64(1e-9),
		BlurKernelSize:         ptrInt(9),
		EdgeThreshold:          ptrFloat64(100),
		GridStepPx:             ptrInt(2),
		MinRadiusPx:            ptrInt(6),
		MaxRadiusPx:            ptrInt(30),
		RadiusStepPx:           ptrInt(1),
		CircleSamples:          ptrInt(32),
		DetectionConfidence:    ptrFloat64(0.6),
		OverlapRadiusPx:        ptrFloat64(12),
		MatchDistancePx:        ptrFloat64(20),
		ObjectStaleAfter:       ptrString("1s"),
		MaxFrameWidth:          ptrInt(1920),
		MinAlignmentQuality:    ptrFloat64(0.75),
		MissingMarkerWeight:    ptrFloat64(1.0),
		StaleMarkerWeight:      ptrFloat64(0.5),
		MinCaptureSpacing:      ptrString("1.5s"),
		MinMovementPx:          ptrFloat64(40),
		TargetPositions:        ptrInt(5),
		ClusterRadiusMM:        ptrFloat64(15),
		MinConsensus:           ptrInt(2),
		ConsensusBonus:         ptrFloat64(0.05),
		ConsensusBonusCap:      ptrFloat64(0.2),
		VariancePenalty:        ptrFloat64(0.2),
		MaxFrameRate:           ptrFloat64(10),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
// Fields omitted from the JSON file fall back to their defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	positive := []struct {
		name string
		v    *float64
	}{
		{"surface_width_mm", c.SurfaceWidthMM},
		{"surface_height_mm", c.SurfaceHeightMM},
		{"marker_size_mm", c.MarkerSizeMM},
		{"target_marker_width_px", c.TargetMarkerWidthPx},
		{"divisor_epsilon", c.DivisorEpsilon},
		{"overlap_radius_px", c.OverlapRadiusPx},
		{"match_distance_px", c.MatchDistancePx},
		{"cluster_radius_mm", c.ClusterRadiusMM},
	}
	for _, f := range positive {
		if f.v != nil && *f.v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", f.name, *f.v)
		}
	}

	if c.MarkerMarginMM != nil {
		if *c.MarkerMarginMM < 0 {
			return fmt.Errorf("marker_margin_mm must be non-negative, got %f", *c.MarkerMarginMM)
		}
		if 2*(*c.MarkerMarginMM) >= c.GetSurfaceWidthMM() || 2*(*c.MarkerMarginMM) >= c.GetSurfaceHeightMM() {
			return fmt.Errorf("marker_margin_mm %f leaves no surface inside the markers", *c.MarkerMarginMM)
		}
	}

	unit := []struct {
		name string
		v    *float64
	}{
		{"detection_confidence", c.DetectionConfidence},
		{"min_alignment_quality", c.MinAlignmentQuality},
	}
	for _, f := range unit {
		if f.v != nil && (*f.v < 0 || *f.v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", f.name, *f.v)
		}
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"marker_fresh_window", c.MarkerFreshWindow},
		{"marker_cleanup_after", c.MarkerCleanupAfter},
		{"object_stale_after", c.ObjectStaleAfter},
		{"min_capture_spacing", c.MinCaptureSpacing},
	}
	for _, f := range durations {
		if f.v == nil || *f.v == "" {
			continue
		}
		if _, err := time.ParseDuration(*f.v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", f.name, *f.v, err)
		}
	}
	if c.GetMarkerCleanupAfter() < c.GetMarkerFreshWindow() {
		return fmt.Errorf("marker_cleanup_after (%s) must not be shorter than marker_fresh_window (%s)",
			c.GetMarkerCleanupAfter(), c.GetMarkerFreshWindow())
	}

	if c.BlurKernelSize != nil && (*c.BlurKernelSize < 1 || *c.BlurKernelSize%2 == 0) {
		return fmt.Errorf("blur_kernel_size must be a positive odd number, got %d", *c.BlurKernelSize)
	}
	if c.GetMinRadiusPx() < 1 || c.GetMaxRadiusPx() < c.GetMinRadiusPx() {
		return fmt.Errorf("radius range [%d, %d] is invalid", c.GetMinRadiusPx(), c.GetMaxRadiusPx())
	}
	if c.GridStepPx != nil && *c.GridStepPx < 1 {
		return fmt.Errorf("grid_step_px must be at least 1, got %d", *c.GridStepPx)
	}
	if c.RadiusStepPx != nil && *c.RadiusStepPx < 1 {
		return fmt.Errorf("radius_step_px must be at least 1, got %d", *c.RadiusStepPx)
	}
	if c.CircleSamples != nil && *c.CircleSamples < 8 {
		return fmt.Errorf("circle_samples must be at least 8, got %d", *c.CircleSamples)
	}
	if c.TargetPositions != nil && *c.TargetPositions < 1 {
		return fmt.Errorf("target_positions must be at least 1, got %d", *c.TargetPositions)
	}
	if c.MinConsensus != nil && *c.MinConsensus < 1 {
		return fmt.Errorf("min_consensus must be at least 1, got %d", *c.MinConsensus)
	}
	if c.MaxFrameRate != nil && *c.MaxFrameRate < 0 {
		return fmt.Errorf("max_frame_rate must be non-negative, got %f", *c.MaxFrameRate)
	}

	return nil
}

func getFloat(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func getInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetSurfaceWidthMM returns the surface width in millimetres.
func (c *TuningConfig) GetSurfaceWidthMM() float64 { return getFloat(c.SurfaceWidthMM, 420) }

// GetSurfaceHeightMM returns the surface height in millimetres.
func (c *TuningConfig) GetSurfaceHeightMM() float64 { return getFloat(c.SurfaceHeightMM, 297) }

// GetMarkerMarginMM returns the inset of marker centres from the surface edges.
func (c *TuningConfig) GetMarkerMarginMM() float64 { return getFloat(c.MarkerMarginMM, 20) }

// GetMarkerSizeMM returns the printed marker edge length.
func (c *TuningConfig) GetMarkerSizeMM() float64 { return getFloat(c.MarkerSizeMM, 30) }

// GetMarkerFreshWindow returns how long a marker stays fresh after a detection.
func (c *TuningConfig) GetMarkerFreshWindow() time.Duration {
	return getDuration(c.MarkerFreshWindow, 2*time.Second)
}

// GetMarkerCleanupAfter returns how long after its last detection a marker is dropped.
func (c *TuningConfig) GetMarkerCleanupAfter() time.Duration {
	return getDuration(c.MarkerCleanupAfter, 3*time.Second)
}

// GetFrameWidth returns the expected frame width in pixels.
func (c *TuningConfig) GetFrameWidth() int { return getInt(c.FrameWidth, 1280) }

// GetFrameHeight returns the expected frame height in pixels.
func (c *TuningConfig) GetFrameHeight() int { return getInt(c.FrameHeight, 720) }

// GetTargetMarkerWidthPx returns the marker pixel width at the target distance.
func (c *TuningConfig) GetTargetMarkerWidthPx() float64 {
	return getFloat(c.TargetMarkerWidthPx, 60)
}

// GetTranslationTolerancePx returns the allowed reference marker offset.
func (c *TuningConfig) GetTranslationTolerancePx() float64 {
	return getFloat(c.TranslationTolerancePx, 40)
}

// GetRotationToleranceDeg returns the allowed rotation in degrees.
func (c *TuningConfig) GetRotationToleranceDeg() float64 {
	return getFloat(c.RotationToleranceDeg, 5)
}

// GetScaleTolerance returns the allowed deviation of the scale ratio from 1.
func (c *TuningConfig) GetScaleTolerance() float64 { return getFloat(c.ScaleTolerance, 0.15) }

// GetDivisorEpsilon returns the homogeneous divisor below which projection fails.
func (c *TuningConfig) GetDivisorEpsilon() float64 { return getFloat(c.DivisorEpsilon, 1e-9) }

// GetBlurKernelSize returns the Gaussian kernel size.
func (c *TuningConfig) GetBlurKernelSize() int { return getInt(c.BlurKernelSize, 9) }

// GetEdgeThreshold returns the Sobel magnitude above which a pixel is an edge.
func (c *TuningConfig) GetEdgeThreshold() float64 { return getFloat(c.EdgeThreshold, 100) }

// GetGridStepPx returns the candidate centre grid spacing.
func (c *TuningConfig) GetGridStepPx() int { return getInt(c.GridStepPx, 2) }

// GetMinRadiusPx returns the smallest cone radius searched.
func (c *TuningConfig) GetMinRadiusPx() int { return getInt(c.MinRadiusPx, 6) }

// GetMaxRadiusPx returns the largest cone radius searched.
func (c *TuningConfig) GetMaxRadiusPx() int { return getInt(c.MaxRadiusPx, 30) }

// GetRadiusStepPx returns the radius increment.
func (c *TuningConfig) GetRadiusStepPx() int { return getInt(c.RadiusStepPx, 1) }

// GetCircleSamples returns the number of points sampled around each circle.
func (c *TuningConfig) GetCircleSamples() int { return getInt(c.CircleSamples, 32) }

// GetDetectionConfidence returns the minimum accepted edge fraction.
func (c *TuningConfig) GetDetectionConfidence() float64 {
	return getFloat(c.DetectionConfidence, 0.6)
}

// GetOverlapRadiusPx returns the non-maximum suppression radius.
func (c *TuningConfig) GetOverlapRadiusPx() float64 { return getFloat(c.OverlapRadiusPx, 12) }

// GetMatchDistancePx returns the frame-to-frame association distance.
func (c *TuningConfig) GetMatchDistancePx() float64 { return getFloat(c.MatchDistancePx, 20) }

// GetObjectStaleAfter returns how long an unobserved cone is kept.
func (c *TuningConfig) GetObjectStaleAfter() time.Duration {
	return getDuration(c.ObjectStaleAfter, time.Second)
}

// GetMaxFrameWidth returns the width above which frames are downscaled.
func (c *TuningConfig) GetMaxFrameWidth() int { return getInt(c.MaxFrameWidth, 1920) }

// GetMinAlignmentQuality returns the capture gate's quality threshold.
func (c *TuningConfig) GetMinAlignmentQuality() float64 {
	return getFloat(c.MinAlignmentQuality, 0.75)
}

// GetMissingMarkerWeight returns the quality penalty weight for missing markers.
func (c *TuningConfig) GetMissingMarkerWeight() float64 {
	return getFloat(c.MissingMarkerWeight, 1.0)
}

// GetStaleMarkerWeight returns the quality penalty weight for stale markers.
func (c *TuningConfig) GetStaleMarkerWeight() float64 {
	return getFloat(c.StaleMarkerWeight, 0.5)
}

// GetMinCaptureSpacing returns the minimum time between captures.
func (c *TuningConfig) GetMinCaptureSpacing() time.Duration {
	return getDuration(c.MinCaptureSpacing, 1500*time.Millisecond)
}

// GetMinMovementPx returns the minimum camera movement between captures.
func (c *TuningConfig) GetMinMovementPx() float64 { return getFloat(c.MinMovementPx, 40) }

// GetTargetPositions returns the number of viewpoints a session collects.
func (c *TuningConfig) GetTargetPositions() int { return getInt(c.TargetPositions, 5) }

// GetClusterRadiusMM returns the consensus clustering radius.
func (c *TuningConfig) GetClusterRadiusMM() float64 { return getFloat(c.ClusterRadiusMM, 15) }

// GetMinConsensus returns the minimum supporters for an accepted cluster.
func (c *TuningConfig) GetMinConsensus() int { return getInt(c.MinConsensus, 2) }

// GetConsensusBonus returns the confidence bonus per extra supporter.
func (c *TuningConfig) GetConsensusBonus() float64 { return getFloat(c.ConsensusBonus, 0.05) }

// GetConsensusBonusCap returns the maximum total consensus bonus.
func (c *TuningConfig) GetConsensusBonusCap() float64 {
	return getFloat(c.ConsensusBonusCap, 0.2)
}

// GetVariancePenalty returns the confidence penalty weight for positional spread.
func (c *TuningConfig) GetVariancePenalty() float64 { return getFloat(c.VariancePenalty, 0.2) }

// GetMaxFrameRate returns the processing rate cap in frames per second.
// Zero disables throttling.
func (c *TuningConfig) GetMaxFrameRate() float64 { return getFloat(c.MaxFrameRate, 10) }
