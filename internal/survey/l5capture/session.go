package l5capture

import (
	"fmt"
	"time"

	"github.com/banshee-data/surface.report/internal/survey"
	"github.com/banshee-data/surface.report/internal/survey/l1markers"
	"github.com/banshee-data/surface.report/internal/survey/l2align"
	"github.com/banshee-data/surface.report/internal/survey/l3homography"
	"github.com/banshee-data/surface.report/internal/survey/l4detect"
)

// State is the lifecycle state of a capture session.
type State int

const (
	StateNotStarted State = iota
	StateActive
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateActive:
		return "active"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CapturePosition is one target viewpoint. Once Captured is set the slot
// never changes again.
type CapturePosition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Priority    int    `json:"priority"` // lower captures first
	Captured    bool   `json:"captured"`

	CapturedAt time.Time                        `json:"captured_at,omitzero"`
	Markers    []l1markers.FiducialMarker       `json:"markers,omitempty"`
	Alignment  l2align.AlignmentStatus          `json:"alignment"`
	Objects    []l4detect.DetectedObject        `json:"objects,omitempty"`
	Transform  l3homography.CoordinateTransform `json:"transform"`
	Quality    float64                          `json:"quality"` // alignment quality at capture time
}

// Clone returns a deep copy of the slot.
func (p CapturePosition) Clone() CapturePosition {
	out := p
	out.Alignment = p.Alignment.Clone()
	if p.Markers != nil {
		out.Markers = make([]l1markers.FiducialMarker, len(p.Markers))
		for i, m := range p.Markers {
			out.Markers[i] = m.Clone()
		}
	}
	if p.Objects != nil {
		out.Objects = make([]l4detect.DetectedObject, len(p.Objects))
		for i, o := range p.Objects {
			out.Objects[i] = o.Clone()
		}
	}
	return out
}

// ScanSession is one run of the capture state machine. A complete session
// is immutable and safe to hand to another goroutine.
type ScanSession struct {
	ID            string            `json:"id"`
	StartedAt     time.Time         `json:"started_at"`
	Positions     []CapturePosition `json:"positions"`
	Needed        int               `json:"needed"`
	Completed     int               `json:"completed"`
	Complete      bool              `json:"complete"`
	LastCaptureAt time.Time         `json:"last_capture_at,omitzero"`
	Confidence    float64           `json:"confidence"` // mean capture quality so far
}

// Clone returns a deep copy of the session.
func (s ScanSession) Clone() ScanSession {
	out := s
	if s.Positions != nil {
		out.Positions = make([]CapturePosition, len(s.Positions))
		for i, p := range s.Positions {
			out.Positions[i] = p.Clone()
		}
	}
	return out
}

// Captured returns the filled slots in priority order.
func (s ScanSession) Captured() []CapturePosition {
	var out []CapturePosition
	for _, p := range s.Positions {
		if p.Captured {
			out = append(out, p)
		}
	}
	return out
}

// viewpoint names the default target positions in priority order.
type viewpoint struct {
	name, description string
}

var defaultViewpoints = []viewpoint{
	{"overhead", "camera centred above the surface, all four markers framed"},
	{"left", "camera shifted toward markers A and D"},
	{"right", "camera shifted toward markers B and C"},
	{"top", "camera shifted toward markers A and B"},
	{"bottom", "camera shifted toward markers C and D"},
}

// targetPositions builds n unflagged slots with priorities 1..n.
func targetPositions(n int) []CapturePosition {
	out := make([]CapturePosition, n)
	for i := range out {
		vp := viewpoint{
			name:        fmt.Sprintf("extra-%d", i+1),
			description: "additional viewpoint from any angle",
		}
		if i < len(defaultViewpoints) {
			vp = defaultViewpoints[i]
		}
		out[i] = CapturePosition{
			ID:          fmt.Sprintf("pos-%d", i+1),
			Name:        vp.name,
			Description: vp.description,
			Priority:    i + 1,
		}
	}
	return out
}

// cameraPosition estimates the camera position as the centroid of the
// marker centres.
func cameraPosition(markers []l1markers.FiducialMarker) (survey.Point, bool) {
	if len(markers) == 0 {
		return survey.Point{}, false
	}
	pts := make([]survey.Point, len(markers))
	for i, m := range markers {
		pts[i] = m.Center
	}
	return survey.Centroid(pts), true
}
