package report

import (
	"fmt"

	"github.com/banshee-data/surface.report/internal/survey/l5capture"
	"github.com/banshee-data/surface.report/internal/survey/l6consensus"
	"github.com/banshee-data/surface.report/internal/units"
)

// ConePosition is one reconciled cone in display units.
type ConePosition struct {
	ID         string  `json:"id"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
	Spread     float64 `json:"spread"` // mean member distance, display units
	Supporters int     `json:"supporters"`
}

// CaptureSummary is one viewpoint slot of the session.
type CaptureSummary struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Captured bool    `json:"captured"`
	Quality  float64 `json:"quality"`
	Objects  int     `json:"objects"`
}

// Summary is a unit-converted view of one session and its consensus result.
type Summary struct {
	SessionID  string                     `json:"session_id"`
	Units      string                     `json:"units"`
	Confidence float64                    `json:"confidence"`
	Cones      []ConePosition             `json:"cones"`
	Outliers   int                        `json:"outliers"`
	Captures   []CaptureSummary           `json:"captures"`
	Metrics    l6consensus.QualityMetrics `json:"metrics"`
}

// Summarise converts res into unit. Metrics stay in millimetres.
func Summarise(session l5capture.ScanSession, res l6consensus.Result, unit string) (Summary, error) {
	if !units.IsValid(unit) {
		return Summary{}, fmt.Errorf("invalid units %q: must be one of %s", unit, units.GetValidUnitsString())
	}
	s := Summary{
		SessionID:  res.SessionID,
		Units:      unit,
		Confidence: res.Confidence,
		Cones:      make([]ConePosition, 0, len(res.Clusters)),
		Outliers:   len(res.Outliers),
		Captures:   make([]CaptureSummary, 0, len(session.Positions)),
		Metrics:    res.Metrics,
	}
	for _, c := range res.Clusters {
		s.Cones = append(s.Cones, ConePosition{
			ID:         c.ID,
			X:          units.ConvertLength(c.Position.X, unit),
			Y:          units.ConvertLength(c.Position.Y, unit),
			Confidence: c.Confidence,
			Spread:     units.ConvertLength(c.Variance, unit),
			Supporters: len(c.Supporters),
		})
	}
	for _, p := range session.Positions {
		s.Captures = append(s.Captures, CaptureSummary{
			ID:       p.ID,
			Name:     p.Name,
			Captured: p.Captured,
			Quality:  p.Quality,
			Objects:  len(p.Objects),
		})
	}
	return s, nil
}
