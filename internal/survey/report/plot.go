package report

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	_ "gonum.org/v1/plot/vg/vgimg" // png canvas

	"github.com/banshee-data/surface.report/internal/survey/l5capture"
	"github.com/banshee-data/surface.report/internal/survey/l6consensus"
	"github.com/banshee-data/surface.report/internal/units"
)

var (
	clusterColor = color.RGBA{R: 0x1f, G: 0x9e, B: 0x89, A: 0xff}
	outlierColor = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}
	qualityColor = color.RGBA{R: 0x3e, G: 0x49, B: 0x89, A: 0xff}
)

// PlotOptions sizes the surface plot.
type PlotOptions struct {
	SurfaceWidthMM  float64
	SurfaceHeightMM float64
	Units           string
	Width, Height   vg.Length // zero uses 8x6 inches
}

// SurfacePlot draws cluster centres and outliers on the surface.
func SurfacePlot(res l6consensus.Result, o PlotOptions) (*plot.Plot, error) {
	unit := o.Units
	if unit == "" {
		unit = units.MM
	}
	if !units.IsValid(unit) {
		return nil, fmt.Errorf("invalid units %q: must be one of %s", unit, units.GetValidUnitsString())
	}
	conv := func(v float64) float64 { return units.ConvertLength(v, unit) }

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Surface consensus (confidence %.2f)", res.Confidence)
	p.X.Label.Text = fmt.Sprintf("X (%s)", unit)
	p.Y.Label.Text = fmt.Sprintf("Y (%s)", unit)
	p.X.Min, p.X.Max = 0, conv(o.SurfaceWidthMM)
	p.Y.Min, p.Y.Max = 0, conv(o.SurfaceHeightMM)
	p.Add(plotter.NewGrid())

	if len(res.Clusters) > 0 {
		pts := make(plotter.XYs, len(res.Clusters))
		for i, c := range res.Clusters {
			pts[i] = plotter.XY{X: conv(c.Position.X), Y: conv(c.Position.Y)}
		}
		s, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, fmt.Errorf("cluster scatter: %w", err)
		}
		s.GlyphStyle.Color = clusterColor
		s.GlyphStyle.Radius = vg.Points(5)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(s)
		p.Legend.Add("clusters", s)
	}
	if len(res.Outliers) > 0 {
		pts := make(plotter.XYs, len(res.Outliers))
		for i, ob := range res.Outliers {
			pts[i] = plotter.XY{X: conv(ob.Position.X), Y: conv(ob.Position.Y)}
		}
		s, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, fmt.Errorf("outlier scatter: %w", err)
		}
		s.GlyphStyle.Color = outlierColor
		s.GlyphStyle.Radius = vg.Points(3)
		s.GlyphStyle.Shape = draw.CrossGlyph{}
		p.Add(s)
		p.Legend.Add("outliers", s)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// QualityPlot draws the alignment quality of each captured slot against the
// capture threshold.
func QualityPlot(session l5capture.ScanSession, threshold float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Capture quality (session %s)", session.ID)
	p.X.Label.Text = "Capture"
	p.Y.Label.Text = "Quality"
	p.Y.Min, p.Y.Max = 0, 1

	var (
		pts   plotter.XYs
		names []string
	)
	for _, pos := range session.Positions {
		if !pos.Captured {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(len(pts)), Y: pos.Quality})
		names = append(names, pos.Name)
	}
	if len(pts) == 0 {
		return p, nil
	}

	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return nil, fmt.Errorf("quality line: %w", err)
	}
	line.LineStyle.Color = qualityColor
	line.LineStyle.Width = vg.Points(1)
	points.GlyphStyle.Color = qualityColor
	points.GlyphStyle.Shape = draw.CircleGlyph{}
	p.Add(line, points)
	p.Legend.Add("quality", line, points)

	if threshold > 0 {
		limit, err := plotter.NewLine(plotter.XYs{
			{X: 0, Y: threshold},
			{X: float64(len(pts) - 1), Y: threshold},
		})
		if err != nil {
			return nil, fmt.Errorf("threshold line: %w", err)
		}
		limit.LineStyle.Color = outlierColor
		limit.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
		p.Add(limit)
		p.Legend.Add("threshold", limit)
	}
	p.NominalX(names...)
	p.Legend.Top = false
	p.Legend.Left = false
	return p, nil
}

// WritePNG renders p as PNG.
func WritePNG(w io.Writer, p *plot.Plot, width, height vg.Length) error {
	if width == 0 {
		width = 8 * vg.Inch
	}
	if height == 0 {
		height = 6 * vg.Inch
	}
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("png canvas: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	return nil
}

// SavePlots writes the surface plot to surfacePath and, when qualityPath is
// not empty, the quality trace beside it.
func SavePlots(surfacePath, qualityPath string, session l5capture.ScanSession, res l6consensus.Result, o PlotOptions, threshold float64) error {
	sp, err := SurfacePlot(res, o)
	if err != nil {
		return err
	}
	w, h := o.Width, o.Height
	if w == 0 {
		w = 8 * vg.Inch
	}
	if h == 0 {
		h = 6 * vg.Inch
	}
	if err := sp.Save(w, h, surfacePath); err != nil {
		return fmt.Errorf("save %s: %w", surfacePath, err)
	}
	if qualityPath == "" {
		return nil
	}
	qp, err := QualityPlot(session, threshold)
	if err != nil {
		return err
	}
	if err := qp.Save(10*vg.Inch, 4*vg.Inch, qualityPath); err != nil {
		return fmt.Errorf("save %s: %w", qualityPath, err)
	}
	return nil
}
