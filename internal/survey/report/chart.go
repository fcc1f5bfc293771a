package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/surface.report/internal/survey/l6consensus"
	"github.com/banshee-data/surface.report/internal/units"
)

// ChartOptions sizes the surface drawn behind the points.
type ChartOptions struct {
	SurfaceWidthMM  float64
	SurfaceHeightMM float64
	Units           string
	AssetsHost      string // empty uses the go-echarts default
}

// RenderClusterChart writes a standalone HTML scatter of cluster centres and
// outliers in surface coordinates.
func RenderClusterChart(w io.Writer, res l6consensus.Result, o ChartOptions) error {
	unit := o.Units
	if unit == "" {
		unit = units.MM
	}
	if !units.IsValid(unit) {
		return fmt.Errorf("invalid units %q: must be one of %s", unit, units.GetValidUnitsString())
	}
	conv := func(v float64) float64 { return units.ConvertLength(v, unit) }

	clusters := make([]opts.ScatterData, 0, len(res.Clusters))
	for _, c := range res.Clusters {
		clusters = append(clusters, opts.ScatterData{
			Name:  c.ID,
			Value: []interface{}{conv(c.Position.X), conv(c.Position.Y), c.Confidence},
		})
	}
	outliers := make([]opts.ScatterData, 0, len(res.Outliers))
	for _, ob := range res.Outliers {
		outliers = append(outliers, opts.ScatterData{
			Name:  ob.Object.ID,
			Value: []interface{}{conv(ob.Position.X), conv(ob.Position.Y), ob.Confidence},
		})
	}

	init := opts.Initialization{PageTitle: "Surface Consensus", Theme: "dark", Width: "900px", Height: "700px"}
	if o.AssetsHost != "" {
		init.AssetsHost = o.AssetsHost
	}
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(init),
		charts.WithTitleOpts(opts.Title{
			Title:    "Surface Consensus",
			Subtitle: fmt.Sprintf("session=%s clusters=%d outliers=%d confidence=%.2f", res.SessionID, len(clusters), len(outliers), res.Confidence),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: conv(o.SurfaceWidthMM), Name: fmt.Sprintf("X (%s)", unit), NameLocation: "middle", NameGap: 25}),
		// Surface Y grows downward like the image.
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: conv(o.SurfaceHeightMM), Name: fmt.Sprintf("Y (%s)", unit), NameLocation: "middle", NameGap: 30, Inverse: opts.Bool(true)}),
	)
	scatter.AddSeries("clusters", clusters, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))
	scatter.AddSeries("outliers", outliers, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	if err := scatter.Render(w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}
