// Command survey-replay replays a recorded camera session through the
// survey pipeline and reports the reconciled cone positions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/surface.report/internal/config"
	"github.com/banshee-data/surface.report/internal/replay"
	"github.com/banshee-data/surface.report/internal/survey"
	"github.com/banshee-data/surface.report/internal/survey/pipeline"
	"github.com/banshee-data/surface.report/internal/survey/report"
	"github.com/banshee-data/surface.report/internal/survey/storage/sqlite"
	"github.com/banshee-data/surface.report/internal/timeutil"
	"github.com/banshee-data/surface.report/internal/units"
	"github.com/banshee-data/surface.report/internal/version"
)

// errIncomplete is returned when the recording ends before every viewpoint
// was captured.
var errIncomplete = errors.New("session incomplete")

// Config holds the command line options.
type Config struct {
	Recording   string
	ConfigFile  string
	OutputJSON  string
	DBPath      string
	ChartPath   string
	PlotPath    string
	QualityPlot string
	Units       string
	Realtime    bool
	KeepGoing   bool
	Verbose     bool
	ShowVersion bool
}

func main() {
	cfg := parseFlags(flag.CommandLine, os.Args[1:])
	if cfg.ShowVersion {
		fmt.Println("survey-replay", version.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, cfg, os.Stdout)
	if errors.Is(err, errIncomplete) {
		log.Printf("survey-replay: %v", err)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("survey-replay: %v", err)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) Config {
	cfg := Config{}
	fs.StringVar(&cfg.Recording, "recording", "", "Recording directory or manifest (required)")
	fs.StringVar(&cfg.ConfigFile, "config", "", "Tuning config JSON (defaults apply when empty)")
	fs.StringVar(&cfg.OutputJSON, "json", "", "Write the full replay report as JSON to this path")
	fs.StringVar(&cfg.DBPath, "db", "", "Store the consensus result in this SQLite database")
	fs.StringVar(&cfg.ChartPath, "chart", "", "Write an HTML scatter chart to this path")
	fs.StringVar(&cfg.PlotPath, "plot", "", "Write a PNG surface plot to this path")
	fs.StringVar(&cfg.QualityPlot, "quality-plot", "", "Write a PNG capture-quality plot to this path")
	fs.StringVar(&cfg.Units, "units", units.MM, "Display units: "+units.GetValidUnitsString())
	fs.BoolVar(&cfg.Realtime, "realtime", false, "Pace frames at the configured frame rate")
	fs.BoolVar(&cfg.KeepGoing, "keep-going", false, "Replay every frame even after the session completes")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "Enable diagnostic and per-frame logging")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")
	_ = fs.Parse(args)
	return cfg
}

func run(ctx context.Context, cfg Config, stdout io.Writer) error {
	if cfg.Recording == "" {
		return errors.New("-recording is required")
	}
	if !units.IsValid(cfg.Units) {
		return fmt.Errorf("invalid -units %q: must be one of %s", cfg.Units, units.GetValidUnitsString())
	}

	logs := survey.LogWriters{Ops: os.Stderr}
	if cfg.Verbose {
		logs.Diag = os.Stderr
		logs.Trace = os.Stderr
	}
	survey.SetLogWriters(logs)
	survey.Opsf("survey-replay %s", version.String())

	tuning := config.DefaultTuningConfig()
	if cfg.ConfigFile != "" {
		loaded, err := config.LoadTuningConfig(cfg.ConfigFile)
		if err != nil {
			return err
		}
		tuning = loaded
	}
	pcfg := pipeline.ConfigFromTuning(tuning)

	rp, err := replay.NewReplayer(cfg.Recording)
	if err != nil {
		return err
	}

	rn := &replay.Runner{Pipeline: pipeline.New(pcfg), KeepGoing: cfg.KeepGoing}
	if cfg.Realtime {
		rn.Clock = timeutil.RealClock{}
	}
	rep, err := rn.Run(ctx, rp)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	if cfg.OutputJSON != "" {
		if err := writeJSON(cfg.OutputJSON, rep); err != nil {
			return err
		}
		log.Printf("Report written to: %s", cfg.OutputJSON)
	}
	if !rep.Complete {
		printIncomplete(stdout, rep)
		return errIncomplete
	}

	summary, err := report.Summarise(rep.Session, *rep.Result, cfg.Units)
	if err != nil {
		return err
	}
	printSummary(stdout, rep, summary)

	if cfg.ChartPath != "" {
		if err := writeChart(cfg.ChartPath, rep, pcfg, cfg.Units); err != nil {
			return err
		}
		log.Printf("Chart written to: %s", cfg.ChartPath)
	}
	if cfg.PlotPath != "" || cfg.QualityPlot != "" {
		if err := writePlots(cfg, rep, pcfg); err != nil {
			return err
		}
	}
	if cfg.DBPath != "" {
		params, err := json.Marshal(tuning)
		if err != nil {
			return fmt.Errorf("marshal tuning: %w", err)
		}
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		run, err := store.SaveResult(rep.Session, *rep.Result, cfg.Recording, params)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Stored run: %s\n", run.RunID)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func writeChart(path string, rep *replay.Report, pcfg pipeline.Config, unit string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create chart: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	return report.RenderClusterChart(f, *rep.Result, report.ChartOptions{
		SurfaceWidthMM:  pcfg.Homography.SurfaceWidthMM,
		SurfaceHeightMM: pcfg.Homography.SurfaceHeightMM,
		Units:           unit,
	})
}

func writePlots(cfg Config, rep *replay.Report, pcfg pipeline.Config) error {
	opts := report.PlotOptions{
		SurfaceWidthMM:  pcfg.Homography.SurfaceWidthMM,
		SurfaceHeightMM: pcfg.Homography.SurfaceHeightMM,
		Units:           cfg.Units,
	}
	threshold := pcfg.Capture.MinQuality
	if cfg.PlotPath == "" {
		qp, err := report.QualityPlot(rep.Session, threshold)
		if err != nil {
			return err
		}
		return saveWith(cfg.QualityPlot, func(w io.Writer) error { return report.WritePNG(w, qp, 0, 0) })
	}
	if err := report.SavePlots(cfg.PlotPath, cfg.QualityPlot, rep.Session, *rep.Result, opts, threshold); err != nil {
		return err
	}
	log.Printf("Plot written to: %s", cfg.PlotPath)
	return nil
}

func saveWith(path string, write func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	return write(f)
}

func printIncomplete(w io.Writer, rep *replay.Report) {
	fmt.Fprintln(w, "\n=== Survey Replay ===")
	fmt.Fprintf(w, "Frames: %d (processed %d, throttled %d)\n", rep.Frames, rep.Stats.Processed, rep.Stats.Throttled)
	fmt.Fprintf(w, "Session %s incomplete: %d/%d captures\n", rep.Session.ID, rep.Session.Completed, rep.Session.Needed)
}

func printSummary(w io.Writer, rep *replay.Report, s report.Summary) {
	fmt.Fprintln(w, "\n=== Survey Replay ===")
	fmt.Fprintf(w, "Recording: %s\n", rep.Recording)
	fmt.Fprintf(w, "Frames: %d (processed %d, throttled %d)\n", rep.Frames, rep.Stats.Processed, rep.Stats.Throttled)
	fmt.Fprintf(w, "Captures: %d auto, %d manual\n", rep.AutoCaptures, rep.ManualCaptures)
	fmt.Fprintf(w, "Confidence: %.3f\n", s.Confidence)

	fmt.Fprintf(w, "\n--- Cones (%s) ---\n", s.Units)
	for i, c := range s.Cones {
		fmt.Fprintf(w, "%2d  x=%8.2f  y=%8.2f  conf=%.3f  spread=%.2f  n=%d\n",
			i+1, c.X, c.Y, c.Confidence, c.Spread, c.Supporters)
	}
	fmt.Fprintf(w, "Outliers: %d\n", s.Outliers)

	fmt.Fprintln(w, "\n--- Captures ---")
	for _, c := range s.Captures {
		fmt.Fprintf(w, "%-6s %-8s captured=%-5t quality=%.3f objects=%d\n", c.ID, c.Name, c.Captured, c.Quality, c.Objects)
	}
}
