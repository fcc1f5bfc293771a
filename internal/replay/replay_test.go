package replay

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/surface.report/internal/fsutil"
	"github.com/banshee-data/surface.report/internal/security"
	"github.com/banshee-data/surface.report/internal/survey"
	"github.com/banshee-data/surface.report/internal/survey/l1markers"
	"github.com/banshee-data/surface.report/internal/survey/pipeline"
	"github.com/banshee-data/surface.report/internal/testutil"
	"github.com/banshee-data/surface.report/internal/timeutil"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var cones = []survey.Point{{X: 100, Y: 150}, {X: 300, Y: 80}}

func testConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Alignment.FrameWidth = 640
	cfg.Alignment.FrameHeight = 360
	cfg.Alignment.TargetMarkerWidthPx = 30
	cfg.MaxFrameRate = 0
	return cfg
}

func camera(cfg pipeline.Config, mm, shift survey.Point) survey.Point {
	a := cfg.Alignment
	pxPerMM := a.TargetMarkerWidthPx / a.MarkerSizeMM
	center := survey.Pt(a.FrameWidth/2, a.FrameHeight/2)
	surfCenter := survey.Pt(a.SurfaceWidthMM/2, a.SurfaceHeightMM/2)
	return center.Add(mm.Sub(surfCenter).Scale(pxPerMM)).Add(shift)
}

func sceneFrame(cfg pipeline.Config, shift survey.Point, ts time.Time) pipeline.Frame {
	a := cfg.Alignment
	m := a.MarkerMarginMM
	centres := []survey.Point{{X: m, Y: m}, {X: a.SurfaceWidthMM - m, Y: m}, {X: a.SurfaceWidthMM - m, Y: a.SurfaceHeightMM - m}, {X: m, Y: a.SurfaceHeightMM - m}}
	var markers []pipeline.MarkerRecord
	for _, l := range survey.AllGridLabels {
		c := camera(cfg, centres[l.Index()], shift)
		markers = append(markers, pipeline.MarkerRecord{
			Payload:   string(l),
			Detection: l1markers.RawDetection{Corners: testutil.SquareCorners(c, a.TargetMarkerWidthPx, 0)},
		})
	}
	img := testutil.NewGrayFrame(int(a.FrameWidth), int(a.FrameHeight), 30)
	for _, c := range cones {
		testutil.DrawDisc(img, camera(cfg, c, shift), 12, 220)
	}
	return pipeline.Frame{Image: img, Markers: markers, Timestamp: ts}
}

// recordSession writes n scene frames 2s apart, alternating the camera
// shift, and returns the recording directory.
func recordSession(t *testing.T, cfg pipeline.Config, n int, capture bool) string {
	t.Helper()
	dir := t.TempDir()
	rec, err := NewRecorder(dir, "cones")
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		shift := survey.Point{}
		if i%2 == 1 {
			shift = survey.Pt(50, 0)
		}
		require.NoError(t, rec.Record(sceneFrame(cfg, shift, t0.Add(time.Duration(i)*2*time.Second)), capture))
	}
	require.NoError(t, rec.Close())
	return dir
}

func TestRecorderRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	dir := t.TempDir()
	rec, err := NewRecorder(dir, "roundtrip")
	require.NoError(t, err)

	first := sceneFrame(cfg, survey.Point{}, t0)
	markersOnly := pipeline.Frame{Markers: first.Markers[:2], Timestamp: t0.Add(250 * time.Millisecond)}
	require.NoError(t, rec.Record(first, false))
	require.NoError(t, rec.Record(markersOnly, true))
	assert.Equal(t, 2, rec.FrameCount())
	assert.Error(t, rec.Record(pipeline.Frame{Timestamp: t0.Add(-time.Second)}, false))
	require.NoError(t, rec.Close())
	assert.Error(t, rec.Record(first, false), "closed")

	rp, err := NewReplayer(dir)
	require.NoError(t, err)
	h := rp.Header()
	assert.Equal(t, "roundtrip", h.Name)
	assert.Equal(t, FormatVersion, h.Version)
	assert.Equal(t, 2, h.TotalFrames)
	assert.Equal(t, 640, h.FrameWidth)
	assert.Equal(t, 360, h.FrameHeight)

	f, capture, err := rp.ReadFrame()
	require.NoError(t, err)
	assert.False(t, capture)
	assert.True(t, f.Timestamp.Equal(t0))
	require.NotNil(t, f.Image)
	gray, ok := f.Image.(*image.Gray)
	require.True(t, ok, "gray PNG decodes to *image.Gray, got %T", f.Image)
	assert.Equal(t, first.Image.(*image.Gray).Pix, gray.Pix)
	if diff := cmp.Diff(first.Markers, f.Markers); diff != "" {
		t.Errorf("markers mismatch (-want +got):\n%s", diff)
	}

	f, capture, err = rp.ReadFrame()
	require.NoError(t, err)
	assert.True(t, capture)
	assert.Nil(t, f.Image)
	assert.Len(t, f.Markers, 2)
	assert.True(t, f.Timestamp.Equal(t0.Add(250*time.Millisecond)))

	_, _, err = rp.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReplayerSeek(t *testing.T) {
	t.Parallel()
	dir := recordSession(t, testConfig(), 3, false)
	rp, err := NewReplayer(filepath.Join(dir, ManifestName))
	require.NoError(t, err)
	assert.Equal(t, 3, rp.TotalFrames())

	require.NoError(t, rp.Seek(2))
	assert.Equal(t, 2, rp.CurrentFrame())
	assert.Error(t, rp.Seek(3))
	assert.Error(t, rp.Seek(-1))

	rp.SeekToTime(t0.Add(time.Second))
	assert.Equal(t, 1, rp.CurrentFrame())
	rp.SeekToTime(t0.Add(2 * time.Second))
	assert.Equal(t, 1, rp.CurrentFrame())
	rp.SeekToTime(t0.Add(time.Hour))
	assert.Equal(t, 2, rp.CurrentFrame())
	rp.SeekToTime(t0.Add(-time.Hour))
	assert.Equal(t, 0, rp.CurrentFrame())
}

func writeRaw(t *testing.T, m Manifest) string {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestName), data, 0o644))
	return dir
}

func TestNewReplayerErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing", func(t *testing.T) {
		_, err := NewReplayer(filepath.Join(t.TempDir(), "nope"))
		assert.Error(t, err)
	})
	t.Run("extension", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "recording.txt")
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
		_, err := NewReplayer(path)
		assert.Error(t, err)
	})
	t.Run("no frames", func(t *testing.T) {
		_, err := NewReplayer(writeRaw(t, Manifest{Header: Header{Version: FormatVersion}}))
		assert.ErrorIs(t, err, ErrNoFrames)
	})
	t.Run("out of order", func(t *testing.T) {
		_, err := NewReplayer(writeRaw(t, Manifest{Frames: []FrameEntry{{OffsetMs: 100}, {OffsetMs: 50}}}))
		assert.Error(t, err)
	})
	t.Run("image outside recording", func(t *testing.T) {
		_, err := NewReplayer(writeRaw(t, Manifest{Frames: []FrameEntry{{Image: "../secret.png"}}}))
		assert.ErrorIs(t, err, security.ErrPathEscape)
	})
	t.Run("missing image", func(t *testing.T) {
		rp, err := NewReplayer(writeRaw(t, Manifest{Frames: []FrameEntry{{Image: "gone.png"}}}))
		require.NoError(t, err)
		_, _, err = rp.ReadFrame()
		assert.Error(t, err)
		assert.False(t, errors.Is(err, io.EOF))
	})
}

func TestRunnerCompletesSession(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	rp, err := NewReplayer(recordSession(t, cfg, 7, false))
	require.NoError(t, err)

	rn := &Runner{Pipeline: pipeline.New(cfg)}
	rep, err := rn.Run(context.Background(), rp)
	require.NoError(t, err)

	assert.True(t, rep.Complete)
	assert.Equal(t, 5, rep.Frames, "stops once the session completes")
	assert.Equal(t, 5, rep.AutoCaptures)
	assert.Equal(t, 5, rep.TransformFrames)
	require.NotNil(t, rep.Result)
	require.Len(t, rep.Result.Clusters, 2)
	for _, want := range cones {
		nearest := rep.Result.Clusters[0]
		for _, c := range rep.Result.Clusters[1:] {
			if c.Position.Distance(want) < nearest.Position.Distance(want) {
				nearest = c
			}
		}
		testutil.AssertPointNear(t, want, nearest.Position, 3)
	}

	data, err := json.Marshal(rep)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"complete":true`)
}

func TestRunnerKeepGoing(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	rp, err := NewReplayer(recordSession(t, cfg, 7, false))
	require.NoError(t, err)

	rep, err := (&Runner{Pipeline: pipeline.New(cfg), KeepGoing: true}).Run(context.Background(), rp)
	require.NoError(t, err)
	assert.Equal(t, 7, rep.Frames)
	assert.Equal(t, 5, rep.AutoCaptures)
	assert.True(t, rep.Complete)
}

func TestRunnerIncompleteSession(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	rp, err := NewReplayer(recordSession(t, cfg, 2, false))
	require.NoError(t, err)

	rep, err := (&Runner{Pipeline: pipeline.New(cfg)}).Run(context.Background(), rp)
	require.NoError(t, err)
	assert.False(t, rep.Complete)
	assert.Nil(t, rep.Result)
	assert.Equal(t, 2, rep.Session.Completed)
}

func TestRunnerManualCapture(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.AutoCapture = false
	rp, err := NewReplayer(recordSession(t, cfg, 5, true))
	require.NoError(t, err)

	rep, err := (&Runner{Pipeline: pipeline.New(cfg)}).Run(context.Background(), rp)
	require.NoError(t, err)
	assert.Zero(t, rep.AutoCaptures)
	assert.Equal(t, 5, rep.ManualCaptures)
	assert.True(t, rep.Complete)
}

func TestRunnerCancelled(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	rp, err := NewReplayer(recordSession(t, cfg, 2, false))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&Runner{Pipeline: pipeline.New(cfg)}).Run(ctx, rp)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunnerPacedByClock(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	rp, err := NewReplayer(recordSession(t, cfg, 5, false))
	require.NoError(t, err)

	clock := timeutil.NewMockClock(t0)
	rn := &Runner{Pipeline: pipeline.New(cfg), Clock: clock, Interval: 100 * time.Millisecond}

	type outcome struct {
		rep *Report
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rep, err := rn.Run(context.Background(), rp)
		done <- outcome{rep, err}
	}()

	var got outcome
	require.Eventually(t, func() bool {
		select {
		case got = <-done:
			return true
		default:
			clock.Advance(100 * time.Millisecond)
			return false
		}
	}, 10*time.Second, time.Millisecond)

	require.NoError(t, got.err)
	assert.True(t, got.rep.Complete)
	assert.Equal(t, 5, got.rep.Frames)
	require.NotNil(t, got.rep.Result)
}

func TestRecordingInMemory(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	mem := fsutil.NewMemoryFileSystem()

	rec, err := NewRecorderFS(mem, "/rec", "memory")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		shift := survey.Pt(float64(i%2)*50, 0)
		require.NoError(t, rec.Record(sceneFrame(cfg, shift, t0.Add(time.Duration(i)*2*time.Second)), false))
	}
	require.NoError(t, rec.Close())
	assert.Contains(t, mem.Files(), "/rec/"+ManifestName)
	assert.Contains(t, mem.Files(), "/rec/frame_000004.png")

	rp, err := NewReplayerFS(mem, "/rec")
	require.NoError(t, err)
	rep, err := (&Runner{Pipeline: pipeline.New(cfg)}).Run(context.Background(), rp)
	require.NoError(t, err)
	assert.True(t, rep.Complete)
	assert.Equal(t, "memory", rep.Recording)
}
