package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/surface.report/internal/survey"
	"github.com/banshee-data/surface.report/internal/survey/l5capture"
	"github.com/banshee-data/surface.report/internal/timeutil"
)

// FrameSource supplies frames to the driver. NextFrame returns io.EOF when
// the source is exhausted.
type FrameSource interface {
	NextFrame(ctx context.Context, now time.Time) (Frame, error)
}

// FrameSourceFunc adapts a function to FrameSource.
type FrameSourceFunc func(ctx context.Context, now time.Time) (Frame, error)

// NextFrame calls f.
func (f FrameSourceFunc) NextFrame(ctx context.Context, now time.Time) (Frame, error) {
	return f(ctx, now)
}

// Driver pulls frames from a source at a fixed cadence and runs them
// through a pipeline. Ticks that arrive while a frame is being processed
// are dropped by the ticker, so frames never queue.
type Driver struct {
	Pipeline *Pipeline
	Source   FrameSource
	Clock    timeutil.Clock
	Interval time.Duration // default: 1/MaxFrameRate, or 100ms

	// OnResult, when set, receives every frame result synchronously.
	OnResult func(FrameResult)
	// StopOnComplete ends Run once the session reaches StateComplete.
	StopOnComplete bool
}

// Run drives the pipeline until the source is exhausted, the session
// completes (with StopOnComplete), or ctx is cancelled. Exhaustion and
// completion return nil.
func (d *Driver) Run(ctx context.Context) error {
	if d.Pipeline == nil || d.Source == nil {
		return errors.New("pipeline: driver needs a pipeline and a source")
	}
	clock := d.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := d.Interval
	if interval <= 0 {
		interval = timeutil.FrameInterval(d.Pipeline.cfg.MaxFrameRate)
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	survey.Opsf("pipeline: driver started (interval %v)", interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			frame, err := d.Source.NextFrame(ctx, now)
			if errors.Is(err, io.EOF) {
				survey.Opsf("pipeline: source exhausted after %d frames", d.Pipeline.Stats().Processed)
				return nil
			}
			if err != nil {
				return fmt.Errorf("next frame: %w", err)
			}
			if frame.Timestamp.IsZero() {
				frame.Timestamp = now
			}
			res := d.Pipeline.ProcessFrame(frame)
			if d.OnResult != nil {
				d.OnResult(res)
			}
			if d.StopOnComplete && res.State == l5capture.StateComplete {
				return nil
			}
		}
	}
}
