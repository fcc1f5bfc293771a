package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/surface.report/internal/survey"
	"github.com/banshee-data/surface.report/internal/survey/l5capture"
	"github.com/banshee-data/surface.report/internal/survey/l6consensus"
	"github.com/banshee-data/surface.report/internal/survey/pipeline"
	"github.com/banshee-data/surface.report/internal/timeutil"
)

// Report summarises one replayed session.
type Report struct {
	Recording       string                `json:"recording"`
	Frames          int                   `json:"frames"`
	Stats           pipeline.Stats        `json:"stats"`
	AlignedFrames   int                   `json:"aligned_frames"`
	TransformFrames int                   `json:"transform_frames"`
	AutoCaptures    int                   `json:"auto_captures"`
	ManualCaptures  int                   `json:"manual_captures"`
	Session         l5capture.ScanSession `json:"session"`
	Complete        bool                  `json:"complete"`
	Result          *l6consensus.Result   `json:"result,omitempty"`
	ProcessingMs    int64                 `json:"processing_ms"`
}

// Runner replays a recording through a pipeline and reconciles the session.
type Runner struct {
	Pipeline *pipeline.Pipeline

	// Clock paces frames through a pipeline.Driver when set. Nil replays
	// as fast as frames decode.
	Clock    timeutil.Clock
	Interval time.Duration

	// KeepGoing replays the whole recording even after the session
	// completes.
	KeepGoing bool
}

// Run replays every frame of rp. An incomplete session is not an error: the
// report has Complete=false and no Result.
func (rn *Runner) Run(ctx context.Context, rp *Replayer) (*Report, error) {
	if rn.Pipeline == nil {
		return nil, errors.New("replay: runner needs a pipeline")
	}
	p := rn.Pipeline
	start := time.Now()
	rep := &Report{Recording: rp.Header().Name}

	p.StartSession(rp.Manifest().Start())
	observe := func(res pipeline.FrameResult) {
		rep.Frames++
		if res.Dropped {
			return
		}
		if res.Alignment.Aligned {
			rep.AlignedFrames++
		}
		if res.Transform.Valid {
			rep.TransformFrames++
		}
		if res.Captured {
			rep.AutoCaptures++
		}
		if rp.takeCapture() && !res.Captured && res.State == l5capture.StateActive && p.Capture() {
			rep.ManualCaptures++
		}
	}

	var err error
	if rn.Clock != nil {
		d := &pipeline.Driver{
			Pipeline:       p,
			Source:         rp,
			Clock:          rn.Clock,
			Interval:       rn.Interval,
			OnResult:       observe,
			StopOnComplete: !rn.KeepGoing,
		}
		err = d.Run(ctx)
	} else {
		err = rn.runFast(ctx, rp, observe)
	}
	if err != nil {
		return nil, err
	}

	rep.Stats = p.Stats()
	session, _ := p.Session()
	rep.Session = session
	rep.Complete = session.Complete
	if !session.Complete {
		survey.Opsf("replay: session %s incomplete (%d/%d captures after %d frames)",
			session.ID, session.Completed, session.Needed, rep.Frames)
		rep.ProcessingMs = time.Since(start).Milliseconds()
		return rep, nil
	}

	select {
	case out := <-p.RunConsensusAsync(ctx, session):
		if out.Err != nil {
			return nil, fmt.Errorf("consensus: %w", out.Err)
		}
		rep.Result = &out.Result
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	rep.ProcessingMs = time.Since(start).Milliseconds()
	survey.Opsf("replay: %d frames, %d clusters, confidence %.3f",
		rep.Frames, len(rep.Result.Clusters), rep.Result.Confidence)
	return rep, nil
}

func (rn *Runner) runFast(ctx context.Context, rp *Replayer, observe func(pipeline.FrameResult)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, _, err := rp.ReadFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		res := rn.Pipeline.ProcessFrame(f)
		observe(res)
		if !rn.KeepGoing && res.State == l5capture.StateComplete {
			return nil
		}
	}
}
