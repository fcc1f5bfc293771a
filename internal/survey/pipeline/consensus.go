package pipeline

import (
	"context"

	"github.com/banshee-data/surface.report/internal/survey/l5capture"
	"github.com/banshee-data/surface.report/internal/survey/l6consensus"
)

// ConsensusOutcome carries the result of an asynchronous consensus run.
type ConsensusOutcome struct {
	Result l6consensus.Result
	Err    error
}

// RunConsensus reconciles a complete session synchronously.
func (p *Pipeline) RunConsensus(session l5capture.ScanSession) (l6consensus.Result, error) {
	return p.consensus.Process(session)
}

// RunConsensusAsync reconciles session off the frame loop. The session is
// copied first, so the pipeline may start a new session immediately. The
// returned channel receives exactly one outcome and is then closed.
func (p *Pipeline) RunConsensusAsync(ctx context.Context, session l5capture.ScanSession) <-chan ConsensusOutcome {
	out := make(chan ConsensusOutcome, 1)
	snapshot := session.Clone()
	go func() {
		defer close(out)
		if err := ctx.Err(); err != nil {
			out <- ConsensusOutcome{Err: err}
			return
		}
		res, err := p.consensus.Process(snapshot)
		out <- ConsensusOutcome{Result: res, Err: err}
	}()
	return out
}
