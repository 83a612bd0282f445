package streampipe

import (
	"context"
	"io"
	"time"
)

// Stage observes or transforms chunks as they flow from upstream to the
// client. Process may return the chunk unchanged, a transformed chunk, or
// nil to suppress it. End fires exactly once per run, on every way Run can
// return: a clean finish, a client disconnect, or a read, stage or write
// error.
type Stage interface {
	Name() string
	Process(chunk []byte) ([]byte, error)
	End(ctx context.Context, outcome Outcome) error
}

// Outcome describes how a stream pipeline run concluded.
type Outcome struct {
	Disconnected bool
	Err          error // upstream read error, nil on clean EOF
	Duration     time.Duration
	ChunksSent   int
	BytesSent    int64
}

// Source is the minimal upstream stream contract the pipeline reads from.
// io.EOF from Next signals a clean finish.
type Source interface {
	Next() ([]byte, error)
}

// Pipeline runs a fixed, ordered set of stages over one stream.
type Pipeline struct {
	stages []Stage
}

// New builds a pipeline from stages in forward (upstream-to-client) order.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Run reads from src and writes each processed chunk to w, flushing after
// every write when w supports it. It returns once the stream ends, the
// client disconnects (ctx is cancelled), or a read error occurs; every
// stage's End hook is called before Run returns.
func (p *Pipeline) Run(ctx context.Context, src Source, w io.Writer) Outcome {
	flusher, _ := w.(interface{ Flush() })
	start := time.Now()
	outcome := Outcome{}

	for {
		select {
		case <-ctx.Done():
			outcome.Disconnected = true
			outcome.Duration = time.Since(start)
			p.end(ctx, outcome)
			return outcome
		default:
		}

		chunk, err := src.Next()
		if err != nil {
			if err != io.EOF {
				outcome.Err = err
			}
			outcome.Duration = time.Since(start)
			p.end(ctx, outcome)
			return outcome
		}

		processed := chunk
		for _, stage := range p.stages {
			if processed == nil {
				break
			}
			processed, err = stage.Process(processed)
			if err != nil {
				outcome.Err = err
				outcome.Duration = time.Since(start)
				p.end(ctx, outcome)
				return outcome
			}
		}

		if processed != nil {
			if _, writeErr := w.Write(processed); writeErr != nil {
				outcome.Disconnected = true
				outcome.Duration = time.Since(start)
				p.end(ctx, outcome)
				return outcome
			}
			outcome.ChunksSent++
			outcome.BytesSent += int64(len(processed))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// end invokes every stage's End hook on a context detached from ctx's
// cancellation. A client disconnect (or any other ctx.Done) must not abort
// a stage's finalization write — e.g. the state-capture stage's store.Put
// for a turn whose assistant output was already fully received (§5) — so
// End always runs against a fresh, bounded-lifetime context instead of the
// (possibly already-cancelled) request context.
func (p *Pipeline) end(ctx context.Context, outcome Outcome) {
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for _, stage := range p.stages {
		_ = stage.End(endCtx, outcome)
	}
}
