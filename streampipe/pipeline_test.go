package streampipe

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSource struct {
	chunks [][]byte
	idx    int
}

func (f *fakeSource) Next() ([]byte, error) {
	if f.idx >= len(f.chunks) {
		return nil, io.EOF
	}
	c := f.chunks[f.idx]
	f.idx++
	return c, nil
}

func TestPipelineRunFinishesCleanlyAndCallsEnd(t *testing.T) {
	src := &fakeSource{chunks: [][]byte{[]byte("data: {\"delta\":\"hi\"}\n\n"), []byte("data: [DONE]\n\n")}}
	var dst bytes.Buffer
	observer := NewObserverStage(zerolog.New(io.Discard), "gpt-4o")

	p := New(observer)
	outcome := p.Run(context.Background(), src, &dst)

	if outcome.Disconnected || outcome.Err != nil {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.ChunksSent != 2 {
		t.Fatalf("expected 2 chunks forwarded, got %d", outcome.ChunksSent)
	}
	if dst.Len() == 0 {
		t.Fatal("expected bytes written to destination")
	}
}

func TestPipelineRunDetectsDisconnectViaContext(t *testing.T) {
	src := &fakeSource{chunks: [][]byte{[]byte("data: {\"delta\":\"hi\"}\n\n")}}
	var dst bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(NewObserverStage(zerolog.New(io.Discard), "gpt-4o"))
	outcome := p.Run(ctx, src, &dst)

	if !outcome.Disconnected {
		t.Fatalf("expected disconnect outcome, got %+v", outcome)
	}
}

func TestPipelineRunPropagatesStageError(t *testing.T) {
	src := &fakeSource{chunks: [][]byte{[]byte("chunk-1")}}
	var dst bytes.Buffer
	p := New(&erroringStage{})

	outcome := p.Run(context.Background(), src, &dst)
	if outcome.Err == nil {
		t.Fatal("expected stage error to propagate")
	}
}

type erroringStage struct{}

func (erroringStage) Name() string { return "erroring" }
func (erroringStage) Process(chunk []byte) ([]byte, error) {
	return nil, errBoom
}
func (erroringStage) End(context.Context, Outcome) error { return nil }

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }

func TestObserverStageEstimatesTokens(t *testing.T) {
	o := NewObserverStage(zerolog.New(io.Discard), "gpt-4o")
	_, _ = o.Process([]byte("data: {\"delta\":\"hello world this is a longer chunk of text\"}\n\n"))
	if o.TokensEstimated() == 0 {
		t.Fatal("expected a non-zero token estimate")
	}
	_ = o.End(context.Background(), Outcome{Duration: time.Millisecond})
}
