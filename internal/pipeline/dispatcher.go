package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// SynthesizeFunc turns one sentence into an audio clip.
type SynthesizeFunc func(ctx context.Context, sentence string) ([]byte, error)

// ChunkFunc receives each synthesized clip with its position in the run.
type ChunkFunc func(index int, audio []byte, sentence string)

// FailureFunc receives a sentence whose synthesis failed. The sentence gets no index.
type FailureFunc func(sentence string, err error)

type synthResult struct {
	sentence string
	audio    []byte
	err      error
}

// Dispatcher turns sentences into ordered audio chunks for a single run.
//
// With a lookahead of 1 each Dispatch synthesizes inline, so the caller (the token
// stream) blocks until the chunk is out. With a larger lookahead up to that many
// sentences synthesize concurrently while a releaser hands results to ChunkFunc strictly
// in dispatch order. Indices advance only on success, so emitted indices are contiguous.
type Dispatcher struct {
	synthesize SynthesizeFunc
	onChunk    ChunkFunc
	onFailure  FailureFunc

	next int // next chunk index; owned by whichever goroutine releases

	group   *errgroup.Group
	pending chan chan synthResult
	done    chan struct{}
}

// NewDispatcher creates a dispatcher. A lookahead below 1 is treated as 1.
func NewDispatcher(lookahead int, synthesize SynthesizeFunc, onChunk ChunkFunc, onFailure FailureFunc) *Dispatcher {
	d := &Dispatcher{synthesize: synthesize, onChunk: onChunk, onFailure: onFailure}
	if lookahead <= 1 {
		return d
	}

	d.group = new(errgroup.Group)
	d.group.SetLimit(lookahead)
	d.pending = make(chan chan synthResult, lookahead-1)
	d.done = make(chan struct{})
	go d.releaseLoop()
	return d
}

// Dispatch queues a sentence for synthesis. It blocks while the lookahead window is full.
func (d *Dispatcher) Dispatch(ctx context.Context, sentence string) {
	if d.group == nil {
		audio, err := d.synthesize(ctx, sentence)
		d.release(synthResult{sentence: sentence, audio: audio, err: err})
		return
	}

	slot := make(chan synthResult, 1)
	d.pending <- slot
	d.group.Go(func() error {
		audio, err := d.synthesize(ctx, sentence)
		slot <- synthResult{sentence: sentence, audio: audio, err: err}
		return nil
	})
}

// Wait blocks until every dispatched sentence has been released and returns the
// number of chunks emitted. The dispatcher must not be used afterwards.
func (d *Dispatcher) Wait() int {
	if d.group == nil {
		return d.next
	}
	close(d.pending)
	_ = d.group.Wait()
	<-d.done
	return d.next
}

func (d *Dispatcher) releaseLoop() {
	defer close(d.done)
	for slot := range d.pending {
		d.release(<-slot)
	}
}

func (d *Dispatcher) release(r synthResult) {
	if r.err != nil {
		d.onFailure(r.sentence, r.err)
		return
	}
	d.onChunk(d.next, r.audio, r.sentence)
	d.next++
}
