package chat

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"time"

	"google.golang.org/genai"
)

// Stream reader defaults.
const (
	DefaultFirstChunkTimeout = 90 * time.Second
	DefaultChunkTimeout      = 30 * time.Second
	DefaultMaxChunks         = 10_000
)

var (
	// errStreamStalled is returned when a chunk does not arrive in time.
	errStreamStalled = errors.New("model stream stalled")
	// errTooManyChunks is returned when a stream exceeds the chunk ceiling.
	errTooManyChunks = errors.New("model stream exceeded the chunk limit")
)

type pulled struct {
	resp *genai.GenerateContentResponse
	err  error
}

// chunkReader pulls chunks from an upstream sequence with per-chunk
// deadlines. The upstream is ranged over in its own goroutine; Close stops
// it and waits for it to return, which releases the upstream stream.
type chunkReader struct {
	ch     chan pulled
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	firstTimeout time.Duration
	chunkTimeout time.Duration
	maxChunks    int
	count        int
}

// newChunkReader starts draining seq. ctx must be the context the upstream
// request was made with (or a parent of it) so cancelling the reader also
// cancels the request.
func newChunkReader(ctx context.Context, cancel context.CancelFunc, seq iter.Seq2[*genai.GenerateContentResponse, error], firstTimeout, chunkTimeout time.Duration, maxChunks int) *chunkReader {
	r := &chunkReader{
		ch:           make(chan pulled),
		cancel:       cancel,
		done:         make(chan struct{}),
		firstTimeout: firstTimeout,
		chunkTimeout: chunkTimeout,
		maxChunks:    maxChunks,
	}
	go func() {
		defer close(r.done)
		defer close(r.ch)
		for resp, err := range seq {
			select {
			case r.ch <- pulled{resp: resp, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return r
}

// Next returns the next chunk, io.EOF at the end of the stream,
// errStreamStalled when the deadline passes, or errTooManyChunks once a chunk
// beyond maxChunks arrives.
func (r *chunkReader) Next(ctx context.Context) (*genai.GenerateContentResponse, error) {
	timeout := r.chunkTimeout
	if r.count == 0 {
		timeout = r.firstTimeout
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case p, ok := <-r.ch:
		if !ok {
			return nil, io.EOF
		}
		if p.err != nil {
			return nil, p.err
		}
		r.count++
		if r.maxChunks > 0 && r.count > r.maxChunks {
			return nil, errTooManyChunks
		}
		return p.resp, nil
	case <-timer:
		return nil, errStreamStalled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Count returns the number of chunks read so far.
func (r *chunkReader) Count() int { return r.count }

// Close cancels the upstream request and waits for the drain goroutine.
// It is safe to call more than once.
func (r *chunkReader) Close() {
	r.once.Do(func() {
		r.cancel()
		<-r.done
	})
}
