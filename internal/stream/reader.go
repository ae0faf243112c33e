package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ErrStreamClosed is returned by Next once a stream has been closed or canceled.
var ErrStreamClosed = errors.New("stream closed")

const readChunkSize = 4096

// Stream is a lazy, single-use sequence of frames.
type Stream interface {
	// Next blocks until a frame is available. It returns io.EOF when the
	// server ends the stream cleanly. Canceling ctx closes the stream.
	Next(ctx context.Context) (Frame, error)
	// LastEventID returns the id to resume from after a reconnect.
	LastEventID() string
	Close() error
}

// Source opens streams. lastEventID is empty on the first connection.
type Source interface {
	Open(ctx context.Context, lastEventID string) (Stream, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, lastEventID string) (Stream, error)

// Open calls f.
func (f SourceFunc) Open(ctx context.Context, lastEventID string) (Stream, error) {
	return f(ctx, lastEventID)
}

// reader frames an io.ReadCloser carrying text/event-stream data.
type reader struct {
	body    io.ReadCloser
	parser  *Parser
	buf     []byte
	pending []Frame
	eof     bool

	mu        sync.Mutex
	lastID    atomic.Value
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewReader wraps body. Frames are parsed as bytes arrive.
func NewReader(body io.ReadCloser, lastEventID string) Stream {
	r := &reader{
		body:   body,
		parser: NewParser(lastEventID),
		buf:    make([]byte, readChunkSize),
	}
	r.lastID.Store(lastEventID)
	return r
}

func (r *reader) Next(ctx context.Context) (Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	for {
		if r.closed.Load() {
			r.syncLastID()
			r.pending = nil
			if err := ctx.Err(); err != nil {
				return Frame{}, err
			}
			return Frame{}, ErrStreamClosed
		}
		if len(r.pending) > 0 {
			f := r.pending[0]
			r.pending = r.pending[1:]
			r.lastID.Store(f.ID)
			r.syncLastID()
			return f, nil
		}
		if r.eof {
			return Frame{}, io.EOF
		}

		n, err := r.body.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.parser.Feed(r.buf[:n])...)
		}
		if err == nil {
			continue
		}

		switch {
		case ctx.Err() != nil:
			r.syncLastID()
			_ = r.Close()
			return Frame{}, ctx.Err()
		case r.closed.Load():
			r.syncLastID()
			r.pending = nil
			return Frame{}, ErrStreamClosed
		case errors.Is(err, io.EOF):
			r.eof = true
			r.parser.Reset()
			r.syncLastID()
		default:
			r.syncLastID()
			_ = r.Close()
			r.pending = nil
			return Frame{}, fmt.Errorf("read event stream: %w", err)
		}
	}
}

// syncLastID advances the resume id to the parser's once every parsed
// frame has been handed out. Frames with only an id: line move it too.
func (r *reader) syncLastID() {
	if len(r.pending) == 0 {
		r.lastID.Store(r.parser.LastEventID())
	}
}

func (r *reader) LastEventID() string {
	id, _ := r.lastID.Load().(string)
	return id
}

// Close releases the body and discards any partial frame. It is safe to
// call from another goroutine while Next is blocked.
func (r *reader) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.closeErr = r.body.Close()
	})
	return r.closeErr
}
