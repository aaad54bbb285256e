// Package pacer emits audio frames over a relay connection at playback speed.
package pacer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/loqalabs/loqa-relay/internal/media"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/session"
)

// DefaultInterval matches the duration of one media.FrameBytes frame.
const DefaultInterval = 20 * time.Millisecond

// DefaultWriteTimeoutFrames bounds a single write, in frame intervals, when
// WithWriteTimeout is not given.
const DefaultWriteTimeoutFrames = 10

// ErrCancelled is returned when the turn is stopped or replaced mid-stream.
var ErrCancelled = errors.New("pacer: turn cancelled")

// Writer delivers one encoded message to the client.
type Writer interface {
	Write(ctx context.Context, data []byte) error
}

// TransportError wraps a failed write. The remaining frames are dropped.
type TransportError struct {
	Chunk int
	Err   error
}

func (e *TransportError) Error() string {
	if e.Chunk == 0 {
		return fmt.Sprintf("pacer: write end marker: %v", e.Err)
	}
	return fmt.Sprintf("pacer: write chunk %d: %v", e.Chunk, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Result summarises one Stream call, including partial progress on error.
type Result struct {
	Frames   int
	Bytes    int
	LastSeq  int
	Marked   bool
	Duration time.Duration
}

type Option func(*Pacer)

// WithInterval overrides the delay between frames.
func WithInterval(d time.Duration) Option {
	return func(p *Pacer) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithWriteTimeout bounds each write. A write still blocked after d fails the
// stream with a TransportError.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Pacer) {
		if d > 0 {
			p.writeTimeout = d
		}
	}
}

// WithClock overrides the clock used for frame timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pacer) {
		p.now = now
	}
}

type Pacer struct {
	interval     time.Duration
	writeTimeout time.Duration
	now          func() time.Time
}

func New(opts ...Option) *Pacer {
	p := &Pacer{interval: DefaultInterval, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	if p.writeTimeout == 0 {
		p.writeTimeout = DefaultWriteTimeoutFrames * p.interval
	}
	return p
}

func (p *Pacer) Interval() time.Duration { return p.interval }

func (p *Pacer) WriteTimeout() time.Duration { return p.writeTimeout }

// Stream sends frames in order, one interval apart, then the end_of_tts mark.
// The turn is checked before every wait and every write; once it is no
// longer active Stream returns ErrCancelled without sending anything else.
func (p *Pacer) Stream(ctx context.Context, sess *session.Session, turn session.Turn, frames iter.Seq[media.Frame], w Writer) (Result, error) {
	start := p.now()
	var res Result
	finish := func(err error) (Result, error) {
		res.Duration = p.now().Sub(start)
		return res, err
	}

	for frame := range frames {
		streamID, chunk, ok := sess.Claim(turn)
		if !ok {
			return finish(ErrCancelled)
		}
		data, err := protocol.Encode(protocol.NewMedia(streamID, chunk, p.now(), frame.Payload))
		if err != nil {
			return finish(err)
		}
		if err := p.write(ctx, w, data); err != nil {
			return finish(&TransportError{Chunk: chunk, Err: err})
		}
		res.Frames++
		res.Bytes += len(frame.Payload)
		res.LastSeq = chunk

		if !sess.Active(turn) {
			return finish(ErrCancelled)
		}
		if err := p.wait(ctx, turn); err != nil {
			return finish(err)
		}
	}

	if !sess.Active(turn) {
		return finish(ErrCancelled)
	}
	data, err := protocol.Encode(protocol.NewEndOfTTS(sess.StreamID()))
	if err != nil {
		return finish(err)
	}
	if err := p.write(ctx, w, data); err != nil {
		return finish(&TransportError{Err: err})
	}
	res.Marked = true
	return finish(nil)
}

// write detaches from ctx cancellation so stopping a turn mid-write never
// aborts the transport itself; only the write timeout does. Stopping is
// observed at the next checkpoint instead.
func (p *Pacer) write(ctx context.Context, w Writer, data []byte) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.writeTimeout)
	defer cancel()
	return w.Write(wctx, data)
}

func (p *Pacer) wait(ctx context.Context, turn session.Turn) error {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-turn.Done():
		return ErrCancelled
	case <-ctx.Done():
		return fmt.Errorf("pacer: %w", ctx.Err())
	}
}
