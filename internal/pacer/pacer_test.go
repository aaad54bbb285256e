package pacer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/media"
	"github.com/loqalabs/loqa-relay/internal/session"
)

type outbound struct {
	Event     string `json:"event"`
	StreamSID string `json:"stream_sid"`
	Media     struct {
		Chunk     int    `json:"chunk"`
		Timestamp int64  `json:"timestamp"`
		Payload   []byte `json:"payload"`
	} `json:"media"`
	Mark struct {
		Name string `json:"name"`
	} `json:"mark"`
}

type recordingWriter struct {
	mu      sync.Mutex
	msgs    []outbound
	onWrite func(n int) error
}

func (w *recordingWriter) Write(_ context.Context, data []byte) error {
	w.mu.Lock()
	n := len(w.msgs) + 1
	hook := w.onWrite
	w.mu.Unlock()
	if hook != nil {
		if err := hook(n); err != nil {
			return err
		}
	}
	var msg outbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	w.mu.Lock()
	w.msgs = append(w.msgs, msg)
	w.mu.Unlock()
	return nil
}

func (w *recordingWriter) messages() []outbound {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]outbound(nil), w.msgs...)
}

func pcm(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i)
	}
	return buf
}

func newTurn(t *testing.T, sess *session.Session) session.Turn {
	t.Helper()
	turn, err := sess.BeginStream()
	if err != nil {
		t.Fatalf("begin stream: %v", err)
	}
	return turn
}

func TestStreamTwoFramesThenMark(t *testing.T) {
	sess := session.New()
	sess.Start("sid-1")
	turn := newTurn(t, sess)
	w := &recordingWriter{}
	p := New(WithInterval(time.Millisecond))

	res, err := p.Stream(context.Background(), sess, turn, media.Frames(pcm(640), media.FrameBytes), w)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	msgs := w.messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 2 frames and a mark, got %d messages", len(msgs))
	}
	for i, m := range msgs[:2] {
		if m.Event != "media" || m.StreamSID != "sid-1" {
			t.Fatalf("unexpected frame %d: %+v", i, m)
		}
		if m.Media.Chunk != i+1 {
			t.Fatalf("expected chunk %d, got %d", i+1, m.Media.Chunk)
		}
		if len(m.Media.Payload) != 320 {
			t.Fatalf("expected 320 byte payload, got %d", len(m.Media.Payload))
		}
		if m.Media.Timestamp <= 0 {
			t.Fatalf("expected wall clock timestamp, got %d", m.Media.Timestamp)
		}
	}
	mark := msgs[2]
	if mark.Event != "mark" || mark.Mark.Name != "end_of_tts" || mark.StreamSID != "sid-1" {
		t.Fatalf("unexpected mark %+v", mark)
	}
	if res.Frames != 2 || res.Bytes != 640 || !res.Marked || res.LastSeq != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestStreamContinuesSessionSequence(t *testing.T) {
	sess := session.New()
	p := New(WithInterval(time.Millisecond))
	w := &recordingWriter{}

	turn := newTurn(t, sess)
	if _, err := p.Stream(context.Background(), sess, turn, media.Frames(pcm(640), media.FrameBytes), w); err != nil {
		t.Fatalf("first stream: %v", err)
	}
	sess.EndStream(turn)
	sess.Start("")

	turn = newTurn(t, sess)
	if _, err := p.Stream(context.Background(), sess, turn, media.Frames(pcm(500), media.FrameBytes), w); err != nil {
		t.Fatalf("second stream: %v", err)
	}
	sess.EndStream(turn)

	var chunks, sizes []int
	for _, m := range w.messages() {
		if m.Event == "media" {
			chunks = append(chunks, m.Media.Chunk)
			sizes = append(sizes, len(m.Media.Payload))
		}
	}
	wantChunks := []int{1, 2, 3, 4}
	wantSizes := []int{320, 320, 320, 180}
	for i := range wantChunks {
		if chunks[i] != wantChunks[i] || sizes[i] != wantSizes[i] {
			t.Fatalf("expected chunks %v sizes %v, got %v %v", wantChunks, wantSizes, chunks, sizes)
		}
	}
}

func TestStopAfterFirstFrame(t *testing.T) {
	sess := session.New()
	turn := newTurn(t, sess)
	w := &recordingWriter{}
	w.onWrite = func(n int) error {
		if n == 2 {
			t.Error("no write may follow a stop")
		}
		return nil
	}
	p := New(WithInterval(5 * time.Millisecond))

	frames := media.Frames(pcm(5*320), media.FrameBytes)
	res, err := p.Stream(context.Background(), sess, turn, frames, &stopAfterFirst{w: w, sess: sess})

	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if res.Frames != 1 || res.Marked {
		t.Fatalf("expected exactly one frame and no mark, got %+v", res)
	}
	msgs := w.messages()
	if len(msgs) != 1 || msgs[0].Media.Chunk != 1 {
		t.Fatalf("expected only chunk 1 on the wire, got %+v", msgs)
	}
}

// stopAfterFirst stops the session as soon as the first frame is written,
// the way a client hanging up mid-turn would.
type stopAfterFirst struct {
	w    *recordingWriter
	sess *session.Session
	once sync.Once
}

func (s *stopAfterFirst) Write(ctx context.Context, data []byte) error {
	if err := s.w.Write(ctx, data); err != nil {
		return err
	}
	s.once.Do(s.sess.Stop)
	return nil
}

func TestStopInterruptsWait(t *testing.T) {
	sess := session.New()
	turn := newTurn(t, sess)
	w := &recordingWriter{}
	w.onWrite = func(n int) error {
		if n == 1 {
			go func() {
				time.Sleep(10 * time.Millisecond)
				sess.Stop()
			}()
		}
		return nil
	}
	p := New(WithInterval(time.Second))

	start := time.Now()
	_, err := p.Stream(context.Background(), sess, turn, media.Frames(pcm(3*320), media.FrameBytes), w)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("cancellation took %v, expected well under one interval", elapsed)
	}
	if got := len(w.messages()); got != 1 {
		t.Fatalf("expected 1 message before stop, got %d", got)
	}
}

func TestTransportErrorAborts(t *testing.T) {
	sess := session.New()
	turn := newTurn(t, sess)
	boom := errors.New("broken pipe")
	w := &recordingWriter{onWrite: func(n int) error {
		if n == 2 {
			return boom
		}
		return nil
	}}
	p := New(WithInterval(time.Millisecond))

	res, err := p.Stream(context.Background(), sess, turn, media.Frames(pcm(4*320), media.FrameBytes), w)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if terr.Chunk != 2 || !errors.Is(err, boom) {
		t.Fatalf("unexpected transport error %+v", terr)
	}
	if res.Frames != 1 || res.Marked {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := len(w.messages()); got != 1 {
		t.Fatalf("expected no writes after failure, got %d messages", got)
	}
}

func TestContextCancelAborts(t *testing.T) {
	sess := session.New()
	turn := newTurn(t, sess)
	ctx, cancel := context.WithCancel(context.Background())
	w := &recordingWriter{onWrite: func(n int) error {
		if n == 1 {
			cancel()
		}
		return nil
	}}
	p := New(WithInterval(time.Second))

	_, err := p.Stream(ctx, sess, turn, media.Frames(pcm(2*320), media.FrameBytes), w)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEmptyBufferSendsOnlyMark(t *testing.T) {
	sess := session.New()
	turn := newTurn(t, sess)
	w := &recordingWriter{}
	res, err := New().Stream(context.Background(), sess, turn, media.Frames(nil, media.FrameBytes), w)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	msgs := w.messages()
	if len(msgs) != 1 || msgs[0].Event != "mark" || res.Frames != 0 {
		t.Fatalf("expected a lone mark, got %+v", msgs)
	}
}

func TestPacingApproximatesPlayback(t *testing.T) {
	sess := session.New()
	turn := newTurn(t, sess)
	interval := 5 * time.Millisecond
	res, err := New(WithInterval(interval)).Stream(context.Background(), sess, turn, media.Frames(pcm(6*320), media.FrameBytes), &recordingWriter{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if res.Duration < 6*interval {
		t.Fatalf("expected at least %v of pacing, got %v", 6*interval, res.Duration)
	}
}

func TestCancelledTurnSendsNothing(t *testing.T) {
	sess := session.New()
	turn := newTurn(t, sess)
	sess.Stop()
	w := &recordingWriter{}
	_, err := New().Stream(context.Background(), sess, turn, media.Frames(pcm(320), media.FrameBytes), w)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if len(w.messages()) != 0 {
		t.Fatal("expected no messages for a cancelled turn")
	}
}

// stalledWriter blocks until its context ends, like a socket whose peer
// stopped reading.
type stalledWriter struct{}

func (stalledWriter) Write(ctx context.Context, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestBlockedWriteFailsWithinWriteTimeout(t *testing.T) {
	sess := session.New()
	turn := newTurn(t, sess)
	p := New(WithInterval(time.Millisecond), WithWriteTimeout(30*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	started := time.Now()
	res, err := p.Stream(ctx, sess, turn, media.Frames(pcm(3*320), media.FrameBytes), stalledWriter{})
	elapsed := time.Since(started)

	var terr *TransportError
	if !errors.As(err, &terr) || terr.Chunk != 1 {
		t.Fatalf("expected TransportError on chunk 1, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected write deadline, got %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("blocked write held the stream for %v", elapsed)
	}
	if res.Frames != 0 || res.Marked {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDefaultWriteTimeoutScalesWithInterval(t *testing.T) {
	if got := New(WithInterval(20 * time.Millisecond)).WriteTimeout(); got != 200*time.Millisecond {
		t.Fatalf("expected 200ms write timeout, got %v", got)
	}
	if got := New(WithWriteTimeout(time.Second)).WriteTimeout(); got != time.Second {
		t.Fatalf("expected explicit write timeout, got %v", got)
	}
}

// writeCtxWriter reports whether a write's context survived cancellation of
// the stream context.
type writeCtxWriter struct {
	entered chan struct{}
	release chan struct{}
	errs    chan error
}

func (w *writeCtxWriter) Write(ctx context.Context, _ []byte) error {
	close(w.entered)
	<-w.release
	w.errs <- ctx.Err()
	return nil
}

func TestCancelDuringWriteLeavesWriteContextAlive(t *testing.T) {
	sess := session.New()
	turn := newTurn(t, sess)
	w := &writeCtxWriter{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		errs:    make(chan error, 1),
	}
	p := New(WithInterval(time.Second), WithWriteTimeout(5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Stream(ctx, sess, turn, media.Frames(pcm(2*320), media.FrameBytes), w)
		done <- err
	}()

	<-w.entered
	cancel()
	sess.Stop()
	close(w.release)

	if err := <-w.errs; err != nil {
		t.Fatalf("write context was cancelled with the stream: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled after stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not return after stop")
	}
}
