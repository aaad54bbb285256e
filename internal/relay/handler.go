// Package relay runs the per-connection dispatcher: it feeds control events
// into a session and answers each audio trigger with a paced reply.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/media"
	"github.com/loqalabs/loqa-relay/internal/pacer"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/session"
	"github.com/loqalabs/loqa-relay/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Producer turns reply text into 8 kHz mono s16le PCM.
type Producer interface {
	Produce(ctx context.Context, sessionID, text string) ([]byte, error)
}

type Option func(*Handler)

func WithSink(s Sink) Option {
	return func(h *Handler) { h.sink = s }
}

func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Handler) { h.tracer = tp.Tracer(instrumentationName) }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler serves relay connections. One Handler is shared by all of them.
type Handler struct {
	producer    Producer
	pacer       *pacer.Pacer
	frameBytes  int
	replyText   string
	policy      string
	turnTimeout time.Duration

	sink    Sink
	metrics *Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

func NewHandler(cfg config.RelayConfig, producer Producer, opts ...Option) *Handler {
	h := &Handler{
		producer:    producer,
		pacer: pacer.New(
			pacer.WithInterval(time.Duration(cfg.FrameIntervalMS)*time.Millisecond),
			pacer.WithWriteTimeout(time.Duration(cfg.WriteTimeoutMS)*time.Millisecond),
		),
		frameBytes:  cfg.FrameBytes,
		replyText:   cfg.ReplyText,
		policy:      cfg.TriggerPolicy,
		turnTimeout: time.Duration(cfg.TurnTimeoutMS) * time.Millisecond,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.With(slog.String("component", "relay"))
	if h.frameBytes <= 0 {
		h.frameBytes = media.FrameBytes
	}
	if h.policy == "" {
		h.policy = config.TriggerPolicyReject
	}
	if h.sink == nil {
		h.sink = LogSink{Logger: h.logger}
	}
	if h.metrics == nil {
		h.metrics = noopMetrics()
	}
	if h.tracer == nil {
		h.tracer = otel.GetTracerProvider().Tracer(instrumentationName)
	}
	return h
}

// Serve runs the read loop for conn until the peer hangs up, ctx ends, or a
// turn fails to write. It returns nil for a clean close.
func (h *Handler) Serve(ctx context.Context, conn Conn, remoteAddr string) error {
	ctx, cancel := context.WithCancelCause(ctx)
	c := &connection{
		h:      h,
		id:     uuid.NewString(),
		conn:   conn,
		sess:   session.New(),
		cancel: cancel,
	}

	h.metrics.ActiveSessions.Add(ctx, 1)
	c.emit(ctx, Record{Kind: KindSessionOpened, StreamID: c.sess.StreamID(), Detail: remoteAddr})
	defer func() {
		c.sess.Close()
		cancel(nil)
		c.wg.Wait()
		c.emit(ctx, Record{Kind: KindSessionClosed, StreamID: c.sess.StreamID()})
		h.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if cause := context.Cause(ctx); cause != nil {
				var te *pacer.TransportError
				if errors.As(cause, &te) {
					return cause
				}
				return nil
			}
			if closedByPeer(err) {
				return nil
			}
			return err
		}
		switch typ {
		case websocket.MessageText:
			c.control(ctx, data)
		case websocket.MessageBinary:
			c.trigger(ctx)
		}
	}
}

type connection struct {
	h      *Handler
	id     string
	conn   Conn
	sess   *session.Session
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
}

func (c *connection) emit(ctx context.Context, rec Record) {
	rec.SessionID = c.id
	if rec.At.IsZero() {
		rec.At = c.h.now()
	}
	c.h.sink.Emit(ctx, rec)
}

func (c *connection) countError(ctx context.Context, kind string) {
	c.h.metrics.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (c *connection) control(ctx context.Context, data []byte) {
	evt, err := protocol.Decode(data)
	if err != nil {
		c.countError(ctx, "protocol")
		c.emit(ctx, Record{Kind: KindProtocolError, StreamID: c.sess.StreamID(), Error: err.Error()})
		return
	}

	switch e := evt.(type) {
	case protocol.Connected:
		c.sess.Connected()
		c.emit(ctx, Record{Kind: KindEventConnected, StreamID: c.sess.StreamID()})
	case protocol.Start:
		c.sess.Start(e.StreamSID)
		c.emit(ctx, Record{Kind: KindEventStart, StreamID: c.sess.StreamID()})
	case protocol.Stop:
		c.sess.Stop()
		c.emit(ctx, Record{Kind: KindEventStop, StreamID: c.sess.StreamID()})
	case protocol.DTMF:
		c.sess.DTMF(e.Digit)
		c.emit(ctx, Record{Kind: KindEventDTMF, StreamID: c.sess.StreamID(), Detail: e.Digit})
	case protocol.Unknown:
		c.emit(ctx, Record{Kind: KindEventUnknown, StreamID: c.sess.StreamID(), Detail: e.Event})
	}
}

// trigger starts a reply turn, applying the trigger policy when one is
// already in flight.
func (c *connection) trigger(ctx context.Context) {
	if c.sess.Busy() {
		if c.h.policy != config.TriggerPolicyPreempt {
			c.h.metrics.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "rejected")))
			c.emit(ctx, Record{Kind: KindTriggerRejected, StreamID: c.sess.StreamID(), Detail: "turn in flight"})
			return
		}
		c.sess.Stop()
	}

	turn, err := c.sess.BeginStream()
	if err != nil {
		c.emit(ctx, Record{Kind: KindTriggerRejected, StreamID: c.sess.StreamID(), Error: err.Error()})
		return
	}

	c.h.logger.Debug("turn started", slog.String("session_id", c.id), slog.Uint64("turn", turn.ID()))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.sess.EndStream(turn)
		c.runTurn(ctx, turn)
	}()
}

func (c *connection) runTurn(ctx context.Context, turn session.Turn) {
	h := c.h
	ctx, span := h.tracer.Start(ctx, "relay.turn", trace.WithAttributes(
		attribute.String("relay.session_id", c.id),
		attribute.Int64("relay.turn", int64(turn.ID())),
	))
	defer span.End()

	if h.turnTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, h.turnTimeout)
		defer cancelTimeout()
	}
	// A stopped or replaced turn also aborts any synthesis still running.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-turn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	started := time.Now()
	pcm, err := h.producer.Produce(ctx, c.id, h.replyText)
	h.metrics.ProduceDuration.Record(ctx, time.Since(started).Seconds())
	if err != nil {
		c.finishTurn(ctx, span, turn, pacer.Result{}, err)
		return
	}

	res, err := h.pacer.Stream(ctx, c.sess, turn, media.Frames(pcm, h.frameBytes), c.conn)
	h.metrics.FramesSent.Add(ctx, int64(res.Frames))
	c.finishTurn(ctx, span, turn, res, err)
}

// finishTurn classifies the outcome. A turn aborted by Stop, by a newer
// trigger, or by the connection closing counts as cancelled, not failed.
func (c *connection) finishTurn(ctx context.Context, span trace.Span, turn session.Turn, res pacer.Result, err error) {
	aborted := cancelled(turn) || errors.Is(err, pacer.ErrCancelled) || errors.Is(ctx.Err(), context.Canceled)
	ctx = context.WithoutCancel(ctx)
	span.SetAttributes(attribute.Int("relay.frames", res.Frames))
	rec := Record{StreamID: c.sess.StreamID(), Turn: turn.ID(), Frames: res.Frames}

	status := "completed"
	switch {
	case err == nil:
		rec.Kind = KindTurnCompleted
	case aborted:
		status = "cancelled"
		rec.Kind = KindTurnCancelled
	default:
		status = "failed"
		kind := errorKind(err)
		rec.Kind = KindTurnFailed
		rec.Detail = kind
		rec.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		c.countError(ctx, kind)

		var te *pacer.TransportError
		if errors.As(err, &te) {
			c.cancel(err)
		}
	}
	span.SetAttributes(attribute.String("relay.status", status))
	c.h.metrics.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	c.emit(ctx, rec)
}

func cancelled(turn session.Turn) bool {
	select {
	case <-turn.Done():
		return true
	default:
		return false
	}
}

func errorKind(err error) string {
	var (
		synthErr     *speech.SynthesisError
		transcodeErr *speech.TranscodeError
		transportErr *pacer.TransportError
	)
	switch {
	case errors.As(err, &synthErr):
		return "synthesis"
	case errors.As(err, &transcodeErr):
		return "transcode"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "internal"
}
