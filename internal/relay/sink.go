package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
)

// Record kinds emitted by the dispatcher.
const (
	KindSessionOpened   = "session.opened"
	KindSessionClosed   = "session.closed"
	KindEventConnected  = "event.connected"
	KindEventStart      = "event.start"
	KindEventStop       = "event.stop"
	KindEventDTMF       = "event.dtmf"
	KindEventUnknown    = "event.unknown"
	KindProtocolError   = "protocol.error"
	KindTriggerRejected = "trigger.rejected"
	KindTurnCompleted   = "turn.completed"
	KindTurnCancelled   = "turn.cancelled"
	KindTurnFailed      = "turn.failed"
)

// Record is one observable step in a connection's life.
type Record struct {
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id"`
	StreamID  string    `json:"stream_sid,omitempty"`
	Turn      uint64    `json:"turn,omitempty"`
	Frames    int       `json:"frames,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives records. Emit is called synchronously from the connection's
// goroutines and must not block for long.
type Sink interface {
	Emit(ctx context.Context, rec Record)
}

// MultiSink fans a record out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, rec Record) {
	for _, s := range m {
		s.Emit(ctx, rec)
	}
}

// LogSink writes records to a structured logger. Failures log at warn.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, rec Record) {
	level := slog.LevelDebug
	switch rec.Kind {
	case KindTurnFailed, KindProtocolError:
		level = slog.LevelWarn
	case KindSessionOpened, KindSessionClosed, KindTurnCompleted, KindTriggerRejected:
		level = slog.LevelInfo
	}
	attrs := []slog.Attr{
		slog.String("session_id", rec.SessionID),
	}
	if rec.StreamID != "" {
		attrs = append(attrs, slog.String("stream_sid", rec.StreamID))
	}
	if rec.Turn != 0 {
		attrs = append(attrs, slog.Uint64("turn", rec.Turn), slog.Int("frames", rec.Frames))
	}
	if rec.Detail != "" {
		attrs = append(attrs, slog.String("detail", rec.Detail))
	}
	if rec.Error != "" {
		attrs = append(attrs, slog.String("error", rec.Error))
	}
	s.Logger.LogAttrs(ctx, level, rec.Kind, attrs...)
}

// StoreSink persists records to the event store timeline.
type StoreSink struct {
	Store  *eventstore.Store
	Logger *slog.Logger
}

func (s StoreSink) Emit(ctx context.Context, rec Record) {
	if !s.Store.Enabled() {
		return
	}
	// Records are still written while the connection is being torn down.
	ctx = context.WithoutCancel(ctx)

	var err error
	switch rec.Kind {
	case KindSessionOpened:
		err = s.Store.OpenSession(ctx, rec.SessionID, rec.Detail)
	case KindSessionClosed:
		err = s.Store.CloseSession(ctx, rec.SessionID)
	default:
		detail := rec.Detail
		if rec.Error != "" {
			detail = rec.Error
		}
		err = s.Store.AppendEvent(ctx, eventstore.Event{
			SessionID: rec.SessionID,
			StreamID:  rec.StreamID,
			Type:      rec.Kind,
			Detail:    detail,
			Frames:    rec.Frames,
			CreatedAt: rec.At,
		})
	}
	if err != nil {
		s.Logger.Warn("failed to store relay record", slog.String("kind", rec.Kind), slogError(err))
	}
}

// BusSink publishes each record as JSON on <prefix>.<kind>.
type BusSink struct {
	Client *bus.Client
	Logger *slog.Logger
}

func (s BusSink) Emit(_ context.Context, rec Record) {
	if err := s.Client.PublishJSON(rec.Kind, rec); err != nil {
		s.Logger.Warn("failed to publish relay record", slog.String("kind", rec.Kind), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
