package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is a decoded inbound control message: one of Connected, Start, Stop,
// DTMF or Unknown.
type Event interface {
	Name() string
}

type Connected struct{}

// Start optionally carries the stream identifier chosen by the client.
type Start struct {
	StreamSID string
}

type Stop struct{}

type DTMF struct {
	Digit string
}

// Unknown is produced for any event name the relay does not handle.
type Unknown struct {
	Event string
	Raw   json.RawMessage
}

func (Connected) Name() string { return EventConnected }
func (Start) Name() string     { return EventStart }
func (Stop) Name() string      { return EventStop }
func (DTMF) Name() string      { return EventDTMF }
func (u Unknown) Name() string { return u.Event }

// ProtocolError reports an inbound message that could not be decoded.
type ProtocolError struct {
	Raw []byte
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: malformed message: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Decode parses one inbound text message.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Raw: data, Err: err}
	}
	switch env.Event {
	case EventConnected:
		return Connected{}, nil
	case EventStart:
		return Start{StreamSID: env.StreamSID}, nil
	case EventStop:
		return Stop{}, nil
	case EventDTMF:
		return DTMF{Digit: env.DTMF}, nil
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Event: env.Event, Raw: raw}, nil
	}
}
