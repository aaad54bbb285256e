package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
)

// Outbound event names.
const (
	EventMedia = "media"
	EventMark  = "mark"

	// MarkEndOfTTS names the marker sent after the final frame of a turn.
	MarkEndOfTTS = "end_of_tts"
)

// Envelope is the inbound control message shape. Unknown fields are kept in
// the raw payload carried by Unknown events.
type Envelope struct {
	Event     string `json:"event"`
	StreamSID string `json:"stream_sid,omitempty"`
	DTMF      string `json:"dtmf,omitempty"`
}

// Media is sent once per audio frame.
type Media struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"stream_sid"`
	Media     MediaPayload `json:"media"`
}

// MediaPayload carries a frame. Payload is base64 encoded by encoding/json.
type MediaPayload struct {
	Chunk     int    `json:"chunk"`
	Timestamp int64  `json:"timestamp"`
	Payload   []byte `json:"payload"`
}

// Mark tags a point in the outbound stream.
type Mark struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"stream_sid"`
	Mark      MarkPayload `json:"mark"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

// NewMedia builds the outbound message for one frame emitted at ts.
func NewMedia(streamSID string, chunk int, ts time.Time, payload []byte) Media {
	return Media{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media: MediaPayload{
			Chunk:     chunk,
			Timestamp: ts.UnixMilli(),
			Payload:   payload,
		},
	}
}

// NewEndOfTTS builds the end-of-stream marker for streamSID.
func NewEndOfTTS(streamSID string) Mark {
	return Mark{Event: EventMark, StreamSID: streamSID, Mark: MarkPayload{Name: MarkEndOfTTS}}
}

// Encode marshals an outbound message.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	return data, nil
}
