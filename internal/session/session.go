// Package session tracks the lifecycle and stream identity of one relay
// connection and hands out cancellable streaming turns.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

type State int

const (
	Idle State = iota
	Connected
	Streaming
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connected:
		return "connected"
	case Streaming:
		return "streaming"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrStreamActive is returned by BeginStream while another turn is in flight.
var ErrStreamActive = errors.New("session: stream already active")

// Turn identifies one streaming operation. It stays active until the session
// is stopped, restarted, closed, or the turn is ended.
type Turn struct {
	id   uint64
	done chan struct{}
}

// ID is unique within the owning session.
func (t Turn) ID() uint64 { return t.id }

// Done is closed once the turn is ended or cancelled.
func (t Turn) Done() <-chan struct{} { return t.done }

// Snapshot is a consistent copy of the session's mutable fields.
type Snapshot struct {
	StreamID  string
	State     State
	Sequence  int
	LastDigit string
}

// Session is the per-connection state machine. All methods are safe to call
// from the connection's read loop and its pacing goroutine.
type Session struct {
	mu        sync.Mutex
	streamID  string
	state     State
	sequence  int
	lastDigit string
	turns     uint64
	current   *Turn
}

// New creates an Idle session with a freshly generated stream identifier.
func New() *Session {
	return &Session{streamID: uuid.NewString(), state: Idle}
}

// Connected moves an Idle session to Connected. Later calls have no effect.
func (s *Session) Connected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Idle {
		s.state = Connected
	}
}

// Start begins a new logical stream. A non-empty streamID replaces the current
// identifier; an empty one keeps it. Any in-flight turn is cancelled so its
// remaining frames are not sent under the new stream.
func (s *Session) Start(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	if streamID != "" {
		s.streamID = streamID
	}
	s.state = Connected
}

// Stop ends the logical stream and cancels any in-flight turn.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.state = Stopped
}

// DTMF records a keypad digit. The state is unchanged.
func (s *Session) DTMF(digit string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDigit = digit
}

// BeginStream enters Streaming and returns the new turn. Only one turn may be
// in flight at a time.
func (s *Session) BeginStream() (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return Turn{}, ErrStreamActive
	}
	s.turns++
	t := Turn{id: s.turns, done: make(chan struct{})}
	s.current = &t
	s.state = Streaming
	return t, nil
}

// EndStream releases t. A session still Streaming under t returns to
// Connected; a cancelled turn leaves the state as its canceller set it.
func (s *Session) EndStream(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.id != t.id {
		return
	}
	s.current = nil
	close(t.done)
	if s.state == Streaming {
		s.state = Connected
	}
}

// Active reports whether t is still the session's live turn.
func (s *Session) Active(t Turn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.id == t.id && s.state == Streaming
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// NextSequence returns the next 1-based chunk number. Numbers are never
// reused for the life of the session.
func (s *Session) NextSequence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence++
	return s.sequence
}

// Claim is the pre-send checkpoint for t. When t is still live it reserves
// the next chunk number and returns it with the current stream identifier.
func (s *Session) Claim(t Turn) (streamID string, chunk int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.id != t.id || s.state != Streaming {
		return "", 0, false
	}
	s.sequence++
	return s.streamID, s.sequence, true
}

func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		StreamID:  s.streamID,
		State:     s.state,
		Sequence:  s.sequence,
		LastDigit: s.lastDigit,
	}
}

// Close cancels any in-flight turn. It is called when the transport closes.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.state = Stopped
}

func (s *Session) cancelLocked() {
	if s.current == nil {
		return
	}
	close(s.current.done)
	s.current = nil
}
