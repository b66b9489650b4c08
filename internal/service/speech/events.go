package speech

import (
	"context"
	"errors"

	"github.com/zhouzirui/tutor-voice/backend/internal/model/voice"
)

// ErrStreamClosed is returned when writing to a stream that has been closed.
var ErrStreamClosed = errors.New("upstream stream closed")

// EventKind enumerates the normalized upstream signals.
type EventKind int

const (
	EventOpened EventKind = iota + 1
	EventAudio
	EventTranscript
	EventTurn
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio"
	case EventTranscript:
		return "transcript"
	case EventTurn:
		return "turn"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one normalized upstream signal. Only the fields of Kind are set.
// A closed event with a non-nil Err is a transport failure; without Err it
// is an orderly close described by Reason.
type Event struct {
	Kind     EventKind
	Audio    []byte
	Role     voice.Role
	Text     string
	Boundary voice.TurnBoundary
	Reason   string
	Err      error
}

// Stream is one open duplex leg to the speech endpoint. Events is closed
// after the final EventClosed has been delivered (or Close was called).
type Stream interface {
	SendAudio(pcm []byte) error
	Events() <-chan Event
	Close() error
}

// OpenOptions configures a new upstream leg.
type OpenOptions struct {
	SessionID         string
	SystemInstruction string
	Voice             string
	AudioEncoding     string
	SampleRate        int
}

// Dialer opens upstream legs.
type Dialer interface {
	Open(ctx context.Context, opts OpenOptions) (Stream, error)
}
