// Package session owns the live voice sessions: creation, lookup, relay of
// upstream events and teardown.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/tutor-voice/backend/internal/model/voice"
	"github.com/zhouzirui/tutor-voice/backend/internal/service/ai"
	"github.com/zhouzirui/tutor-voice/backend/internal/service/speech"
	"github.com/zhouzirui/tutor-voice/backend/internal/service/transcript"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrPersonaValidation = errors.New("persona validation failed")
	ErrUpstreamNotOpen   = errors.New("upstream connection is not open")
	ErrForwardFailed     = errors.New("audio forward failed")
	ErrTooManySessions   = errors.New("too many active sessions for user")
	ErrMissingField      = errors.New("missing required field")
)

// Teardown reasons, reported to the client in session_ended and used as a
// metrics label.
const (
	ReasonClientDisconnect   = "client_disconnect"
	ReasonSocketClosed       = "socket_closed"
	ReasonIdleTimeout        = "idle_timeout"
	ReasonReinit             = "reinit"
	ReasonUserCleanup        = "user_cleanup"
	ReasonShutdown           = "shutdown"
	ReasonUpstreamOpenFailed = "upstream_open_failed"
)

// Client is the caller-facing side of a session. Send must not block; it
// reports false when the frame could not be queued.
type Client interface {
	Send(msg voice.ServerMessage) bool
}

// PersonaResolver resolves an agent title or persona id into the
// instruction the upstream leg is opened with.
type PersonaResolver interface {
	ResolvePersona(ctx context.Context, key string) (ai.Profile, error)
}

// Watcher schedules liveness checks for a session. The returned func stops
// them and must be safe to call more than once.
type Watcher interface {
	Watch(sessionID string) (stop func())
}

// Session is one live relay between a client connection and an upstream
// leg. Identity fields are immutable; the rest is guarded by mu.
type Session struct {
	ID              string
	UserID          string
	PersonaID       string
	ConversationKey string
	CreatedAt       time.Time

	client     Client
	transcript *transcript.Buffer
	stopWatch  func()
	ending     atomic.Bool

	mu             sync.Mutex
	upstream       speech.Stream
	upstreamState  voice.UpstreamState
	turnState      voice.TurnState
	lastActivityAt time.Time
}

// Info is a point-in-time copy of a session's state.
type Info struct {
	ID              string
	UserID          string
	PersonaID       string
	ConversationKey string
	CreatedAt       time.Time
	UpstreamState   voice.UpstreamState
	TurnState       voice.TurnState
	LastActivityAt  time.Time
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:              s.ID,
		UserID:          s.UserID,
		PersonaID:       s.PersonaID,
		ConversationKey: s.ConversationKey,
		CreatedAt:       s.CreatedAt,
		UpstreamState:   s.upstreamState,
		TurnState:       s.turnState,
		LastActivityAt:  s.lastActivityAt,
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivityAt = now
	s.mu.Unlock()
}

func (s *Session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

func (s *Session) setUpstreamState(state voice.UpstreamState) {
	s.mu.Lock()
	s.upstreamState = state
	s.mu.Unlock()
}

func (s *Session) setTurnState(state voice.TurnState) {
	s.mu.Lock()
	s.turnState = state
	s.mu.Unlock()
}

// openUpstream returns the stream when the leg is open.
func (s *Session) openUpstream() (speech.Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream, s.upstream != nil && s.upstreamState == voice.UpstreamOpen
}

// send drops frames once teardown has started so nothing follows session_ended.
func (s *Session) send(msg voice.ServerMessage) {
	if s.ending.Load() {
		return
	}
	s.client.Send(msg)
}
