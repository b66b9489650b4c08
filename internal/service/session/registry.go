package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/zhouzirui/tutor-voice/backend/internal/logger"
	"github.com/zhouzirui/tutor-voice/backend/internal/metrics"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/voice"
	"github.com/zhouzirui/tutor-voice/backend/internal/service/speech"
	"github.com/zhouzirui/tutor-voice/backend/internal/service/transcript"
)

// Options configures a Registry.
type Options struct {
	MaxSessionsPerUser int
	OpenTimeout        time.Duration
	AudioEncoding      string
	SampleRate         int
	Transcript         transcript.Options
}

func (o Options) withDefaults() Options {
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 20 * time.Second
	}
	if o.AudioEncoding == "" {
		o.AudioEncoding = "pcm16"
	}
	if o.SampleRate <= 0 {
		o.SampleRate = 16000
	}
	return o
}

// Registry is the authoritative map of live sessions and the per-user
// index. Both maps are only touched under mu.
type Registry struct {
	resolver PersonaResolver
	dialer   speech.Dialer
	store    chat.TurnStore
	metrics  *metrics.Metrics
	opts     Options
	log      *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}
	watcher  Watcher

	newID func() string
	now   func() time.Time
}

// NewRegistry wires the registry to its collaborators. m may be nil.
func NewRegistry(resolver PersonaResolver, dialer speech.Dialer, store chat.TurnStore, m *metrics.Metrics, opts Options) *Registry {
	return &Registry{
		resolver: resolver,
		dialer:   dialer,
		store:    store,
		metrics:  m,
		opts:     opts.withDefaults(),
		log:      logger.With("component", "registry"),
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// SetWatcher installs the liveness watcher used for sessions created from
// now on.
func (r *Registry) SetWatcher(w Watcher) {
	r.mu.Lock()
	r.watcher = w
	r.mu.Unlock()
}

// Create validates the persona, registers a connecting session and opens
// its upstream leg. It returns once the upstream has accepted the session
// or has failed; on success session_ready has already been queued to
// client. On failure the registry is left as it was.
func (r *Registry) Create(ctx context.Context, client Client, userID, agentKey string) (string, error) {
	userID = strings.TrimSpace(userID)
	agentKey = strings.TrimSpace(agentKey)
	if userID == "" {
		return "", fmt.Errorf("%w: userId", ErrMissingField)
	}
	if agentKey == "" {
		return "", fmt.Errorf("%w: agentTitle", ErrMissingField)
	}

	profile, err := r.resolver.ResolvePersona(ctx, agentKey)
	if err != nil {
		r.metrics.RecordSessionRejected("persona_invalid")
		return "", fmt.Errorf("%w: %w", ErrPersonaValidation, err)
	}

	s, err := r.insert(client, userID, profile.PersonaID)
	if err != nil {
		r.metrics.RecordSessionRejected("limit")
		return "", err
	}
	l := r.log.With("session", s.ID, "user", userID, "persona", profile.PersonaID)

	openCtx, cancel := context.WithTimeout(ctx, r.opts.OpenTimeout)
	defer cancel()

	stream, err := r.dialer.Open(openCtx, speech.OpenOptions{
		SessionID:         s.ID,
		SystemInstruction: profile.Instruction,
		Voice:             profile.Voice,
		AudioEncoding:     r.opts.AudioEncoding,
		SampleRate:        r.opts.SampleRate,
	})
	if err != nil {
		l.Error("upstream open failed", "err", err)
		r.teardown(s.ID, ReasonUpstreamOpenFailed, false)
		return "", fmt.Errorf("open upstream: %w", err)
	}

	// Attached while connecting so a concurrent teardown closes the stream
	// and unblocks the setup wait below.
	if !r.attach(s, stream, voice.UpstreamConnecting) {
		if err := stream.Close(); err != nil {
			l.Warn("close orphaned upstream", "err", err)
		}
		return "", fmt.Errorf("session %s torn down during setup", s.ID)
	}

	if err := awaitOpened(openCtx, stream); err != nil {
		l.Error("upstream setup failed", "err", err)
		r.teardown(s.ID, ReasonUpstreamOpenFailed, false)
		return "", fmt.Errorf("open upstream: %w", err)
	}
	if !r.attach(s, stream, voice.UpstreamOpen) {
		return "", fmt.Errorf("session %s torn down during setup", s.ID)
	}

	s.send(voice.SessionReady(s.ID))
	s.send(voice.GeminiConnected(s.ID))
	go r.relay(s, stream, l)

	l.Info("session created")
	return s.ID, nil
}

// attach records stream and state on s if s is still registered.
func (r *Registry) attach(s *Session, stream speech.Stream, state voice.UpstreamState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, alive := r.sessions[s.ID]; !alive {
		return false
	}
	s.mu.Lock()
	s.upstream = stream
	s.upstreamState = state
	s.mu.Unlock()
	return true
}

// awaitOpened waits for the upstream's first event, which must report the
// session as accepted.
func awaitOpened(ctx context.Context, stream speech.Stream) error {
	select {
	case ev, ok := <-stream.Events():
		switch {
		case !ok:
			return errors.New("upstream closed before setup completed")
		case ev.Kind == speech.EventOpened:
			return nil
		case ev.Kind == speech.EventClosed && ev.Err != nil:
			return fmt.Errorf("upstream rejected setup: %w", ev.Err)
		case ev.Kind == speech.EventClosed:
			return fmt.Errorf("upstream closed before setup completed: %s", ev.Reason)
		default:
			return fmt.Errorf("unexpected upstream %s event before setup completed", ev.Kind)
		}
	case <-ctx.Done():
		return fmt.Errorf("waiting for upstream setup: %w", ctx.Err())
	}
}

func (r *Registry) insert(client Client, userID, personaID string) (*Session, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if limit := r.opts.MaxSessionsPerUser; limit > 0 && len(r.byUser[userID]) >= limit {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManySessions, limit)
	}

	id := r.newID()
	key := chat.ConversationKey(userID, personaID)
	s := &Session{
		ID:              id,
		UserID:          userID,
		PersonaID:       personaID,
		ConversationKey: key,
		CreatedAt:       now,
		client:          client,
		transcript:      transcript.NewBuffer(r.store, key, id, r.opts.Transcript, r.metrics),
		upstreamState:   voice.UpstreamConnecting,
		turnState:       voice.TurnIdle,
		lastActivityAt:  now,
	}
	if r.watcher != nil {
		s.stopWatch = r.watcher.Watch(id)
	}

	r.sessions[id] = s
	ids, ok := r.byUser[userID]
	if !ok {
		ids = make(map[string]struct{})
		r.byUser[userID] = ids
	}
	ids[id] = struct{}{}

	r.metrics.RecordSessionStart()
	return s, nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(sessionID string) (Info, bool) {
	s := r.lookup(sessionID)
	if s == nil {
		return Info{}, false
	}
	return s.info(), true
}

func (r *Registry) lookup(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// Teardown removes the session and releases its upstream leg, watch and
// transcript buffer, then tells the client the session ended. It is
// idempotent and reports whether this call performed the teardown. The
// client connection itself is left open.
func (r *Registry) Teardown(sessionID, reason string) bool {
	return r.teardown(sessionID, reason, true)
}

// Release is Teardown without the session_ended notice, for callers whose
// client connection is already gone.
func (r *Registry) Release(sessionID, reason string) bool {
	return r.teardown(sessionID, reason, false)
}

func (r *Registry) teardown(sessionID, reason string, notify bool) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		if ids := r.byUser[s.UserID]; ids != nil {
			delete(ids, sessionID)
			if len(ids) == 0 {
				delete(r.byUser, s.UserID)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.ending.Store(true)
	if notify {
		s.client.Send(voice.SessionEnded(sessionID, reason))
	}

	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.transcript.Close()

	s.mu.Lock()
	stream := s.upstream
	s.upstream = nil
	s.upstreamState = voice.UpstreamClosed
	s.mu.Unlock()
	if stream != nil {
		if err := stream.Close(); err != nil {
			r.log.Warn("upstream close failed", "session", sessionID, "err", err)
		}
	}

	r.metrics.RecordSessionEnd(reason, r.now().Sub(s.CreatedAt))
	r.log.Info("session torn down", "session", sessionID, "user", s.UserID, "reason", reason)
	return true
}

// SendAudio forwards one caller audio frame to the session's upstream leg.
// Every frame counts as activity, including frames that cannot be forwarded.
func (r *Registry) SendAudio(sessionID string, pcm []byte) error {
	s := r.lookup(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}
	s.touch(r.now())

	stream, ok := s.openUpstream()
	if !ok {
		return ErrUpstreamNotOpen
	}
	if err := stream.SendAudio(pcm); err != nil {
		return fmt.Errorf("%w: %w", ErrForwardFailed, err)
	}

	s.setTurnState(voice.TurnAwaiting)
	r.metrics.RecordAudio("inbound", len(pcm))
	return nil
}

// Touch marks the session active now.
func (r *Registry) Touch(sessionID string) bool {
	s := r.lookup(sessionID)
	if s == nil {
		return false
	}
	s.touch(r.now())
	return true
}

// LastActivity reads the session's last audio activity through the
// registry, so a removed session is never read.
func (r *Registry) LastActivity(sessionID string) (time.Time, bool) {
	s := r.lookup(sessionID)
	if s == nil {
		return time.Time{}, false
	}
	return s.lastActivity(), true
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// UserSessions lists the user's session ids in sorted order.
func (r *Registry) UserSessions(userID string) []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// TeardownUser tears down every session of the user and returns how many
// were removed.
func (r *Registry) TeardownUser(userID, reason string) int {
	n := 0
	for _, id := range r.UserSessions(userID) {
		if r.Teardown(id, reason) {
			n++
		}
	}
	return n
}

// Shutdown tears down all sessions, stopping early if ctx is done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("shutdown interrupted with %d sessions left: %w", r.Count(), err)
		}
		r.Teardown(id, ReasonShutdown)
	}
	return nil
}

// relay is the per-session upstream worker. It runs until the stream's
// event channel is closed.
func (r *Registry) relay(s *Session, stream speech.Stream, l *log.Logger) {
	for ev := range stream.Events() {
		if s.ending.Load() {
			continue
		}
		switch ev.Kind {
		case speech.EventAudio:
			s.touch(r.now())
			r.metrics.RecordAudio("outbound", len(ev.Audio))
			s.send(voice.Audio(s.ID, base64.StdEncoding.EncodeToString(ev.Audio)))

		case speech.EventTranscript:
			s.transcript.Append(ev.Role, ev.Text)
			s.send(voice.Transcript(s.ID, ev.Role, ev.Text))

		case speech.EventTurn:
			if ev.Boundary == voice.BoundaryComplete {
				s.setTurnState(voice.TurnComplete)
			} else {
				s.setTurnState(voice.TurnAwaiting)
			}
			s.send(voice.TurnSignal(s.ID, ev.Boundary))

		case speech.EventClosed:
			s.setUpstreamState(voice.UpstreamClosed)
			if ev.Err != nil {
				l.Error("upstream transport error", "err", ev.Err)
				s.send(voice.Error(s.ID, voice.CodeGeminiConnection, ev.Err.Error()))
			} else {
				l.Info("upstream closed", "reason", ev.Reason)
				s.send(voice.GeminiDisconnected(s.ID, ev.Reason))
			}
		}
	}
}
