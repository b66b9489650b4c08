package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tutor-voice/backend/internal/model/persona"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/voice"
	"github.com/zhouzirui/tutor-voice/backend/internal/service/ai"
	chatsvc "github.com/zhouzirui/tutor-voice/backend/internal/service/chat"
	"github.com/zhouzirui/tutor-voice/backend/internal/service/speech"
	"github.com/zhouzirui/tutor-voice/backend/internal/service/transcript"
)

type fakeStream struct {
	events chan speech.Event

	mu      sync.Mutex
	audio   [][]byte
	sendErr error
	closes  int
	once    sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan speech.Event, 32)}
}

func (s *fakeStream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.audio = append(s.audio, pcm)
	return nil
}

func (s *fakeStream) Events() <-chan speech.Event { return s.events }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.once.Do(func() { close(s.events) })
	return nil
}

func (s *fakeStream) emit(ev speech.Event) { s.events <- ev }

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeStream) sentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

type fakeDialer struct {
	mu  sync.Mutex
	err error
	// setup queues the first events of each new stream; nil accepts the session.
	setup   func(*fakeStream)
	streams []*fakeStream
	opts    []speech.OpenOptions
}

func (d *fakeDialer) Open(_ context.Context, opts speech.OpenOptions) (speech.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts = append(d.opts, opts)
	if d.err != nil {
		return nil, d.err
	}
	s := newFakeStream()
	if d.setup != nil {
		d.setup(s)
	} else {
		s.emit(speech.Event{Kind: speech.EventOpened})
	}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) setSetup(setup func(*fakeStream)) {
	d.mu.Lock()
	d.setup = setup
	d.mu.Unlock()
}

func (d *fakeDialer) last() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []voice.ServerMessage
}

func (c *fakeClient) Send(msg voice.ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *fakeClient) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (c *fakeClient) find(typ string) (voice.ServerMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.msgs {
		if m.Type == typ {
			return m, true
		}
	}
	return voice.ServerMessage{}, false
}

func (c *fakeClient) waitFor(t *testing.T, typ string) voice.ServerMessage {
	t.Helper()
	var msg voice.ServerMessage
	require.Eventually(t, func() bool {
		var ok bool
		msg, ok = c.find(typ)
		return ok
	}, time.Second, 5*time.Millisecond, "waiting for %s", typ)
	return msg
}

func testPersonas() []persona.Persona {
	return []persona.Persona{
		{ID: "tutor-a", Title: "Tutor A", Name: "Ada", Instruction: "Be kind.", VoiceID: "Kore"},
		{ID: "blank", Title: "Blank Tutor", Instruction: "   "},
	}
}

type harness struct {
	registry *Registry
	dialer   *fakeDialer
	store    *chatsvc.Service
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.Transcript.FlushDelay == 0 {
		opts.Transcript = transcript.Options{FlushDelay: time.Hour}
	}
	h := &harness{dialer: &fakeDialer{}, store: chatsvc.NewService()}
	resolver := ai.NewResolver(persona.NewMemoryStore(testPersonas()))
	h.registry = NewRegistry(resolver, h.dialer, h.store, nil, opts)
	t.Cleanup(func() { _ = h.registry.Shutdown(context.Background()) })
	return h
}

// openSession creates an open session for u1 with Tutor A.
func (h *harness) openSession(t *testing.T, client *fakeClient) (string, *fakeStream) {
	t.Helper()
	id, err := h.registry.Create(context.Background(), client, "u1", "Tutor A")
	require.NoError(t, err)
	client.waitFor(t, voice.TypeGeminiConnected)
	return id, h.dialer.last()
}

var errDialRefused = errors.New("dial refused")
