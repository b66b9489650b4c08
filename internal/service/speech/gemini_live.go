package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/zhouzirui/tutor-voice/backend/internal/logger"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/voice"
)

const liveEventBuffer = 64

// LiveConfig configures the Gemini Live dialer.
type LiveConfig struct {
	APIKey string
	Model  string
	Voice  string
}

// liveConnector dials one Live session. The genai client dials without
// watching ctx, so Open must not rely on it returning early.
type liveConnector func(ctx context.Context, model string, config *genai.LiveConnectConfig) (liveSession, error)

// LiveDialer opens upstream legs against the Gemini Live API.
type LiveDialer struct {
	connect liveConnector
	model   string
	voice   string
}

// NewLiveDialer creates the genai client used for every session.
func NewLiveDialer(ctx context.Context, cfg LiveConfig) (*LiveDialer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key not configured")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("gemini live model not configured")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	connect := func(ctx context.Context, model string, config *genai.LiveConnectConfig) (liveSession, error) {
		session, err := client.Live.Connect(ctx, model, config)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
	return &LiveDialer{connect: connect, model: cfg.Model, voice: cfg.Voice}, nil
}

type dialResult struct {
	session liveSession
	first   *genai.LiveServerMessage
	err     error
}

// Open connects a Live session configured with the persona instruction and
// audio in/out with transcription on both directions. It returns once the
// server has answered the setup frame, or when ctx is done. A session that
// completes after ctx is done is closed.
func (d *LiveDialer) Open(ctx context.Context, opts OpenOptions) (Stream, error) {
	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: opts.SystemInstruction}},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}

	voiceName := opts.Voice
	if voiceName == "" {
		voiceName = d.voice
	}
	if voiceName != "" {
		config.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voiceName},
			},
		}
	}

	results := make(chan dialResult)
	go func() {
		res := d.dial(ctx, config)
		select {
		case results <- res:
		case <-ctx.Done():
			if res.session != nil {
				_ = res.session.Close()
			}
		}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		stream := newLiveStream(res.session, audioMIMEType(opts.AudioEncoding, opts.SampleRate),
			logger.With("component", "gemini-live", "session", opts.SessionID))
		stream.pending = translate(res.first)
		go stream.receive()
		return stream, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("gemini live connect: %w", ctx.Err())
	}
}

// dial connects and reads the server's answer to the setup frame. Connect
// returns as soon as setup is written, so a rejected model or config only
// shows up as the first Receive failing.
func (d *LiveDialer) dial(ctx context.Context, config *genai.LiveConnectConfig) dialResult {
	session, err := d.connect(ctx, d.model, config)
	if err != nil {
		return dialResult{err: fmt.Errorf("gemini live connect: %w", err)}
	}

	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	first, err := session.Receive()
	if !stop() {
		return dialResult{err: fmt.Errorf("gemini live setup: %w", ctx.Err())}
	}
	if err != nil {
		_ = session.Close()
		return dialResult{err: fmt.Errorf("gemini live setup: %w", err)}
	}
	return dialResult{session: session, first: first}
}

func audioMIMEType(encoding string, sampleRate int) string {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	switch strings.ToLower(encoding) {
	case "", "pcm", "pcm16", "linear16":
		return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
	default:
		return fmt.Sprintf("audio/%s;rate=%d", strings.ToLower(encoding), sampleRate)
	}
}

// liveSession is the subset of *genai.Session the stream uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type liveStream struct {
	session  liveSession
	mimeType string
	log      *log.Logger

	// pending holds events translated during setup; they are delivered first.
	pending []Event

	events    chan Event
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newLiveStream(session liveSession, mimeType string, l *log.Logger) *liveStream {
	return &liveStream{
		session:  session,
		mimeType: mimeType,
		log:      l,
		events:   make(chan Event, liveEventBuffer),
		done:     make(chan struct{}),
	}
}

func (s *liveStream) Events() <-chan Event {
	return s.events
}

func (s *liveStream) SendAudio(pcm []byte) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	return s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: s.mimeType},
	})
}

func (s *liveStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.closeErr = s.session.Close()
	})
	return s.closeErr
}

// receive is the per-session upstream reader. It owns s.events.
func (s *liveStream) receive() {
	defer close(s.events)

	for _, ev := range s.pending {
		if !s.emit(ev) {
			return
		}
	}

	for {
		msg, err := s.session.Receive()
		if err != nil {
			s.emit(s.closedEvent(err))
			return
		}
		if msg.GoAway != nil {
			s.log.Warn("upstream announced disconnect", "time_left", msg.GoAway.TimeLeft)
		}
		for _, ev := range translate(msg) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

func (s *liveStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *liveStream) closedEvent(err error) Event {
	if s.closed.Load() {
		return Event{Kind: EventClosed, Reason: "closed locally"}
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
		reason := closeErr.Text
		if reason == "" {
			reason = "upstream closed the session"
		}
		return Event{Kind: EventClosed, Reason: reason}
	}
	return Event{Kind: EventClosed, Reason: "upstream transport error", Err: err}
}

// translate maps one Live server message to normalized events, in the order
// the relay should observe them.
func translate(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}

	var events []Event
	if msg.SetupComplete != nil {
		events = append(events, Event{Kind: EventOpened})
	}

	content := msg.ServerContent
	if content == nil {
		return events
	}

	if t := content.InputTranscription; t != nil && t.Text != "" {
		events = append(events, Event{Kind: EventTranscript, Role: voice.RoleUser, Text: t.Text})
	}
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			events = append(events, Event{Kind: EventAudio, Audio: part.InlineData.Data})
		}
	}
	if t := content.OutputTranscription; t != nil && t.Text != "" {
		events = append(events, Event{Kind: EventTranscript, Role: voice.RoleAssistant, Text: t.Text})
	}
	if content.Interrupted {
		events = append(events, Event{Kind: EventTurn, Boundary: voice.BoundaryInterrupted})
	}
	if content.TurnComplete {
		events = append(events, Event{Kind: EventTurn, Boundary: voice.BoundaryComplete})
	}
	return events
}
