// Package transcript reconciles streaming transcription fragments into
// complete conversation turns.
package transcript

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/zhouzirui/tutor-voice/backend/internal/logger"
	"github.com/zhouzirui/tutor-voice/backend/internal/metrics"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/voice"
)

const (
	DefaultFlushDelay   = 3 * time.Second
	DefaultQueueSize    = 64
	DefaultWriteTimeout = 5 * time.Second
	DefaultCloseWait    = 2 * time.Second
)

// Options tunes a Buffer. Zero values fall back to the defaults.
type Options struct {
	FlushDelay   time.Duration
	QueueSize    int
	WriteTimeout time.Duration
	// CloseWait bounds how long Close waits for queued turns; the writer
	// keeps draining in the background after that.
	CloseWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.FlushDelay <= 0 {
		o.FlushDelay = DefaultFlushDelay
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.CloseWait <= 0 {
		o.CloseWait = DefaultCloseWait
	}
	return o
}

type entry struct {
	text  strings.Builder
	timer *time.Timer
	// gen invalidates timers that fired after a flush already drained the entry.
	gen uint64
}

// Buffer holds the per-role fragments of one session. Flushed turns are
// persisted by a single writer goroutine, so they reach the store in flush
// order without blocking the caller.
type Buffer struct {
	store     chat.TurnStore
	key       string
	sessionID string
	opts      Options
	metrics   *metrics.Metrics
	log       *log.Logger

	mu      sync.Mutex
	entries map[voice.Role]*entry
	closed  bool

	queue chan chat.Turn
	done  chan struct{}
	now   func() time.Time
}

// NewBuffer starts a buffer writing to store under conversationKey.
func NewBuffer(store chat.TurnStore, conversationKey, sessionID string, opts Options, m *metrics.Metrics) *Buffer {
	opts = opts.withDefaults()
	b := &Buffer{
		store:     store,
		key:       conversationKey,
		sessionID: sessionID,
		opts:      opts,
		metrics:   m,
		log:       logger.With("component", "transcript", "session", sessionID),
		entries: map[voice.Role]*entry{
			voice.RoleUser:      {},
			voice.RoleAssistant: {},
		},
		queue: make(chan chat.Turn, opts.QueueSize),
		done:  make(chan struct{}),
		now:   time.Now,
	}
	go b.writer()
	return b
}

// Append adds a fragment for role. A fragment ending in sentence-terminal
// punctuation flushes the role immediately; otherwise the idle flush timer
// is restarted.
func (b *Buffer) Append(role voice.Role, text string) {
	if text == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	e := b.entry(role)
	e.text.WriteString(text)
	if endsSentence(text) {
		b.flushLocked(role, e)
		return
	}

	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(b.opts.FlushDelay, func() {
		b.flushGeneration(role, gen)
	})
}

// Flush drains role's buffer into one turn. Empty buffers are a no-op.
func (b *Buffer) Flush(role voice.Role) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.flushLocked(role, b.entry(role))
}

// Close flushes every role and waits up to CloseWait for queued turns to
// be written. It reports whether the writer finished in time. Later Append
// and Flush calls are ignored.
func (b *Buffer) Close() bool {
	b.mu.Lock()
	if !b.closed {
		b.flushLocked(voice.RoleUser, b.entry(voice.RoleUser))
		b.flushLocked(voice.RoleAssistant, b.entry(voice.RoleAssistant))
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	timer := time.NewTimer(b.opts.CloseWait)
	defer timer.Stop()
	select {
	case <-b.done:
		return true
	case <-timer.C:
		b.log.Warn("transcript writer still draining after close", "pending", len(b.queue))
		return false
	}
}

func (b *Buffer) entry(role voice.Role) *entry {
	e, ok := b.entries[role]
	if !ok {
		e = &entry{}
		b.entries[role] = e
	}
	return e
}

func (b *Buffer) flushGeneration(role voice.Role, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(role)
	if b.closed || e.gen != gen {
		return
	}
	b.flushLocked(role, e)
}

// flushLocked must be called with b.mu held and b.closed false.
func (b *Buffer) flushLocked(role voice.Role, e *entry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	content := strings.TrimSpace(e.text.String())
	e.text.Reset()
	if content == "" {
		return
	}

	turn := chat.Turn{
		ConversationKey: b.key,
		SessionID:       b.sessionID,
		Role:            role,
		Content:         content,
		Timestamp:       b.now(),
	}
	select {
	case b.queue <- turn:
	default:
		b.log.Warn("transcript queue full, dropping turn", "role", role, "chars", len(content))
		b.metrics.RecordTurn(string(role), "dropped")
	}
}

func (b *Buffer) writer() {
	defer close(b.done)
	for turn := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.WriteTimeout)
		err := b.store.AppendTurn(ctx, b.key, turn)
		cancel()
		if err != nil {
			b.log.Error("failed to persist turn", "role", turn.Role, "err", err)
			b.metrics.RecordTurn(string(turn.Role), "failed")
			continue
		}
		b.log.Debug("turn persisted", "role", turn.Role, "chars", len(turn.Content))
		b.metrics.RecordTurn(string(turn.Role), "persisted")
	}
}

func endsSentence(text string) bool {
	trimmed := strings.TrimRight(text, " \t\r\n\"'”’)")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
