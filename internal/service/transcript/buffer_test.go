package transcript

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tutor-voice/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/voice"
	chatsvc "github.com/zhouzirui/tutor-voice/backend/internal/service/chat"
)

const testKey = "u1:socratic-math"

func listTurns(t *testing.T, store chat.TurnStore) []chat.Turn {
	t.Helper()
	turns, err := store.ListTurns(context.Background(), testKey)
	require.NoError(t, err)
	return turns
}

func TestPunctuationFlushesExactlyOneTurn(t *testing.T) {
	store := chatsvc.NewService()
	buf := NewBuffer(store, testKey, "s1", Options{FlushDelay: time.Hour}, nil)

	buf.Append(voice.RoleUser, "Hello")
	buf.Append(voice.RoleUser, ".")
	buf.Close()

	turns := listTurns(t, store)
	require.Len(t, turns, 1)
	assert.Equal(t, voice.RoleUser, turns[0].Role)
	assert.Equal(t, "Hello.", turns[0].Content)
	assert.Equal(t, "s1", turns[0].SessionID)
}

func TestFragmentsAreConcatenatedAndTrimmed(t *testing.T) {
	store := chatsvc.NewService()
	buf := NewBuffer(store, testKey, "s1", Options{FlushDelay: time.Hour}, nil)

	buf.Append(voice.RoleAssistant, " What is")
	buf.Append(voice.RoleAssistant, " two plus two")
	buf.Append(voice.RoleAssistant, "? ")
	buf.Close()

	turns := listTurns(t, store)
	require.Len(t, turns, 1)
	assert.Equal(t, "What is two plus two?", turns[0].Content)
}

func TestIdleTimerFlushesOnce(t *testing.T) {
	store := chatsvc.NewService()
	buf := NewBuffer(store, testKey, "s1", Options{FlushDelay: 30 * time.Millisecond}, nil)
	defer buf.Close()

	buf.Append(voice.RoleUser, "so the answer")
	buf.Append(voice.RoleUser, " is four")

	require.Eventually(t, func() bool {
		return len(listTurns(t, store)) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	turns := listTurns(t, store)
	require.Len(t, turns, 1)
	assert.Equal(t, "so the answer is four", turns[0].Content)
}

func TestNewFragmentResetsIdleTimer(t *testing.T) {
	store := chatsvc.NewService()
	buf := NewBuffer(store, testKey, "s1", Options{FlushDelay: 100 * time.Millisecond}, nil)
	defer buf.Close()

	buf.Append(voice.RoleUser, "one")
	time.Sleep(60 * time.Millisecond)
	buf.Append(voice.RoleUser, " two")
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, listTurns(t, store))

	require.Eventually(t, func() bool {
		return len(listTurns(t, store)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "one two", listTurns(t, store)[0].Content)
}

func TestFlushCancelsPendingTimer(t *testing.T) {
	store := chatsvc.NewService()
	buf := NewBuffer(store, testKey, "s1", Options{FlushDelay: 20 * time.Millisecond}, nil)

	buf.Append(voice.RoleUser, "partial")
	buf.Flush(voice.RoleUser)
	buf.Flush(voice.RoleUser)
	time.Sleep(60 * time.Millisecond)
	buf.Close()

	turns := listTurns(t, store)
	require.Len(t, turns, 1)
	assert.Equal(t, "partial", turns[0].Content)
}

func TestRolesAreBufferedIndependently(t *testing.T) {
	store := chatsvc.NewService()
	buf := NewBuffer(store, testKey, "s1", Options{FlushDelay: time.Hour}, nil)

	buf.Append(voice.RoleUser, "I think")
	buf.Append(voice.RoleAssistant, "Go on!")
	buf.Close()

	turns := listTurns(t, store)
	require.Len(t, turns, 2)
	assert.Equal(t, voice.RoleAssistant, turns[0].Role)
	assert.Equal(t, "Go on!", turns[0].Content)
	assert.Equal(t, voice.RoleUser, turns[1].Role)
	assert.Equal(t, "I think", turns[1].Content)
}

func TestCloseIsIdempotentAndIgnoresLateFragments(t *testing.T) {
	store := chatsvc.NewService()
	buf := NewBuffer(store, testKey, "s1", Options{FlushDelay: 10 * time.Millisecond}, nil)

	buf.Close()
	buf.Close()
	buf.Append(voice.RoleUser, "too late.")
	buf.Flush(voice.RoleUser)

	assert.Empty(t, listTurns(t, store))
}

type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (s *failingStore) AppendTurn(context.Context, string, chat.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return errors.New("store unavailable")
}

func (s *failingStore) ListTurns(context.Context, string) ([]chat.Turn, error) {
	return nil, nil
}

func TestPersistenceFailureIsNotSurfaced(t *testing.T) {
	store := &failingStore{}
	buf := NewBuffer(store, testKey, "s1", Options{FlushDelay: time.Hour}, nil)

	buf.Append(voice.RoleUser, "Hello.")
	buf.Append(voice.RoleUser, "Again!")
	buf.Close()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 2, store.calls)
}

type blockingStore struct {
	release chan struct{}
	inner   *chatsvc.Service
}

func (s *blockingStore) AppendTurn(ctx context.Context, key string, turn chat.Turn) error {
	<-s.release
	return s.inner.AppendTurn(ctx, key, turn)
}

func (s *blockingStore) ListTurns(ctx context.Context, key string) ([]chat.Turn, error) {
	return s.inner.ListTurns(ctx, key)
}

func TestCloseWaitIsBoundedAndWriterKeepsDraining(t *testing.T) {
	store := &blockingStore{release: make(chan struct{}), inner: chatsvc.NewService()}
	buf := NewBuffer(store, testKey, "s1", Options{
		FlushDelay:   time.Hour,
		WriteTimeout: time.Minute,
		CloseWait:    30 * time.Millisecond,
	}, nil)

	buf.Append(voice.RoleUser, "Hello.")
	buf.Append(voice.RoleAssistant, "unfinished")

	start := time.Now()
	assert.False(t, buf.Close())
	assert.Less(t, time.Since(start), time.Second)

	close(store.release)
	require.Eventually(t, func() bool {
		return len(listTurns(t, store)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, buf.Close())
}

func TestEndsSentence(t *testing.T) {
	for _, text := range []string{".", "Hello.", "Really?", "Wow!", "He said \"yes.\"", "Done. "} {
		assert.True(t, endsSentence(text), text)
	}
	for _, text := range []string{"", " ", "Hello", "e.g", "3,"} {
		assert.False(t, endsSentence(text), text)
	}
}
