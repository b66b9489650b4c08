package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/tutor-voice/backend/internal/model/chat"
)

var ErrConversationRequired = errors.New("conversation key is required")

// Service is an in-memory chat.TurnStore keyed by conversation.
type Service struct {
	mu    sync.RWMutex
	turns map[string][]chat.Turn
}

// NewService bootstraps the in-memory turn log.
func NewService() *Service {
	return &Service{
		turns: make(map[string][]chat.Turn),
	}
}

// AppendTurn appends a turn to the conversation log.
func (s *Service) AppendTurn(_ context.Context, conversationKey string, turn chat.Turn) error {
	if strings.TrimSpace(conversationKey) == "" {
		return ErrConversationRequired
	}

	turn.ConversationKey = conversationKey
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	s.turns[conversationKey] = append(s.turns[conversationKey], turn)
	s.mu.Unlock()
	return nil
}

// ListTurns returns the stored turns for the conversation in append order.
// Unknown conversations yield an empty slice.
func (s *Service) ListTurns(_ context.Context, conversationKey string) ([]chat.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[conversationKey]
	copied := make([]chat.Turn, len(turns))
	copy(copied, turns)
	return copied, nil
}
