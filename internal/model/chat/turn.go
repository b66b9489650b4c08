package chat

import (
	"context"
	"time"

	"github.com/zhouzirui/tutor-voice/backend/internal/model/voice"
)

// Turn is one complete utterance appended to a conversation's turn log.
type Turn struct {
	ConversationKey string     `json:"conversationKey"`
	SessionID       string     `json:"sessionId,omitempty"`
	Role            voice.Role `json:"role"`
	Content         string     `json:"content"`
	Timestamp       time.Time  `json:"timestamp"`
}

// TurnStore persists conversation turns. AppendTurn is at-least-once; a
// retried write may duplicate a turn.
type TurnStore interface {
	AppendTurn(ctx context.Context, conversationKey string, turn Turn) error
	ListTurns(ctx context.Context, conversationKey string) ([]Turn, error)
}

// ConversationKey derives the turn-log key for a user talking to a persona.
func ConversationKey(userID, personaID string) string {
	return userID + ":" + personaID
}
