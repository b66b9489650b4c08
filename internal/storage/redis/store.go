// Package redis persists conversation turns as one Redis list per
// conversation.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/zhouzirui/tutor-voice/backend/internal/model/chat"
)

const keyPrefix = "voicebridge:turns:"

// Store is a chat.TurnStore on Redis lists. A positive ttl is refreshed on
// every append.
type Store struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// Open parses url, checks connectivity and returns the store.
func Open(ctx context.Context, url string, ttl time.Duration) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, ttl), nil
}

// New wraps an existing client.
func New(client goredis.UniversalClient, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func listKey(conversationKey string) string {
	return keyPrefix + conversationKey
}

// AppendTurn pushes the turn onto the conversation list.
func (s *Store) AppendTurn(ctx context.Context, conversationKey string, turn chat.Turn) error {
	if strings.TrimSpace(conversationKey) == "" {
		return fmt.Errorf("append turn: conversation key is required")
	}
	turn.ConversationKey = conversationKey
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}

	key := listKey(conversationKey)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// ListTurns returns the conversation's turns in push order.
func (s *Store) ListTurns(ctx context.Context, conversationKey string) ([]chat.Turn, error) {
	raw, err := s.client.LRange(ctx, listKey(conversationKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}

	turns := make([]chat.Turn, 0, len(raw))
	for i, item := range raw {
		var t chat.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decode turn %d of %s: %w", i, conversationKey, err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}
