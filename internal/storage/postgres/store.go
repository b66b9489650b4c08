// Package postgres persists conversation turns in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/zhouzirui/tutor-voice/backend/internal/logger"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/voice"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a chat.TurnStore backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, applies pending migrations and returns the store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("migration applied", "source", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const insertTurn = `
INSERT INTO voice_turns (conversation_key, session_id, role, content, created_at)
VALUES ($1, $2, $3, $4, $5)`

// AppendTurn inserts one turn row.
func (s *Store) AppendTurn(ctx context.Context, conversationKey string, turn chat.Turn) error {
	if strings.TrimSpace(conversationKey) == "" {
		return fmt.Errorf("append turn: conversation key is required")
	}
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.pool.Exec(ctx, insertTurn, conversationKey, turn.SessionID, string(turn.Role), turn.Content, ts.UTC())
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

const selectTurns = `
SELECT session_id, role, content, created_at
FROM voice_turns
WHERE conversation_key = $1
ORDER BY created_at, id`

// ListTurns returns the conversation's turns in write order.
func (s *Store) ListTurns(ctx context.Context, conversationKey string) ([]chat.Turn, error) {
	rows, err := s.pool.Query(ctx, selectTurns, conversationKey)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chat.Turn, error) {
		var (
			t    chat.Turn
			role string
		)
		if err := row.Scan(&t.SessionID, &role, &t.Content, &t.Timestamp); err != nil {
			return chat.Turn{}, err
		}
		t.ConversationKey = conversationKey
		t.Role = voice.Role(role)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return turns, nil
}
