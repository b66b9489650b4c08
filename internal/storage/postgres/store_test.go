package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tutor-voice/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/voice"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestAppendAndListTurns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	key := "u-" + uuid.NewString() + ":socratic-math"
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendTurn(ctx, key, chat.Turn{SessionID: "s1", Role: voice.RoleUser, Content: "Hello.", Timestamp: base}))
	require.NoError(t, store.AppendTurn(ctx, key, chat.Turn{SessionID: "s1", Role: voice.RoleAssistant, Content: "Hi!", Timestamp: base.Add(time.Second)}))

	turns, err := store.ListTurns(ctx, key)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "Hello.", turns[0].Content)
	assert.Equal(t, voice.RoleAssistant, turns[1].Role)
	assert.Equal(t, key, turns[1].ConversationKey)
	assert.True(t, base.Equal(turns[0].Timestamp))
}

func TestMigrateIsRepeatable(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, Migrate(context.Background(), store.pool))
}

func TestListUnknownConversation(t *testing.T) {
	store := openTestStore(t)
	turns, err := store.ListTurns(context.Background(), "nobody:"+uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestAppendRequiresKey(t *testing.T) {
	store := openTestStore(t)
	assert.Error(t, store.AppendTurn(context.Background(), " ", chat.Turn{Role: voice.RoleUser, Content: "x"}))
}
