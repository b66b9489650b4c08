package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tutor-voice/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/voice"
	chatservice "github.com/zhouzirui/tutor-voice/backend/internal/service/chat"
)

func setupRouter(store chat.TurnStore) *chi.Mux {
	r := chi.NewRouter()
	New(store).RegisterRoutes(r)
	return r
}

type listResponse struct {
	ConversationKey string      `json:"conversationKey"`
	Turns           []chat.Turn `json:"turns"`
}

func TestListTurnsInOrder(t *testing.T) {
	store := chatservice.NewService()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendTurn(ctx, "u1:socratic-math", chat.Turn{Role: voice.RoleUser, Content: "Hello.", Timestamp: base}))
	require.NoError(t, store.AppendTurn(ctx, "u1:socratic-math", chat.Turn{Role: voice.RoleAssistant, Content: "Hi there!", Timestamp: base.Add(time.Second)}))

	resp := httptest.NewRecorder()
	setupRouter(store).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/conversations/u1:socratic-math/turns", nil))
	require.Equal(t, http.StatusOK, resp.Code)

	var body listResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "u1:socratic-math", body.ConversationKey)
	require.Len(t, body.Turns, 2)
	assert.Equal(t, "Hello.", body.Turns[0].Content)
	assert.Equal(t, voice.RoleAssistant, body.Turns[1].Role)
}

func TestListTurnsUnknownConversationIsEmpty(t *testing.T) {
	resp := httptest.NewRecorder()
	setupRouter(chatservice.NewService()).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/conversations/nobody:none/turns", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"conversationKey":"nobody:none","turns":[]}`, resp.Body.String())
}

type brokenStore struct{}

func (brokenStore) AppendTurn(context.Context, string, chat.Turn) error { return nil }
func (brokenStore) ListTurns(context.Context, string) ([]chat.Turn, error) {
	return nil, errors.New("connection refused")
}

func TestListTurnsStoreFailure(t *testing.T) {
	resp := httptest.NewRecorder()
	setupRouter(brokenStore{}).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/conversations/u1:x/turns", nil))
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}
