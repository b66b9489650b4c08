package chat

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tutor-voice/backend/internal/logger"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-voice/backend/pkg/utils"
)

// Handler 对话记录的HTTP处理器
type Handler struct {
	turns chat.TurnStore
}

// New 创建对话记录处理器
func New(turns chat.TurnStore) *Handler {
	return &Handler{turns: turns}
}

// RegisterRoutes 注册对话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations/{conversationKey}/turns", h.handleListTurns)
}

// handleListTurns 按写入顺序返回某个会话键下的全部轮次
func (h *Handler) handleListTurns(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "conversationKey"))
	if key == "" {
		utils.RespondError(w, http.StatusBadRequest, "conversationKey is required")
		return
	}

	turns, err := h.turns.ListTurns(r.Context(), key)
	if err != nil {
		logger.Error("list turns failed", "conversation", key, "err", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to load turns")
		return
	}
	if turns == nil {
		turns = []chat.Turn{}
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"conversationKey": key,
		"turns":           turns,
	})
}
