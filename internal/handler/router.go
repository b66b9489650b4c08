package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/tutor-voice/backend/internal/handler/chat"
	"github.com/zhouzirui/tutor-voice/backend/internal/handler/live"
	"github.com/zhouzirui/tutor-voice/backend/internal/handler/persona"
	"github.com/zhouzirui/tutor-voice/backend/internal/metrics"
	middlewarePkg "github.com/zhouzirui/tutor-voice/backend/internal/middleware"
	chatModel "github.com/zhouzirui/tutor-voice/backend/internal/model/chat"
	personaModel "github.com/zhouzirui/tutor-voice/backend/internal/model/persona"
	"github.com/zhouzirui/tutor-voice/backend/internal/service/session"
	"github.com/zhouzirui/tutor-voice/backend/pkg/utils"
)

// Dependencies are the services the HTTP surface is built on.
type Dependencies struct {
	Personas personaModel.Store
	Turns    chatModel.TurnStore
	Registry *session.Registry
	Metrics  *metrics.Metrics
	Live     live.Options
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"activeSessions": deps.Registry.Count(),
		})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		persona.New(deps.Personas).RegisterRoutes(api)
		chat.New(deps.Turns).RegisterRoutes(api)
		live.New(deps.Registry, deps.Metrics, deps.Live).RegisterRoutes(api)
	})

	return r
}
