package httpapi

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"loomchat/backend/internal/auth"
	"loomchat/backend/internal/config"
	"loomchat/backend/internal/model"
	"loomchat/backend/internal/provider"
	googleprovider "loomchat/backend/internal/provider/google"
	openaiprovider "loomchat/backend/internal/provider/openai"
	openrouterprovider "loomchat/backend/internal/provider/openrouter"
	"loomchat/backend/internal/session"
	"loomchat/backend/internal/store"
	"loomchat/backend/internal/store/local"
	"loomchat/backend/internal/store/remote"
	"loomchat/backend/internal/telemetry"
)

// NewRouter wires the full API. db may be nil, in which case every caller is
// served from the local store and auth/sharing endpoints report unavailable.
func NewRouter(cfg config.Config, db *sql.DB, localStore *local.Store) http.Handler {
	var (
		sessions      *session.Store
		gateway       *remote.Store
		remoteBackend store.Backend
	)
	if db != nil {
		sessionStore := session.NewStore(db)
		sessions = &sessionStore
		gatewayStore := remote.NewStore(db)
		gateway = &gatewayStore
		remoteBackend = gatewayStore
	}

	metrics := telemetry.New()
	data := store.NewService(remoteBackend, localStore, func(operation string) {
		metrics.StoreFallbacks.WithLabelValues(operation).Inc()
	})

	streamers := map[model.Provider]provider.Streamer{
		model.ProviderGoogle:     googleprovider.NewClient(cfg.GoogleAIBaseURL, nil),
		model.ProviderOpenAI:     openaiprovider.NewClient(cfg.OpenAIBaseURL),
		model.ProviderOpenRouter: openrouterprovider.NewClient(cfg.OpenRouterBaseURL, nil),
	}

	verifier := auth.NewVerifier(cfg)
	h := NewHandler(cfg, sessions, verifier, data, gateway, model.NewRegistry(), streamers, metrics)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			"X-Google-API-Key", "X-OpenAI-API-Key", "X-OpenRouter-API-Key",
			"X-Test-Email", "X-Test-Google-Sub",
		},
		ExposedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(h.ResolvePrincipal)

		v1.Route("/auth", func(authR chi.Router) {
			authR.Post("/google", h.AuthGoogle)
			authR.Get("/me", h.AuthMe)
			authR.Post("/logout", h.AuthLogout)
		})

		v1.Get("/models", h.ListModels)
		v1.Post("/chat/messages", h.ChatMessages)
		v1.With(h.RequireAuth).Post("/migrate", h.Migrate)

		v1.Route("/threads", func(threads chi.Router) {
			threads.Get("/", h.ListThreads)
			threads.Post("/", h.CreateThread)
			threads.Delete("/", h.DeleteAllThreads)

			threads.Route("/{threadID}", func(thread chi.Router) {
				thread.Get("/", h.GetThread)
				thread.Patch("/", h.UpdateThread)
				thread.Delete("/", h.DeleteThread)
				thread.Get("/messages", h.ListMessages)
				thread.Post("/messages", h.CreateMessage)
				thread.Delete("/messages", h.DeleteTrailingMessages)
				thread.Get("/summaries", h.ListMessageSummaries)

				thread.Group(func(sharing chi.Router) {
					sharing.Use(h.RequireAuth)
					sharing.Post("/share", h.ShareThread)
					sharing.Delete("/share/{email}", h.UnshareThread)
					sharing.Post("/public", h.SetThreadPublic)
				})
			})
		})

		v1.Route("/messages/{messageID}", func(message chi.Router) {
			message.Put("/sources", h.UpdateMessageSources)
			message.Put("/reasoning", h.UpdateMessageReasoning)
			message.Post("/summary", h.CreateMessageSummary)
		})
	})

	return r
}
