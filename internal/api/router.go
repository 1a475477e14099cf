package api

import (
	"localai-backend/internal/config"
	"localai-backend/internal/handlers"
	"localai-backend/pkg/httputil"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterDependencies holds all the dependencies required by the router setup,
// primarily handlers and configuration.
type RouterDependencies struct {
	ChatHandler    *handlers.ChatHandlers
	HistoryHandler *handlers.HistoryHandler
	Config         *config.Config
}

// NewRouter creates and configures the main Chi router for the application.
func NewRouter(deps RouterDependencies) *chi.Mux {
	r := chi.NewRouter()

	// --- Base Middleware Stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- CORS Configuration ---
	origins := []string{"*"}
	if deps.Config != nil && len(deps.Config.CORSAllowedOrigins) > 0 {
		origins = deps.Config.CORSAllowedOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Session-ID"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		httputil.RespondJSON(w, http.StatusOK, map[string]string{"message": "Local AI Companion Backend is running"})
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		// --- Chat Routes (no request timeout; replies may stream for minutes) ---
		if deps.ChatHandler != nil {
			r.With(RequireJSON).Post("/chat", deps.ChatHandler.HandleChat)
			r.With(RequireJSON).Post("/chat/stream", deps.ChatHandler.HandleChatStream)
		} else {
			log.Println("WARN: ChatHandler dependency is nil, skipping /api/chat routes.")
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			if deps.ChatHandler != nil {
				r.Get("/models", deps.ChatHandler.HandleListModels)
			}

			// --- Mount History Routes ---
			if deps.HistoryHandler != nil {
				r.Route("/sessions", func(r chi.Router) {
					r.Get("/", deps.HistoryHandler.HandleListSessions)
					r.Get("/{sessionID}/messages", deps.HistoryHandler.HandleListMessages)
					r.Delete("/{sessionID}", deps.HistoryHandler.HandleDeleteSession)
				})
			} else {
				log.Println("WARN: HistoryHandler dependency is nil, skipping /api/sessions routes.")
			}
		})
	})

	return r
}
