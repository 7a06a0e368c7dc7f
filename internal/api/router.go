package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
	"github.com/eldtechnologies/chatrelay/internal/handlers"
	"github.com/eldtechnologies/chatrelay/internal/relay"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	RateLimits     middleware.RateLimiterConfig
}

// NewRouter creates and configures the HTTP router. redisStore may be nil, in
// which case requests are not rate limited.
func NewRouter(logger zerolog.Logger, messages store.MessageStore, redisStore *store.RedisStore, hub *relay.Hub, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(16 * 1024))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	if redisStore != nil {
		limiter := middleware.NewRateLimiter(redisStore.Client(), logger, opts.RateLimits)
		r.Use(limiter.Middleware)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(messages, hub, hub.Presence(), redisStore, logger)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Handle("/ws", hub)

	r.Route("/api", func(r chi.Router) {
		r.Get("/messages/{roomId}", h.GetMessages)
		r.Post("/messages", h.PostMessage)
		r.Put("/messages/read/{roomId}/{userId}", h.MarkRead)
		r.Get("/conversations/{userId}", h.ListConversations)
		r.Get("/unread-total/{userId}", h.UnreadTotal)
		r.Get("/status/{userId}", h.Status)
		r.Get("/stats", h.Stats)
	})

	return r
}
