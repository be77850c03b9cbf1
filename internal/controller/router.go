package controller

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/suokelife/messagebus/internal/application/messaging"
	"github.com/suokelife/messagebus/internal/application/reliability"
	"github.com/suokelife/messagebus/internal/infrastructure/config"
	"github.com/suokelife/messagebus/internal/infrastructure/observability"
	customMW "github.com/suokelife/messagebus/internal/middleware"
)

type RouterDeps struct {
	Ping          Pinger
	Topics        *messaging.TopicRepository
	TopicDefaults messaging.TopicDefaults
	Messages      *messaging.MessageRepository
	Publisher     *messaging.Publisher
	Manager       *reliability.Manager
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
	Server        config.ServerConfig
	JWTSecret     string
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Server.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: deps.Server.CORS.AllowCredentials,
		MaxAge:           300,
	}))
	if deps.Metrics != nil {
		r.Use(customMW.Metrics(deps.Metrics))
	}

	healthH := NewHealthController(deps.Ping)
	topicH := NewTopicController(deps.Topics, deps.TopicDefaults)
	messageH := NewMessageController(deps.Publisher, deps.Messages)
	dlqH := NewDeadLetterController(deps.Manager, deps.Publisher, deps.Logger.With().Str("component", "admin").Logger())
	retryH := NewRetryController(deps.Manager, deps.Messages, deps.Topics)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		auth := customMW.RequireAuth(deps.JWTSecret)

		// Topics
		r.Get("/topics", topicH.List)
		r.Get("/topics/{name}", topicH.Get)
		r.With(auth).Post("/topics", topicH.Create)
		r.With(auth).Delete("/topics/{name}", topicH.Delete)

		// Messages
		r.With(
			auth,
			customMW.RateLimit(deps.Server.RateLimit.Requests, deps.Server.RateLimit.Window),
			customMW.IdempotencyKey(),
		).Post("/topics/{name}/messages", messageH.Publish)
		r.Get("/topics/{name}/messages", messageH.List)
		r.Get("/topics/{name}/messages/{id}", messageH.Get)

		// Dead letters
		r.Get("/dlq", dlqH.List)
		r.Get("/dlq/{id}", dlqH.Get)
		r.With(auth).Delete("/dlq", dlqH.Clear)
		r.With(auth).Delete("/dlq/{id}", dlqH.Delete)
		r.With(auth).Post("/dlq/{id}/reprocess", dlqH.Reprocess)

		// Retries
		r.Get("/retries", retryH.List)
		r.Get("/retries/{id}", retryH.Get)
		r.With(auth).Delete("/retries/{id}", retryH.Cancel)
		r.Get("/stats", retryH.Stats)
	})

	return r
}
