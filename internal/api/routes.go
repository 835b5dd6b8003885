package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/kmaus/dispatchq/internal/api/handlers"
	apimw "github.com/kmaus/dispatchq/internal/api/middleware"
	"github.com/kmaus/dispatchq/internal/api/websocket"
	"github.com/kmaus/dispatchq/internal/config"
	"github.com/kmaus/dispatchq/internal/events"
	"github.com/kmaus/dispatchq/internal/logger"
	"github.com/kmaus/dispatchq/internal/queue"
	"github.com/kmaus/dispatchq/internal/registry"
)

// Server wires the HTTP surface: task endpoints, SSE streams, the
// websocket observer hub and metrics.
type Server struct {
	router          *chi.Mux
	cfg             *config.Config
	auth            *apimw.Authenticator
	taskHandler     *handlers.TaskHandler
	feedbackHandler *handlers.FeedbackHandler
	handlersStream  *handlers.HandlersStream
	wsHub           *websocket.Hub
}

func NewServer(cfg *config.Config, client *redis.Client, manager *queue.Manager, reconciler *registry.Reconciler, bus events.Publisher) *Server {
	s := &Server{
		router:          chi.NewRouter(),
		cfg:             cfg,
		auth:            apimw.NewAuthenticator(client, &cfg.Auth),
		taskHandler:     handlers.NewTaskHandler(manager, reconciler, bus),
		feedbackHandler: handlers.NewFeedbackHandler(""),
		handlersStream:  handlers.NewHandlersStream(reconciler),
		wsHub:           websocket.NewHub(bus),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	frontendURL := fmt.Sprintf("http://%s:%d", s.cfg.Server.Host, s.cfg.Server.FrontendPort)

	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(apimw.RequestLogger())
	s.router.Use(chimw.Recoverer)
	s.router.Use(apimw.CORS(frontendURL))
	s.router.Use(s.auth.RefreshToken)
	s.router.Use(chimw.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	s.router.Get("/", s.root)

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.cfg.Server.RateLimitRPS > 0 {
			r.Use(apimw.ClientRateLimit(s.cfg.Server.RateLimitRPS))
		}

		// Session-bound endpoints
		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireUser)
			r.Post("/enqueue", s.taskHandler.Enqueue)
			r.Post("/feedback/{taskID}", s.taskHandler.TaskFeedback)
			r.Get("/tasks", s.taskHandler.ListTasks)
			r.Get("/first-tasks", s.taskHandler.ListFirstTasks)
		})

		r.Get("/subscribe/{taskID}", s.taskHandler.Subscribe)
		r.Get("/handlers/stream", s.handlersStream.Stream)
		r.Post("/feedback", s.feedbackHandler.Submit)
	})

	s.router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.Serve(s.wsHub, w, r)
	})

	if s.cfg.Metrics.Enabled {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.Handler())
	}
}

// root bootstraps guest sessions: a missing or invalid token gets a
// fresh guest user and a redirect back so the cookie takes effect.
func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	newUser := false

	var token string
	if cookie, err := r.Cookie("access_token"); err == nil && cookie.Value != "" {
		token = cookie.Value
		if _, err := s.auth.Renew(r.Context(), token); err != nil {
			token = ""
		}
	}

	if token == "" {
		created, _, err := s.auth.StoreNewToken(r.Context())
		if err != nil {
			logger.Error().Err(err).Msg("failed to create guest session")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		token = created
		newUser = true
	}

	s.auth.SetCookie(w, token)

	if newUser {
		w.Header().Set("Location", "/")
		w.WriteHeader(http.StatusSeeOther)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Start runs the websocket hub until the context ends.
func (s *Server) Start(ctx context.Context) {
	go s.wsHub.Run(ctx)
}

// Stop tears the websocket hub down.
func (s *Server) Stop() {
	s.wsHub.Stop()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub returns the websocket hub for lifecycle management.
func (s *Server) Hub() *websocket.Hub {
	return s.wsHub
}
