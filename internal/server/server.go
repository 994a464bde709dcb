// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/howard-nolan/difyrelay/internal/config"
	"github.com/howard-nolan/difyrelay/internal/metrics"
	"github.com/howard-nolan/difyrelay/internal/provider"
	"github.com/howard-nolan/difyrelay/internal/stream"
	log "github.com/sirupsen/logrus"
)

// Server holds the HTTP router and all dependencies that handlers need.
type Server struct {
	router  chi.Router
	apps    *config.Registry
	client  *provider.Client
	relay   *stream.Relay
	metrics *metrics.Collector

	metricsPath string
	idleTimeout time.Duration
}

// Options carries everything New wires into the router. Metrics may be
// nil, which disables the metrics endpoint.
type Options struct {
	Apps    *config.Registry
	Client  *provider.Client
	Relay   *stream.Relay
	Metrics *metrics.Collector

	// MetricsPath defaults to /metrics.
	MetricsPath string

	// IdleTimeout aborts streaming sessions that go quiet. 0 disables it.
	IdleTimeout time.Duration
}

// New creates a Server with its routes and middleware ready to use as an
// http.Handler.
func New(opts Options) *Server {
	s := &Server{
		apps:        opts.Apps,
		client:      opts.Client,
		relay:       opts.Relay,
		metrics:     opts.Metrics,
		metricsPath: opts.MetricsPath,
		idleTimeout: opts.IdleTimeout,
	}
	if s.metricsPath == "" {
		s.metricsPath = "/metrics"
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  log.StandardLogger(),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, s.metricsPath, s.metrics.Handler())
	}

	r.Route("/api/dify", func(r chi.Router) {
		// Streaming.
		r.Post("/chat-messages", s.handleStream(provider.DomainChat))
		r.Post("/completion/messages/stream", s.handleStream(provider.DomainCompletion))
		r.Post("/workflow/run/stream", s.handleStream(provider.DomainWorkflow))
		r.Get("/ws", s.handleWebSocket)

		// Blocking.
		r.Post("/chat-messages/block", s.handleBlocking(provider.DomainChat))
		r.Post("/completion/messages/block", s.handleBlocking(provider.DomainCompletion))
		r.Post("/workflow/run/block", s.handleBlocking(provider.DomainWorkflow))

		// Task control.
		r.Post("/chat-messages/{taskId}/stop", s.handleStop(provider.DomainChat))
		r.Post("/completion/messages/{taskId}/stop", s.handleStop(provider.DomainCompletion))
		r.Post("/workflow/tasks/{taskId}/stop", s.handleStop(provider.DomainWorkflow))

		// Messages and conversations.
		r.Post("/messages/{messageId}/feedbacks", s.handleFeedback)
		r.Get("/messages/{messageId}/suggested", s.handleSuggested)
		r.Get("/messages", s.handleMessages)
		r.Get("/conversations", s.handleConversations)
		r.Delete("/conversations/{conversationId}", s.handleDeleteConversation)
		r.Post("/conversations/{conversationId}/name", s.handleRenameConversation)

		r.Get("/workflow/run/{runId}", s.handleWorkflowRun)

		// Files and audio.
		r.Post("/files/upload", s.handleUpload)
		r.Post("/audio-to-text", s.handleAudioToText)
		r.Post("/text-to-audio", s.handleTextToAudio)

		// App info.
		r.Get("/info", s.handleInfo)
		r.Get("/parameters", s.handleParameters)
		r.Get("/meta", s.handleMeta)
	})

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
