// Package api exposes a queue engine over HTTP: an admin API for items,
// statistics, circuits and the dead-letter queue, plus a WebSocket feed
// of lifecycle events.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/a-cube-io/opqueue/engine"
)

// API wires the HTTP handlers to an engine.
type API struct {
	eng    *engine.Engine
	auth   Authenticator
	logger *slog.Logger
	feed   *Feed
}

// Option configures an API.
type Option func(*API)

// WithAuthenticator sets the authenticator. The default accepts every
// caller.
func WithAuthenticator(a Authenticator) Option {
	return func(api *API) { api.auth = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(api *API) { api.logger = l }
}

// New creates an API for eng.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:    eng,
		auth:   AllowAll{},
		logger: eng.Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.feed = NewFeed(eng, a.logger)
	return a
}

// Feed returns the WebSocket event feed.
func (a *API) Feed() *Feed { return a.feed }

// Handler returns the assembled router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Get("/healthz", a.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.authenticate)
		a.RegisterRoutes(r)
	})
	return r
}

// RegisterRoutes mounts the queue routes on r. Callers mounting on their
// own router are responsible for authentication.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(requireScope(ScopeRead))

		r.Get("/items", a.listItems)
		r.Get("/items/ready", a.readyItems)
		r.Get("/items/{itemId}", a.getItem)

		r.Get("/stats", a.stats)
		r.Get("/insights", a.insights)
		r.Get("/trend", a.trend)
		r.Get("/metrics", a.metrics)
		r.Get("/circuits", a.circuits)
		r.Get("/persistence", a.persistence)
		r.Get("/housekeeping", a.housekeeping)

		r.Get("/dlq", a.listDLQ)
		r.Get("/dlq/count", a.dlqCount)
		r.Get("/dlq/{entryId}", a.getDLQ)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireScope(ScopeWrite))

		r.Post("/items", a.enqueue)
		r.Delete("/items", a.clearItems)
		r.Delete("/items/{itemId}", a.removeItem)
		r.Put("/items/{itemId}/status", a.updateStatus)

		r.Post("/process", a.process)
		r.Post("/pause", a.pause)
		r.Post("/resume", a.resume)
		r.Post("/snapshot", a.snapshot)
		r.Post("/circuits/{resource}/reset", a.resetCircuit)
		r.Post("/housekeeping/{task}/run", a.runTask)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireScope(ScopeDLQWrite))

		r.Post("/dlq/{entryId}/replay", a.replayDLQ)
		r.Post("/dlq/purge", a.purgeDLQ)
	})

	r.With(requireScope(ScopeSubscribe)).Get("/events", a.feed.ServeHTTP)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	if a.eng.Destroyed() {
		writeError(w, http.StatusServiceUnavailable, "engine destroyed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"paused": a.eng.Paused(),
		"size":   a.eng.Size(),
	})
}
