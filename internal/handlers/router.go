// Package handlers is the HTTP adapter between a UI and the session core:
// REST endpoints for profiles and sessions, and a WebSocket endpoint that
// acts as the terminal consumer of a session's bridge.
package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/havenssh/core/internal/logging"
	"github.com/havenssh/core/internal/profile"
	"github.com/havenssh/core/internal/supervisor"
)

// API serves the REST and WebSocket endpoints.
type API struct {
	Sup      *supervisor.Supervisor
	Profiles *profile.Store
	// Log backs the logs endpoints. Nil disables them.
	Log *logging.File
}

// Router returns the chi router with every route mounted under /api/v1.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.Health)

		r.Get("/profiles", a.ListProfiles)
		r.Post("/profiles", a.CreateProfile)
		r.Post("/profiles/import", a.ImportProfiles)
		r.Put("/profiles/{id}", a.UpdateProfile)
		r.Delete("/profiles/{id}", a.DeleteProfile)
		r.Get("/profiles/{id}/status", a.ProfileStatus)
		r.Post("/profiles/{id}/connect", a.ConnectProfile)
		r.Delete("/profiles/{id}/sessions", a.DisconnectProfile)
		r.Get("/profiles/{id}/files", a.ListFiles)

		r.Get("/sessions", a.ListSessions)
		r.Post("/sessions/disconnect-all", a.DisconnectAll)
		r.Delete("/sessions/{id}", a.DisconnectSession)
		r.Get("/sessions/{id}/events", a.SessionEvents)
		r.Get("/sessions/{id}/remote-sessions", a.ListRemoteSessions)
		r.Delete("/sessions/{id}/remote-sessions/{name}", a.KillRemoteSession)
		r.Post("/sessions/{id}/remote-sessions/{name}/rename", a.RenameRemoteSession)
		r.Get("/sessions/{id}/terminal", a.Terminal)

		r.Get("/logs", a.GetLogs)
		r.Delete("/logs", a.ClearLogs)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[api] %s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	if err := a.Profiles.Ping(); err != nil {
		dbStatus = "disconnected"
	}
	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"sessions": a.Sup.Store().Len(),
	})
}
