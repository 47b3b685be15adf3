package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/havenssh/core/internal/sessionstate"
	"github.com/havenssh/core/internal/supervisor"
	"github.com/havenssh/core/internal/transport"
	"github.com/havenssh/core/internal/wrapper"
)

type sessionResponse struct {
	ID            string              `json:"id"`
	ProfileID     string              `json:"profile_id"`
	Label         string              `json:"label"`
	Status        sessionstate.Status `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
	Wrapper       wrapper.Kind        `json:"wrapper,omitempty"`
	RemoteSession string              `json:"remote_session,omitempty"`
	Reconnectable bool                `json:"reconnectable"`
	Reconnecting  bool                `json:"reconnecting"`
}

func (a *API) sessionResponse(sess *sessionstate.Session) sessionResponse {
	return sessionResponse{
		ID:            sess.ID,
		ProfileID:     sess.ProfileID,
		Label:         sess.Label,
		Status:        sess.Status,
		CreatedAt:     sess.CreatedAt,
		Wrapper:       sess.Wrapper,
		RemoteSession: sess.ChosenSessionName,
		Reconnectable: sess.Config != nil,
		Reconnecting:  a.Sup.Reconnecting(sess.ID),
	}
}

func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	all := a.Sup.Store().All()
	out := make([]sessionResponse, 0, len(all))
	for _, sess := range all {
		out = append(out, a.sessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) DisconnectSession(w http.ResponseWriter, r *http.Request) {
	if !a.Sup.Disconnect(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) DisconnectAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": a.Sup.DisconnectAll()})
}

func (a *API) SessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.Sup.Store().Exists(id) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	events := a.Sup.Events(id)
	if events == nil {
		events = []supervisor.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "events": events})
}

// writeSessionError maps supervisor errors to HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, supervisor.ErrNotConnected):
		writeError(w, http.StatusConflict, "Session is not connected")
	case errors.Is(err, transport.ErrUnsupported):
		writeError(w, http.StatusBadRequest, "Not supported by this session's wrapper or transport")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (a *API) ListRemoteSessions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	names, err := a.Sup.ListRemoteSessions(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "sessions": names})
}

func (a *API) KillRemoteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.Sup.KillRemoteSession(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name")); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) RenameRemoteSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if wrapper.SanitizeName(body.Name) != body.Name {
		writeError(w, http.StatusBadRequest, "Session names may only contain letters, digits, '-' and '_'")
		return
	}
	err := a.Sup.RenameRemoteSession(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"), body.Name)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": body.Name})
}
