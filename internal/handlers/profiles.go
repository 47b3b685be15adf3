package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/havenssh/core/internal/logutil"
	"github.com/havenssh/core/internal/profile"
	"github.com/havenssh/core/internal/sessionstate"
	"github.com/havenssh/core/internal/supervisor"
	"github.com/havenssh/core/internal/transport"
)

// maxImportSize bounds a YAML import body.
const maxImportSize = 1 << 20

type profileResponse struct {
	profile.Record
	Status         sessionstate.Status `json:"status"`
	Connected      bool                `json:"connected"`
	SessionCount   int                 `json:"session_count"`
	HasCredentials bool                `json:"has_credentials"`
}

func (a *API) profileResponse(rec profile.Record) profileResponse {
	store := a.Sup.Store()
	return profileResponse{
		Record:         rec,
		Status:         store.AggregateStatus(rec.ID),
		Connected:      store.IsProfileConnected(rec.ID),
		SessionCount:   len(store.SessionsForProfile(rec.ID)),
		HasCredentials: rec.HasCredentials(),
	}
}

func (a *API) ListProfiles(w http.ResponseWriter, r *http.Request) {
	recs, err := a.Profiles.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list profiles")
		return
	}
	out := make([]profileResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, a.profileResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var in profile.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	rec, err := a.Profiles.Create(in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, a.profileResponse(*rec))
}

func (a *API) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var in profile.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	rec, err := a.Profiles.Update(chi.URLParam(r, "id"), in)
	switch {
	case errors.Is(err, profile.ErrNotFound):
		writeError(w, http.StatusNotFound, "Profile not found")
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, a.profileResponse(*rec))
	}
}

func (a *API) ImportProfiles(w http.ResponseWriter, r *http.Request) {
	res, err := a.Profiles.ImportYAML(io.LimitReader(r.Body, maxImportSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.Profiles.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "Profile not found")
		return
	}
	a.Sup.DisconnectProfile(id)
	if err := a.Profiles.Delete(id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete profile")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) ProfileStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	store := a.Sup.Store()
	sessions := store.SessionsForProfile(id)
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.ID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile_id": id,
		"status":     store.AggregateStatus(id),
		"connected":  store.IsProfileConnected(id),
		"sessions":   ids,
	})
}

// ConnectProfile opens a session to the profile. With ?new_tab=true it
// always opens another one; otherwise an active session is reused.
func (a *API) ConnectProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := a.Profiles.Resolve(id)
	if errors.Is(err, profile.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Profile not found")
		return
	}
	if err != nil {
		log.Printf("[api] resolve profile %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to load profile credentials")
		return
	}

	newTab, _ := strconv.ParseBool(r.URL.Query().Get("new_tab"))
	var sessionID string
	if newTab {
		sessionID, err = a.Sup.NewTab(r.Context(), p)
	} else {
		sessionID, err = a.Sup.Connect(r.Context(), p)
	}
	if err != nil {
		log.Printf("[api] connect profile %s (%s): %v", id, logutil.SanitizeForLog(p.Label), err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

func (a *API) DisconnectProfile(w http.ResponseWriter, r *http.Request) {
	n := a.Sup.DisconnectProfile(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// dirLister is implemented by file channels that can browse the remote
// file system.
type dirLister interface {
	ReadDir(path string) ([]os.FileInfo, error)
}

type fileEntry struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	IsDir   bool   `json:"is_dir"`
	Mode    string `json:"mode"`
	ModTime int64  `json:"mod_time"`
}

// ListFiles lists a remote directory over the profile's file channel.
func (a *API) ListFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}

	fc, err := a.Sup.FileChannel(r.Context(), id)
	switch {
	case errors.Is(err, supervisor.ErrNotConnected):
		writeError(w, http.StatusConflict, "Profile has no connected session")
		return
	case errors.Is(err, transport.ErrUnsupported):
		writeError(w, http.StatusNotImplemented, "File transfer is not supported by this transport")
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	lister, ok := fc.(dirLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "File channel cannot list directories")
		return
	}
	infos, err := lister.ReadDir(path)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	out := make([]fileEntry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, fileEntry{
			Name:    fi.Name(),
			Size:    fi.Size(),
			IsDir:   fi.IsDir(),
			Mode:    fi.Mode().String(),
			ModTime: fi.ModTime().Unix(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": path, "entries": out})
}
