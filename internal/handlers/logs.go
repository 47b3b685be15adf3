package handlers

import (
	"log"
	"net/http"
	"strconv"
)

func (a *API) GetLogs(w http.ResponseWriter, r *http.Request) {
	if a.Log == nil {
		writeError(w, http.StatusNotFound, "File logging is disabled")
		return
	}
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}
	content, err := a.Log.Tail(lines)
	if err != nil {
		log.Printf("[api] read log tail: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func (a *API) ClearLogs(w http.ResponseWriter, r *http.Request) {
	if a.Log == nil {
		writeError(w, http.StatusNotFound, "File logging is disabled")
		return
	}
	if err := a.Log.Clear(); err != nil {
		log.Printf("[api] clear logs: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to clear logs")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
