package httpapi

import (
	"encoding/json"
	"net/http"
)

// handleStream serves the session event feed over SSE. The subscriber must
// already be a member; the sink lives until the client disconnects or a
// reconnect replaces it.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request, sessionID, subject string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.coord.IsMember(sessionID, subject) {
		writeError(w, r, http.StatusNotFound, "join the session before streaming")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before the headers go out so events published right after the
	// client sees 200 are not missed.
	events := a.hub.Subscribe(r.Context(), sessionID, subject)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}
