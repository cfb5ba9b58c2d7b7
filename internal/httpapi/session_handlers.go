package httpapi

import (
	"net/http"
	"strings"

	"bidroom.org/internal/auth"
	"bidroom.org/internal/collab"
)

type joinRequest struct {
	Name    string `json:"name"`
	Role    string `json:"role,omitempty"`
	Viewing string `json:"viewing,omitempty"`
}

type viewingRequest struct {
	ResourceID string `json:"resource_id"`
}

type mutationRequest struct {
	ResourceID string `json:"resource_id"`
	Field      string `json:"field"`
	NewValue   string `json:"new_value"`
}

type acquireResponse struct {
	Acquired bool         `json:"acquired"`
	Lock     *collab.Lock `json:"lock,omitempty"`
}

type releaseResponse struct {
	Released bool `json:"released"`
}

// handleSessionResource routes /v1/sessions/{id}/... by hand; the actions are
// few enough that a router dependency buys nothing.
func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "session id is required")
		return
	}
	sessionID := parts[0]

	subject, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "join":
		a.handleJoin(w, r, sessionID, subject)
	case len(parts) == 2 && parts[1] == "heartbeat":
		a.handleHeartbeat(w, r, sessionID, subject)
	case len(parts) == 2 && parts[1] == "leave":
		a.handleLeave(w, r, sessionID, subject)
	case len(parts) == 2 && parts[1] == "members":
		a.handleMembers(w, r, sessionID)
	case len(parts) == 2 && parts[1] == "viewing":
		a.handleViewing(w, r, sessionID, subject)
	case len(parts) == 2 && parts[1] == "stream":
		a.handleStream(w, r, sessionID, subject)
	case len(parts) == 2 && parts[1] == "mutations":
		a.handleMutation(w, r, sessionID, subject)
	case len(parts) == 4 && parts[1] == "locks" && parts[3] == "acquire":
		a.handleAcquire(w, r, sessionID, parts[2], subject)
	case len(parts) == 4 && parts[1] == "locks" && parts[3] == "release":
		a.handleRelease(w, r, sessionID, parts[2], subject)
	default:
		writeError(w, r, http.StatusNotFound, "unknown session action")
	}
}

func (a *API) handleJoin(w http.ResponseWriter, r *http.Request, sessionID, subject string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req joinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = subject
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		roles := auth.RolesFromContext(r.Context())
		if len(roles) > 0 {
			role = roles[0]
		}
	}

	// The participant id is always the token subject; clients cannot join as
	// someone else.
	snap, err := a.coord.Join(sessionID, collab.Participant{
		ID:      subject,
		Name:    name,
		Role:    role,
		Viewing: strings.TrimSpace(req.Viewing),
	})
	if err != nil {
		handleCollabError(w, r, err)
		return
	}
	a.audit(r.Context(), "session.join", map[string]any{
		"session": sessionID,
	})
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request, sessionID, subject string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.coord.Heartbeat(sessionID, subject); err != nil {
		handleCollabError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLeave(w http.ResponseWriter, r *http.Request, sessionID, subject string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.coord.Leave(sessionID, subject)
	a.hub.Unsubscribe(sessionID, subject)
	a.audit(r.Context(), "session.leave", map[string]any{
		"session": sessionID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMembers(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	snap, err := a.coord.Members(sessionID)
	if err != nil {
		handleCollabError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleViewing(w http.ResponseWriter, r *http.Request, sessionID, subject string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req viewingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.coord.SetViewing(sessionID, subject, strings.TrimSpace(req.ResourceID)); err != nil {
		handleCollabError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAcquire(w http.ResponseWriter, r *http.Request, sessionID, resourceID, subject string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := requireRole(r.Context(), auth.RoleAnalyst, auth.RoleOwner); err != nil {
		writeError(w, r, http.StatusForbidden, "analyst or owner role required")
		return
	}
	lock, acquired, err := a.coord.TryAcquire(sessionID, resourceID, subject)
	if err != nil {
		handleCollabError(w, r, err)
		return
	}
	if !acquired {
		writeJSON(w, http.StatusConflict, acquireResponse{Acquired: false})
		return
	}
	a.audit(r.Context(), "lock.acquire", map[string]any{
		"session":  sessionID,
		"resource": resourceID,
	})
	writeJSON(w, http.StatusOK, acquireResponse{Acquired: true, Lock: &lock})
}

func (a *API) handleRelease(w http.ResponseWriter, r *http.Request, sessionID, resourceID, subject string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	released, err := a.coord.Release(sessionID, resourceID, subject)
	if err != nil {
		handleCollabError(w, r, err)
		return
	}
	if released {
		a.audit(r.Context(), "lock.release", map[string]any{
			"session":  sessionID,
			"resource": resourceID,
		})
	}
	writeJSON(w, http.StatusOK, releaseResponse{Released: released})
}

func (a *API) handleMutation(w http.ResponseWriter, r *http.Request, sessionID, subject string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := requireRole(r.Context(), auth.RoleAnalyst, auth.RoleOwner); err != nil {
		writeError(w, r, http.StatusForbidden, "analyst or owner role required")
		return
	}
	var req mutationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ResourceID) == "" {
		writeError(w, r, http.StatusBadRequest, "resource_id is required")
		return
	}
	ev, err := a.coord.Mutate(r.Context(), sessionID, req.ResourceID, subject, req.Field, req.NewValue)
	if err != nil {
		handleCollabError(w, r, err)
		return
	}
	a.audit(r.Context(), "property.mutate", map[string]any{
		"session":  sessionID,
		"resource": req.ResourceID,
		"field":    req.Field,
	})
	writeJSON(w, http.StatusCreated, ev)
}
