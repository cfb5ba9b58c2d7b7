package httpapi

import (
	"net/http"
	"strings"
	"time"

	"bidroom.org/internal/auth"
)

type tokenRequest struct {
	User       string   `json:"user"`
	Roles      []string `json:"roles"`
	TTLMinutes int      `json:"ttl_minutes,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken issues a signed token for the named user. Real deployments
// would front this with the company SSO; analysts run it from the CLI today.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.User) == "" {
		writeError(w, r, http.StatusBadRequest, "user is required")
		return
	}
	if len(req.Roles) == 0 {
		req.Roles = []string{auth.RoleViewer}
	}
	for _, role := range req.Roles {
		switch strings.ToLower(strings.TrimSpace(role)) {
		case auth.RoleOwner, auth.RoleAnalyst, auth.RoleViewer:
		default:
			writeError(w, r, http.StatusBadRequest, "unknown role: "+role)
			return
		}
	}

	ttl := 8 * time.Hour
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}
	if ttl > 24*time.Hour {
		writeError(w, r, http.StatusBadRequest, "ttl_minutes exceeds 24h limit")
		return
	}

	token, err := auth.GenerateToken(req.User, req.Roles, ttl)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	a.audit(r.Context(), "auth.token_issued", map[string]any{
		"subject": strings.TrimSpace(req.User),
		"roles":   req.Roles,
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(ttl),
	})
}
