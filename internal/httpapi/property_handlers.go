package httpapi

import (
	"net/http"
	"strings"
)

// handlePropertiesCollection serves GET /v1/properties.
func (a *API) handlePropertiesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	records, err := a.props.List(r.Context())
	if err != nil {
		handleCollabError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"properties": records,
		"count":      len(records),
	})
}

// handlePropertyResource serves GET /v1/properties/{caseNo}.
func (a *API) handlePropertyResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	caseNo := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/properties/"), "/")
	if caseNo == "" || strings.Contains(caseNo, "/") {
		writeError(w, r, http.StatusNotFound, "case number is required")
		return
	}
	rec, err := a.props.Get(r.Context(), caseNo)
	if err != nil {
		handleCollabError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
