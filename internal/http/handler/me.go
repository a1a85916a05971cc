package handler

import (
	"net/http"

	"clinicmsg/internal/auth"
)

type MeHandler struct{}

// Me echoes the authenticated service subject, for checking a token.
func (h *MeHandler) Me(w http.ResponseWriter, r *http.Request) {
	sub, _ := auth.SubjectFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"subject": sub})
}
