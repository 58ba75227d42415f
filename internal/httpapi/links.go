package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"yardlink.org/internal/audit"
	"yardlink.org/internal/magiclink"
	"yardlink.org/internal/obs"
)

type validateResponse struct {
	SessionToken string `json:"session_token"`
	ExpiresAt    string `json:"expires_at"`
	EmployeeID   string `json:"employee_id"`
}

type regenerateResponse struct {
	URL       string `json:"url"`
	ExpiresAt string `json:"expires_at"`
	TokenID   string `json:"token_id"`
}

// ValidateLink redeems ?token= and returns a session credential. Every
// invalid-link cause gets the same 410 body.
func (a *API) ValidateLink(w http.ResponseWriter, r *http.Request) {
	secret := strings.TrimSpace(r.URL.Query().Get("token"))
	id, err := a.deps.Links.ValidateAndConsume(r.Context(), secret)
	if err != nil {
		if magiclink.IsInvalidLink(err) {
			_ = audit.LogEvent(r.Context(), audit.EventLinkRejected, map[string]any{
				"reason":    err.Error(),
				"remote_ip": clientIP(r),
			})
			writeError(w, r, http.StatusGone, magiclink.InvalidLinkMessage)
			return
		}
		logger := obs.Ctx(r.Context())
		logger.Error().Err(err).Msg("validate magic link")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	sess, err := a.deps.Minter.Mint(r.Context(), id)
	if err != nil {
		logger := obs.Ctx(r.Context())
		logger.Error().Err(err).Str("employee_id", id.EmployeeID).Str("token_id", id.TokenID).Msg("mint session after consuming link")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLinkConsumed, map[string]any{
		"employee_id": id.EmployeeID,
		"token_id":    id.TokenID,
	})
	writeJSON(w, http.StatusOK, validateResponse{
		SessionToken: sess.Token,
		ExpiresAt:    sess.ExpiresAt.UTC().Format(timeFormat),
		EmployeeID:   id.EmployeeID,
	})
}

// RegenerateLink expires the employee's outstanding links and sends a new one.
func (a *API) RegenerateLink(w http.ResponseWriter, r *http.Request) {
	employeeID := strings.TrimSpace(chi.URLParam(r, "employeeID"))
	if employeeID == "" {
		writeError(w, r, http.StatusBadRequest, "employee id is required")
		return
	}
	link, err := a.deps.Links.Regenerate(r.Context(), employeeID)
	switch {
	case errors.Is(err, magiclink.ErrEmployeeNotFound):
		writeError(w, r, http.StatusNotFound, "employee not found")
		return
	case err != nil:
		logger := obs.Ctx(r.Context())
		logger.Error().Err(err).Str("employee_id", employeeID).Msg("regenerate magic link")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLinkRegenerated, map[string]any{
		"employee_id": employeeID,
		"token_id":    link.Token.ID,
	})
	writeJSON(w, http.StatusCreated, regenerateResponse{
		URL:       link.URL,
		ExpiresAt: link.Token.ExpiresAt.UTC().Format(timeFormat),
		TokenID:   link.Token.ID,
	})
}
