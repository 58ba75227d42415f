package httpapi

import (
	"net/http"
	"strings"

	"yardlink.org/internal/audit"
	"yardlink.org/internal/auth"
	"yardlink.org/internal/obs"
)

// OperatorSocket upgrades GET /ws/operator?yardId=… into an operator session.
func (a *API) OperatorSocket(w http.ResponseWriter, r *http.Request) {
	yardID := strings.TrimSpace(r.URL.Query().Get("yardId"))
	if yardID == "" {
		writeError(w, r, http.StatusBadRequest, "yardId is required")
		return
	}

	if a.settings.OperatorAuth {
		var (
			claims *auth.Claims
			err    error
		)
		r, claims, err = a.authenticate(r)
		if err == nil {
			err = auth.Authorize(claims, auth.RoleOperator, auth.RoleAdmin)
		}
		if err == nil && claims.YardID != "" && claims.YardID != yardID {
			err = auth.ErrForbidden
		}
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
	}

	_ = audit.LogEvent(r.Context(), audit.EventOperatorConnected, map[string]any{
		"yard_id":   yardID,
		"remote_ip": clientIP(r),
	})
	if err := a.deps.Operators.Serve(w, r, yardID); err != nil {
		// The upgrader has already answered the client.
		logger := obs.Ctx(r.Context())
		logger.Warn().Err(err).Str("yard_id", yardID).Msg("operator websocket upgrade failed")
	}
}
