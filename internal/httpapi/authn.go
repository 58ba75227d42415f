package httpapi

import (
	"errors"
	"net/http"

	"yardlink.org/internal/auth"
)

// authenticate verifies the bearer token and stores the claims in context.
func (a *API) authenticate(r *http.Request) (*http.Request, *auth.Claims, error) {
	if a.deps.Verifier == nil {
		return r, nil, auth.ErrUnauthorized
	}
	raw := auth.BearerToken(r)
	if raw == "" {
		return r, nil, auth.ErrUnauthorized
	}
	claims, err := a.deps.Verifier.ParseAndValidate(raw)
	if err != nil {
		return r, nil, auth.ErrUnauthorized
	}
	return r.WithContext(auth.ContextWithClaims(r.Context(), claims)), claims, nil
}

// requireRole admits requests whose bearer token carries one of roles.
func (a *API) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, claims, err := a.authenticate(r)
			if err == nil {
				err = auth.Authorize(claims, roles...)
			}
			if err != nil {
				writeAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrForbidden) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="yardlink"`)
	writeError(w, r, http.StatusUnauthorized, "unauthorized")
}
