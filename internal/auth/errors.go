package auth

import "errors"

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
)

// Authorize checks that claims exist and carry one of roles.
func Authorize(claims *Claims, roles ...string) error {
	if claims == nil {
		return ErrUnauthorized
	}
	for _, role := range roles {
		if claims.HasRole(role) {
			return nil
		}
	}
	return ErrForbidden
}
