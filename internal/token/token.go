package token

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long an issued magic link stays valid.
const DefaultTTL = 24 * time.Hour

var (
	ErrTokenNotFound      = errors.New("token: not found")
	ErrTokenExpired       = errors.New("token: expired")
	ErrTokenAlreadyUsed   = errors.New("token: already used")
	ErrDuplicateSecret    = errors.New("token: duplicate secret")
	ErrDuplicateReference = errors.New("token: duplicate message reference")
)

// AccessToken is one issued magic link.
type AccessToken struct {
	ID          string
	Secret      string
	SubjectID   string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Used        bool
	UsedAt      *time.Time
	MessageRef  string // provider tracking id of the latest dispatch
	Channel     string // channel last attempted
	EscalatedAt *time.Time
}

// ExpiredAt reports whether the token's expiry has passed at now. A token is
// still valid at exactly ExpiresAt.
func (t *AccessToken) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// RevokedExpiry is the expiry written when a token is withdrawn early at now.
// It lies one microsecond in the past, the precision PostgreSQL keeps.
func RevokedExpiry(now time.Time) time.Time {
	return now.Add(-time.Microsecond)
}

// Usable reports whether the token can still be consumed at now.
func (t *AccessToken) Usable(now time.Time) bool {
	return !t.Used && !t.ExpiredAt(now)
}

// Store persists access tokens. Consume and Advance are compare-and-set
// operations: implementations must make the check and the write indivisible.
type Store interface {
	Create(ctx context.Context, t *AccessToken) error
	FindBySecret(ctx context.Context, secret string) (*AccessToken, error)
	FindByMessageRef(ctx context.Context, ref string) (*AccessToken, error)

	// Consume marks the token used if it exists, is unused and is unexpired at now.
	// It returns ErrTokenNotFound, ErrTokenAlreadyUsed or ErrTokenExpired otherwise.
	Consume(ctx context.Context, secret string, now time.Time) (*AccessToken, error)

	// RecordDispatch stores the channel and provider reference of a send.
	RecordDispatch(ctx context.Context, tokenID, channel, ref string) error

	// Advance moves the token to the next channel if ref is still the current
	// reference and the token is usable at now. It reports whether this caller won.
	Advance(ctx context.Context, tokenID, ref, next string, now time.Time) (bool, error)

	// InvalidateSubject expires every outstanding token of a subject.
	InvalidateSubject(ctx context.Context, subjectID string, now time.Time) (int64, error)
}
