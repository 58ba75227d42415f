// Package magiclink issues and redeems single-use sign-in links.
package magiclink

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"yardlink.org/internal/dispatch"
	"yardlink.org/internal/ids"
	"yardlink.org/internal/notify"
	"yardlink.org/internal/obs"
	"yardlink.org/internal/token"
	"yardlink.org/internal/txn"
)

const validatePath = "/auth/validate"

var (
	ErrEmployeeNotFound = errors.New("magiclink: employee not found")
	ErrNoDirectory      = errors.New("magiclink: no employee directory configured")
)

// InvalidLinkMessage is the only thing a user learns about a failed link.
const InvalidLinkMessage = "this link is no longer valid"

// Link is an issued token and the URL that redeems it.
type Link struct {
	URL   string
	Token token.AccessToken
}

// Identity is who a consumed link authenticated.
type Identity struct {
	EmployeeID string
	TokenID    string
}

// Scheduler defers the primary notification until the surrounding
// transaction commits.
type Scheduler interface {
	ScheduleAfterCommit(ctx context.Context, req dispatch.Request)
}

// Service issues and validates magic links.
type Service struct {
	store     token.Store
	baseURL   string
	ttl       time.Duration
	now       func() time.Time
	secret    func() (string, error)
	runner    txn.Runner
	scheduler Scheduler
	directory notify.Directory
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithBaseURL sets the public origin links point at.
func WithBaseURL(base string) ServiceOption {
	return func(s *Service) error {
		u, err := url.Parse(strings.TrimSpace(base))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("magiclink: invalid base url %q", base)
		}
		s.baseURL = strings.TrimRight(u.String(), "/")
		return nil
	}
}

// WithTTL overrides the link lifetime.
func WithTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.ttl = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithSecretSource overrides secret generation (useful for tests).
func WithSecretSource(fn func() (string, error)) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.secret = fn
		}
		return nil
	}
}

// WithRunner sets the transaction runner used by Onboard and Regenerate.
func WithRunner(r txn.Runner) ServiceOption {
	return func(s *Service) error {
		if r != nil {
			s.runner = r
		}
		return nil
	}
}

// WithScheduler enables notification dispatch after commit.
func WithScheduler(sch Scheduler) ServiceOption {
	return func(s *Service) error {
		s.scheduler = sch
		return nil
	}
}

// WithDirectory sets the employee directory used for existence checks.
func WithDirectory(d notify.Directory) ServiceOption {
	return func(s *Service) error {
		s.directory = d
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store token.Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("magiclink: token store is required")
	}
	svc := &Service{
		store:   store,
		baseURL: "http://localhost:8080",
		ttl:     token.DefaultTTL,
		now:     time.Now,
		secret:  ids.Secret,
		runner:  txn.Local{},
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// LinkURL builds the redeem URL for a secret.
func (s *Service) LinkURL(secret string) string {
	return s.baseURL + validatePath + "?" + url.Values{"token": {secret}}.Encode()
}

// Issue creates a fresh token for employeeID. The caller has already checked
// that the employee exists. A secret collision is retried once.
func (s *Service) Issue(ctx context.Context, employeeID string) (Link, error) {
	if strings.TrimSpace(employeeID) == "" {
		return Link{}, errors.New("magiclink: employee id is required")
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		secret, err := s.secret()
		if err != nil {
			return Link{}, fmt.Errorf("magiclink: generate secret: %w", err)
		}
		now := s.now().UTC()
		tok := token.AccessToken{
			ID:        ids.New(),
			Secret:    secret,
			SubjectID: employeeID,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		err = s.store.Create(ctx, &tok)
		if err == nil {
			obs.LinkIssued()
			return Link{URL: s.LinkURL(secret), Token: tok}, nil
		}
		if !errors.Is(err, token.ErrDuplicateSecret) {
			return Link{}, fmt.Errorf("magiclink: store token: %w", err)
		}
		lastErr = err
	}
	return Link{}, fmt.Errorf("magiclink: store token: %w", lastErr)
}

// Onboard issues the first link of a new employee and schedules its delivery
// once the transaction commits.
func (s *Service) Onboard(ctx context.Context, employeeID string) (Link, error) {
	return s.issueAndSchedule(ctx, employeeID, false)
}

// Regenerate expires every outstanding link of the employee and issues a new
// one in the same transaction.
func (s *Service) Regenerate(ctx context.Context, employeeID string) (Link, error) {
	return s.issueAndSchedule(ctx, employeeID, true)
}

func (s *Service) issueAndSchedule(ctx context.Context, employeeID string, invalidate bool) (Link, error) {
	if s.directory == nil {
		return Link{}, ErrNoDirectory
	}
	if _, err := s.directory.Lookup(ctx, employeeID); err != nil {
		if errors.Is(err, notify.ErrRecipientNotFound) {
			return Link{}, fmt.Errorf("%w: %s", ErrEmployeeNotFound, employeeID)
		}
		return Link{}, fmt.Errorf("magiclink: lookup employee: %w", err)
	}

	var link Link
	err := s.runner.WithinTx(ctx, func(ctx context.Context) error {
		if invalidate {
			n, err := s.store.InvalidateSubject(ctx, employeeID, s.now().UTC())
			if err != nil {
				return fmt.Errorf("magiclink: invalidate previous links: %w", err)
			}
			if n > 0 {
				logger := obs.Ctx(ctx)
				logger.Info().Str("employee_id", employeeID).Int64("invalidated", n).Msg("previous links expired")
			}
		}
		var err error
		link, err = s.Issue(ctx, employeeID)
		if err != nil {
			return err
		}
		if s.scheduler != nil {
			s.scheduler.ScheduleAfterCommit(ctx, dispatch.Request{
				TokenID:    link.Token.ID,
				EmployeeID: employeeID,
				LinkURL:    link.URL,
			})
		}
		return nil
	})
	if err != nil {
		return Link{}, err
	}
	return link, nil
}

// ValidateAndConsume redeems secret. Exactly one concurrent caller succeeds;
// the rest see token.ErrTokenAlreadyUsed.
func (s *Service) ValidateAndConsume(ctx context.Context, secret string) (Identity, error) {
	if secret == "" {
		obs.Validation("not_found")
		return Identity{}, token.ErrTokenNotFound
	}
	tok, err := s.store.Consume(ctx, secret, s.now().UTC())
	if err != nil {
		obs.Validation(outcome(err))
		return Identity{}, err
	}
	obs.Validation("ok")
	return Identity{EmployeeID: tok.SubjectID, TokenID: tok.ID}, nil
}

// IsInvalidLink reports whether err is one of the user-facing link failures.
func IsInvalidLink(err error) bool {
	return errors.Is(err, token.ErrTokenNotFound) ||
		errors.Is(err, token.ErrTokenAlreadyUsed) ||
		errors.Is(err, token.ErrTokenExpired)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, token.ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, token.ErrTokenAlreadyUsed):
		return "already_used"
	case errors.Is(err, token.ErrTokenExpired):
		return "expired"
	default:
		return "error"
	}
}
