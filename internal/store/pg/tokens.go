package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"yardlink.org/internal/token"
)

var _ token.Store = (*Store)(nil)

const tokenColumns = `id, secret, subject_id, created_at, expires_at, used, used_at,
	coalesce(external_message_ref, ''), channel, escalated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (*token.AccessToken, error) {
	var (
		t         token.AccessToken
		usedAt    sql.NullTime
		escalated sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Secret, &t.SubjectID, &t.CreatedAt, &t.ExpiresAt, &t.Used, &usedAt,
		&t.MessageRef, &t.Channel, &escalated); err != nil {
		return nil, err
	}
	if usedAt.Valid {
		v := usedAt.Time
		t.UsedAt = &v
	}
	if escalated.Valid {
		v := escalated.Time
		t.EscalatedAt = &v
	}
	return &t, nil
}

// Create skips a conflicting secret instead of raising, so a retry with a
// fresh secret stays possible inside the caller's transaction.
func (s *Store) Create(ctx context.Context, t *token.AccessToken) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		insert into access_tokens (id, secret, subject_id, created_at, expires_at, used, channel)
		values ($1, $2, $3, $4, $5, false, $6)
		on conflict (secret) do nothing
	`, t.ID, t.Secret, t.SubjectID, t.CreatedAt, t.ExpiresAt, t.Channel)
	if isUniqueViolation(err) {
		return token.ErrDuplicateSecret
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return token.ErrDuplicateSecret
	}
	return nil
}

func (s *Store) FindBySecret(ctx context.Context, secret string) (*token.AccessToken, error) {
	row := s.q(ctx).QueryRowContext(ctx, `select `+tokenColumns+` from access_tokens where secret = $1`, secret)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrTokenNotFound
	}
	return t, err
}

func (s *Store) FindByMessageRef(ctx context.Context, ref string) (*token.AccessToken, error) {
	if ref == "" {
		return nil, token.ErrTokenNotFound
	}
	row := s.q(ctx).QueryRowContext(ctx, `select `+tokenColumns+` from access_tokens where external_message_ref = $1`, ref)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrTokenNotFound
	}
	return t, err
}

// Consume flips used in a single conditional update. When no row qualifies the
// row is read back only to pick the error.
func (s *Store) Consume(ctx context.Context, secret string, now time.Time) (*token.AccessToken, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		update access_tokens
		set used = true, used_at = $2
		where secret = $1 and used = false and expires_at >= $2
		returning `+tokenColumns, secret, now)
	t, err := scanToken(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, err := s.FindBySecret(ctx, secret)
	if err != nil {
		return nil, err
	}
	if current.Used {
		return nil, token.ErrTokenAlreadyUsed
	}
	return nil, token.ErrTokenExpired
}

func (s *Store) RecordDispatch(ctx context.Context, tokenID, channel, ref string) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		update access_tokens
		set channel = $2, external_message_ref = nullif($3, '')
		where id = $1
	`, tokenID, channel, ref)
	if isUniqueViolation(err) {
		return token.ErrDuplicateReference
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return token.ErrTokenNotFound
	}
	return nil
}

func (s *Store) Advance(ctx context.Context, tokenID, ref, next string, now time.Time) (bool, error) {
	if ref == "" {
		return false, nil
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		update access_tokens
		set channel = $3, external_message_ref = null, escalated_at = $4
		where id = $1 and external_message_ref = $2 and used = false and expires_at >= $4
	`, tokenID, ref, next, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) InvalidateSubject(ctx context.Context, subjectID string, now time.Time) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		update access_tokens
		set expires_at = $3
		where subject_id = $1 and used = false and expires_at >= $2
	`, subjectID, now, token.RevokedExpiry(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
