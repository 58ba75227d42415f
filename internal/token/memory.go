package token

import (
	"context"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu       sync.Mutex
	byID     map[string]*AccessToken
	bySecret map[string]string // secret -> id
	byRef    map[string]string // message ref -> id
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:     make(map[string]*AccessToken),
		bySecret: make(map[string]string),
		byRef:    make(map[string]string),
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) Create(ctx context.Context, t *AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bySecret[t.Secret]; ok {
		return ErrDuplicateSecret
	}
	if t.MessageRef != "" {
		if _, ok := s.byRef[t.MessageRef]; ok {
			return ErrDuplicateReference
		}
		s.byRef[t.MessageRef] = t.ID
	}
	s.byID[t.ID] = clone(t)
	s.bySecret[t.Secret] = t.ID
	return nil
}

func (s *InMemory) FindBySecret(ctx context.Context, secret string) (*AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySecret[secret]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return clone(s.byID[id]), nil
}

func (s *InMemory) FindByMessageRef(ctx context.Context, ref string) (*AccessToken, error) {
	if ref == "" {
		return nil, ErrTokenNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[ref]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return clone(s.byID[id]), nil
}

func (s *InMemory) Consume(ctx context.Context, secret string, now time.Time) (*AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySecret[secret]
	if !ok {
		return nil, ErrTokenNotFound
	}
	t := s.byID[id]
	if t.Used {
		return nil, ErrTokenAlreadyUsed
	}
	if t.ExpiredAt(now) {
		return nil, ErrTokenExpired
	}
	usedAt := now
	t.Used = true
	t.UsedAt = &usedAt
	return clone(t), nil
}

func (s *InMemory) RecordDispatch(ctx context.Context, tokenID, channel, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[tokenID]
	if !ok {
		return ErrTokenNotFound
	}
	if ref != "" {
		if owner, taken := s.byRef[ref]; taken && owner != tokenID {
			return ErrDuplicateReference
		}
	}
	if t.MessageRef != "" {
		delete(s.byRef, t.MessageRef)
	}
	t.Channel = channel
	t.MessageRef = ref
	if ref != "" {
		s.byRef[ref] = tokenID
	}
	return nil
}

func (s *InMemory) Advance(ctx context.Context, tokenID, ref, next string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[tokenID]
	if !ok || ref == "" || t.MessageRef != ref || !t.Usable(now) {
		return false, nil
	}
	delete(s.byRef, ref)
	escalated := now
	t.MessageRef = ""
	t.Channel = next
	t.EscalatedAt = &escalated
	return true, nil
}

func (s *InMemory) InvalidateSubject(ctx context.Context, subjectID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.byID {
		if t.SubjectID == subjectID && t.Usable(now) {
			t.ExpiresAt = RevokedExpiry(now)
			n++
		}
	}
	return n, nil
}

func clone(t *AccessToken) *AccessToken {
	out := *t
	if t.UsedAt != nil {
		at := *t.UsedAt
		out.UsedAt = &at
	}
	if t.EscalatedAt != nil {
		at := *t.EscalatedAt
		out.EscalatedAt = &at
	}
	return &out
}
