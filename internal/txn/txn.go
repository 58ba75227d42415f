// Package txn carries the ambient transaction scope through a context so
// that work can be deferred until the surrounding transaction commits.
package txn

import (
	"context"
	"sync"
)

// Runner executes fn inside a transaction. Hooks registered with AfterCommit
// while fn runs fire only after the outermost transaction commits.
type Runner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type (
	scopeKey  struct{}
	handleKey struct{}
)

type state int

const (
	stateOpen state = iota
	stateCommitted
	stateDiscarded
)

// Scope collects after-commit hooks for one transaction.
type Scope struct {
	mu    sync.Mutex
	hooks []func()
	state state
}

// NewScope returns an empty scope. Runners attach it with WithScope.
func NewScope() *Scope { return &Scope{} }

// WithScope returns a context carrying s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the ambient scope, if any.
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}

// WithHandle returns a context carrying the runner's transaction handle,
// such as a *sql.Tx.
func WithHandle(ctx context.Context, h any) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// Handle returns the transaction handle stored by WithHandle, or nil.
func Handle(ctx context.Context) any {
	return ctx.Value(handleKey{})
}

// Detach returns a context for work that outlives the transaction in ctx. It
// keeps the values of ctx but drops its cancellation, scope and handle.
func Detach(ctx context.Context) context.Context {
	ctx = context.WithoutCancel(ctx)
	ctx = context.WithValue(ctx, scopeKey{}, (*Scope)(nil))
	return context.WithValue(ctx, handleKey{}, nil)
}

// AfterCommit registers fn on the ambient scope and reports false only when
// ctx carries no scope. On a scope that already committed fn runs at once; on
// one that rolled back fn is dropped.
func AfterCommit(ctx context.Context, fn func()) bool {
	s, ok := FromContext(ctx)
	if !ok {
		return false
	}
	s.mu.Lock()
	switch s.state {
	case stateOpen:
		s.hooks = append(s.hooks, fn)
		s.mu.Unlock()
	case stateCommitted:
		s.mu.Unlock()
		fn()
	default:
		s.mu.Unlock()
	}
	return true
}

// Committed runs the registered hooks in registration order.
func (s *Scope) Committed() {
	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return
	}
	hooks := s.hooks
	s.hooks = nil
	s.state = stateCommitted
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Discard drops the registered hooks without running them.
func (s *Scope) Discard() {
	s.mu.Lock()
	if s.state == stateOpen {
		s.hooks = nil
		s.state = stateDiscarded
	}
	s.mu.Unlock()
}

// Local is a Runner without a backing database. It scopes hooks to fn and
// fires them when fn returns nil. Nested calls join the outer scope.
type Local struct{}

func (Local) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := FromContext(ctx); ok {
		return fn(ctx)
	}
	s := NewScope()
	defer s.Discard()
	if err := fn(WithScope(ctx, s)); err != nil {
		return err
	}
	s.Committed()
	return nil
}
