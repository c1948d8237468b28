// Package txscope carries an open transaction handle and its after-commit hooks through a context.
package txscope

import (
	"context"
	"sync"
)

type scopeKey struct{}

// Scope collects callbacks that must only run once the owning transaction committed.
type Scope struct {
	handle any
	mu     sync.Mutex
	hooks  []func()
	done   bool
}

// Begin attaches a new scope for the provided transaction handle.
func Begin(ctx context.Context, handle any) (context.Context, *Scope) {
	scope := &Scope{handle: handle}
	return context.WithValue(ctx, scopeKey{}, scope), scope
}

// Handle returns the transaction handle stored in ctx, if any.
func Handle(ctx context.Context) (any, bool) {
	scope, ok := ctx.Value(scopeKey{}).(*Scope)
	if !ok || scope == nil {
		return nil, false
	}
	return scope.handle, true
}

// AfterCommit defers fn until the surrounding transaction commits.
// Outside of a transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if fn == nil {
		return
	}
	scope, ok := ctx.Value(scopeKey{}).(*Scope)
	if !ok || scope == nil {
		fn()
		return
	}
	scope.mu.Lock()
	if scope.done {
		scope.mu.Unlock()
		fn()
		return
	}
	scope.hooks = append(scope.hooks, fn)
	scope.mu.Unlock()
}

// Commit runs the collected hooks in registration order. Subsequent calls are no-ops.
func (s *Scope) Commit() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// Discard drops the collected hooks after a rollback.
func (s *Scope) Discard() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.done = true
	s.hooks = nil
	s.mu.Unlock()
}
