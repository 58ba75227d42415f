// Package operator keeps the live push sessions of yard operators and
// delivers last-resort notifications to them.
package operator

import (
	"errors"
	"sync"

	"github.com/goccy/go-json"

	"yardlink.org/internal/obs"
)

var (
	ErrNoSession   = errors.New("operator: no live session for yard")
	ErrSessionBusy = errors.New("operator: session outbound buffer full")
)

// TypeStatusUpdate is the only server-to-client message type.
const TypeStatusUpdate = "NOTIFICATION_STATUS_UPDATE"

// Notification is the envelope pushed to an operator console.
type Notification struct {
	Type         string `json:"type"`
	YardID       string `json:"yardId"`
	SubjectID    string `json:"subjectId"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	FallbackLink string `json:"fallbackLink"`
}

// Registry maps a yard to at most one live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	origins  []string
}

// Option configures a Registry.
type Option func(*Registry)

// WithAllowedOrigins restricts websocket upgrades to the given browser
// origins. "*" allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(r *Registry) { r.origins = append([]string(nil), origins...) }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{sessions: make(map[string]*Session)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers sess for yardID. A previous session for the same yard is
// replaced and closed.
func (r *Registry) Connect(yardID string, sess *Session) {
	r.mu.Lock()
	prev := r.sessions[yardID]
	r.sessions[yardID] = sess
	n := len(r.sessions)
	r.mu.Unlock()

	if prev != nil && prev != sess {
		prev.Close()
	}
	obs.SetOperatorSessions(n)
}

// Disconnect removes sess if it is still the session registered for yardID.
// It reports whether a removal happened.
func (r *Registry) Disconnect(yardID string, sess *Session) bool {
	r.mu.Lock()
	cur, ok := r.sessions[yardID]
	removed := ok && cur == sess
	if removed {
		delete(r.sessions, yardID)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if removed {
		obs.SetOperatorSessions(n)
	}
	return removed
}

// Lookup returns the live session for yardID.
func (r *Registry) Lookup(yardID string) (*Session, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[yardID]
	r.mu.RUnlock()
	if !ok || sess.Closed() {
		return nil, false
	}
	return sess, true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Send pushes n to the live session of yardID. A closed session counts as
// absent.
func (r *Registry) Send(yardID string, n Notification) error {
	if n.Type == "" {
		n.Type = TypeStatusUpdate
	}
	if n.YardID == "" {
		n.YardID = yardID
	}
	sess, ok := r.Lookup(yardID)
	if !ok {
		return ErrNoSession
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return sess.enqueue(payload)
}
