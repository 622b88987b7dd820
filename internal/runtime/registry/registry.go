// Package registry maps user IDs to the live connection this process holds
// for them. It never answers cluster-wide presence questions.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/drblury/chirpflow/internal/runtime/logging"
)

// Handle is a live, process-local connection.
type Handle interface {
	// ID is unique per accepted connection.
	ID() string
	// Send writes one frame. Implementations must honour ctx.
	Send(ctx context.Context, data []byte) error
}

// Match pairs a target user with its local handle.
type Match struct {
	UserID string
	Handle Handle
}

// Registry holds at most one handle per user.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Handle
	logger logging.ServiceLogger
}

// New returns an empty Registry.
func New(logger logging.ServiceLogger) *Registry {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Registry{
		conns:  make(map[string]Handle),
		logger: logger.With(logging.LogFields{"component": "registry"}),
	}
}

// Register stores h for userID and returns the handle it replaced, if any.
// The replaced handle is not closed; its own connection loop keeps running
// until the client goes away and then releases nothing, because Release
// compares handles.
func (r *Registry) Register(userID string, h Handle) Handle {
	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = h
	r.mu.Unlock()

	if prev != nil && prev.ID() != h.ID() {
		r.logger.Info("Replaced local connection", logging.LogFields{
			"user_id":         userID,
			"handle_id":       h.ID(),
			"replaced_handle": prev.ID(),
		})
		return prev
	}
	return nil
}

// Unregister removes whatever handle is stored for userID.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	delete(r.conns, userID)
	r.mu.Unlock()
}

// Release removes the entry only when it still points at h. It reports
// whether h was the registered handle.
func (r *Registry) Release(userID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[userID]
	if !ok || cur.ID() != h.ID() {
		return false
	}
	delete(r.conns, userID)
	return true
}

// LookupLocal returns the handle registered for userID on this process.
func (r *Registry) LookupLocal(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.conns[userID]
	return h, ok
}

// Match returns the local handles for targets, skipping users connected
// elsewhere. Duplicate targets yield one match.
func (r *Registry) Match(targets []string) []Match {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.conns) == 0 {
		return nil
	}
	var out []Match
	seen := make(map[string]struct{}, len(targets))
	for _, id := range targets {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if h, ok := r.conns[id]; ok {
			out = append(out, Match{UserID: id, Handle: h})
		}
	}
	return out
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Users returns the registered user IDs, sorted.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
