// Package session implements the server side of a dungeon connection: the
// per-connection Session, its Handler, and the Registry through which the
// engine reaches every connected player.
package session

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cory-johannsen/dungeon/internal/engine"
	"github.com/cory-johannsen/dungeon/internal/observability"
	"github.com/cory-johannsen/dungeon/internal/protocol"
)

// Registry tracks all active sessions. All methods are safe for concurrent
// use. It implements engine.Notifier.
type Registry struct {
	mu       sync.RWMutex
	sessions map[engine.PlayerID]*Session
	lastID   atomic.Uint64

	logger  *zap.Logger
	metrics *observability.Metrics
}

var _ engine.Notifier = (*Registry)(nil)

// NewRegistry creates an empty Registry. metrics may be nil.
//
// Precondition: logger must be non-nil.
func NewRegistry(logger *zap.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		sessions: make(map[engine.PlayerID]*Session),
		logger:   logger,
		metrics:  metrics,
	}
}

// NextID returns a fresh PlayerID. IDs start at 1 and are never reused.
func (r *Registry) NextID() engine.PlayerID {
	return engine.PlayerID(r.lastID.Add(1))
}

// Add registers s.
//
// Postcondition: Returns an error if a session with the same id is registered.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.id]; exists {
		return fmt.Errorf("session %d already registered", s.id)
	}
	r.sessions[s.id] = s
	return nil
}

// Remove unregisters the session with the given id. Removing an unknown id
// is a no-op.
//
// Postcondition: Reports whether a session was removed.
func (r *Registry) Remove(id engine.PlayerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; !exists {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Get returns the session for id.
//
// Postcondition: Returns (session, true) if found, or (nil, false) otherwise.
func (r *Registry) Get(id engine.PlayerID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []engine.PlayerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]engine.PlayerID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Send writes msgs to one session as a single unit. A write failure is
// logged and otherwise ignored; the owning session notices it on its own.
func (r *Registry) Send(id engine.PlayerID, msgs ...protocol.Message) {
	s, ok := r.Get(id)
	if !ok {
		r.logger.Debug("send to unknown session", observability.SessionField(uint64(id)))
		return
	}
	r.deliver(s, msgs)
}

// Broadcast writes msgs to every session except the given one. Pass
// engine.NoPlayer to reach everybody.
func (r *Registry) Broadcast(except engine.PlayerID, msgs ...protocol.Message) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		if id != except {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	// Deterministic fan-out order keeps test transcripts stable.
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, s := range targets {
		r.deliver(s, msgs)
	}
	r.metrics.BroadcastSent()
}

// Evict marks the session for teardown. Its blocked read is interrupted;
// anything already written or written later still reaches the peer until
// the session closes the connection.
func (r *Registry) Evict(id engine.PlayerID) {
	s, ok := r.Get(id)
	if !ok {
		return
	}
	s.evict()
}

func (r *Registry) deliver(s *Session, msgs []protocol.Message) {
	if err := s.write(msgs...); err != nil {
		r.logger.Debug("delivering to session",
			observability.SessionField(uint64(s.id)),
			zap.Error(err),
		)
	}
}
