package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound indicates an unknown or closed session id.
var ErrSessionNotFound = errors.New("capture: session not found")

type entry struct {
	mu      sync.Mutex
	sess    *Session
	touched time.Time
}

// Registry keeps the open sessions of one process. Calls on the same session
// are serialised; different sessions proceed independently. Each open session
// holds a datastore connection, so idle sessions are expired and every
// session is closed on shutdown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*entry
	clock    func() time.Time
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: map[uuid.UUID]*entry{}, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (r *Registry) WithClock(clock func() time.Time) {
	if clock != nil {
		r.clock = clock
	}
}

// Add registers sess.
func (r *Registry) Add(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID] = &entry{sess: sess, touched: r.clock()}
}

// With runs fn while holding the lock of session id.
func (r *Registry) With(id uuid.UUID, fn func(*Session) error) error {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.State == Closed {
		return ErrSessionNotFound
	}
	e.touched = r.clock()
	return fn(e.sess)
}

// Remove forgets session id.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) entries() map[uuid.UUID]*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID]*entry, len(r.sessions))
	for id, e := range r.sessions {
		out[id] = e
	}
	return out
}

// abort closes the sessions selected by expired and forgets them.
func (r *Registry) abort(ctx context.Context, svc *Service, reason string, expired func(*entry) bool) int {
	closed := 0
	for id, e := range r.entries() {
		e.mu.Lock()
		if !expired(e) {
			e.mu.Unlock()
			continue
		}
		if err := svc.Abort(ctx, e.sess, reason); err != nil {
			svc.log(e.sess).Warn("abort capture session", slog.Any("error", err))
		}
		e.mu.Unlock()
		r.Remove(id)
		closed++
	}
	return closed
}

// Expire closes the sessions idle for longer than ttl, discarding their
// uncommitted work, and returns how many it closed.
func (r *Registry) Expire(ctx context.Context, svc *Service, ttl time.Duration) int {
	cutoff := r.clock().Add(-ttl)
	return r.abort(ctx, svc, "idle", func(e *entry) bool {
		return e.sess.State == Closed || e.touched.Before(cutoff)
	})
}

// CloseAll closes every session. Uncommitted work is discarded.
func (r *Registry) CloseAll(ctx context.Context, svc *Service) int {
	return r.abort(ctx, svc, "shutdown", func(*entry) bool { return true })
}

// Reap runs Expire every interval until ctx is done.
func (r *Registry) Reap(ctx context.Context, svc *Service, ttl, interval time.Duration) {
	if ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Expire(ctx, svc, ttl); n > 0 {
				svc.logger.Info("expired idle capture sessions", slog.Int("count", n))
			}
		}
	}
}
