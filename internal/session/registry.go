// Package session maps opaque ids to exclusively-owned dataset handles and
// evicts idle sessions on a TTL.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlassist/sqlassist/internal/dataset"
	"github.com/sqlassist/sqlassist/internal/observability"
)

// ErrNotFound covers both unknown and expired session ids. An evicted id is
// never revived.
var ErrNotFound = errors.New("session not found")

const DefaultTTL = 900 * time.Second

type entry struct {
	handle     dataset.Handle
	lastActive time.Time
}

// Registry is the single owner of the session map. All access goes through
// its methods under one mutex; the raw map is never exposed.
type Registry struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
	sessions map[string]*entry
}

type Options struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

func NewRegistry(opts Options) *Registry {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		ttl:      ttl,
		now:      now,
		logger:   logger,
		sessions: make(map[string]*entry),
	}
}

// Create mints a fresh id and takes ownership of the handle.
func (r *Registry) Create(handle dataset.Handle) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.sessions[id] = &entry{handle: handle, lastActive: r.now()}
	count := len(r.sessions)
	r.mu.Unlock()
	observability.SetActiveSessions(count)
	return id
}

// Get returns the session's handle and refreshes its liveness. Expired
// entries are treated as absent even if a sweep has not removed them yet.
func (r *Registry) Get(id string) (dataset.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok || r.expired(e) {
		return nil, ErrNotFound
	}
	e.lastActive = r.now()
	return e.handle, nil
}

// Touch refreshes liveness without handing out the handle.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok || r.expired(e) {
		return ErrNotFound
	}
	e.lastActive = r.now()
	return nil
}

// Delete releases a session ahead of its TTL.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	observability.SetActiveSessions(count)
	if err := e.handle.Close(); err != nil {
		r.logger.Error("failed to release session handle",
			slog.String("session_id", id),
			slog.Any("error", err))
	}
	return nil
}

// Sweep evicts every session idle longer than the TTL and returns how many
// were removed. A failing handle release is logged and swallowed; the entry
// is removed regardless, since a leaked handle beats a corrupted registry.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	expired := make(map[string]dataset.Handle)
	for id, e := range r.sessions {
		if now.Sub(e.lastActive) > r.ttl {
			expired[id] = e.handle
			delete(r.sessions, id)
		}
	}
	count := len(r.sessions)
	r.mu.Unlock()

	for id, handle := range expired {
		if err := handle.Close(); err != nil {
			r.logger.Error("failed to release expired session handle",
				slog.String("session_id", id),
				slog.Any("error", err))
			continue
		}
		r.logger.Info("evicted expired session", slog.String("session_id", id))
	}
	if len(expired) > 0 {
		observability.SetActiveSessions(count)
		observability.AddEvictedSessions(len(expired))
	}
	return len(expired)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) expired(e *entry) bool {
	return r.now().Sub(e.lastActive) > r.ttl
}
