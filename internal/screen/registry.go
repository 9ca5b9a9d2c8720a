package screen

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned for unknown sessions and for sessions owned by
// someone else.
var ErrNotFound = errors.New("screen: session not found")

// Factory builds the controller for a new session.
type Factory func(id, owner string) (*Controller, error)

type entry struct {
	ctrl     *Controller
	lastSeen time.Time
}

// Registry tracks open screens and closes the ones left idle.
type Registry struct {
	factory Factory
	idleTTL time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewRegistry creates an empty registry. A zero idleTTL disables sweeping.
func NewRegistry(factory Factory, idleTTL time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		factory:  factory,
		idleTTL:  idleTTL,
		logger:   logger.Named("screen_registry"),
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

// Create opens a new screen for owner.
func (r *Registry) Create(owner string) (*Controller, error) {
	id := uuid.NewString()
	ctrl, err := r.factory(id, owner)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions[id] = &entry{ctrl: ctrl, lastSeen: r.now()}
	r.mu.Unlock()
	r.logger.Info("session opened", zap.String("session_id", id), zap.String("owner", owner))
	return ctrl, nil
}

// Get returns owner's session and marks it as used.
func (r *Registry) Get(id, owner string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok || e.ctrl.Owner() != owner {
		return nil, ErrNotFound
	}
	e.lastSeen = r.now()
	return e.ctrl, nil
}

// Remove closes owner's session.
func (r *Registry) Remove(id, owner string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok || e.ctrl.Owner() != owner {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, id)
	r.mu.Unlock()
	return e.ctrl.Close()
}

// Len is the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes sessions idle for longer than the TTL and returns how many.
func (r *Registry) Sweep() int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTTL)
	var idle []*Controller
	r.mu.Lock()
	for id, e := range r.sessions {
		if e.lastSeen.Before(cutoff) {
			idle = append(idle, e.ctrl)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, ctrl := range idle {
		if err := ctrl.Close(); err != nil {
			r.logger.Warn("failed to close idle session", zap.String("session_id", ctrl.ID()), zap.Error(err))
		}
	}
	if len(idle) > 0 {
		r.logger.Info("closed idle sessions", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Run sweeps periodically until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	if r.idleTTL <= 0 {
		return
	}
	interval := r.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Controller, 0, len(r.sessions))
	for id, e := range r.sessions {
		all = append(all, e.ctrl)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, ctrl := range all {
		if err := ctrl.Close(); err != nil {
			r.logger.Warn("failed to close session", zap.String("session_id", ctrl.ID()), zap.Error(err))
		}
	}
}
