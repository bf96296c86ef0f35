package session

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/nvandessel/cmrsim/internal/constants"
	"github.com/nvandessel/cmrsim/internal/estimate"
)

var (
	// ErrTooManySessions is returned by Open when the registry is full.
	ErrTooManySessions = errors.New("too many open sessions")

	// ErrUnknownSession is returned for an id the registry does not hold.
	ErrUnknownSession = errors.New("unknown session")
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// MaxSessions bounds concurrently open sessions. Zero means the default.
	MaxSessions int

	// Session is the run policy applied to every new session.
	Session Config

	// Seed, when non-nil, makes every session's random stream reproducible:
	// the k-th opened session draws from PCG(seed, k).
	Seed *uint64

	// Observer is attached to every session.
	Observer Observer
}

// Registry holds isolated sessions keyed by id. Each session owns its own
// population and random stream; nothing is shared between them.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Controller
	cfg      RegistryConfig
	opened   uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = constants.DefaultMaxSessions
	}
	return &Registry{
		sessions: make(map[string]*Controller),
		cfg:      cfg,
	}
}

// Open creates a new session in setup phase.
func (r *Registry) Open(mode estimate.Mode) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.cfg.MaxSessions {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManySessions, r.cfg.MaxSessions)
	}

	opts := []Option{WithConfig(r.cfg.Session)}
	if r.cfg.Seed != nil {
		opts = append(opts, WithSource(rand.NewPCG(*r.cfg.Seed, r.opened)))
	}
	if r.cfg.Observer != nil {
		opts = append(opts, WithObserver(r.cfg.Observer))
	}
	r.opened++

	c := NewController(mode, opts...)
	r.sessions[c.ID()] = c
	return c, nil
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	return c, nil
}

// Close removes a session. Closing an unknown id returns ErrUnknownSession.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	delete(r.sessions, id)
	return nil
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the open session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
