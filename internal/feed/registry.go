package feed

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/autofeed/internal/listing"
	"github.com/onnwee/autofeed/internal/ranking"
)

// Registry owns the live feed sessions of a process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store    listing.Store
	ranker   *ranking.Ranker
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *Metrics
	pageSize int
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Store           listing.Store
	Ranker          *ranking.Ranker
	Clock           func() time.Time
	Logger          *slog.Logger
	Metrics         *Metrics
	DefaultPageSize int
}

// NewRegistry creates an empty session registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		store:    cfg.Store,
		ranker:   cfg.Ranker,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		pageSize: NormalizePageSize(cfg.DefaultPageSize),
	}
}

// Create starts a session for query. A non-positive pageSize uses the
// registry default.
func (r *Registry) Create(query FeedQuery, pageSize int) *Session {
	if pageSize <= 0 {
		pageSize = r.pageSize
	}

	s := NewSession(uuid.NewString(), query, SessionConfig{
		Store:    r.store,
		Ranker:   r.ranker,
		Clock:    r.clock,
		Logger:   r.logger,
		Metrics:  r.metrics,
		PageSize: pageSize,
	})

	r.mu.Lock()
	r.sessions[s.ID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.setActiveSessions(n)
	r.logger.Debug("feed session created", "session_id", s.ID, "page_size", s.PageSize())
	return s
}

// Get returns the session with id, or ErrSessionNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Delete removes the session with id.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.setActiveSessions(n)
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Cleanup removes sessions idle for longer than maxIdle and returns how many
// were removed.
func (r *Registry) Cleanup(maxIdle time.Duration) int {
	cutoff := r.clock().Add(-maxIdle)

	r.mu.Lock()
	removed := 0
	for id, s := range r.sessions {
		if s.LastAccess().Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.setActiveSessions(n)
	if removed > 0 {
		r.logger.Info("removed idle feed sessions",
			"removed", removed,
			"remaining", n,
			"max_idle", maxIdle.String())
	}
	return removed
}
