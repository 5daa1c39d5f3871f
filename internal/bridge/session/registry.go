package session

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sebas/voicebridge/internal/bridge/store"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// QueueLimit bounds each session's outbound audio queue
	QueueLimit int
	// MaxDuration expires sessions that outlive any plausible call; zero disables
	MaxDuration time.Duration
	// SweepInterval is how often expired sessions are collected
	SweepInterval time.Duration
	// OnExpire is called for each session removed by expiry
	OnExpire func(*Session)
}

// Registry maps call identifiers to live sessions. Each call has at most one
// entry, and an entry is removed exactly once.
type Registry struct {
	cfg   RegistryConfig
	store *store.TTLStore[string, *Session]
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	r := &Registry{cfg: cfg}
	r.store = store.New[string, *Session](cfg.SweepInterval, r.expired)
	return r
}

func (r *Registry) expired(callID string, s *Session) {
	slog.Warn("[Registry] Session exceeded max call duration", "call_id", callID, "max", r.cfg.MaxDuration)
	if r.cfg.OnExpire != nil {
		r.cfg.OnExpire(s)
	}
}

// Create registers a new session in phase Initiated.
func (r *Registry) Create(callID, handle string) (*Session, error) {
	s := newSession(callID, handle, r.cfg.QueueLimit)
	if !r.store.Insert(callID, s, r.cfg.MaxDuration) {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, callID)
	}
	return s, nil
}

// Get returns the session for callID.
func (r *Registry) Get(callID string) (*Session, bool) {
	return r.store.Get(callID)
}

// Remove deletes the entry for callID. Only the first call returns true.
func (r *Registry) Remove(callID string) bool {
	_, ok := r.store.Take(callID)
	return ok
}

// RemoveSession deletes s only if it is still the entry for its call.
func (r *Registry) RemoveSession(s *Session) bool {
	return r.store.CompareAndTake(s.CallID, func(cur *Session) bool { return cur == s })
}

// ClaimUnattached returns the oldest open session without a media relay. It
// exists for relays that connect without a call identifier and can pick the
// wrong call when several are being set up at once.
func (r *Registry) ClaimUnattached() (*Session, bool) {
	var best *Session
	for _, s := range r.store.Values() {
		if s.Closed() || s.MediaAttached() {
			continue
		}
		if best == nil || s.CreatedAt.Before(best.CreatedAt) {
			best = s
		}
	}
	return best, best != nil
}

// List returns snapshots of all sessions ordered by creation time.
func (r *Registry) List() []Snapshot {
	sessions := r.store.Values()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sessions returns the live sessions in no particular order.
func (r *Registry) Sessions() []*Session {
	return r.store.Values()
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	return r.store.Len()
}

// Close stops the expiry sweep.
func (r *Registry) Close() {
	r.store.Close()
}
