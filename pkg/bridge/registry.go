package bridge

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Stats aggregates all bridges a Registry has seen.
type Stats struct {
	Active            int   `json:"active"`
	Started           int64 `json:"started"`
	Completed         int64 `json:"completed"`
	Errored           int64 `json:"errored"`
	CallerFrames      int64 `json:"caller_frames"`
	AgentFrames       int64 `json:"agent_frames"`
	EarlyMediaDropped int64 `json:"early_media_dropped"`
	MalformedSkipped  int64 `json:"malformed_skipped"`
	Scheduled         int64 `json:"scheduled"`
}

// Registry tracks live bridges for the status endpoints.
type Registry struct {
	mu      sync.RWMutex
	bridges map[string]*Bridge

	started   atomic.Int64
	completed atomic.Int64
	errored   atomic.Int64
	scheduled atomic.Int64

	// frames of bridges that have already been removed
	callerFrames      atomic.Int64
	agentFrames       atomic.Int64
	earlyMediaDropped atomic.Int64
	malformedSkipped  atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bridges: make(map[string]*Bridge)}
}

// Add registers a bridge that is about to run.
func (r *Registry) Add(b *Bridge) {
	r.mu.Lock()
	r.bridges[b.ID()] = b
	r.mu.Unlock()
	r.started.Add(1)
}

// Remove unregisters b and folds its counters into the totals.
func (r *Registry) Remove(b *Bridge) {
	r.mu.Lock()
	_, ok := r.bridges[b.ID()]
	delete(r.bridges, b.ID())
	r.mu.Unlock()
	if !ok {
		return
	}

	s := b.Snapshot()
	if b.State() == StateErrored {
		r.errored.Add(1)
	} else {
		r.completed.Add(1)
	}
	if s.Scheduled {
		r.scheduled.Add(1)
	}
	r.callerFrames.Add(s.CallerFrames)
	r.agentFrames.Add(s.AgentFrames)
	r.earlyMediaDropped.Add(s.EarlyMediaDropped)
	r.malformedSkipped.Add(s.MalformedSkipped)
}

// Get returns a live bridge by session id.
func (r *Registry) Get(id string) (*Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bridges[id]
	return b, ok
}

// Sessions returns snapshots of the live bridges, oldest first.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.bridges))
	for _, b := range r.bridges {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Count returns the number of live bridges.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}

// Stats returns totals including live bridges.
func (r *Registry) Stats() Stats {
	s := Stats{
		Started:           r.started.Load(),
		Completed:         r.completed.Load(),
		Errored:           r.errored.Load(),
		Scheduled:         r.scheduled.Load(),
		CallerFrames:      r.callerFrames.Load(),
		AgentFrames:       r.agentFrames.Load(),
		EarlyMediaDropped: r.earlyMediaDropped.Load(),
		MalformedSkipped:  r.malformedSkipped.Load(),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	s.Active = len(r.bridges)
	for _, b := range r.bridges {
		s.CallerFrames += b.callerFrames.Load()
		s.AgentFrames += b.agentFrames.Load()
		s.EarlyMediaDropped += b.earlyMediaDropped.Load()
		s.MalformedSkipped += b.malformedSkipped()
	}
	return s
}
