// Package registry owns the process-wide map from session id to live
// connection handle. It is the only mutable shared structure in the core;
// everything else lives in the persistent store.
package registry

import (
	"sync"

	"github.com/coni04123/unicx-integration/internal/protocol"
)

// Registry maps session ids to live protocol clients and hands out per-session
// locks so lifecycle operations for the same session never race while
// different sessions proceed concurrently.
type Registry struct {
	mu    sync.Mutex
	conns map[string]protocol.Client
	locks map[string]*sync.Mutex
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]protocol.Client),
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the per-session mutex and returns its unlock function.
func (r *Registry) Lock(sessionID string) func() {
	r.mu.Lock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[sessionID] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Put registers a live client for a session, replacing any previous handle.
// The replaced client, if any, is returned so the caller can tear it down.
func (r *Registry) Put(sessionID string, c protocol.Client) protocol.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.conns[sessionID]
	r.conns[sessionID] = c
	return old
}

// Get returns the live client for a session, if any.
func (r *Registry) Get(sessionID string) (protocol.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[sessionID]
	return c, ok
}

// Remove drops the handle for a session and returns it for teardown.
func (r *Registry) Remove(sessionID string) (protocol.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[sessionID]
	delete(r.conns, sessionID)
	return c, ok
}

// Len reports the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// SessionIDs snapshots the ids with live handles.
func (r *Registry) SessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}
