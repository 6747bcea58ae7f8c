// datastore/registry.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package datastore

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrSessionActive = errors.New("a backup session for the snapshot is active")

// Registry tracks the in-process state shared by the users of a
// datastore: the active backup sessions, keyed by the snapshot they
// write, and whether garbage collection is running. File locks provide
// the same exclusion across processes.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]string
	gcRunning bool
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]string)}
}

// AcquireSnapshot records that the session with the given token is
// writing snap.
func (r *Registry) AcquireSnapshot(snap Snapshot, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := snap.String()
	if t, ok := r.sessions[key]; ok {
		return errors.Wrapf(ErrSessionActive, "%s: session %s", snap, t)
	}
	r.sessions[key] = token
	return nil
}

// ReleaseSnapshot undoes AcquireSnapshot; it does nothing unless token
// holds snap.
func (r *Registry) ReleaseSnapshot(snap Snapshot, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := snap.String()
	if r.sessions[key] == token {
		delete(r.sessions, key)
	}
}

// ActiveSessions returns the number of snapshots being written.
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StartGC marks garbage collection as running, returning false if it
// already was.
func (r *Registry) StartGC() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gcRunning {
		return false
	}
	r.gcRunning = true
	return true
}

func (r *Registry) EndGC() {
	r.mu.Lock()
	r.gcRunning = false
	r.mu.Unlock()
}

func (r *Registry) GCRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gcRunning
}
