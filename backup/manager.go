// backup/manager.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup implements the server side of the upload protocol: a
// backup session accepts chunks and index entries for one snapshot and
// then either commits the snapshot or is aborted, leaving no trace of
// it other than chunks, which garbage collection reclaims if nothing
// comes to reference them.
package backup

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/metrics"
	u "github.com/mmp/bkd/util"
	"github.com/pkg/errors"
	"github.com/rs/xid"
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

const DefaultIdleTimeout = 10 * time.Minute

type Options struct {
	// Sessions with no operations for this long are aborted. Zero
	// disables the timeout.
	IdleTimeout time.Duration
	// How often to look for idle sessions; defaults to a quarter of
	// IdleTimeout.
	ReapInterval time.Duration
	// If non-nil, manifests are signed with this key.
	CryptConfig *chunk.CryptConfig
	Metrics     *metrics.Metrics
}

// Manager owns the backup sessions of a datastore.
type Manager struct {
	ds   *datastore.Datastore
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	stop    chan struct{}
	stopped chan struct{}
}

// NewManager returns a Manager for ds and starts its idle session reaper.
// Scratch directories left by sessions of processes that have exited are
// removed.
func NewManager(ds *datastore.Datastore, opts Options) *Manager {
	m := &Manager{
		ds:       ds,
		opts:     opts,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if n, err := ds.CleanScratch(); err != nil {
		log.Warning("%s: %s", ds, err)
	} else if n > 0 {
		log.Verbose("%s: removed %d abandoned scratch directories", ds, n)
	}

	if opts.IdleTimeout > 0 {
		if m.opts.ReapInterval <= 0 {
			m.opts.ReapInterval = opts.IdleTimeout / 4
		}
		go m.reapLoop()
	} else {
		close(m.stopped)
	}
	return m
}

func (m *Manager) Datastore() *datastore.Datastore { return m.ds }

// Open starts a session that writes snap. It fails with
// ErrSessionConflict if another session is writing the snapshot, here or
// in another process, or if it has already been committed.
func (m *Manager) Open(ctx context.Context, snap datastore.Snapshot) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	if m.ds.IsCommitted(snap) {
		return nil, errors.Wrapf(ErrSessionConflict, "%s: snapshot exists", snap)
	}

	token := xid.New().String()
	reg := m.ds.Registry()
	if err := reg.AcquireSnapshot(snap, token); err != nil {
		return nil, errors.Wrap(ErrSessionConflict, err.Error())
	}
	s := &Session{
		m:          m,
		token:      token,
		snap:       snap,
		started:    time.Now(),
		lastActive: time.Now(),
		known:      make(map[chunk.Digest]struct{}),
		writers:    make(map[int]*indexWriter),
		files:      make(map[string]closedFile),
	}
	if err := s.acquire(); err != nil {
		s.release()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.release()
		return nil, ErrClosed
	}
	m.sessions[token] = s
	m.mu.Unlock()

	m.opts.Metrics.SessionOpened()
	log.Verbose("%s: opened session %s", snap, token)
	return s, nil
}

// Lookup returns the open session with the given token.
func (m *Manager) Lookup(token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, &ProtocolError{Op: "lookup", Token: token, Err: ErrNotOpen}
	}
	if st := s.State(); st == Committed || st == Aborted {
		return nil, &ProtocolError{Op: "lookup", Token: token, Err: ErrNotOpen}
	}
	return s, nil
}

// Sessions returns the open sessions, oldest first.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	var r []*Session
	for _, s := range m.sessions {
		r = append(r, s)
	}
	m.mu.RUnlock()
	sort.Slice(r, func(i, j int) bool { return r[i].started.Before(r[j].started) })
	return r
}

func (m *Manager) remove(token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}

// Close stops the reaper and aborts all open sessions.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.opts.IdleTimeout > 0 {
		close(m.stop)
	}
	<-m.stopped

	for _, s := range m.Sessions() {
		s.abort(ErrClosed)
	}
	m.ds.ChunkStore().LogStats()
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Reaper

func (m *Manager) reapLoop() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.reap(now)
		}
	}
}

func (m *Manager) reap(now time.Time) {
	for _, s := range m.Sessions() {
		if s.idleFor(now) > m.opts.IdleTimeout {
			log.Warning("%s: session %s idle, aborting", s.snap, s.token)
			s.abort(ErrIdleTimeout)
		}
	}
}
