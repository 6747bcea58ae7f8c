// datastore/locks.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package datastore

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var ErrLocked = errors.New("locked by another operation")

const (
	locksDir   = ".locks"
	writersDir = ".writers"
	gcLockName = ".gc.lock"

	// Writer markers left by processes that died before registering
	// completely are removed after this long.
	staleTmpAge = time.Hour
)

// Lock is a held flock(2) lock on a file.
type Lock struct {
	f      *os.File
	path   string
	remove bool
}

// Unlock releases the lock. Snapshot lock files are removed first so that
// a later locker can't end up holding a lock on an unlinked file; see
// lockFile.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	var err error
	if l.remove {
		err = os.Remove(l.path)
	}
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// lockFile takes a flock on path, creating the file if needed. how may
// include LOCK_NB, in which case ErrLocked is returned if it's held.
// Because lock files may be removed by their holder on unlock, the lock
// is only good if path still refers to the file that was locked;
// otherwise it's retried.
func lockFile(path string, how int) (*os.File, error) {
	for {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
		if err != nil {
			return nil, err
		}
		if err := unix.Flock(int(f.Fd()), how); err != nil {
			f.Close()
			if err == unix.EWOULDBLOCK {
				return nil, errors.Wrapf(ErrLocked, "%s", path)
			}
			return nil, errors.Wrapf(err, "%s: flock", path)
		}

		var fst, pst unix.Stat_t
		if err := unix.Fstat(int(f.Fd()), &fst); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "%s: fstat", path)
		}
		if err := unix.Stat(path, &pst); err == nil && pst.Ino == fst.Ino &&
			pst.Dev == fst.Dev {
			return f, nil
		}
		// Someone unlocked and removed it between our open and flock.
		f.Close()
	}
}

func (ds *Datastore) snapshotLockPath(snap Snapshot) string {
	h := sha256.Sum256([]byte(snap.RelPath()))
	return filepath.Join(ds.base, locksDir, hex.EncodeToString(h[:]))
}

// LockSnapshot takes the exclusive lock for a snapshot, which is held by
// the one backup session that may write it and by operations that
// remove it. ErrLocked is returned if it's already held.
func (ds *Datastore) LockSnapshot(snap Snapshot) (*Lock, error) {
	path := ds.snapshotLockPath(snap)
	f, err := lockFile(path, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", snap)
	}
	return &Lock{f: f, path: path, remove: true}, nil
}

// LockManifest takes the lock that serializes rewrites of a snapshot's
// manifest with each other and with the snapshot's removal, waiting for
// it if necessary.
func (ds *Datastore) LockManifest(snap Snapshot) (*Lock, error) {
	path := ds.snapshotLockPath(snap) + ".manifest"
	f, err := lockFile(path, unix.LOCK_EX)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", snap)
	}
	return &Lock{f: f, path: path, remove: true}, nil
}

// TryGCLock takes the datastore-wide garbage collection lock.
func (ds *Datastore) TryGCLock() (*Lock, error) {
	path := filepath.Join(ds.base, gcLockName)
	f, err := lockFile(path, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		return nil, err
	}
	return &Lock{f: f, path: path}, nil
}

///////////////////////////////////////////////////////////////////////////
// Writer markers

// WriterMarker records that a process that may insert or touch chunks is
// active and when it started. Garbage collection never removes chunks
// whose access time is after the start of the oldest live writer.
//
// The marker is a file in .writers holding the start time, on which the
// writer holds a shared flock for as long as it's active; a marker whose
// lock can be taken exclusively belonged to a writer that's gone.
type WriterMarker struct {
	ID    string
	Start time.Time
	f     *os.File
	path  string
}

// RegisterWriter creates a marker for a writer. It must be called before
// the writer inserts or touches any chunk.
func (ds *Datastore) RegisterWriter(id string) (*WriterMarker, error) {
	dir := filepath.Join(ds.base, writersDir)
	path := filepath.Join(dir, id)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", tmp)
	}
	fail := func(err error) (*WriterMarker, error) {
		f.Close()
		os.Remove(tmp)
		return nil, errors.Wrapf(err, "%s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		return fail(err)
	}
	start := time.Now()
	if _, err := f.WriteString(start.UTC().Format(time.RFC3339Nano)); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	// The marker only becomes visible once it's locked and complete.
	if err := os.Rename(tmp, path); err != nil {
		return fail(err)
	}
	if err := syncDir(dir); err != nil {
		log.Warning("%s: %s", dir, err)
	}
	return &WriterMarker{ID: id, Start: start, f: f, path: path}, nil
}

func (w *WriterMarker) Close() error {
	if w == nil || w.f == nil {
		return nil
	}
	err := os.Remove(w.path)
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f = nil
	return err
}

// OldestWriter returns the start time of the oldest live writer. ok is
// false if there are none. Markers left behind by writers that have
// exited are removed.
func (ds *Datastore) OldestWriter() (oldest time.Time, ok bool, err error) {
	live, err := ds.liveWriters()
	if err != nil {
		return time.Time{}, false, err
	}
	for _, t := range live {
		if !ok || t.Before(oldest) {
			oldest, ok = t, true
		}
	}
	return oldest, ok, nil
}

// liveWriters returns the start times of the live writers, keyed by id.
func (ds *Datastore) liveWriters() (map[string]time.Time, error) {
	dir := filepath.Join(ds.base, writersDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", dir)
	}

	live := make(map[string]time.Time)
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if strings.HasSuffix(e.Name(), ".tmp") {
			// Registration in progress, or abandoned. A writer that's
			// still registering hasn't touched any chunks yet.
			if fi, err := e.Info(); err == nil && time.Since(fi.ModTime()) > staleTmpAge {
				removeIfUnlocked(path)
			}
			continue
		}

		start, alive, err := checkWriter(path)
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				continue
			}
			return nil, err
		}
		if alive {
			live[e.Name()] = start
		}
	}
	return live, nil
}

// checkWriter reports whether the writer that owns the marker at path is
// still running, removing the marker if not.
func checkWriter(path string) (time.Time, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "%s", path)
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	switch {
	case err == nil:
		log.Verbose("%s: removing stale writer marker", path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return time.Time{}, false, errors.Wrapf(err, "%s", path)
		}
		return time.Time{}, false, nil
	case err != unix.EWOULDBLOCK:
		return time.Time{}, false, errors.Wrapf(err, "%s: flock", path)
	}

	b := make([]byte, 64)
	n, err := f.Read(b)
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "%s", path)
	}
	start, err := time.Parse(time.RFC3339Nano, string(b[:n]))
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "%s: start time", path)
	}
	return start, true, nil
}

func removeIfUnlocked(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	if unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB) == nil {
		os.Remove(path)
	}
}

// IsWriterLive reports whether the writer with the given id is still
// registered.
func (ds *Datastore) IsWriterLive(id string) (bool, error) {
	_, alive, err := checkWriter(filepath.Join(ds.base, writersDir, id))
	if err != nil && os.IsNotExist(errors.Cause(err)) {
		return false, nil
	}
	return alive, err
}
