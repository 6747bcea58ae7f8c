// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/metrics"
	u "github.com/mmp/bkd/util"
	"github.com/moby/locker"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"golang.org/x/sys/unix"
)

// ChunksDir is the name of the chunk directory under the datastore base.
const ChunksDir = ".chunks"

const (
	tmpMarker = ".tmp_"
	badSuffix = ".bad"
)

// ChunkStore stores encoded chunks as individual files named by the hex
// digest of their payload, under <base>/.chunks/<first 4 hex digits>/.
// All methods are safe for concurrent use; concurrent inserts of the same
// digest are serialized.
type ChunkStore struct {
	name    string
	base    string
	dir     string
	locks   *locker.Locker
	Metrics *metrics.Metrics

	inserted, deduped int64
}

// CreateChunkStore creates the chunk directory under base, which must
// not already hold one.
func CreateChunkStore(name, base string) (*ChunkStore, error) {
	dir := filepath.Join(base, ChunksDir)
	if _, err := os.Stat(dir); err == nil {
		return nil, errors.Wrapf(ErrExists, "%s", dir)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrapf(err, "%s", dir)
	}
	return OpenChunkStore(name, base)
}

// OpenChunkStore opens an existing chunk store.
func OpenChunkStore(name, base string) (*ChunkStore, error) {
	dir := filepath.Join(base, ChunksDir)
	st, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(ErrNotStore, "%s: %s", base, err)
	}
	if !st.IsDir() {
		return nil, errors.Wrapf(ErrNotStore, "%s: not a directory", dir)
	}
	return &ChunkStore{
		name:  name,
		base:  base,
		dir:   dir,
		locks: locker.New(),
	}, nil
}

func (cs *ChunkStore) String() string {
	return "chunk store " + cs.name + ": " + cs.dir
}

func (cs *ChunkStore) Name() string { return cs.name }
func (cs *ChunkStore) Base() string { return cs.base }

// LogStats logs how many chunks were inserted and deduplicated.
func (cs *ChunkStore) LogStats() {
	log.Verbose("%s: %d chunks inserted, %d already present", cs,
		atomic.LoadInt64(&cs.inserted), atomic.LoadInt64(&cs.deduped))
}

func bucket(hex string) string {
	return hex[:4]
}

// ChunkPath returns the path of the file that holds (or would hold) the
// given chunk.
func (cs *ChunkStore) ChunkPath(d chunk.Digest) string {
	hex := d.String()
	return filepath.Join(cs.dir, bucket(hex), hex)
}

// Exists reports whether the chunk is present; the file is only stat'ed.
func (cs *ChunkStore) Exists(d chunk.Digest) bool {
	_, err := os.Stat(cs.ChunkPath(d))
	return err == nil
}

// Insert stores the encoded chunk for d. If the chunk is already present,
// nothing is written and its access time is refreshed instead. The
// returned size is the size of the stored file.
func (cs *ChunkStore) Insert(d chunk.Digest, enc chunk.Encoded) (existed bool,
	size int64, err error) {
	hex := d.String()
	cs.locks.Lock(hex)
	defer cs.locks.Unlock(hex)

	path := cs.ChunkPath(d)
	if st, err := os.Stat(path); err == nil {
		if err := touch(path, time.Now()); err != nil {
			return true, st.Size(), err
		}
		atomic.AddInt64(&cs.deduped, 1)
		cs.Metrics.ChunkInserted(true, st.Size())
		return true, st.Size(), nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return false, 0, errors.Wrapf(err, "%s", dir)
	}

	tmp := path + tmpMarker + xid.New().String()
	if err := writeFileSync(tmp, enc); err != nil {
		os.Remove(tmp)
		return false, 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, 0, errors.Wrapf(err, "%s: rename", path)
	}

	atomic.AddInt64(&cs.inserted, 1)
	cs.Metrics.ChunkInserted(false, int64(len(enc)))
	log.Debug("%s: inserted %s (%s)", cs.name, hex, u.FmtBytes(int64(len(enc))))
	return false, int64(len(enc)), nil
}

func writeFileSync(fn string, b []byte) error {
	f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return errors.Wrapf(err, "%s", fn)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return errors.Wrapf(err, "%s: write", fn)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "%s: fsync", fn)
	}
	return errors.Wrapf(f.Close(), "%s: close", fn)
}

// Read returns the stored representation of the given chunk.
func (cs *ChunkStore) Read(d chunk.Digest) (chunk.Encoded, error) {
	b, err := os.ReadFile(cs.ChunkPath(d))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s", d)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s", d)
	}
	return chunk.Encoded(b), nil
}

// Touch sets the chunk's access time to now, leaving its modification
// time alone. It fails with ErrNotFound if the chunk isn't present.
func (cs *ChunkStore) Touch(d chunk.Digest) error {
	ok, err := cs.TouchIfExists(d)
	if err == nil && !ok {
		return errors.Wrapf(ErrNotFound, "%s", d)
	}
	return err
}

// TouchIfExists is like Touch, but reports a missing chunk by returning
// false rather than an error.
func (cs *ChunkStore) TouchIfExists(d chunk.Digest) (bool, error) {
	// Holding the digest's lock keeps a concurrent Sweep from removing
	// the chunk between its atime check and the unlink.
	hex := d.String()
	cs.locks.Lock(hex)
	defer cs.locks.Unlock(hex)

	err := touch(cs.ChunkPath(d), time.Now())
	if errors.Is(err, unix.ENOENT) {
		return false, nil
	}
	return err == nil, err
}

func touch(path string, t time.Time) error {
	ts := []unix.Timespec{
		unix.NsecToTimespec(t.UnixNano()),
		{Nsec: unix.UTIME_OMIT},
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, 0); err != nil {
		if err == unix.ENOENT {
			return err
		}
		return errors.Wrapf(err, "%s: utimensat", path)
	}
	return nil
}

// Stat returns the size and times of a stored chunk.
func (cs *ChunkStore) Stat(d chunk.Digest) (ChunkInfo, error) {
	path := cs.ChunkPath(d)
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if err == unix.ENOENT {
			return ChunkInfo{}, errors.Wrapf(ErrNotFound, "%s", d)
		}
		return ChunkInfo{}, errors.Wrapf(err, "%s: stat", path)
	}
	return chunkInfo(d, &st), nil
}

func chunkInfo(d chunk.Digest, st *unix.Stat_t) ChunkInfo {
	return ChunkInfo{
		Digest: d,
		Size:   st.Size,
		Atime:  statAtime(st),
		Mtime:  statMtime(st),
	}
}

// MarkBad moves a chunk that failed verification aside so that the next
// upload of the same digest writes a fresh copy.
func (cs *ChunkStore) MarkBad(d chunk.Digest) (string, error) {
	path := cs.ChunkPath(d)
	bad := path + badSuffix
	for i := 0; ; i++ {
		if _, err := os.Stat(bad); os.IsNotExist(err) {
			break
		}
		bad = fmt.Sprintf("%s.%d%s", path, i+1, badSuffix)
	}
	if err := os.Rename(path, bad); err != nil {
		return "", errors.Wrapf(err, "%s: mark bad", path)
	}
	log.Warning("%s: moved corrupt chunk to %s", d, bad)
	return bad, nil
}

///////////////////////////////////////////////////////////////////////////
// Iteration and sweeping

type entryKind int

const (
	entryChunk entryKind = iota
	entryTemp
	entryBad
	entryOther
)

func classify(name string) (entryKind, chunk.Digest) {
	switch {
	case strings.Contains(name, tmpMarker):
		return entryTemp, chunk.Digest{}
	case strings.HasSuffix(name, badSuffix):
		return entryBad, chunk.Digest{}
	}
	d, err := chunk.ParseDigest(name)
	if err != nil {
		return entryOther, d
	}
	return entryChunk, d
}

// forEachEntry calls fn for every file in every bucket directory.
func (cs *ChunkStore) forEachEntry(ctx context.Context,
	fn func(path, name string, kind entryKind, d chunk.Digest) error) error {
	buckets, err := os.ReadDir(cs.dir)
	if err != nil {
		return errors.Wrapf(err, "%s", cs.dir)
	}
	for _, b := range buckets {
		if !b.IsDir() || len(b.Name()) != 4 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		bdir := filepath.Join(cs.dir, b.Name())
		entries, err := os.ReadDir(bdir)
		if err != nil {
			return errors.Wrapf(err, "%s", bdir)
		}
		for _, e := range entries {
			kind, d := classify(e.Name())
			if err := fn(filepath.Join(bdir, e.Name()), e.Name(), kind, d); err != nil {
				return err
			}
		}
	}
	return nil
}

// Sweep removes every chunk whose access time is before cutoff, along
// with leftover temporary files and bad chunks older than it. Errors on
// individual files are counted and logged, and the sweep continues.
func (cs *ChunkStore) Sweep(ctx context.Context, cutoff time.Time) (SweepStats, error) {
	var stats SweepStats
	err := cs.forEachEntry(ctx, func(path, name string, kind entryKind,
		d chunk.Digest) error {
		if kind == entryOther {
			log.Warning("%s: unexpected file in chunk store", path)
			return nil
		}

		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			if err != unix.ENOENT {
				log.Error("%s: stat: %s", path, err)
				stats.Errors++
			}
			return nil
		}

		switch kind {
		case entryTemp:
			// An in-progress insert refreshes nothing, so use the
			// modification time.
			if !statMtime(&st).Before(cutoff) {
				return nil
			}
			if removeCounted(path, &stats) {
				stats.TempRemoved++
			}
			return nil

		case entryBad:
			if !statAtime(&st).Before(cutoff) {
				return nil
			}
			if removeCounted(path, &stats) {
				stats.BadRemoved++
			}
			return nil
		}

		stats.Scanned++
		stats.ScannedBytes += st.Size
		if !statAtime(&st).Before(cutoff) {
			return nil
		}

		// Take the per-digest lock so that we don't race with an insert
		// of the same chunk that's about to touch it.
		hex := d.String()
		cs.locks.Lock(hex)
		defer cs.locks.Unlock(hex)
		var recheck unix.Stat_t
		if err := unix.Stat(path, &recheck); err != nil ||
			!statAtime(&recheck).Before(cutoff) {
			return nil
		}
		if removeCounted(path, &stats) {
			stats.Removed++
			stats.BytesReclaimed += recheck.Size
			log.Debug("%s: removed unreferenced chunk %s", cs.name, hex)
		}
		return nil
	})
	return stats, err
}

func removeCounted(path string, stats *SweepStats) bool {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false
		}
		log.Error("%s: %s", path, err)
		stats.Errors++
		return false
	}
	return true
}
