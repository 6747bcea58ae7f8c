// remote/sync.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package remote

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/mmp/bkd/backup"
	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/index"
	u "github.com/mmp/bkd/util"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 8

// SyncStats summarizes a push or pull.
type SyncStats struct {
	Chunks      int64
	ChunksSent  int64
	BytesSent   int64
	Files       int
	AlreadyDone bool
}

type SyncOptions struct {
	// Maximum number of chunks transferred at once.
	Workers int
}

func (o SyncOptions) workers() int {
	if o.Workers <= 0 {
		return DefaultWorkers
	}
	return o.Workers
}

// referencedChunks returns the distinct chunks referenced by the index,
// with their sizes, in the order they first appear.
func referencedChunks(idx *index.Reader) ([]index.Entry, error) {
	seen := make(map[chunk.Digest]struct{})
	var entries []index.Entry
	for i := 0; i < idx.Count(); i++ {
		e, err := idx.Entry(i)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[e.Digest]; ok {
			continue
		}
		seen[e.Digest] = struct{}{}
		entries = append(entries, e)
	}
	return entries, nil
}

///////////////////////////////////////////////////////////////////////////
// Push

// Push copies a committed snapshot to the target: first the chunks it
// references that the target doesn't already have, then its index files
// and blobs, and finally its manifest. A snapshot whose manifest is
// already on the target isn't copied again.
func Push(ctx context.Context, ds *datastore.Datastore, snap datastore.Snapshot, t Target,
	opts SyncOptions) (SyncStats, error) {
	var stats SyncStats
	manifestName := snapshotFileName(snap, datastore.ManifestName)
	if exists, err := t.Exists(ctx, manifestName); err != nil {
		return stats, err
	} else if exists {
		log.Verbose("%s: already on %s", snap, t)
		stats.AlreadyDone = true
		return stats, nil
	}

	m, err := ds.LoadManifest(snap)
	if err != nil {
		return stats, err
	}
	cs := ds.ChunkStore()

	for _, f := range m.Files {
		if f.Format == index.Blob {
			continue
		}
		idx, err := ds.OpenIndex(snap, f.Index)
		if err != nil {
			return stats, err
		}
		entries, err := referencedChunks(idx)
		idx.Close()
		if err != nil {
			return stats, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.workers())
		for _, e := range entries {
			d := e.Digest
			g.Go(func() error {
				atomic.AddInt64(&stats.Chunks, 1)
				name := chunkName(d)
				if exists, err := t.Exists(gctx, name); err != nil || exists {
					return err
				}
				enc, err := cs.Read(d)
				if err != nil {
					return errors.Wrapf(err, "%s/%s", snap, f.Index)
				}
				// Corrupt chunks aren't spread to the target.
				if err := enc.VerifyCRC(); err != nil {
					return errors.Wrapf(err, "%s", d)
				}
				if err := t.CreateFile(gctx, name, enc); err != nil &&
					!errors.Is(err, ErrExists) {
					return err
				}
				atomic.AddInt64(&stats.ChunksSent, 1)
				atomic.AddInt64(&stats.BytesSent, int64(len(enc)))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}
	}

	dir := ds.SnapshotPath(snap)
	for _, f := range m.Files {
		b, err := os.ReadFile(filepath.Join(dir, f.Index))
		if err != nil {
			return stats, err
		}
		if err := t.CreateFile(ctx, snapshotFileName(snap, f.Index), b); err != nil &&
			!errors.Is(err, ErrExists) {
			return stats, err
		}
		stats.Files++
		stats.BytesSent += int64(len(b))
	}

	b, err := os.ReadFile(filepath.Join(dir, datastore.ManifestName))
	if err != nil {
		return stats, err
	}
	if err := t.CreateFile(ctx, manifestName, b); err != nil {
		return stats, err
	}
	log.Verbose("%s: pushed to %s: %d of %d chunks sent, %s", snap, t, stats.ChunksSent,
		stats.Chunks, u.FmtBytes(stats.BytesSent))
	return stats, nil
}

///////////////////////////////////////////////////////////////////////////
// Pull

// Pull copies a snapshot from the target into the datastore. It writes
// through a backup session like any other client, so chunks it uploads
// are protected from garbage collection until the snapshot is committed,
// and a failure leaves no partial snapshot behind.
func Pull(ctx context.Context, t Target, mgr *backup.Manager, snap datastore.Snapshot,
	opts SyncOptions) (SyncStats, error) {
	var stats SyncStats
	ds := mgr.Datastore()
	if ds.IsCommitted(snap) {
		stats.AlreadyDone = true
		return stats, nil
	}

	b, err := t.ReadFile(ctx, snapshotFileName(snap, datastore.ManifestName))
	if err != nil {
		return stats, err
	}
	remote, err := datastore.ParseManifest(b)
	if err != nil {
		return stats, err
	}
	if err := remote.Validate(); err != nil {
		return stats, err
	}
	if rs, err := remote.Snapshot(); err != nil {
		return stats, err
	} else if !rs.Equal(snap) {
		return stats, errors.Wrapf(datastore.ErrMalformedManifest, "%s: manifest is for %s",
			snap, rs)
	}

	sess, err := mgr.Open(ctx, snap)
	if err != nil {
		return stats, err
	}
	m, err := pullFiles(ctx, t, sess, remote, opts, &stats)
	if err == nil {
		err = sess.Finish(m)
	}
	if err != nil {
		if aerr := sess.Abort(err); aerr != nil {
			log.Warning("%s: abort: %s", snap, aerr)
		}
		return stats, errors.Wrapf(err, "%s: pull from %s", snap, t)
	}
	log.Verbose("%s: pulled from %s: %d of %d chunks fetched, %s", snap, t,
		stats.ChunksSent, stats.Chunks, u.FmtBytes(stats.BytesSent))
	return stats, nil
}

func pullFiles(ctx context.Context, t Target, sess *backup.Session, remote *datastore.Manifest,
	opts SyncOptions, stats *SyncStats) (*datastore.Manifest, error) {
	snap := sess.Snapshot()
	m := datastore.NewManifest(snap)
	m.ClientMeta = remote.ClientMeta
	m.Unprotected.Notes = remote.Unprotected.Notes

	for _, f := range remote.Files {
		b, err := t.ReadFile(ctx, snapshotFileName(snap, f.Index))
		if err != nil {
			return nil, err
		}
		stats.BytesSent += int64(len(b))
		stats.Files++

		var fi datastore.FileInfo
		if f.Format == index.Blob {
			fi, err = sess.UploadBlob(f.Archive, chunk.Encoded(b))
		} else {
			fi, err = pullIndex(ctx, t, sess, f, b, opts, stats)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s", f.Index)
		}
		if fi.Csum != f.Csum || fi.Size != f.Size {
			return nil, errors.Wrapf(datastore.ErrMalformedManifest,
				"%s: doesn't match remote manifest", f.Index)
		}
		fi.CryptMode = f.CryptMode
		m.AddFile(fi)
	}
	return m, nil
}

func pullIndex(ctx context.Context, t Target, sess *backup.Session, f datastore.FileInfo,
	b []byte, opts SyncOptions, stats *SyncStats) (datastore.FileInfo, error) {
	idx, err := index.Parse(b)
	if err != nil {
		return datastore.FileInfo{}, err
	}
	defer idx.Close()
	if err := idx.VerifyCsum(); err != nil {
		return datastore.FileInfo{}, err
	}
	if idx.Kind() != f.Format {
		return datastore.FileInfo{}, errors.Errorf("index is %s, manifest says %s",
			idx.Kind(), f.Format)
	}

	// Make sure every chunk is present before any is appended to the
	// index.
	entries, err := referencedChunks(idx)
	if err != nil {
		return datastore.FileInfo{}, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers())
	for _, e := range entries {
		e := e
		g.Go(func() error {
			atomic.AddInt64(&stats.Chunks, 1)
			if exists, err := sess.ChunkExists(e.Digest); err != nil || exists {
				return err
			}
			enc, err := t.ReadFile(gctx, chunkName(e.Digest))
			if err != nil {
				return err
			}
			if err := sess.UploadChunk(e.Digest, e.Size, chunk.Encoded(enc)); err != nil {
				return err
			}
			atomic.AddInt64(&stats.ChunksSent, 1)
			atomic.AddInt64(&stats.BytesSent, int64(len(enc)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return datastore.FileInfo{}, err
	}

	wid, err := sess.CreateIndex(f.Archive, idx.Kind(), idx.ChunkSize())
	if err != nil {
		return datastore.FileInfo{}, err
	}
	for i := 0; i < idx.Count(); i++ {
		e, err := idx.Entry(i)
		if err != nil {
			return datastore.FileInfo{}, err
		}
		if err := sess.AppendIndex(wid, e.Digest, e.Size); err != nil {
			return datastore.FileInfo{}, err
		}
	}
	return sess.CloseIndex(wid, idx.Count(), idx.Size(), idx.Csum())
}

///////////////////////////////////////////////////////////////////////////

// ListSnapshots returns the snapshots on the target whose manifests have
// been written, sorted by group and time.
func ListSnapshots(ctx context.Context, t Target) ([]datastore.Snapshot, error) {
	var snaps []datastore.Snapshot
	suffix := "/" + datastore.ManifestName
	err := t.ForFiles(ctx, snapshotsPrefix, func(name string) error {
		if !strings.HasSuffix(name, suffix) {
			return nil
		}
		p := strings.TrimSuffix(strings.TrimPrefix(name, snapshotsPrefix), suffix)
		snap, err := parseSnapshotPath(p)
		if err != nil {
			log.Warning("%s: %s", t, err)
			return nil
		}
		snaps = append(snaps, snap)
		return nil
	})
	sort.Slice(snaps, func(i, j int) bool {
		if a, b := snaps[i].Group.String(), snaps[j].Group.String(); a != b {
			return a < b
		}
		return snaps[i].Time.Before(snaps[j].Time)
	})
	return snaps, err
}
