// gc/gc.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package gc implements mark-and-sweep garbage collection of a
// datastore's chunks.
//
// The mark phase sets the access time of every chunk referenced by a
// committed snapshot; the sweep phase then removes chunks whose access
// time is before a cutoff. Backups in progress aren't referenced by any
// manifest, but every chunk they insert or reuse has its access time set
// after they registered as writers, and the cutoff is never later than
// the start of the oldest live writer.
package gc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/index"
	"github.com/mmp/bkd/metrics"
	"github.com/mmp/bkd/storage"
	u "github.com/mmp/bkd/util"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyRunning = errors.New("garbage collection already running")

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

const (
	DefaultAtimeSafetyMargin = 5 * time.Minute
	DefaultMarkWorkers       = 4
)

type Options struct {
	// Chunks accessed less than this long before the cutoff are kept, to
	// allow for clock granularity and skew between the processes sharing
	// the datastore.
	AtimeSafetyMargin time.Duration
	MarkWorkers       int
	Metrics           *metrics.Metrics
}

// Report describes a garbage collection run. It's saved in the
// datastore as the status of the last run.
type Report struct {
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	Cutoff       time.Time  `json:"cutoff"`
	OldestWriter *time.Time `json:"oldest-writer,omitempty"`

	Snapshots      int    `json:"snapshots"`
	IndexFiles     int    `json:"index-files"`
	IndexDataBytes uint64 `json:"index-data-bytes"`
	ChunksMarked   int64  `json:"chunks-marked"`
	MissingChunks  int64  `json:"missing-chunks"`

	ChunksScanned  int64 `json:"chunks-scanned"`
	ChunksRemoved  int64 `json:"chunks-removed"`
	BytesReclaimed int64 `json:"bytes-reclaimed"`
	TempRemoved    int64 `json:"temp-removed"`
	BadRemoved     int64 `json:"bad-removed"`
	DiskChunks     int64 `json:"disk-chunks"`
	DiskBytes      int64 `json:"disk-bytes"`

	Errors int64  `json:"errors"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

const (
	ResultOK         = "ok"
	ResultIncomplete = "incomplete"
	ResultFailed     = "failed"
)

// Run garbage collects ds. If the mark phase couldn't read every
// committed snapshot's indices, nothing is removed and an error is
// returned along with the report.
func Run(ctx context.Context, ds *datastore.Datastore, opts Options) (*Report, error) {
	if opts.AtimeSafetyMargin <= 0 {
		opts.AtimeSafetyMargin = DefaultAtimeSafetyMargin
	}
	if opts.MarkWorkers <= 0 {
		opts.MarkWorkers = DefaultMarkWorkers
	}

	reg := ds.Registry()
	if !reg.StartGC() {
		return nil, ErrAlreadyRunning
	}
	defer reg.EndGC()
	lock, err := ds.TryGCLock()
	if errors.Is(err, datastore.ErrLocked) {
		return nil, ErrAlreadyRunning
	} else if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	r := &Report{Start: time.Now()}
	err = run(ctx, ds, opts, r)
	r.End = time.Now()
	switch {
	case err == nil:
		r.Result = ResultOK
	case r.Result == "":
		r.Result = ResultFailed
	}
	if err != nil {
		r.Error = err.Error()
	}
	opts.Metrics.GCFinished(r.Result, r.ChunksRemoved, r.BytesReclaimed, r.End.Sub(r.Start))

	if serr := ds.SaveGCStatus(r); serr != nil {
		log.Error("%s: saving gc status: %s", ds, serr)
	}
	log.Verbose("%s: gc %s: removed %d of %d chunks (%s reclaimed) in %s", ds, r.Result,
		r.ChunksRemoved, r.ChunksScanned, u.FmtBytes(r.BytesReclaimed),
		r.End.Sub(r.Start).Round(time.Millisecond))
	return r, err
}

func run(ctx context.Context, ds *datastore.Datastore, opts Options, r *Report) error {
	// Taking the start time before looking for writers matters: a writer
	// that registers later only sets access times after it.
	cutoff := r.Start
	oldest, ok, err := ds.OldestWriter()
	if err != nil {
		return errors.Wrap(err, "writer markers")
	}
	if ok {
		r.OldestWriter = &oldest
		if oldest.Before(cutoff) {
			cutoff = oldest
		}
	}
	r.Cutoff = cutoff.Add(-opts.AtimeSafetyMargin)

	if err := mark(ctx, ds, opts, r); err != nil {
		r.Result = ResultIncomplete
		return errors.Wrap(err, "mark")
	}

	stats, err := ds.ChunkStore().Sweep(ctx, r.Cutoff)
	r.ChunksScanned = stats.Scanned
	r.ChunksRemoved = stats.Removed
	r.BytesReclaimed = stats.BytesReclaimed
	r.TempRemoved = stats.TempRemoved
	r.BadRemoved = stats.BadRemoved
	r.DiskChunks = stats.Kept()
	r.DiskBytes = stats.KeptBytes()
	r.Errors += stats.Errors
	if err != nil {
		return errors.Wrap(err, "sweep")
	}
	return nil
}

type indexRef struct {
	snap datastore.Snapshot
	name string
}

// mark touches every chunk referenced by a committed snapshot.
func mark(ctx context.Context, ds *datastore.Datastore, opts Options, r *Report) error {
	snaps, err := ds.AllSnapshots()
	if err != nil {
		return err
	}

	var refs []indexRef
	for _, snap := range snaps {
		m, err := ds.LoadManifest(snap)
		if errors.Is(err, datastore.ErrNoSnapshot) {
			// Removed since it was listed; its chunks needn't be kept.
			continue
		} else if err != nil {
			return err
		}
		r.Snapshots++
		for _, f := range m.Files {
			if f.Format == index.Fixed || f.Format == index.Dynamic {
				refs = append(refs, indexRef{snap, f.Index})
			}
		}
	}
	r.IndexFiles = len(refs)

	cs := ds.ChunkStore()
	var marked, missing, dataBytes int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MarkWorkers)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			idx, err := ds.OpenIndex(ref.snap, ref.name)
			if err != nil {
				if !ds.IsCommitted(ref.snap) {
					return nil
				}
				return errors.Wrapf(err, "%s", ref.snap)
			}
			defer idx.Close()
			atomic.AddInt64(&dataBytes, int64(idx.Size()))

			seen := make(map[chunk.Digest]struct{})
			it := idx.Iter()
			for d, ok := it.Next(); ok; d, ok = it.Next() {
				if err := gctx.Err(); err != nil {
					return err
				}
				if _, ok := seen[d]; ok {
					continue
				}
				seen[d] = struct{}{}

				if err := cs.Touch(d); errors.Is(err, storage.ErrNotFound) {
					log.Error("%s/%s: missing chunk %s", ref.snap, ref.name, d)
					atomic.AddInt64(&missing, 1)
				} else if err != nil {
					return err
				} else {
					atomic.AddInt64(&marked, 1)
				}
			}
			return nil
		})
	}
	err = g.Wait()

	r.IndexDataBytes = uint64(dataBytes)
	r.ChunksMarked = marked
	r.MissingChunks = missing
	r.Errors += missing
	return err
}

// LastStatus returns the report of the most recent garbage collection.
// It returns an error satisfying os.IsNotExist if there hasn't been one.
func LastStatus(ds *datastore.Datastore) (*Report, error) {
	var r Report
	if err := ds.LoadGCStatus(&r); err != nil {
		return nil, err
	}
	return &r, nil
}
