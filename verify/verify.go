// verify/verify.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package verify checks the integrity of snapshots: their manifests,
// index files and every chunk they reference.
package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/index"
	"github.com/mmp/bkd/metrics"
	"github.com/mmp/bkd/rdso"
	"github.com/mmp/bkd/storage"
	u "github.com/mmp/bkd/util"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

const (
	StateOK     = "ok"
	StateFailed = "failed"
)

type Options struct {
	Workers int
	// Without a key, encrypted chunks are only checked against their
	// CRC and HMAC-signed manifests aren't checked.
	CryptConfig *chunk.CryptConfig
	Metrics     *metrics.Metrics
}

// Result describes the verification of one snapshot.
type Result struct {
	Snapshot      datastore.Snapshot
	ChunksChecked int64
	ChunksBad     int64
	ChunksMissing int64
	FilesRepaired int
	// Problems other than individual bad chunks, one per file.
	Problems []string
}

func (r *Result) Errors() int {
	return int(r.ChunksBad+r.ChunksMissing) + len(r.Problems)
}

func (r *Result) OK() bool { return r.Errors() == 0 }

func (r *Result) problem(f string, args ...interface{}) {
	msg := fmt.Sprintf(f, args...)
	log.Error("%s: %s", r.Snapshot, msg)
	r.Problems = append(r.Problems, msg)
}

// Verifier verifies snapshots, remembering which chunks it has already
// checked so that chunks shared between snapshots are read once.
type Verifier struct {
	ds   *datastore.Datastore
	opts Options

	mu   sync.Mutex
	good map[chunk.Digest]struct{}
	bad  map[chunk.Digest]error
}

func New(ds *datastore.Datastore, opts Options) *Verifier {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Verifier{
		ds:   ds,
		opts: opts,
		good: make(map[chunk.Digest]struct{}),
		bad:  make(map[chunk.Digest]error),
	}
}

// VerifySnapshot verifies one snapshot and records the outcome in its
// manifest. Problems found are reported in the Result; the returned
// error is for failures that kept verification from running.
func VerifySnapshot(ctx context.Context, ds *datastore.Datastore, snap datastore.Snapshot,
	opts Options) (*Result, error) {
	return New(ds, opts).Snapshot(ctx, snap)
}

// VerifyAll verifies every snapshot in the datastore.
func VerifyAll(ctx context.Context, ds *datastore.Datastore, opts Options) ([]*Result, error) {
	snaps, err := ds.AllSnapshots()
	if err != nil {
		return nil, err
	}
	v := New(ds, opts)
	var results []*Result
	for _, snap := range snaps {
		r, err := v.Snapshot(ctx, snap)
		if errors.Is(err, datastore.ErrNoSnapshot) {
			continue
		} else if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

func (v *Verifier) Snapshot(ctx context.Context, snap datastore.Snapshot) (*Result, error) {
	r := &Result{Snapshot: snap}
	m, err := v.ds.LoadManifest(snap)
	if err != nil {
		if errors.Is(err, datastore.ErrMalformedManifest) && v.tryRepair(r, datastore.ManifestName) {
			m, err = v.ds.LoadManifest(snap)
		}
		if err != nil {
			return nil, err
		}
	}

	switch err := m.Verify(v.opts.CryptConfig); {
	case errors.Is(err, datastore.ErrNeedKey):
		log.Verbose("%s: no key to check manifest signature", snap)
	case err != nil:
		r.problem("manifest: %s", err)
	}

	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch f.Format {
		case index.Blob:
			v.verifyBlob(r, f)
		default:
			if err := v.verifyIndex(ctx, r, f); err != nil {
				return nil, err
			}
		}
	}

	state := datastore.VerifyState{State: StateOK, Time: time.Now().UTC(), Errors: r.Errors()}
	if !r.OK() {
		state.State = StateFailed
	}
	if err := v.ds.UpdateVerifyState(snap, state); err != nil {
		return r, err
	}
	log.Verbose("%s: verify %s: %d chunks checked, %d bad, %d missing", snap, state.State,
		r.ChunksChecked, r.ChunksBad, r.ChunksMissing)
	return r, nil
}

// tryRepair restores a damaged snapshot file from its parity file, if it
// has one, returning true if it did.
func (v *Verifier) tryRepair(r *Result, name string) bool {
	if !v.ds.HasParity(r.Snapshot, name) {
		return false
	}
	err := v.ds.CheckParity(r.Snapshot, name)
	if err == nil {
		return false
	}
	if !errors.Is(err, rdso.ErrFileCorrupt) {
		log.Warning("%s/%s: parity check: %s", r.Snapshot, name, err)
	}
	if err := v.ds.RepairFile(r.Snapshot, name); err != nil {
		log.Error("%s/%s: repair: %s", r.Snapshot, name, err)
		return false
	}
	r.FilesRepaired++
	return true
}

func (v *Verifier) verifyBlob(r *Result, f datastore.FileInfo) {
	fn := filepath.Join(v.ds.SnapshotPath(r.Snapshot), f.Index)
	check := func() error {
		b, err := os.ReadFile(fn)
		if err != nil {
			return err
		}
		if datastore.BlobCsum(b) != f.Csum {
			return errors.New("checksum mismatch")
		}
		enc := chunk.Encoded(b)
		if err := enc.VerifyCRC(); err != nil {
			return err
		}
		if enc.IsEncrypted() && v.opts.CryptConfig == nil {
			return nil
		}
		_, err = chunk.Decode(enc, v.opts.CryptConfig, nil)
		return err
	}

	err := check()
	if err != nil && v.tryRepair(r, f.Index) {
		err = check()
	}
	if err != nil {
		r.problem("%s: %s", f.Index, err)
	}
}

func (v *Verifier) openIndex(r *Result, f datastore.FileInfo) (*index.Reader, error) {
	idx, err := v.ds.OpenIndex(r.Snapshot, f.Index)
	if err != nil {
		return nil, err
	}
	if err := idx.VerifyCsum(); err != nil {
		idx.Close()
		return nil, err
	}
	if idx.Csum() != f.Csum || idx.Size() != f.Size || idx.Kind() != f.Format {
		idx.Close()
		return nil, errors.New("index doesn't match manifest")
	}
	return idx, nil
}

func (v *Verifier) verifyIndex(ctx context.Context, r *Result, f datastore.FileInfo) error {
	idx, err := v.openIndex(r, f)
	if err != nil && v.tryRepair(r, f.Index) {
		idx, err = v.openIndex(r, f)
	}
	if err != nil {
		r.problem("%s: %s", f.Index, err)
		return nil
	}
	defer idx.Close()

	var checked, bad, missing int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.Workers)
	seen := make(map[chunk.Digest]struct{})
	it := idx.Iter()
	for d, ok := it.Next(); ok; d, ok = it.Next() {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		if gctx.Err() != nil {
			break
		}

		d := d
		g.Go(func() error {
			atomic.AddInt64(&checked, 1)
			switch err := v.verifyChunk(d); {
			case errors.Is(err, storage.ErrNotFound):
				atomic.AddInt64(&missing, 1)
				log.Error("%s/%s: missing chunk %s", r.Snapshot, f.Index, d)
			case err != nil:
				atomic.AddInt64(&bad, 1)
				log.Error("%s/%s: chunk %s: %s", r.Snapshot, f.Index, d, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.ChunksChecked += checked
	r.ChunksBad += bad
	r.ChunksMissing += missing
	return nil
}

// verifyChunk reads and checks a chunk; a corrupt chunk is moved aside
// so that it can be uploaded again.
func (v *Verifier) verifyChunk(d chunk.Digest) error {
	v.mu.Lock()
	if _, ok := v.good[d]; ok {
		v.mu.Unlock()
		return nil
	}
	if err, ok := v.bad[d]; ok {
		v.mu.Unlock()
		return err
	}
	v.mu.Unlock()

	cs := v.ds.ChunkStore()
	enc, err := cs.Read(d)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		v.mu.Lock()
		v.bad[d] = err
		v.mu.Unlock()
		return err
	}

	crcErr := enc.VerifyCRC()
	err = crcErr
	if err == nil && (!enc.IsEncrypted() || v.opts.CryptConfig != nil) {
		_, err = chunk.Decode(enc, v.opts.CryptConfig, &d)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err == nil {
		v.good[d] = struct{}{}
		return nil
	}
	v.bad[d] = err
	if kind, ok := chunk.IsIntegrityError(err); ok {
		v.opts.Metrics.VerifyFailed(kind.String())
		// An intact chunk that fails authentication was most likely
		// encrypted with a different key.
		if kind == chunk.AuthFailure && crcErr == nil {
			return err
		}
		if _, merr := cs.MarkBad(d); merr != nil {
			log.Error("%s: %s", d, merr)
		}
	}
	return err
}
