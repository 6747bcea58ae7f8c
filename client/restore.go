// client/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package client

import (
	"bytes"
	"io"
	"os"

	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/index"
	"github.com/mmp/bkd/storage"
	u "github.com/mmp/bkd/util"
	"github.com/pkg/errors"
)

// DefaultReaders is the number of chunks read in parallel when
// restoring, so that the latency of individual reads is hidden.
const DefaultReaders = 16

type sizeCheckReader struct {
	rc   io.ReadCloser
	name string
	want uint64
	got  uint64
}

func (r *sizeCheckReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	r.got += uint64(n)
	if err == io.EOF && r.got != r.want {
		return n, errors.Errorf("%s: read %d bytes, index says %d", r.name, r.got, r.want)
	}
	return n, err
}

func (r *sizeCheckReader) Close() error { return r.rc.Close() }

// OpenArchive returns a reader for the contents of a snapshot's archive
// that reads up to nReaders chunks ahead in parallel. Blobs are read
// whole.
func OpenArchive(ds *datastore.Datastore, snap datastore.Snapshot, name string,
	cc *chunk.CryptConfig, nReaders int) (io.ReadCloser, error) {
	kind, err := index.KindFromName(name)
	if err != nil {
		return nil, err
	}
	if kind == index.Blob {
		b, err := ds.ReadBlob(snap, name, cc)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(b)), nil
	}

	idx, err := ds.OpenIndex(snap, name)
	if err != nil {
		return nil, err
	}
	defer idx.Close()
	digests := make([]chunk.Digest, 0, idx.Count())
	it := idx.Iter()
	for d, ok := it.Next(); ok; d, ok = it.Next() {
		digests = append(digests, d)
	}
	if nReaders <= 0 {
		nReaders = DefaultReaders
	}
	rc := storage.NewDigestsReader(digests, nReaders, datastore.NewChunkReader(ds, cc))
	return &sizeCheckReader{rc: rc, name: name, want: idx.Size()}, nil
}

// RestoreFile writes the contents of an archive to the file dest.
func RestoreFile(ds *datastore.Datastore, snap datastore.Snapshot, name string,
	cc *chunk.CryptConfig, dest string) error {
	rc, err := OpenArchive(ds, snap, name, cc, 0)
	if err != nil {
		return err
	}
	rr := &u.ReportingReader{R: rc, Msg: "Restored " + name, Log: log}
	defer rr.Close()

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rr); err != nil {
		f.Close()
		os.Remove(dest)
		return err
	}
	return f.Close()
}

// RestoreDir recreates the directory archive name from the snapshot
// under dest.
func RestoreDir(ds *datastore.Datastore, snap datastore.Snapshot, name string,
	cc *chunk.CryptConfig, dest string) error {
	rc, err := OpenArchive(ds, snap, name, cc, 0)
	if err != nil {
		return err
	}
	defer rc.Close()
	return errors.Wrapf(ExtractArchive(rc, dest), "%s/%s", snap, name)
}
