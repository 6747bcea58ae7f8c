// datastore/reader.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package datastore

import (
	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/index"
	"github.com/mmp/bkd/metrics"
)

// LocalChunkReader reads chunks from a datastore's chunk store, decoding
// them and checking their digests.
type LocalChunkReader struct {
	ds      *Datastore
	cc      *chunk.CryptConfig
	Metrics *metrics.Metrics
}

// NewChunkReader returns a reader for the chunks of ds; cc may be nil if
// no encrypted chunks will be read.
func NewChunkReader(ds *Datastore, cc *chunk.CryptConfig) *LocalChunkReader {
	return &LocalChunkReader{ds: ds, cc: cc}
}

func (r *LocalChunkReader) ReadChunk(d chunk.Digest) ([]byte, error) {
	enc, err := r.ds.cs.Read(d)
	if err != nil {
		return nil, err
	}
	b, err := chunk.Decode(enc, r.cc, &d)
	if kind, ok := chunk.IsIntegrityError(err); ok {
		r.Metrics.VerifyFailed(kind.String())
	}
	return b, err
}

// OpenArchive returns a random-access reader for the named index of a
// snapshot.
func (ds *Datastore) OpenArchive(snap Snapshot, name string,
	cc *chunk.CryptConfig) (*index.BufferedReader, error) {
	idx, err := ds.OpenIndex(snap, name)
	if err != nil {
		return nil, err
	}
	return index.NewBufferedReader(idx, NewChunkReader(ds, cc)), nil
}
