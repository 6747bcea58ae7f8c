// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package storage implements the content-addressed chunk store that
// holds the encoded chunks of a datastore, one file per chunk.
package storage

import (
	"io"
	"time"

	"github.com/mmp/bkd/chunk"
	u "github.com/mmp/bkd/util"
	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("chunk not found")
	ErrExists   = errors.New("chunk store already exists")
	ErrNotStore = errors.New("not a chunk store")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

// ChunkInfo describes a stored chunk file.
type ChunkInfo struct {
	Digest chunk.Digest
	Size   int64
	Atime  time.Time
	Mtime  time.Time
}

// SweepStats summarizes a pass of Sweep.
type SweepStats struct {
	// Chunks seen and bytes they occupy, before removal.
	Scanned      int64
	ScannedBytes int64

	Removed        int64
	BytesReclaimed int64
	TempRemoved    int64
	BadRemoved     int64

	// Chunks that couldn't be examined or removed; the sweep carries on
	// past them.
	Errors int64
}

// Kept returns the number of chunks still on disk after the sweep.
func (s SweepStats) Kept() int64 { return s.Scanned - s.Removed }

func (s SweepStats) KeptBytes() int64 { return s.ScannedBytes - s.BytesReclaimed }

///////////////////////////////////////////////////////////////////////////
// Ordered parallel reads

// Fetcher returns the decoded payload of a chunk.
type Fetcher interface {
	ReadChunk(d chunk.Digest) ([]byte, error)
}

// NewDigestsReader returns an io.ReadCloser that reads multiple chunks in
// parallel through the given Fetcher, supplying their payloads
// concatenated together in order. At most nReaders reads are in flight.
func NewDigestsReader(digests []chunk.Digest, nReaders int, f Fetcher) io.ReadCloser {
	if nReaders < 1 {
		nReaders = 1
	}
	if len(digests) < nReaders {
		nReaders = len(digests)
	}

	cin := make(chan digestIndex, len(digests))
	r := &parallelReader{
		m:        make(map[int][]byte),
		maxIndex: len(digests),
		cout:     make(chan indexData, 4),
		done:     make(chan struct{}),
	}

	for i := 0; i < nReaders; i++ {
		go preader(f, cin, r.cout, r.done)
	}

	// Indices are assigned in order so that we can construct a
	// bytestream that has the correct order.
	for i, d := range digests {
		cin <- digestIndex{digest: d, index: i}
	}
	close(cin)

	return r
}

type parallelReader struct {
	// Chunk indices to []bytes. The map stores payloads that we've gotten
	// from the readers, including ones that we're not ready to return yet
	// since we don't have the predecessors yet.
	m map[int][]byte
	// Index to return the bytes for before going to the next one.
	index    int
	maxIndex int
	cout     chan indexData
	done     chan struct{}
	err      error
	closed   bool
}

type digestIndex struct {
	digest chunk.Digest
	index  int
}

type indexData struct {
	index int
	data  []byte
	err   error
}

func preader(f Fetcher, cin chan digestIndex, cout chan indexData,
	done chan struct{}) {
	for di := range cin {
		data, err := f.ReadChunk(di.digest)
		if err != nil {
			err = errors.Wrapf(err, "%s", di.digest)
		}
		select {
		case cout <- indexData{di.index, data, err}:
		case <-done:
			return
		}
	}
}

func (r *parallelReader) Read(buf []byte) (int, error) {
	for {
		if r.err != nil {
			return 0, r.err
		}
		if r.index == r.maxIndex {
			return 0, io.EOF
		}

		data, ok := r.m[r.index]
		if !ok {
			// Don't have it; what we get may or may not be the one we're
			// waiting for, so record it and go 'round again.
			id := <-r.cout
			if id.err != nil {
				r.err = id.err
				continue
			}
			r.m[id.index] = id.data
			continue
		}

		n := copy(buf, data)
		if n < len(data) {
			r.m[r.index] = data[n:]
		} else {
			delete(r.m, r.index)
			r.index++
		}
		return n, nil
	}
}

func (r *parallelReader) Close() error {
	if !r.closed {
		close(r.done)
		r.closed = true
	}
	return nil
}
