// client/upload.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package client implements the writer side of the backup protocol:
// splitting data streams into chunks, uploading the ones the datastore
// doesn't already have, and writing the indices and manifest that
// describe a snapshot.
package client

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/mmp/bkd/backup"
	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/chunker"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/index"
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

const DefaultWorkers = 8

type Options struct {
	// If non-nil, chunks and blobs are encrypted before upload.
	CryptConfig *chunk.CryptConfig
	NoCompress  bool
	// Maximum number of chunks being encoded and uploaded at once.
	Workers    int
	ClientMeta map[string]string
}

func (o Options) workers() int {
	if o.Workers <= 0 {
		return DefaultWorkers
	}
	return o.Workers
}

func (o Options) cryptMode() string {
	if o.CryptConfig != nil {
		return datastore.CryptEncrypt
	}
	return datastore.CryptNone
}

// Stats summarizes an upload.
type Stats struct {
	Chunks        int64
	NewChunks     int64
	Bytes         int64
	UploadedBytes int64
}

func (s *Stats) add(o Stats) {
	s.Chunks += o.Chunks
	s.NewChunks += o.NewChunks
	s.Bytes += o.Bytes
	s.UploadedBytes += o.UploadedBytes
}

type pending struct {
	d    chunk.Digest
	size uint64
	done chan struct{}
}

// UploadStream writes the chunks from src to a new index of the given
// kind in the session, returning the index's description for the
// manifest. Chunks are encoded and uploaded in parallel but appended to
// the index in order.
func UploadStream(ctx context.Context, sess *backup.Session, archive string, kind index.Kind,
	chunkSize uint64, src chunker.Source, opts Options) (datastore.FileInfo, Stats, error) {
	var stats Stats
	wid, err := sess.CreateIndex(archive, kind, chunkSize)
	if err != nil {
		return datastore.FileInfo{}, stats, err
	}

	sum := index.NewSummer(kind)
	var count int
	var size uint64

	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan *pending, 2*opts.workers())
	sem := make(chan bool, opts.workers())

	// Appends happen in stream order, each once its chunk is stored.
	g.Go(func() error {
		for p := range queue {
			select {
			case <-p.done:
			case <-gctx.Done():
				return gctx.Err()
			}
			if err := sess.AppendIndex(wid, p.d, p.size); err != nil {
				return err
			}
			sum.Add(p.d, p.size)
			count++
			size += p.size
		}
		return nil
	})

	g.Go(func() error {
		defer close(queue)
		for {
			payload, err := src.Next()
			if err == io.EOF {
				return nil
			} else if err != nil {
				return errors.Wrapf(err, "%s", archive)
			}

			p := &pending{d: chunk.DigestOf(payload), size: uint64(len(payload)),
				done: make(chan struct{})}
			select {
			case sem <- true:
			case <-gctx.Done():
				return gctx.Err()
			}
			g.Go(func() error {
				defer func() { <-sem }()
				uploaded, err := uploadChunk(sess, p.d, payload, opts)
				if err != nil {
					return err
				}
				atomic.AddInt64(&stats.Chunks, 1)
				atomic.AddInt64(&stats.Bytes, int64(len(payload)))
				if uploaded > 0 {
					atomic.AddInt64(&stats.NewChunks, 1)
					atomic.AddInt64(&stats.UploadedBytes, int64(uploaded))
				}
				close(p.done)
				return nil
			})

			select {
			case queue <- p:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	if err := g.Wait(); err != nil {
		return datastore.FileInfo{}, stats, err
	}

	fi, err := sess.CloseIndex(wid, count, size, sum.Sum())
	if err != nil {
		return datastore.FileInfo{}, stats, err
	}
	fi.CryptMode = opts.cryptMode()
	log.Verbose("%s: %d chunks, %d new (%s of %s uploaded)", fi.Index, stats.Chunks,
		stats.NewChunks, u.FmtBytes(stats.UploadedBytes), u.FmtBytes(stats.Bytes))
	return fi, stats, nil
}

// uploadChunk uploads the payload unless the datastore already has it,
// returning the number of encoded bytes sent.
func uploadChunk(sess *backup.Session, d chunk.Digest, payload []byte, opts Options) (int, error) {
	exists, err := sess.ChunkExists(d)
	if err != nil || exists {
		return 0, err
	}
	enc, err := chunk.Encode(payload, !opts.NoCompress, opts.CryptConfig)
	if err != nil {
		return 0, err
	}
	if err := sess.UploadChunk(d, uint64(len(payload)), enc); err != nil {
		return 0, err
	}
	return len(enc), nil
}

// UploadBlob encodes and uploads a small file that's stored whole in the
// snapshot.
func UploadBlob(sess *backup.Session, name string, data []byte,
	opts Options) (datastore.FileInfo, error) {
	enc, err := chunk.Encode(data, !opts.NoCompress, opts.CryptConfig)
	if err != nil {
		return datastore.FileInfo{}, err
	}
	fi, err := sess.UploadBlob(name, enc)
	if err != nil {
		return datastore.FileInfo{}, err
	}
	fi.CryptMode = opts.cryptMode()
	return fi, nil
}

///////////////////////////////////////////////////////////////////////////
// Whole snapshots

// Stream is one of the files of a snapshot. Blobs are given by Data;
// everything else comes from Source.
type Stream struct {
	Archive   string
	Kind      index.Kind
	ChunkSize uint64
	Source    chunker.Source
	Data      []byte
}

// Backup runs a complete session that writes the given streams as snapshot
// snap, returning the committed manifest. On failure the session is
// aborted; chunks it uploaded remain in the datastore for a later backup
// to reuse until they're garbage collected.
func Backup(ctx context.Context, mgr *backup.Manager, snap datastore.Snapshot,
	streams []Stream, opts Options) (*datastore.Manifest, Stats, error) {
	var stats Stats
	sess, err := mgr.Open(ctx, snap)
	if err != nil {
		return nil, stats, err
	}

	m, err := writeStreams(ctx, sess, streams, opts, &stats)
	if err == nil {
		err = sess.Finish(m)
	}
	if err != nil {
		if aerr := sess.Abort(err); aerr != nil {
			log.Warning("%s: abort: %s", snap, aerr)
		}
		return nil, stats, errors.Wrapf(err, "%s", snap)
	}
	log.Verbose("%s: backup finished: %s in %d chunks, %s new", snap,
		u.FmtBytes(stats.Bytes), stats.Chunks, u.FmtBytes(stats.UploadedBytes))
	return m, stats, nil
}

func writeStreams(ctx context.Context, sess *backup.Session, streams []Stream,
	opts Options, stats *Stats) (*datastore.Manifest, error) {
	m := datastore.NewManifest(sess.Snapshot())
	for k, v := range opts.ClientMeta {
		if m.ClientMeta == nil {
			m.ClientMeta = make(map[string]string)
		}
		m.ClientMeta[k] = v
	}

	for _, s := range streams {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var fi datastore.FileInfo
		var err error
		if s.Kind == index.Blob {
			fi, err = UploadBlob(sess, s.Archive, s.Data, opts)
		} else {
			var st Stats
			fi, st, err = UploadStream(ctx, sess, s.Archive, s.Kind, s.ChunkSize, s.Source, opts)
			stats.add(st)
		}
		if err != nil {
			return nil, err
		}
		m.AddFile(fi)
	}
	return m, nil
}
