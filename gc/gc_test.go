// gc/gc_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package gc

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/mmp/bkd/backup"
	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const margin = time.Second

func setup(t *testing.T) (*datastore.Datastore, *backup.Manager) {
	ds, err := datastore.Create("test", t.TempDir())
	require.NoError(t, err)
	m := backup.NewManager(ds, backup.Options{})
	t.Cleanup(func() { m.Close() })
	return ds, m
}

func snapshot(t *testing.T, id string, sec int64) datastore.Snapshot {
	g, err := datastore.NewGroup(nil, "vm", id)
	require.NoError(t, err)
	return datastore.NewSnapshot(g, time.Unix(sec, 0))
}

func upload(t *testing.T, s *backup.Session, payload string) chunk.Digest {
	d := chunk.DigestOf([]byte(payload))
	enc, err := chunk.Encode([]byte(payload), true, nil)
	require.NoError(t, err)
	require.NoError(t, s.UploadChunk(d, uint64(len(payload)), enc))
	return d
}

// finish writes the given chunks to an index and commits the snapshot.
func finish(t *testing.T, s *backup.Session, payloads ...string) {
	wid, err := s.CreateIndex("drive-scsi0.img", index.Dynamic, 0)
	require.NoError(t, err)
	sum := index.NewSummer(index.Dynamic)
	var size uint64
	for _, p := range payloads {
		d := chunk.DigestOf([]byte(p))
		require.NoError(t, s.AppendIndex(wid, d, uint64(len(p))))
		sum.Add(d, uint64(len(p)))
		size += uint64(len(p))
	}
	fi, err := s.CloseIndex(wid, len(payloads), size, sum.Sum())
	require.NoError(t, err)
	man := datastore.NewManifest(s.Snapshot())
	man.AddFile(fi)
	require.NoError(t, s.Finish(man))
}

func backupOf(t *testing.T, m *backup.Manager, snap datastore.Snapshot, payloads ...string) {
	s, err := m.Open(context.Background(), snap)
	require.NoError(t, err)
	for _, p := range payloads {
		upload(t, s, p)
	}
	finish(t, s, payloads...)
}

// insert stores a chunk directly, outside of any session.
func insert(t *testing.T, ds *datastore.Datastore, payload string) chunk.Digest {
	d := chunk.DigestOf([]byte(payload))
	enc, err := chunk.Encode([]byte(payload), true, nil)
	require.NoError(t, err)
	_, _, err = ds.ChunkStore().Insert(d, enc)
	require.NoError(t, err)
	return d
}

func age(t *testing.T, ds *datastore.Datastore, d time.Duration, payloads ...string) {
	old := time.Now().Add(-d)
	for _, p := range payloads {
		path := ds.ChunkStore().ChunkPath(chunk.DigestOf([]byte(p)))
		require.NoError(t, os.Chtimes(path, old, old))
	}
}

func exists(ds *datastore.Datastore, payload string) bool {
	return ds.ChunkStore().Exists(chunk.DigestOf([]byte(payload)))
}

func TestReferencedChunksSurvive(t *testing.T) {
	ds, m := setup(t)
	backupOf(t, m, snapshot(t, "100", 1000), "a", "b", "a")
	backupOf(t, m, snapshot(t, "100", 2000), "b", "c")
	insert(t, ds, "garbage")
	age(t, ds, time.Hour, "a", "b", "c", "garbage")

	r, err := Run(context.Background(), ds, Options{AtimeSafetyMargin: margin})
	require.NoError(t, err)
	assert.Equal(t, ResultOK, r.Result)
	assert.Equal(t, 2, r.Snapshots)
	assert.Equal(t, 2, r.IndexFiles)
	assert.Equal(t, int64(4), r.ChunksMarked)
	assert.Equal(t, int64(4), r.ChunksScanned)
	assert.Equal(t, int64(1), r.ChunksRemoved)
	assert.Equal(t, int64(3), r.DiskChunks)
	assert.Zero(t, r.Errors)

	for _, p := range []string{"a", "b", "c"} {
		assert.True(t, exists(ds, p), p)
	}
	assert.False(t, exists(ds, "garbage"))

	// Removing a snapshot makes its unique chunks collectable.
	require.NoError(t, ds.RemoveSnapshot(snapshot(t, "100", 2000)))
	age(t, ds, time.Hour, "a", "b", "c")
	_, err = Run(context.Background(), ds, Options{AtimeSafetyMargin: margin})
	require.NoError(t, err)
	assert.True(t, exists(ds, "a"))
	assert.True(t, exists(ds, "b"))
	assert.False(t, exists(ds, "c"))
}

func TestUncommittedChunksSurvive(t *testing.T) {
	ds, m := setup(t)
	insert(t, ds, "old garbage")
	age(t, ds, time.Hour, "old garbage")

	snap := snapshot(t, "100", 1000)
	s, err := m.Open(context.Background(), snap)
	require.NoError(t, err)
	upload(t, s, "in progress")

	// Long enough that without the session's writer marker, the chunk's
	// access time would be before the cutoff.
	time.Sleep(margin + 200*time.Millisecond)

	r, err := Run(context.Background(), ds, Options{AtimeSafetyMargin: margin})
	require.NoError(t, err)
	require.NotNil(t, r.OldestWriter)
	assert.True(t, r.Cutoff.Before(*r.OldestWriter))
	assert.True(t, exists(ds, "in progress"))
	assert.False(t, exists(ds, "old garbage"))

	// The session can still commit a snapshot that uses the chunk.
	finish(t, s, "in progress")
	got, err := datastore.NewChunkReader(ds, nil).ReadChunk(chunk.DigestOf([]byte("in progress")))
	require.NoError(t, err)
	assert.Equal(t, "in progress", string(got))
}

func TestAbortedChunksCollected(t *testing.T) {
	ds, m := setup(t)
	s, err := m.Open(context.Background(), snapshot(t, "100", 1000))
	require.NoError(t, err)
	upload(t, s, "abandoned")
	require.NoError(t, s.Abort(nil))
	assert.True(t, exists(ds, "abandoned"))

	age(t, ds, time.Hour, "abandoned")
	r, err := Run(context.Background(), ds, Options{AtimeSafetyMargin: margin})
	require.NoError(t, err)
	assert.Nil(t, r.OldestWriter)
	assert.False(t, exists(ds, "abandoned"))
}

func TestAlreadyRunning(t *testing.T) {
	ds, _ := setup(t)

	require.True(t, ds.Registry().StartGC())
	_, err := Run(context.Background(), ds, Options{})
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	ds.Registry().EndGC()

	// Another process holding the lock.
	lock, err := ds.TryGCLock()
	require.NoError(t, err)
	_, err = Run(context.Background(), ds, Options{})
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	require.NoError(t, lock.Unlock())

	_, err = Run(context.Background(), ds, Options{})
	assert.NoError(t, err)
}

func TestMissingChunk(t *testing.T) {
	ds, m := setup(t)
	backupOf(t, m, snapshot(t, "100", 1000), "x", "y")
	require.NoError(t, os.Remove(ds.ChunkStore().ChunkPath(chunk.DigestOf([]byte("y")))))

	r, err := Run(context.Background(), ds, Options{AtimeSafetyMargin: margin})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.MissingChunks)
	assert.Equal(t, int64(1), r.Errors)
	assert.True(t, exists(ds, "x"))
}

func TestIncompleteMarkRemovesNothing(t *testing.T) {
	ds, m := setup(t)
	snap := snapshot(t, "100", 1000)
	backupOf(t, m, snap, "x")
	insert(t, ds, "garbage")
	age(t, ds, time.Hour, "x", "garbage")

	// Damage the index so that the snapshot's references can't be read.
	fn := ds.SnapshotPath(snap) + "/drive-scsi0.img.didx"
	require.NoError(t, os.Truncate(fn, 100))

	r, err := Run(context.Background(), ds, Options{AtimeSafetyMargin: margin})
	require.Error(t, err)
	assert.Equal(t, ResultIncomplete, r.Result)
	assert.True(t, exists(ds, "x"))
	assert.True(t, exists(ds, "garbage"))
}

func TestStatus(t *testing.T) {
	ds, m := setup(t)
	_, err := LastStatus(ds)
	assert.True(t, os.IsNotExist(err))

	backupOf(t, m, snapshot(t, "100", 1000), "x")
	r, err := Run(context.Background(), ds, Options{})
	require.NoError(t, err)

	last, err := LastStatus(ds)
	require.NoError(t, err)
	assert.Equal(t, r.Result, last.Result)
	assert.Equal(t, r.ChunksScanned, last.ChunksScanned)
	assert.True(t, r.Start.Equal(last.Start))
}

func TestCanceled(t *testing.T) {
	ds, m := setup(t)
	backupOf(t, m, snapshot(t, "100", 1000), "x")
	insert(t, ds, "garbage")
	age(t, ds, time.Hour, "garbage")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, ds, Options{AtimeSafetyMargin: margin})
	assert.Error(t, err)
	assert.True(t, exists(ds, "garbage"))
}
