// verify/verify_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmp/bkd/backup"
	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/index"
	"github.com/mmp/bkd/metrics"
	"github.com/mmp/bkd/rdso"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*datastore.Datastore, *backup.Manager) {
	ds, err := datastore.Create("test", t.TempDir())
	require.NoError(t, err)
	m := backup.NewManager(ds, backup.Options{})
	t.Cleanup(func() { m.Close() })
	return ds, m
}

func snapshot(t *testing.T, id string, sec int64) datastore.Snapshot {
	g, err := datastore.NewGroup(nil, "ct", id)
	require.NoError(t, err)
	return datastore.NewSnapshot(g, time.Unix(sec, 0))
}

// backupOf commits a snapshot with a single dynamic index holding the
// given payloads.
func backupOf(t *testing.T, m *backup.Manager, snap datastore.Snapshot,
	cc *chunk.CryptConfig, payloads ...string) {
	s, err := m.Open(context.Background(), snap)
	require.NoError(t, err)
	wid, err := s.CreateIndex("root.pxar", index.Dynamic, 0)
	require.NoError(t, err)
	sum := index.NewSummer(index.Dynamic)
	var size uint64
	for _, p := range payloads {
		d := chunk.DigestOf([]byte(p))
		if exists, err := s.ChunkExists(d); err == nil && !exists {
			enc, err := chunk.Encode([]byte(p), true, cc)
			require.NoError(t, err)
			require.NoError(t, s.UploadChunk(d, uint64(len(p)), enc))
		} else {
			require.NoError(t, err)
		}
		require.NoError(t, s.AppendIndex(wid, d, uint64(len(p))))
		sum.Add(d, uint64(len(p)))
		size += uint64(len(p))
	}
	fi, err := s.CloseIndex(wid, len(payloads), size, sum.Sum())
	require.NoError(t, err)
	if cc != nil {
		fi.CryptMode = datastore.CryptEncrypt
	}
	man := datastore.NewManifest(snap)
	man.AddFile(fi)
	require.NoError(t, s.Finish(man))
}

func chunkPath(ds *datastore.Datastore, payload string) string {
	return ds.ChunkStore().ChunkPath(chunk.DigestOf([]byte(payload)))
}

func flipByte(t *testing.T, fn string, offset int64) {
	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	b := make([]byte, 1)
	_, err = f.ReadAt(b, offset)
	require.NoError(t, err)
	b[0] ^= 0x40
	_, err = f.WriteAt(b, offset)
	require.NoError(t, err)
}

func TestVerifyOK(t *testing.T) {
	ds, m := setup(t)
	snap := snapshot(t, "101", 1000)
	backupOf(t, m, snap, nil, "one", "two", "one")

	r, err := VerifySnapshot(context.Background(), ds, snap, Options{})
	require.NoError(t, err)
	assert.True(t, r.OK(), "%+v", r)
	assert.Equal(t, int64(2), r.ChunksChecked)

	man, err := ds.LoadManifest(snap)
	require.NoError(t, err)
	require.NotNil(t, man.Unprotected.VerifyState)
	assert.Equal(t, StateOK, man.Unprotected.VerifyState.State)
	// Recording the state doesn't invalidate the signature.
	assert.NoError(t, man.Verify(nil))
}

func TestCorruptChunk(t *testing.T) {
	ds, m := setup(t)
	snap := snapshot(t, "101", 1000)
	backupOf(t, m, snap, nil, "intact", "soon to be corrupt")
	bad := chunkPath(ds, "soon to be corrupt")
	flipByte(t, bad, chunk.HeaderSize+2)

	reg := prometheus.NewRegistry()
	r, err := VerifySnapshot(context.Background(), ds, snap, Options{Metrics: metrics.New(reg)})
	require.NoError(t, err)
	assert.False(t, r.OK())
	assert.Equal(t, int64(1), r.ChunksBad)
	assert.Equal(t, int64(0), r.ChunksMissing)

	// The chunk was moved aside, so that a new backup uploads it again.
	_, err = os.Stat(bad)
	assert.True(t, os.IsNotExist(err))
	matches, err := filepath.Glob(bad + "*.bad")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	man, err := ds.LoadManifest(snap)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, man.Unprotected.VerifyState.State)
	assert.Equal(t, 1, man.Unprotected.VerifyState.Errors)

	// The same chunk is now reported missing, and a fresh upload heals it.
	r, err = VerifySnapshot(context.Background(), ds, snap, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.ChunksMissing)

	backupOf(t, m, snapshot(t, "101", 2000), nil, "soon to be corrupt")
	r, err = VerifySnapshot(context.Background(), ds, snap, Options{})
	require.NoError(t, err)
	assert.True(t, r.OK(), "%+v", r)
}

func TestMissingChunk(t *testing.T) {
	ds, m := setup(t)
	snap := snapshot(t, "101", 1000)
	backupOf(t, m, snap, nil, "a", "b", "c")
	require.NoError(t, os.Remove(chunkPath(ds, "b")))

	r, err := VerifySnapshot(context.Background(), ds, snap, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.ChunksChecked)
	assert.Equal(t, int64(1), r.ChunksMissing)
	assert.Equal(t, 1, r.Errors())
}

func TestIndexRepairedFromParity(t *testing.T) {
	ds, m := setup(t)
	ds.Parity = true
	snap := snapshot(t, "101", 1000)
	backupOf(t, m, snap, nil, "with parity")
	require.True(t, ds.HasParity(snap, "root.pxar.didx"))

	fn := filepath.Join(ds.SnapshotPath(snap), "root.pxar.didx")
	flipByte(t, fn, index.HeaderSize+11)

	r, err := VerifySnapshot(context.Background(), ds, snap, Options{})
	require.NoError(t, err)
	assert.True(t, r.OK(), "%+v", r)
	assert.Equal(t, 1, r.FilesRepaired)
	assert.NoError(t, ds.CheckParity(snap, "root.pxar.didx"))

	// Without parity the same damage is reported.
	ds.Parity = false
	snap2 := snapshot(t, "101", 2000)
	backupOf(t, m, snap2, nil, "without parity")
	flipByte(t, filepath.Join(ds.SnapshotPath(snap2), "root.pxar.didx"), index.HeaderSize+11)
	r, err = VerifySnapshot(context.Background(), ds, snap2, Options{})
	require.NoError(t, err)
	assert.Len(t, r.Problems, 1)
}

func TestAppendedIndexRepaired(t *testing.T) {
	ds, m := setup(t)
	ds.Parity = true
	snap := snapshot(t, "101", 1000)
	backupOf(t, m, snap, nil, "first", "second")

	fn := filepath.Join(ds.SnapshotPath(snap), "root.pxar.didx")
	orig, err := os.ReadFile(fn)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(fn, append(dupe(orig), "junk"...), 0644))
	assert.ErrorIs(t, ds.CheckParity(snap, "root.pxar.didx"), rdso.ErrFileCorrupt)

	r, err := VerifySnapshot(context.Background(), ds, snap, Options{})
	require.NoError(t, err)
	assert.True(t, r.OK(), "%+v", r)
	assert.Equal(t, 1, r.FilesRepaired)
	got, err := os.ReadFile(fn)
	require.NoError(t, err)
	assert.Equal(t, orig, got)
}

func dupe(b []byte) []byte {
	return append([]byte(nil), b...)
}

func TestSharedChunksCheckedOnce(t *testing.T) {
	ds, m := setup(t)
	backupOf(t, m, snapshot(t, "101", 1000), nil, "shared", "first")
	backupOf(t, m, snapshot(t, "102", 1000), nil, "shared", "second")
	flipByte(t, chunkPath(ds, "shared"), chunk.HeaderSize+1)

	results, err := VerifyAll(context.Background(), ds, Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		// Both snapshots see the bad chunk, though it's read only once.
		assert.Equal(t, int64(1), r.ChunksBad, "%s", r.Snapshot)
	}
}

func TestEncryptedWithoutKey(t *testing.T) {
	key, err := chunk.GenerateKey()
	require.NoError(t, err)
	cc, err := chunk.NewCryptConfig(key)
	require.NoError(t, err)
	other, err := chunk.GenerateKey()
	require.NoError(t, err)
	wrong, err := chunk.NewCryptConfig(other)
	require.NoError(t, err)

	ds, m := setup(t)
	snap := snapshot(t, "101", 1000)
	backupOf(t, m, snap, cc, "top secret payload")

	r, err := VerifySnapshot(context.Background(), ds, snap, Options{})
	require.NoError(t, err)
	assert.True(t, r.OK(), "%+v", r)

	r, err = VerifySnapshot(context.Background(), ds, snap, Options{CryptConfig: cc})
	require.NoError(t, err)
	assert.True(t, r.OK(), "%+v", r)

	// A wrong key fails, but doesn't condemn the chunk.
	r, err = VerifySnapshot(context.Background(), ds, snap, Options{CryptConfig: wrong})
	require.NoError(t, err)
	assert.False(t, r.OK())
	assert.FileExists(t, chunkPath(ds, "top secret payload"))

	// Damage is still detected without the key.
	flipByte(t, chunkPath(ds, "top secret payload"), chunk.HeaderSize+30)
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	r, err = VerifySnapshot(context.Background(), ds, snap, Options{Metrics: met})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.ChunksBad)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.VerifyFailures.WithLabelValues(chunk.Corrupt.String())))
}
