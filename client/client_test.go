// client/client_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmp/bkd/backup"
	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/chunker"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newManager(t *testing.T, opts backup.Options) *backup.Manager {
	ds, err := datastore.Create("test", t.TempDir())
	require.NoError(t, err)
	m := backup.NewManager(ds, opts)
	t.Cleanup(func() { m.Close() })
	return m
}

func snapshot(t testing.TB, id string, sec int64) datastore.Snapshot {
	g, err := datastore.NewGroup(nil, "host", id)
	require.NoError(t, err)
	return datastore.NewSnapshot(g, time.Unix(sec, 0))
}

func randomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func rolling(t testing.TB, b []byte) chunker.Source {
	src, err := chunker.NewRolling(bytes.NewReader(b), 10, 0)
	require.NoError(t, err)
	return src
}

func readAll(t testing.TB, ds *datastore.Datastore, snap datastore.Snapshot, name string,
	cc *chunk.CryptConfig) []byte {
	rc, err := OpenArchive(ds, snap, name, cc, 4)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

func TestBackupRoundTrip(t *testing.T) {
	m := newManager(t, backup.Options{})
	ds := m.Datastore()
	data := randomBytes(1, 200000)
	snap := snapshot(t, "laptop", 1000)

	man, stats, err := Backup(context.Background(), m, snap, []Stream{
		{Archive: "data.img", Kind: index.Dynamic, Source: rolling(t, data)},
		{Archive: "notes", Kind: index.Blob, Data: []byte("some notes")},
	}, Options{ClientMeta: map[string]string{"host": "laptop"}})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), stats.Bytes)
	assert.Equal(t, stats.Chunks, stats.NewChunks)
	require.Len(t, man.Files, 2)

	loaded, err := ds.LoadManifest(snap)
	require.NoError(t, err)
	assert.Equal(t, "laptop", loaded.ClientMeta["host"])
	fi, ok := loaded.File("data.img.didx")
	require.True(t, ok)
	assert.Equal(t, uint64(len(data)), fi.Size)
	assert.Equal(t, datastore.CryptNone, fi.CryptMode)

	assert.Equal(t, data, readAll(t, ds, snap, "data.img.didx", nil))
	assert.Equal(t, "some notes", string(readAll(t, ds, snap, "notes.blob", nil)))

	// A second backup of slightly changed data uploads only the chunks
	// around the change.
	changed := append([]byte(nil), data...)
	copy(changed[100000:], "an edit in the middle")
	snap2 := snapshot(t, "laptop", 2000)
	_, stats2, err := Backup(context.Background(), m, snap2, []Stream{
		{Archive: "data.img", Kind: index.Dynamic, Source: rolling(t, changed)},
	}, Options{})
	require.NoError(t, err)
	assert.Less(t, stats2.NewChunks, stats.NewChunks/2, "%+v", stats2)
	assert.Greater(t, stats2.NewChunks, int64(0))
	assert.Equal(t, changed, readAll(t, ds, snap2, "data.img.didx", nil))
}

func TestFixedStream(t *testing.T) {
	m := newManager(t, backup.Options{})
	data := randomBytes(2, 3*4096+100)
	// Repeated blocks are stored once.
	copy(data[4096:8192], data[:4096])
	src, err := chunker.NewFixed(bytes.NewReader(data), 4096)
	require.NoError(t, err)

	snap := snapshot(t, "vm", 1000)
	_, stats, err := Backup(context.Background(), m, snap, []Stream{
		{Archive: "disk.img", Kind: index.Fixed, ChunkSize: 4096, Source: src},
	}, Options{Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Chunks)
	assert.Equal(t, int64(3), stats.NewChunks)

	assert.Equal(t, data, readAll(t, m.Datastore(), snap, "disk.img.fidx", nil))
	idx, err := m.Datastore().OpenIndex(snap, "disk.img.fidx")
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, 4, idx.Count())
	assert.Equal(t, uint64(4096), idx.ChunkSize())
}

func TestEncryptedBackup(t *testing.T) {
	key, err := chunk.GenerateKey()
	require.NoError(t, err)
	cc, err := chunk.NewCryptConfig(key)
	require.NoError(t, err)

	m := newManager(t, backup.Options{CryptConfig: cc})
	data := randomBytes(3, 50000)
	snap := snapshot(t, "secret", 1000)
	_, _, err = Backup(context.Background(), m, snap, []Stream{
		{Archive: "data.img", Kind: index.Dynamic, Source: rolling(t, data)},
		{Archive: "key-info", Kind: index.Blob, Data: []byte("blob")},
	}, Options{CryptConfig: cc})
	require.NoError(t, err)

	loaded, err := m.Datastore().LoadManifest(snap)
	require.NoError(t, err)
	fi, ok := loaded.File("data.img.didx")
	require.True(t, ok)
	assert.Equal(t, datastore.CryptEncrypt, fi.CryptMode)
	assert.NoError(t, loaded.Verify(cc))
	assert.Equal(t, data, readAll(t, m.Datastore(), snap, "data.img.didx", cc))
	assert.Equal(t, "blob", string(readAll(t, m.Datastore(), snap, "key-info.blob", cc)))

	// Without the key the chunks can't be read.
	rc, err := OpenArchive(m.Datastore(), snap, "data.img.didx", nil, 1)
	require.NoError(t, err)
	_, err = io.ReadAll(rc)
	assert.Error(t, err)
	rc.Close()
}

type failingSource struct {
	n int
}

func (f *failingSource) Next() ([]byte, error) {
	f.n++
	if f.n > 3 {
		return nil, errors.New("disk on fire")
	}
	return []byte{byte(f.n)}, nil
}

func TestBackupFailureAborts(t *testing.T) {
	m := newManager(t, backup.Options{})
	snap := snapshot(t, "broken", 1000)
	_, _, err := Backup(context.Background(), m, snap, []Stream{
		{Archive: "data.img", Kind: index.Dynamic, Source: &failingSource{}},
	}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.False(t, m.Datastore().IsCommitted(snap))
	assert.Empty(t, m.Sessions())

	// Chunks uploaded before the failure are kept for reuse.
	assert.True(t, m.Datastore().ChunkStore().Exists(chunk.DigestOf([]byte{1})))

	// A retry can use the same snapshot.
	_, _, err = Backup(context.Background(), m, snap, []Stream{
		{Archive: "data.img", Kind: index.Dynamic, Source: rolling(t, []byte("fine"))},
	}, Options{})
	assert.NoError(t, err)
}

func TestBackupCanceled(t *testing.T) {
	m := newManager(t, backup.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap := snapshot(t, "canceled", 1000)
	_, _, err := Backup(ctx, m, snap, []Stream{
		{Archive: "data.img", Kind: index.Dynamic, Source: rolling(t, randomBytes(4, 10000))},
	}, Options{})
	assert.Error(t, err)
	assert.False(t, m.Datastore().IsCommitted(snap))
}

func writeTree(t *testing.T, dir string) {
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub", "deeper"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty"), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "big.bin"),
		randomBytes(5, 3*archiveBlockSize+17), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "deeper", "c"), []byte("gamma"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.tmp"), []byte("excluded"), 0600))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(dir, "link")))
	old := time.Date(2020, 5, 6, 7, 8, 9, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "a.txt"), old, old))
}

func TestDirectoryRoundTrip(t *testing.T) {
	m := newManager(t, backup.Options{})
	src := filepath.Join(t.TempDir(), "src")
	writeTree(t, src)

	snap := snapshot(t, "workstation", 1000)
	_, _, err := BackupDir(context.Background(), m, snap, "root.pxar", src,
		[]string{".tmp"}, 12, Options{})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, RestoreDir(m.Datastore(), snap, "root.pxar.didx", nil, dest))

	for _, name := range []string{"a.txt", "empty", "sub/big.bin", "sub/deeper/c"} {
		want, err := os.ReadFile(filepath.Join(src, name))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(dest, name))
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)

		wfi, err := os.Stat(filepath.Join(src, name))
		require.NoError(t, err)
		gfi, err := os.Stat(filepath.Join(dest, name))
		require.NoError(t, err)
		assert.Equal(t, wfi.Mode(), gfi.Mode(), name)
		assert.True(t, wfi.ModTime().Equal(gfi.ModTime()), name)
	}
	target, err := os.Readlink(filepath.Join(dest, "link"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)
	_, err = os.Stat(filepath.Join(dest, "skip.tmp"))
	assert.True(t, os.IsNotExist(err))

	// Restoring a file archive to a plain file.
	fn := filepath.Join(t.TempDir(), "root.pxar")
	require.NoError(t, RestoreFile(m.Datastore(), snap, "root.pxar.didx", nil, fn))
	var buf bytes.Buffer
	require.NoError(t, WriteArchive(context.Background(), &buf, src, []string{".tmp"}))
	restored, err := os.ReadFile(fn)
	require.NoError(t, err)
	assert.Equal(t, buf.Bytes(), restored)
}

func TestExtractRejectsEscapes(t *testing.T) {
	for _, p := range []string{"../evil", "/etc/passwd", "a/../../b"} {
		_, err := extractPath("/tmp/dest", p)
		assert.Error(t, err, p)
	}
	p, err := extractPath("/tmp/dest", "a/./b")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/dest/a/b", p)
}

func TestStreamRoundTripProperty(t *testing.T) {
	m := newManager(t, backup.Options{})
	ds := m.Datastore()
	var sec int64 = 1000
	rapid.Check(t, func(rt *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 1, 20000).Draw(rt, "data")
		workers := rapid.IntRange(1, 8).Draw(rt, "workers")
		sec++
		snap := snapshot(t, "prop", sec)

		src, err := chunker.NewRolling(bytes.NewReader(data), 8, 0)
		if err != nil {
			rt.Fatal(err)
		}
		if _, _, err := Backup(context.Background(), m, snap, []Stream{
			{Archive: "data.img", Kind: index.Dynamic, Source: src},
		}, Options{Workers: workers}); err != nil {
			rt.Fatal(err)
		}
		if got := readAll(t, ds, snap, "data.img.didx", nil); !bytes.Equal(got, data) {
			rt.Fatalf("round trip mismatch: %d bytes in, %d out", len(data), len(got))
		}
	})
}
