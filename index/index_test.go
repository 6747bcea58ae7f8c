// index/index_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package index

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/mmp/bkd/chunk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type memChunks map[chunk.Digest][]byte

func (m memChunks) ReadChunk(d chunk.Digest) ([]byte, error) {
	if b, ok := m[d]; ok {
		return b, nil
	}
	return nil, errors.New("no such chunk")
}

func (m memChunks) add(b []byte) chunk.Digest {
	d := chunk.DigestOf(b)
	m[d] = b
	return d
}

func writeDynamic(t require.TestingT, dir string, sizes []int, rng *rand.Rand,
	m memChunks) (string, []byte) {
	path := filepath.Join(dir, "archive.didx")
	w, err := NewDynamicWriter(path)
	require.NoError(t, err)
	var all []byte
	for _, sz := range sizes {
		b := make([]byte, sz)
		rng.Read(b)
		require.NoError(t, w.Append(m.add(b), uint64(sz)))
		all = append(all, b...)
	}
	_, err = w.Finish(uint64(len(all)))
	require.NoError(t, err)
	return path, all
}

func TestDynamicRoundTrip(t *testing.T) {
	m := make(memChunks)
	rng := rand.New(rand.NewSource(1))
	path, all := writeDynamic(t, t.TempDir(), []int{100, 1, 5000, 37, 4096}, rng, m)

	r, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, Dynamic, r.Kind())
	assert.Equal(t, 5, r.Count())
	assert.EqualValues(t, len(all), r.Size())
	assert.NoError(t, r.VerifyCsum())

	e, err := r.Entry(2)
	require.NoError(t, err)
	assert.EqualValues(t, 101, e.Start)
	assert.EqualValues(t, 5000, e.Size)
	assert.EqualValues(t, 5101, e.End())

	got, err := io.ReadAll(NewBufferedReader(r, m))
	require.NoError(t, err)
	assert.Equal(t, all, got)

	// Iterating twice gives the same digests.
	it := r.Iter()
	var first []chunk.Digest
	for d, ok := it.Next(); ok; d, ok = it.Next() {
		first = append(first, d)
	}
	it.Reset()
	var second []chunk.Digest
	for d, ok := it.Next(); ok; d, ok = it.Next() {
		second = append(second, d)
	}
	assert.Len(t, first, 5)
	assert.Equal(t, first, second)
}

func TestFixedRoundTrip(t *testing.T) {
	m := make(memChunks)
	rng := rand.New(rand.NewSource(2))
	path := filepath.Join(t.TempDir(), "disk.fidx")

	const chunkSize = 1024
	w, err := NewFixedWriter(path, chunkSize)
	require.NoError(t, err)
	var all []byte
	for i, sz := range []int{chunkSize, chunkSize, chunkSize, 100} {
		b := make([]byte, sz)
		rng.Read(b)
		require.NoError(t, w.Append(m.add(b), uint64(sz)), "chunk %d", i)
		all = append(all, b...)
	}

	// Nothing can follow a short chunk.
	assert.True(t, errors.Is(w.Append(chunk.Digest{}, chunkSize), ErrOutOfOrder))

	info, err := w.Finish(uint64(len(all)))
	require.NoError(t, err)
	assert.Equal(t, 4, info.Count)
	assert.Equal(t, Fixed, info.Kind)

	r, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, Fixed, r.Kind())
	assert.EqualValues(t, chunkSize, r.ChunkSize())
	assert.Equal(t, info.Csum, r.Csum())

	last, err := r.Entry(3)
	require.NoError(t, err)
	assert.EqualValues(t, 3*chunkSize, last.Start)
	assert.EqualValues(t, 100, last.Size)

	br := NewBufferedReader(r, m)
	buf := make([]byte, 200)
	n, err := br.ReadAt(buf, chunkSize-100)
	require.NoError(t, err)
	assert.Equal(t, 200, n)
	assert.Equal(t, all[chunkSize-100:chunkSize+100], buf)

	_, err = br.Seek(-50, io.SeekEnd)
	require.NoError(t, err)
	tail, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, all[len(all)-50:], tail)
}

func TestChunkFromOffset(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		sizes := rapid.SliceOfN(rapid.IntRange(1, 300), 1, 50).Draw(rt, "sizes")
		m := make(memChunks)
		rng := rand.New(rand.NewSource(int64(len(sizes))))
		path, all := writeDynamic(rt, t.TempDir(), sizes, rng, m)

		r, err := Open(path)
		if err != nil {
			rt.Fatal(err)
		}
		off := rapid.IntRange(0, len(all)-1).Draw(rt, "offset")
		i, within, err := r.ChunkFromOffset(uint64(off))
		if err != nil {
			rt.Fatal(err)
		}
		e, err := r.Entry(i)
		if err != nil {
			rt.Fatal(err)
		}
		if e.Start+within != uint64(off) || within >= e.Size {
			rt.Fatalf("offset %d -> chunk %d [%d,%d) within %d", off, i,
				e.Start, e.End(), within)
		}
		if m[e.Digest][within] != all[off] {
			rt.Fatalf("byte mismatch at %d", off)
		}

		if _, _, err := r.ChunkFromOffset(uint64(len(all))); !errors.Is(err, ErrOffset) {
			rt.Fatalf("expected ErrOffset, got %v", err)
		}
	})
}

func TestEmptyIndex(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDynamicWriter(filepath.Join(dir, "empty.didx"))
	require.NoError(t, err)
	info, err := w.Finish(0)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Count)

	r, err := Open(info.Path)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Count())
	got, err := io.ReadAll(NewBufferedReader(r, memChunks{}))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriterErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.didx")
	w, err := NewDynamicWriter(path)
	require.NoError(t, err)

	_, err = NewDynamicWriter(path)
	assert.Error(t, err, "index files are never overwritten")

	require.NoError(t, w.Append(chunk.DigestOf([]byte("x")), 1))
	assert.Error(t, w.Append(chunk.Digest{}, 0))
	_, err = w.Finish(2)
	assert.Error(t, err, "size mismatch")

	require.NoError(t, w.Abort())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCorruptIndex(t *testing.T) {
	m := make(memChunks)
	rng := rand.New(rand.NewSource(3))
	path, _ := writeDynamic(t, t.TempDir(), []int{10, 20, 30}, rng, m)
	b, err := os.ReadFile(path)
	require.NoError(t, err)

	bad := append([]byte(nil), b...)
	bad[0] = 'X'
	_, err = Parse(bad)
	assert.True(t, errors.Is(err, ErrBadMagic))

	_, err = Parse(b[:HeaderSize+5])
	assert.True(t, errors.Is(err, ErrBadHeader))

	// Flip a digest bit: still parses but the checksum no longer matches.
	bad = append([]byte(nil), b...)
	bad[HeaderSize+8] ^= 1
	r, err := Parse(bad)
	require.NoError(t, err)
	assert.True(t, errors.Is(r.VerifyCsum(), ErrCsumMismatch))

	// Swap the end offsets of the first two entries.
	bad = append([]byte(nil), b...)
	first := append([]byte(nil), bad[HeaderSize:HeaderSize+8]...)
	copy(bad[HeaderSize:HeaderSize+8], bad[HeaderSize+dynamicEntrySize:HeaderSize+dynamicEntrySize+8])
	copy(bad[HeaderSize+dynamicEntrySize:], first)
	_, err = Parse(bad)
	assert.True(t, errors.Is(err, ErrOutOfOrder))
}

func TestKindFromName(t *testing.T) {
	for name, kind := range map[string]Kind{
		"root.pxar.didx": Dynamic, "disk.img.fidx": Fixed, "client.log.blob": Blob,
	} {
		k, err := KindFromName(name)
		require.NoError(t, err)
		assert.Equal(t, kind, k)
		assert.True(t, bytes.HasSuffix([]byte(name), []byte(k.Extension())))
	}
	_, err := KindFromName("foo.txt")
	assert.Error(t, err)
	assert.Equal(t, "root.pxar", ArchiveName("root.pxar.didx"))
}

func TestSummer(t *testing.T) {
	m := make(memChunks)
	rng := rand.New(rand.NewSource(4))
	sizes := []int{7, 300, 12}
	path, _ := writeDynamic(t, t.TempDir(), sizes, rng, m)
	r, err := Open(path)
	require.NoError(t, err)

	s := NewSummer(Dynamic)
	for i := 0; i < r.Count(); i++ {
		e, err := r.Entry(i)
		require.NoError(t, err)
		s.Add(e.Digest, e.Size)
	}
	assert.Equal(t, r.Csum(), s.Sum())
	assert.Equal(t, r.ComputeCsum(), s.Sum())
}
