// storage/disk_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mmp/bkd/chunk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *ChunkStore {
	cs, err := CreateChunkStore("test", t.TempDir())
	require.NoError(t, err)
	return cs
}

func encode(t *testing.T, s string) (chunk.Digest, chunk.Encoded) {
	payload := []byte(s)
	enc, err := chunk.Encode(payload, true, nil)
	require.NoError(t, err)
	return chunk.DigestOf(payload), enc
}

func setAtime(t *testing.T, cs *ChunkStore, d chunk.Digest, at time.Time) {
	require.NoError(t, touch(cs.ChunkPath(d), at))
}

func TestCreateOpen(t *testing.T) {
	base := t.TempDir()
	_, err := OpenChunkStore("x", base)
	assert.True(t, errors.Is(err, ErrNotStore))

	_, err = CreateChunkStore("x", base)
	require.NoError(t, err)
	_, err = CreateChunkStore("x", base)
	assert.True(t, errors.Is(err, ErrExists))

	cs, err := OpenChunkStore("x", base)
	require.NoError(t, err)
	assert.Equal(t, base, cs.Base())
}

func TestInsertRead(t *testing.T) {
	cs := newStore(t)
	d, enc := encode(t, "hello, chunk store")

	assert.False(t, cs.Exists(d))
	_, err := cs.Read(d)
	assert.True(t, errors.Is(err, ErrNotFound))

	existed, size, err := cs.Insert(d, enc)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.EqualValues(t, len(enc), size)
	assert.True(t, cs.Exists(d))

	// The bucket is named by the first four hex digits.
	hex := d.String()
	_, err = os.Stat(filepath.Join(cs.Base(), ChunksDir, hex[:4], hex))
	assert.NoError(t, err)

	got, err := cs.Read(d)
	require.NoError(t, err)
	assert.Equal(t, enc, got)

	payload, err := chunk.Decode(got, nil, &d)
	require.NoError(t, err)
	assert.Equal(t, "hello, chunk store", string(payload))
}

func TestInsertIdempotent(t *testing.T) {
	cs := newStore(t)
	d, enc := encode(t, "twice")

	_, _, err := cs.Insert(d, enc)
	require.NoError(t, err)
	old := time.Now().Add(-48 * time.Hour)
	setAtime(t, cs, d, old)

	info, err := cs.Stat(d)
	require.NoError(t, err)
	mtime := info.Mtime

	existed, _, err := cs.Insert(d, enc)
	require.NoError(t, err)
	assert.True(t, existed)

	info, err = cs.Stat(d)
	require.NoError(t, err)
	assert.True(t, info.Atime.After(old.Add(time.Hour)), "atime not refreshed")
	assert.Equal(t, mtime, info.Mtime, "touch shouldn't change mtime")
}

func TestConcurrentInsert(t *testing.T) {
	cs := newStore(t)
	d, enc := encode(t, "contended")

	var wg sync.WaitGroup
	var mu sync.Mutex
	nNew := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			existed, _, err := cs.Insert(d, enc)
			assert.NoError(t, err)
			if !existed {
				mu.Lock()
				nNew++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, nNew)

	// No temporary files left behind.
	entries, err := os.ReadDir(filepath.Dir(cs.ChunkPath(d)))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTouch(t *testing.T) {
	cs := newStore(t)
	d, enc := encode(t, "touch me")

	assert.True(t, errors.Is(cs.Touch(d), ErrNotFound))
	ok, err := cs.TouchIfExists(d)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _, err = cs.Insert(d, enc)
	require.NoError(t, err)
	setAtime(t, cs, d, time.Unix(1000, 0))

	ok, err = cs.TouchIfExists(d)
	require.NoError(t, err)
	assert.True(t, ok)
	info, err := cs.Stat(d)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), info.Atime, time.Minute)
}

func TestSweep(t *testing.T) {
	cs := newStore(t)
	cutoff := time.Now().Add(-time.Hour)

	var oldDigests, newDigests []chunk.Digest
	for i := 0; i < 20; i++ {
		d, enc := encode(t, fmt.Sprintf("chunk %d", i))
		_, _, err := cs.Insert(d, enc)
		require.NoError(t, err)
		if i%2 == 0 {
			setAtime(t, cs, d, cutoff.Add(-time.Minute))
			oldDigests = append(oldDigests, d)
		} else {
			newDigests = append(newDigests, d)
		}
	}

	// A stale temp file from a crashed insert.
	tmp := cs.ChunkPath(oldDigests[0]) + tmpMarker + "crashed"
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0640))
	old := cutoff.Add(-time.Hour)
	require.NoError(t, os.Chtimes(tmp, old, old))

	stats, err := cs.Sweep(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 20, stats.Scanned)
	assert.EqualValues(t, 10, stats.Removed)
	assert.EqualValues(t, 1, stats.TempRemoved)
	assert.EqualValues(t, 10, stats.Kept())
	assert.Zero(t, stats.Errors)
	assert.Positive(t, stats.BytesReclaimed)

	for _, d := range oldDigests {
		assert.False(t, cs.Exists(d))
	}
	for _, d := range newDigests {
		assert.True(t, cs.Exists(d))
	}

	// Nothing more to do the second time around.
	stats, err = cs.Sweep(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 10, stats.Scanned)
	assert.Zero(t, stats.Removed)
}

func TestSweepCanceled(t *testing.T) {
	cs := newStore(t)
	d, enc := encode(t, "x")
	_, _, err := cs.Insert(d, enc)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cs.Sweep(ctx, time.Now().Add(time.Hour))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, cs.Exists(d))
}

func TestMarkBad(t *testing.T) {
	cs := newStore(t)
	var digests []chunk.Digest
	for i := 0; i < 5; i++ {
		d, enc := encode(t, fmt.Sprintf("bad %d", i))
		_, _, err := cs.Insert(d, enc)
		require.NoError(t, err)
		digests = append(digests, d)
	}

	bad := digests[2]
	path, err := cs.MarkBad(bad)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.False(t, cs.Exists(bad))
	_, err = cs.Stat(bad)
	assert.True(t, errors.Is(err, ErrNotFound))

	for i, d := range digests {
		if i != 2 {
			assert.True(t, cs.Exists(d))
		}
	}

	// Bad chunks survive a sweep that keeps everything else.
	_, err = cs.Sweep(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.FileExists(t, path)
}

type mapFetcher map[chunk.Digest][]byte

func (m mapFetcher) ReadChunk(d chunk.Digest) ([]byte, error) {
	if b, ok := m[d]; ok {
		return b, nil
	}
	return nil, ErrNotFound
}

func TestDigestsReader(t *testing.T) {
	m := make(mapFetcher)
	var digests []chunk.Digest
	var expected []byte
	for i := 0; i < 100; i++ {
		b := bytes.Repeat([]byte{byte(i)}, 1+i*37)
		d := chunk.DigestOf(b)
		m[d] = b
		digests = append(digests, d)
		expected = append(expected, b...)
	}

	r := NewDigestsReader(digests, 8, m)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.NoError(t, r.Close())
	assert.Equal(t, expected, got)

	r = NewDigestsReader(append(digests, chunk.Digest{}), 4, m)
	_, err = io.ReadAll(r)
	assert.True(t, errors.Is(err, ErrNotFound))
	r.Close()
}
