// rdso/rdso_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdso

import (
	"bytes"
	"encoding/gob"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE2E(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("Seed = %d", seed)
	rng := rand.New(rand.NewSource(seed))

	for iter := 0; iter < 5; iter++ {
		// Make a buffer full of random bytes.
		buf := make([]byte, 1+rng.Intn(4*1024*1024))
		_, _ = rng.Read(buf)
		origBuf := dupe(buf)

		nShards := 1 + rng.Intn(24)
		nParity := 1 + rng.Intn(8)
		hashRate := 1 << uint(10+rng.Intn(8))
		t.Logf("Length %d: %d data shards, %d parity, %d hash rate", len(buf),
			nShards, nParity, hashRate)

		// Encode the bytes.
		var rs bytes.Buffer
		err := Encode(bytes.NewReader(buf), int64(len(buf)), &rs, nShards, nParity, hashRate)
		require.NoError(t, err)
		origRs := dupe(rs.Bytes())

		// The initial check should pass!
		err = Check(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), nil)
		require.NoError(t, err, "initial check")

		// Introduce as many errors as possible to the data and the encoded
		// bytes while still being able to recover.
		nErrors := nParity
		de := rng.Intn(nErrors + 1)
		corrupt(rng, buf, de, nShards*hashRate, hashRate)
		require.NoError(t, corruptRS(rng, origBuf, rs.Bytes(), nErrors-de))

		if de > 0 || nErrors-de > 0 {
			err = Check(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), nil)
			assert.Equal(t, ErrFileCorrupt, err)
		}

		// Restore it.
		var restored, restoredRs bytes.Buffer
		require.NoError(t, Restore(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()),
			int64(len(buf)), &restored, &restoredRs, nil))

		// Make sure that the recovered data matches the original
		assert.True(t, bytes.Equal(origBuf, restored.Bytes()),
			"original bytes don't match restored")
		assert.True(t, bytes.Equal(origRs, restoredRs.Bytes()),
			"original rs bytes don't match restored")
	}
}

func TestTooManyErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	buf := make([]byte, 64*1024)
	rng.Read(buf)

	var rs bytes.Buffer
	require.NoError(t, Encode(bytes.NewReader(buf), int64(len(buf)), &rs, 4, 1, 1024))

	// Two bad shards in the first segment; one parity shard can't fix it.
	buf[0]++
	buf[1024]++
	var restored, restoredRs bytes.Buffer
	err := Restore(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), int64(len(buf)),
		&restored, &restoredRs, nil)
	assert.ErrorIs(t, err, ErrUnrecoverable)
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "index.didx")
	orig := bytes.Repeat([]byte("some index contents "), 5000)
	require.NoError(t, os.WriteFile(fn, orig, 0644))
	require.NoError(t, EncodeFile(fn, fn+".rs", 8, 2, 4096))
	require.NoError(t, CheckFile(fn, fn+".rs", nil))

	// Damage it and truncate it.
	damaged := dupe(orig[:len(orig)-100])
	damaged[10] ^= 0xff
	require.NoError(t, os.WriteFile(fn, damaged, 0644))
	assert.ErrorIs(t, CheckFile(fn, fn+".rs", nil), ErrFileCorrupt)

	require.NoError(t, RestoreFile(fn, fn+".rs", nil))
	got, err := os.ReadFile(fn)
	require.NoError(t, err)
	assert.Equal(t, orig, got)
	assert.NoError(t, CheckFile(fn, fn+".rs", nil))
}

func TestFilesAppended(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "manifest.json")
	orig := bytes.Repeat([]byte(`{"files":[]}`), 3000)
	require.NoError(t, os.WriteFile(fn, orig, 0644))
	require.NoError(t, EncodeFile(fn, fn+".rs", 4, 2, 1024))

	f, err := os.OpenFile(fn, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("trailing garbage"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.ErrorIs(t, CheckFile(fn, fn+".rs", nil), ErrFileCorrupt)

	require.NoError(t, RestoreFile(fn, fn+".rs", nil))
	got, err := os.ReadFile(fn)
	require.NoError(t, err)
	assert.Equal(t, orig, got)
	assert.NoError(t, CheckFile(fn, fn+".rs", nil))
}

func TestCheckLength(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	buf := make([]byte, 10000)
	rng.Read(buf)
	var rs bytes.Buffer
	require.NoError(t, Encode(bytes.NewReader(buf), int64(len(buf)), &rs, 4, 2, 1024))

	err := Check(bytes.NewReader(buf[:len(buf)-1]), bytes.NewReader(rs.Bytes()), nil)
	assert.ErrorIs(t, err, ErrFileCorrupt, "short")
	err = Check(bytes.NewReader(buf[:5000]), bytes.NewReader(rs.Bytes()), nil)
	assert.ErrorIs(t, err, ErrFileCorrupt, "half")
	err = Check(bytes.NewReader(append(dupe(buf), 0)), bytes.NewReader(rs.Bytes()), nil)
	assert.ErrorIs(t, err, ErrFileCorrupt, "long")
	assert.NoError(t, Check(bytes.NewReader(buf), bytes.NewReader(rs.Bytes()), nil))
}

func dupe(b []byte) []byte {
	r := make([]byte, len(b))
	copy(r, b)
	return r
}

// Corrupt the given data. Take advantage of the fact that we know how the
// file is segmented and sharded; damage n distinct shards in each
// segment.
func corrupt(rng *rand.Rand, b []byte, n int, segSize int, shardSize int) {
	for len(b) > 0 {
		sz := segSize
		if sz > len(b) {
			// Last time through
			sz = len(b)
		}

		nShards := (sz + shardSize - 1) / shardSize
		for _, s := range rng.Perm(nShards)[:min(n, nShards)] {
			start := s * shardSize
			end := start + shardSize
			if end > sz {
				end = sz
			}
			offset := start + rng.Intn(end-start)
			b[offset] += byte(1 + rng.Intn(254))
		}
		b = b[sz:]
	}
}

// Corrupt n distinct parity shards in each segment of the given .rs
// file, being careful to not clobber any of the hashes.
func corruptRS(rng *rand.Rand, data, rs []byte, n int) error {
	if n == 0 {
		return nil
	}

	var w bytes.Buffer
	enc := gob.NewEncoder(&w)
	first := true

	err := forEachSegment(bytes.NewReader(data), bytes.NewReader(rs), nil,
		func(h rsFileHeader, hashes []hash, shards [][]byte) error {
			if first {
				if err := enc.Encode(h); err != nil {
					return err
				}
				first = false
			}

			parity := shards[h.NDataShards:]
			for _, target := range rng.Perm(len(parity))[:min(n, len(parity))] {
				off := rng.Intn(len(parity[target]))
				parity[target][off] += byte(1 + rng.Intn(254))
			}

			// In any case, write out the segment.
			return enc.Encode(rsFileSegment{hashes, parity})
		})
	if err != nil {
		return err
	}
	copy(rs, w.Bytes())

	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
