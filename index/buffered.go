// index/buffered.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package index

import (
	"io"
	"sync"

	"github.com/mmp/bkd/chunk"
	"github.com/pkg/errors"
)

// ChunkReader returns the decoded payload of a chunk.
type ChunkReader interface {
	ReadChunk(d chunk.Digest) ([]byte, error)
}

// BufferedReader provides random access to the bytes of an archive,
// fetching chunks through a ChunkReader and caching the most recent one.
// ReadAt may be called concurrently; Read and Seek share a position and
// may not.
type BufferedReader struct {
	idx *Reader
	cr  ChunkReader

	mu       sync.Mutex
	cacheIdx int
	cache    []byte

	pos int64
}

func NewBufferedReader(idx *Reader, cr ChunkReader) *BufferedReader {
	return &BufferedReader{idx: idx, cr: cr, cacheIdx: -1}
}

func (br *BufferedReader) Size() int64 { return int64(br.idx.Size()) }

func (br *BufferedReader) chunk(i int) ([]byte, error) {
	br.mu.Lock()
	if i == br.cacheIdx {
		b := br.cache
		br.mu.Unlock()
		return b, nil
	}
	br.mu.Unlock()

	e, err := br.idx.Entry(i)
	if err != nil {
		return nil, err
	}
	b, err := br.cr.ReadChunk(e.Digest)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: chunk %d", br.idx.Path(), i)
	}
	if uint64(len(b)) != e.Size {
		return nil, errors.Errorf("%s: chunk %d (%s) is %d bytes, index says %d",
			br.idx.Path(), i, e.Digest, len(b), e.Size)
	}

	br.mu.Lock()
	br.cacheIdx, br.cache = i, b
	br.mu.Unlock()
	return b, nil
}

func (br *BufferedReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	n := 0
	for n < len(p) {
		o := uint64(off) + uint64(n)
		if o >= br.idx.Size() {
			return n, io.EOF
		}
		i, within, err := br.idx.ChunkFromOffset(o)
		if err != nil {
			return n, err
		}
		b, err := br.chunk(i)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], b[within:])
	}
	return n, nil
}

func (br *BufferedReader) Read(p []byte) (int, error) {
	if br.pos >= br.Size() {
		return 0, io.EOF
	}
	if rem := br.Size() - br.pos; int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := br.ReadAt(p, br.pos)
	br.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (br *BufferedReader) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = br.pos + offset
	case io.SeekEnd:
		pos = br.Size() + offset
	default:
		return br.pos, errors.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return br.pos, errors.New("seek to negative position")
	}
	br.pos = pos
	return pos, nil
}

// Close closes the underlying index.
func (br *BufferedReader) Close() error { return br.idx.Close() }
