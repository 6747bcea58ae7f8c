// chunker/split.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package chunker splits byte streams into the chunks that are uploaded
// to a datastore: content-defined chunks for dynamic indices and
// fixed-size chunks for fixed indices.
package chunker

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

// Source yields successive chunks of a stream. Next returns io.EOF once
// the stream is exhausted.
type Source interface {
	Next() ([]byte, error)
}

const (
	MinSplitBits     = 8
	MaxSplitBits     = 24
	DefaultSplitBits = 22 // ~4MiB average chunks
)

///////////////////////////////////////////////////////////////////////////
// Content-defined chunks

// Rolling is a Source that splits its input using a rolling checksum
// into chunks of size (on average) 1<<splitBits. Chunk boundaries depend
// only on nearby content, so an insertion or deletion in the stream only
// changes the chunks around it.
type Rolling struct {
	r       io.ByteReader
	hs      *HashSplitter
	maxSize int
}

// NewRolling returns a Rolling splitter for r. Chunks never exceed
// maxSize bytes; a maxSize of zero means 4<<splitBits.
func NewRolling(r io.Reader, splitBits uint, maxSize int) (*Rolling, error) {
	if splitBits < MinSplitBits || splitBits > MaxSplitBits {
		return nil, errors.Errorf("split bits %d must be between %d and %d",
			splitBits, MinSplitBits, MaxSplitBits)
	}
	if maxSize == 0 {
		maxSize = 4 << splitBits
	}

	// Wrap the reader with a buffered reader if it isn't buffered already
	// (as is the case for, e.g. stdin).  This is required for decent
	// performance in the the splitter code, which needs to process the
	// input a byte at a time.
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReaderSize(r, 1<<20)
	}
	return &Rolling{r: br, hs: NewHashSplitter(splitBits), maxSize: maxSize}, nil
}

func (rs *Rolling) Next() ([]byte, error) {
	rs.hs.Reset()
	var ret []byte
	for {
		b, err := rs.r.ReadByte()
		if err == io.EOF {
			if len(ret) == 0 {
				return nil, io.EOF
			}
			return ret, nil
		} else if err != nil {
			return nil, err
		}

		rs.hs.AddByte(b)
		ret = append(ret, b)
		if rs.hs.SplitNow() || len(ret) >= rs.maxSize {
			return ret, nil
		}
	}
}

///////////////////////////////////////////////////////////////////////////
// Fixed-size chunks

// Fixed is a Source that returns chunks of exactly size bytes, except
// possibly for the last one.
type Fixed struct {
	r    io.Reader
	size int
}

func NewFixed(r io.Reader, size int) (*Fixed, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid chunk size %d", size)
	}
	return &Fixed{r: r, size: size}, nil
}

func (f *Fixed) Next() ([]byte, error) {
	buf := make([]byte, f.size)
	n, err := io.ReadFull(f.r, buf)
	switch {
	case err == io.EOF:
		return nil, io.EOF
	case err == io.ErrUnexpectedEOF:
		return buf[:n], nil
	case err != nil:
		return nil, err
	}
	return buf, nil
}

///////////////////////////////////////////////////////////////////////////
// Rolling checksum stuff from bup...

// The lowest bits seem to be most useful; splitting based on, say, 4 bits
// in the middle is fiddly, especially when it spans the 16th
// bit.
type HashSplitter struct {
	splitBits uint
	s1, s2    uint32
	window    [splitWindowSize]byte
	wofs      int
	count     int
}

const splitterCharOffset = 31
const splitWindowBits = 6
const splitWindowSize = 1 << splitWindowBits

func NewHashSplitter(splitBits uint) *HashSplitter {
	hs := &HashSplitter{splitBits: splitBits}
	hs.Reset()
	return hs
}

func (hs *HashSplitter) Reset() {
	hs.s1 = splitWindowSize * splitterCharOffset
	hs.s2 = splitWindowSize * (splitWindowSize - 1) * splitterCharOffset
	hs.wofs = 0
	hs.count = 0
	for i := 0; i < splitWindowSize; i++ {
		hs.window[i] = 0
	}
}

func (hs *HashSplitter) AddByte(b byte) {
	// drop is widened before the offset is added; a byte sum would wrap
	// and make s2 depend on bytes that have left the window.
	drop := uint32(hs.window[hs.wofs])
	hs.s1 += uint32(b) - drop
	hs.s2 += hs.s1 - (splitWindowSize * (drop + splitterCharOffset))
	hs.window[hs.wofs] = b
	hs.wofs = (hs.wofs + 1) % splitWindowSize
	hs.count++
}

func (hs *HashSplitter) SplitNow() bool {
	if hs.count < 8*splitWindowSize {
		return false
	}
	digest := (hs.s1 << 16) | (hs.s2 & 0xffff)
	splitSize := uint32(1) << hs.splitBits
	return (digest & (splitSize - 1)) == splitSize-1
}
