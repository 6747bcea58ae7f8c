// index/reader.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package index

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"sort"
	"time"

	"github.com/mmp/bkd/chunk"
	"github.com/pkg/errors"
)

// Entry describes one chunk of an archive.
type Entry struct {
	Digest chunk.Digest
	// Start is the offset of the chunk's first byte in the archive.
	Start uint64
	Size  uint64
}

// End returns the offset just past the chunk's last byte.
func (e Entry) End() uint64 { return e.Start + e.Size }

// Reader provides access to a fixed or dynamic index file. The entry
// table is held in memory; a Reader is safe for concurrent use.
type Reader struct {
	path string
	kind Kind
	h    header
	// Raw entry table.
	entries []byte
	count   int
}

// Open reads the index at path, determining whether it is a fixed or
// dynamic index from its magic number.
func Open(path string) (*Reader, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	r, err := parse(b)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	r.path = path
	return r, nil
}

// Parse interprets b as the contents of an index file.
func Parse(b []byte) (*Reader, error) {
	return parse(b)
}

func parse(b []byte) (*Reader, error) {
	h, err := decodeHeader(b)
	if err != nil {
		return nil, err
	}

	r := &Reader{h: h, entries: b[HeaderSize:]}
	entrySize := fixedEntrySize
	if h.magic == FixedMagic {
		r.kind = Fixed
	} else {
		r.kind = Dynamic
		entrySize = dynamicEntrySize
	}

	if len(r.entries)%entrySize != 0 {
		return nil, errors.Wrapf(ErrBadHeader, "entry table of %d bytes isn't a multiple of %d",
			len(r.entries), entrySize)
	}
	r.count = len(r.entries) / entrySize

	switch r.kind {
	case Fixed:
		if h.chunkSize == 0 {
			return nil, errors.Wrap(ErrBadHeader, "zero chunk size in fixed index")
		}
		want := (h.size + h.chunkSize - 1) / h.chunkSize
		if uint64(r.count) != want {
			return nil, errors.Wrapf(ErrBadHeader, "%d entries for %d bytes in %d byte chunks",
				r.count, h.size, h.chunkSize)
		}
	case Dynamic:
		var prev uint64
		for i := 0; i < r.count; i++ {
			end := r.endOffset(i)
			if end <= prev {
				return nil, errors.Wrapf(ErrOutOfOrder, "entry %d ends at %d, previous at %d",
					i, end, prev)
			}
			prev = end
		}
		if prev != h.size {
			return nil, errors.Wrapf(ErrBadHeader, "entries cover %d bytes, header says %d",
				prev, h.size)
		}
	}
	return r, nil
}

func (r *Reader) endOffset(i int) uint64 {
	return binary.LittleEndian.Uint64(r.entries[i*dynamicEntrySize:])
}

func (r *Reader) Path() string      { return r.path }
func (r *Reader) Kind() Kind        { return r.kind }
func (r *Reader) Count() int        { return r.count }
func (r *Reader) Size() uint64      { return r.h.size }
func (r *Reader) Csum() Csum        { return Csum(r.h.csum) }
func (r *Reader) UUID() [16]byte    { return r.h.uuid }
func (r *Reader) ChunkSize() uint64 { return r.h.chunkSize }

func (r *Reader) Ctime() time.Time {
	return time.Unix(r.h.ctime, 0)
}

// ComputeCsum returns the checksum of the entry table as it actually is.
func (r *Reader) ComputeCsum() Csum {
	return Csum(sha256.Sum256(r.entries))
}

// VerifyCsum checks that the entry table matches the stored checksum.
func (r *Reader) VerifyCsum() error {
	if c := r.ComputeCsum(); c != r.Csum() {
		return errors.Wrapf(ErrCsumMismatch, "%s: stored %s, computed %s",
			r.path, r.Csum(), c)
	}
	return nil
}

// Digest returns the digest of the i'th chunk.
func (r *Reader) Digest(i int) chunk.Digest {
	var d chunk.Digest
	if r.kind == Fixed {
		copy(d[:], r.entries[i*fixedEntrySize:])
	} else {
		copy(d[:], r.entries[i*dynamicEntrySize+8:])
	}
	return d
}

// Entry returns the i'th chunk of the archive.
func (r *Reader) Entry(i int) (Entry, error) {
	if i < 0 || i >= r.count {
		return Entry{}, errors.Errorf("%s: entry %d out of range [0,%d)", r.path,
			i, r.count)
	}
	e := Entry{Digest: r.Digest(i)}
	if r.kind == Fixed {
		e.Start = uint64(i) * r.h.chunkSize
		e.Size = r.h.chunkSize
		if e.Start+e.Size > r.h.size {
			e.Size = r.h.size - e.Start
		}
	} else {
		if i > 0 {
			e.Start = r.endOffset(i - 1)
		}
		e.Size = r.endOffset(i) - e.Start
	}
	return e, nil
}

// ChunkFromOffset returns the index of the chunk that holds the byte at
// the given archive offset, along with the offset within that chunk.
func (r *Reader) ChunkFromOffset(offset uint64) (int, uint64, error) {
	if offset >= r.h.size {
		return 0, 0, errors.Wrapf(ErrOffset, "%s: %d >= %d", r.path, offset, r.h.size)
	}
	if r.kind == Fixed {
		i := offset / r.h.chunkSize
		return int(i), offset - i*r.h.chunkSize, nil
	}

	// First chunk whose end is past the offset.
	i := sort.Search(r.count, func(i int) bool {
		return r.endOffset(i) > offset
	})
	var start uint64
	if i > 0 {
		start = r.endOffset(i - 1)
	}
	return i, offset - start, nil
}

// Iter returns an iterator over the index's digests, in order.
func (r *Reader) Iter() *Iter {
	return &Iter{r: r}
}

// Iter iterates over the digests of an index; Reset starts it over.
type Iter struct {
	r *Reader
	i int
}

func (it *Iter) Next() (chunk.Digest, bool) {
	if it.i >= it.r.count {
		return chunk.Digest{}, false
	}
	d := it.r.Digest(it.i)
	it.i++
	return d, true
}

func (it *Iter) Reset() { it.i = 0 }

// Close releases the Reader's resources.
func (r *Reader) Close() error {
	r.entries = nil
	r.count = 0
	return nil
}
