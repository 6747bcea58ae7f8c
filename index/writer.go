// index/writer.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package index

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mmp/bkd/chunk"
	"github.com/pkg/errors"
)

// Info describes a finished index file.
type Info struct {
	Path  string
	Kind  Kind
	Size  uint64
	Csum  Csum
	Count int
}

// Writer writes an index file. Entries are streamed to the file as
// they're appended; the header is filled in and the file synced by
// Finish. Entry order is the order of Append calls.
type Writer struct {
	path      string
	kind      Kind
	chunkSize uint64

	f    *os.File
	bw   *bufio.Writer
	csum hash.Hash

	count    int
	offset   uint64
	short    bool // fixed: a chunk smaller than chunkSize has been seen
	finished bool
}

// NewFixedWriter creates a fixed index at path; every chunk but the last
// must be chunkSize bytes.
func NewFixedWriter(path string, chunkSize uint64) (*Writer, error) {
	if chunkSize == 0 {
		return nil, errors.New("fixed index chunk size must be positive")
	}
	return newWriter(path, Fixed, chunkSize)
}

// NewDynamicWriter creates a dynamic index at path.
func NewDynamicWriter(path string) (*Writer, error) {
	return newWriter(path, Dynamic, 0)
}

func newWriter(path string, kind Kind, chunkSize uint64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	w := &Writer{
		path:      path,
		kind:      kind,
		chunkSize: chunkSize,
		f:         f,
		bw:        bufio.NewWriterSize(f, 1<<16),
		csum:      sha256.New(),
	}
	// Placeholder header; rewritten by Finish.
	if _, err := w.bw.Write(make([]byte, HeaderSize)); err != nil {
		w.Abort()
		return nil, errors.Wrapf(err, "%s: header", path)
	}
	return w, nil
}

func (w *Writer) Path() string { return w.path }
func (w *Writer) Kind() Kind   { return w.kind }
func (w *Writer) Count() int   { return w.count }

// Size returns the sum of the sizes of the chunks appended so far.
func (w *Writer) Size() uint64 { return w.offset }

// Append adds the next chunk of the archive.
func (w *Writer) Append(d chunk.Digest, size uint64) error {
	if w.finished {
		return ErrFinished
	}
	if size == 0 {
		return errors.Errorf("%s: zero-sized chunk %s", w.path, d)
	}

	if w.kind == Fixed {
		if w.short {
			return errors.Wrapf(ErrOutOfOrder,
				"%s: chunk after a short chunk in fixed index", w.path)
		}
		if size > w.chunkSize {
			return errors.Errorf("%s: chunk of %d bytes exceeds chunk size %d",
				w.path, size, w.chunkSize)
		}
		w.short = size < w.chunkSize
	}

	entry := encodeEntry(w.kind, w.offset+size, d)
	if _, err := w.bw.Write(entry); err != nil {
		return errors.Wrapf(err, "%s", w.path)
	}
	w.csum.Write(entry)
	w.count++
	w.offset += size
	return nil
}

func encodeEntry(kind Kind, end uint64, d chunk.Digest) []byte {
	if kind == Fixed {
		return d[:]
	}
	b := make([]byte, dynamicEntrySize)
	binary.LittleEndian.PutUint64(b[:8], end)
	copy(b[8:], d[:])
	return b
}

// Csum returns the checksum of the entries appended so far.
func (w *Writer) Csum() Csum {
	var c Csum
	copy(c[:], w.csum.Sum(nil))
	return c
}

// Finish completes the index. totalSize must match the sum of the
// appended chunk sizes.
func (w *Writer) Finish(totalSize uint64) (Info, error) {
	if w.finished {
		return Info{}, ErrFinished
	}
	if totalSize != w.offset {
		return Info{}, errors.Errorf("%s: archive size %d doesn't match sum of chunk sizes %d",
			w.path, totalSize, w.offset)
	}

	h := header{
		uuid:  uuid.New(),
		ctime: time.Now().Unix(),
		csum:  w.Csum(),
		size:  totalSize,
	}
	if w.kind == Fixed {
		h.magic = FixedMagic
		h.chunkSize = w.chunkSize
	} else {
		h.magic = DynamicMagic
	}

	if err := w.bw.Flush(); err != nil {
		return Info{}, errors.Wrapf(err, "%s: flush", w.path)
	}
	if _, err := w.f.WriteAt(h.encode(), 0); err != nil {
		return Info{}, errors.Wrapf(err, "%s: header", w.path)
	}
	if err := w.f.Sync(); err != nil {
		return Info{}, errors.Wrapf(err, "%s: fsync", w.path)
	}
	if err := w.f.Close(); err != nil {
		return Info{}, errors.Wrapf(err, "%s: close", w.path)
	}
	w.finished = true

	log.Debug("%s: finished %s index, %d chunks", w.path, w.kind, w.count)
	return Info{
		Path:  w.path,
		Kind:  w.kind,
		Size:  totalSize,
		Csum:  h.csum,
		Count: w.count,
	}, nil
}

// Abort discards a partially-written index.
func (w *Writer) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true
	w.f.Close()
	return errors.Wrapf(os.Remove(w.path), "%s", w.path)
}

// Summer computes the checksum of an index's entries without writing
// the index, so that the writer of an archive can check what a server
// stored for it.
type Summer struct {
	kind   Kind
	h      hash.Hash
	offset uint64
}

func NewSummer(kind Kind) *Summer {
	return &Summer{kind: kind, h: sha256.New()}
}

func (s *Summer) Add(d chunk.Digest, size uint64) {
	s.offset += size
	s.h.Write(encodeEntry(s.kind, s.offset, d))
}

func (s *Summer) Sum() Csum {
	var c Csum
	copy(c[:], s.h.Sum(nil))
	return c
}
