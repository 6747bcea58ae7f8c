// index/index.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package index implements the fixed and dynamic index files that list,
// in order, the chunks making up an archive.
package index

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"path/filepath"
	"strings"

	"github.com/mmp/bkd/chunk"
	u "github.com/mmp/bkd/util"
	"github.com/pkg/errors"
)

/*
Index file format (little-endian). A 4096-byte header:

  0    magic      [8]byte  FixedMagic or DynamicMagic
  8    uuid       [16]byte
  24   ctime      int64    seconds since the epoch
  32   csum       [32]byte SHA-256 of the entry table
  64   size       uint64   total size of the archive
  72   chunk size uint64   fixed indices only; zero otherwise
  80   zero padding

followed by the entry table. Fixed index entries are 32-byte digests;
dynamic index entries are a uint64 end offset followed by a 32-byte
digest.
*/

const HeaderSize = 4096

var (
	FixedMagic   = [8]byte{'B', 'K', 'D', 'F', 'I', 'D', 'X', 1}
	DynamicMagic = [8]byte{'B', 'K', 'D', 'D', 'I', 'D', 'X', 1}
)

const (
	fixedEntrySize   = chunk.DigestSize
	dynamicEntrySize = 8 + chunk.DigestSize
)

var (
	ErrBadMagic     = errors.New("index has incorrect magic number")
	ErrBadHeader    = errors.New("malformed index header")
	ErrOutOfOrder   = errors.New("index entries out of order")
	ErrCsumMismatch = errors.New("index checksum mismatch")
	ErrOffset       = errors.New("offset past end of archive")
	ErrFinished     = errors.New("index writer already finished")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

// Kind identifies the type of an archive in a snapshot.
type Kind int

const (
	Fixed Kind = iota + 1
	Dynamic
	Blob
)

func (k Kind) String() string {
	switch k {
	case Fixed:
		return "fixed"
	case Dynamic:
		return "dynamic"
	case Blob:
		return "blob"
	default:
		return "unknown"
	}
}

// Extension returns the file name extension used for the kind.
func (k Kind) Extension() string {
	switch k {
	case Fixed:
		return ".fidx"
	case Dynamic:
		return ".didx"
	case Blob:
		return ".blob"
	default:
		return ""
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "fixed":
		*k = Fixed
	case "dynamic":
		*k = Dynamic
	case "blob":
		*k = Blob
	default:
		return errors.Errorf("%q: unknown archive kind", string(b))
	}
	return nil
}

// KindFromName returns the kind of archive for a file name, based on its
// extension.
func KindFromName(name string) (Kind, error) {
	switch filepath.Ext(name) {
	case ".fidx":
		return Fixed, nil
	case ".didx":
		return Dynamic, nil
	case ".blob":
		return Blob, nil
	}
	return 0, errors.Errorf("%s: unknown archive type", name)
}

// ArchiveName returns the archive name with the kind's extension
// removed.
func ArchiveName(name string) string {
	if k, err := KindFromName(name); err == nil {
		return strings.TrimSuffix(name, k.Extension())
	}
	return name
}

///////////////////////////////////////////////////////////////////////////
// Header

type header struct {
	magic     [8]byte
	uuid      [16]byte
	ctime     int64
	csum      [32]byte
	size      uint64
	chunkSize uint64
}

func (h *header) encode() []byte {
	b := make([]byte, HeaderSize)
	copy(b[0:8], h.magic[:])
	copy(b[8:24], h.uuid[:])
	binary.LittleEndian.PutUint64(b[24:32], uint64(h.ctime))
	copy(b[32:64], h.csum[:])
	binary.LittleEndian.PutUint64(b[64:72], h.size)
	binary.LittleEndian.PutUint64(b[72:80], h.chunkSize)
	return b
}

func decodeHeader(b []byte) (header, error) {
	var h header
	if len(b) < HeaderSize {
		return h, errors.Wrapf(ErrBadHeader, "%d bytes", len(b))
	}
	copy(h.magic[:], b[0:8])
	if h.magic != FixedMagic && h.magic != DynamicMagic {
		return h, ErrBadMagic
	}
	copy(h.uuid[:], b[8:24])
	h.ctime = int64(binary.LittleEndian.Uint64(b[24:32]))
	copy(h.csum[:], b[32:64])
	h.size = binary.LittleEndian.Uint64(b[64:72])
	h.chunkSize = binary.LittleEndian.Uint64(b[72:80])
	if !bytes.Equal(b[80:HeaderSize], make([]byte, HeaderSize-80)) {
		return h, errors.Wrap(ErrBadHeader, "non-zero padding")
	}
	return h, nil
}

// Csum is the SHA-256 of an index's entry table.
type Csum [sha256.Size]byte

func (c Csum) String() string {
	return chunk.Digest(c).String()
}

func (c Csum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Csum) UnmarshalText(b []byte) error {
	d, err := chunk.ParseDigest(string(b))
	if err != nil {
		return errors.Wrap(err, "index checksum")
	}
	*c = Csum(d)
	return nil
}
