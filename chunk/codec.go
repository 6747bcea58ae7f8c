// chunk/codec.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

/*
Chunk file format (little-endian):

  0   magic  [4]byte  "CHNK"
  4   flags  uint8    FlagCompressed | FlagEncrypted
  5   pad    [3]byte
  8   size   uint64   length of the decoded payload
  16  crc    uint32   CRC-32C of everything after the header
  20  nonce  [12]byte (encrypted only)
  32  tag    [16]byte (encrypted only)
  ..  body

Bytes [0,16) are passed as additional authenticated data to AES-GCM, so
that the flags and size of an encrypted chunk can't be altered.
*/

var Magic = [4]byte{'C', 'H', 'N', 'K'}

const (
	FlagCompressed uint8 = 1 << 0
	FlagEncrypted  uint8 = 1 << 1
)

const (
	HeaderSize      = 20
	nonceSize       = 12
	tagSize         = 16
	cryptHeaderSize = nonceSize + tagSize
	aadSize         = 16
)

// MinCompressSize is the smallest payload for which compression is
// attempted; below that the zstd frame overhead wins.
const MinCompressSize = 64

// MaxChunkSize bounds the decoded size of a single chunk.
const MaxChunkSize = 16 * 1024 * 1024

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// The zstd encoder and decoder are safe for concurrent use through
// EncodeAll/DecodeAll, so a single instance of each is shared.
var (
	zenc *zstd.Encoder
	zdec *zstd.Decoder
)

func init() {
	var err error
	zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	zdec, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(2*MaxChunkSize))
	if err != nil {
		panic(err)
	}
}

///////////////////////////////////////////////////////////////////////////
// Integrity errors

type IntegrityKind int

const (
	Truncated IntegrityKind = iota + 1
	AuthFailure
	DigestMismatch
	Corrupt
)

func (k IntegrityKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case AuthFailure:
		return "authentication failure"
	case DigestMismatch:
		return "digest mismatch"
	case Corrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("IntegrityKind(%d)", int(k))
	}
}

// IntegrityError reports a chunk whose stored bytes don't decode to the
// payload they claim to hold.
type IntegrityError struct {
	Kind IntegrityKind
	Msg  string
}

func (e *IntegrityError) Error() string {
	if e.Msg == "" {
		return "chunk " + e.Kind.String()
	}
	return "chunk " + e.Kind.String() + ": " + e.Msg
}

// Is matches any IntegrityError of the same kind when the target carries
// no message, so that errors.Is(err, ErrDigestMismatch) works.
func (e *IntegrityError) Is(target error) bool {
	t, ok := target.(*IntegrityError)
	return ok && t.Kind == e.Kind && t.Msg == ""
}

var (
	ErrTruncated      = &IntegrityError{Kind: Truncated}
	ErrAuthFailure    = &IntegrityError{Kind: AuthFailure}
	ErrDigestMismatch = &IntegrityError{Kind: DigestMismatch}
	ErrCorrupt        = &IntegrityError{Kind: Corrupt}
)

func integrityErrorf(k IntegrityKind, f string, args ...interface{}) error {
	return &IntegrityError{Kind: k, Msg: fmt.Sprintf(f, args...)}
}

// IsIntegrityError reports whether err (or anything it wraps) is an
// IntegrityError, returning its kind.
func IsIntegrityError(err error) (IntegrityKind, bool) {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return 0, false
}

///////////////////////////////////////////////////////////////////////////
// Encoded chunks

// Encoded holds the stored representation of a chunk: header and body,
// exactly as it's written to disk.
type Encoded []byte

func (e Encoded) Flags() uint8 {
	if len(e) < HeaderSize {
		return 0
	}
	return e[4]
}

// Size returns the decoded payload size recorded in the header.
func (e Encoded) Size() uint64 {
	if len(e) < HeaderSize {
		return 0
	}
	return binary.LittleEndian.Uint64(e[8:16])
}

func (e Encoded) IsCompressed() bool { return e.Flags()&FlagCompressed != 0 }
func (e Encoded) IsEncrypted() bool  { return e.Flags()&FlagEncrypted != 0 }

// checkHeader validates the parts of the header that don't require
// looking at the body.
func (e Encoded) checkHeader() error {
	if len(e) < HeaderSize {
		return integrityErrorf(Truncated, "%d bytes, shorter than header", len(e))
	}
	if [4]byte{e[0], e[1], e[2], e[3]} != Magic {
		return integrityErrorf(Corrupt, "bad magic number")
	}
	if e.Flags()&^(FlagCompressed|FlagEncrypted) != 0 {
		return integrityErrorf(Corrupt, "unknown flags %#x", e.Flags())
	}
	if e.Size() > MaxChunkSize {
		return integrityErrorf(Corrupt, "size %d exceeds maximum", e.Size())
	}
	if e.IsEncrypted() && len(e) < HeaderSize+cryptHeaderSize {
		return integrityErrorf(Truncated, "encrypted chunk missing nonce/tag")
	}
	return nil
}

// VerifyCRC checks the header and the CRC of the body. It doesn't need a
// key, so it's what the server can check for encrypted chunks.
func (e Encoded) VerifyCRC() error {
	if err := e.checkHeader(); err != nil {
		return err
	}
	want := binary.LittleEndian.Uint32(e[16:20])
	if got := crc32.Checksum(e[HeaderSize:], castagnoliTable); got != want {
		return integrityErrorf(Corrupt, "crc mismatch: stored %08x, computed %08x",
			want, got)
	}
	if !e.IsEncrypted() && !e.IsCompressed() &&
		uint64(len(e)-HeaderSize) != e.Size() {
		return integrityErrorf(Truncated, "body is %d bytes, header says %d",
			len(e)-HeaderSize, e.Size())
	}
	return nil
}

// Encode converts a payload to its stored representation. If compress is
// set, zstd compression is tried and kept only if it actually shrinks the
// payload. If cc is non-nil, the (possibly compressed) body is encrypted
// with AES-256-GCM.
func Encode(payload []byte, compress bool, cc *CryptConfig) (Encoded, error) {
	if len(payload) > MaxChunkSize {
		return nil, errors.Errorf("chunk of %d bytes exceeds maximum %d",
			len(payload), MaxChunkSize)
	}

	var flags uint8
	body := payload
	if compress && len(payload) >= MinCompressSize {
		c := zenc.EncodeAll(payload, make([]byte, 0, len(payload)))
		if len(c) < len(payload) {
			body = c
			flags |= FlagCompressed
		}
	}
	if cc != nil {
		flags |= FlagEncrypted
	}

	extra := 0
	if cc != nil {
		extra = cryptHeaderSize + tagSize
	}
	out := make([]byte, HeaderSize, HeaderSize+extra+len(body))
	copy(out, Magic[:])
	out[4] = flags
	binary.LittleEndian.PutUint64(out[8:16], uint64(len(payload)))

	if cc != nil {
		var nonce [nonceSize]byte
		if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
			return nil, errors.Wrap(err, "generate nonce")
		}
		sealed := cc.aead.Seal(nil, nonce[:], body, out[:aadSize])
		ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
		out = append(out, nonce[:]...)
		out = append(out, tag...)
		out = append(out, ct...)
	} else {
		out = append(out, body...)
	}

	binary.LittleEndian.PutUint32(out[16:20],
		crc32.Checksum(out[HeaderSize:], castagnoliTable))
	return Encoded(out), nil
}

// Decode reverses Encode. If expected is non-nil, the decoded payload must
// hash to it. A key is needed for encrypted chunks.
func Decode(e Encoded, cc *CryptConfig, expected *Digest) ([]byte, error) {
	if err := e.checkHeader(); err != nil {
		return nil, err
	}
	size := e.Size()
	body := []byte(e[HeaderSize:])

	if e.IsEncrypted() {
		if cc == nil {
			return nil, integrityErrorf(AuthFailure, "chunk is encrypted and no key was given")
		}
		nonce := body[:nonceSize]
		tag := body[nonceSize:cryptHeaderSize]
		sealed := make([]byte, 0, len(body)-cryptHeaderSize+tagSize)
		sealed = append(sealed, body[cryptHeaderSize:]...)
		sealed = append(sealed, tag...)
		plain, err := cc.aead.Open(nil, nonce, sealed, e[:aadSize])
		if err != nil {
			return nil, integrityErrorf(AuthFailure, "%s", err)
		}
		body = plain
	}

	var payload []byte
	if e.IsCompressed() {
		var err error
		payload, err = zdec.DecodeAll(body, make([]byte, 0, size))
		switch {
		case err != nil && expected != nil:
			// Whatever the damage, it's not the chunk that was asked for.
			return nil, integrityErrorf(DigestMismatch, "%s: zstd: %s", expected, err)
		case err != nil && errors.Is(err, io.ErrUnexpectedEOF):
			return nil, integrityErrorf(Truncated, "zstd: %s", err)
		case err != nil:
			return nil, integrityErrorf(Corrupt, "zstd: %s", err)
		case uint64(len(payload)) != size && expected != nil:
			return nil, integrityErrorf(DigestMismatch, "%s: decompressed %d bytes, header says %d",
				expected, len(payload), size)
		}
	} else {
		payload = body
	}

	switch {
	case uint64(len(payload)) < size:
		return nil, integrityErrorf(Truncated, "decoded %d bytes, header says %d",
			len(payload), size)
	case uint64(len(payload)) > size:
		return nil, integrityErrorf(Corrupt, "decoded %d bytes, header says %d",
			len(payload), size)
	}

	if expected != nil {
		if d := DigestOf(payload); d != *expected {
			return nil, integrityErrorf(DigestMismatch, "expected %s, got %s",
				expected, d)
		}
	}

	if !e.IsEncrypted() && !e.IsCompressed() {
		// Don't hand out a slice that aliases the caller's buffer.
		payload = append([]byte(nil), payload...)
	}
	return payload, nil
}

// CheckUpload performs the checks the server can do on an uploaded chunk
// without a key: full decode and digest verification for plaintext chunks,
// CRC and size sanity for encrypted ones.
func CheckUpload(e Encoded, d Digest, size uint64) error {
	if err := e.VerifyCRC(); err != nil {
		return err
	}
	if e.Size() != size {
		return integrityErrorf(Corrupt, "chunk header says %d bytes, %d claimed",
			e.Size(), size)
	}
	if e.IsEncrypted() {
		return nil
	}
	_, err := Decode(e, nil, &d)
	return err
}
