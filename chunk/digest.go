// chunk/digest.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package chunk implements the content digest and the encoding of chunk
// payloads (compression, encryption, integrity checking) used throughout
// the datastore.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

// DigestSize is the number of bytes in the digests used to identify
// chunks.
const DigestSize = sha256.Size

// Digest is the SHA-256 hash of a chunk's decoded payload.
type Digest [DigestSize]byte

// DigestOf computes the digest of the given payload.
func DigestOf(payload []byte) Digest {
	return Digest(sha256.Sum256(payload))
}

// String returns the given Digest as a hexidecimal-encoded string.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest decodes a hexidecimal digest as returned by Digest.String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != 2*DigestSize {
		return d, errors.Errorf("%q: digest must be %d hex characters", s,
			2*DigestSize)
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, errors.Wrapf(err, "%q: invalid digest", s)
	}
	return d, nil
}

// MarshalText implements encoding.TextMarshaler so that digests appear
// as hex strings in JSON.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(b []byte) error {
	p, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = p
	return nil
}
