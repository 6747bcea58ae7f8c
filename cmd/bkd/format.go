// cmd/bkd/format.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

var formatCommand = &cli.Command{
	Name:  "format",
	Usage: "describe the on-disk format of a datastore",
	Action: func(c *cli.Context) error {
		fmt.Print(readmeText)
		return nil
	},
}

var readmeText = `
This document describes the way that bkd stores backups in enough detail
that (if ever necessary) it's possible to restore data from a datastore
without the bkd source code. It proceeds bottom-up, from the chunk files
to the snapshots built on top of them. All integers are little-endian.

# Datastore layout

A datastore is a directory holding:

	.chunks/<xxxx>/<digest>   chunk files
	.locks/                   per-snapshot lock files
	.writers/                 markers left by running backups
	.scratch/<id>/            files of backups that haven't finished
	.gc.lock                  held while garbage collection runs
	.gc-status.json           report of the last garbage collection
	[ns/<name>/...]<type>/<id>/<time>/   snapshots

Namespaces nest by way of "ns" subdirectories. The backup type is one of
"vm", "ct" or "host", the id is an arbitrary name, and the time is the
snapshot's UTC time formatted as 2006-01-02T15:04:05Z.

Everything under .locks, .writers and .scratch may be ignored when
restoring.

# Chunks

Each chunk is stored in its own file, named by the lowercase hex encoding
of the SHA-256 hash of its decoded payload, in a subdirectory named by the
first four hex digits of that hash. A chunk file starts with a 20-byte
header:

	0   magic  "CHNK"
	4   flags  1 if compressed, 2 if encrypted (or both)
	5   three zero bytes
	8   size   uint64, the length of the decoded payload
	16  crc    uint32, CRC-32C (Castagnoli) of everything after the header

Unencrypted chunks follow the header with the body. Encrypted chunks
follow it with a 12-byte nonce and a 16-byte AES-GCM tag, then the
ciphertext; the first 16 bytes of the header are the additional
authenticated data. To decode, decrypt (if encrypted) and then zstd
decompress (if compressed); the result should hash to the file name.

# Keys

An encryption key file is JSON. If its "kdf" is "none", "data" holds the
32-byte AES-256 key. If it's "pbkdf2-sha256", derive 64 bytes from the
passphrase with

	derived := pbkdf2.Key(passphrase, salt, iterations, 64, sha256.New)

The first 32 bytes should match "passphrase_hash". The last 32 are an
AES-256-GCM key that decrypts "data" using "nonce", giving the chunk key.

# Index files

An archive's chunks are listed in an index file. Each starts with a
4096-byte header:

	0    magic      "BKDFIDX\x01" (fixed) or "BKDDIDX\x01" (dynamic)
	8    uuid       16 bytes
	24   ctime      int64 seconds since the epoch
	32   csum       SHA-256 of the entry table
	64   size       uint64, the archive's size
	72   chunk size uint64, fixed indices only
	80   zeros

and is followed by the entry table. A fixed index (.fidx) stores one
32-byte digest per chunk; every chunk but the last is "chunk size" bytes.
A dynamic index (.didx) stores, per chunk, the uint64 offset of the end of
the chunk within the archive followed by its 32-byte digest. The archive
is the concatenation of the chunks' payloads in order.

Small files (.blob) are stored directly in the snapshot directory as a
single encoded chunk, in the format described above.

# Manifests

Each snapshot directory has a manifest.json that lists its files:

	{
	  "backup-type": "vm", "backup-id": "101", "backup-time": 1500000000,
	  "files": [ { "archive": "drive-scsi0.img",
	               "filename": "drive-scsi0.img.didx",
	               "format": "dynamic", "size": 34359738368,
	               "crypt-mode": "none", "csum": "<hex>" } ],
	  "unprotected": { "verify-state": ..., "notes": ... },
	  "signature-kind": "sha256", "signature": "<hex>"
	}

"csum" is the index's entry table checksum. The signature covers the JSON
encoding of the manifest with "unprotected" emptied and "signature" left
out; it's a SHA-256 hash, or an HMAC-SHA256 keyed by the encryption key
for encrypted snapshots.

# Directory archives

Directories are backed up as a dynamic index over a stream of values
encoded with Go's "gob" package: one Entry per file, directory and
symlink in depth-first order,

	type Entry struct {
		Path    string      // slash-separated, relative to the root
		Size    int64
		ModTime time.Time
		Mode    os.FileMode
		Target  string      // symlink target
	}

with each regular file's Entry followed by its contents as a sequence of
[]byte values whose lengths sum to Size.

# Reed-Solomon parity

If parity is enabled, manifest.json and each index file may have a
corresponding .rs file, itself a gob stream. It starts with

	type rsFileHeader struct {
		FileSize                   int64
		NDataShards, NParityShards int
		HashRate                   int
	}

followed by one value per NDataShards*HashRate bytes of the file:

	type rsFileSegment struct {
		Hashes       [][32]byte // SHA3-256 of the data, then parity, shards
		ParityShards [][]byte
	}

Shards whose hash doesn't match can be rebuilt from the others with any
Reed-Solomon implementation compatible with github.com/klauspost/reedsolomon.
`
