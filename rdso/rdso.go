// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple APIs to apply Reed-Solomon encoding to files, based on
// github.com/klauspost/reedsolomon. Provides facilities to check the
// integrity of encoded files and to recover corrupt files.
//
// The input is processed in segments of NDataShards*HashRate bytes. Each
// segment is split into NDataShards shards, parity shards are computed for
// it, and a hash of every shard is stored, so that damaged shards can be
// identified and reconstructed independently for each segment.
package rdso

import (
	"encoding/gob"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/bkd/util"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

var (
	ErrFileCorrupt   = errors.New("file corrupt")
	ErrUnrecoverable = errors.New("too many errors to recover file")
)

type hash [32]byte

func hashBytes(b []byte) hash {
	return hash(sha3.Sum256(b))
}

type rsFileHeader struct {
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int
}

type rsFileSegment struct {
	// First the data hashes, then the parity hashes.
	Hashes       []hash
	ParityShards [][]byte
}

func (h rsFileHeader) segmentSize() int64 {
	return int64(h.NDataShards) * int64(h.HashRate)
}

// Encode reads size bytes from r and writes Reed-Solomon parity
// information for them to w.
func Encode(r io.Reader, size int64, w io.Writer, nDataShards, nParityShards,
	hashRate int) error {
	if nDataShards <= 0 || nParityShards <= 0 || hashRate <= 0 {
		return errors.Errorf("invalid encoding parameters %d/%d/%d",
			nDataShards, nParityShards, hashRate)
	}
	h := rsFileHeader{
		FileSize:      size,
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}
	rs, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}

	genc := gob.NewEncoder(w)
	if err := genc.Encode(h); err != nil {
		return err
	}

	for remaining := size; remaining > 0; {
		shards, n, err := readSegment(r, h, remaining)
		if err != nil {
			return err
		}
		remaining -= n

		for i := 0; i < nParityShards; i++ {
			shards = append(shards, make([]byte, hashRate))
		}
		if err := rs.Encode(shards); err != nil {
			return err
		}
		if err := genc.Encode(rsFileSegment{
			Hashes:       hashShards(shards),
			ParityShards: shards[nDataShards:],
		}); err != nil {
			return err
		}
	}
	return nil
}

// readSegment reads the next segment's worth of data, zero-padding the
// last one, and splits it into data shards.
func readSegment(r io.Reader, h rsFileHeader, remaining int64) ([][]byte, int64, error) {
	buf := make([]byte, h.segmentSize())
	n := h.segmentSize()
	if remaining < n {
		n = remaining
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return nil, 0, errors.Wrap(err, "read data")
	}

	var shards [][]byte
	for i := 0; i < h.NDataShards; i++ {
		shards = append(shards, buf[i*h.HashRate:(i+1)*h.HashRate])
	}
	return shards, n, nil
}

func hashShards(shards [][]byte) []hash {
	var hashes []hash
	for _, s := range shards {
		hashes = append(hashes, hashBytes(s))
	}
	return hashes
}

// forEachSegment reads the data and the Reed-Solomon information in
// parallel, calling f with each segment's stored hashes and its data and
// parity shards.
func forEachSegment(data io.Reader, rsr io.Reader, log *u.Logger,
	f func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	gdec := gob.NewDecoder(rsr)
	var h rsFileHeader
	if err := gdec.Decode(&h); err != nil {
		return errors.Wrap(err, "decode header")
	}
	if h.NDataShards <= 0 || h.NParityShards <= 0 || h.HashRate <= 0 {
		return errors.Errorf("invalid header %+v", h)
	}

	for remaining := h.FileSize; remaining > 0; {
		shards, n, err := readSegment(data, h, remaining)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return errors.Wrapf(ErrFileCorrupt, "%d bytes short", remaining)
		} else if err != nil {
			return err
		}
		remaining -= n

		var seg rsFileSegment
		if err := gdec.Decode(&seg); err != nil {
			return errors.Wrap(err, "decode segment")
		}
		if len(seg.Hashes) != h.NDataShards+h.NParityShards ||
			len(seg.ParityShards) != h.NParityShards {
			return errors.Errorf("segment has %d hashes and %d parity shards",
				len(seg.Hashes), len(seg.ParityShards))
		}
		if log != nil {
			log.Debug("segment: %d bytes remaining", remaining)
		}

		if err := f(h, seg.Hashes, append(shards, seg.ParityShards...)); err != nil {
			return err
		}
	}
	return nil
}

// Check verifies data read from r against the Reed-Solomon information
// read from rsr, returning ErrFileCorrupt if any shard doesn't match its
// hash.
func Check(r io.Reader, rsr io.Reader, log *u.Logger) error {
	nErrors := 0
	err := forEachSegment(r, rsr, log, func(h rsFileHeader, hashes []hash,
		shards [][]byte) error {
		for i, s := range shards {
			if hashBytes(s) != hashes[i] {
				if log != nil {
					log.Warning("shard %d hash mismatch", i)
				}
				nErrors++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if nErrors > 0 {
		return ErrFileCorrupt
	}
	// Anything past the recorded size was added after encoding.
	var extra [1]byte
	if n, _ := io.ReadFull(r, extra[:]); n > 0 {
		return errors.Wrap(ErrFileCorrupt, "data past end of file")
	}
	return nil
}

// Restore reconstructs the size bytes of data read from r, writing the
// repaired data to w and repaired Reed-Solomon information to wrs.
func Restore(r io.Reader, rsr io.Reader, size int64, w io.Writer, wrs io.Writer,
	log *u.Logger) error {
	genc := gob.NewEncoder(wrs)
	first := true
	remaining := size

	err := forEachSegment(r, rsr, log, func(h rsFileHeader, hashes []hash,
		shards [][]byte) error {
		if first {
			if err := genc.Encode(h); err != nil {
				return err
			}
			first = false
		}

		bad := 0
		for i, s := range shards {
			if hashBytes(s) != hashes[i] {
				shards[i] = nil
				bad++
			}
		}
		if bad > 0 {
			if log != nil {
				log.Warning("reconstructing %d shards", bad)
			}
			if bad > h.NParityShards {
				return ErrUnrecoverable
			}
			rs, err := reedsolomon.New(h.NDataShards, h.NParityShards)
			if err != nil {
				return err
			}
			if err := rs.Reconstruct(shards); err != nil {
				return errors.Wrap(ErrUnrecoverable, err.Error())
			}
		}

		for _, s := range shards[:h.NDataShards] {
			if remaining <= 0 {
				break
			}
			if int64(len(s)) > remaining {
				s = s[:remaining]
			}
			n, err := w.Write(s)
			if err != nil {
				return err
			}
			remaining -= int64(n)
		}

		return genc.Encode(rsFileSegment{
			Hashes:       hashShards(shards),
			ParityShards: shards[h.NDataShards:],
		})
	})
	return err
}

///////////////////////////////////////////////////////////////////////////
// Files

// EncodeFile writes the Reed-Solomon information for the file fn to
// rsfn.
func EncodeFile(fn, rsfn string, nDataShards, nParityShards, hashRate int) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	tmp := rsfn + ".tmp"
	w, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := Encode(f, fi.Size(), w, nDataShards, nParityShards, hashRate); err != nil {
		w.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "%s", fn)
	}
	if err := w.Sync(); err != nil {
		w.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, rsfn)
}

func CheckFile(fn, rsfn string, log *u.Logger) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	rf, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rf.Close()

	var h rsFileHeader
	if err := gob.NewDecoder(rf).Decode(&h); err != nil {
		return errors.Wrapf(err, "%s", rsfn)
	}
	if fi, err := f.Stat(); err != nil {
		return err
	} else if fi.Size() != h.FileSize {
		return errors.Wrapf(ErrFileCorrupt, "%s: size %d, expected %d", fn,
			fi.Size(), h.FileSize)
	}
	if _, err := rf.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return errors.Wrapf(Check(f, rf, log), "%s", fn)
}

// RestoreFile repairs fn using the Reed-Solomon information in rsfn,
// replacing both files with the repaired versions.
func RestoreFile(fn, rsfn string, log *u.Logger) error {
	f, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer f.Close()
	rf, err := os.Open(rsfn)
	if err != nil {
		return err
	}
	defer rf.Close()

	// The recorded size is authoritative; the damaged file may have been
	// truncated.
	var h rsFileHeader
	if err := gob.NewDecoder(rf).Decode(&h); err != nil {
		return errors.Wrapf(err, "%s", rsfn)
	}
	if _, err := rf.Seek(0, io.SeekStart); err != nil {
		return err
	}

	// Treat missing bytes as zeros; the shard hashes will flag them.
	data := io.MultiReader(f, zeroReader{})

	recovered, rsRecovered := fn+".recovered", rsfn+".recovered"
	w, err := os.Create(recovered)
	if err != nil {
		return err
	}
	wrs, err := os.Create(rsRecovered)
	if err != nil {
		w.Close()
		os.Remove(recovered)
		return err
	}
	cleanup := func() {
		w.Close()
		wrs.Close()
		os.Remove(recovered)
		os.Remove(rsRecovered)
	}

	if err := Restore(data, rf, h.FileSize, w, wrs, log); err != nil {
		cleanup()
		return errors.Wrapf(err, "%s", fn)
	}
	for _, ff := range []*os.File{w, wrs} {
		if err := ff.Sync(); err != nil {
			cleanup()
			return err
		}
		if err := ff.Close(); err != nil {
			cleanup()
			return err
		}
	}
	if err := os.Rename(recovered, fn); err != nil {
		return err
	}
	return os.Rename(rsRecovered, rsfn)
}

type zeroReader struct{}

func (zeroReader) Read(b []byte) (int, error) {
	for i := range b {
		b[i] = 0
	}
	return len(b), nil
}
