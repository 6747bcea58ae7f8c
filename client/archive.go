// client/archive.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package client

import (
	"context"
	"encoding/gob"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mmp/bkd/backup"
	"github.com/mmp/bkd/chunker"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/index"
	"github.com/pkg/errors"
)

// A directory archive is a gob stream: an Entry for each file, directory
// and symlink in depth-first order, with a regular file's Entry followed
// by its contents as a sequence of []byte blocks totalling Entry.Size.
// The rolling splitter turns it into chunks, so unchanged files mostly
// deduplicate against earlier backups.

const archiveBlockSize = 1 << 20

// Entry describes one file, directory or symlink in a directory archive.
type Entry struct {
	// Slash-separated path relative to the archive root; "." is the
	// root itself.
	Path    string
	Size    int64
	ModTime time.Time
	Mode    os.FileMode
	// Symlink target.
	Target string
}

func (e *Entry) IsDir() bool     { return e.Mode.IsDir() }
func (e *Entry) IsFile() bool    { return e.Mode&os.ModeType == 0 }
func (e *Entry) IsSymLink() bool { return e.Mode&os.ModeSymlink != 0 }

func newEntry(rel string, fi os.FileInfo) (Entry, error) {
	e := Entry{
		Path:    filepath.ToSlash(rel),
		ModTime: fi.ModTime(),
		Mode:    fi.Mode(),
	}
	if e.IsFile() {
		e.Size = fi.Size()
	}
	if !e.IsDir() && !e.IsFile() && !e.IsSymLink() {
		return Entry{}, errors.New("unhandled file type")
	}
	return e, nil
}

func isExcluded(path string, excluded []string) bool {
	for _, excl := range excluded {
		if strings.Contains(path, excl) {
			return true
		}
	}
	return false
}

// WriteArchive writes an archive of the directory dir to w. Paths
// containing any of the excluded strings are skipped. Files that can't be
// read are logged and left out rather than failing the archive.
func WriteArchive(ctx context.Context, w io.Writer, dir string, excluded []string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return errors.Errorf("%s: not a directory", dir)
	}
	root, err := newEntry(".", fi)
	if err != nil {
		return err
	}

	enc := gob.NewEncoder(w)
	if err := enc.Encode(root); err != nil {
		return err
	}
	return writeDir(ctx, enc, dir, ".", excluded)
}

func writeDir(ctx context.Context, enc *gob.Encoder, base, rel string, excluded []string) error {
	dents, err := os.ReadDir(filepath.Join(base, rel))
	if err != nil {
		return err
	}
	sort.Slice(dents, func(i, j int) bool { return dents[i].Name() < dents[j].Name() })

	for _, de := range dents {
		if err := ctx.Err(); err != nil {
			return err
		}
		childRel := filepath.Join(rel, de.Name())
		path := filepath.Join(base, childRel)
		if isExcluded(path, excluded) {
			log.Verbose("%s: excluding from backup", path)
			continue
		}

		log.Debug("%s: backing up", path)
		fi, err := de.Info()
		if err != nil {
			log.Error("%s: %s", path, err)
			continue
		}
		e, err := newEntry(childRel, fi)
		if err != nil {
			log.Error("%s: %s", path, err)
			continue
		}

		switch {
		case e.IsDir():
			if err := enc.Encode(e); err != nil {
				return err
			}
			if err := writeDir(ctx, enc, base, childRel, excluded); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				log.Error("%s: %s", path, err)
			}
		case e.IsSymLink():
			if e.Target, err = os.Readlink(path); err != nil {
				log.Error("%s: %s", path, err)
				continue
			}
			if err := enc.Encode(e); err != nil {
				return err
			}
		case e.IsFile():
			f, err := os.Open(path)
			if err != nil {
				log.Error("%s: %s", path, err)
				continue
			}
			err = writeFile(enc, e, f)
			f.Close()
			if err != nil {
				return errors.Wrapf(err, "%s", path)
			}
		}
	}
	return nil
}

// writeFile writes the file's entry and then exactly e.Size bytes of
// contents; a file that changes size while it's being read is truncated
// or zero-padded to match its entry.
func writeFile(enc *gob.Encoder, e Entry, r io.Reader) error {
	if err := enc.Encode(e); err != nil {
		return err
	}
	buf := make([]byte, archiveBlockSize)
	short := false
	for left := e.Size; left > 0; {
		n := int64(len(buf))
		if left < n {
			n = left
		}
		block := buf[:n]
		if !short {
			got, err := io.ReadFull(r, block)
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				log.Warning("%s: file shrank during backup", e.Path)
				short = true
				for i := got; i < len(block); i++ {
					block[i] = 0
				}
			} else if err != nil {
				return err
			}
		} else {
			for i := range block {
				block[i] = 0
			}
		}
		if err := enc.Encode(block); err != nil {
			return err
		}
		left -= n
	}
	return nil
}

// BackupDir backs up the directory dir as the archive named archive in a
// new snapshot.
func BackupDir(ctx context.Context, mgr *backup.Manager, snap datastore.Snapshot,
	archive, dir string, excluded []string, splitBits uint,
	opts Options) (*datastore.Manifest, Stats, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(WriteArchive(ctx, pw, dir, excluded))
	}()
	defer pr.Close()

	src, err := chunker.NewRolling(pr, splitBits, 0)
	if err != nil {
		return nil, Stats{}, err
	}
	return Backup(ctx, mgr, snap, []Stream{{
		Archive: archive,
		Kind:    index.Dynamic,
		Source:  src,
	}}, opts)
}

///////////////////////////////////////////////////////////////////////////
// Extraction

type restoredDir struct {
	path string
	e    Entry
}

// ExtractArchive recreates the directory archive read from r under dest,
// which must not already exist.
func ExtractArchive(r io.Reader, dest string) error {
	dec := gob.NewDecoder(r)
	var dirs []restoredDir
	first := true
	for {
		var e Entry
		if err := dec.Decode(&e); err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, "archive")
		}
		if first {
			if e.Path != "." || !e.IsDir() {
				return errors.New("archive doesn't start with its root directory")
			}
			first = false
		}

		path, err := extractPath(dest, e.Path)
		if err != nil {
			return err
		}
		log.Debug("%s: restoring", path)
		switch {
		case e.IsDir():
			if err := os.Mkdir(path, 0700); err != nil {
				return err
			}
			dirs = append(dirs, restoredDir{path, e})
		case e.IsSymLink():
			if err := os.Symlink(e.Target, path); err != nil {
				return err
			}
		case e.IsFile():
			if err := extractFile(dec, e, path); err != nil {
				return err
			}
		default:
			return errors.Errorf("%s: unexpected file type", e.Path)
		}
	}
	if first {
		return errors.New("empty archive")
	}

	// Directory modes and times are set only after everything has been
	// written, so that read-only directories can be filled and their
	// times aren't changed by the files created in them.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(dirs[i].path, dirs[i].e.Mode.Perm()); err != nil {
			return err
		}
		if err := os.Chtimes(dirs[i].path, dirs[i].e.ModTime, dirs[i].e.ModTime); err != nil {
			return err
		}
	}
	return nil
}

// extractPath maps an archive path to a path under dest, refusing ones
// that would escape it.
func extractPath(dest, p string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(clean) || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("%s: invalid path in archive", p)
	}
	return filepath.Join(dest, clean), nil
}

func extractFile(dec *gob.Decoder, e Entry, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	for left := e.Size; left > 0; {
		var block []byte
		if err := dec.Decode(&block); err != nil {
			f.Close()
			return errors.Wrapf(err, "%s", e.Path)
		}
		if int64(len(block)) > left {
			f.Close()
			return errors.Errorf("%s: contents longer than %d bytes", e.Path, e.Size)
		}
		if _, err := f.Write(block); err != nil {
			f.Close()
			return err
		}
		left -= int64(len(block))
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(path, e.Mode.Perm()); err != nil {
		return err
	}
	return os.Chtimes(path, e.ModTime, e.ModTime)
}
