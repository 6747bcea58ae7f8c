// remote/target.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package remote synchronizes snapshots between a datastore and a remote
// target: a local directory or a Google Cloud Storage bucket.
//
// A target holds encoded chunks under chunks/<first 4 hex digits>/<hex
// digest> and the files of each snapshot under snapshots/<snapshot
// path>/, with the manifest written last.
package remote

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/datastore"
	u "github.com/mmp/bkd/util"
	"github.com/pkg/errors"
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

var (
	ErrExists   = errors.New("file already exists")
	ErrNotFound = errors.New("file not found")
)

// Target is where snapshots are pushed to and pulled from. Files are
// written once and never modified.
type Target interface {
	// CreateFile stores data as the named file, atomically. It returns
	// ErrExists if the file is already there.
	CreateFile(ctx context.Context, name string, data []byte) error
	// ReadFile returns the file's contents, or ErrNotFound.
	ReadFile(ctx context.Context, name string) ([]byte, error)
	// ForFiles calls f with the name of every file whose name starts with
	// prefix.
	ForFiles(ctx context.Context, prefix string, f func(name string) error) error
	Exists(ctx context.Context, name string) (bool, error)
	String() string
}

const (
	chunksPrefix    = "chunks/"
	snapshotsPrefix = "snapshots/"
)

func chunkName(d chunk.Digest) string {
	h := d.String()
	return chunksPrefix + h[:4] + "/" + h
}

func snapshotFileName(snap datastore.Snapshot, name string) string {
	return snapshotsPrefix + snap.RelPath() + "/" + name
}

// parseSnapshotPath is the inverse of Snapshot.RelPath.
func parseSnapshotPath(p string) (datastore.Snapshot, error) {
	parts := strings.Split(p, "/")
	if len(parts) < 3 || (len(parts)-3)%2 != 0 {
		return datastore.Snapshot{}, errors.Errorf("%s: invalid snapshot path", p)
	}
	var ns datastore.Namespace
	for i := 0; i < len(parts)-3; i += 2 {
		if parts[i] != "ns" {
			return datastore.Snapshot{}, errors.Errorf("%s: invalid namespace", p)
		}
		ns = ns.Child(parts[i+1])
	}
	n := len(parts)
	g, err := datastore.NewGroup(ns, parts[n-3], parts[n-2])
	if err != nil {
		return datastore.Snapshot{}, err
	}
	return datastore.ParseSnapshot(g.String() + "/" + parts[n-1])
}

// ctxReader stops a long read once its context is canceled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

///////////////////////////////////////////////////////////////////////////
// Directory targets

// Dir is a Target that stores files in a local directory tree, e.g. on a
// removable disk.
type Dir struct {
	root    string
	Limiter *Limiter
}

func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	return &Dir{root: path}, nil
}

func (d *Dir) String() string { return d.root }

func (d *Dir) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("%s: invalid file name", name)
	}
	return filepath.Join(d.root, clean), nil
}

func (d *Dir) CreateFile(ctx context.Context, name string, data []byte) error {
	path, err := d.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	r := d.Limiter.UploadReader(&ctxReader{ctx, bytes.NewReader(data)})
	if _, err := tmp.ReadFrom(r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// A hard link fails rather than replacing an existing file.
	if err := os.Link(tmp.Name(), path); os.IsExist(err) {
		return errors.Wrapf(ErrExists, "%s", name)
	} else if err != nil {
		return err
	}
	return nil
}

func (d *Dir) ReadFile(ctx context.Context, name string) ([]byte, error) {
	path, err := d.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s", name)
	} else if err != nil {
		return nil, err
	}
	defer f.Close()
	var b bytes.Buffer
	if _, err := b.ReadFrom(d.Limiter.DownloadReader(&ctxReader{ctx, f})); err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}
	return b.Bytes(), nil
}

func (d *Dir) ForFiles(ctx context.Context, prefix string, f func(name string) error) error {
	err := filepath.WalkDir(d.root, func(path string, de os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !de.Type().IsRegular() || strings.HasPrefix(de.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		return f(name)
	})
	return err
}

func (d *Dir) Exists(ctx context.Context, name string) (bool, error) {
	path, err := d.path(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}
