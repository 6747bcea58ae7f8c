// fusefs/fusefs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package fusefs exports a datastore's snapshots as a read-only FUSE
// filesystem.
//
// The hierarchy follows the datastore's on-disk layout: each namespace
// directory holds a "ns" directory of child namespaces and one directory
// per backup type. Below a type are the backup IDs, then the snapshot
// times, and then each snapshot's archives and blobs as regular files.
package fusefs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/index"
	u "github.com/mmp/bkd/util"
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

// FS implements fs.FS for a datastore.
type FS struct {
	ds *datastore.Datastore
	// Needed to read encrypted archives; may be nil.
	cc *chunk.CryptConfig
}

func New(ds *datastore.Datastore, cc *chunk.CryptConfig) *FS {
	return &FS{ds: ds, cc: cc}
}

// Mount serves the datastore at dir until the filesystem is unmounted.
func Mount(dir string, ds *datastore.Datastore, cc *chunk.CryptConfig) error {
	conn, err := fuse.Mount(
		dir,
		fuse.FSName("bkd"),
		fuse.Subtype("bkd"),
		fuse.VolumeName(ds.Name()),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Verbose("%s: mounted at %s", ds, dir)
	if err := fs.Serve(conn, New(ds, cc)); err != nil {
		return err
	}
	<-conn.Ready
	return conn.MountError
}

// Unmount unmounts a filesystem mounted by Mount.
func Unmount(dir string) error {
	return fuse.Unmount(dir)
}

func (f *FS) Root() (fs.Node, error) {
	return &nsDir{fs: f}, nil
}

func dirAttr(a *fuse.Attr) {
	a.Mode = os.ModeDir | 0500
}

func sortDirents(de []fuse.Dirent) []fuse.Dirent {
	sort.Slice(de, func(i, j int) bool { return de[i].Name < de[j].Name })
	return de
}

///////////////////////////////////////////////////////////////////////////
// Namespaces

// nsDir is a namespace's directory.
type nsDir struct {
	fs *FS
	ns datastore.Namespace
}

func (d *nsDir) Attr(ctx context.Context, a *fuse.Attr) error {
	dirAttr(a)
	return nil
}

// types returns the backup types that have groups in the namespace.
func (d *nsDir) types() (map[datastore.BackupType][]datastore.Group, error) {
	groups, err := d.fs.ds.ListGroups(d.ns)
	if err != nil {
		return nil, err
	}
	m := make(map[datastore.BackupType][]datastore.Group)
	for _, g := range groups {
		m[g.Type] = append(m[g.Type], g)
	}
	return m, nil
}

func (d *nsDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if name == "ns" {
		children, err := d.fs.ds.ListNamespaces(d.ns)
		if err != nil {
			return nil, err
		}
		if len(children) > 0 {
			return &nsListDir{fs: d.fs, ns: d.ns}, nil
		}
		return nil, fuse.ENOENT
	}

	types, err := d.types()
	if err != nil {
		return nil, err
	}
	if groups, ok := types[datastore.BackupType(name)]; ok {
		return &typeDir{fs: d.fs, groups: groups}, nil
	}
	return nil, fuse.ENOENT
}

func (d *nsDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	children, err := d.fs.ds.ListNamespaces(d.ns)
	if err != nil {
		return nil, err
	}
	if len(children) > 0 {
		de = append(de, fuse.Dirent{Name: "ns", Type: fuse.DT_Dir})
	}
	types, err := d.types()
	if err != nil {
		return nil, err
	}
	for t := range types {
		de = append(de, fuse.Dirent{Name: string(t), Type: fuse.DT_Dir})
	}
	return sortDirents(de), nil
}

// nsListDir holds the child namespaces of a namespace.
type nsListDir struct {
	fs *FS
	ns datastore.Namespace
}

func (d *nsListDir) Attr(ctx context.Context, a *fuse.Attr) error {
	dirAttr(a)
	return nil
}

func (d *nsListDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	children, err := d.fs.ds.ListNamespaces(d.ns)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if c[len(c)-1] == name {
			return &nsDir{fs: d.fs, ns: c}, nil
		}
	}
	return nil, fuse.ENOENT
}

func (d *nsListDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	children, err := d.fs.ds.ListNamespaces(d.ns)
	if err != nil {
		return nil, err
	}
	var de []fuse.Dirent
	for _, c := range children {
		de = append(de, fuse.Dirent{Name: c[len(c)-1], Type: fuse.DT_Dir})
	}
	return sortDirents(de), nil
}

///////////////////////////////////////////////////////////////////////////
// Groups and snapshots

// typeDir holds the groups of one backup type in a namespace.
type typeDir struct {
	fs     *FS
	groups []datastore.Group
}

func (d *typeDir) Attr(ctx context.Context, a *fuse.Attr) error {
	dirAttr(a)
	return nil
}

func (d *typeDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, g := range d.groups {
		if g.ID == name {
			return &groupDir{fs: d.fs, g: g}, nil
		}
	}
	return nil, fuse.ENOENT
}

func (d *typeDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, g := range d.groups {
		de = append(de, fuse.Dirent{Name: g.ID, Type: fuse.DT_Dir})
	}
	return sortDirents(de), nil
}

type groupDir struct {
	fs *FS
	g  datastore.Group
}

func (d *groupDir) Attr(ctx context.Context, a *fuse.Attr) error {
	dirAttr(a)
	return nil
}

func (d *groupDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	snaps, err := d.fs.ds.ListSnapshots(d.g)
	if err != nil {
		return nil, err
	}
	for _, s := range snaps {
		if s.TimeString() == name {
			return &snapDir{fs: d.fs, snap: s}, nil
		}
	}
	return nil, fuse.ENOENT
}

func (d *groupDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	snaps, err := d.fs.ds.ListSnapshots(d.g)
	if err != nil {
		return nil, err
	}
	var de []fuse.Dirent
	for _, s := range snaps {
		de = append(de, fuse.Dirent{Name: s.TimeString(), Type: fuse.DT_Dir})
	}
	return de, nil
}

// snapDir holds a snapshot's archives, its blobs, and its manifest.
type snapDir struct {
	fs   *FS
	snap datastore.Snapshot
}

func (d *snapDir) Attr(ctx context.Context, a *fuse.Attr) error {
	dirAttr(a)
	a.Mtime = d.snap.Time
	return nil
}

func (d *snapDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if name == datastore.ManifestName {
		return &manifestFile{fs: d.fs, snap: d.snap}, nil
	}
	m, err := d.fs.ds.LoadManifest(d.snap)
	if err != nil {
		return nil, err
	}
	for _, f := range m.Files {
		if f.Archive == name {
			return &archiveFile{fs: d.fs, snap: d.snap, fi: f}, nil
		}
	}
	return nil, fuse.ENOENT
}

func (d *snapDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	m, err := d.fs.ds.LoadManifest(d.snap)
	if err != nil {
		return nil, err
	}
	de := []fuse.Dirent{{Name: datastore.ManifestName, Type: fuse.DT_File}}
	for _, f := range m.Files {
		de = append(de, fuse.Dirent{Name: f.Archive, Type: fuse.DT_File})
	}
	return sortDirents(de), nil
}

///////////////////////////////////////////////////////////////////////////
// Files

type manifestFile struct {
	fs   *FS
	snap datastore.Snapshot
}

func (f *manifestFile) path() string {
	return filepath.Join(f.fs.ds.SnapshotPath(f.snap), datastore.ManifestName)
}

func (f *manifestFile) Attr(ctx context.Context, a *fuse.Attr) error {
	st, err := os.Stat(f.path())
	if err != nil {
		return err
	}
	a.Mode = 0400
	a.Size = uint64(st.Size())
	a.Mtime = st.ModTime()
	return nil
}

func (f *manifestFile) ReadAll(ctx context.Context) ([]byte, error) {
	return os.ReadFile(f.path())
}

// archiveFile is an index's archive or a blob.
type archiveFile struct {
	fs   *FS
	snap datastore.Snapshot
	fi   datastore.FileInfo
}

func (f *archiveFile) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = 0400
	a.Size = f.fi.Size
	a.Mtime = f.snap.Time
	return nil
}

func (f *archiveFile) Open(ctx context.Context, req *fuse.OpenRequest,
	resp *fuse.OpenResponse) (fs.Handle, error) {
	if !req.Flags.IsReadOnly() {
		return nil, fuse.Errno(syscall.EROFS)
	}
	if f.fi.Format == index.Blob {
		b, err := f.fs.ds.ReadBlob(f.snap, f.fi.Index, f.fs.cc)
		if err != nil {
			log.Warning("%s/%s: %s", f.snap, f.fi.Index, err)
			return nil, err
		}
		return &blobHandle{b: b}, nil
	}

	br, err := f.fs.ds.OpenArchive(f.snap, f.fi.Index, f.fs.cc)
	if err != nil {
		log.Warning("%s/%s: %s", f.snap, f.fi.Index, err)
		return nil, err
	}
	// Archives are only ever read, and through ReadAt, so the kernel may
	// cache their pages.
	resp.Flags |= fuse.OpenKeepCache
	return &archiveHandle{name: f.snap.String() + "/" + f.fi.Index, br: br}, nil
}

type blobHandle struct {
	b []byte
}

func (h *blobHandle) ReadAll(ctx context.Context) ([]byte, error) {
	return h.b, nil
}

type archiveHandle struct {
	name string
	br   *index.BufferedReader
}

func (h *archiveHandle) Read(ctx context.Context, req *fuse.ReadRequest,
	resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := h.br.ReadAt(buf, req.Offset)
	if err != nil && err != io.EOF {
		log.Warning("%s: read %d bytes at %d: %s", h.name, req.Size, req.Offset, err)
		return err
	}
	resp.Data = buf[:n]
	return nil
}

func (h *archiveHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return h.br.Close()
}
