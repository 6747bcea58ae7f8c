// datastore/datastore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package datastore manages the namespace of a backup datastore: the
// hierarchy of namespaces, backup groups and snapshots that reference the
// chunks in its chunk store, along with the file locks and writer
// markers that coordinate backups with garbage collection.
//
// A datastore directory holds:
//
//	.chunks/           the chunk store
//	.locks/            per-snapshot lock files
//	.writers/          markers of active writers
//	.scratch/<id>/     files of backups in progress
//	.gc.lock           garbage collection lock
//	.gc-status.json    report of the last garbage collection
//	[ns/<name>/]...<type>/<id>/<time>/   snapshots
package datastore

import (
	"crypto/sha256"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/index"
	"github.com/mmp/bkd/storage"
	u "github.com/mmp/bkd/util"
	"github.com/pkg/errors"
	"github.com/rs/xid"
)

var (
	ErrNotDatastore   = errors.New("not a datastore")
	ErrNoSnapshot     = errors.New("snapshot not found")
	ErrSnapshotExists = errors.New("snapshot already exists")
)

const (
	scratchDir   = ".scratch"
	gcStatusName = ".gc-status.json"
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

// Datastore is a chunk store together with the snapshots that refer to
// its chunks.
type Datastore struct {
	name     string
	base     string
	cs       *storage.ChunkStore
	registry *Registry

	// Parity, if set, makes CommitSnapshot write Reed-Solomon parity
	// files alongside a snapshot's indices and manifest.
	Parity bool
}

// Create initializes a new datastore in base, which may exist but must
// not already hold a chunk store.
func Create(name, base string) (*Datastore, error) {
	if err := os.MkdirAll(base, 0750); err != nil {
		return nil, err
	}
	if _, err := storage.CreateChunkStore(name, base); err != nil {
		return nil, err
	}
	for _, d := range []string{locksDir, writersDir, scratchDir} {
		if err := os.Mkdir(filepath.Join(base, d), 0750); err != nil && !os.IsExist(err) {
			return nil, err
		}
	}
	return Open(name, base)
}

func Open(name, base string) (*Datastore, error) {
	cs, err := storage.OpenChunkStore(name, base)
	if err != nil {
		return nil, errors.Wrap(ErrNotDatastore, err.Error())
	}
	for _, d := range []string{locksDir, writersDir, scratchDir} {
		if err := os.MkdirAll(filepath.Join(base, d), 0750); err != nil {
			return nil, err
		}
	}
	return &Datastore{
		name:     name,
		base:     base,
		cs:       cs,
		registry: NewRegistry(),
	}, nil
}

func (ds *Datastore) Name() string                    { return ds.name }
func (ds *Datastore) Path() string                    { return ds.base }
func (ds *Datastore) ChunkStore() *storage.ChunkStore { return ds.cs }
func (ds *Datastore) Registry() *Registry             { return ds.registry }

func (ds *Datastore) String() string {
	return "datastore " + ds.name + ": " + ds.base
}

// SnapshotPath returns the absolute path of the snapshot's directory.
func (ds *Datastore) SnapshotPath(snap Snapshot) string {
	return filepath.Join(ds.base, filepath.FromSlash(snap.RelPath()))
}

func (ds *Datastore) manifestPath(snap Snapshot) string {
	return filepath.Join(ds.SnapshotPath(snap), ManifestName)
}

///////////////////////////////////////////////////////////////////////////
// Listing

func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ListNamespaces returns the namespaces directly below ns.
func (ds *Datastore) ListNamespaces(ns Namespace) ([]Namespace, error) {
	if len(ns) >= MaxNamespaceDepth {
		return nil, nil
	}
	names, err := listDirs(filepath.Join(ds.base, ns.Path(), "ns"))
	if err != nil {
		return nil, err
	}
	var r []Namespace
	for _, n := range names {
		if validName(n) {
			r = append(r, ns.Child(n))
		}
	}
	return r, nil
}

// AllNamespaces returns the root namespace and all the namespaces below
// it.
func (ds *Datastore) AllNamespaces() ([]Namespace, error) {
	all := []Namespace{nil}
	for i := 0; i < len(all); i++ {
		children, err := ds.ListNamespaces(all[i])
		if err != nil {
			return nil, err
		}
		all = append(all, children...)
	}
	return all, nil
}

// CreateNamespace creates the directory for ns and its parents.
func (ds *Datastore) CreateNamespace(ns Namespace) error {
	return os.MkdirAll(filepath.Join(ds.base, ns.Path()), 0750)
}

// ListGroups returns the backup groups in the namespace.
func (ds *Datastore) ListGroups(ns Namespace) ([]Group, error) {
	var groups []Group
	for _, t := range backupTypes {
		ids, err := listDirs(filepath.Join(ds.base, ns.Path(), string(t)))
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if g, err := NewGroup(ns, string(t), id); err == nil {
				groups = append(groups, g)
			}
		}
	}
	return groups, nil
}

// ListSnapshots returns the committed snapshots of the group, oldest
// first. Directories without a manifest belong to backups that are in
// progress or failed and aren't included.
func (ds *Datastore) ListSnapshots(g Group) ([]Snapshot, error) {
	names, err := listDirs(filepath.Join(ds.base, g.RelPath()))
	if err != nil {
		return nil, err
	}
	var snaps []Snapshot
	for _, n := range names {
		t, err := time.Parse(SnapshotTimeFormat, n)
		if err != nil {
			continue
		}
		snap := NewSnapshot(g, t)
		if _, err := os.Stat(ds.manifestPath(snap)); err == nil {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Time.Before(snaps[j].Time) })
	return snaps, nil
}

// AllSnapshots returns every committed snapshot in the datastore.
func (ds *Datastore) AllSnapshots() ([]Snapshot, error) {
	nss, err := ds.AllNamespaces()
	if err != nil {
		return nil, err
	}
	var all []Snapshot
	for _, ns := range nss {
		groups, err := ds.ListGroups(ns)
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			snaps, err := ds.ListSnapshots(g)
			if err != nil {
				return nil, err
			}
			all = append(all, snaps...)
		}
	}
	return all, nil
}

// IsCommitted reports whether the snapshot has a manifest.
func (ds *Datastore) IsCommitted(snap Snapshot) bool {
	_, err := os.Stat(ds.manifestPath(snap))
	return err == nil
}

///////////////////////////////////////////////////////////////////////////
// Snapshot contents

func (ds *Datastore) LoadManifest(snap Snapshot) (*Manifest, error) {
	b, err := os.ReadFile(ds.manifestPath(snap))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNoSnapshot, "%s", snap)
	} else if err != nil {
		return nil, err
	}
	m, err := ParseManifest(b)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", snap)
	}
	return m, nil
}

// UpdateVerifyState records the result of verifying a snapshot in the
// unprotected part of its manifest.
func (ds *Datastore) UpdateVerifyState(snap Snapshot, state VerifyState) error {
	return ds.updateUnprotected(snap, func(up *Unprotected) {
		up.VerifyState = &state
	})
}

// SetNotes sets the free-form notes of a snapshot.
func (ds *Datastore) SetNotes(snap Snapshot, notes string) error {
	return ds.updateUnprotected(snap, func(up *Unprotected) {
		up.Notes = notes
	})
}

func (ds *Datastore) updateUnprotected(snap Snapshot, f func(*Unprotected)) error {
	lock, err := ds.LockManifest(snap)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	m, err := ds.LoadManifest(snap)
	if err != nil {
		return err
	}
	f(&m.Unprotected)
	b, err := m.Marshal()
	if err != nil {
		return err
	}
	path := ds.manifestPath(snap)
	tmp := path + "." + xid.New().String() + ".tmp"
	if err := writeFileSync(tmp, b); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	// An existing parity file must be kept up to date even if parity is
	// no longer enabled, since it would otherwise undo the update.
	if _, err := os.Stat(path + ParitySuffix); err == nil || ds.Parity {
		return encodeParity(path)
	}
	return nil
}

// OpenIndex opens the named fixed or dynamic index of a snapshot.
func (ds *Datastore) OpenIndex(snap Snapshot, name string) (*index.Reader, error) {
	return index.Open(filepath.Join(ds.SnapshotPath(snap), name))
}

// ReadBlob returns the decoded contents of the named blob of a snapshot.
func (ds *Datastore) ReadBlob(snap Snapshot, name string, cc *chunk.CryptConfig) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(ds.SnapshotPath(snap), name))
	if err != nil {
		return nil, err
	}
	if err := chunk.Encoded(b).VerifyCRC(); err != nil {
		return nil, errors.Wrapf(err, "%s/%s", snap, name)
	}
	return chunk.Decode(chunk.Encoded(b), cc, nil)
}

// BlobCsum returns the checksum recorded in manifests for blob contents.
func BlobCsum(b []byte) index.Csum {
	return index.Csum(sha256.Sum256(b))
}

// RemoveSnapshot deletes a snapshot, and its group if it was the group's
// last one. The chunks it referenced are left for garbage collection.
func (ds *Datastore) RemoveSnapshot(snap Snapshot) error {
	lock, err := ds.LockSnapshot(snap)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	mlock, err := ds.LockManifest(snap)
	if err != nil {
		return err
	}
	defer mlock.Unlock()

	dir := ds.SnapshotPath(snap)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return errors.Wrapf(ErrNoSnapshot, "%s", snap)
	}
	// Remove the manifest first so the snapshot stops being listed even
	// if removing the rest fails partway through.
	if err := os.Remove(ds.manifestPath(snap)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	log.Verbose("%s: removed snapshot", snap)

	// This fails harmlessly if the group has other snapshots or one is
	// being created.
	os.Remove(filepath.Join(ds.base, snap.Group.RelPath()))
	return nil
}

///////////////////////////////////////////////////////////////////////////
// GC status

// SaveGCStatus stores the JSON encoding of v as the garbage collection
// status.
func (ds *Datastore) SaveGCStatus(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(ds.base, gcStatusName)
	if err := writeFileSync(path+".tmp", b); err != nil {
		return err
	}
	return os.Rename(path+".tmp", path)
}

// LoadGCStatus decodes the last saved status into v. It returns an
// error satisfying os.IsNotExist if garbage collection has never run.
func (ds *Datastore) LoadGCStatus(v interface{}) error {
	b, err := os.ReadFile(filepath.Join(ds.base, gcStatusName))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

///////////////////////////////////////////////////////////////////////////
// Utilities

func writeFileSync(fn string, b []byte) error {
	f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(fn)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(fn)
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
