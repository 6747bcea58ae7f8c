// datastore/parity.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package datastore

import (
	"os"
	"path/filepath"

	"github.com/mmp/bkd/rdso"
)

// Parity files hold Reed-Solomon codes for a snapshot file, so that
// damage to indices and manifests can be repaired. Chunks aren't
// covered; they're replaced by uploading them again.
const (
	ParitySuffix   = ".rs"
	parityData     = 16
	parityShards   = 4
	parityHashRate = 1024
)

func encodeParity(fn string) error {
	return rdso.EncodeFile(fn, fn+ParitySuffix, parityData, parityShards, parityHashRate)
}

// HasParity reports whether the named snapshot file has a parity file.
func (ds *Datastore) HasParity(snap Snapshot, name string) bool {
	_, err := os.Stat(filepath.Join(ds.SnapshotPath(snap), name+ParitySuffix))
	return err == nil
}

// CheckParity verifies the named snapshot file against its parity
// file, returning an error matching rdso.ErrFileCorrupt if it's damaged.
func (ds *Datastore) CheckParity(snap Snapshot, name string) error {
	fn := filepath.Join(ds.SnapshotPath(snap), name)
	return rdso.CheckFile(fn, fn+ParitySuffix, log)
}

// RepairFile reconstructs a damaged snapshot file from its parity file.
func (ds *Datastore) RepairFile(snap Snapshot, name string) error {
	fn := filepath.Join(ds.SnapshotPath(snap), name)
	if err := rdso.RestoreFile(fn, fn+ParitySuffix, log); err != nil {
		return err
	}
	log.Print("%s/%s: repaired from parity", snap, name)
	return nil
}

// AddParity writes parity files for the snapshot's manifest and the
// files it lists that don't have one yet, returning how many it wrote.
func (ds *Datastore) AddParity(snap Snapshot) (int, error) {
	m, err := ds.LoadManifest(snap)
	if err != nil {
		return 0, err
	}
	names := []string{ManifestName}
	for _, f := range m.Files {
		names = append(names, f.Index)
	}

	n := 0
	for _, name := range names {
		if ds.HasParity(snap, name) {
			continue
		}
		if err := encodeParity(filepath.Join(ds.SnapshotPath(snap), name)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
