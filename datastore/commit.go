// datastore/commit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package datastore

import (
	"os"
	"path/filepath"

	"github.com/mmp/bkd/chunk"
	"github.com/pkg/errors"
)

// ScratchPath returns the directory in which the backup with the given id
// writes its files before they're committed.
func (ds *Datastore) ScratchPath(id string) string {
	return filepath.Join(ds.base, scratchDir, id)
}

// CreateScratch creates the scratch directory for a backup.
func (ds *Datastore) CreateScratch(id string) (string, error) {
	dir := ds.ScratchPath(id)
	if err := os.Mkdir(dir, 0750); err != nil {
		return "", errors.Wrapf(err, "%s", dir)
	}
	return dir, nil
}

func (ds *Datastore) RemoveScratch(id string) error {
	return os.RemoveAll(ds.ScratchPath(id))
}

// CleanScratch removes scratch directories left by backups whose writers
// are no longer live. It returns the number removed.
func (ds *Datastore) CleanScratch() (int, error) {
	ids, err := listDirs(filepath.Join(ds.base, scratchDir))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		live, err := ds.IsWriterLive(id)
		if err != nil {
			log.Warning("%s: %s", id, err)
			continue
		}
		if !live {
			if err := ds.RemoveScratch(id); err != nil {
				log.Warning("%s: %s", id, err)
				continue
			}
			n++
		}
	}
	return n, nil
}

// CommitSnapshot moves the named files from a backup's scratch directory
// into a new snapshot directory and then writes the sealed manifest,
// which is what makes the snapshot visible. The caller must hold the
// snapshot's lock. If anything fails, the partial snapshot directory is
// removed and the snapshot doesn't exist.
func (ds *Datastore) CommitSnapshot(snap Snapshot, scratchID string, m *Manifest,
	cc *chunk.CryptConfig) (err error) {
	if err := m.Validate(); err != nil {
		return err
	}
	if ms, err := m.Snapshot(); err != nil {
		return err
	} else if !ms.Equal(snap) {
		return errors.Wrapf(ErrMalformedManifest, "manifest is for %s, not %s", ms, snap)
	}

	dir := ds.SnapshotPath(snap)
	if err := ds.makeSnapshotDir(snap); err != nil {
		return err
	}
	defer func() {
		if err != nil && !errors.Is(err, ErrSnapshotExists) {
			if rerr := os.RemoveAll(dir); rerr != nil {
				log.Error("%s: %s", dir, rerr)
			}
		}
	}()

	scratch := ds.ScratchPath(scratchID)
	for _, f := range m.Files {
		dst := filepath.Join(dir, f.Index)
		if err := os.Rename(filepath.Join(scratch, f.Index), dst); err != nil {
			return errors.Wrapf(err, "%s", f.Index)
		}
		if ds.Parity {
			if err := encodeParity(dst); err != nil {
				return err
			}
		}
	}
	// Everything the manifest refers to must be durable before it is.
	if err := syncDir(dir); err != nil {
		return err
	}

	if err := m.Seal(cc); err != nil {
		return err
	}
	b, err := m.Marshal()
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, ManifestName+".tmp")
	if err := writeFileSync(tmp, b); err != nil {
		return err
	}
	if err := renameNoReplace(tmp, ds.manifestPath(snap)); err != nil {
		if os.IsExist(err) {
			return errors.Wrapf(ErrSnapshotExists, "%s", snap)
		}
		return err
	}
	if err := syncDir(dir); err != nil {
		return err
	}

	if ds.Parity {
		// The snapshot is committed; a missing parity file only loses
		// the ability to repair the manifest.
		if perr := encodeParity(ds.manifestPath(snap)); perr != nil {
			log.Warning("%s: %s", snap, perr)
		}
	}
	log.Verbose("%s: committed %d files", snap, len(m.Files))
	return nil
}

// makeSnapshotDir creates the directory for a new snapshot. A directory
// left behind by an earlier failed commit is replaced.
func (ds *Datastore) makeSnapshotDir(snap Snapshot) error {
	dir := ds.SnapshotPath(snap)
	for tries := 0; tries < 3; tries++ {
		if err := os.MkdirAll(filepath.Dir(dir), 0750); err != nil {
			return err
		}
		err := os.Mkdir(dir, 0750)
		switch {
		case err == nil:
			return nil
		case os.IsExist(err):
			if ds.IsCommitted(snap) {
				return errors.Wrapf(ErrSnapshotExists, "%s", snap)
			}
			log.Warning("%s: removing leftover snapshot directory", snap)
			if err := os.RemoveAll(dir); err != nil {
				return err
			}
		case os.IsNotExist(err):
			// The group directory was removed along with its last
			// snapshot; try again.
		default:
			return err
		}
	}
	return errors.Errorf("%s: unable to create snapshot directory", snap)
}
