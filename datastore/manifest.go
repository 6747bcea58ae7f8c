// datastore/manifest.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package datastore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/index"
	"github.com/pkg/errors"
)

// ManifestName is the name of the file that commits a snapshot.
const ManifestName = "manifest.json"

var (
	ErrMalformedManifest = errors.New("malformed manifest")
	ErrSignature         = errors.New("manifest signature mismatch")
	ErrNeedKey           = errors.New("manifest is signed with a key")
)

const (
	CryptNone    = "none"
	CryptEncrypt = "encrypt"
)

const (
	SignatureSHA256     = "sha256"
	SignatureHMACSHA256 = "hmac-sha256"
)

// FileInfo describes one archive stored in a snapshot.
type FileInfo struct {
	// Archive is the name without the index extension, e.g. "root.pxar".
	Archive string `json:"archive"`
	// Index is the name of the file in the snapshot directory.
	Index     string     `json:"filename"`
	Format    index.Kind `json:"format"`
	Size      uint64     `json:"size"`
	CryptMode string     `json:"crypt-mode"`
	// For indices, the checksum of the entry table; for blobs, the
	// SHA-256 of the blob file.
	Csum index.Csum `json:"csum"`
}

type VerifyState struct {
	State string    `json:"state"`
	Time  time.Time `json:"time"`
	// Number of problems found by the last verification.
	Errors int `json:"errors,omitempty"`
}

// Unprotected holds manifest fields that may change after the snapshot
// is committed and so aren't covered by the signature.
type Unprotected struct {
	VerifyState    *VerifyState `json:"verify-state,omitempty"`
	Notes          string       `json:"notes,omitempty"`
	KeyFingerprint string       `json:"key-fingerprint,omitempty"`
}

type Manifest struct {
	BackupType    BackupType        `json:"backup-type"`
	BackupID      string            `json:"backup-id"`
	BackupTime    int64             `json:"backup-time"`
	Namespace     string            `json:"namespace,omitempty"`
	Files         []FileInfo        `json:"files"`
	ClientMeta    map[string]string `json:"client-meta,omitempty"`
	Unprotected   Unprotected       `json:"unprotected"`
	SignatureKind string            `json:"signature-kind,omitempty"`
	Signature     string            `json:"signature,omitempty"`
}

// NewManifest returns an empty manifest for the given snapshot.
func NewManifest(snap Snapshot) *Manifest {
	return &Manifest{
		BackupType: snap.Type,
		BackupID:   snap.ID,
		BackupTime: snap.Time.Unix(),
		Namespace:  snap.NS.String(),
	}
}

// Snapshot returns the snapshot the manifest describes.
func (m *Manifest) Snapshot() (Snapshot, error) {
	ns, err := ParseNamespace(m.Namespace)
	if err != nil {
		return Snapshot{}, errors.Wrap(ErrMalformedManifest, err.Error())
	}
	g, err := NewGroup(ns, string(m.BackupType), m.BackupID)
	if err != nil {
		return Snapshot{}, errors.Wrap(ErrMalformedManifest, err.Error())
	}
	return NewSnapshot(g, time.Unix(m.BackupTime, 0)), nil
}

func (m *Manifest) AddFile(fi FileInfo) {
	m.Files = append(m.Files, fi)
}

// File returns the entry for the named file, which may be given either
// as the archive name or as the file name.
func (m *Manifest) File(name string) (FileInfo, bool) {
	for _, f := range m.Files {
		if f.Index == name || f.Archive == name {
			return f, true
		}
	}
	return FileInfo{}, false
}

// Validate checks that the manifest is self-consistent: a valid
// snapshot identity and uniquely named files whose names match their
// formats.
func (m *Manifest) Validate() error {
	if _, err := m.Snapshot(); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, f := range m.Files {
		k, err := index.KindFromName(f.Index)
		if err != nil {
			return errors.Wrapf(ErrMalformedManifest, "%s: %s", f.Index, err)
		}
		if k != f.Format {
			return errors.Wrapf(ErrMalformedManifest, "%s: format %s", f.Index, f.Format)
		}
		if f.Archive != index.ArchiveName(f.Index) {
			return errors.Wrapf(ErrMalformedManifest, "%s: archive name %q", f.Index,
				f.Archive)
		}
		if !validName(f.Index) {
			return errors.Wrapf(ErrMalformedManifest, "%q: invalid file name", f.Index)
		}
		if seen[f.Index] {
			return errors.Wrapf(ErrMalformedManifest, "%s: duplicate file", f.Index)
		}
		seen[f.Index] = true
		switch f.CryptMode {
		case CryptNone, CryptEncrypt:
		default:
			return errors.Wrapf(ErrMalformedManifest, "%s: crypt mode %q", f.Index,
				f.CryptMode)
		}
	}
	return nil
}

// signedBytes returns the canonical encoding that the signature covers:
// everything but the unprotected section and the signature itself.
func (m *Manifest) signedBytes() ([]byte, error) {
	c := *m
	c.Unprotected = Unprotected{}
	c.Signature = ""
	return json.Marshal(&c)
}

func (m *Manifest) computeSignature(kind string, cc *chunk.CryptConfig) ([]byte, error) {
	b, err := m.signedBytes()
	if err != nil {
		return nil, err
	}
	switch kind {
	case SignatureSHA256:
		s := sha256.Sum256(b)
		return s[:], nil
	case SignatureHMACSHA256:
		if cc == nil {
			return nil, ErrNeedKey
		}
		return cc.Sign(b), nil
	default:
		return nil, errors.Wrapf(ErrMalformedManifest, "%q: unknown signature kind", kind)
	}
}

// Seal signs the manifest: with an HMAC under cc if it's non-nil and
// with a plain SHA-256 otherwise.
func (m *Manifest) Seal(cc *chunk.CryptConfig) error {
	m.SignatureKind = SignatureSHA256
	if cc != nil {
		m.SignatureKind = SignatureHMACSHA256
		m.Unprotected.KeyFingerprint = cc.Fingerprint()
	}
	sig, err := m.computeSignature(m.SignatureKind, cc)
	if err != nil {
		return err
	}
	m.Signature = hex.EncodeToString(sig)
	return nil
}

// Verify checks the manifest's signature. HMAC signatures need the key
// and return ErrNeedKey if cc is nil.
func (m *Manifest) Verify(cc *chunk.CryptConfig) error {
	want, err := hex.DecodeString(m.Signature)
	if err != nil || m.Signature == "" {
		return errors.Wrap(ErrSignature, "missing or invalid signature")
	}
	got, err := m.computeSignature(m.SignatureKind, cc)
	if err != nil {
		return err
	}
	if !hmac.Equal(got, want) {
		return ErrSignature
	}
	return nil
}

func (m *Manifest) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func ParseManifest(b []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(ErrMalformedManifest, err.Error())
	}
	return &m, nil
}
