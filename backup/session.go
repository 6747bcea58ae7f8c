// backup/session.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/index"
	"github.com/pkg/errors"
)

type State int

const (
	Opened State = iota
	Uploading
	Finalizing
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Opened:
		return "opened"
	case Uploading:
		return "uploading"
	case Finalizing:
		return "finalizing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Stats counts the work done by a session.
type Stats struct {
	ChunksUploaded int64
	ChunksKnown    int64
	BytesUploaded  int64
	IndexEntries   int64
}

type indexWriter struct {
	mu      sync.Mutex
	archive string
	name    string
	w       *index.Writer
}

type closedFile struct {
	kind  index.Kind
	size  uint64
	csum  index.Csum
	count int
}

// Session is one client's backup of one snapshot. Its methods may be
// called concurrently. Any operation that fails aborts the session.
type Session struct {
	m       *Manager
	token   string
	snap    datastore.Snapshot
	started time.Time

	lock    *datastore.Lock
	marker  *datastore.WriterMarker
	scratch string

	// Operations hold opMu shared; Finish and Abort hold it exclusively,
	// so the session's files and locks outlive every operation that uses
	// them.
	opMu sync.RWMutex

	mu         sync.Mutex
	state      State
	reason     error
	inflight   int
	lastActive time.Time
	known      map[chunk.Digest]struct{}
	writers    map[int]*indexWriter
	nextWID    int
	files      map[string]closedFile
	stats      Stats
}

func (s *Session) Token() string                { return s.token }
func (s *Session) Snapshot() datastore.Snapshot { return s.snap }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the reason the session was aborted, if it was.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// acquire takes the snapshot lock and registers the session as a chunk
// writer. The writer marker must exist before any chunk is inserted or
// touched.
func (s *Session) acquire() error {
	ds := s.m.ds
	var err error
	if s.lock, err = ds.LockSnapshot(s.snap); err != nil {
		if errors.Is(err, datastore.ErrLocked) {
			return errors.Wrap(ErrSessionConflict, err.Error())
		}
		return err
	}
	// It may have been committed by a session that held the lock.
	if ds.IsCommitted(s.snap) {
		return errors.Wrapf(ErrSessionConflict, "%s: snapshot exists", s.snap)
	}
	if s.marker, err = ds.RegisterWriter(s.token); err != nil {
		return err
	}
	s.scratch, err = ds.CreateScratch(s.token)
	return err
}

// release frees everything acquire and the session's operations
// acquired. Chunks already inserted stay in the store.
func (s *Session) release() {
	ds := s.m.ds
	for _, iw := range s.writers {
		iw.w.Abort()
	}
	s.writers = nil
	if s.scratch != "" {
		if err := ds.RemoveScratch(s.token); err != nil {
			log.Warning("%s: %s", s.scratch, err)
		}
	}
	if err := s.marker.Close(); err != nil {
		log.Warning("%s: writer marker: %s", s.token, err)
	}
	if err := s.lock.Unlock(); err != nil {
		log.Warning("%s: unlock: %s", s.snap, err)
	}
	ds.Registry().ReleaseSnapshot(s.snap, s.token)
	s.m.remove(s.token)
}

func (s *Session) protocolError(op string, err error) error {
	return &ProtocolError{Op: op, Token: s.token, Err: err}
}

// do runs an operation of an open session. If it fails, the session is
// aborted.
func (s *Session) do(op string, f func() error) error {
	s.opMu.RLock()
	s.mu.Lock()
	if s.state != Opened && s.state != Uploading {
		err := ErrNotOpen
		if s.reason != nil {
			err = errors.Wrap(ErrNotOpen, s.reason.Error())
		}
		s.mu.Unlock()
		s.opMu.RUnlock()
		return s.protocolError(op, err)
	}
	s.state = Uploading
	s.inflight++
	s.mu.Unlock()

	err := f()

	s.mu.Lock()
	s.inflight--
	s.lastActive = time.Now()
	s.mu.Unlock()
	s.opMu.RUnlock()

	if err != nil {
		s.abort(err)
		return s.protocolError(op, err)
	}
	return nil
}

func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return 0
	}
	return now.Sub(s.lastActive)
}

func (s *Session) addKnown(d chunk.Digest) {
	s.mu.Lock()
	s.known[d] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) isKnown(d chunk.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.known[d]
	return ok
}

///////////////////////////////////////////////////////////////////////////
// Chunks

// ChunkExists reports whether the chunk is already stored, in which case
// it needn't be uploaded and may be referenced by the session's indices.
func (s *Session) ChunkExists(d chunk.Digest) (bool, error) {
	var exists bool
	err := s.do("chunk exists", func() error {
		var err error
		exists, err = s.m.ds.ChunkStore().TouchIfExists(d)
		if exists {
			s.addKnown(d)
			s.mu.Lock()
			s.stats.ChunksKnown++
			s.mu.Unlock()
		}
		return err
	})
	return exists, err
}

// UploadChunk stores an encoded chunk. Unencrypted chunks are decoded
// and their digest checked; for encrypted ones only the checksum and
// size can be checked without the key.
func (s *Session) UploadChunk(d chunk.Digest, size uint64, enc chunk.Encoded) error {
	return s.do("upload chunk", func() error {
		if err := chunk.CheckUpload(enc, d, size); err != nil {
			return errors.Wrapf(err, "chunk %s", d)
		}
		existed, n, err := s.m.ds.ChunkStore().Insert(d, enc)
		if err != nil {
			return err
		}
		s.addKnown(d)
		s.mu.Lock()
		if existed {
			s.stats.ChunksKnown++
		} else {
			s.stats.ChunksUploaded++
			s.stats.BytesUploaded += n
		}
		s.mu.Unlock()
		return nil
	})
}

///////////////////////////////////////////////////////////////////////////
// Indices

// CreateIndex starts a fixed or dynamic index for the named archive,
// returning the writer id to use for appending to it.
func (s *Session) CreateIndex(archive string, kind index.Kind, chunkSize uint64) (int, error) {
	var wid int
	err := s.do("create index", func() error {
		name, err := s.fileName(archive, kind)
		if err != nil {
			return err
		}
		path := filepath.Join(s.scratch, name)
		var w *index.Writer
		switch kind {
		case index.Fixed:
			w, err = index.NewFixedWriter(path, chunkSize)
		case index.Dynamic:
			w, err = index.NewDynamicWriter(path)
		default:
			return errors.Errorf("%s: can't create a %s index", archive, kind)
		}
		if err != nil {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.nameInUse(name) {
			w.Abort()
			return errors.Errorf("%s: archive already exists", name)
		}
		s.nextWID++
		wid = s.nextWID
		s.writers[wid] = &indexWriter{archive: index.ArchiveName(name), name: name, w: w}
		return nil
	})
	return wid, err
}

// fileName returns the name of the file in the snapshot that holds the
// given archive.
func (s *Session) fileName(archive string, kind index.Kind) (string, error) {
	name := archive
	if index.ArchiveName(archive) == archive {
		name += kind.Extension()
	}
	k, err := index.KindFromName(name)
	if err != nil {
		return "", err
	}
	if k != kind || filepath.Base(name) != name || name[0] == '.' ||
		name == datastore.ManifestName {
		return "", errors.Errorf("%q: invalid %s archive name", archive, kind)
	}
	return name, nil
}

// nameInUse must be called with s.mu held.
func (s *Session) nameInUse(name string) bool {
	if _, ok := s.files[name]; ok {
		return true
	}
	for _, iw := range s.writers {
		if iw.name == name {
			return true
		}
	}
	return false
}

func (s *Session) writer(wid int) (*indexWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iw, ok := s.writers[wid]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownWriter, "%d", wid)
	}
	return iw, nil
}

// AppendIndex adds the next chunk of an index. The chunk must have been
// uploaded or found present during this session, or be present now.
func (s *Session) AppendIndex(wid int, d chunk.Digest, size uint64) error {
	return s.do("append index", func() error {
		iw, err := s.writer(wid)
		if err != nil {
			return err
		}
		if !s.isKnown(d) {
			ok, err := s.m.ds.ChunkStore().TouchIfExists(d)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Wrapf(ErrUnknownChunk, "%s", d)
			}
			s.addKnown(d)
		}

		iw.mu.Lock()
		err = iw.w.Append(d, size)
		iw.mu.Unlock()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.stats.IndexEntries++
		s.mu.Unlock()
		return nil
	})
}

// CloseIndex finishes an index. The client's count of entries, total size
// and checksum of the entries must match what was written.
func (s *Session) CloseIndex(wid int, count int, size uint64, csum index.Csum) (datastore.FileInfo, error) {
	var fi datastore.FileInfo
	err := s.do("close index", func() error {
		iw, err := s.writer(wid)
		if err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.writers, wid)
		s.mu.Unlock()

		iw.mu.Lock()
		defer iw.mu.Unlock()
		if iw.w.Count() != count || iw.w.Csum() != csum {
			iw.w.Abort()
			return errors.Errorf("%s: client has %d entries (%s), server %d (%s)",
				iw.name, count, csum, iw.w.Count(), iw.w.Csum())
		}
		info, err := iw.w.Finish(size)
		if err != nil {
			iw.w.Abort()
			return err
		}

		s.mu.Lock()
		s.files[iw.name] = closedFile{kind: info.Kind, size: info.Size, csum: info.Csum,
			count: info.Count}
		s.mu.Unlock()
		fi = datastore.FileInfo{
			Archive:   iw.archive,
			Index:     iw.name,
			Format:    info.Kind,
			Size:      info.Size,
			CryptMode: datastore.CryptNone,
			Csum:      info.Csum,
		}
		return nil
	})
	return fi, err
}

///////////////////////////////////////////////////////////////////////////
// Blobs

// UploadBlob stores a small file, such as a client log, in the
// snapshot. The blob is in the chunk encoding.
func (s *Session) UploadBlob(archive string, enc chunk.Encoded) (datastore.FileInfo, error) {
	var fi datastore.FileInfo
	err := s.do("upload blob", func() error {
		name, err := s.fileName(archive, index.Blob)
		if err != nil {
			return err
		}
		if err := enc.VerifyCRC(); err != nil {
			return err
		}
		if !enc.IsEncrypted() {
			if _, err := chunk.Decode(enc, nil, nil); err != nil {
				return err
			}
		}

		s.mu.Lock()
		inUse := s.nameInUse(name)
		if !inUse {
			s.files[name] = closedFile{kind: index.Blob}
		}
		s.mu.Unlock()
		if inUse {
			return errors.Errorf("%s: archive already exists", name)
		}

		if err := writeFileSync(filepath.Join(s.scratch, name), enc); err != nil {
			return err
		}
		cf := closedFile{kind: index.Blob, size: enc.Size(), csum: datastore.BlobCsum(enc)}
		s.mu.Lock()
		s.files[name] = cf
		s.mu.Unlock()

		fi = datastore.FileInfo{
			Archive:   index.ArchiveName(name),
			Index:     name,
			Format:    index.Blob,
			Size:      cf.size,
			CryptMode: datastore.CryptNone,
			Csum:      cf.csum,
		}
		if enc.IsEncrypted() {
			fi.CryptMode = datastore.CryptEncrypt
		}
		return nil
	})
	return fi, err
}

func writeFileSync(fn string, b []byte) error {
	f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

///////////////////////////////////////////////////////////////////////////
// Finishing

// Finish commits the snapshot described by the manifest, which must list
// exactly the indices and blobs the session wrote. Whether or not it
// succeeds, the session is over afterward.
func (s *Session) Finish(m *datastore.Manifest) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != Opened && s.state != Uploading {
		s.mu.Unlock()
		return s.protocolError("finish", ErrNotOpen)
	}
	s.state = Finalizing
	s.mu.Unlock()

	err := s.checkManifest(m)
	if err == nil {
		err = s.m.ds.CommitSnapshot(s.snap, s.token, m, s.m.opts.CryptConfig)
	}
	if err != nil {
		s.abortLocked(err)
		return s.protocolError("finish", err)
	}

	s.m.remove(s.token)
	s.mu.Lock()
	s.state = Committed
	st := s.stats
	s.mu.Unlock()
	s.release()
	s.m.opts.Metrics.SessionClosed("committed")
	log.Verbose("%s: committed; %d chunks uploaded (%d bytes), %d already present",
		s.snap, st.ChunksUploaded, st.BytesUploaded, st.ChunksKnown)
	return nil
}

func (s *Session) checkManifest(m *datastore.Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	ms, err := m.Snapshot()
	if err != nil {
		return err
	}
	if !ms.Equal(s.snap) {
		return errors.Wrapf(ErrMalformedManifest, "manifest is for %s, session for %s",
			ms, s.snap)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.writers) > 0 {
		return errors.Wrapf(ErrMalformedManifest, "%d indices not closed", len(s.writers))
	}
	if len(m.Files) != len(s.files) {
		return errors.Wrapf(ErrMalformedManifest, "manifest lists %d files, session wrote %d",
			len(m.Files), len(s.files))
	}
	for _, f := range m.Files {
		cf, ok := s.files[f.Index]
		if !ok {
			return errors.Wrapf(ErrMalformedManifest, "%s: not written", f.Index)
		}
		if cf.kind != f.Format || cf.size != f.Size || cf.csum != f.Csum {
			return errors.Wrapf(ErrMalformedManifest, "%s: doesn't match what was written",
				f.Index)
		}
	}
	return nil
}

// Abort ends the session without creating the snapshot. Aborting an
// aborted session does nothing.
func (s *Session) Abort(reason error) error {
	if reason == nil {
		reason = ErrAborted
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.State() == Committed {
		return s.protocolError("abort", ErrNotOpen)
	}
	s.abortLocked(reason)
	return nil
}

func (s *Session) abort(reason error) {
	s.opMu.Lock()
	s.abortLocked(reason)
	s.opMu.Unlock()
}

// abortLocked must be called with opMu held exclusively.
func (s *Session) abortLocked(reason error) {
	s.mu.Lock()
	if s.state == Committed || s.state == Aborted {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// Unreachable by token before it's seen as aborted.
	s.m.remove(s.token)
	s.mu.Lock()
	s.state = Aborted
	s.reason = reason
	s.mu.Unlock()

	s.release()
	s.m.opts.Metrics.SessionClosed("aborted")
	log.Verbose("%s: session %s aborted: %s", s.snap, s.token, reason)
}
