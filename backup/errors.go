// backup/errors.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"github.com/mmp/bkd/datastore"
	"github.com/pkg/errors"
)

var (
	ErrSessionConflict   = errors.New("snapshot is already being written or exists")
	ErrNotOpen           = errors.New("session is not open")
	ErrMalformedManifest = datastore.ErrMalformedManifest
	ErrUnknownChunk      = errors.New("chunk is neither uploaded nor present")
	ErrUnknownWriter     = errors.New("unknown index writer")
	ErrIdleTimeout       = errors.New("session idle timeout")
	ErrAborted           = errors.New("session aborted by client")
	ErrClosed            = errors.New("backup manager is closed")
)

// ProtocolError reports a failed session operation. Other than when the
// session was no longer open, the session has been aborted.
type ProtocolError struct {
	Op    string
	Token string
	Err   error
}

func (e *ProtocolError) Error() string {
	return "session " + e.Token + ": " + e.Op + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }
