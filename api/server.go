// api/server.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package api serves the backup protocol and datastore administration
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/mmp/bkd/backup"
	"github.com/mmp/bkd/chunk"
	"github.com/mmp/bkd/datastore"
	"github.com/mmp/bkd/gc"
	"github.com/mmp/bkd/index"
	u "github.com/mmp/bkd/util"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////

// Largest request body accepted for a chunk or blob upload.
const maxUploadSize = chunk.MaxChunkSize + 1024

type Options struct {
	GC gc.Options
	// Metrics are served from /metrics if set.
	Gatherer prometheus.Gatherer
}

type Server struct {
	router *mux.Router
	mgr    *backup.Manager
	ds     *datastore.Datastore
	opts   Options
}

func New(mgr *backup.Manager, opts Options) *Server {
	s := &Server{
		router: mux.NewRouter(),
		mgr:    mgr,
		ds:     mgr.Datastore(),
		opts:   opts,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(logRequests)

	r.HandleFunc("/api/backup", s.handleOpen).Methods(http.MethodPost)
	b := r.PathPrefix("/api/backup/{token}").Subrouter()
	b.HandleFunc("", s.handleAbort).Methods(http.MethodDelete)
	b.HandleFunc("/chunk/{digest}", s.handleChunkExists).Methods(http.MethodGet)
	b.HandleFunc("/chunk/{digest}", s.handleUploadChunk).Methods(http.MethodPost)
	b.HandleFunc("/index", s.handleCreateIndex).Methods(http.MethodPost)
	b.HandleFunc("/index/{wid:[0-9]+}", s.handleAppendIndex).Methods(http.MethodPut)
	b.HandleFunc("/index/{wid:[0-9]+}/close", s.handleCloseIndex).Methods(http.MethodPost)
	b.HandleFunc("/blob/{name}", s.handleUploadBlob).Methods(http.MethodPost)
	b.HandleFunc("/finish", s.handleFinish).Methods(http.MethodPost)

	r.HandleFunc("/api/gc", s.handleGC).Methods(http.MethodPost)
	r.HandleFunc("/api/gc", s.handleGCStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshots", s.handleSnapshots).Methods(http.MethodGet)

	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Verbose("%s: serving on %s", s.ds, addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("%s %s: %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

///////////////////////////////////////////////////////////////////////////
// Responses

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warning("writing response: %s", err)
	}
}

// statusFor maps an error to the HTTP status reported for it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, backup.ErrSessionConflict), errors.Is(err, gc.ErrAlreadyRunning),
		errors.Is(err, datastore.ErrSnapshotExists), errors.Is(err, datastore.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, backup.ErrNotOpen), errors.Is(err, datastore.ErrNoSnapshot):
		return http.StatusNotFound
	case errors.Is(err, backup.ErrMalformedManifest), errors.Is(err, backup.ErrUnknownChunk),
		errors.Is(err, backup.ErrUnknownWriter), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	if _, ok := chunk.IsIntegrityError(err); ok {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func badRequest(f string, args ...interface{}) error {
	return errors.Wrapf(errBadRequest, f, args...)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("%s %s: %s", r.Method, r.URL.Path, err)
	} else {
		log.Verbose("%s %s: %s", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("request body: %s", err)
	}
	return nil
}

func (s *Server) session(r *http.Request) (*backup.Session, error) {
	return s.mgr.Lookup(mux.Vars(r)["token"])
}

func pathDigest(r *http.Request) (chunk.Digest, error) {
	d, err := chunk.ParseDigest(mux.Vars(r)["digest"])
	if err != nil {
		return d, badRequest("%s", err)
	}
	return d, nil
}

func pathWID(r *http.Request) int {
	// The route only matches digits.
	wid, _ := strconv.Atoi(mux.Vars(r)["wid"])
	return wid
}

func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadSize))
	if err != nil {
		return nil, badRequest("reading upload: %s", err)
	}
	return b, nil
}

///////////////////////////////////////////////////////////////////////////
// Backup protocol

type SnapshotRef struct {
	Namespace string `json:"ns,omitempty"`
	Type      string `json:"backup-type"`
	ID        string `json:"backup-id"`
	Time      int64  `json:"backup-time"`
}

func (ref SnapshotRef) Snapshot() (datastore.Snapshot, error) {
	ns, err := datastore.ParseNamespace(ref.Namespace)
	if err != nil {
		return datastore.Snapshot{}, badRequest("%s", err)
	}
	g, err := datastore.NewGroup(ns, ref.Type, ref.ID)
	if err != nil {
		return datastore.Snapshot{}, badRequest("%s", err)
	}
	return datastore.NewSnapshot(g, time.Unix(ref.Time, 0)), nil
}

type OpenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var ref SnapshotRef
	if err := decodeBody(r, &ref); err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := ref.Snapshot()
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.mgr.Open(r.Context(), snap)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OpenResponse{Token: sess.Token()})
}

type ExistsResponse struct {
	Exists bool `json:"exists"`
}

func (s *Server) handleChunkExists(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := pathDigest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	exists, err := sess.ChunkExists(d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExistsResponse{Exists: exists})
}

// handleUploadChunk takes the encoded chunk as the body and its decoded
// size as the "size" query parameter.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := pathDigest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	size, err := strconv.ParseUint(r.URL.Query().Get("size"), 10, 64)
	if err != nil {
		writeError(w, r, badRequest("size: %s", err))
		return
	}
	b, err := readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := sess.UploadChunk(d, size, chunk.Encoded(b)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type CreateIndexRequest struct {
	Archive   string     `json:"archive"`
	Kind      index.Kind `json:"kind"`
	ChunkSize uint64     `json:"chunk-size,omitempty"`
}

type CreateIndexResponse struct {
	WID int `json:"wid"`
}

func (s *Server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req CreateIndexRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	wid, err := sess.CreateIndex(req.Archive, req.Kind, req.ChunkSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CreateIndexResponse{WID: wid})
}

type IndexEntry struct {
	Digest chunk.Digest `json:"digest"`
	Size   uint64       `json:"size"`
}

type AppendIndexRequest struct {
	Entries []IndexEntry `json:"entries"`
}

func (s *Server) handleAppendIndex(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req AppendIndexRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	wid := pathWID(r)
	for _, e := range req.Entries {
		if err := sess.AppendIndex(wid, e.Digest, e.Size); err != nil {
			writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

type CloseIndexRequest struct {
	Count int        `json:"chunk-count"`
	Size  uint64     `json:"size"`
	Csum  index.Csum `json:"csum"`
}

func (s *Server) handleCloseIndex(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req CloseIndexRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	fi, err := sess.CloseIndex(pathWID(r), req.Count, req.Size, req.Csum)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fi)
}

func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	fi, err := sess.UploadBlob(mux.Vars(r)["name"], chunk.Encoded(b))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fi)
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeError(w, r, badRequest("%s", err))
		return
	}
	m, err := datastore.ParseManifest(b)
	if err != nil {
		// A malformed manifest fails the session like any other bad
		// request within it.
		sess.Abort(err)
		writeError(w, r, err)
		return
	}
	if err := sess.Finish(m); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotRef{
		Namespace: m.Namespace,
		Type:      string(m.BackupType),
		ID:        m.BackupID,
		Time:      m.BackupTime,
	})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := sess.Abort(nil); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

///////////////////////////////////////////////////////////////////////////
// Administration

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	report, err := gc.Run(r.Context(), s.ds, s.opts.GC)
	if err != nil {
		if report == nil {
			writeError(w, r, err)
			return
		}
		log.Error("%s: gc: %s", s.ds, err)
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGCStatus(w http.ResponseWriter, r *http.Request) {
	report, err := gc.LastStatus(s.ds)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = errors.Wrap(datastore.ErrNoSnapshot, "no garbage collection has run")
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type SnapshotInfo struct {
	Snapshot    string                 `json:"snapshot"`
	Files       []datastore.FileInfo   `json:"files"`
	VerifyState *datastore.VerifyState `json:"verify-state,omitempty"`
	Notes       string                 `json:"notes,omitempty"`
}

// handleSnapshots lists the committed snapshots in the namespace given
// by the "ns" query parameter and, with "recursive=1", its children.
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	ns, err := datastore.ParseNamespace(r.URL.Query().Get("ns"))
	if err != nil {
		writeError(w, r, badRequest("%s", err))
		return
	}
	namespaces := []datastore.Namespace{ns}
	if r.URL.Query().Get("recursive") == "1" {
		all, err := s.ds.AllNamespaces()
		if err != nil {
			writeError(w, r, err)
			return
		}
		namespaces = namespaces[:0]
		for _, n := range all {
			if len(n) >= len(ns) && n[:len(ns)].Equal(ns) {
				namespaces = append(namespaces, n)
			}
		}
	}

	infos := []SnapshotInfo{}
	for _, n := range namespaces {
		groups, err := s.ds.ListGroups(n)
		if err != nil {
			writeError(w, r, err)
			return
		}
		for _, g := range groups {
			snaps, err := s.ds.ListSnapshots(g)
			if err != nil {
				writeError(w, r, err)
				return
			}
			for _, snap := range snaps {
				m, err := s.ds.LoadManifest(snap)
				if errors.Is(err, datastore.ErrNoSnapshot) {
					continue
				} else if err != nil {
					writeError(w, r, err)
					return
				}
				infos = append(infos, SnapshotInfo{
					Snapshot:    snap.String(),
					Files:       m.Files,
					VerifyState: m.Unprotected.VerifyState,
					Notes:       m.Unprotected.Notes,
				})
			}
		}
	}
	writeJSON(w, http.StatusOK, infos)
}
