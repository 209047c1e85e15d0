package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"example.com/slotpack/internal/codec"
	"example.com/slotpack/internal/common"
	"example.com/slotpack/internal/extract"
	"example.com/slotpack/internal/manifest"
	"example.com/slotpack/internal/repack"
	"example.com/slotpack/internal/report"
	"example.com/slotpack/internal/session"
)

// liveSession is a session opened through the API. mu serialises artifact
// replacement, preflight and repack for that session.
type liveSession struct {
	mu       sync.Mutex
	id       string
	sess     *session.Session
	failures []extract.BlockFailure
	outDirs  []string
}

type sessionView struct {
	ID         string                 `json:"id"`
	BaseFile   string                 `json:"baseFile"`
	BaseSha256 string                 `json:"baseSha256"`
	Manifest   manifest.Manifest      `json:"manifest"`
	Failures   []extract.BlockFailure `json:"failures,omitempty"`
}

type runResponse struct {
	Report    report.Report `json:"report"`
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
}

func (s *Server) getSession(id string) (*liveSession, bool) {
	s.sessMu.RLock()
	ls, ok := s.sessions[id]
	s.sessMu.RUnlock()
	return ls, ok
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stream := r.URL.Query().Get("stream") == "true"
	r.Body = http.MaxBytesReader(w, r.Body, s.uploadLimit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("parse multipart: %v", err), http.StatusBadRequest)
		return
	}
	_, fh, err := r.FormFile("base")
	if err != nil {
		http.Error(w, "multipart field \"base\" required", http.StatusBadRequest)
		return
	}
	basePath, err := s.saveUploadedBase(fh)
	if err != nil {
		http.Error(w, fmt.Sprintf("save upload %s: %v", fh.Filename, err), http.StatusBadRequest)
		return
	}
	// Each session owns its work root, so two uploads of the same save
	// never share artifacts.
	id := randomID()
	sess, err := session.New(basePath, filepath.Join(s.sessionsDir, id))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ls := &liveSession{id: id, sess: sess}

	var events *extractStream
	opts := extract.Options{}
	if stream {
		events = newExtractStream(w)
		opts.OnBlock = func(ev extract.Event) { _ = events.block(ev) }
	}
	res, err := sess.Extract(r.Context(), opts)
	if err != nil {
		common.Warnf("session %s: extraction failed: %v", ls.id, err)
		_ = os.RemoveAll(filepath.Dir(sess.WorkDir))
		_ = os.RemoveAll(filepath.Dir(basePath))
		if stream {
			_ = events.fail(err)
			return
		}
		http.Error(w, fmt.Sprintf("extract: %v", err), http.StatusUnprocessableEntity)
		return
	}
	ls.failures = res.Failures
	s.sessMu.Lock()
	s.sessions[ls.id] = ls
	s.sessMu.Unlock()
	common.Logf("session %s opened for %s (%d blocks)", ls.id, fh.Filename, len(res.Manifest.Blocks))

	view := sessionView{ID: ls.id, BaseFile: fh.Filename, BaseSha256: sess.BaseHash, Manifest: res.Manifest, Failures: res.Failures}
	if stream {
		_ = events.done(view)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// handleSession dispatches /sessions/{id}[/blocks/{index}|/preflight|/repack].
// DELETE /sessions/{id} discards the session and every file it produced.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 3 {
		http.NotFound(w, r)
		return
	}
	ls, ok := s.getSession(parts[0])
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.handleDeleteSession(w, ls)
	case len(parts) == 1:
		s.handleSessionInfo(w, r, ls)
	case len(parts) == 3 && parts[1] == "blocks":
		index, err := strconv.Atoi(parts[2])
		if err != nil {
			http.Error(w, "block index must be an integer", http.StatusBadRequest)
			return
		}
		s.handleBlock(w, r, ls, index)
	case len(parts) == 2 && parts[1] == "preflight":
		s.handlePreflight(w, r, ls)
	case len(parts) == 2 && parts[1] == "repack":
		s.handleRepack(w, r, ls)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request, ls *liveSession) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m, err := ls.sess.Manifest()
	if err != nil {
		http.Error(w, fmt.Sprintf("load manifest: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sessionView{
		ID:         ls.id,
		BaseFile:   filepath.Base(ls.sess.BasePath),
		BaseSha256: ls.sess.BaseHash,
		Manifest:   m,
		Failures:   ls.failures,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, ls *liveSession) {
	s.sessMu.Lock()
	delete(s.sessions, ls.id)
	s.sessMu.Unlock()

	ls.mu.Lock()
	defer ls.mu.Unlock()
	dropped := s.artifacts.dropOwner(ls.id)
	dirs := append([]string{filepath.Dir(ls.sess.WorkDir), filepath.Dir(ls.sess.BasePath)}, ls.outDirs...)
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			common.Warnf("session %s: remove %s: %v", ls.id, dir, err)
		}
	}
	common.Logf("session %s closed (%d artifact(s) dropped)", ls.id, len(dropped))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request, ls *liveSession, index int) {
	if r.Method != http.MethodGet && r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m, err := ls.sess.Manifest()
	if err != nil {
		http.Error(w, fmt.Sprintf("load manifest: %v", err), http.StatusInternalServerError)
		return
	}
	b, ok := m.Block(index)
	if !ok {
		http.Error(w, fmt.Sprintf("no block %d", index), http.StatusNotFound)
		return
	}
	path := manifest.ArtifactPath(ls.sess.WorkDir, b)
	if r.Method == http.MethodGet {
		ls.mu.Lock()
		defer ls.mu.Unlock()
		serveFile(w, r, path, b.Artifact, guessContentType(b.Artifact), false)
		return
	}

	if !b.Editable {
		http.Error(w, fmt.Sprintf("block %d is not editable", index), http.StatusConflict)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.artifactLimit))
	if err != nil {
		http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusBadRequest)
		return
	}
	if _, err := codec.ReadArtifact(body, index); err != nil {
		http.Error(w, fmt.Sprintf("artifact must be a complete JSON document: %v", err), http.StatusBadRequest)
		return
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if err := common.WriteFileAtomic(path, body, 0o644); err != nil {
		http.Error(w, fmt.Sprintf("write artifact: %v", err), http.StatusInternalServerError)
		return
	}
	digest := common.BlockDigest(body)
	writeJSON(w, http.StatusOK, map[string]any{
		"index":        index,
		"artifact":     b.Artifact,
		"artifactHash": digest,
		"modified":     digest != b.ArtifactHash,
	})
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request, ls *liveSession) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ls.mu.Lock()
	plan, err := ls.sess.Preflight(r.Context(), s.repackOpts)
	ls.mu.Unlock()
	writeJSON(w, statusFor(err), runResponse{Report: report.FromPlan(plan, err)})
}

func (s *Server) handleRepack(w http.ResponseWriter, r *http.Request, ls *liveSession) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	outDir := filepath.Join(s.outputsDir, randomID())
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	outPath := filepath.Join(outDir, filepath.Base(ls.sess.BasePath))

	ls.mu.Lock()
	ls.outDirs = append(ls.outDirs, outDir)
	res, err := ls.sess.Repack(r.Context(), outPath, s.repackOpts)
	ls.mu.Unlock()
	rep := report.FromResult(res, err)
	resp := runResponse{Report: rep}
	if err != nil {
		writeJSON(w, statusFor(err), resp)
		return
	}

	art, aerr := s.addArtifact(ls.id, outPath, filepath.Base(outPath), "application/octet-stream", "save")
	if aerr != nil {
		http.Error(w, aerr.Error(), http.StatusInternalServerError)
		return
	}
	resp.Artifacts = append(resp.Artifacts, toRef(art))
	for _, extra := range s.writeReports(ls.id, rep, outDir) {
		resp.Artifacts = append(resp.Artifacts, toRef(extra))
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeReports stores the JSON and PDF reports next to the output. Report
// failures are logged and do not fail the request.
func (s *Server) writeReports(owner string, rep report.Report, dir string) []Artifact {
	var out []Artifact
	jsonPath := filepath.Join(dir, "report.json")
	if err := report.SaveJSON(rep, jsonPath); err != nil {
		common.Warnf("write report json: %v", err)
	} else if art, err := s.addArtifact(owner, jsonPath, "", "", "report"); err == nil {
		out = append(out, art)
	}
	pdfPath := filepath.Join(dir, "report.pdf")
	if err := report.SavePDF(rep, pdfPath); err != nil {
		common.Warnf("write report pdf: %v", err)
	} else if art, err := s.addArtifact(owner, pdfPath, "", "", "report"); err == nil {
		out = append(out, art)
	}
	return out
}

func statusFor(err error) int {
	var mismatch *repack.BaseMismatchError
	var rejected *repack.RejectedError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &mismatch):
		return http.StatusConflict
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
