package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"example.com/slotpack/internal/repack"
)

// Server owns the sessions opened through the API and the files they
// produce.
type Server struct {
	artifacts   *ArtifactStore
	workDir     string
	uploadsDir  string
	sessionsDir string
	outputsDir  string

	repackOpts    repack.Options
	uploadLimit   int64
	artifactLimit int64

	sessMu   sync.RWMutex
	sessions map[string]*liveSession
}

// Artifact represents a file generated or stored by the daemon.
type Artifact struct {
	ID          string
	Path        string
	Name        string
	ContentType string
	Size        int64
	Kind        string
}

// ArtifactRef is the public representation returned in API responses.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// ArtifactStore indexes downloadable files by opaque ID. Artifacts owned by
// a session are dropped together with it.
type ArtifactStore struct {
	mu      sync.RWMutex
	entries map[string]Artifact
	owners  map[string][]string
}

func newArtifactStore() *ArtifactStore {
	return &ArtifactStore{entries: make(map[string]Artifact), owners: make(map[string][]string)}
}

func (st *ArtifactStore) put(owner string, art Artifact) {
	st.mu.Lock()
	st.entries[art.ID] = art
	st.owners[owner] = append(st.owners[owner], art.ID)
	st.mu.Unlock()
}

func (st *ArtifactStore) get(id string) (Artifact, bool) {
	st.mu.RLock()
	art, ok := st.entries[id]
	st.mu.RUnlock()
	return art, ok
}

// dropOwner forgets every artifact registered by owner and returns them.
func (st *ArtifactStore) dropOwner(owner string) []Artifact {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []Artifact
	for _, id := range st.owners[owner] {
		out = append(out, st.entries[id])
		delete(st.entries, id)
	}
	delete(st.owners, owner)
	return out
}

// NewServer constructs a Server rooted at a fresh directory below
// opts.StorageDir.
func NewServer(opts Options) (*Server, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	storageDir := opts.StorageDir
	if storageDir == "" {
		storageDir = os.TempDir()
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(storageDir, "slotd-")
	if err != nil {
		return nil, err
	}
	s := &Server{
		artifacts:     newArtifactStore(),
		workDir:       workDir,
		uploadsDir:    filepath.Join(workDir, "uploads"),
		sessionsDir:   filepath.Join(workDir, "sessions"),
		outputsDir:    filepath.Join(workDir, "outputs"),
		repackOpts:    opts.repackOptions(),
		uploadLimit:   opts.uploadLimit(),
		artifactLimit: opts.artifactLimit(),
		sessions:      make(map[string]*liveSession),
	}
	for _, dir := range []string{s.uploadsDir, s.sessionsDir, s.outputsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			os.RemoveAll(workDir)
			return nil, err
		}
	}
	return s, nil
}

// Close removes any temporary state associated with the server.
func (s *Server) Close() error {
	if s == nil || s.workDir == "" {
		return nil
	}
	return os.RemoveAll(s.workDir)
}

// addArtifact registers a file produced for session owner. Name and content
// type default to the file's base name and extension.
func (s *Server) addArtifact(owner, path, name, contentType, kind string) (Artifact, error) {
	if path == "" {
		return Artifact{}, errors.New("empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	if name == "" {
		name = filepath.Base(path)
	}
	if contentType == "" {
		contentType = guessContentType(name)
	}
	art := Artifact{ID: randomID(), Path: path, Name: name, ContentType: contentType, Size: info.Size(), Kind: kind}
	s.artifacts.put(owner, art)
	return art, nil
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	art, ok := s.artifacts.get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	serveFile(w, r, art.Path, art.Name, art.ContentType, true)
}

func serveFile(w http.ResponseWriter, r *http.Request, path, name, contentType string, attachment bool) {
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, fmt.Sprintf("open %s: %v", name, err), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("stat %s: %v", name, err), http.StatusInternalServerError)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if attachment {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func toRef(art Artifact) ArtifactRef {
	return ArtifactRef{
		ID:          art.ID,
		Name:        art.Name,
		ContentType: art.ContentType,
		Size:        art.Size,
		Kind:        art.Kind,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func guessContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".json":
		return "application/json"
	case ".jsonl", ".ndjson":
		return "application/x-ndjson"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

func randomID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		now := time.Now().UTC()
		return fmt.Sprintf("%d%06d", now.UnixNano(), os.Getpid())
	}
	return hex.EncodeToString(b[:])
}
