package server

import "net/http"

// NewRouter wires HTTP routes to the server's handlers.
func NewRouter(s *Server) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", s.handleCreateSession)
	mux.HandleFunc("/sessions/", s.handleSession)
	mux.HandleFunc("/artifacts/", s.handleArtifactDownload)
	return mux
}
