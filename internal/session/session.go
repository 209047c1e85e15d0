// Package session ties one base save file to its work directory so extract,
// preflight and repack can be driven as a unit without global state.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"example.com/slotpack/internal/common"
	"example.com/slotpack/internal/extract"
	"example.com/slotpack/internal/manifest"
	"example.com/slotpack/internal/repack"
)

// Session is an explicit extract/edit/repack context for one base file.
type Session struct {
	BasePath   string
	WorkDir    string
	BaseHash   string
	BaseLength int64
}

// New fingerprints basePath and derives its work directory below workRoot.
func New(basePath, workRoot string) (*Session, error) {
	hash, size, err := common.Sha256OfFile(basePath)
	if err != nil {
		return nil, fmt.Errorf("fingerprint base file: %w", err)
	}
	return &Session{
		BasePath:   basePath,
		WorkDir:    filepath.Join(workRoot, WorkDirName(basePath, size, hash)),
		BaseHash:   hash,
		BaseLength: size,
	}, nil
}

// WorkDirName is "<stem>_<size>_<hash prefix>", distinct for distinct bases.
func WorkDirName(basePath string, size int64, hash string) string {
	stem := strings.TrimSuffix(filepath.Base(basePath), filepath.Ext(basePath))
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return fmt.Sprintf("%s_%d_%s", stem, size, hash)
}

// ManifestPath is where Extract writes the manifest.
func (s *Session) ManifestPath() string {
	return manifest.Path(s.WorkDir)
}

// Manifest loads the manifest of the last extraction.
func (s *Session) Manifest() (manifest.Manifest, error) {
	return manifest.Load(s.ManifestPath())
}

// Extract (re)builds the work directory from the base file.
func (s *Session) Extract(ctx context.Context, opts extract.Options) (extract.Result, error) {
	return extract.Extract(ctx, s.BasePath, s.WorkDir, opts)
}

// Preflight checks the current artifacts without writing anything.
func (s *Session) Preflight(ctx context.Context, opts repack.Options) (repack.Plan, error) {
	m, err := s.Manifest()
	if err != nil {
		return repack.Plan{}, err
	}
	base, err := os.ReadFile(s.BasePath)
	if err != nil {
		return repack.Plan{}, err
	}
	return repack.Preflight(ctx, base, m, s.WorkDir, opts)
}

// Repack writes the repacked save to outPath.
func (s *Session) Repack(ctx context.Context, outPath string, opts repack.Options) (repack.Result, error) {
	return repack.Repack(ctx, s.BasePath, s.WorkDir, outPath, opts)
}

// Stale reports whether the base file changed since the session was created.
func (s *Session) Stale() (bool, error) {
	hash, size, err := common.Sha256OfFile(s.BasePath)
	if err != nil {
		return false, err
	}
	return hash != s.BaseHash || size != s.BaseLength, nil
}
