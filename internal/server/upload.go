package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
)

// saveUploadedBase stores the uploaded save under its own directory so two
// uploads with the same file name never collide.
func (s *Server) saveUploadedBase(fh *multipart.FileHeader) (string, error) {
	if fh == nil {
		return "", fmt.Errorf("nil file header")
	}
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()
	name := filepath.Base(strings.TrimSpace(fh.Filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "memory.dat"
	}
	dir, err := os.MkdirTemp(s.uploadsDir, "base-*")
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, name)
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.RemoveAll(dir)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dest, nil
}
