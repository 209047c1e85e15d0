package server

import (
	"fmt"

	"example.com/slotpack/internal/codec"
	"example.com/slotpack/internal/common"
	"example.com/slotpack/internal/repack"
)

const (
	defaultMaxUploadBytes   = 256 << 20
	defaultMaxArtifactBytes = 32 << 20
)

// Options configures server creation.
type Options struct {
	StorageDir string
	// GzipLevel is the fallback level for blocks whose header hides it.
	GzipLevel int
	// KeepWhitespace disables minifying edited documents before encoding.
	KeepWhitespace bool
	// PatchLogPath, when set, receives a JSONL record of every written block.
	PatchLogPath     string
	MaxUploadBytes   int64
	MaxArtifactBytes int64
}

func (o Options) validate() error {
	if o.GzipLevel < 0 || o.GzipLevel > 9 {
		return fmt.Errorf("gzip level %d outside 0..9", o.GzipLevel)
	}
	if o.MaxUploadBytes < 0 || o.MaxArtifactBytes < 0 {
		return fmt.Errorf("size limits must not be negative")
	}
	return nil
}

func (o Options) repackOptions() repack.Options {
	opts := repack.DefaultOptions()
	opts.Minify = !o.KeepWhitespace
	if o.GzipLevel > 0 {
		opts.GzipLevel = o.GzipLevel
	} else {
		opts.GzipLevel = codec.DefaultLevel
	}
	if o.PatchLogPath != "" {
		opts.PatchLog = common.NewPatchLog(o.PatchLogPath)
	}
	return opts
}

func (o Options) uploadLimit() int64 {
	if o.MaxUploadBytes > 0 {
		return o.MaxUploadBytes
	}
	return defaultMaxUploadBytes
}

func (o Options) artifactLimit() int64 {
	if o.MaxArtifactBytes > 0 {
		return o.MaxArtifactBytes
	}
	return defaultMaxArtifactBytes
}
