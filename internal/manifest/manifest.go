// Package manifest records what an extraction found in a base file and
// everything the repacker needs to put edited blocks back.
package manifest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"example.com/slotpack/internal/codec"
	"example.com/slotpack/internal/common"
	"example.com/slotpack/internal/container"
)

const (
	Version       = 1
	FileName      = "manifest.json"
	BlocksDir     = "blocks"
	ShaAlgo       = "sha256"
	BlockHashAlgo = "blake3"
)

var ErrInvalid = errors.New("invalid manifest")

// Block describes one region of the base file.
type Block struct {
	Index    int              `json:"index"`
	Offset   int64            `json:"offset"`
	Length   int64            `json:"length"`
	Format   container.Format `json:"format"`
	Editable bool             `json:"editable"`
	// ContentHash is the block digest of the raw region in the base file.
	ContentHash string `json:"contentHash"`

	Capacity  int64  `json:"capacity,omitempty"`
	TailBytes string `json:"tailBytes,omitempty"`

	Artifact     string `json:"artifact"`
	ArtifactHash string `json:"artifactHash"`
	// DecodedHash is the digest of the compacted decoded document.
	DecodedHash string      `json:"decodedHash,omitempty"`
	Encoding    *codec.Meta `json:"encoding,omitempty"`

	Note        string `json:"note,omitempty"`
	Warning     string `json:"warning,omitempty"`
	DecodeError string `json:"decodeError,omitempty"`
}

func (b Block) Span() container.Span {
	return container.Span{Offset: b.Offset, Length: b.Length}
}

// Tail decodes the preserved tail bytes.
func (b Block) Tail() ([]byte, error) {
	if b.TailBytes == "" {
		return nil, nil
	}
	return hex.DecodeString(b.TailBytes)
}

// Variant rebuilds the scanner variant the block was recorded from. A block
// demoted because it failed to decode comes back as Unrecognized.
func (b Block) Variant() container.Block {
	span := b.Span()
	switch {
	case b.Editable:
		return &container.Editable{Span: span, Kind: b.Format, Capacity: b.Capacity}
	case b.Format == container.FormatFallenAuxiliary:
		return &container.Auxiliary{Span: span, Note: b.Note}
	case b.DecodeError != "":
		return &container.Unrecognized{Span: span, Warning: b.DecodeError}
	default:
		return &container.Unrecognized{Span: span, Warning: b.Warning}
	}
}

// Manifest is the persisted record of one extraction.
type Manifest struct {
	Version        int                 `json:"version"`
	CreatedAt      time.Time           `json:"createdAt"`
	BaseFile       string              `json:"baseFile"`
	BaseFileLength int64               `json:"baseFileLength"`
	BaseFileHash   string              `json:"baseFileHash"`
	ShaAlgo        string              `json:"shaAlgo"`
	BlockHashAlgo  string              `json:"blockHashAlgo"`
	Strategy       string              `json:"strategy"`
	Warnings       []container.Warning `json:"warnings,omitempty"`
	Blocks         []Block             `json:"blocks"`
}

// New returns an empty manifest for a base file.
func New(baseFile string, length int64, sha string, strategy string) Manifest {
	return Manifest{
		Version:        Version,
		CreatedAt:      time.Now().UTC(),
		BaseFile:       baseFile,
		BaseFileLength: length,
		BaseFileHash:   sha,
		ShaAlgo:        ShaAlgo,
		BlockHashAlgo:  BlockHashAlgo,
		Strategy:       strategy,
	}
}

// EditableBlocks returns the blocks the editor may change, in order.
func (m Manifest) EditableBlocks() []Block {
	var out []Block
	for _, b := range m.Blocks {
		if b.Editable {
			out = append(out, b)
		}
	}
	return out
}

// Block looks up a block by index.
func (m Manifest) Block(index int) (Block, bool) {
	if index < 0 || index >= len(m.Blocks) {
		return Block{}, false
	}
	return m.Blocks[index], true
}

// ArtifactName is the file name of a block artifact inside BlocksDir.
func ArtifactName(index int, offset int64, editable bool) string {
	ext := ".bin"
	if editable {
		ext = ".json"
	}
	return fmt.Sprintf("block_%02d_off_%08X%s", index, offset, ext)
}

// Path returns the manifest location inside a work directory.
func Path(workDir string) string {
	return filepath.Join(workDir, FileName)
}

// ArtifactPath resolves a block artifact inside a work directory.
func ArtifactPath(workDir string, b Block) string {
	return filepath.Join(workDir, BlocksDir, b.Artifact)
}

// Validate checks the ordering, overlap and bounds invariants and the fields
// each variant requires.
func (m Manifest) Validate() error {
	if m.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalid, m.Version)
	}
	if m.BaseFileHash == "" || m.BaseFileLength <= 0 {
		return fmt.Errorf("%w: missing base file identity", ErrInvalid)
	}
	var end int64
	for i, b := range m.Blocks {
		if b.Index != i {
			return fmt.Errorf("%w: block %d has index %d", ErrInvalid, i, b.Index)
		}
		if b.Length <= 0 {
			return fmt.Errorf("%w: block %d has empty span", ErrInvalid, i)
		}
		if b.Offset < end {
			return fmt.Errorf("%w: block %d %s overlaps previous block", ErrInvalid, i, b.Span())
		}
		if b.Span().End() > m.BaseFileLength {
			return fmt.Errorf("%w: block %d %s exceeds base length %d", ErrInvalid, i, b.Span(), m.BaseFileLength)
		}
		end = b.Span().End()
		if b.ContentHash == "" || b.Artifact == "" {
			return fmt.Errorf("%w: block %d lacks content hash or artifact", ErrInvalid, i)
		}
		if err := validateVariant(b); err != nil {
			return fmt.Errorf("%w: block %d: %v", ErrInvalid, i, err)
		}
	}
	return nil
}

func validateVariant(b Block) error {
	tail, err := b.Tail()
	if err != nil {
		return fmt.Errorf("tail bytes: %v", err)
	}
	if !b.Editable {
		if len(tail) > 0 {
			return fmt.Errorf("tail bytes on non-editable block")
		}
		return nil
	}
	if _, ok := b.Format.CodecKind(); !ok {
		return fmt.Errorf("format %s is not editable", b.Format)
	}
	if b.Encoding == nil {
		return fmt.Errorf("editable block without encoding")
	}
	if b.DecodedHash == "" {
		return fmt.Errorf("editable block without decoded hash")
	}
	if b.Capacity <= 0 || b.Capacity > b.Length {
		return fmt.Errorf("capacity %d outside (0, %d]", b.Capacity, b.Length)
	}
	switch b.Format {
	case container.FormatPlainBase64Gzip:
		if b.Capacity != b.Length || len(tail) > 0 {
			return fmt.Errorf("plain block must use its whole region")
		}
	case container.FormatFallenTableEntry:
		if int64(len(tail)) != b.Length-b.Capacity {
			return fmt.Errorf("tail has %d bytes, want %d", len(tail), b.Length-b.Capacity)
		}
	}
	return nil
}

// Save validates m and writes it atomically.
func Save(m Manifest, path string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return common.WriteFileAtomic(path, append(b, '\n'), 0o644)
}

// Load reads and validates a manifest.
func Load(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}
