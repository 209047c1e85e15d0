// Package codec converts between the raw bytes stored in a block region and
// the JSON document they carry.
//
// Two kinds of block are understood. A base64-gzip block is a standard
// base64 text envelope around a single gzip member whose payload is UTF-16LE
// JSON. A utf16 block stores the UTF-16LE JSON text directly, followed by NUL
// padding. Decoding records everything needed to re-encode the document with
// the same parameters in Meta; encoding is deterministic for a given Meta.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind selects the decode/encode pipeline for a block.
type Kind string

const (
	KindBase64Gzip Kind = "base64-gzip"
	KindUTF16      Kind = "utf16"
)

// Meta captures the encoding parameters observed while decoding a block.
type Meta struct {
	Kind Kind `json:"kind"`

	// Padded reports whether the base64 envelope carried '=' padding.
	Padded bool `json:"padded,omitempty"`

	// Gzip member header fields and the compression level to reproduce.
	// Level is 0 when the header did not reveal it; Encode then uses
	// DefaultLevel.
	Level   int    `json:"level,omitempty"`
	ModTime uint32 `json:"mtime,omitempty"`
	OS      byte   `json:"os,omitempty"`
	Name    string `json:"name,omitempty"`

	// BOM reports whether the UTF-16 text started with a byte order mark.
	BOM bool `json:"bom,omitempty"`
}

// DefaultLevel is used when the gzip header does not reveal the level.
const DefaultLevel = 9

// minEnvelopeLen is the shortest base64 run that can hold a gzip member
// header (10 bytes) plus a trailer.
const minEnvelopeLen = 16

// Decode runs the decode pipeline for kind over raw and returns the JSON text
// with the metadata required to re-encode it. index only labels errors.
func Decode(raw []byte, kind Kind, index int) ([]byte, Meta, error) {
	meta := Meta{Kind: kind}
	var text []byte
	switch kind {
	case KindBase64Gzip:
		gz, padded, err := decodeEnvelope(raw)
		if err != nil {
			return nil, meta, newError(index, stageOf(err), err)
		}
		meta.Padded = padded
		payload, hdr, err := gunzip(gz)
		if err != nil {
			return nil, meta, newError(index, stageOf(err), err)
		}
		meta.Level = hdr.level
		meta.ModTime = hdr.modTime
		meta.OS = hdr.os
		meta.Name = hdr.name
		text = payload
	case KindUTF16:
		text = trimNULUnits(raw)
		if len(text) == 0 {
			return nil, meta, newError(index, StageTruncated, fmt.Errorf("no text before padding"))
		}
	default:
		return nil, meta, newError(index, StageInvalidEnvelope, fmt.Errorf("unsupported codec kind %q", kind))
	}

	doc, bom, err := decodeUTF16(text)
	if err != nil {
		return nil, meta, newError(index, StageInvalidText, err)
	}
	meta.BOM = bom
	if !json.Valid(doc) {
		return nil, meta, newError(index, StageInvalidJSON, fmt.Errorf("payload is not valid JSON"))
	}
	return doc, meta, nil
}

// Encode is the inverse of Decode: doc must be valid JSON text (UTF-8).
func Encode(doc []byte, meta Meta, index int) ([]byte, error) {
	if !json.Valid(doc) {
		return nil, newError(index, StageInvalidJSON, fmt.Errorf("document is not valid JSON"))
	}
	text, err := encodeUTF16(doc, meta.BOM)
	if err != nil {
		return nil, newError(index, StageInvalidText, err)
	}
	switch meta.Kind {
	case KindBase64Gzip:
		gz, err := gzipMember(text, meta)
		if err != nil {
			return nil, newError(index, StageDecompressionFailed, err)
		}
		return encodeEnvelope(gz, meta.Padded), nil
	case KindUTF16:
		return text, nil
	default:
		return nil, newError(index, StageInvalidEnvelope, fmt.Errorf("unsupported codec kind %q", meta.Kind))
	}
}

// Compact returns doc with insignificant whitespace removed.
func Compact(doc []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// trimNULUnits drops trailing zero code units. A lone trailing zero byte
// (odd-length region) is dropped first so the remainder stays aligned.
func trimNULUnits(b []byte) []byte {
	if len(b)%2 == 1 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	for len(b) >= 2 && b[len(b)-2] == 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-2]
	}
	return b
}
