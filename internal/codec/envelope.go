package codec

import (
	"bytes"
	"encoding/base64"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	gzipID1 = 0x1f
	gzipID2 = 0x8b

	// gzip header (10) + empty deflate block + trailer (8)
	minGzipLen = 18

	xflBest  = 2
	xflSpeed = 4
)

func isEnvelopeSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// decodeEnvelope strips ASCII whitespace from a stored base64 run and
// decodes it. Missing '=' padding is tolerated and reported.
func decodeEnvelope(raw []byte) ([]byte, bool, error) {
	stripped := make([]byte, 0, len(raw))
	for _, c := range raw {
		if isEnvelopeSpace(c) {
			continue
		}
		stripped = append(stripped, c)
	}
	if len(stripped) < minEnvelopeLen {
		return nil, false, failAt(StageTruncated, "base64 run of %d bytes is too short", len(stripped))
	}
	padded := len(stripped)%4 == 0
	enc := base64.StdEncoding.Strict()
	if !padded {
		enc = base64.RawStdEncoding.Strict()
	}
	gz := make([]byte, enc.DecodedLen(len(stripped)))
	n, err := enc.Decode(gz, stripped)
	if err != nil {
		return nil, false, failAt(StageInvalidEnvelope, "base64: %v", err)
	}
	gz = gz[:n]
	if len(gz) < 2 || gz[0] != gzipID1 || gz[1] != gzipID2 {
		return nil, false, failAt(StageInvalidEnvelope, "decoded bytes do not start with the gzip magic")
	}
	if len(gz) < minGzipLen {
		return nil, false, failAt(StageTruncated, "gzip member of %d bytes is too short", len(gz))
	}
	return gz, padded, nil
}

func encodeEnvelope(gz []byte, padded bool) []byte {
	enc := base64.StdEncoding
	if !padded {
		enc = base64.RawStdEncoding
	}
	out := make([]byte, enc.EncodedLen(len(gz)))
	enc.Encode(out, gz)
	return out
}

type gzipHeader struct {
	level   int
	modTime uint32
	os      byte
	name    string
}

// levelFromXFL maps the gzip XFL header byte to a compression level. Only
// the best and fastest settings are flagged; anything else yields 0, which
// leaves the level to the caller's fallback.
func levelFromXFL(xfl byte) int {
	switch xfl {
	case xflBest:
		return gzip.BestCompression
	case xflSpeed:
		return gzip.BestSpeed
	default:
		return 0
	}
}

// gunzip inflates exactly one gzip member; bytes after the member are an
// envelope error because they could not be reproduced on encode.
func gunzip(gz []byte) ([]byte, gzipHeader, error) {
	hdr := gzipHeader{
		level:   levelFromXFL(gz[8]),
		modTime: uint32(gz[4]) | uint32(gz[5])<<8 | uint32(gz[6])<<16 | uint32(gz[7])<<24,
		os:      gz[9],
	}
	br := bytes.NewReader(gz)
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, hdr, failAt(StageDecompressionFailed, "gzip header: %v", err)
	}
	zr.Multistream(false)
	hdr.name = zr.Header.Name
	payload, err := io.ReadAll(zr)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, hdr, failAt(StageTruncated, "gzip stream ends early")
		}
		return nil, hdr, failAt(StageDecompressionFailed, "inflate: %v", err)
	}
	if err := zr.Close(); err != nil {
		return nil, hdr, failAt(StageDecompressionFailed, "gzip close: %v", err)
	}
	if br.Len() > 0 {
		return nil, hdr, failAt(StageInvalidEnvelope, "%d bytes follow the gzip member", br.Len())
	}
	return payload, hdr, nil
}

func gzipMember(payload []byte, meta Meta) ([]byte, error) {
	level := meta.Level
	if level == 0 {
		level = DefaultLevel
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	zw.Name = meta.Name
	zw.OS = meta.OS
	if meta.ModTime > 0 {
		zw.ModTime = unixTime(meta.ModTime)
	}
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
