package codec

import (
	"bytes"
	"fmt"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

var (
	utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	bomLE   = []byte{0xFF, 0xFE}
)

// decodeUTF16 converts UTF-16LE text to UTF-8. The conversion must be exact:
// text that does not re-encode to the same bytes (unpaired surrogates) is
// rejected rather than silently repaired.
func decodeUTF16(b []byte) ([]byte, bool, error) {
	if len(b)%2 != 0 {
		return nil, false, fmt.Errorf("odd byte count %d", len(b))
	}
	bom := bytes.HasPrefix(b, bomLE)
	if bom {
		b = b[len(bomLE):]
	}
	out, err := utf16LE.NewDecoder().Bytes(b)
	if err != nil {
		return nil, bom, err
	}
	back, err := utf16LE.NewEncoder().Bytes(out)
	if err != nil || !bytes.Equal(back, b) {
		return nil, bom, fmt.Errorf("text contains unpaired surrogates")
	}
	return out, bom, nil
}

func encodeUTF16(doc []byte, bom bool) ([]byte, error) {
	if !utf8.Valid(doc) {
		return nil, fmt.Errorf("document is not valid UTF-8")
	}
	out, err := utf16LE.NewEncoder().Bytes(doc)
	if err != nil {
		return nil, err
	}
	if bom {
		out = append(append([]byte{}, bomLE...), out...)
	}
	return out, nil
}

func unixTime(sec uint32) time.Time {
	return time.Unix(int64(sec), 0)
}
