package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"
	"golang.org/x/text/encoding/unicode"
)

var (
	bomUTF8 = []byte{0xEF, 0xBB, 0xBF}
	bomBE   = []byte{0xFE, 0xFF}
)

// ReadArtifact turns an edited artifact file into JSON text. Editors may
// save with a UTF-8 byte order mark or as BOM-marked UTF-16, and may leave
// comments or trailing commas; all of these are accepted.
func ReadArtifact(raw []byte, index int) ([]byte, error) {
	text, err := artifactText(raw)
	if err != nil {
		return nil, newError(index, StageInvalidText, err)
	}
	if json.Valid(text) {
		return text, nil
	}
	if doc := jsonc.ToJSON(text); json.Valid(doc) {
		return doc, nil
	}
	return nil, newError(index, StageInvalidJSON, fmt.Errorf("artifact is not valid JSON"))
}

func artifactText(raw []byte) ([]byte, error) {
	var order unicode.Endianness
	switch {
	case bytes.HasPrefix(raw, bomUTF8):
		return raw[len(bomUTF8):], nil
	case bytes.HasPrefix(raw, bomLE):
		order = unicode.LittleEndian
	case bytes.HasPrefix(raw, bomBE):
		order = unicode.BigEndian
	default:
		return raw, nil
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("UTF-16 artifact has odd byte count %d", len(raw))
	}
	return unicode.UTF16(order, unicode.ExpectBOM).NewDecoder().Bytes(raw)
}
