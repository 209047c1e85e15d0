package report

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// HashToQR creates a QR code PNG encoding the provided file hash.
func HashToQR(hash string, size int) ([]byte, error) {
	normalized := sanitizeHash(hash)
	if normalized == "" {
		return nil, fmt.Errorf("hash is empty")
	}
	if size <= 0 {
		size = 128
	}
	return qrcode.Encode("sha256:"+normalized, qrcode.Medium, size)
}

func sanitizeHash(hash string) string {
	lower := strings.ToLower(strings.TrimSpace(hash))
	var b strings.Builder
	for _, r := range lower {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
