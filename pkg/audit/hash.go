package audit

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"unicode/utf8"
)

// DiffCompressThreshold is the diff size in bytes above which CompressDiff
// gzips the payload before storage.
const DiffCompressThreshold = 4096

// HashContent returns the hex-encoded SHA-256 of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashString returns the hex-encoded SHA-256 of s.
func HashString(s string) string {
	return HashContent([]byte(s))
}

// Truncate caps s at max bytes. The cut lands on a rune boundary; truncated
// text carries a trailing marker naming the original size.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}

	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n[truncated: original %d bytes]", len(s))
}

// TruncateWithHash caps s at max bytes and returns the (possibly truncated)
// text together with the SHA-256 of the original.
func TruncateWithHash(s string, max int) (string, string) {
	return Truncate(s, max), HashString(s)
}

// CompressDiff gzips diff when it exceeds DiffCompressThreshold. The second
// return value reports whether the payload is compressed; small diffs and
// diffs that do not shrink are stored as-is.
func CompressDiff(diff []byte) ([]byte, bool) {
	if len(diff) <= DiffCompressThreshold {
		return diff, false
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(diff); err != nil {
		zw.Close()
		return diff, false
	}
	if err := zw.Close(); err != nil {
		return diff, false
	}
	if buf.Len() >= len(diff) {
		return diff, false
	}
	return buf.Bytes(), true
}

// DecompressDiff reverses CompressDiff. Pass the stored compressed flag;
// uncompressed payloads are returned unchanged.
func DecompressDiff(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed diff: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress diff: %w", err)
	}
	return out, nil
}
